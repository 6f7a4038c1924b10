package services

import (
	"context"
	"errors"

	"ticket-chat/internal/audit"
	"ticket-chat/internal/database"
	"ticket-chat/internal/models"
)

// Decision is the outcome of an access check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// ErrorReporter receives lookup failures that caused a fail-closed denial.
type ErrorReporter interface {
	ReportAccessError(ctx context.Context, p models.Principal, roomID string, err error)
}

// AuditReporter writes access errors to the audit log.
type AuditReporter struct{}

func (AuditReporter) ReportAccessError(ctx context.Context, p models.Principal, roomID string, err error) {
	audit.LogError(ctx, audit.ActionAccessError, p.ID, roomID, err, "ticket lookup failed, access denied")
}

// AccessService decides who may join a ticket's chat room.
type AccessService struct {
	tickets  database.TicketRepository
	reporter ErrorReporter
}

func NewAccessService(tickets database.TicketRepository, reporter ErrorReporter) *AccessService {
	if reporter == nil {
		reporter = AuditReporter{}
	}
	return &AccessService{tickets: tickets, reporter: reporter}
}

// Authorize applies, in order: anonymous deny, admin allow, ticket client
// allow, assigned technician allow, deny. The ticket must resolve before any
// rule is applied, so a missing ticket or a failed lookup denies everyone.
func (s *AccessService) Authorize(ctx context.Context, p models.Principal, roomID string) Decision {
	if p.Anonymous || p.ID == "" {
		return Deny
	}

	ticket, err := s.tickets.GetTicket(ctx, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return Deny
	}
	if err != nil {
		s.reporter.ReportAccessError(ctx, p, roomID, err)
		return Deny
	}

	switch {
	case p.Role == models.RoleAdmin:
		return Allow
	case ticket.ClientUserID != "" && p.ID == ticket.ClientUserID:
		return Allow
	case ticket.TechnicianUserID != "" && p.ID == ticket.TechnicianUserID:
		return Allow
	default:
		return Deny
	}
}
