package database

import (
	"context"
	"errors"

	"ticket-chat/internal/models"
)

// ErrNotFound is returned when a ticket or message does not exist.
var ErrNotFound = errors.New("not found")

type TicketRepository interface {
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
}

type MessageRepository interface {
	// CreateMessageIfAbsent inserts msg unless a message with the same
	// (TicketID, ID) exists. It returns the stored record and whether this
	// call created it.
	CreateMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error)
	GetMessage(ctx context.Context, ticketID, messageID string) (*models.ChatMessage, error)
	// LoadRecentMessages returns up to limit messages, oldest first.
	LoadRecentMessages(ctx context.Context, ticketID string, limit int) ([]*models.ChatMessage, error)
}

type Database interface {
	TicketRepository
	MessageRepository
	Close() error
}
