package database

import (
	"context"
	"sort"
	"sync"

	"ticket-chat/internal/models"
)

type messageKey struct {
	ticketID string
	id       string
}

// MemoryDB keeps tickets and messages in process memory. It backs local
// development when no DATABASE_URL is set, and the tests.
type MemoryDB struct {
	mu       sync.RWMutex
	tickets  map[string]models.Ticket
	messages map[messageKey]models.ChatMessage
	order    map[string][]string
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		tickets:  make(map[string]models.Ticket),
		messages: make(map[messageKey]models.ChatMessage),
		order:    make(map[string][]string),
	}
}

// PutTicket stands in for the ticketing application creating a ticket.
func (db *MemoryDB) PutTicket(t models.Ticket) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tickets[t.ID] = t
}

func (db *MemoryDB) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, ok := db.tickets[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (db *MemoryDB) CreateMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	key := messageKey{ticketID: msg.TicketID, id: msg.ID}
	if existing, ok := db.messages[key]; ok {
		return &existing, false, nil
	}

	stored := *msg
	if stored.WhatsAppStatus == "" {
		stored.WhatsAppStatus = models.WhatsAppPending
	}
	stored.ImageURL = ""
	db.messages[key] = stored
	db.order[msg.TicketID] = append(db.order[msg.TicketID], msg.ID)

	return &stored, true, nil
}

func (db *MemoryDB) GetMessage(ctx context.Context, ticketID, messageID string) (*models.ChatMessage, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	msg, ok := db.messages[messageKey{ticketID: ticketID, id: messageID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (db *MemoryDB) LoadRecentMessages(ctx context.Context, ticketID string, limit int) ([]*models.ChatMessage, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := db.order[ticketID]
	messages := make([]*models.ChatMessage, 0, len(ids))
	for _, id := range ids {
		msg := db.messages[messageKey{ticketID: ticketID, id: id}]
		messages = append(messages, &msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// MessageCount reports how many messages are stored for a ticket.
func (db *MemoryDB) MessageCount(ticketID string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.order[ticketID])
}

func (db *MemoryDB) Close() error {
	return nil
}
