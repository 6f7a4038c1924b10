// Package notify hands persisted chat messages to the external WhatsApp
// notifier over a message bus.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ticket-chat/internal/models"
)

const EventMessageCreated = "chat.message.created"

type Meta struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope is the payload put on the bus.
type Envelope struct {
	Meta Meta                `json:"meta"`
	Data *models.ChatMessage `json:"data"`
}

func NewEnvelope(msg *models.ChatMessage, now time.Time) Envelope {
	return Envelope{
		Meta: Meta{
			ID:         uuid.NewString(),
			Type:       EventMessageCreated,
			OccurredAt: now.UTC(),
		},
		Data: msg,
	}
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
func (Nop) Close() error                            { return nil }
