// Package broker carries room events to every process that has sessions in
// the room.
package broker

import (
	"context"

	"ticket-chat/internal/models"
)

// Deliverer fans an event out to the sessions joined on this process.
type Deliverer interface {
	Deliver(roomID string, ev models.Event)
}

// Broker publishes room events.
type Broker interface {
	Publish(ctx context.Context, roomID string, ev models.Event) error
	Close() error
}

// Local delivers straight to the in-process registry.
type Local struct {
	target Deliverer
}

func NewLocal(target Deliverer) *Local {
	return &Local{target: target}
}

func (b *Local) Publish(ctx context.Context, roomID string, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.target.Deliver(roomID, ev)
	return nil
}

func (b *Local) Close() error {
	return nil
}
