// Package presence announces joins, leaves and typing to a room.
package presence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ticket-chat/internal/models"
)

// Session is the view of a connection the throttler needs.
type Session interface {
	ID() string
	RoomID() string
	Principal() models.Principal
}

type Publisher interface {
	Publish(ctx context.Context, roomID string, ev models.Event) error
}

// Throttler limits typing indicators to one per interval per session.
// Signals over the limit are dropped.
type Throttler struct {
	pub      Publisher
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewThrottler(pub Publisher, interval time.Duration) *Throttler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Throttler{
		pub:      pub,
		interval: interval,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetClock replaces the clock the limiters are evaluated against.
func (t *Throttler) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Throttler) allow(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[sessionID] = lim
	}
	return lim.AllowN(t.now(), 1)
}

// EmitTyping publishes a typing indicator unless the session already did so
// within the interval. It reports whether anything was published.
func (t *Throttler) EmitTyping(ctx context.Context, s Session) (bool, error) {
	if !t.allow(s.ID()) {
		return false, nil
	}
	if err := t.pub.Publish(ctx, s.RoomID(), models.TypingIndicator(s.Principal(), s.ID())); err != nil {
		return false, err
	}
	return true, nil
}

// ResetTyping lets the session's next typing signal through immediately.
// Called after the session sends a chat message.
func (t *Throttler) ResetTyping(sessionID string) {
	t.mu.Lock()
	delete(t.limiters, sessionID)
	t.mu.Unlock()
}

func (t *Throttler) EmitOnline(ctx context.Context, s Session) error {
	return t.pub.Publish(ctx, s.RoomID(), models.UserOnline(s.Principal(), s.ID()))
}

// EmitOffline announces the leave and forgets the session's limiter.
func (t *Throttler) EmitOffline(ctx context.Context, s Session) error {
	t.ResetTyping(s.ID())
	return t.pub.Publish(ctx, s.RoomID(), models.UserOffline(s.Principal(), s.ID()))
}
