package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ticket-chat/internal/audit"
	"ticket-chat/internal/database"
	"ticket-chat/internal/media"
	"ticket-chat/internal/models"
	"ticket-chat/internal/notify"
	"ticket-chat/pkg/logger"
)

var (
	ErrEmptyMessage     = errors.New("message has neither text nor image")
	ErrImageTooLarge    = media.ErrImageTooLarge
	ErrInvalidImage     = media.ErrInvalidImage
	ErrInvalidMessageID = errors.New("invalid message id")
	ErrPersistence      = errors.New("failed to persist message")
)

var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// EventPublisher is the room broadcast group.
type EventPublisher interface {
	Publish(ctx context.Context, roomID string, ev models.Event) error
}

type MessageServiceConfig struct {
	MaxImageSize   int64
	PublishTimeout time.Duration
	NotifyTimeout  time.Duration
	// NotifyWorkers bounds the hand-offs running in the background. When all
	// are busy the hand-off runs on the caller.
	NotifyWorkers int
}

// IngestResult is the stored message. Duplicate is set when the id was
// already taken in the room; Broadcast is set when this call fanned the
// message out.
type IngestResult struct {
	Message   *models.ChatMessage
	Duplicate bool
	Broadcast bool
}

type MessageService struct {
	messages  database.MessageRepository
	blobs     media.BlobStore
	publisher EventPublisher
	notifier  notify.Publisher
	cfg       MessageServiceConfig
	now       func() time.Time

	notifyGroup errgroup.Group
}

func NewMessageService(
	messages database.MessageRepository,
	blobs media.BlobStore,
	publisher EventPublisher,
	notifier notify.Publisher,
	cfg MessageServiceConfig,
) *MessageService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = 5 << 20
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 2 * time.Second
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = 16
	}
	s := &MessageService{
		messages:  messages,
		blobs:     blobs,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
	s.notifyGroup.SetLimit(cfg.NotifyWorkers)
	return s
}

// SetClock replaces the time source used for timestamps and blob keys.
func (s *MessageService) SetClock(now func() time.Time) {
	s.now = now
}

// Ingest validates, stores and broadcasts one chat message. Calling it again
// with the same client id returns the stored message without broadcasting.
func (s *MessageService) Ingest(ctx context.Context, roomID string, author models.Principal, clientID, text, image string) (*IngestResult, error) {
	text = strings.TrimSpace(text)
	if text == "" && image == "" {
		return nil, ErrEmptyMessage
	}

	id := clientID
	if id == "" {
		id = uuid.NewString()
	} else if !messageIDPattern.MatchString(id) {
		return nil, ErrInvalidMessageID
	}

	var img *media.Image
	if image != "" {
		decoded, err := media.DecodeDataURI(image, s.cfg.MaxImageSize)
		if err != nil {
			return nil, err
		}
		img = decoded
	}

	existing, err := s.messages.GetMessage(ctx, roomID, id)
	switch {
	case err == nil:
		return s.duplicate(ctx, existing)
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	now := s.now().UTC()
	msg := &models.ChatMessage{
		ID:             id,
		TicketID:       roomID,
		UserID:         author.ID,
		UserRole:       author.Role,
		Content:        text,
		CreatedAt:      now,
		WhatsAppStatus: models.WhatsAppPending,
	}

	if img != nil {
		msg.ImageKey = media.ImageKey(roomID, uuid.NewString(), img.Ext, now)
		if err := s.blobs.Put(ctx, msg.ImageKey, img.Data, img.ContentType); err != nil {
			return nil, fmt.Errorf("%w: store image: %v", ErrPersistence, err)
		}
	}

	stored, created, err := s.messages.CreateMessageIfAbsent(ctx, msg)
	if err != nil {
		s.discardBlob(ctx, msg.ImageKey)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !created {
		s.discardBlob(ctx, msg.ImageKey)
		return s.duplicate(ctx, stored)
	}

	if err := s.resolveURL(ctx, stored); err != nil {
		l := logger.Ctx(ctx)
		l.Error().Err(err).Str(logger.FieldMessageID, stored.ID).Msg("failed to resolve image url")
	}

	audit.Log(ctx, audit.ActionSendMessage, author.ID, roomID, "message stored")

	// The message is stored; it goes out even if the sender's session is
	// closing.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()

	result := &IngestResult{Message: stored}
	if err := s.publisher.Publish(pubCtx, roomID, models.ChatDelivered(stored)); err != nil {
		l := logger.Ctx(ctx)
		l.Error().Err(err).
			Str(logger.FieldRoomID, roomID).
			Str(logger.FieldMessageID, stored.ID).
			Msg("failed to broadcast message")
	} else {
		result.Broadcast = true
	}

	s.notify(ctx, stored)
	return result, nil
}

func (s *MessageService) duplicate(ctx context.Context, msg *models.ChatMessage) (*IngestResult, error) {
	if err := s.resolveURL(ctx, msg); err != nil {
		l := logger.Ctx(ctx)
		l.Error().Err(err).Str(logger.FieldMessageID, msg.ID).Msg("failed to resolve image url")
	}
	return &IngestResult{Message: msg, Duplicate: true}, nil
}

func (s *MessageService) resolveURL(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ImageKey == "" {
		return nil
	}
	url, err := s.blobs.URL(ctx, msg.ImageKey)
	if err != nil {
		return err
	}
	msg.ImageURL = url
	return nil
}

func (s *MessageService) discardBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		l := logger.Ctx(ctx)
		l.Warn().Err(err).Str("key", key).Msg("failed to delete orphaned image")
	}
}

// notify hands the message to the WhatsApp notifier in the background. The
// message is already delivered in the room, so failures are logged and
// dropped.
func (s *MessageService) notify(ctx context.Context, msg *models.ChatMessage) {
	snapshot := *msg
	env := notify.NewEnvelope(&snapshot, s.now())
	ctx = context.WithoutCancel(ctx)

	started := s.notifyGroup.TryGo(func() error {
		s.handOff(ctx, env)
		return nil
	})
	if !started {
		s.handOff(ctx, env)
	}
}

func (s *MessageService) handOff(ctx context.Context, env notify.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()

	if err := s.notifier.Publish(ctx, env); err != nil {
		l := logger.Ctx(ctx)
		l.Warn().Err(err).Str(logger.FieldMessageID, env.Data.ID).Msg("failed to hand message to notifier")
	}
}

// Wait blocks until background notifier hand-offs have finished.
func (s *MessageService) Wait() {
	_ = s.notifyGroup.Wait()
}

// ListRecent returns up to limit messages of the room, oldest first, with
// image URLs resolved.
func (s *MessageService) ListRecent(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error) {
	messages, err := s.messages.LoadRecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	for _, m := range messages {
		if err := s.resolveURL(ctx, m); err != nil {
			l := logger.Ctx(ctx)
			l.Warn().Err(err).Str(logger.FieldMessageID, m.ID).Msg("failed to resolve image url")
		}
	}
	return messages, nil
}
