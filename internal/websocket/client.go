package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ticket-chat/internal/audit"
	"ticket-chat/internal/models"
	"ticket-chat/internal/presence"
	"ticket-chat/internal/services"
	"ticket-chat/pkg/logger"
)

type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "closed"
	}
}

var ErrNotAdmitted = errors.New("session was not admitted")

type Gate interface {
	Authorize(ctx context.Context, p models.Principal, roomID string) services.Decision
}

type MessageIngester interface {
	Ingest(ctx context.Context, roomID string, author models.Principal, clientID, text, image string) (*services.IngestResult, error)
	ListRecent(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error)
}

type PresenceEmitter interface {
	EmitTyping(ctx context.Context, s presence.Session) (bool, error)
	ResetTyping(sessionID string)
	EmitOnline(ctx context.Context, s presence.Session) error
	EmitOffline(ctx context.Context, s presence.Session) error
}

type ClientConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	HistoryLimit   int
	HandleTimeout  time.Duration
	CleanupTimeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 5 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
}

// Deps are shared by every session of the process.
type Deps struct {
	Registry *Registry
	Gate     Gate
	Messages MessageIngester
	Presence PresenceEmitter
	Config   ClientConfig
}

// Client is one connection from one principal to one ticket room.
type Client struct {
	id        string
	roomID    string
	principal models.Principal

	deps     Deps
	conn     *websocket.Conn
	send     chan []byte
	quit     chan struct{}
	state    atomic.Int32
	admitted atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	kickOnce  sync.Once
	closeOnce sync.Once
}

func NewClient(deps Deps, roomID string, p models.Principal) *Client {
	deps.Config.applyDefaults()

	id := uuid.NewString()
	l := logger.L().With().
		Str(logger.FieldSessionID, id).
		Str(logger.FieldRoomID, roomID).
		Str(logger.FieldUserID, p.ID).
		Logger()

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), l))

	return &Client{
		id:        id,
		roomID:    roomID,
		principal: p,
		deps:      deps,
		send:      make(chan []byte, deps.Config.SendBuffer),
		quit:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		log:       l,
	}
}

func (c *Client) ID() string                  { return c.id }
func (c *Client) RoomID() string              { return c.roomID }
func (c *Client) Principal() models.Principal { return c.principal }
func (c *Client) State() State                { return State(c.state.Load()) }

// Admit runs the authorization gate. A denied session is closed and never
// touches the registry.
func (c *Client) Admit(ctx context.Context) services.Decision {
	decision := c.deps.Gate.Authorize(ctx, c.principal, c.roomID)
	if decision != services.Allow {
		c.state.Store(int32(StateClosed))
		c.cancel()
		audit.Log(c.ctx, audit.ActionAccessDenied, c.principal.ID, c.roomID, "chat access denied")
		return decision
	}
	c.admitted.Store(true)
	return decision
}

// Start joins the room over an upgraded connection, sends the recent
// history, announces the session and starts the pumps.
func (c *Client) Start(conn *websocket.Conn) error {
	if !c.admitted.Load() || !c.state.CompareAndSwap(int32(StateConnecting), int32(StateJoined)) {
		return ErrNotAdmitted
	}
	c.conn = conn

	if err := c.deps.Registry.Join(c.roomID, c); err != nil {
		c.state.Store(int32(StateClosed))
		c.cancel()
		return err
	}
	audit.Log(c.ctx, audit.ActionJoin, c.principal.ID, c.roomID, "joined chat")

	c.sendHistory()

	ctx, cancel := context.WithTimeout(c.ctx, c.deps.Config.HandleTimeout)
	if err := c.deps.Presence.EmitOnline(ctx, c); err != nil {
		c.log.Error().Err(err).Msg("failed to announce session")
	}
	cancel()

	go c.WritePump()
	go c.ReadPump()
	return nil
}

func (c *Client) sendHistory() {
	ctx, cancel := context.WithTimeout(c.ctx, c.deps.Config.HandleTimeout)
	defer cancel()

	messages, err := c.deps.Messages.ListRecent(ctx, c.roomID, c.deps.Config.HistoryLimit)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to load recent messages")
		return
	}

	frame := models.HistoryFrame{
		Type:     models.MessageTypeHistory,
		Messages: make([]models.ChatFrame, 0, len(messages)),
	}
	for _, m := range messages {
		frame.Messages = append(frame.Messages, models.NewChatFrame(m))
	}
	c.reply(frame)
}

// Enqueue offers a frame to the write pump without blocking.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Kick makes the write pump close the connection.
func (c *Client) Kick() {
	c.kickOnce.Do(func() { close(c.quit) })
}

// reply sends a frame to this session only.
func (c *Client) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	if !c.Enqueue(data) {
		c.log.Warn().Msg("send buffer full, disconnecting")
		c.Kick()
	}
}

func (c *Client) ReadPump() {
	defer c.close()

	c.conn.SetReadLimit(c.deps.Config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.deps.Config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.deps.Config.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if c.State() != StateJoined {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.deps.Config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.deps.Config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.deps.Config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.deps.Config.WriteWait))
			return
		}
	}
}

// close leaves the room, announces the leave and drops the connection. It
// runs once whichever pump notices the end first.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		c.Kick()

		c.deps.Registry.Leave(c.roomID, c.id, c.principal.ID)

		// c.ctx is already cancelled; the offline event must still go out.
		ctx, cancel := context.WithTimeout(logger.WithLogger(context.Background(), c.log), c.deps.Config.CleanupTimeout)
		defer cancel()
		if err := c.deps.Presence.EmitOffline(ctx, c); err != nil {
			c.log.Error().Err(err).Msg("failed to announce leave")
		}
		audit.Log(ctx, audit.ActionLeave, c.principal.ID, c.roomID, "left chat")

		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) handleFrame(data []byte) {
	var in models.InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		c.log.Warn().Err(err).Msg("ignoring malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.deps.Config.HandleTimeout)
	defer cancel()

	switch in.Type {
	case "", models.MessageTypeChat:
		c.handleChat(ctx, in)

	case models.MessageTypeTyping:
		if _, err := c.deps.Presence.EmitTyping(ctx, c); err != nil {
			c.log.Error().Err(err).Msg("failed to publish typing indicator")
		}

	case models.MessageTypePing:
		c.reply(models.NewPongFrame(time.Now()))

	default:
		c.log.Debug().Str("type", string(in.Type)).Msg("ignoring unknown frame type")
	}
}

func (c *Client) handleChat(ctx context.Context, in models.InboundFrame) {
	res, err := c.deps.Messages.Ingest(ctx, c.roomID, c.principal, in.ID, in.Message, in.Image)
	if err != nil {
		c.rejectChat(in.ID, err)
		return
	}

	c.deps.Presence.ResetTyping(c.id)

	// The sender only sees its own message through the broadcast, so a
	// duplicate or an undelivered broadcast is confirmed directly.
	if res.Duplicate || !res.Broadcast {
		c.reply(models.NewChatFrame(res.Message))
	}
}

func (c *Client) rejectChat(id string, err error) {
	code, text := models.ErrCodePersistenceFailed, "message could not be saved"
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		c.log.Debug().Msg("dropping empty chat frame")
		return
	case errors.Is(err, services.ErrImageTooLarge):
		code, text = models.ErrCodeImageTooLarge, "image exceeds the size limit"
	case errors.Is(err, services.ErrInvalidImage):
		code, text = models.ErrCodeInvalidImage, "image must be a base64 png, jpeg, gif or webp data URI"
	case errors.Is(err, services.ErrInvalidMessageID):
		code, text = models.ErrCodeInvalidMessageID, "id must be 1-64 letters, digits, '-' or '_'"
	}

	c.log.Warn().Err(err).Str(logger.FieldMessageID, id).Str("code", code).Msg("chat frame rejected")
	c.reply(models.ErrorFrame{
		Type:    models.MessageTypeError,
		ID:      id,
		Code:    code,
		Message: text,
	})
}
