package models

import (
	"encoding/json"
	"time"
)

type MessageType string

// Inbound frame types.
const (
	MessageTypeChat   MessageType = "chat"
	MessageTypeTyping MessageType = "typing"
	MessageTypePing   MessageType = "ping"
)

// Outbound-only frame types.
const (
	MessageTypeUserOnline  MessageType = "user_online"
	MessageTypeUserOffline MessageType = "user_offline"
	MessageTypePong        MessageType = "pong"
	MessageTypeHistory     MessageType = "history"
	MessageTypeError       MessageType = "error"
)

// Error codes sent back to the originating session.
const (
	ErrCodeInvalidImage      = "invalid_image"
	ErrCodeImageTooLarge     = "image_too_large"
	ErrCodeInvalidMessageID  = "invalid_message_id"
	ErrCodePersistenceFailed = "persistence_failed"
)

// InboundFrame is any frame a client may send. A frame without a type is a
// chat frame.
type InboundFrame struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
	ID      string      `json:"id,omitempty"`
	Image   string      `json:"image,omitempty"`
}

type ChatFrame struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	UserType  Role        `json:"user_type"`
	Message   string      `json:"message,omitempty"`
	ImageURL  string      `json:"image_url,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type PresenceFrame struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"user_id"`
	UserName string      `json:"user_name"`
	UserType Role        `json:"user_type,omitempty"`
}

type PongFrame struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
}

type HistoryFrame struct {
	Type     MessageType `json:"type"`
	Messages []ChatFrame `json:"messages"`
}

type ErrorFrame struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// NewChatFrame renders a persisted message the way every recipient sees it.
func NewChatFrame(m *ChatMessage) ChatFrame {
	return ChatFrame{
		Type:      MessageTypeChat,
		ID:        m.ID,
		UserID:    m.UserID,
		UserType:  m.UserRole,
		Message:   m.Content,
		ImageURL:  m.ImageURL,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func NewPongFrame(now time.Time) PongFrame {
	return PongFrame{
		Type:      MessageTypePong,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
	}
}

// EventKind tags the variants of Event.
type EventKind string

const (
	EventChatDelivered EventKind = "chat_delivered"
	EventUserOnline    EventKind = "user_online"
	EventUserOffline   EventKind = "user_offline"
	EventTyping        EventKind = "typing"
)

// Event is published to a room and fanned out to its sessions. Only the
// fields belonging to Kind are set.
type Event struct {
	Kind             EventKind    `json:"kind"`
	Message          *ChatMessage `json:"message,omitempty"`
	User             Principal    `json:"user"`
	ExcludeSessionID string       `json:"exclude_session_id,omitempty"`
}

func ChatDelivered(m *ChatMessage) Event {
	return Event{
		Kind:    EventChatDelivered,
		Message: m,
		User:    Principal{ID: m.UserID, Role: m.UserRole},
	}
}

func UserOnline(p Principal, sessionID string) Event {
	return Event{Kind: EventUserOnline, User: p, ExcludeSessionID: sessionID}
}

func UserOffline(p Principal, sessionID string) Event {
	return Event{Kind: EventUserOffline, User: p, ExcludeSessionID: sessionID}
}

// TypingIndicator skips the typing session but reaches the user's other tabs.
func TypingIndicator(p Principal, sessionID string) Event {
	return Event{Kind: EventTyping, User: p, ExcludeSessionID: sessionID}
}

// Frame renders the outbound wire frame for the event.
func (e Event) Frame() ([]byte, error) {
	switch e.Kind {
	case EventChatDelivered:
		return json.Marshal(NewChatFrame(e.Message))
	case EventUserOnline:
		return json.Marshal(PresenceFrame{Type: MessageTypeUserOnline, UserID: e.User.ID, UserName: e.User.DisplayName, UserType: e.User.Role})
	case EventUserOffline:
		return json.Marshal(PresenceFrame{Type: MessageTypeUserOffline, UserID: e.User.ID, UserName: e.User.DisplayName, UserType: e.User.Role})
	case EventTyping:
		return json.Marshal(PresenceFrame{Type: MessageTypeTyping, UserID: e.User.ID, UserName: e.User.DisplayName})
	default:
		return nil, &UnknownEventError{Kind: e.Kind}
	}
}

type UnknownEventError struct {
	Kind EventKind
}

func (e *UnknownEventError) Error() string {
	return "unknown event kind " + string(e.Kind)
}
