package models

import "time"

// Ticket is the subset of the support ticket the chat needs to decide access.
type Ticket struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	ClientUserID     string `json:"client_user_id"`
	TechnicianUserID string `json:"technician_user_id,omitempty"`
}

// WhatsAppStatus mirrors the delivery states reported by the WhatsApp
// notifier for messages echoed to that channel.
type WhatsAppStatus string

const (
	WhatsAppPending   WhatsAppStatus = "pending"
	WhatsAppSent      WhatsAppStatus = "sent"
	WhatsAppDelivered WhatsAppStatus = "delivered"
	WhatsAppFailed    WhatsAppStatus = "failed"
	WhatsAppRead      WhatsAppStatus = "read"
)

// ChatMessage is a persisted message. IDs are unique per ticket.
type ChatMessage struct {
	ID             string         `json:"id"`
	TicketID       string         `json:"ticket_id"`
	UserID         string         `json:"user_id"`
	UserRole       Role           `json:"user_type"`
	Content        string         `json:"message,omitempty"`
	ImageKey       string         `json:"-"`
	ImageURL       string         `json:"image_url,omitempty"`
	CreatedAt      time.Time      `json:"timestamp"`
	WhatsAppStatus WhatsAppStatus `json:"whatsapp_status"`
	WhatsAppSID    string         `json:"whatsapp_sid,omitempty"`
	IsWhatsApp     bool           `json:"is_whatsapp"`
}

// ActiveUser is a participant currently connected to a ticket chat.
type ActiveUser struct {
	ID       string `json:"user_id"`
	Name     string `json:"user_name"`
	Role     Role   `json:"user_type"`
	Sessions int    `json:"sessions"`
}
