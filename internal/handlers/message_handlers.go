package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"ticket-chat/internal/auth"
	"ticket-chat/internal/models"
	"ticket-chat/internal/services"
	ws "ticket-chat/internal/websocket"
	"ticket-chat/pkg/logger"
)

const maxHistoryLimit = 500

type MessageHandlers struct {
	authService  *auth.Service
	gate         ws.Gate
	messages     ws.MessageIngester
	registry     *ws.Registry
	defaultLimit int
}

func NewMessageHandlers(authService *auth.Service, gate ws.Gate, messages ws.MessageIngester, registry *ws.Registry, defaultLimit int) *MessageHandlers {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &MessageHandlers{
		authService:  authService,
		gate:         gate,
		messages:     messages,
		registry:     registry,
		defaultLimit: defaultLimit,
	}
}

// ListMessages returns the ticket's most recent messages, oldest first.
func (h *MessageHandlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	limit := h.defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	messages, err := h.messages.ListRecent(r.Context(), roomID, limit)
	if err != nil {
		l := logger.Ctx(r.Context())
		l.Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("list messages failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	frames := make([]models.ChatFrame, 0, len(messages))
	for _, m := range messages {
		frames = append(frames, models.NewChatFrame(m))
	}
	writeJSON(w, http.StatusOK, frames)
}

// ActiveUsers lists who is connected to the ticket chat on this instance.
func (h *MessageHandlers) ActiveUsers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	users := h.registry.Participants(roomID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_id":  roomID,
		"users":      users,
		"user_count": len(users),
	})
}

func (h *MessageHandlers) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := mux.Vars(r)["ticket_id"]

	principal, err := h.authService.PrincipalFromRequest(r)
	if err != nil || principal.Anonymous {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if h.gate.Authorize(r.Context(), principal, roomID) != services.Allow {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return roomID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
