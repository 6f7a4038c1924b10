package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"ticket-chat/internal/auth"
	"ticket-chat/internal/models"
	"ticket-chat/internal/services"
	ws "ticket-chat/internal/websocket"
	"ticket-chat/pkg/logger"
)

type WebSocketHandlers struct {
	authService *auth.Service
	deps        ws.Deps
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, deps ws.Deps, allowOrigins []string) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		deps:        deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowOrigins),
		},
	}
}

// HandleWebSocket serves /ws/ticket/{ticket_id}/chat/. Access is decided
// before the upgrade, so a refused connection gets a plain HTTP status and
// never reaches the registry.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["ticket_id"]
	l := logger.Ctx(r.Context())

	principal, err := h.authService.PrincipalFromRequest(r)
	if err != nil {
		l.Info().Err(err).Msg("rejecting websocket with invalid token")
		principal = models.AnonymousPrincipal
	}
	if principal.Anonymous {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	client := ws.NewClient(h.deps, roomID, principal)
	if client.Admit(r.Context()) != services.Allow {
		http.Error(w, "not a participant of this ticket", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := client.Start(conn); err != nil {
		l.Error().Err(err).Msg("failed to start chat session")
		conn.Close()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
