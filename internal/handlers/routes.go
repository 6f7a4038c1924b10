package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ticket-chat/pkg/logger"
)

// Router wires every HTTP and WebSocket endpoint. media may be nil when
// images are served from object storage.
type Router struct {
	WebSocket    *WebSocketHandlers
	Messages     *MessageHandlers
	Media        http.Handler
	MediaPrefix  string
	AllowOrigins []string
	Logger       zerolog.Logger
}

func (rt Router) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", Health).Methods(http.MethodGet)
	r.HandleFunc("/ws/ticket/{ticket_id}/chat/", rt.WebSocket.HandleWebSocket)
	r.HandleFunc("/ws/ticket/{ticket_id}/chat", rt.WebSocket.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tickets/{ticket_id}/messages", rt.Messages.ListMessages).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{ticket_id}/online", rt.Messages.ActiveUsers).Methods(http.MethodGet)

	if rt.Media != nil {
		prefix := "/" + strings.Trim(rt.MediaPrefix, "/") + "/"
		r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, rt.Media))
	}

	return logger.HTTPMiddleware(rt.Logger)(corsMiddleware(rt.AllowOrigins)(r))
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(allowOrigins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowOrigins []string, origin string) string {
	for _, o := range allowOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && o == origin {
			return origin
		}
	}
	return ""
}
