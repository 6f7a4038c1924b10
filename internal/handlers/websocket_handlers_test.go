package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ticket-chat/internal/auth"
	"ticket-chat/internal/broker"
	"ticket-chat/internal/config"
	"ticket-chat/internal/database"
	"ticket-chat/internal/media"
	"ticket-chat/internal/models"
	"ticket-chat/internal/presence"
	"ticket-chat/internal/services"
	ws "ticket-chat/internal/websocket"
)

const testSecret = "handler-test-secret"

type testServer struct {
	srv      *httptest.Server
	db       *database.MemoryDB
	registry *ws.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db := database.NewMemoryDB()
	db.PutTicket(models.Ticket{ID: "T1", Title: "Printer on fire", ClientUserID: "c1", TechnicianUserID: "t1"})
	db.PutTicket(models.Ticket{ID: "T2", Title: "VPN", ClientUserID: "c2"})

	blobs, err := media.NewLocalStore(media.LocalConfig{BasePath: t.TempDir(), BaseURL: "/media"})
	if err != nil {
		t.Fatal(err)
	}

	registry := ws.NewRegistry()
	roomBroker := broker.NewLocal(registry)
	authService := auth.NewService(config.JWTConfig{Secret: testSecret})
	access := services.NewAccessService(db, nil)
	messages := services.NewMessageService(db, blobs, roomBroker, nil, services.MessageServiceConfig{MaxImageSize: 5 << 20})

	deps := ws.Deps{
		Registry: registry,
		Gate:     access,
		Messages: messages,
		Presence: presence.NewThrottler(roomBroker, 500*time.Millisecond),
		Config:   ws.ClientConfig{MaxMessageSize: 16 << 20},
	}

	router := Router{
		WebSocket:    NewWebSocketHandlers(authService, deps, []string{"*"}),
		Messages:     NewMessageHandlers(authService, access, messages, registry, 50),
		Media:        blobs.Handler(),
		MediaPrefix:  "/media",
		AllowOrigins: []string{"*"},
		Logger:       zerolog.Nop(),
	}

	srv := httptest.NewServer(router.Handler())
	t.Cleanup(func() {
		srv.Close()
		registry.Shutdown()
	})
	return &testServer{srv: srv, db: db, registry: registry}
}

func token(t *testing.T, userID, first string, role models.Role) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           userID,
		FirstName:        first,
		UserType:         string(role),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (ts *testServer) dial(t *testing.T, ticketID, tok string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/ticket/" + ticketID + "/chat/?token=" + tok
	return websocket.DefaultDialer.Dial(url, nil)
}

// join connects and consumes the history frame.
func (ts *testServer) join(t *testing.T, ticketID, tok string) *websocket.Conn {
	t.Helper()
	conn, _, err := ts.dial(t, ticketID, tok)
	if err != nil {
		t.Fatalf("dial %s: %v", ticketID, err)
	}
	t.Cleanup(func() { conn.Close() })

	if f := readFrame(t, conn); f["type"] != "history" {
		t.Fatalf("first frame = %v, want history", f)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// expectSilence fails if a frame arrives within d. The connection is not
// usable for reading afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	tech := ts.join(t, "T1", token(t, "t1", "Tom", models.RoleTechnician))
	client := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))

	if f := readFrame(t, tech); f["type"] != "user_online" || f["user_id"] != "c1" || f["user_name"] != "Carla" || f["user_type"] != "client" {
		t.Fatalf("tech got %v, want user_online for c1", f)
	}

	send(t, client, map[string]string{"type": "chat", "message": "hello", "id": "m1"})

	for name, conn := range map[string]*websocket.Conn{"client": client, "tech": tech} {
		f := readFrame(t, conn)
		if f["type"] != "chat" || f["id"] != "m1" || f["user_id"] != "c1" || f["message"] != "hello" || f["user_type"] != "client" {
			t.Fatalf("%s got %v", name, f)
		}
		if _, err := time.Parse(time.RFC3339Nano, f["timestamp"].(string)); err != nil {
			t.Errorf("%s timestamp: %v", name, err)
		}
	}
	if n := ts.db.MessageCount("T1"); n != 1 {
		t.Fatalf("stored %d messages, want 1", n)
	}

	client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	client.Close()

	if f := readFrame(t, tech); f["type"] != "user_offline" || f["user_id"] != "c1" {
		t.Fatalf("tech got %v, want user_offline for c1", f)
	}
	waitFor(t, "client to leave the registry", func() bool {
		return len(ts.registry.UserSessions("T1", "c1")) == 0
	})
	expectSilence(t, tech, 200*time.Millisecond)
}

func TestDuplicateChatIsConfirmedToSenderOnly(t *testing.T) {
	ts := newTestServer(t)

	tech := ts.join(t, "T1", token(t, "t1", "Tom", models.RoleTechnician))
	client := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))
	readFrame(t, tech) // user_online

	frame := map[string]string{"type": "chat", "message": "hello", "id": "m1"}
	send(t, client, frame)
	send(t, client, frame)
	send(t, client, map[string]string{"message": "second", "id": "m2"})

	for _, want := range []string{"m1", "m1", "m2"} {
		if f := readFrame(t, client); f["type"] != "chat" || f["id"] != want {
			t.Fatalf("client got %v, want chat %s", f, want)
		}
	}
	for _, want := range []string{"m1", "m2"} {
		if f := readFrame(t, tech); f["type"] != "chat" || f["id"] != want {
			t.Fatalf("tech got %v, want chat %s", f, want)
		}
	}
	if n := ts.db.MessageCount("T1"); n != 2 {
		t.Errorf("stored %d messages, want 2", n)
	}
}

func TestOversizedImageKeepsSessionOpen(t *testing.T) {
	ts := newTestServer(t)

	tech := ts.join(t, "T1", token(t, "t1", "Tom", models.RoleTechnician))
	client := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))
	readFrame(t, tech) // user_online

	big := make([]byte, 6<<20)
	copy(big, "\x89PNG\r\n\x1a\n")
	send(t, client, map[string]string{
		"type":  "chat",
		"id":    "big",
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(big),
	})

	f := readFrame(t, client)
	if f["type"] != "error" || f["code"] != models.ErrCodeImageTooLarge || f["id"] != "big" {
		t.Fatalf("client got %v, want image_too_large error", f)
	}

	send(t, client, map[string]string{"type": "chat", "message": "still here", "id": "m2"})
	if f := readFrame(t, client); f["type"] != "chat" || f["id"] != "m2" {
		t.Fatalf("client got %v", f)
	}
	if f := readFrame(t, tech); f["type"] != "chat" || f["id"] != "m2" {
		t.Fatalf("tech got %v, want only the follow-up", f)
	}
	if n := ts.db.MessageCount("T1"); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}

func TestTypingIsThrottledAndResetBySend(t *testing.T) {
	ts := newTestServer(t)

	tech := ts.join(t, "T1", token(t, "t1", "Tom", models.RoleTechnician))
	client := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))
	readFrame(t, tech) // user_online

	for i := 0; i < 10; i++ {
		send(t, client, map[string]string{"type": "typing"})
	}
	send(t, client, map[string]string{"type": "chat", "message": "done typing", "id": "m1"})
	send(t, client, map[string]string{"type": "typing"})

	want := []string{"typing", "chat", "typing"}
	for _, typ := range want {
		f := readFrame(t, tech)
		if f["type"] != typ {
			t.Fatalf("tech got %v, want %s", f, typ)
		}
		if typ == "typing" && (f["user_id"] != "c1" || f["user_name"] != "Carla") {
			t.Errorf("typing frame = %v", f)
		}
	}

	// The typist never hears its own typing.
	if f := readFrame(t, client); f["type"] != "chat" {
		t.Fatalf("client got %v, want its chat", f)
	}
	expectSilence(t, client, 200*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t)
	client := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))

	send(t, client, map[string]string{"type": "ping"})
	f := readFrame(t, client)
	if f["type"] != "pong" {
		t.Fatalf("got %v, want pong", f)
	}
	if stamp, ok := f["timestamp"].(float64); !ok || stamp < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("timestamp = %v", f["timestamp"])
	}
}

func TestMalformedAndEmptyFramesAreIgnored(t *testing.T) {
	ts := newTestServer(t)
	client := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))

	client.WriteMessage(websocket.TextMessage, []byte("{not json"))
	send(t, client, map[string]string{"type": "chat", "message": "   "})
	send(t, client, map[string]string{"type": "chat", "message": "ok", "id": "m1"})

	if f := readFrame(t, client); f["type"] != "chat" || f["id"] != "m1" {
		t.Fatalf("got %v, want the valid chat", f)
	}
	if n := ts.db.MessageCount("T1"); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}

func TestHistorySentOnJoin(t *testing.T) {
	ts := newTestServer(t)

	first := ts.join(t, "T1", token(t, "c1", "Carla", models.RoleClient))
	send(t, first, map[string]string{"message": "earlier", "id": "m1"})
	readFrame(t, first)

	conn, _, err := ts.dial(t, "T1", token(t, "t1", "Tom", models.RoleTechnician))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	msgs, ok := f["messages"].([]interface{})
	if f["type"] != "history" || !ok || len(msgs) != 1 {
		t.Fatalf("got %v", f)
	}
	if m := msgs[0].(map[string]interface{}); m["id"] != "m1" || m["message"] != "earlier" {
		t.Errorf("history entry = %v", m)
	}
}

func TestAdmissionRefusals(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		ticket string
		token  string
		status int
	}{
		{"anonymous", "T1", "", http.StatusUnauthorized},
		{"invalid token", "T1", "garbage", http.StatusUnauthorized},
		{"unrelated client", "T2", token(t, "c1", "Carla", models.RoleClient), http.StatusForbidden},
		{"unassigned technician", "T2", token(t, "t1", "Tom", models.RoleTechnician), http.StatusForbidden},
		{"missing ticket for admin", "T404", token(t, "a1", "Ada", models.RoleAdmin), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := ts.dial(t, tt.ticket, tt.token)
			if err == nil {
				conn.Close()
				t.Fatal("connection was accepted")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %v, want %d", resp, tt.status)
			}
		})
	}

	if got := ts.registry.ActiveSessions("T2"); len(got) != 0 {
		t.Errorf("T2 sessions = %v, want none", got)
	}
	if ts.registry.RoomCount() != 0 {
		t.Errorf("rooms = %d, want 0", ts.registry.RoomCount())
	}
}

func TestAdminMayJoinAnyTicket(t *testing.T) {
	ts := newTestServer(t)
	ts.join(t, "T2", token(t, "a1", "Ada", models.RoleAdmin))

	if got := ts.registry.UserSessions("T2", "a1"); len(got) != 1 {
		t.Errorf("admin sessions = %v", got)
	}
}
