package websocket

import (
	"errors"
	"sort"
	"sync"

	"ticket-chat/internal/models"
	"ticket-chat/pkg/logger"
)

var ErrRegistryClosed = errors.New("registry is shut down")

// Subscriber is a session as seen by the registry.
type Subscriber interface {
	ID() string
	Principal() models.Principal
	// Enqueue offers a frame without blocking. It reports false when the
	// session's buffer is full or the session is closing.
	Enqueue(msg []byte) bool
	// Kick asks the session to disconnect. It must not block.
	Kick()
}

type membership struct {
	sub   Subscriber
	reply chan int
}

type leaveRequest struct {
	sessionID string
	userID    string
	reply     chan int
}

type snapshotRequest struct {
	reply chan roomSnapshot
}

type roomSnapshot struct {
	sessions []string
	byUser   map[string][]string
	users    map[string]models.Principal
}

// Hub owns the membership of one room. Every join, leave and fan-out for the
// room runs on its goroutine, one at a time.
type Hub struct {
	roomID   string
	sessions map[string]Subscriber
	byUser   map[string]map[string]struct{}

	register   chan membership
	unregister chan leaveRequest
	broadcast  chan models.Event
	snapshot   chan snapshotRequest
	stopIfIdle chan chan bool
	shutdown   chan struct{}
	done       chan struct{}
}

func newHub(roomID string) *Hub {
	return &Hub{
		roomID:     roomID,
		sessions:   make(map[string]Subscriber),
		byUser:     make(map[string]map[string]struct{}),
		register:   make(chan membership),
		unregister: make(chan leaveRequest),
		broadcast:  make(chan models.Event, 64),
		snapshot:   make(chan snapshotRequest),
		stopIfIdle: make(chan chan bool),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.shutdown:
			for _, sub := range h.sessions {
				sub.Kick()
			}
			return

		case m := <-h.register:
			h.add(m.sub)
			m.reply <- len(h.sessions)

		case req := <-h.unregister:
			h.remove(req.sessionID, req.userID)
			req.reply <- len(h.sessions)

		case ev := <-h.broadcast:
			h.fanOut(ev)

		case req := <-h.snapshot:
			req.reply <- h.takeSnapshot()

		case reply := <-h.stopIfIdle:
			if len(h.sessions) == 0 {
				reply <- true
				return
			}
			reply <- false
		}
	}
}

func (h *Hub) add(sub Subscriber) {
	id := sub.ID()
	userID := sub.Principal().ID

	h.sessions[id] = sub
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[userID] = set
	}
	set[id] = struct{}{}
}

func (h *Hub) remove(sessionID, userID string) {
	if sub, ok := h.sessions[sessionID]; ok && userID == "" {
		userID = sub.Principal().ID
	}
	delete(h.sessions, sessionID)

	set, ok := h.byUser[userID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(h.byUser, userID)
	}
}

// fanOut renders the frame once and offers it to every session but the
// excluded one. A session that cannot take it is dropped from the room and
// kicked; the others still get the frame.
func (h *Hub) fanOut(ev models.Event) {
	data, err := ev.Frame()
	if err != nil {
		logger.Error("Dropping event for room %s: %v", h.roomID, err)
		return
	}

	for id, sub := range h.sessions {
		if id == ev.ExcludeSessionID {
			continue
		}
		if sub.Enqueue(data) {
			continue
		}

		l := logger.L()
		l.Warn().
			Str(logger.FieldRoomID, h.roomID).
			Str(logger.FieldSessionID, id).
			Str(logger.FieldUserID, sub.Principal().ID).
			Msg("slow consumer, disconnecting")
		h.remove(id, sub.Principal().ID)
		sub.Kick()
	}
}

func (h *Hub) takeSnapshot() roomSnapshot {
	snap := roomSnapshot{
		sessions: make([]string, 0, len(h.sessions)),
		byUser:   make(map[string][]string, len(h.byUser)),
		users:    make(map[string]models.Principal, len(h.byUser)),
	}
	for id, sub := range h.sessions {
		snap.sessions = append(snap.sessions, id)
		p := sub.Principal()
		snap.users[p.ID] = p
	}
	for userID, set := range h.byUser {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snap.byUser[userID] = ids
	}
	sort.Strings(snap.sessions)
	return snap
}

// Registry tracks which sessions are joined to which room. One Hub runs per
// non-empty room; it is started on the first join and stopped once the last
// session leaves.
type Registry struct {
	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

func (r *Registry) hubFor(roomID string, create bool) (*Hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	hub, ok := r.hubs[roomID]
	if !ok && create {
		hub = newHub(roomID)
		r.hubs[roomID] = hub
		go hub.run()
		logger.Debug("Started hub for room %s", roomID)
	}
	return hub, nil
}

// Join registers the session under the room and under its user.
func (r *Registry) Join(roomID string, sub Subscriber) error {
	for {
		hub, err := r.hubFor(roomID, true)
		if err != nil {
			return err
		}

		reply := make(chan int, 1)
		select {
		case hub.register <- membership{sub: sub, reply: reply}:
			<-reply
			return nil
		case <-hub.done:
			// The hub stopped between lookup and send; it has already
			// been removed from the map, so the next lookup starts a new one.
		}
	}
}

// Leave removes the session. Removing a session that is not joined is a
// no-op.
func (r *Registry) Leave(roomID, sessionID, userID string) {
	hub, err := r.hubFor(roomID, false)
	if err != nil || hub == nil {
		return
	}

	reply := make(chan int, 1)
	select {
	case hub.unregister <- leaveRequest{sessionID: sessionID, userID: userID, reply: reply}:
	case <-hub.done:
		return
	}
	if <-reply > 0 {
		return
	}
	r.reap(roomID, hub)
}

// reap stops the room's hub if it is still empty. The check runs on the hub
// goroutine while the registry lock is held, so a concurrent Join either
// lands before it (and the hub stays) or finds the hub gone and starts a
// fresh one.
func (r *Registry) reap(roomID string, hub *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hubs[roomID] != hub {
		return
	}

	reply := make(chan bool, 1)
	select {
	case hub.stopIfIdle <- reply:
		if <-reply {
			delete(r.hubs, roomID)
			logger.Debug("Stopped idle hub for room %s", roomID)
		}
	case <-hub.done:
		delete(r.hubs, roomID)
	}
}

// Deliver fans the event out to the sessions joined to the room on this
// process. Rooms with no sessions here are skipped.
func (r *Registry) Deliver(roomID string, ev models.Event) {
	hub, err := r.hubFor(roomID, false)
	if err != nil || hub == nil {
		return
	}
	select {
	case hub.broadcast <- ev:
	case <-hub.done:
	}
}

func (r *Registry) snapshotOf(roomID string) (roomSnapshot, bool) {
	hub, err := r.hubFor(roomID, false)
	if err != nil || hub == nil {
		return roomSnapshot{}, false
	}
	reply := make(chan roomSnapshot, 1)
	select {
	case hub.snapshot <- snapshotRequest{reply: reply}:
		return <-reply, true
	case <-hub.done:
		return roomSnapshot{}, false
	}
}

// ActiveSessions returns the ids of the sessions joined to the room, sorted.
func (r *Registry) ActiveSessions(roomID string) []string {
	snap, ok := r.snapshotOf(roomID)
	if !ok {
		return []string{}
	}
	return snap.sessions
}

// UserSessions returns the ids of the user's sessions in the room.
func (r *Registry) UserSessions(roomID, userID string) []string {
	snap, ok := r.snapshotOf(roomID)
	if !ok {
		return nil
	}
	return snap.byUser[userID]
}

// Participants lists the distinct users connected to the room.
func (r *Registry) Participants(roomID string) []models.ActiveUser {
	snap, ok := r.snapshotOf(roomID)
	if !ok {
		return []models.ActiveUser{}
	}

	users := make([]models.ActiveUser, 0, len(snap.users))
	for id, p := range snap.users {
		users = append(users, models.ActiveUser{
			ID:       id,
			Name:     p.DisplayName,
			Role:     p.Role,
			Sessions: len(snap.byUser[id]),
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// RoomCount reports how many rooms have a running hub.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// Shutdown kicks every session and stops all hubs. Later joins fail with
// ErrRegistryClosed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	hubs := r.hubs
	r.hubs = make(map[string]*Hub)
	r.mu.Unlock()

	for _, hub := range hubs {
		close(hub.shutdown)
		<-hub.done
	}
}
