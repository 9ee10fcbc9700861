// Package relay implements the core of the anchor server: per-connection
// sessions, named rooms, and the registry that routes packets between them.
package relay

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/config"
	"github.com/openshipyard/anchor/internal/protocol"
)

// Hooks receives notifications about session lifecycle and game events.
// The metrics collaborator implements this; the relay core never blocks on it,
// so implementations must return quickly.
type Hooks interface {
	// SessionConnected fires once per accepted connection with the peer's
	// remote address.
	SessionConnected(remoteAddr string)
	// SessionDisconnected fires once when a session is torn down.
	SessionDisconnected()
	// GameCompleted fires for every GAME_COMPLETE packet received.
	GameCompleted()
}

// NopHooks is a Hooks implementation that ignores every event.
type NopHooks struct{}

func (NopHooks) SessionConnected(string) {}
func (NopHooks) SessionDisconnected()    {}
func (NopHooks) GameCompleted()          {}

// SessionInfo is a point-in-time view of one session for operator tooling.
type SessionInfo struct {
	ID     int64
	RoomID string
	Data   map[string]any
}

// RoomInfo is a point-in-time view of one room for operator tooling.
type RoomInfo struct {
	ID      string
	Members []SessionInfo
}

// Registry owns every live session and room in the process. All mutation of
// the session/room graph goes through its operations; nothing else holds
// ambient references.
//
// Lock ordering: a room's lock may be taken while no registry lock is held,
// and the registry lock may be taken while a room lock is held (room
// teardown), but never a room lock while holding the registry lock.
type Registry struct {
	cfg    config.ServerConfig
	hooks  Hooks
	logger *zap.Logger

	nextID atomic.Int64
	quiet  atomic.Bool

	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[int64]*Session
}

// NewRegistry creates an empty Registry.
//
// Precondition: hooks and logger must be non-nil; cfg must be validated.
func NewRegistry(cfg config.ServerConfig, hooks Hooks, logger *zap.Logger) *Registry {
	r := &Registry{
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		rooms:    make(map[string]*Room),
		sessions: make(map[int64]*Session),
	}
	r.quiet.Store(cfg.Quiet)
	return r
}

// Attach creates a session for an accepted connection and registers it.
// The caller runs the session's read loop via Session.Run.
//
// Precondition: conn must be open.
// Postcondition: The session is live and has a process-unique id.
func (r *Registry) Attach(conn net.Conn) *Session {
	id := r.nextID.Add(1)
	s := newSession(id, conn, r, r.logger.With(zap.Int64("client_id", id)))

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.hooks.SessionConnected(conn.RemoteAddr().String())
	s.logger.Info("client connected", zap.String("remote_addr", conn.RemoteAddr().String()))
	return s
}

// detach removes a torn-down session. Called exactly once per session.
func (r *Registry) detach(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	r.hooks.SessionDisconnected()
}

// JoinRoom adds the session to the room with the given id, creating the room
// if it does not exist. A lost race with a room being torn down is retried
// against a fresh room.
//
// Precondition: id must be non-empty; s must be live and not in a room.
// Postcondition: s is a member of the returned room and every member has
// received a fresh room snapshot.
func (r *Registry) JoinRoom(id string, s *Session) *Room {
	for {
		room := r.getOrCreateRoom(id)
		if room.join(s) {
			return room
		}
	}
}

func (r *Registry) getOrCreateRoom(id string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[id]; ok {
		return room
	}
	room := newRoom(id, r, r.logger.With(zap.String("room_id", id)))
	r.rooms[id] = room
	room.logger.Info("room created")
	return room
}

// removeRoom drops a room from the registry once its last member has left.
// Identity-checked so a replacement room with the same id is never removed.
func (r *Registry) removeRoom(room *Room) {
	r.mu.Lock()
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()

	room.logger.Info("room removed")
}

// Session returns the live session with the given id.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Session(id int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns every live session, ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RoomsSnapshot returns a point-in-time view of every room and its members,
// ordered by room id, for operator tooling.
func (r *Registry) RoomsSnapshot() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.snapshotInfo())
	}
	return out
}

// Broadcast sends a packet to every live session, ignoring individual
// failures. Used by the operator console's messageAll/disableAll commands.
func (r *Registry) Broadcast(pkt protocol.Packet) {
	for _, s := range r.Sessions() {
		_ = s.Send(pkt)
	}
}

// DisconnectAll sends an optional farewell SERVER_MESSAGE to every session
// and then disconnects them all.
func (r *Registry) DisconnectAll(message string) {
	for _, s := range r.Sessions() {
		if message != "" {
			_ = s.Send(protocol.ServerMessage(message))
		}
		s.Disconnect()
	}
}

// Quiet reports whether per-packet traffic logging is suppressed.
func (r *Registry) Quiet() bool {
	return r.quiet.Load()
}

// SetQuiet sets the process-wide quiet logging flag.
func (r *Registry) SetQuiet(v bool) {
	r.quiet.Store(v)
}

// ToggleQuiet flips the quiet flag and returns the new value.
func (r *Registry) ToggleQuiet() bool {
	for {
		old := r.quiet.Load()
		if r.quiet.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
