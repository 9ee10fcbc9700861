package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/protocol"
)

// Room is a named group of sessions that broadcast to each other. The member
// list is join-ordered. A room exists in the registry exactly as long as it
// has members; the last leave tears it down.
type Room struct {
	id     string
	reg    *Registry
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	members []*Session
	// pendingSaveState holds sessions awaiting a PUSH_SAVE_STATE, in request
	// order. Entries are kept even if the requester leaves the room; the
	// push delivers to whoever was queued at push time.
	pendingSaveState []*Session
}

func newRoom(id string, reg *Registry, logger *zap.Logger) *Room {
	return &Room{id: id, reg: reg, logger: logger}
}

// ID returns the room's identifier.
func (r *Room) ID() string {
	return r.id
}

// join appends the session to the member list and fans out a fresh snapshot
// to every member. Returns false if the room has already been torn down; the
// caller retries against a new room.
func (r *Room) join(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	r.members = append(r.members, s)
	s.setRoom(r)
	r.logger.Info("client joined", zap.Int64("client_id", s.id), zap.Int("members", len(r.members)))

	r.broadcastSnapshotLocked()
	return true
}

// leave removes the session. The last member leaving tears the room down;
// otherwise the remaining members receive a fresh snapshot.
func (r *Room) leave(s *Session) {
	r.mu.Lock()

	for i, member := range r.members {
		if member == s {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	s.setRoom(nil)
	r.logger.Info("client left", zap.Int64("client_id", s.id), zap.Int("members", len(r.members)))

	if len(r.members) == 0 {
		r.closed = true
		r.mu.Unlock()
		r.reg.removeRoom(r)
		return
	}

	r.broadcastSnapshotLocked()
	r.mu.Unlock()
}

// broadcastSnapshotLocked sends each member an ALL_CLIENT_DATA packet listing
// every other member's id and data. Recomputed fresh on every membership
// change, never cached. Caller holds r.mu.
func (r *Room) broadcastSnapshotLocked() {
	if !r.reg.Quiet() {
		r.logger.Debug("<- ALL_CLIENT_DATA", zap.Int("members", len(r.members)))
	}

	for _, member := range r.members {
		clients := make([]map[string]any, 0, len(r.members)-1)
		for _, other := range r.members {
			if other == member {
				continue
			}
			entry := map[string]any{"clientId": other.id}
			for k, v := range other.Data() {
				entry[k] = v
			}
			clients = append(clients, entry)
		}
		_ = member.Send(protocol.Packet{
			Type:    protocol.TypeAllClientData,
			RoomID:  r.id,
			Clients: clients,
		})
	}
}

// member returns the room member with the given session id.
func (r *Room) member(id int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.id == id {
			return m, true
		}
	}
	return nil, false
}

// memberCount returns the current number of members.
func (r *Room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// broadcast delivers a packet to every member except the sender. Enqueueing
// happens under the room lock so a concurrent membership change cannot
// interleave with the fan-out.
func (r *Room) broadcast(pkt protocol.Packet, sender *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !pkt.Quiet && !r.reg.Quiet() {
		r.logger.Debug("<- packet",
			zap.String("type", pkt.Type),
			zap.Int64("from", sender.id),
		)
	}

	for _, member := range r.members {
		if member != sender {
			_ = member.Send(pkt)
		}
	}
}

// handleSaveStateRequest queues the sender for a future save-state push and
// forwards the request to the rest of the room. A lone member's request is
// silently dropped: there is no peer to answer it.
func (r *Room) handleSaveStateRequest(sender *Session, pkt protocol.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) <= 1 {
		return
	}

	r.pendingSaveState = append(r.pendingSaveState, sender)

	if !pkt.Quiet && !r.reg.Quiet() {
		r.logger.Debug("<- REQUEST_SAVE_STATE", zap.Int64("from", sender.id))
	}
	for _, member := range r.members {
		if member != sender {
			_ = member.Send(pkt)
		}
	}
}

// handleSaveStatePush delivers the pushed state to every queued requester and
// clears the queue atomically. Requesters receive the push even if they have
// since left the room. A push with an empty queue delivers to nobody.
func (r *Room) handleSaveStatePush(sender *Session, pkt protocol.Packet) {
	r.mu.Lock()
	queued := r.pendingSaveState
	r.pendingSaveState = nil
	r.mu.Unlock()

	if !pkt.Quiet && !r.reg.Quiet() {
		r.logger.Debug("<- PUSH_SAVE_STATE",
			zap.Int64("from", sender.id),
			zap.Int("requesters", len(queued)),
		)
	}
	for _, requester := range queued {
		_ = requester.Send(pkt)
	}
}

// snapshotInfo returns a point-in-time view of the room for operator tooling.
func (r *Room) snapshotInfo() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{ID: r.id, Members: make([]SessionInfo, 0, len(r.members))}
	for _, m := range r.members {
		info.Members = append(info.Members, SessionInfo{ID: m.id, RoomID: r.id, Data: m.Data()})
	}
	return info
}
