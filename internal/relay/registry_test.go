package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/protocol"
)

type recordingHooks struct {
	mu            sync.Mutex
	connected     []string
	disconnected  int
	gamesComplete int
}

func (h *recordingHooks) SessionConnected(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, addr)
}

func (h *recordingHooks) SessionDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected++
}

func (h *recordingHooks) GameCompleted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gamesComplete++
}

func (h *recordingHooks) snapshot() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected), h.disconnected, h.gamesComplete
}

func TestRegistry_HooksFire(t *testing.T) {
	hooks := &recordingHooks{}
	reg := NewRegistry(testServerConfig(), hooks, zap.NewNop())

	a := newTestPeer(t, reg)
	b := newTestPeer(t, reg)

	a.send(joinPacket("r1", nil))
	a.expect(protocol.TypeAllClientData)
	b.send(joinPacket("r1", nil))
	a.expect(protocol.TypeAllClientData)
	b.expect(protocol.TypeAllClientData)

	a.send(protocol.Packet{Type: protocol.TypeGameComplete})
	b.expect(protocol.TypeGameComplete)

	a.close()
	assert.Eventually(t, func() bool {
		connected, disconnected, games := hooks.snapshot()
		return connected == 2 && disconnected == 1 && games == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_GetOrCreateReturnsSameRoom(t *testing.T) {
	reg := newTestRegistry(t)
	r1 := reg.getOrCreateRoom("r1")
	r2 := reg.getOrCreateRoom("r1")
	assert.Same(t, r1, r2)
	assert.NotSame(t, r1, reg.getOrCreateRoom("other"))
}

func TestRegistry_RoomsSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	a := newTestPeer(t, reg)
	b := newTestPeer(t, reg)

	a.send(joinPacket("alpha", map[string]any{"x": float64(1)}))
	a.expect(protocol.TypeAllClientData)
	b.send(joinPacket("beta", nil))
	b.expect(protocol.TypeAllClientData)

	assert.Eventually(t, func() bool { return reg.RoomCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	rooms := reg.RoomsSnapshot()
	require.Len(t, rooms, 2)
	assert.Equal(t, "alpha", rooms[0].ID)
	assert.Equal(t, "beta", rooms[1].ID)
	require.Len(t, rooms[0].Members, 1)
	assert.Equal(t, a.sess.ID(), rooms[0].Members[0].ID)
	assert.Equal(t, float64(1), rooms[0].Members[0].Data["x"])
}

func TestRegistry_BroadcastReachesAllSessions(t *testing.T) {
	reg := newTestRegistry(t)
	a := newTestPeer(t, reg)
	b := newTestPeer(t, reg)

	// Broadcast reaches sessions whether or not they are in a room.
	a.send(joinPacket("r1", nil))
	a.expect(protocol.TypeAllClientData)

	reg.Broadcast(protocol.ServerMessage("maintenance at noon"))
	assert.Equal(t, "maintenance at noon", a.expect(protocol.TypeServerMessage).Message)
	assert.Equal(t, "maintenance at noon", b.expect(protocol.TypeServerMessage).Message)
}

func TestRegistry_DisconnectAllSendsFarewell(t *testing.T) {
	reg := newTestRegistry(t)
	a := newTestPeer(t, reg)
	b := newTestPeer(t, reg)
	_ = b

	reg.DisconnectAll("going down")
	assert.Equal(t, "going down", a.expect(protocol.TypeServerMessage).Message)
	assert.Eventually(t, func() bool { return reg.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestRegistry_QuietToggle(t *testing.T) {
	cfg := testServerConfig()
	cfg.Quiet = true
	reg := NewRegistry(cfg, NopHooks{}, zap.NewNop())

	assert.True(t, reg.Quiet())
	assert.False(t, reg.ToggleQuiet())
	assert.True(t, reg.ToggleQuiet())
	reg.SetQuiet(false)
	assert.False(t, reg.Quiet())
}

func TestRegistry_SessionLookup(t *testing.T) {
	reg := newTestRegistry(t)
	a := newTestPeer(t, reg)

	got, ok := reg.Session(a.sess.ID())
	require.True(t, ok)
	assert.Same(t, a.sess, got)

	_, ok = reg.Session(999)
	assert.False(t, ok)

	sessions := reg.Sessions()
	require.Len(t, sessions, 1)
	assert.Same(t, a.sess, sessions[0])
}
