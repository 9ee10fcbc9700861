package heartbeat_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/config"
	"github.com/openshipyard/anchor/internal/heartbeat"
	"github.com/openshipyard/anchor/internal/protocol"
	"github.com/openshipyard/anchor/internal/relay"
)

func newBeatRegistry(t *testing.T) *relay.Registry {
	t.Helper()
	cfg := config.ServerConfig{
		WriteTimeout:    2 * time.Second,
		SendQueueSize:   16,
		MaxPendingBytes: 1 << 16,
	}
	return relay.NewRegistry(cfg, relay.NopHooks{}, zap.NewNop())
}

// attachPeer wires a pipe-backed session into the registry and returns a
// channel of packets delivered to the client side.
func attachPeer(t *testing.T, reg *relay.Registry) <-chan protocol.Packet {
	t.Helper()
	client, server := net.Pipe()
	sess := reg.Attach(server)
	go sess.Run()
	t.Cleanup(func() {
		sess.Disconnect()
		_ = client.Close()
	})

	packets := make(chan protocol.Packet, 16)
	go func() {
		framer := protocol.NewFramer(1 << 16)
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			if err != nil {
				close(packets)
				return
			}
			payloads, err := framer.Push(buf[:n])
			if err != nil {
				close(packets)
				return
			}
			for _, payload := range payloads {
				pkt, err := protocol.Decode(payload)
				if err != nil {
					continue
				}
				packets <- pkt
			}
		}
	}()
	return packets
}

func TestService_SendsHeartbeats(t *testing.T) {
	reg := newBeatRegistry(t)
	a := attachPeer(t, reg)
	b := attachPeer(t, reg)

	svc := heartbeat.NewService(reg, 20*time.Millisecond, zap.NewNop())
	go func() { _ = svc.Start() }()
	defer svc.Stop()

	for _, packets := range []<-chan protocol.Packet{a, b} {
		select {
		case pkt, ok := <-packets:
			require.True(t, ok, "connection closed before heartbeat arrived")
			assert.Equal(t, protocol.TypeHeartbeat, pkt.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for heartbeat")
		}
	}
}

func TestService_StopHaltsTicking(t *testing.T) {
	reg := newBeatRegistry(t)
	packets := attachPeer(t, reg)

	svc := heartbeat.NewService(reg, 20*time.Millisecond, zap.NewNop())
	go func() { _ = svc.Start() }()

	// Wait for at least one beat, then stop and drain.
	select {
	case <-packets:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first heartbeat")
	}
	svc.Stop()
	for len(packets) > 0 {
		<-packets
	}

	select {
	case pkt := <-packets:
		t.Fatalf("unexpected packet after stop: %+v", pkt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_NoSessionsIsHarmless(t *testing.T) {
	reg := newBeatRegistry(t)

	svc := heartbeat.NewService(reg, 10*time.Millisecond, zap.NewNop())
	go func() { _ = svc.Start() }()

	time.Sleep(50 * time.Millisecond)
	svc.Stop()
}

func TestService_StopIsIdempotent(t *testing.T) {
	reg := newBeatRegistry(t)
	svc := heartbeat.NewService(reg, time.Hour, zap.NewNop())
	go func() { _ = svc.Start() }()

	time.Sleep(10 * time.Millisecond)
	svc.Stop()
	svc.Stop()
}
