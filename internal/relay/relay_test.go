package relay

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/config"
	"github.com/openshipyard/anchor/internal/protocol"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		WriteTimeout:    2 * time.Second,
		SendQueueSize:   64,
		MaxPendingBytes: 1 << 16,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(testServerConfig(), NopHooks{}, zap.NewNop())
}

// testPeer drives one client connection against a registry through an
// in-memory pipe, collecting every packet the server sends back.
type testPeer struct {
	t       *testing.T
	sess    *Session
	conn    net.Conn
	packets chan protocol.Packet
}

func newTestPeer(t *testing.T, reg *Registry) *testPeer {
	t.Helper()

	server, client := net.Pipe()
	sess := reg.Attach(server)
	go sess.Run()

	p := &testPeer{
		t:       t,
		sess:    sess,
		conn:    client,
		packets: make(chan protocol.Packet, 64),
	}
	go p.readLoop()

	t.Cleanup(func() { _ = client.Close() })
	return p
}

func (p *testPeer) readLoop() {
	framer := protocol.NewFramer(1 << 20)
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			payloads, ferr := framer.Push(buf[:n])
			for _, payload := range payloads {
				pkt, derr := protocol.Decode(payload)
				if derr != nil {
					continue
				}
				p.packets <- pkt
			}
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// sendRaw writes raw bytes plus the delimiter to the server.
func (p *testPeer) sendRaw(raw string) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write(append([]byte(raw), protocol.Delimiter)); err != nil {
		p.t.Fatalf("writing %q: %v", raw, err)
	}
}

// send encodes a packet and writes it to the server.
func (p *testPeer) send(pkt protocol.Packet) {
	p.t.Helper()
	b, err := json.Marshal(pkt)
	if err != nil {
		p.t.Fatalf("encoding packet: %v", err)
	}
	p.sendRaw(string(b))
}

// expect waits for the next packet of the given type, failing the test if a
// different type arrives first or nothing arrives in time.
func (p *testPeer) expect(typ string) protocol.Packet {
	p.t.Helper()
	select {
	case pkt := <-p.packets:
		if pkt.Type != typ {
			p.t.Fatalf("expected %s packet, got %s", typ, pkt.Type)
		}
		return pkt
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timed out waiting for %s packet", typ)
		return protocol.Packet{}
	}
}

// expectNone asserts that no packet arrives within the given window.
func (p *testPeer) expectNone(window time.Duration) {
	p.t.Helper()
	select {
	case pkt := <-p.packets:
		p.t.Fatalf("expected no packet, got %s", pkt.Type)
	case <-time.After(window):
	}
}

// drainSnapshots discards queued ALL_CLIENT_DATA packets, returning the last
// one seen. Useful after membership churn when only the final view matters.
func (p *testPeer) drainSnapshots(window time.Duration) protocol.Packet {
	p.t.Helper()
	var last protocol.Packet
	for {
		select {
		case pkt := <-p.packets:
			if pkt.Type != protocol.TypeAllClientData {
				p.t.Fatalf("expected only snapshots, got %s", pkt.Type)
			}
			last = pkt
		case <-time.After(window):
			return last
		}
	}
}

func (p *testPeer) close() {
	_ = p.conn.Close()
}
