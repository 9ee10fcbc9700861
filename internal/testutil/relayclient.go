// Package testutil provides test helpers: a relay protocol test client and
// container management for integration tests.
package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/openshipyard/anchor/internal/protocol"
)

// RelayClient is a test client speaking the NUL-delimited JSON relay
// protocol over TCP.
type RelayClient struct {
	t       *testing.T
	conn    net.Conn
	packets chan protocol.Packet
}

// NewRelayClient dials the given address and returns a connected test client
// with a background read loop.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected RelayClient or fails the test.
func NewRelayClient(t *testing.T, addr string) *RelayClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	c := &RelayClient{
		t:       t,
		conn:    conn,
		packets: make(chan protocol.Packet, 64),
	}
	go c.readLoop()

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return c
}

func (c *RelayClient) readLoop() {
	framer := protocol.NewFramer(1 << 20)
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			payloads, ferr := framer.Push(buf[:n])
			for _, payload := range payloads {
				pkt, derr := protocol.Decode(payload)
				if derr != nil {
					continue
				}
				c.packets <- pkt
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

// Send writes one raw JSON packet plus the delimiter.
//
// Precondition: raw must be the JSON text of a single packet.
func (c *RelayClient) Send(raw string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(append([]byte(raw), protocol.Delimiter)); err != nil {
		c.t.Fatalf("sending %q: %v", raw, err)
	}
}

// Expect waits for the next packet of the given type.
//
// Postcondition: Returns the packet, or fails the test if a different type
// arrives first or the timeout elapses.
func (c *RelayClient) Expect(typ string, timeout time.Duration) protocol.Packet {
	c.t.Helper()
	select {
	case pkt := <-c.packets:
		if pkt.Type != typ {
			c.t.Fatalf("expected %s packet, got %s", typ, pkt.Type)
		}
		return pkt
	case <-time.After(timeout):
		c.t.Fatalf("timed out waiting for %s packet", typ)
		return protocol.Packet{}
	}
}

// Close closes the client's connection.
func (c *RelayClient) Close() {
	_ = c.conn.Close()
}
