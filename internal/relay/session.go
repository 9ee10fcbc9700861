package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/protocol"
)

// ErrSessionClosed is returned by Send after a session has begun teardown.
var ErrSessionClosed = errors.New("session closed")

// ErrSendQueueFull is returned by Send when a session's outbound queue is
// full. The session is disconnected as a slow consumer.
var ErrSendQueueFull = errors.New("send queue full")

const readBufferSize = 4096

// Session is the server-side state for one connected client: a process-unique
// id, the client's last-reported data, an optional room membership, and the
// owned transport.
//
// All writes to the transport go through a single writer goroutine, so
// concurrently triggered sends to the same client never interleave their
// bytes. Sends from one source are delivered in the order they were issued.
type Session struct {
	id     int64
	conn   net.Conn
	reg    *Registry
	logger *zap.Logger

	mu   sync.Mutex
	data map[string]any
	room *Room

	out        chan []byte
	done       chan struct{}
	doneOnce   sync.Once
	writerDone chan struct{}
	tornDown   sync.Once
}

func newSession(id int64, conn net.Conn, reg *Registry, logger *zap.Logger) *Session {
	return &Session{
		id:         id,
		conn:       conn,
		reg:        reg,
		logger:     logger,
		data:       map[string]any{},
		out:        make(chan []byte, reg.cfg.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() int64 {
	return s.id
}

// RemoteAddr returns the peer's network address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Data returns a copy of the client's last-reported application data.
func (s *Session) Data() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *Session) replaceData(data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

// Room returns the session's current room, or nil if unrouted.
func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) setRoom(r *Room) {
	s.mu.Lock()
	s.room = r
	s.mu.Unlock()
}

// Run reads the connection until it fails or is closed, framing and
// dispatching every complete packet, then tears the session down. It blocks;
// the acceptor calls it on the per-connection goroutine.
//
// Postcondition: The session is removed from its room and the registry, and
// the transport is closed.
func (s *Session) Run() {
	defer s.teardown()
	go s.writeLoop()

	framer := protocol.NewFramer(s.reg.cfg.MaxPendingBytes)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			payloads, ferr := framer.Push(buf[:n])
			for _, payload := range payloads {
				s.dispatch(payload)
			}
			if ferr != nil {
				s.logger.Warn("disconnecting client",
					zap.Error(ferr),
					zap.Int("pending_bytes", framer.Pending()),
				)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

// dispatch routes one inbound packet. Malformed packets and routing misses
// are logged and discarded; they never affect the connection.
func (s *Session) dispatch(payload []byte) {
	pkt, err := protocol.Decode(payload)
	if err != nil {
		s.logger.Warn("dropping malformed packet", zap.Error(err))
		return
	}

	// The sender's identity is authoritative; whatever the client put in
	// clientId is overwritten before any routing.
	pkt.ClientID = s.id

	if !pkt.Quiet && !s.reg.Quiet() {
		s.logger.Debug("-> packet", zap.String("type", pkt.Type))
	}

	// Type side effects apply before routing so a joining packet's data is
	// already visible in the snapshot its own join fans out.
	switch pkt.Type {
	case protocol.TypeUpdateClientData:
		s.replaceData(pkt.Data)
	case protocol.TypeGameComplete:
		s.reg.hooks.GameCompleted()
	}

	// First room wins: a roomId on a packet from an already-routed session
	// is ignored for the lifetime of the connection.
	if pkt.RoomID != "" && s.Room() == nil {
		s.reg.JoinRoom(pkt.RoomID, s)
	}

	room := s.Room()
	if room == nil {
		s.logger.Debug("not in a room, dropping packet", zap.String("type", pkt.Type))
		return
	}

	if pkt.TargetClientID != 0 {
		target, ok := room.member(pkt.TargetClientID)
		if !ok {
			s.logger.Debug("target client not found",
				zap.Int64("target_client_id", pkt.TargetClientID),
			)
			return
		}
		_ = target.Send(pkt)
		return
	}

	switch pkt.Type {
	case protocol.TypeRequestSaveState:
		room.handleSaveStateRequest(s, pkt)
	case protocol.TypePushSaveState:
		room.handleSaveStatePush(s, pkt)
	default:
		room.broadcast(pkt, s)
	}
}

// Send enqueues a packet for delivery. It never blocks: a full queue means
// the client is not draining its socket, which is treated like a write
// timeout and disconnects that session only.
//
// Postcondition: Returns nil once the packet is queued; the write itself is
// asynchronous and bounded by the configured write timeout.
func (s *Session) Send(pkt protocol.Packet) error {
	frame, err := protocol.EncodeFrame(pkt)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	if !pkt.Quiet && !s.reg.Quiet() {
		s.logger.Debug("<- packet", zap.String("type", pkt.Type))
	}

	select {
	case s.out <- frame:
		return nil
	default:
		s.logger.Warn("send queue full, disconnecting client",
			zap.String("type", pkt.Type),
		)
		s.closeTransport()
		return ErrSendQueueFull
	}
}

// Disconnect begins a graceful teardown: queued packets are flushed (each
// bounded by the write timeout), then the transport is closed and the read
// loop completes the cleanup.
func (s *Session) Disconnect() {
	s.signalDone()
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) closeTransport() {
	_ = s.conn.Close()
}

// writeLoop is the session's single writer. Every frame gets a fresh write
// deadline; a failed or timed-out write abandons the connection.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.closeTransport()

	for {
		select {
		case frame := <-s.out:
			if err := s.writeFrame(frame); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-s.done:
			// Flush whatever was queued before the disconnect, then stop.
			for {
				select {
				case frame := <-s.out:
					if err := s.writeFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeFrame(frame []byte) error {
	if t := s.reg.cfg.WriteTimeout; t > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(t))
	}
	_, err := s.conn.Write(frame)
	return err
}

// teardown runs exactly once, from Run's defer: stop the writer (flushing
// queued frames), close the transport, leave the room, and deregister.
func (s *Session) teardown() {
	s.tornDown.Do(func() {
		s.signalDone()
		<-s.writerDone

		if room := s.Room(); room != nil {
			room.leave(s)
		}
		s.reg.detach(s)
		s.logger.Info("client disconnected")
	})
}
