package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/config"
)

// Acceptor listens for relay connections on a TCP port and runs one session
// per connection.
type Acceptor struct {
	cfg      config.ServerConfig
	registry *Registry
	logger   *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates a relay acceptor with the given configuration.
//
// Precondition: cfg must have a valid port; registry and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, registry *Registry, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// ListenAndServe starts the TCP listener and accepts connections until Stop
// is called. This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("relay listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("quiet", a.registry.Quiet()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

// handleConn runs a single client session to completion.
func (a *Acceptor) handleConn(conn net.Conn) {
	defer a.wg.Done()
	start := time.Now()

	sess := a.registry.Attach(conn)
	sess.Run()

	a.logger.Debug("session ended",
		zap.Int64("client_id", sess.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop gracefully stops the acceptor: the listener is closed, every live
// session is disconnected, and all session goroutines are waited for.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	if a.listener != nil {
		a.listener.Close()
	}
	a.registry.DisconnectAll("")
	a.wg.Wait()

	a.logger.Info("relay acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
