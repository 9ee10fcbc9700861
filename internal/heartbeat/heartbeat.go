// Package heartbeat keeps idle relay connections alive by periodically
// sending HEARTBEAT packets to every connected session.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/protocol"
	"github.com/openshipyard/anchor/internal/relay"
)

// Service periodically broadcasts heartbeat packets. Send failures are
// ignored; a session whose transport is gone tears itself down through
// the relay's own error handling.
type Service struct {
	reg      *relay.Registry
	interval time.Duration
	logger   *zap.Logger

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewService creates a heartbeat service.
//
// Precondition: interval must be positive.
func NewService(reg *relay.Registry, interval time.Duration, logger *zap.Logger) *Service {
	return &Service{
		reg:      reg,
		interval: interval,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the service name for lifecycle logging.
func (s *Service) Name() string { return "heartbeat" }

// Start runs the heartbeat loop until Stop is called.
//
// Postcondition: Blocks until Stop; always returns nil.
func (s *Service) Start() error {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("heartbeat service started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.beat()
		case <-s.quit:
			return nil
		}
	}
}

func (s *Service) beat() {
	sessions := s.reg.Sessions()
	if len(sessions) == 0 {
		return
	}
	pkt := protocol.Heartbeat()
	for _, sess := range sessions {
		_ = sess.Send(pkt)
	}
	s.logger.Debug("heartbeat sent", zap.Int("sessions", len(sessions)))
}

// Stop shuts down the heartbeat loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.done
	})
}
