// Package server provides application lifecycle management including
// graceful startup and shutdown with signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Name identifies the service in logs.
	Name() string
	// Start begins the service. It should block until the service is stopped
	// or an error occurs.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	ServiceName string
	StartFn     func() error
	StopFn      func()
}

// Name returns the configured service name.
func (f *FuncService) Name() string { return f.ServiceName }

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger   *zap.Logger
	services []Service
	mu       sync.Mutex

	quit     chan struct{}
	quitOnce sync.Once
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Add registers a service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: svc must be non-nil.
func (l *Lifecycle) Add(svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, svc)
}

// Shutdown asks a running Lifecycle to stop, as if a termination signal had
// arrived. Safe to call from any goroutine, any number of times.
func (l *Lifecycle) Shutdown() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// Run starts all services and blocks until a termination signal is received
// (SIGINT or SIGTERM), Shutdown is called, or a service fails. Services are
// then stopped in reverse order.
//
// Postcondition: All services are stopped when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start services
	errCh := make(chan error, len(l.services))
	for _, svc := range l.services {
		svc := svc
		go func() {
			l.logger.Info("starting service",
				zap.String("service", svc.Name()),
			)
			svcStart := time.Now()
			if err := svc.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", svc.Name()),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", svc.Name(), err)
				cancel()
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(l.services)),
		zap.Duration("startup", time.Since(start)),
	)

	// Wait for signal, operator shutdown, or context cancellation
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case <-l.quit:
		l.logger.Info("shutdown requested")
	case err := <-errCh:
		l.logger.Error("service error, shutting down",
			zap.Error(err),
		)
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	// Stop services in reverse order
	l.stopAll()

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return nil
}

func (l *Lifecycle) stopAll() {
	shutdownStart := time.Now()
	for i := len(l.services) - 1; i >= 0; i-- {
		svc := l.services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service",
			zap.String("service", svc.Name()),
		)
		svc.Stop()
		l.logger.Info("service stopped",
			zap.String("service", svc.Name()),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
