package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flusher periodically persists the collector's snapshot through a Store.
// It implements the server.Service interface.
type Flusher struct {
	collector *Collector
	store     Store
	interval  time.Duration
	logger    *zap.Logger

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewFlusher creates a Flusher persisting every interval.
//
// Precondition: collector, store, and logger must be non-nil; interval must
// be positive.
func NewFlusher(collector *Collector, store Store, interval time.Duration, logger *zap.Logger) *Flusher {
	return &Flusher{
		collector: collector,
		store:     store,
		interval:  interval,
		logger:    logger,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Name returns the service name for lifecycle logging.
func (f *Flusher) Name() string { return "stats-flusher" }

// Start persists snapshots until Stop is called, then writes one final
// snapshot. A failed save is logged and retried on the next tick.
// This method blocks until the flusher is stopped.
func (f *Flusher) Start() error {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flush()
		case <-f.quit:
			f.flush()
			return nil
		}
	}
}

func (f *Flusher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := f.store.Save(ctx, f.collector.Snapshot()); err != nil {
		f.logger.Error("saving stats snapshot", zap.Error(err))
	}
}

// Stop stops the flusher after a final snapshot save.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		close(f.quit)
		<-f.done
	})
}
