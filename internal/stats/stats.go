// Package stats implements the relay's metrics collaborator: live counters
// for sessions and completed games, an anonymized unique-player set, and
// periodic persistence of the aggregate snapshot.
package stats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoSnapshot is returned by Store.Load when nothing has been persisted yet.
var ErrNoSnapshot = errors.New("no stats snapshot")

// Snapshot is the persisted aggregate usage state. Field names match the
// stats file the original deployment wrote, so existing files keep loading.
type Snapshot struct {
	LastHeartbeat  time.Time       `json:"lastStatsHeartbeat"`
	ClientSHAs     map[string]bool `json:"clientSHAs"`
	OnlineCount    int             `json:"onlineCount"`
	GamesCompleted int             `json:"gamesCompleted"`
	PID            int             `json:"pid"`
}

// Store persists stats snapshots.
type Store interface {
	// Load retrieves the most recent snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) (Snapshot, error)
	// Save persists a snapshot.
	Save(ctx context.Context, snap Snapshot) error
}

// Collector accumulates usage counters. It implements the relay's Hooks
// interface; all methods are safe for concurrent use and return quickly.
type Collector struct {
	logger *zap.Logger

	mu     sync.Mutex
	shas   map[string]bool
	online int
	games  int
}

// NewCollector creates an empty Collector.
//
// Precondition: logger must be non-nil.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{
		logger: logger,
		shas:   make(map[string]bool),
	}
}

// SessionConnected records a new connection. The peer's host is hashed with
// SHA-256 before being stored, giving a rough unique-player count without
// keeping addresses.
func (c *Collector) SessionConnected(remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	sum := sha256.Sum256([]byte(host))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	c.online++
	c.shas[key] = true
	c.mu.Unlock()
}

// SessionDisconnected records a closed connection.
func (c *Collector) SessionDisconnected() {
	c.mu.Lock()
	c.online--
	c.mu.Unlock()
}

// GameCompleted increments the completed-games counter.
func (c *Collector) GameCompleted() {
	c.mu.Lock()
	c.games++
	c.mu.Unlock()
}

// Snapshot returns the current aggregate state, stamped with now and this
// process's pid.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	shas := make(map[string]bool, len(c.shas))
	for k := range c.shas {
		shas[k] = true
	}
	return Snapshot{
		LastHeartbeat:  time.Now().UTC(),
		ClientSHAs:     shas,
		OnlineCount:    c.online,
		GamesCompleted: c.games,
		PID:            os.Getpid(),
	}
}

// Restore merges a persisted snapshot into the collector so counters survive
// restarts. The online count is not restored: it reflects live connections
// only.
func (c *Collector) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.games += snap.GamesCompleted
	for k := range snap.ClientSHAs {
		c.shas[k] = true
	}
}

// OnlineCount returns the number of currently connected clients.
func (c *Collector) OnlineCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// GamesCompletedCount returns the completed-games total.
func (c *Collector) GamesCompletedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.games
}

// UniquePlayerCount returns the size of the anonymized identity set.
func (c *Collector) UniquePlayerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shas)
}
