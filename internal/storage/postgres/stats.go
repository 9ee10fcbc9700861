package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openshipyard/anchor/internal/stats"
)

// StatsRepository persists relay statistics snapshots. Each running relay
// instance owns one row, keyed by a random instance id generated at startup,
// and upserts that row on every flush. Load returns the most recently
// heartbeated row across all instances so a restarted relay can pick up
// where the previous process left off.
type StatsRepository struct {
	db         *pgxpool.Pool
	instanceID uuid.UUID
}

// NewStatsRepository creates a StatsRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
// Postcondition: The repository writes under a freshly generated instance id.
func NewStatsRepository(db *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{db: db, instanceID: uuid.New()}
}

// InstanceID returns the id this repository writes its snapshot row under.
func (r *StatsRepository) InstanceID() uuid.UUID {
	return r.instanceID
}

// Save upserts this instance's snapshot row.
//
// Precondition: snap.LastHeartbeat should be set (the Collector stamps it).
// Postcondition: The relay_stats row for this instance reflects snap.
func (r *StatsRepository) Save(ctx context.Context, snap stats.Snapshot) error {
	shas, err := json.Marshal(snap.ClientSHAs)
	if err != nil {
		return fmt.Errorf("encoding client hashes: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO relay_stats (instance_id, last_heartbeat, online_count, games_completed, client_shas, pid)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   last_heartbeat = EXCLUDED.last_heartbeat,
		   online_count = EXCLUDED.online_count,
		   games_completed = EXCLUDED.games_completed,
		   client_shas = EXCLUDED.client_shas,
		   pid = EXCLUDED.pid`,
		r.instanceID, snap.LastHeartbeat, snap.OnlineCount, snap.GamesCompleted, shas, snap.PID,
	)
	if err != nil {
		return fmt.Errorf("upserting relay stats: %w", err)
	}
	return nil
}

// Load retrieves the most recently heartbeated snapshot across all instances.
//
// Postcondition: Returns the snapshot, or stats.ErrNoSnapshot when the table
// is empty.
func (r *StatsRepository) Load(ctx context.Context) (stats.Snapshot, error) {
	var (
		snap stats.Snapshot
		shas []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT last_heartbeat, online_count, games_completed, client_shas, pid
		 FROM relay_stats
		 ORDER BY last_heartbeat DESC
		 LIMIT 1`,
	).Scan(&snap.LastHeartbeat, &snap.OnlineCount, &snap.GamesCompleted, &shas, &snap.PID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats.Snapshot{}, stats.ErrNoSnapshot
		}
		return stats.Snapshot{}, fmt.Errorf("querying relay stats: %w", err)
	}

	if err := json.Unmarshal(shas, &snap.ClientSHAs); err != nil {
		return stats.Snapshot{}, fmt.Errorf("decoding client hashes: %w", err)
	}
	return snap, nil
}
