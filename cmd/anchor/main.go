// Package main provides the anchor relay binary: a TCP relay that groups
// game clients into rooms and forwards their packets to each other.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/config"
	"github.com/openshipyard/anchor/internal/console"
	"github.com/openshipyard/anchor/internal/heartbeat"
	"github.com/openshipyard/anchor/internal/observability"
	"github.com/openshipyard/anchor/internal/relay"
	"github.com/openshipyard/anchor/internal/server"
	"github.com/openshipyard/anchor/internal/stats"
	"github.com/openshipyard/anchor/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting anchor relay",
		zap.String("addr", cfg.Server.Addr()),
	)

	lifecycle := server.NewLifecycle(logger)

	// Stats: optional, backed by a file or PostgreSQL.
	var (
		collector *stats.Collector
		hooks     relay.Hooks = relay.NopHooks{}
	)
	if cfg.Stats.Store != config.StatsStoreNone {
		collector = stats.NewCollector(logger)
		hooks = collector

		var store stats.Store
		switch cfg.Stats.Store {
		case config.StatsStoreFile:
			store = stats.NewFileStore(cfg.Stats.FilePath)
			logger.Info("stats persisted to file", zap.String("path", cfg.Stats.FilePath))
		case config.StatsStorePostgres:
			dbStart := time.Now()
			pool, err := postgres.NewPool(ctx, cfg.Database)
			if err != nil {
				logger.Fatal("connecting to database", zap.Error(err))
			}
			defer pool.Close()
			logger.Info("database connected",
				zap.String("host", cfg.Database.Host),
				zap.Duration("elapsed", time.Since(dbStart)),
			)
			store = postgres.NewStatsRepository(pool.DB())
		default:
			logger.Fatal("unknown stats store", zap.String("store", cfg.Stats.Store))
		}

		// Carry forward totals from the previous run.
		snap, err := store.Load(ctx)
		switch {
		case err == nil:
			collector.Restore(snap)
			logger.Info("restored stats snapshot",
				zap.Int("games_completed", snap.GamesCompleted),
				zap.Int("unique_players", len(snap.ClientSHAs)),
				zap.Time("last_heartbeat", snap.LastHeartbeat),
			)
		case errors.Is(err, stats.ErrNoSnapshot):
			logger.Info("no previous stats snapshot")
		default:
			logger.Fatal("loading stats snapshot", zap.Error(err))
		}

		lifecycle.Add(stats.NewFlusher(collector, store, cfg.Heartbeat.StatsInterval, logger))
	}

	registry := relay.NewRegistry(cfg.Server, hooks, logger)
	acceptor := relay.NewAcceptor(cfg.Server, registry, logger)

	lifecycle.Add(&server.FuncService{
		ServiceName: "acceptor",
		StartFn:     acceptor.ListenAndServe,
		StopFn:      acceptor.Stop,
	})
	lifecycle.Add(heartbeat.NewService(registry, cfg.Heartbeat.ClientInterval, logger))

	var statsSource console.StatsSource
	if collector != nil {
		statsSource = collector
	}
	lifecycle.Add(console.NewService(registry, statsSource, os.Stdin, os.Stdout, lifecycle.Shutdown, logger))

	logger.Info("anchor relay initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}
