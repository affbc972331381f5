// Package backend opens the configured stores.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"ore-agent/internal/config"
	"ore-agent/internal/logging"
	"ore-agent/internal/storage"
	chstore "ore-agent/internal/storage/clickhouse"
	"ore-agent/internal/storage/memory"
	"ore-agent/internal/storage/migrations"
	pgstore "ore-agent/internal/storage/postgres"
	"ore-agent/internal/storage/sqlite"
)

// Stores holds the opened stores. Placements and Latency are nil when no
// backend supports them.
type Stores struct {
	Outcomes   storage.OutcomeStore
	Placements storage.PlacementStore
	Latency    storage.LatencyStore

	// OutcomeBackend names the backend serving Outcomes.
	OutcomeBackend string

	closers []func()
}

// Close releases every connection.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Open connects to every configured database. Outcomes prefer ClickHouse,
// then PostgreSQL, then SQLite and fall back to memory. Latency samples use
// the store named by latency.journal.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	log := logging.Component(logger, "storage")
	s := &Stores{}

	var (
		pool *pgstore.Pool
		conn *chstore.Conn
		db   *sqlite.DB
	)

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		p, err := pgstore.NewPool(ctx, dsn)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, p.Close)
		if err := migrations.RunPostgresMigrations(ctx, p); err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		pool = p
		log.Info("postgres connected")
	}

	if dsn := cfg.Storage.ClickHouseDSN; dsn != "" {
		c, err := migrations.RunClickhouseMigrations(ctx, dsn)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		s.closers = append(s.closers, func() { c.Close() })
		conn = c
		log.Info("clickhouse connected")
	}

	if path := cfg.Storage.SQLitePath; path != "" {
		d, err := sqlite.Open(ctx, path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { d.Close() })
		db = d
		log.Info("sqlite opened", "path", path)
	}

	switch {
	case conn != nil:
		s.Outcomes, s.OutcomeBackend = chstore.NewOutcomeStore(conn), "clickhouse"
	case pool != nil:
		s.Outcomes, s.OutcomeBackend = pgstore.NewOutcomeStore(pool), "postgres"
	case db != nil:
		s.Outcomes, s.OutcomeBackend = sqlite.NewOutcomeStore(db), "sqlite"
	default:
		s.Outcomes, s.OutcomeBackend = memory.NewOutcomeStore(), "memory"
	}

	switch {
	case conn != nil:
		s.Placements = chstore.NewPlacementStore(conn)
	case pool != nil:
		s.Placements = pgstore.NewPlacementStore(pool)
	}

	switch cfg.Latency.Journal {
	case "postgres":
		if pool != nil {
			s.Latency = pgstore.NewLatencyStore(pool)
		}
	case "sqlite":
		if db != nil {
			s.Latency = sqlite.NewLatencyStore(db)
		}
	}

	log.Info("stores ready", "outcomes", s.OutcomeBackend, "placements", s.Placements != nil, "latency", s.Latency != nil)
	return s, nil
}
