// Package store is the Postgres persistence layer: markets, outcomes and
// the append-only price history. The monitor can start without a database
// (the read API degrades), so connection failures are reported, never
// fatal here.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/config"
)

// Store wraps the connection pool. Every method applies its own query
// timeout so a stuck database cannot wedge the ingestion workers.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects, configures the pool and verifies connectivity.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("db", cfg.Name).Msg("database connected")
	return &Store{db: db, timeout: cfg.Timeout()}, nil
}

// NewWithDB wraps an existing handle; tests inject sqlmock here.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping tests connectivity under the store's query timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// PoolStats exposes connection pool counters for the health endpoint.
func (s *Store) PoolStats() map[string]any {
	st := s.db.Stats()
	return map[string]any{
		"max_open":         st.MaxOpenConnections,
		"open":             st.OpenConnections,
		"in_use":           st.InUse,
		"idle":             st.Idle,
		"wait_count":       st.WaitCount,
		"wait_duration_ms": st.WaitDuration.Milliseconds(),
	}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
