package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// schemaStatements is the embedded, authoritative schema. Statements are
// additive and individually re-runnable: IF NOT EXISTS everywhere, plus
// ADD COLUMN migrations for fields introduced after the first release.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id VARCHAR(255) PRIMARY KEY,
		question TEXT NOT NULL,
		slug VARCHAR(255) UNIQUE,
		category VARCHAR(100),
		end_date TIMESTAMPTZ,
		image_url TEXT,
		volume NUMERIC(20,8) DEFAULT 0,
		volume_24h NUMERIC(20,8) DEFAULT 0,
		liquidity NUMERIC(20,8) DEFAULT 0,
		question_id VARCHAR(255),
		activity_score NUMERIC(10,5) DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS outcomes (
		id VARCHAR(255) PRIMARY KEY,
		market_id VARCHAR(255) NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
		outcome VARCHAR(255) NOT NULL,
		token_id VARCHAR(255),
		volume NUMERIC(20,8) DEFAULT 0,
		volume_24h NUMERIC(20,8) DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT outcomes_market_id_outcome_key UNIQUE (market_id, outcome)
	)`,

	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		market_id VARCHAR(255) NOT NULL,
		outcome_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		bid_price NUMERIC(10,8),
		ask_price NUMERIC(10,8),
		mid_price NUMERIC(10,8),
		implied_probability NUMERIC(5,2)
	)`,

	// Columns added after the initial schema shipped. Kept so databases
	// created by old builds converge on re-run.
	`ALTER TABLE markets ADD COLUMN IF NOT EXISTS question_id VARCHAR(255)`,
	`ALTER TABLE markets ADD COLUMN IF NOT EXISTS activity_score NUMERIC(10,5) DEFAULT 0`,
	`ALTER TABLE outcomes ADD COLUMN IF NOT EXISTS volume_24h NUMERIC(20,8) DEFAULT 0`,

	`CREATE INDEX IF NOT EXISTS idx_markets_category ON markets(category)`,
	`CREATE INDEX IF NOT EXISTS idx_markets_end_date ON markets(end_date)`,
	`CREATE INDEX IF NOT EXISTS idx_markets_question_id ON markets(question_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_market_id ON outcomes(market_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_token_id ON outcomes(token_id)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_market_id ON price_history(market_id)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_timestamp ON price_history(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_market_ts ON price_history(market_id, timestamp DESC)`,
}

// InitSchema applies the embedded schema. Safe to re-run: "already exists"
// failures are swallowed, anything else aborts with the statement index so
// the operator can see which step broke.
func (s *Store) InitSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		ctx, cancel := s.opCtx(ctx)
		_, err := s.db.ExecContext(ctx, stmt)
		cancel()
		if err == nil {
			continue
		}
		if isAlreadyExists(err) {
			log.Debug().Int("statement", i).Msg("schema object already exists")
			continue
		}
		return fmt.Errorf("schema statement %d: %w", i, err)
	}
	log.Info().Int("statements", len(schemaStatements)).Msg("schema initialized")
	return nil
}

// Postgres class 42 codes raised when an object is re-created.
func isAlreadyExists(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "42P07", "42701", "42710", "42P16":
			return true
		}
	}
	return strings.Contains(err.Error(), "already exists")
}
