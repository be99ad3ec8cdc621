package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const outcomeColumns = `id, market_id, outcome, token_id, volume, volume_24h, created_at`

// UpsertOutcome inserts or refreshes an outcome keyed by id. When the
// venue re-issues an outcome under a new id but the same (market, name)
// pair, the unique constraint fires; the existing row's id and token id
// are then rewritten in place so history stays attached.
func (s *Store) UpsertOutcome(ctx context.Context, o *Outcome) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.NamedExecContext(opCtx, `
		INSERT INTO outcomes (id, market_id, outcome, token_id, volume, volume_24h)
		VALUES (:id, :market_id, :outcome, :token_id, :volume, :volume_24h)
		ON CONFLICT (id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			token_id = EXCLUDED.token_id,
			volume = EXCLUDED.volume,
			volume_24h = EXCLUDED.volume_24h`, o)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		log.Debug().Str("market", o.MarketID).Str("outcome", o.Name).
			Msg("outcome exists under different id, rewriting in place")
		return s.rewriteOutcome(ctx, o)
	}
	return fmt.Errorf("upsert outcome %s: %w", o.ID, err)
}

func (s *Store) rewriteOutcome(ctx context.Context, o *Outcome) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE outcomes SET id = $1, token_id = $2, volume = $3, volume_24h = $4
		WHERE market_id = $5 AND outcome = $6`,
		o.ID, o.TokenID, o.Volume, o.Volume24h, o.MarketID, o.Name)
	if err != nil {
		return fmt.Errorf("rewrite outcome (%s,%s): %w", o.MarketID, o.Name, err)
	}
	return nil
}

// ListOutcomes returns a market's outcomes in creation order.
func (s *Store) ListOutcomes(ctx context.Context, marketID string) ([]Outcome, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var outcomes []Outcome
	err := s.db.SelectContext(ctx, &outcomes,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE market_id = $1 ORDER BY created_at, id`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes for %s: %w", marketID, err)
	}
	return outcomes, nil
}

// GetOutcomeByToken resolves an incoming stream asset id to an outcome,
// or nil. Synthetic binary outcomes can share a token id; the oldest row
// wins deterministically.
func (s *Store) GetOutcomeByToken(ctx context.Context, tokenID string) (*Outcome, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var o Outcome
	err := s.db.GetContext(ctx, &o,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE token_id = $1 ORDER BY created_at, id LIMIT 1`,
		tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome by token %s: %w", tokenID, err)
	}
	return &o, nil
}

// GetOutcomeByMarketToken is the second-chance resolution when the event
// carries a market id.
func (s *Store) GetOutcomeByMarketToken(ctx context.Context, marketID, tokenID string) (*Outcome, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var o Outcome
	err := s.db.GetContext(ctx, &o,
		`SELECT `+outcomeColumns+` FROM outcomes
		 WHERE market_id = $1 AND token_id = $2 ORDER BY created_at, id LIMIT 1`,
		marketID, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome (%s,%s): %w", marketID, tokenID, err)
	}
	return &o, nil
}
