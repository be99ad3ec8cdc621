package store

import (
	"context"
	"fmt"
	"time"
)

// InsertPricePoint appends one observation. Callers validate prices; the
// store never rejects rows on its own.
func (s *Store) InsertPricePoint(ctx context.Context, p *PricePoint) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history (market_id, outcome_id, timestamp, bid_price, ask_price, mid_price, implied_probability)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.MarketID, p.OutcomeID, p.Timestamp, p.Bid, p.Ask, p.Mid, p.ImpliedProbability)
	if err != nil {
		return fmt.Errorf("insert price point (%s,%s): %w", p.MarketID, p.OutcomeID, err)
	}
	return nil
}

// ListPriceHistory returns observations since the given time, oldest
// first. An empty outcomeID selects all outcomes of the market.
func (s *Store) ListPriceHistory(ctx context.Context, marketID, outcomeID string, since time.Time, limit int) ([]PricePoint, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var (
		points []PricePoint
		err    error
	)
	if outcomeID != "" {
		err = s.db.SelectContext(ctx, &points, `
			SELECT id, market_id, outcome_id, timestamp, bid_price, ask_price, mid_price, implied_probability
			FROM price_history
			WHERE market_id = $1 AND outcome_id = $2 AND timestamp >= $3
			ORDER BY timestamp LIMIT $4`,
			marketID, outcomeID, since, limit)
	} else {
		err = s.db.SelectContext(ctx, &points, `
			SELECT id, market_id, outcome_id, timestamp, bid_price, ask_price, mid_price, implied_probability
			FROM price_history
			WHERE market_id = $1 AND timestamp >= $2
			ORDER BY timestamp LIMIT $3`,
			marketID, since, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list price history %s: %w", marketID, err)
	}
	return points, nil
}

// PrunePriceHistory deletes observations older than retainDays and
// reports how many rows went.
func (s *Store) PrunePriceHistory(ctx context.Context, retainDays int) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if retainDays < 1 {
		retainDays = 1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM price_history WHERE timestamp < NOW() - ($1 * INTERVAL '1 day')`,
		retainDays)
	if err != nil {
		return 0, fmt.Errorf("prune price history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
