package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const marketColumns = `id, question, slug, category, end_date, image_url,
	volume, volume_24h, liquidity, question_id, activity_score, created_at, updated_at`

// CountMarkets returns the number of stored markets. The sync engine uses
// it to detect a fresh deployment.
func (s *Store) CountMarkets(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM markets`); err != nil {
		return 0, fmt.Errorf("count markets: %w", err)
	}
	return n, nil
}

// GetMarket returns the market or nil when absent.
func (s *Store) GetMarket(ctx context.Context, id string) (*Market, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var m Market
	err := s.db.GetContext(ctx, &m,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return &m, nil
}

// HasMarket is the cheap existence probe behind parent/child suppression.
func (s *Store) HasMarket(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM markets WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("has market %s: %w", id, err)
	}
	return exists, nil
}

// GetMarketByQuestionID returns the first market grouped under the given
// question id, or nil.
func (s *Store) GetMarketByQuestionID(ctx context.Context, questionID string) (*Market, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var m Market
	err := s.db.GetContext(ctx, &m,
		`SELECT `+marketColumns+` FROM markets WHERE question_id = $1 ORDER BY created_at LIMIT 1`,
		questionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market by question id %s: %w", questionID, err)
	}
	return &m, nil
}

// UpsertMarket inserts or refreshes a market row; updated_at advances only
// on write, keeping it monotone per id.
func (s *Store) UpsertMarket(ctx context.Context, m *Market) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO markets (id, question, slug, category, end_date, image_url,
			volume, volume_24h, liquidity, question_id, activity_score)
		VALUES (:id, :question, :slug, :category, :end_date, :image_url,
			:volume, :volume_24h, :liquidity, :question_id, :activity_score)
		ON CONFLICT (id) DO UPDATE SET
			question = EXCLUDED.question,
			slug = EXCLUDED.slug,
			category = EXCLUDED.category,
			end_date = EXCLUDED.end_date,
			image_url = EXCLUDED.image_url,
			volume = EXCLUDED.volume,
			volume_24h = EXCLUDED.volume_24h,
			liquidity = EXCLUDED.liquidity,
			question_id = EXCLUDED.question_id,
			activity_score = EXCLUDED.activity_score,
			updated_at = NOW()`, m)
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", m.ID, err)
	}
	return nil
}

// ListMarkets returns markets ordered by 24h volume, optionally filtered
// by category.
func (s *Store) ListMarkets(ctx context.Context, category string, limit, offset int) ([]Market, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		markets []Market
		err     error
	)
	if category != "" {
		err = s.db.SelectContext(ctx, &markets,
			`SELECT `+marketColumns+` FROM markets WHERE category = $1
			 ORDER BY volume_24h DESC, id LIMIT $2 OFFSET $3`,
			category, limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &markets,
			`SELECT `+marketColumns+` FROM markets
			 ORDER BY volume_24h DESC, id LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return markets, nil
}

// ListMarketIDs returns every stored market id; seeds the known-markets
// set at startup.
func (s *Store) ListMarketIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM markets`); err != nil {
		return nil, fmt.Errorf("list market ids: %w", err)
	}
	return ids, nil
}

// SearchMarketsByQuestion finds markets whose question matches the ILIKE
// pattern; the dispatcher falls back to this when slug discovery fails.
func (s *Store) SearchMarketsByQuestion(ctx context.Context, pattern string, limit int) ([]Market, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 5
	}
	var markets []Market
	err := s.db.SelectContext(ctx, &markets,
		`SELECT `+marketColumns+` FROM markets WHERE question ILIKE $1
		 ORDER BY volume_24h DESC LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search markets: %w", err)
	}
	return markets, nil
}
