package store

import "time"

// Market is one venue market (a parent event or standalone binary).
// Children whose question id points at a stored parent are never written.
type Market struct {
	ID            string     `db:"id" json:"id"`
	Question      string     `db:"question" json:"question"`
	Slug          string     `db:"slug" json:"slug"`
	Category      string     `db:"category" json:"category"`
	EndDate       *time.Time `db:"end_date" json:"endDate,omitempty"`
	ImageURL      *string    `db:"image_url" json:"imageUrl,omitempty"`
	Volume        float64    `db:"volume" json:"volume"`
	Volume24h     float64    `db:"volume_24h" json:"volume24h"`
	Liquidity     float64    `db:"liquidity" json:"liquidity"`
	QuestionID    *string    `db:"question_id" json:"questionId,omitempty"`
	ActivityScore float64    `db:"activity_score" json:"activityScore"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// Outcome is one tradable side of a market. TokenID keys the venue's
// realtime stream for this outcome's book.
type Outcome struct {
	ID        string    `db:"id" json:"id"`
	MarketID  string    `db:"market_id" json:"marketId"`
	Name      string    `db:"outcome" json:"name"`
	TokenID   string    `db:"token_id" json:"tokenId"`
	Volume    float64   `db:"volume" json:"volume"`
	Volume24h float64   `db:"volume_24h" json:"volume24h"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// PricePoint is one appended price observation.
type PricePoint struct {
	ID                 int64     `db:"id" json:"-"`
	MarketID           string    `db:"market_id" json:"marketId"`
	OutcomeID          string    `db:"outcome_id" json:"outcomeId"`
	Timestamp          time.Time `db:"timestamp" json:"timestamp"`
	Bid                float64   `db:"bid_price" json:"bid"`
	Ask                float64   `db:"ask_price" json:"ask"`
	Mid                float64   `db:"mid_price" json:"mid"`
	ImpliedProbability float64   `db:"implied_probability" json:"impliedProbability"`
}

// questionIDOrEmpty flattens the nullable column for comparisons.
func (m *Market) questionIDOrEmpty() string {
	if m.QuestionID == nil {
		return ""
	}
	return *m.QuestionID
}

// Same reports whether the sync-relevant identity fields are unchanged.
// Volume fields are deliberately excluded: they move constantly and would
// defeat change detection.
func (m *Market) Same(other *Market) bool {
	if other == nil {
		return false
	}
	if m.Question != other.Question || m.Slug != other.Slug || m.Category != other.Category {
		return false
	}
	if !timePtrEqual(m.EndDate, other.EndDate) {
		return false
	}
	return strPtrEqual(m.ImageURL, other.ImageURL)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
