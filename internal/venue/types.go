// Package venue talks to the prediction-market venue: a REST catalogue
// client with endpoint fallback and a market-channel websocket stream.
// The venue's JSON is heterogeneous (snake_case and camelCase, numbers as
// strings, arrays as JSON-encoded strings, markets nested under events),
// so decoding is tolerant: fields absent on the wire stay zero.
package venue

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Market is the canonical record every endpoint shape decodes into.
type Market struct {
	ID             string
	ConditionID    string
	QuestionID     string
	Question       string
	Slug           string
	Description    string
	Image          string
	Category       string
	GroupItemTitle string
	EndDate        *time.Time
	Active         *bool
	Closed         *bool
	Liquidity      float64
	Volume         float64
	Volume24h      float64
	OutcomeNames   []string
	OutcomePrices  []float64
	ClobTokenIDs   []string
	Tokens         []TokenInfo
	Tags           []string
	SubMarkets     []Market
}

// TokenInfo pairs a stream token with its outcome name.
type TokenInfo struct {
	TokenID string
	Outcome string
	Price   float64
}

// Tag is a venue category tag.
type Tag struct {
	ID    string
	Label string
	Slug  string
}

// CanonicalID picks the identifier the monitor keys markets on.
func (m *Market) CanonicalID() string {
	switch {
	case m.ConditionID != "":
		return m.ConditionID
	case m.QuestionID != "":
		return m.QuestionID
	case m.ID != "":
		return m.ID
	case len(m.ClobTokenIDs) > 0:
		return m.ClobTokenIDs[0]
	default:
		return ""
	}
}

// DisplayTitle returns the bucket label for sub-markets, else the question.
func (m *Market) DisplayTitle() string {
	if m.GroupItemTitle != "" {
		return m.GroupItemTitle
	}
	return m.Question
}

func (m *Market) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = str(raw, "id")
	m.ConditionID = str(raw, "conditionId", "condition_id")
	m.QuestionID = str(raw, "questionID", "questionId", "question_id")
	m.Question = str(raw, "question", "title")
	m.Slug = str(raw, "slug", "market_slug", "marketSlug")
	m.Description = str(raw, "description")
	m.Image = str(raw, "image", "imageUrl", "image_url", "icon")
	m.Category = str(raw, "category")
	m.GroupItemTitle = str(raw, "groupItemTitle", "group_item_title")
	m.EndDate = timeField(raw, "endDate", "end_date", "endDateIso", "end_date_iso")
	m.Active = boolField(raw, "active")
	m.Closed = boolField(raw, "closed")
	m.Liquidity = f64(raw, "liquidityNum", "liquidity_num", "liquidity")
	m.Volume = f64(raw, "volumeNum", "volume_num", "volume")
	m.Volume24h = f64(raw, "volume24hr", "volume_24hr", "volume24h", "volume_24h")
	m.OutcomeNames = stringList(raw, "outcomes")
	m.OutcomePrices = floatList(raw, "outcomePrices", "outcome_prices")
	m.ClobTokenIDs = stringList(raw, "clobTokenIds", "clob_token_ids")
	m.Tags = tagLabels(raw, "tags")
	m.Tokens = tokenList(raw, "tokens")
	m.SubMarkets = marketList(raw, "markets")
	return nil
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	// Tags arrive as bare strings or as {id,label,slug} objects.
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Label = s
		t.Slug = s
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.ID = str(raw, "id")
	t.Label = str(raw, "label", "name")
	t.Slug = str(raw, "slug")
	return nil
}

// str returns the first present key decoded as a string; numbers are
// stringified so numeric ids survive.
func str(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || len(v) == 0 || string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// f64 accepts numbers and numeric strings.
func f64(raw map[string]json.RawMessage, keys ...string) float64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || len(v) == 0 || string(v) == "null" {
			continue
		}
		if f, ok := parseFloat(v); ok {
			return f
		}
	}
	return 0
}

func parseFloat(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil && s != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
			return d.InexactFloat64(), true
		}
	}
	return 0, false
}

// stringList accepts ["a","b"] and the venue's JSON-encoded variant
// "[\"a\",\"b\"]".
func stringList(raw map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || len(v) == 0 || string(v) == "null" {
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			return list
		}
		var encoded string
		if err := json.Unmarshal(v, &encoded); err == nil && encoded != "" {
			if err := json.Unmarshal([]byte(encoded), &list); err == nil {
				return list
			}
		}
	}
	return nil
}

func floatList(raw map[string]json.RawMessage, keys ...string) []float64 {
	for _, k := range keys {
		strs := stringList(raw, k)
		if strs == nil {
			// plain numeric array
			v, ok := raw[k]
			if !ok {
				continue
			}
			var fs []float64
			if err := json.Unmarshal(v, &fs); err == nil {
				return fs
			}
			continue
		}
		fs := make([]float64, 0, len(strs))
		for _, s := range strs {
			d, err := decimal.NewFromString(strings.TrimSpace(s))
			if err != nil {
				fs = append(fs, 0)
				continue
			}
			fs = append(fs, d.InexactFloat64())
		}
		return fs
	}
	return nil
}

func boolField(raw map[string]json.RawMessage, keys ...string) *bool {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || len(v) == 0 || string(v) == "null" {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			return &b
		}
	}
	return nil
}

func timeField(raw map[string]json.RawMessage, keys ...string) *time.Time {
	for _, k := range keys {
		s := str(raw, k)
		if s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return &t
			}
		}
	}
	return nil
}

func tagLabels(raw map[string]json.RawMessage, key string) []string {
	v, ok := raw[key]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil
	}
	var tags []Tag
	if err := json.Unmarshal(v, &tags); err != nil {
		return nil
	}
	labels := make([]string, 0, len(tags))
	for _, t := range tags {
		if t.Label != "" {
			labels = append(labels, t.Label)
		} else if t.Slug != "" {
			labels = append(labels, t.Slug)
		}
	}
	return labels
}

func tokenList(raw map[string]json.RawMessage, key string) []TokenInfo {
	v, ok := raw[key]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil
	}
	var wire []map[string]json.RawMessage
	if err := json.Unmarshal(v, &wire); err != nil {
		return nil
	}
	tokens := make([]TokenInfo, 0, len(wire))
	for _, w := range wire {
		ti := TokenInfo{
			TokenID: str(w, "token_id", "tokenId", "tokenID"),
			Outcome: str(w, "outcome", "name"),
			Price:   f64(w, "price"),
		}
		if ti.TokenID != "" {
			tokens = append(tokens, ti)
		}
	}
	return tokens
}

func marketList(raw map[string]json.RawMessage, key string) []Market {
	v, ok := raw[key]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil
	}
	var markets []Market
	if err := json.Unmarshal(v, &markets); err != nil {
		return nil
	}
	return markets
}

// parseMarketList accepts every list shape the venue's endpoints produce:
// a bare array, or an object wrapping the array under data, markets or
// events.
func parseMarketList(body []byte) ([]Market, error) {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var markets []Market
		if err := json.Unmarshal(body, &markets); err != nil {
			return nil, err
		}
		return markets, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	for _, k := range []string{"data", "markets", "events"} {
		if v, ok := envelope[k]; ok {
			var markets []Market
			if err := json.Unmarshal(v, &markets); err != nil {
				continue
			}
			return markets, nil
		}
	}
	// A single market object is also accepted.
	var single Market
	if err := json.Unmarshal(body, &single); err == nil && (single.ID != "" || single.ConditionID != "") {
		return []Market{single}, nil
	}
	return nil, nil
}
