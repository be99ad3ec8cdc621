package detect

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/cache"
)

// OutcomeRef is the slice of an outcome the new-entity check needs.
type OutcomeRef struct {
	ID   string
	Name string
}

// SeedKnownMarkets loads the known-markets set from already stored ids so
// a fresh process does not re-announce the whole catalogue.
func (d *Detector) SeedKnownMarkets(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if d.c.SAdd(ctx, cache.KeyKnownMarkets, cache.TTLKnownSets, ids...) {
		log.Info().Int("markets", len(ids)).Msg("known-markets set seeded")
	}
}

// CheckNewMarket raises a new_market alert for ids absent from the known
// set and then remembers them. When membership cannot be determined the
// check stays silent; guessing would flood the queue after a cache
// outage.
func (d *Detector) CheckNewMarket(ctx context.Context, marketID, question, category string, tags []string, ts time.Time) {
	known, ok := d.c.SIsMember(ctx, cache.KeyKnownMarkets, marketID)
	if !ok || known {
		return
	}

	keyword := d.matchKeyword(question, category, strings.Join(tags, " "))
	severity := alert.SeverityMedium
	if keyword != "" {
		severity = alert.SeverityHigh
	}

	a := alert.New(alert.TypeNewMarket, severity, marketID,
		&alert.NewMarketData{Question: question, Category: category, MatchedKeyword: keyword}, ts)
	d.emit(ctx, a)

	d.c.SAdd(ctx, cache.KeyKnownMarkets, cache.TTLKnownSets, marketID)
}

// CheckNewOutcomes compares a market's current outcomes against its known
// set and alerts on additions.
func (d *Detector) CheckNewOutcomes(ctx context.Context, marketID, question string, outcomes []OutcomeRef, ts time.Time) {
	if len(outcomes) == 0 {
		return
	}
	key := cache.KeyKnownOutcomes(marketID)

	// An empty set means this market was never checked; seed silently so
	// the first sync does not announce every existing outcome.
	count, ok := d.c.SCard(ctx, key)
	if !ok {
		return
	}
	if count == 0 {
		ids := make([]string, 0, len(outcomes))
		for _, o := range outcomes {
			ids = append(ids, o.ID)
		}
		d.c.SAdd(ctx, key, cache.TTLKnownSets, ids...)
		return
	}

	for _, o := range outcomes {
		known, ok := d.c.SIsMember(ctx, key, o.ID)
		if !ok || known {
			continue
		}
		keyword := d.matchKeyword(o.Name, question)
		severity := alert.SeverityMedium
		if keyword != "" {
			severity = alert.SeverityHigh
		}
		a := alert.New(alert.TypeNewOutcome, severity, marketID,
			&alert.NewOutcomeData{OutcomeName: o.Name, MatchedKeyword: keyword}, ts)
		a.OutcomeID = o.ID
		a.OutcomeName = o.Name
		d.emit(ctx, a)

		d.c.SAdd(ctx, key, cache.TTLKnownSets, o.ID)
	}
}

// matchKeyword returns the first configured keyword found in any of the
// given texts, or "".
func (d *Detector) matchKeyword(texts ...string) string {
	joined := strings.ToLower(strings.Join(texts, " "))
	for _, kw := range d.cfg.NewMarketKeywords {
		if strings.Contains(joined, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
