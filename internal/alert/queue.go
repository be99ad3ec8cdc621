package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/cache"
)

// Queue is the Redis-backed alert pipeline: detectors push to the head of
// alerts:pending and mirror onto a per-market list for the read API. Both
// lists expire so a halted dispatcher cannot grow them forever.
type Queue struct {
	c   *cache.Cache
	ttl time.Duration
}

// NewQueue wires the queue onto the shared cache.
func NewQueue(c *cache.Cache, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = cache.TTLAlertLists
	}
	return &Queue{c: c, ttl: ttl}
}

// Push enqueues the alert for dispatch and mirrors it for per-market
// reads. With the cache down the alert is dropped; detection degrades to
// silence rather than blocking ingestion.
func (q *Queue) Push(ctx context.Context, a *Alert) bool {
	if !q.c.LPushJSON(ctx, cache.KeyAlertsPending, a, q.ttl) {
		return false
	}
	q.c.LPushJSON(ctx, cache.KeyMarketAlerts(a.MarketID), a, q.ttl)
	log.Debug().Str("type", string(a.Type)).Str("market", a.MarketID).
		Str("severity", string(a.Severity)).Msg("alert queued")
	return true
}

// PopHead removes the newest pending entry. The raw string comes back so
// the dispatcher can count malformed entries before parsing.
func (q *Queue) PopHead(ctx context.Context) (string, bool) {
	return q.c.LPopHead(ctx, cache.KeyAlertsPending)
}

// PopTail removes the oldest pending entry; queue hygiene works from this
// end.
func (q *Queue) PopTail(ctx context.Context) (string, bool) {
	return q.c.RPopTail(ctx, cache.KeyAlertsPending)
}

// PeekTail returns the oldest pending entry without removing it.
func (q *Queue) PeekTail(ctx context.Context) (string, bool) {
	return q.c.PeekTail(ctx, cache.KeyAlertsPending)
}

// Len reports the pending queue depth.
func (q *Queue) Len(ctx context.Context) int64 {
	n, _ := q.c.LLen(ctx, cache.KeyAlertsPending)
	return n
}

// Recent returns up to limit pending alerts, newest first, skipping
// entries that no longer parse.
func (q *Queue) Recent(ctx context.Context, limit int64) []*Alert {
	return decodeList(q.c, ctx, cache.KeyAlertsPending, limit)
}

// RecentForMarket returns up to limit alerts mirrored for one market.
func (q *Queue) RecentForMarket(ctx context.Context, marketID string, limit int64) []*Alert {
	return decodeList(q.c, ctx, cache.KeyMarketAlerts(marketID), limit)
}

func decodeList(c *cache.Cache, ctx context.Context, key string, limit int64) []*Alert {
	if limit <= 0 {
		limit = 50
	}
	raws, ok := c.LRange(ctx, key, 0, limit-1)
	if !ok {
		return nil
	}
	alerts := make([]*Alert, 0, len(raws))
	for _, raw := range raws {
		a, err := Decode(raw)
		if err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts
}
