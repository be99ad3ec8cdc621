package alert

import (
	"context"
	"math"
	"strconv"
	"time"

	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
)

// Throttle suppresses repeat alerts for a market during a cooldown. Two
// keys gate delivery: one per market and one per (market, type); either
// being present means throttled. With the cache down everything is
// allowed, which beats losing alerts.
type Throttle struct {
	c   *cache.Cache
	cfg config.AlertsConfig
	now func() time.Time
}

// NewThrottle builds a throttle over the shared cache.
func NewThrottle(c *cache.Cache, cfg config.AlertsConfig) *Throttle {
	return &Throttle{c: c, cfg: cfg, now: time.Now}
}

// Cooldown resolves the effective cooldown for an alert: a per-severity
// override wins, then the per-type table, then the default.
func (t *Throttle) Cooldown(a *Alert) time.Duration {
	if secs, ok := t.cfg.SeverityOverride[string(a.Severity)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := t.cfg.Cooldowns[string(a.Type)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(t.cfg.DefaultCooldown) * time.Second
}

// Allow reports whether the alert may be delivered now. Critical alerts
// bypass the throttle when configured (the default).
func (t *Throttle) Allow(ctx context.Context, a *Alert) bool {
	if a.Severity == SeverityCritical && t.cfg.CriticalBypass {
		return true
	}
	if _, ok := t.c.GetString(ctx, cache.KeyThrottleMarket(a.MarketID)); ok {
		return false
	}
	if _, ok := t.c.GetString(ctx, cache.KeyThrottleType(a.MarketID, string(a.Type))); ok {
		return false
	}
	return true
}

// RecordDelivery arms both throttle keys for the alert's cooldown. Called
// only after at least one channel accepted the alert.
func (t *Throttle) RecordDelivery(ctx context.Context, a *Alert) {
	cooldown := t.Cooldown(a)
	if cooldown <= 0 {
		return
	}
	stamp := strconv.FormatInt(t.now().Unix(), 10)
	t.c.SetString(ctx, cache.KeyThrottleMarket(a.MarketID), stamp, cooldown)
	t.c.SetString(ctx, cache.KeyThrottleType(a.MarketID, string(a.Type)), stamp, cooldown)
}

// TimeUntilNext returns the ceiling of the seconds remaining on the
// market's cooldown, 0 when the market is clear.
func (t *Throttle) TimeUntilNext(ctx context.Context, marketID string) int {
	ttl, ok := t.c.TTL(ctx, cache.KeyThrottleMarket(marketID))
	if !ok || ttl <= 0 {
		return 0
	}
	return int(math.Ceil(ttl.Seconds()))
}
