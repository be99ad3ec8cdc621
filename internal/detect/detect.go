// Package detect holds the anomaly detectors. Each one is a pure read
// over the scalar cache and the rolling series: it either emits an alert
// into the sink or stays silent, and cache unavailability always means
// silence, never an error.
package detect

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/stats"
)

// Sink receives emitted alerts; the alert queue implements it.
type Sink interface {
	Push(ctx context.Context, a *alert.Alert) bool
}

// Detector evaluates every rule over the shared cache state.
type Detector struct {
	c       *cache.Cache
	rolling *cache.Rolling
	cfg     config.DetectConfig
	sink    Sink
	met     *metrics.Registry
	now     func() time.Time
}

// New builds the detector set.
func New(c *cache.Cache, rolling *cache.Rolling, cfg config.DetectConfig, sink Sink, met *metrics.Registry) *Detector {
	return &Detector{c: c, rolling: rolling, cfg: cfg, sink: sink, met: met, now: time.Now}
}

func (d *Detector) emit(ctx context.Context, a *alert.Alert) {
	if d.sink.Push(ctx, a) {
		d.met.AlertsEmitted.WithLabelValues(string(a.Type)).Inc()
	}
}

// lastPrice is the scalar behind the velocity detector.
type lastPrice struct {
	Price float64 `json:"price"`
	TS    int64   `json:"ts"` // epoch millis
}

// depthSnap is the scalar behind the depth-drop rule.
type depthSnap struct {
	Depth float64 `json:"depth"`
	TS    int64   `json:"ts"`
}

// TradePoint is the rolling-series payload for trades:<token>.
type TradePoint struct {
	Size     float64 `json:"size"`
	SizeUSDC float64 `json:"sizeUSDC"`
	Price    float64 `json:"price"`
	Side     string  `json:"side,omitempty"`
}

// BookPoint is the rolling-series payload for orderbook:<token>.
type BookPoint struct {
	Spread float64 `json:"spread"`
	Depth  float64 `json:"depth"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// OnPrice runs the price-velocity rule and escalates to insider-move when
// a volume burst accompanies the jump. The last-price scalar is refreshed
// on every call so the rule always compares against a recent baseline.
func (d *Detector) OnPrice(ctx context.Context, marketID, outcomeID, tokenID string, mid float64, ts time.Time) {
	key := cache.KeyLastPrice(marketID, outcomeID)
	defer d.c.SetJSON(ctx, key, lastPrice{Price: mid, TS: ts.UnixMilli()}, cache.TTLLastPrice)

	var prev lastPrice
	if !d.c.GetJSON(ctx, key, &prev) {
		return
	}
	elapsed := time.Duration(ts.UnixMilli()-prev.TS) * time.Millisecond
	if elapsed > time.Duration(d.cfg.VelocityWindow)*time.Second {
		return
	}
	if prev.Price < 0 || prev.Price > 1 || mid < 0 || mid > 1 {
		return
	}

	absChange := math.Abs(mid - prev.Price)
	if absChange <= d.cfg.VelocityThreshold {
		return
	}

	vd := alert.VelocityData{
		LastPrice:        prev.Price,
		CurrentPrice:     mid,
		AbsoluteChange:   absChange,
		PercentageChange: stats.PctChange(prev.Price, mid),
		ElapsedSeconds:   elapsed.Seconds(),
	}

	if vol, ok := d.volumeBurst(ctx, tokenID); ok {
		a := alert.New(alert.TypeInsiderMove, alert.SeverityCritical, marketID,
			&alert.InsiderData{Velocity: vd, Volume: vol}, ts)
		a.OutcomeID = outcomeID
		a.TokenID = tokenID
		d.emit(ctx, a)
		return
	}

	a := alert.New(alert.TypePriceVelocity, alert.SeverityHigh, marketID, &vd, ts)
	a.OutcomeID = outcomeID
	a.TokenID = tokenID
	d.emit(ctx, a)
}

// OnTrade runs the whale, fat-finger and volume-acceleration rules. The
// caller has already appended the trade to the rolling series.
func (d *Detector) OnTrade(ctx context.Context, marketID, outcomeID, tokenID string, price, sizeUSDC float64, side string, ts time.Time) {
	if sizeUSDC >= d.cfg.WhaleTradeUSDC {
		a := alert.New(alert.TypeWhaleTrade, alert.SeverityMedium, marketID,
			&alert.WhaleData{TradeSize: sizeUSDC, Price: price, Side: side}, ts)
		a.OutcomeID = outcomeID
		a.TokenID = tokenID
		d.emit(ctx, a)
	}

	d.checkFatFinger(ctx, marketID, outcomeID, tokenID, price, ts)

	if vol, ok := d.volumeBurst(ctx, tokenID); ok {
		a := alert.New(alert.TypeVolumeAcceleration, alert.SeverityMedium, marketID, &vol, ts)
		a.OutcomeID = outcomeID
		a.TokenID = tokenID
		d.emit(ctx, a)
	}
}

// OnBook runs the liquidity-vacuum rule. The depth scalar is refreshed on
// every call regardless of outcome.
func (d *Detector) OnBook(ctx context.Context, marketID, outcomeID, tokenID string, spread, depth float64, ts time.Time) {
	key := cache.KeyDepth(marketID, outcomeID)
	defer d.c.SetJSON(ctx, key, depthSnap{Depth: depth, TS: ts.UnixMilli()}, cache.TTLDepth)

	if spread > d.cfg.SpreadThreshold {
		a := alert.New(alert.TypeLiquidityVacuum, alert.SeverityHigh, marketID,
			&alert.VacuumData{Spread: spread, CurrentDepth: depth}, ts)
		a.OutcomeID = outcomeID
		a.TokenID = tokenID
		d.emit(ctx, a)
		return
	}

	var prev depthSnap
	if !d.c.GetJSON(ctx, key, &prev) || prev.Depth <= 0 {
		return
	}
	if ts.UnixMilli()-prev.TS > int64(d.cfg.DepthWindow)*1000 {
		return
	}
	drop := (prev.Depth - depth) / prev.Depth
	if drop <= d.cfg.DepthDropPct {
		return
	}
	a := alert.New(alert.TypeLiquidityVacuum, alert.SeverityHigh, marketID,
		&alert.VacuumData{Spread: spread, CurrentDepth: depth, LastDepth: prev.Depth, DepthDropPct: drop}, ts)
	a.OutcomeID = outcomeID
	a.TokenID = tokenID
	d.emit(ctx, a)
}

// checkFatFinger keeps the last three trade prices and fires when a large
// jump is partially reverted by the very next trade. The window resets
// after an alert so one incident reports once.
func (d *Detector) checkFatFinger(ctx context.Context, marketID, outcomeID, tokenID string, price float64, ts time.Time) {
	key := cache.KeyFatFinger(marketID, outcomeID)

	var window []float64
	d.c.GetJSON(ctx, key, &window)
	window = append(window, price)
	if len(window) > 3 {
		window = window[len(window)-3:]
	}

	if len(window) == 3 {
		initial := stats.PctChange(window[0], window[1])
		if math.Abs(initial) > d.cfg.FatFingerMovePct {
			reversion := stats.PctChange(window[1], window[2])
			if math.Abs(reversion) > d.cfg.FatFingerRevertPct && math.Abs(reversion) < math.Abs(initial) {
				a := alert.New(alert.TypeFatFinger, alert.SeverityMedium, marketID,
					&alert.FatFingerData{
						Prices:           [3]float64{window[0], window[1], window[2]},
						PercentageChange: initial,
						ReversionChange:  reversion,
					}, ts)
				a.OutcomeID = outcomeID
				a.TokenID = tokenID
				d.emit(ctx, a)
				window = []float64{price}
			}
		}
	}

	d.c.SetJSON(ctx, key, window, cache.TTLFatFinger)
}

// volumeBurst computes the z-score of the current minute's USDC volume
// against the preceding minute buckets of the trade series.
func (d *Detector) volumeBurst(ctx context.Context, tokenID string) (alert.VolumeData, bool) {
	now := d.now()
	from := now.Add(-time.Duration(d.cfg.VolumeLookbackMin) * time.Minute)

	entries, ok := d.rolling.RangeByTime(ctx, cache.KeyTrades(tokenID), from, now)
	if !ok || len(entries) < d.cfg.VolumeMinTrades {
		return alert.VolumeData{}, false
	}

	currentBucket := now.UnixMilli() / 60_000 * 60_000
	sums := make(map[int64]float64)
	for _, e := range entries {
		var tp TradePoint
		if err := e.Decode(&tp); err != nil {
			continue
		}
		bucket := e.Timestamp.UnixMilli() / 60_000 * 60_000
		sums[bucket] += tp.SizeUSDC
	}

	current := sums[currentBucket]
	if current < d.cfg.VolumeMinUSDC {
		return alert.VolumeData{}, false
	}

	// The in-progress bucket never belongs to the reference distribution.
	historical := make([]float64, 0, len(sums))
	for bucket, sum := range sums {
		if bucket != currentBucket {
			historical = append(historical, sum)
		}
	}
	if len(historical) < d.cfg.VolumeMinBuckets {
		return alert.VolumeData{}, false
	}

	mean := stats.Mean(historical)
	sd := stats.StdDev(historical)
	z, ok := stats.ZScore(current, mean, sd)
	if !ok {
		return alert.VolumeData{}, false
	}
	if z > d.cfg.VolumeZScoreCap {
		// A 50-sigma volume spike is a telemetry bug, not a trade.
		log.Debug().Str("token", tokenID).Float64("z", z).Msg("volume z-score rejected as unphysical")
		return alert.VolumeData{}, false
	}
	if z <= d.cfg.VolumeZScore {
		return alert.VolumeData{}, false
	}
	return alert.VolumeData{CurrentVolume: current, AverageVolume: mean, StdDev: sd, ZScore: z}, true
}
