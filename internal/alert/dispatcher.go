package alert

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/venue"
)

// Channel is one notification sink. Send reports delivery success; a
// failing channel never affects the others.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, f *Formatted) bool
}

// MarketReader is the slice of the store the dispatcher enriches from.
// A nil reader degrades enrichment, not delivery.
type MarketReader interface {
	GetMarket(ctx context.Context, id string) (*store.Market, error)
	ListOutcomes(ctx context.Context, marketID string) ([]store.Outcome, error)
	SearchMarketsByQuestion(ctx context.Context, pattern string, limit int) ([]store.Market, error)
}

// EventSource resolves canonical parent-event slugs from the venue.
type EventSource interface {
	FetchMarket(ctx context.Context, idOrSlug string) (*venue.Market, error)
	FetchEvent(ctx context.Context, idOrSlug string) (*venue.Market, error)
}

// Dispatcher state values.
const (
	dispatcherStopped int32 = iota
	dispatcherIdle
	dispatcherProcessing
)

const slugLookupTimeout = 3 * time.Second

// Dispatcher is the sole consumer of the pending queue. One goroutine
// serializes the process tick (2s), the cleanup tick (5m) and stop, so an
// in-flight alert always finishes before Run returns.
type Dispatcher struct {
	cfg      config.AlertsConfig
	queue    *Queue
	throttle *Throttle
	cache    *cache.Cache
	db       MarketReader
	events   EventSource
	channels []Channel
	met      *metrics.Registry

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewDispatcher wires the dispatcher. db and events may be nil; channels
// may be empty (alerts are then consumed and recorded, delivered nowhere).
func NewDispatcher(cfg config.AlertsConfig, q *Queue, th *Throttle, c *cache.Cache,
	db MarketReader, events EventSource, channels []Channel, met *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		throttle: th,
		cache:    c,
		db:       db,
		events:   events,
		channels: channels,
		met:      met,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// State reports stopped, idle or processing for the health endpoint.
func (d *Dispatcher) State() string {
	switch d.state.Load() {
	case dispatcherIdle:
		return "idle"
	case dispatcherProcessing:
		return "processing"
	default:
		return "stopped"
	}
}

// Stop asks Run to finish the current alert and return. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run scans the queue tail for stale startup leftovers, then alternates
// process and cleanup ticks until stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.state.Store(dispatcherIdle)
	defer d.state.Store(dispatcherStopped)

	d.startupScan(ctx)

	process := time.NewTicker(d.cfg.ProcessTick())
	cleanup := time.NewTicker(d.cfg.CleanupTick())
	defer process.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopCh:
			return nil
		case <-process.C:
			d.state.Store(dispatcherProcessing)
			d.processOne(ctx)
			d.state.Store(dispatcherIdle)
		case <-cleanup.C:
			d.state.Store(dispatcherProcessing)
			d.cleanupTail(ctx, d.cfg.CleanupAlertAge(), d.cfg.CleanupScanLimit)
			d.state.Store(dispatcherIdle)
		}
	}
}

// startupScan drops malformed and overaged entries left at the tail by a
// previous run. Nothing younger than the max age is evicted.
func (d *Dispatcher) startupScan(ctx context.Context) {
	evicted := d.cleanupTail(ctx, d.cfg.MaxAlertAge(), d.cfg.StartupScanLimit)
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("dispatcher startup scan cleared stale alerts")
	}
}

// cleanupTail pops from the oldest end while entries are malformed or
// older than maxAge, up to limit inspections.
func (d *Dispatcher) cleanupTail(ctx context.Context, maxAge time.Duration, limit int) int {
	evicted := 0
	for i := 0; i < limit; i++ {
		raw, ok := d.queue.PeekTail(ctx)
		if !ok {
			break
		}
		a, err := Decode(raw)
		if err != nil {
			d.queue.PopTail(ctx)
			d.met.AlertsMalformed.Inc()
			evicted++
			continue
		}
		if a.Age(d.now()) <= maxAge {
			break
		}
		d.queue.PopTail(ctx)
		d.met.AlertsExpired.Inc()
		evicted++
	}
	return evicted
}

// processOne pops the newest pending alert and walks it through age
// filter, throttle, enrichment, formatting and fan-out.
func (d *Dispatcher) processOne(ctx context.Context) {
	raw, ok := d.queue.PopHead(ctx)
	if !ok {
		return
	}

	a, err := Decode(raw)
	if err != nil {
		d.met.AlertsMalformed.Inc()
		log.Warn().Err(err).Msg("malformed alert discarded")
		return
	}

	age := a.Age(d.now())
	if age > d.cfg.MaxAlertAge() {
		d.met.AlertsExpired.Inc()
		log.Debug().Str("type", string(a.Type)).Dur("age", age).Msg("alert past max age, skipped")
		return
	}

	if !d.throttle.Allow(ctx, a) {
		d.met.AlertsThrottled.WithLabelValues(string(a.Type)).Inc()
		log.Debug().Str("type", string(a.Type)).Str("market", a.MarketID).
			Int("retry_in", d.throttle.TimeUntilNext(ctx, a.MarketID)).
			Msg("alert throttled")
		return
	}

	f := d.enrich(ctx, a)
	delivered := d.fanOut(ctx, f)
	if delivered == 0 {
		log.Warn().Str("type", string(a.Type)).Str("market", a.MarketID).
			Msg("alert delivered to no channel")
		return
	}

	d.throttle.RecordDelivery(ctx, a)
	d.met.DispatchLatency.Observe(age.Seconds())
	log.Info().Str("type", string(a.Type)).Str("market", a.MarketID).
		Str("severity", string(a.Severity)).Int("channels", delivered).
		Msg("alert dispatched")
}

// fanOut sends to every enabled channel with bounded parallelism. Every
// channel gets its chance regardless of the others' outcomes.
func (d *Dispatcher) fanOut(ctx context.Context, f *Formatted) int {
	var delivered atomic.Int64

	p := pool.New().WithMaxGoroutines(4)
	for _, ch := range d.channels {
		if !ch.Enabled() {
			continue
		}
		ch := ch
		p.Go(func() {
			if ch.Send(ctx, f) {
				delivered.Add(1)
				d.met.AlertsDelivered.WithLabelValues(ch.Name()).Inc()
			}
		})
	}
	p.Wait()
	return int(delivered.Load())
}

// enrich fills question, category and slugs from the store and the venue.
// Every lookup is optional; the alert goes out with whatever resolved.
func (d *Dispatcher) enrich(ctx context.Context, a *Alert) *Formatted {
	var question, category, slug string

	if d.db != nil {
		if m, err := d.db.GetMarket(ctx, a.MarketID); err == nil && m != nil {
			question = m.Question
			category = m.Category
			slug = m.Slug
		}
		if a.OutcomeName == "" && a.OutcomeID != "" {
			if outcomes, err := d.db.ListOutcomes(ctx, a.MarketID); err == nil {
				for _, o := range outcomes {
					if o.ID == a.OutcomeID {
						a.OutcomeName = o.Name
						break
					}
				}
			}
		}
	}

	eventSlug := d.resolveEventSlug(ctx, a.MarketID, question, slug)
	return Format(a, question, category, slug, eventSlug)
}

// resolveEventSlug finds the parent event's slug: per-market cache first,
// then the venue under a short timeout, then database heuristics.
func (d *Dispatcher) resolveEventSlug(ctx context.Context, marketID, question, marketSlug string) string {
	key := cache.KeyEventSlug(marketID)
	if s, ok := d.cache.GetString(ctx, key); ok {
		return s
	}

	if slug := d.slugFromVenue(ctx, marketID, marketSlug); slug != "" {
		d.cache.SetString(ctx, key, slug, cache.TTLEventSlug)
		return slug
	}
	if slug := d.slugFromDB(ctx, question); slug != "" {
		d.cache.SetString(ctx, key, slug, cache.TTLEventSlug)
		return slug
	}
	return ""
}

func (d *Dispatcher) slugFromVenue(ctx context.Context, marketID, marketSlug string) string {
	if d.events == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, slugLookupTimeout)
	defer cancel()

	slug := marketSlug
	if slug == "" {
		m, err := d.events.FetchMarket(lookupCtx, marketID)
		if err != nil || m == nil {
			return ""
		}
		slug = m.Slug
	}
	if slug == "" {
		return ""
	}
	ev, err := d.events.FetchEvent(lookupCtx, slug)
	if err != nil || ev == nil || ev.Slug == "" {
		return slug
	}
	return ev.Slug
}

// slugFromDB guesses a sibling market by the first words of the question
// and borrows its slug. Cheap and occasionally wrong, hence last.
func (d *Dispatcher) slugFromDB(ctx context.Context, question string) string {
	if d.db == nil || question == "" {
		return ""
	}
	words := strings.Fields(question)
	if len(words) > 5 {
		words = words[:5]
	}
	pattern := strings.Join(words, " ") + "%"
	markets, err := d.db.SearchMarketsByQuestion(ctx, pattern, 3)
	if err != nil {
		return ""
	}
	for _, m := range markets {
		if m.Slug != "" {
			return m.Slug
		}
	}
	return ""
}
