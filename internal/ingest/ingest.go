// Package ingest is the realtime pipeline: stream events are hashed onto
// a bounded worker pool (per-asset order preserved), turned into cache
// writes, throttled price-history rows, broadcasts and detector runs.
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/detect"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/venue"
)

// Storage is the store surface ingestion needs.
type Storage interface {
	GetOutcomeByToken(ctx context.Context, tokenID string) (*store.Outcome, error)
	GetOutcomeByMarketToken(ctx context.Context, marketID, tokenID string) (*store.Outcome, error)
	ListOutcomes(ctx context.Context, marketID string) ([]store.Outcome, error)
	InsertPricePoint(ctx context.Context, p *store.PricePoint) error
}

// MarketSource lets ingestion request a sync for a market it has never
// seen, without depending on the sync engine itself.
type MarketSource interface {
	EnsureMarket(ctx context.Context, id string) error
}

// StreamControl is the subscription surface of the stream client.
type StreamControl interface {
	Subscribe(assetIDs []string)
	SubscriptionCount() int
}

// Broadcaster fans normalized price updates out to connected clients.
type Broadcaster interface {
	BroadcastPrice(u PriceUpdate)
}

// PriceUpdate is the normalized quote pushed to downstream consumers.
type PriceUpdate struct {
	MarketID           string    `json:"marketId"`
	OutcomeID          string    `json:"outcomeId"`
	TokenID            string    `json:"tokenId"`
	Bid                float64   `json:"bid"`
	Ask                float64   `json:"ask"`
	Mid                float64   `json:"mid"`
	ImpliedProbability float64   `json:"impliedProbability"`
	Timestamp          time.Time `json:"timestamp"`
}

// priceSnap is the cached last-quote shape shared by the read API.
type priceSnap struct {
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	Mid     float64   `json:"mid"`
	Implied float64   `json:"impliedProbability"`
	TS      time.Time `json:"timestamp"`
}

type persistState struct {
	mid float64
	ts  time.Time
}

// Ingestor owns the worker pool and all per-outcome pipeline state.
type Ingestor struct {
	cfg     config.IngestConfig
	db      Storage
	c       *cache.Cache
	rolling *cache.Rolling
	det     *detect.Detector
	markets MarketSource
	stream  StreamControl
	bcast   Broadcaster
	met     *metrics.Registry

	queues []chan venue.Event

	// Outcome resolution cache: token id to outcome row.
	tokens sync.Map

	persistMu     sync.Mutex
	lastPersisted map[string]persistState

	activeMu      sync.Mutex
	activeMarkets map[string]time.Time

	// Rate limit for per-event failure logs: one line per window
	// instead of one per event.
	dropLog *rate.Limiter
}

// New builds the ingestor. db, stream, markets and bcast may be nil;
// the corresponding steps become no-ops.
func New(cfg config.IngestConfig, db Storage, c *cache.Cache, rolling *cache.Rolling,
	det *detect.Detector, markets MarketSource, stream StreamControl, bcast Broadcaster,
	met *metrics.Registry) *Ingestor {

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan venue.Event, workers)
	for i := range queues {
		queues[i] = make(chan venue.Event, cfg.QueueSize)
	}
	return &Ingestor{
		cfg:           cfg,
		db:            db,
		c:             c,
		rolling:       rolling,
		det:           det,
		markets:       markets,
		stream:        stream,
		bcast:         bcast,
		met:           met,
		queues:        queues,
		lastPersisted: make(map[string]persistState),
		activeMarkets: make(map[string]time.Time),
		dropLog:       rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// SetMarketSource installs the on-demand market fetcher after
// construction. The sync engine consumes the ingestor's subscription
// surface while the ingestor needs the engine's EnsureMarket, so one
// side binds late.
func (in *Ingestor) SetMarketSource(src MarketSource) {
	in.markets = src
}

// Run spins up the worker pool and blocks until the context ends.
func (in *Ingestor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range in.queues {
		wg.Add(1)
		go func(q chan venue.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-q:
					in.process(ctx, evt)
				}
			}
		}(q)
	}
	wg.Wait()
	return nil
}

// HandleEvent is the stream's wildcard handler. Events hash onto a fixed
// worker by asset id so per-asset order survives the pool; a full queue
// drops the event rather than stalling the socket reader.
func (in *Ingestor) HandleEvent(evt venue.Event) {
	h := fnv.New32a()
	h.Write([]byte(evt.Asset()))
	q := in.queues[h.Sum32()%uint32(len(in.queues))]

	select {
	case q <- evt:
	default:
		in.met.EventsDropped.WithLabelValues("queue_full").Inc()
	}
}

// SeedPrice feeds a synthetic first-price event from the sync engine
// through the normal price path.
func (in *Ingestor) SeedPrice(evt venue.PriceEvent) {
	in.HandleEvent(evt)
}

// SubscribeMarkets resolves each tracked market's outcome tokens and
// subscribes them on the stream.
func (in *Ingestor) SubscribeMarkets(ctx context.Context, marketIDs []string) {
	if in.stream == nil {
		return
	}
	if in.db == nil {
		return
	}
	var tokens []string
	for _, id := range marketIDs {
		outcomes, err := in.db.ListOutcomes(ctx, id)
		if err != nil {
			continue
		}
		for _, o := range outcomes {
			if o.TokenID != "" {
				tokens = append(tokens, o.TokenID)
			}
		}
	}
	if len(tokens) == 0 {
		return
	}
	in.stream.Subscribe(tokens)
	in.met.Subscriptions.Set(float64(in.stream.SubscriptionCount()))
	log.Info().Int("markets", len(marketIDs)).Int("tokens", len(tokens)).Msg("markets subscribed")
}

// ActiveMarkets reports how many markets have produced prices.
func (in *Ingestor) ActiveMarkets() int {
	in.activeMu.Lock()
	defer in.activeMu.Unlock()
	return len(in.activeMarkets)
}

func (in *Ingestor) process(ctx context.Context, evt venue.Event) {
	switch e := evt.(type) {
	case venue.PriceEvent:
		if e.Kind == "book" {
			in.met.EventsIngested.WithLabelValues("book").Inc()
			in.handleBook(ctx, e)
			return
		}
		in.met.EventsIngested.WithLabelValues("price").Inc()
		in.handlePrice(ctx, e)
	case venue.TradeEvent:
		in.met.EventsIngested.WithLabelValues("trade").Inc()
		in.handleTrade(ctx, e)
	}
}

func (in *Ingestor) handlePrice(ctx context.Context, e venue.PriceEvent) {
	if e.Bid < 0 || e.Bid > 1 || e.Ask < 0 || e.Ask > 1 || e.Bid > e.Ask {
		in.met.EventsDropped.WithLabelValues("invalid_price").Inc()
		if in.dropLog.Allow() {
			log.Debug().Str("asset", e.AssetID).Float64("bid", e.Bid).Float64("ask", e.Ask).
				Msg("price events with out-of-range or crossed quotes dropped")
		}
		return
	}

	mid := e.Mid()
	implied := mid * 100

	o := in.resolveOutcome(ctx, e.Market, e.AssetID)
	if o == nil {
		in.met.EventsDropped.WithLabelValues("unknown_outcome").Inc()
		if in.dropLog.Allow() {
			log.Debug().Str("asset", e.AssetID).Str("market", e.Market).
				Msg("events for unknown outcomes dropped")
		}
		return
	}

	snap := priceSnap{Bid: e.Bid, Ask: e.Ask, Mid: mid, Implied: implied, TS: e.TS}
	in.c.SetJSON(ctx, cache.KeyMarketPrice(o.MarketID, o.TokenID), snap, cache.TTLPrices)
	in.c.SetJSON(ctx, cache.KeyTokenPrice(o.TokenID), snap, cache.TTLPrices)
	in.c.HSetJSON(ctx, cache.KeyMarketPrices(o.MarketID), o.TokenID, snap, cache.TTLPrices)

	in.maybePersist(ctx, o, e, mid, implied)
	in.trackActive(o.MarketID)
	in.c.Delete(ctx, cache.KeyReadMarket(o.MarketID), cache.KeyReadMarketList)

	if in.bcast != nil {
		in.bcast.BroadcastPrice(PriceUpdate{
			MarketID:           o.MarketID,
			OutcomeID:          o.ID,
			TokenID:            o.TokenID,
			Bid:                e.Bid,
			Ask:                e.Ask,
			Mid:                mid,
			ImpliedProbability: implied,
			Timestamp:          e.TS,
		})
	}

	in.det.OnPrice(ctx, o.MarketID, o.ID, o.TokenID, mid, e.TS)
}

// maybePersist writes a price_history row only when the mid moved more
// than the configured fraction or the last row is older than the maximum
// interval. First observations always persist.
func (in *Ingestor) maybePersist(ctx context.Context, o *store.Outcome, e venue.PriceEvent, mid, implied float64) {
	in.persistMu.Lock()
	last, seen := in.lastPersisted[o.ID]
	write := !seen ||
		e.TS.Sub(last.ts) > in.cfg.PersistInterval() ||
		(last.mid != 0 && absVal(mid-last.mid)/last.mid*100 > in.cfg.PersistMinPct)
	if write {
		in.lastPersisted[o.ID] = persistState{mid: mid, ts: e.TS}
	}
	in.persistMu.Unlock()

	if !write || in.db == nil {
		return
	}
	err := in.db.InsertPricePoint(ctx, &store.PricePoint{
		MarketID:           o.MarketID,
		OutcomeID:          o.ID,
		Timestamp:          e.TS,
		Bid:                e.Bid,
		Ask:                e.Ask,
		Mid:                mid,
		ImpliedProbability: implied,
	})
	if err != nil {
		// Log and drop; the next qualifying event tries again.
		log.Warn().Err(err).Str("outcome", o.ID).Msg("price point not persisted")
		return
	}
	in.met.PricesWritten.Inc()
}

func (in *Ingestor) handleTrade(ctx context.Context, e venue.TradeEvent) {
	o := in.resolveOutcome(ctx, e.Market, e.AssetID)
	if o == nil {
		in.met.EventsDropped.WithLabelValues("unknown_outcome").Inc()
		return
	}

	in.rolling.Add(ctx, cache.KeyTrades(o.TokenID), e.TS, detect.TradePoint{
		Size:     e.Size,
		SizeUSDC: e.SizeUSDC(),
		Price:    e.Price,
		Side:     e.Side,
	}, in.cfg.TradeWindow(), in.cfg.TradeMaxItems)

	in.det.OnTrade(ctx, o.MarketID, o.ID, o.TokenID, e.Price, e.SizeUSDC(), e.Side, e.TS)
}

func (in *Ingestor) handleBook(ctx context.Context, e venue.PriceEvent) {
	o := in.resolveOutcome(ctx, e.Market, e.AssetID)
	if o == nil {
		in.met.EventsDropped.WithLabelValues("unknown_outcome").Inc()
		return
	}

	depth := e.BidDepth + e.AskDepth
	in.rolling.Add(ctx, cache.KeyOrderbook(o.TokenID), e.TS, detect.BookPoint{
		Spread: e.Spread(),
		Depth:  depth,
		Bid:    e.Bid,
		Ask:    e.Ask,
	}, in.cfg.BookWindow(), in.cfg.BookMaxItems)

	in.det.OnBook(ctx, o.MarketID, o.ID, o.TokenID, e.Spread(), depth, e.TS)
}

// resolveOutcome maps a stream asset id to its outcome row: memoized
// lookup by token, then by (market, token), then one EnsureMarket round
// trip before giving up.
func (in *Ingestor) resolveOutcome(ctx context.Context, marketID, tokenID string) *store.Outcome {
	if cached, ok := in.tokens.Load(tokenID); ok {
		return cached.(*store.Outcome)
	}

	o := in.lookupOutcome(ctx, marketID, tokenID)
	if o == nil && in.markets != nil && marketID != "" {
		if err := in.markets.EnsureMarket(ctx, marketID); err == nil {
			o = in.lookupOutcome(ctx, marketID, tokenID)
		}
	}
	if o != nil {
		in.tokens.Store(tokenID, o)
	}
	return o
}

func (in *Ingestor) lookupOutcome(ctx context.Context, marketID, tokenID string) *store.Outcome {
	if in.db == nil {
		return nil
	}
	if o, err := in.db.GetOutcomeByToken(ctx, tokenID); err == nil && o != nil {
		return o
	}
	if marketID != "" {
		if o, err := in.db.GetOutcomeByMarketToken(ctx, marketID, tokenID); err == nil && o != nil {
			return o
		}
	}
	return nil
}

func (in *Ingestor) trackActive(marketID string) {
	in.activeMu.Lock()
	in.activeMarkets[marketID] = time.Now()
	in.activeMu.Unlock()
}

func absVal(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
