// Package market is the sync engine: it discovers venue markets page by
// page, suppresses children of stored parent events, classifies and
// change-detects each market, reconciles markets and outcomes into the
// store, and hands the tracked set downstream for subscription.
package market

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/detect"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/stats"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/venue"
)

// A database below this many markets is treated as a fresh deployment and
// synced without change detection.
const freshDeployThreshold = 10

// Consecutive empty or failed pages before a paging pass surrenders.
const maxEmptyPages = 3

// Catalogue is the venue REST surface the engine consumes.
type Catalogue interface {
	FetchMarkets(ctx context.Context, q venue.FetchQuery) ([]venue.Market, error)
	FetchMarket(ctx context.Context, idOrSlug string) (*venue.Market, error)
	FetchQuestionID(ctx context.Context, conditionID string) (string, error)
	FetchMarketTokens(ctx context.Context, id string) ([]venue.TokenInfo, error)
}

// Storage is the slice of the persistent store the engine writes.
type Storage interface {
	CountMarkets(ctx context.Context) (int, error)
	GetMarket(ctx context.Context, id string) (*store.Market, error)
	HasMarket(ctx context.Context, id string) (bool, error)
	UpsertMarket(ctx context.Context, m *store.Market) error
	UpsertOutcome(ctx context.Context, o *store.Outcome) error
	PrunePriceHistory(ctx context.Context, retainDays int) (int64, error)
}

// Seeder receives the synthetic first-price events minted for every synced
// outcome; the ingestion pipeline implements it.
type Seeder interface {
	SeedPrice(evt venue.PriceEvent)
}

// Subscriber receives the market ids the engine decided to track.
type Subscriber interface {
	SubscribeMarkets(ctx context.Context, marketIDs []string)
}

// Engine runs the periodic sync and the slower high-volume discovery.
type Engine struct {
	cfg config.SyncConfig
	cat Catalogue
	db  Storage
	det *detect.Detector
	sed Seeder
	sub Subscriber
	met *metrics.Registry

	inProgress atomic.Bool
	cycles     atomic.Int64
	now        func() time.Time
}

// New builds the engine. Seeder and Subscriber may be nil in one-shot
// CLI use.
func New(cfg config.SyncConfig, cat Catalogue, db Storage, det *detect.Detector, sed Seeder, sub Subscriber, met *metrics.Registry) *Engine {
	return &Engine{cfg: cfg, cat: cat, db: db, det: det, sed: sed, sub: sub, met: met, now: time.Now}
}

// Run executes one sync immediately, then on every tick. A tick firing
// while the previous cycle is still active is skipped, not queued.
func (e *Engine) Run(ctx context.Context) error {
	e.tick(ctx)

	ticker := time.NewTicker(e.cfg.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.inProgress.CompareAndSwap(false, true) {
		log.Warn().Msg("sync tick skipped, previous cycle still running")
		return
	}
	defer e.inProgress.Store(false)

	start := e.now()
	written, err := e.SyncCycle(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sync cycle failed")
		return
	}
	e.met.SyncCycles.Inc()
	e.met.SyncDuration.Observe(e.now().Sub(start).Seconds())
	log.Info().Int("written", written).Dur("took", e.now().Sub(start)).Msg("sync cycle complete")

	if n := e.cycles.Add(1); e.cfg.PruneEveryCycles > 0 && n%int64(e.cfg.PruneEveryCycles) == 0 {
		e.Prune(ctx)
	}
}

// Prune applies the price-history retention window.
func (e *Engine) Prune(ctx context.Context) {
	removed, err := e.db.PrunePriceHistory(ctx, e.cfg.RetainDays)
	if err != nil {
		log.Error().Err(err).Msg("price history pruning failed")
		return
	}
	e.met.PriceRowsPruned.Add(float64(removed))
	log.Info().Int64("rows", removed).Int("retain_days", e.cfg.RetainDays).Msg("price history pruned")
}

// collected is one market that survived dedup this cycle; the post-pass
// new-market detection and the subscription hand-off read from it.
type collected struct {
	id       string
	question string
	category string
	tags     []string
}

// SyncCycle pages through the active catalogue and reconciles it into the
// store. Paging stops at the configured page cap, a full tracked set, or
// three consecutive empty pages. Individual market failures are logged
// and skipped; the cycle only fails when paging itself is impossible.
// Returns the number of markets written.
func (e *Engine) SyncCycle(ctx context.Context) (int, error) {
	count, err := e.db.CountMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	force := count < freshDeployThreshold
	if force {
		log.Info().Int("stored", count).Msg("fresh deployment detected, forcing full sync")
	}

	active, closed := true, false
	seen := make(map[string]struct{})
	var set []collected
	written := 0
	emptyStreak := 0
	pages := 0

	for offset := 0; pages < e.cfg.MaxPages && len(set) < e.cfg.MaxTracked && emptyStreak < maxEmptyPages; offset += e.cfg.PageSize {
		pages++
		page, err := e.cat.FetchMarkets(ctx, venue.FetchQuery{
			Limit:  e.cfg.PageSize,
			Offset: offset,
			Active: &active,
			Closed: &closed,
		})
		if err != nil || len(page) == 0 {
			emptyStreak++
			continue
		}
		emptyStreak = 0

		for i := range page {
			if len(set) >= e.cfg.MaxTracked {
				break
			}
			col, wrote, err := e.syncOne(ctx, &page[i], seen, force)
			if err != nil {
				log.Warn().Err(err).Str("market", page[i].CanonicalID()).Msg("market skipped")
				continue
			}
			if col == nil {
				continue
			}
			set = append(set, *col)
			if wrote {
				written++
			}
		}
	}

	for _, c := range set {
		e.det.CheckNewMarket(ctx, c.id, c.question, c.category, c.tags, e.now())
	}

	e.subscribeSet(ctx, set)
	e.met.SyncMarkets.Add(float64(written))
	return written, nil
}

func (e *Engine) subscribeSet(ctx context.Context, set []collected) {
	if e.sub == nil || len(set) == 0 {
		return
	}
	ids := make([]string, 0, len(set))
	for _, c := range set {
		ids = append(ids, c.id)
		if len(ids) == e.cfg.MaxTracked {
			break
		}
	}
	e.sub.SubscribeMarkets(ctx, ids)
}

// syncOne reconciles one venue market. The returned collected entry is
// nil when the market was deduplicated or suppressed as a child; wrote
// reports whether any row changed.
func (e *Engine) syncOne(ctx context.Context, vm *venue.Market, seen map[string]struct{}, force bool) (*collected, bool, error) {
	id := vm.CanonicalID()
	if id == "" {
		return nil, false, nil
	}
	if _, dup := seen[id]; dup {
		return nil, false, nil
	}
	seen[id] = struct{}{}

	questionID := vm.QuestionID
	if questionID == "" && vm.ConditionID != "" {
		// Hard-capped lookup: a slow venue must not stall the whole page.
		qctx, cancel := context.WithTimeout(ctx, e.cfg.QuestionIDWait())
		qid, err := e.cat.FetchQuestionID(qctx, vm.ConditionID)
		cancel()
		if err == nil {
			questionID = qid
		}
	}
	if questionID != "" && questionID != id {
		if parentExists, err := e.db.HasMarket(ctx, questionID); err == nil && parentExists {
			log.Debug().Str("market", id).Str("parent", questionID).Msg("child of stored parent, suppressed")
			return nil, false, nil
		}
	}

	category := Categorize(vm)
	col := &collected{id: id, question: vm.Question, category: category, tags: vm.Tags}

	row := &store.Market{
		ID:        id,
		Question:  vm.Question,
		Slug:      vm.Slug,
		Category:  category,
		EndDate:   vm.EndDate,
		Volume:    vm.Volume,
		Volume24h: vm.Volume24h,
		Liquidity: vm.Liquidity,
	}
	if vm.Image != "" {
		row.ImageURL = &vm.Image
	}
	if questionID != "" {
		row.QuestionID = &questionID
	}

	if !force {
		existing, err := e.db.GetMarket(ctx, id)
		if err == nil && existing != nil && row.Same(existing) {
			return col, false, nil
		}
	}

	if err := e.db.UpsertMarket(ctx, row); err != nil {
		return nil, false, err
	}

	seeds := e.extractOutcomes(ctx, id, vm)
	refs := make([]detect.OutcomeRef, 0, len(seeds))
	for i := range seeds {
		if err := e.db.UpsertOutcome(ctx, &seeds[i].Outcome); err != nil {
			log.Warn().Err(err).Str("market", id).Str("outcome", seeds[i].Name).Msg("outcome skipped")
			continue
		}
		refs = append(refs, detect.OutcomeRef{ID: seeds[i].Outcome.ID, Name: seeds[i].Name})
		e.seedPrice(id, &seeds[i])
	}

	e.det.CheckNewOutcomes(ctx, id, vm.Question, refs, e.now())
	return col, true, nil
}

// outcomeSeed pairs a store row with the price used for the synthetic
// first event.
type outcomeSeed struct {
	store.Outcome
	Price float64
}

// extractOutcomes derives a market's outcomes, preferring explicit token
// listings, then bucket sub-markets, then a catalogue token fetch, and
// finally synthesizing Yes/No for a bare binary.
func (e *Engine) extractOutcomes(ctx context.Context, marketID string, vm *venue.Market) []outcomeSeed {
	if len(vm.SubMarkets) > 0 && len(vm.Tokens) == 0 && len(vm.ClobTokenIDs) == 0 {
		return e.bucketOutcomes(marketID, vm)
	}

	tokens := venue.ExtractTokens(vm)
	if len(tokens) == 0 {
		fetched, err := e.cat.FetchMarketTokens(ctx, vm.ID)
		if err == nil {
			tokens = fetched
		}
	}
	if len(tokens) == 0 {
		return e.syntheticBinary(marketID, vm)
	}

	seeds := make([]outcomeSeed, 0, len(tokens))
	for i, t := range tokens {
		name := t.Outcome
		if name == "" {
			name = fmt.Sprintf("Outcome %d", i+1)
		}
		price := t.Price
		if price == 0 {
			price = 1 / float64(len(tokens))
		}
		seeds = append(seeds, outcomeSeed{
			Outcome: store.Outcome{
				ID:       t.TokenID,
				MarketID: marketID,
				Name:     name,
				TokenID:  t.TokenID,
			},
			Price: price,
		})
	}
	return seeds
}

// bucketOutcomes flattens a multi-outcome event: each sub-market becomes
// one bucket named by its group title with the parent question stripped,
// carrying its own volumes.
func (e *Engine) bucketOutcomes(marketID string, vm *venue.Market) []outcomeSeed {
	seeds := make([]outcomeSeed, 0, len(vm.SubMarkets))
	for _, sub := range vm.SubMarkets {
		if len(sub.ClobTokenIDs) == 0 {
			continue
		}
		name := bucketName(vm.Question, sub.DisplayTitle())
		price := 0.0
		if len(sub.OutcomePrices) > 0 {
			price = sub.OutcomePrices[0]
		}
		seeds = append(seeds, outcomeSeed{
			Outcome: store.Outcome{
				ID:        sub.ClobTokenIDs[0],
				MarketID:  marketID,
				Name:      name,
				TokenID:   sub.ClobTokenIDs[0],
				Volume:    sub.Volume,
				Volume24h: sub.Volume24h,
			},
			Price: price,
		})
	}
	// Buckets without a quoted price split the probability evenly.
	for i := range seeds {
		if seeds[i].Price == 0 {
			seeds[i].Price = 1 / float64(len(seeds))
		}
	}
	return seeds
}

// syntheticBinary covers markets that carry a condition id but no token
// listing yet. Both sides share the condition id as a placeholder stream
// key until a later sync fetches real tokens.
func (e *Engine) syntheticBinary(marketID string, vm *venue.Market) []outcomeSeed {
	if vm.ConditionID == "" {
		return nil
	}
	mk := func(side string) outcomeSeed {
		return outcomeSeed{
			Outcome: store.Outcome{
				ID:       marketID + "-" + strings.ToLower(side),
				MarketID: marketID,
				Name:     side,
				TokenID:  vm.ConditionID,
			},
			Price: 0.5,
		}
	}
	return []outcomeSeed{mk("Yes"), mk("No")}
}

// bucketName strips the parent question prefix from a bucket title so
// "Fed decision in March? 25 bps cut" displays as "25 bps cut".
func bucketName(parentQuestion, title string) string {
	name := strings.TrimSpace(strings.TrimPrefix(title, parentQuestion))
	name = strings.TrimLeft(name, "?:- ")
	if name == "" {
		return title
	}
	return name
}

// seedPrice mints the synthetic first price event for one outcome so
// downstream consumers have a value before the stream speaks.
func (e *Engine) seedPrice(marketID string, s *outcomeSeed) {
	if e.sed == nil || s.TokenID == "" {
		return
	}
	e.sed.SeedPrice(venue.PriceEvent{
		AssetID: s.TokenID,
		Market:  marketID,
		Bid:     stats.Clamp(s.Price*0.99, 0, 1),
		Ask:     stats.Clamp(s.Price*1.01, 0, 1),
		Kind:    "sync_seed",
		TS:      e.now(),
	})
}

// EnsureMarket syncs a single market on demand; ingestion calls it when
// an event references an unknown market.
func (e *Engine) EnsureMarket(ctx context.Context, id string) error {
	exists, err := e.db.HasMarket(ctx, id)
	if err == nil && exists {
		return nil
	}
	vm, err := e.cat.FetchMarket(ctx, id)
	if err != nil {
		return fmt.Errorf("ensure market %s: %w", id, err)
	}
	if vm == nil {
		return fmt.Errorf("ensure market %s: not found on venue", id)
	}
	_, _, err = e.syncOne(ctx, vm, map[string]struct{}{}, true)
	return err
}

// RunDiscovery periodically pulls the venue's highest-volume markets so
// heavily traded books enter tracking between full sync cycles.
func (e *Engine) RunDiscovery(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DiscoveryTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.discover(ctx)
		}
	}
}

func (e *Engine) discover(ctx context.Context) {
	active, closed := true, false
	page, err := e.cat.FetchMarkets(ctx, venue.FetchQuery{
		Limit:     e.cfg.PageSize,
		Active:    &active,
		Closed:    &closed,
		MinVolume: e.cfg.MinVolume,
		OrderBy:   "volume24hr",
	})
	if err != nil {
		log.Warn().Err(err).Msg("high-volume discovery fetch failed")
		return
	}

	seen := make(map[string]struct{})
	var set []collected
	for i := range page {
		col, _, err := e.syncOne(ctx, &page[i], seen, false)
		if err != nil {
			log.Warn().Err(err).Str("market", page[i].CanonicalID()).Msg("discovery market skipped")
			continue
		}
		if col != nil {
			set = append(set, *col)
		}
	}
	for _, c := range set {
		e.det.CheckNewMarket(ctx, c.id, c.question, c.category, c.tags, e.now())
	}
	e.subscribeSet(ctx, set)
	log.Info().Int("markets", len(set)).Msg("high-volume discovery pass complete")
}
