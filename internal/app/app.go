// Package app assembles the monitor: it builds every component from the
// configuration, owns their lifecycles and runs them as one errgroup so
// a stop signal drains the whole pipeline.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/api"
	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/detect"
	"polymarket-monitor/internal/ingest"
	"polymarket-monitor/internal/market"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/notify"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/venue"
)

// App owns every long-lived component of the monitor process.
type App struct {
	cfg *config.Config

	Store      *store.Store
	Cache      *cache.Cache
	Rolling    *cache.Rolling
	Client     *venue.Client
	Stream     *venue.Stream
	Met        *metrics.Registry
	Queue      *alert.Queue
	Throttle   *alert.Throttle
	Detector   *detect.Detector
	Engine     *market.Engine
	Ingestor   *ingest.Ingestor
	Dispatcher *alert.Dispatcher
	Hub        *api.Hub
	Server     *api.Server
}

// New wires the full pipeline. A missing database is logged and
// tolerated: ingestion and the read API degrade, the process still
// starts.
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("database unavailable, starting degraded")
	} else {
		a.Store = st
		if err := st.InitSchema(context.Background()); err != nil {
			log.Error().Err(err).Msg("schema init failed")
		}
	}

	a.Met = metrics.New()
	a.Cache = cache.New(cfg.Redis)
	a.Rolling = cache.NewRolling(a.Cache)
	a.Client = venue.NewClient(cfg.Venue, a.Met)
	a.Stream = venue.NewStream(cfg.Venue, a.Met)

	a.Queue = alert.NewQueue(a.Cache, cfg.Alerts.QueueExpiry())
	a.Throttle = alert.NewThrottle(a.Cache, cfg.Alerts)
	a.Detector = detect.New(a.Cache, a.Rolling, cfg.Detect, a.Queue, a.Met)

	a.Hub = api.NewHub()

	var dbi ingest.Storage
	if a.Store != nil {
		dbi = a.Store
	}
	a.Ingestor = ingest.New(cfg.Ingest, dbi, a.Cache, a.Rolling,
		a.Detector, nil, a.Stream, a.Hub, a.Met)
	if a.Store != nil {
		a.Engine = market.New(cfg.Sync, a.Client, a.Store, a.Detector, a.Ingestor, a.Ingestor, a.Met)
		// Late binding breaks the ingest/sync cycle through the narrow
		// EnsureMarket capability.
		a.Ingestor.SetMarketSource(a.Engine)
	}

	a.Stream.OnAll(a.Ingestor.HandleEvent)

	channels := []alert.Channel{
		notify.NewWebhook(cfg.Notify.Webhook),
		notify.NewBroadcast(a.Hub, cfg.Notify.BroadcastEnabled),
		notify.NewEmail(cfg.Notify.Email),
	}
	var reader alert.MarketReader
	if a.Store != nil {
		reader = a.Store
	}
	a.Dispatcher = alert.NewDispatcher(cfg.Alerts, a.Queue, a.Throttle, a.Cache,
		reader, a.Client, channels, a.Met)

	a.Server = api.NewServer(cfg.API, api.Deps{
		DB:         a.Store,
		Cache:      a.Cache,
		Rolling:    a.Rolling,
		Queue:      a.Queue,
		Hub:        a.Hub,
		Met:        a.Met,
		Stream:     streamState{a.Stream},
		Dispatcher: a.Dispatcher,
		Active:     a.Ingestor.ActiveMarkets,
	})

	return a, nil
}

// streamState adapts the stream's typed state to the health surface.
type streamState struct{ s *venue.Stream }

func (w streamState) State() string            { return w.s.State().String() }
func (w streamState) Stats() venue.StreamStats { return w.s.Stats() }

// Run starts every component and blocks until the context is cancelled
// or one of them fails fatally.
func (a *App) Run(ctx context.Context) error {
	a.seedKnownMarkets(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Ingestor.Run(ctx) })
	g.Go(func() error { return a.Stream.Run(ctx) })
	if a.Engine != nil {
		g.Go(func() error { return a.Engine.Run(ctx) })
		g.Go(func() error { return a.Engine.RunDiscovery(ctx) })
	}
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	if a.cfg.API.Enabled {
		g.Go(func() error { return a.Server.Run(ctx) })
	}

	log.Info().Msg("monitor started")
	err := g.Wait()
	a.Close()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// seedKnownMarkets primes the new-entity detector from the store so a
// restart does not re-announce the catalogue.
func (a *App) seedKnownMarkets(ctx context.Context) {
	if a.Store == nil {
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ids, err := a.Store.ListMarketIDs(seedCtx)
	if err != nil {
		log.Warn().Err(err).Msg("known-markets seed skipped")
		return
	}
	a.Detector.SeedKnownMarkets(seedCtx, ids)
}

// Close releases connections after the errgroup drained.
func (a *App) Close() {
	a.Stream.Disconnect()
	a.Dispatcher.Stop()
	a.Hub.Close()
	if a.Store != nil {
		a.Store.Close()
	}
	a.Cache.Close()
	log.Info().Msg("monitor stopped")
}

// SyncOnce runs a single sync cycle; the CLI's one-shot command.
func (a *App) SyncOnce(ctx context.Context) (int, error) {
	if a.Engine == nil {
		return 0, fmt.Errorf("sync requires a database")
	}
	return a.Engine.SyncCycle(ctx)
}
