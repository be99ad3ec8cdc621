// Package metrics owns the Prometheus registry for the monitor pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the pipeline reports.
type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	EventsIngested *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	PricesWritten  prometheus.Counter

	// Sync engine
	SyncCycles       prometheus.Counter
	SyncMarkets      prometheus.Counter
	SyncDuration     prometheus.Histogram
	RESTFallbacks    *prometheus.CounterVec
	PriceRowsPruned  prometheus.Counter

	// Alerts
	AlertsEmitted    *prometheus.CounterVec
	AlertsThrottled  *prometheus.CounterVec
	AlertsDelivered  *prometheus.CounterVec
	AlertsMalformed  prometheus.Counter
	AlertsExpired    prometheus.Counter
	DispatchLatency  prometheus.Histogram

	// Stream
	StreamReconnects prometheus.Counter
	Subscriptions    prometheus.Gauge
}

// New builds a registry with all pipeline metrics registered. A private
// registry keeps test instances from colliding.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_events_ingested_total",
				Help: "Stream events processed by kind",
			},
			[]string{"kind"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_events_dropped_total",
				Help: "Stream events dropped by reason",
			},
			[]string{"reason"},
		),
		PricesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_price_rows_written_total",
				Help: "Price history rows persisted",
			},
		),

		SyncCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_sync_cycles_total",
				Help: "Completed market sync cycles",
			},
		),
		SyncMarkets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_sync_markets_total",
				Help: "Markets written by the sync engine",
			},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "monitor_sync_duration_seconds",
				Help:    "Wall time of one sync cycle",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		RESTFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_rest_fallbacks_total",
				Help: "Catalogue endpoint attempts that fell through to the next endpoint",
			},
			[]string{"endpoint"},
		),
		PriceRowsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_price_rows_pruned_total",
				Help: "Price history rows removed by retention pruning",
			},
		),

		AlertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_alerts_emitted_total",
				Help: "Alerts pushed to the pending queue by type",
			},
			[]string{"type"},
		),
		AlertsThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_alerts_throttled_total",
				Help: "Alerts suppressed by the cooldown throttle",
			},
			[]string{"type"},
		),
		AlertsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_alerts_delivered_total",
				Help: "Alerts delivered per notification channel",
			},
			[]string{"channel"},
		),
		AlertsMalformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_alerts_malformed_total",
				Help: "Queue entries discarded because they failed to parse",
			},
		),
		AlertsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_alerts_expired_total",
				Help: "Alerts skipped or evicted past their maximum age",
			},
		),
		DispatchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "monitor_alert_dispatch_seconds",
				Help:    "Time from alert emission to channel delivery",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
		),

		StreamReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_stream_reconnects_total",
				Help: "Websocket reconnect attempts",
			},
		),
		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_stream_subscriptions",
				Help: "Asset ids currently subscribed on the market channel",
			},
		),
	}

	reg.MustRegister(
		r.EventsIngested, r.EventsDropped, r.PricesWritten,
		r.SyncCycles, r.SyncMarkets, r.SyncDuration, r.RESTFallbacks, r.PriceRowsPruned,
		r.AlertsEmitted, r.AlertsThrottled, r.AlertsDelivered,
		r.AlertsMalformed, r.AlertsExpired, r.DispatchLatency,
		r.StreamReconnects, r.Subscriptions,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
