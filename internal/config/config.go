// Package config loads the monitor configuration from YAML with
// environment overrides. Every knob has a default so an empty file (or no
// file at all) still yields a runnable config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces all environment overrides, e.g. MONITOR_REDIS_ADDR.
const EnvPrefix = "MONITOR_"

// Config is the root configuration for the monitor process.
type Config struct {
	Venue    VenueConfig    `yaml:"venue"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sync     SyncConfig     `yaml:"sync"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Detect   DetectConfig   `yaml:"detect"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Notify   NotifyConfig   `yaml:"notify"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// VenueConfig addresses the prediction-market venue: the REST catalogue
// endpoints tried in order, and the market-channel websocket.
type VenueConfig struct {
	GammaURL       string  `yaml:"gamma_url"`
	DataAPIURL     string  `yaml:"data_api_url"`
	ClobURL        string  `yaml:"clob_url"`
	WebsocketURL   string  `yaml:"websocket_url"`
	RequestTimeout int     `yaml:"request_timeout_seconds"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	MaxReconnects  int     `yaml:"max_reconnects"`
	PingInterval   int     `yaml:"ping_interval_seconds"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	QueryTimeout int    `yaml:"query_timeout_seconds"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SyncConfig drives the market sync engine and the slower high-volume
// discovery pass.
type SyncConfig struct {
	Interval          int     `yaml:"interval_seconds"`
	DiscoveryInterval int     `yaml:"discovery_interval_seconds"`
	PageSize          int     `yaml:"page_size"`
	MaxPages          int     `yaml:"max_pages"`
	MinVolume         float64 `yaml:"min_volume_usd"`
	MaxTracked        int     `yaml:"max_tracked_markets"`
	QuestionIDTimeout int     `yaml:"question_id_timeout_seconds"`
	PruneEveryCycles  int     `yaml:"prune_every_cycles"`
	RetainDays        int     `yaml:"price_history_retain_days"`
}

// IngestConfig sizes the realtime pipeline and its persistence throttle.
type IngestConfig struct {
	Workers            int     `yaml:"workers"`
	QueueSize          int     `yaml:"queue_size"`
	PersistMinPct      float64 `yaml:"persist_min_change_pct"`
	PersistMaxInterval int     `yaml:"persist_max_interval_seconds"`
	TradeWindowMinutes int     `yaml:"trade_window_minutes"`
	TradeMaxItems      int64   `yaml:"trade_max_items"`
	BookWindowMinutes  int     `yaml:"book_window_minutes"`
	BookMaxItems       int64   `yaml:"book_max_items"`
}

// DetectConfig carries every anomaly threshold. Values are chosen to match
// production behaviour on the venue and are overridable per deployment.
type DetectConfig struct {
	VelocityThreshold    float64 `yaml:"velocity_threshold"`       // absolute mid change
	VelocityWindow       int     `yaml:"velocity_window_seconds"`  // staleness cutoff for last price
	VolumeZScore         float64 `yaml:"volume_zscore"`            // acceleration trigger
	VolumeZScoreCap      float64 `yaml:"volume_zscore_cap"`        // reject corrupt series above this
	VolumeMinUSDC        float64 `yaml:"volume_min_usdc"`          // per-minute floor
	VolumeMinTrades      int     `yaml:"volume_min_trades"`        // trades required in lookback
	VolumeMinBuckets     int     `yaml:"volume_min_buckets"`       // historical minute buckets required
	VolumeLookbackMin    int     `yaml:"volume_lookback_minutes"`
	FatFingerMovePct     float64 `yaml:"fat_finger_move_pct"`      // initial jump, percent
	FatFingerRevertPct   float64 `yaml:"fat_finger_revert_pct"`    // reversion, percent
	SpreadThreshold      float64 `yaml:"spread_threshold"`         // absolute spread
	DepthDropPct         float64 `yaml:"depth_drop_pct"`           // fraction of depth lost
	DepthWindow          int     `yaml:"depth_window_seconds"`
	WhaleTradeUSDC       float64 `yaml:"whale_trade_usdc"`
	NewMarketKeywords    []string `yaml:"new_market_keywords"`
}

// AlertsConfig shapes the queue, throttle and dispatcher.
type AlertsConfig struct {
	Cooldowns        map[string]int `yaml:"cooldowns_seconds"`          // per alert type
	SeverityOverride map[string]int `yaml:"severity_cooldowns_seconds"` // optional, wins over type
	DefaultCooldown  int            `yaml:"default_cooldown_seconds"`
	CriticalBypass   bool           `yaml:"critical_bypass"`
	ProcessInterval  int            `yaml:"process_interval_seconds"`
	CleanupInterval  int            `yaml:"cleanup_interval_seconds"`
	MaxAge           int            `yaml:"max_age_seconds"`
	CleanupAge       int            `yaml:"cleanup_age_seconds"`
	StartupScanLimit int            `yaml:"startup_scan_limit"`
	CleanupScanLimit int            `yaml:"cleanup_scan_limit"`
	QueueTTL         int            `yaml:"queue_ttl_seconds"`
}

type NotifyConfig struct {
	Webhook          WebhookConfig `yaml:"webhook"`
	Email            EmailConfig   `yaml:"email"`
	BroadcastEnabled bool          `yaml:"broadcast_enabled"`
}

type WebhookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Secret     string `yaml:"secret"`
	Timeout    int    `yaml:"timeout_seconds"`
	MaxRetries int    `yaml:"max_retries"`
}

type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type APIConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
	Enabled      bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file and no overrides are
// present. Thresholds mirror the venue's observed behaviour.
func Default() *Config {
	return &Config{
		Venue: VenueConfig{
			GammaURL:       "https://gamma-api.polymarket.com",
			DataAPIURL:     "https://data-api.polymarket.com",
			ClobURL:        "https://clob.polymarket.com",
			WebsocketURL:   "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RequestTimeout: 10,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			MaxReconnects:  10,
			PingInterval:   5,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "monitor",
			Password:     "monitor",
			Name:         "polymarket",
			SSLMode:      "disable",
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			QueryTimeout: 10,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Enabled: true,
		},
		Sync: SyncConfig{
			Interval:          300,
			DiscoveryInterval: 1800,
			PageSize:          100,
			MaxPages:          5,
			MinVolume:         10000,
			MaxTracked:        100,
			QuestionIDTimeout: 2,
			PruneEveryCycles:  72,
			RetainDays:        1,
		},
		Ingest: IngestConfig{
			Workers:            8,
			QueueSize:          1024,
			PersistMinPct:      1.0,
			PersistMaxInterval: 60,
			TradeWindowMinutes: 60,
			TradeMaxItems:      1000,
			BookWindowMinutes:  60,
			BookMaxItems:       1000,
		},
		Detect: DetectConfig{
			VelocityThreshold:  0.15,
			VelocityWindow:     60,
			VolumeZScore:       3,
			VolumeZScoreCap:    50,
			VolumeMinUSDC:      100,
			VolumeMinTrades:    10,
			VolumeMinBuckets:   5,
			VolumeLookbackMin:  60,
			FatFingerMovePct:   30,
			FatFingerRevertPct: 20,
			SpreadThreshold:    0.10,
			DepthDropPct:       0.80,
			DepthWindow:        60,
			WhaleTradeUSDC:     10000,
			NewMarketKeywords: []string{
				"war", "conflict", "attack", "invasion", "launch", "release",
				"announcement", "hack", "breach", "exploit", "vulnerability",
				"election", "vote", "poll", "ipo", "merger", "acquisition",
				"regulation", "ban", "approval", "disaster", "crisis", "emergency",
			},
		},
		Alerts: AlertsConfig{
			Cooldowns: map[string]int{
				"insider_move":        600,
				"fat_finger":          300,
				"liquidity_vacuum":    300,
				"whale_trade":         60,
				"volume_acceleration": 600,
			},
			DefaultCooldown:  600,
			CriticalBypass:   true,
			ProcessInterval:  2,
			CleanupInterval:  300,
			MaxAge:           600,
			CleanupAge:       1800,
			StartupScanLimit: 1000,
			CleanupScanLimit: 100,
			QueueTTL:         3600,
		},
		Notify: NotifyConfig{
			Webhook: WebhookConfig{
				Timeout:    5,
				MaxRetries: 3,
			},
			BroadcastEnabled: true,
		},
		API: APIConfig{
			Addr:         ":8080",
			ReadTimeout:  15,
			WriteTimeout: 30,
			Enabled:      true,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load reads path (when non-empty), layers it over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps MONITOR_* variables onto the fields operators most often
// override in deployments. Secrets in particular should come from the
// environment rather than the YAML file.
func (c *Config) applyEnv() {
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setBool(&c.Redis.Enabled, "REDIS_ENABLED")

	setString(&c.Venue.GammaURL, "GAMMA_URL")
	setString(&c.Venue.DataAPIURL, "DATA_API_URL")
	setString(&c.Venue.ClobURL, "CLOB_URL")
	setString(&c.Venue.WebsocketURL, "WEBSOCKET_URL")

	setString(&c.Notify.Webhook.URL, "WEBHOOK_URL")
	setString(&c.Notify.Webhook.Secret, "WEBHOOK_SECRET")

	setString(&c.API.Addr, "API_ADDR")
	setBool(&c.API.Enabled, "API_ENABLED")

	setString(&c.Log.Level, "LOG_LEVEL")
	setBool(&c.Log.Pretty, "LOG_PRETTY")

	setInt(&c.Sync.Interval, "SYNC_INTERVAL")
	setFloat(&c.Sync.MinVolume, "SYNC_MIN_VOLUME")
	setInt(&c.Sync.MaxTracked, "SYNC_MAX_TRACKED")
}

// Validate rejects configurations that would make the pipeline misbehave
// rather than merely perform badly.
func (c *Config) Validate() error {
	var problems []string

	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		problems = append(problems, "sync.page_size must be in [1,500]")
	}
	if c.Sync.MaxTracked < 1 {
		problems = append(problems, "sync.max_tracked_markets must be positive")
	}
	if c.Sync.MaxPages < 1 {
		problems = append(problems, "sync.max_pages must be positive")
	}
	if c.Ingest.Workers < 1 {
		problems = append(problems, "ingest.workers must be positive")
	}
	if c.Ingest.QueueSize < 64 {
		problems = append(problems, "ingest.queue_size must be at least 64")
	}
	if c.Detect.VelocityThreshold <= 0 || c.Detect.VelocityThreshold >= 1 {
		problems = append(problems, "detect.velocity_threshold must be in (0,1)")
	}
	if c.Detect.VolumeZScore <= 0 {
		problems = append(problems, "detect.volume_zscore must be positive")
	}
	if c.Detect.VolumeZScoreCap <= c.Detect.VolumeZScore {
		problems = append(problems, "detect.volume_zscore_cap must exceed detect.volume_zscore")
	}
	if c.Detect.DepthDropPct <= 0 || c.Detect.DepthDropPct >= 1 {
		problems = append(problems, "detect.depth_drop_pct must be in (0,1)")
	}
	if c.Alerts.MaxAge >= c.Alerts.CleanupAge {
		problems = append(problems, "alerts.max_age_seconds must be below alerts.cleanup_age_seconds")
	}
	if c.Alerts.ProcessInterval < 1 {
		problems = append(problems, "alerts.process_interval_seconds must be at least 1")
	}
	if c.Notify.Webhook.URL != "" && !strings.HasPrefix(c.Notify.Webhook.URL, "http") {
		problems = append(problems, "notify.webhook.url must be an http(s) URL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Duration helpers keep call sites free of unit conversions.

func (v VenueConfig) Timeout() time.Duration      { return time.Duration(v.RequestTimeout) * time.Second }
func (v VenueConfig) Ping() time.Duration         { return time.Duration(v.PingInterval) * time.Second }
func (d DatabaseConfig) Timeout() time.Duration   { return time.Duration(d.QueryTimeout) * time.Second }
func (s SyncConfig) Tick() time.Duration          { return time.Duration(s.Interval) * time.Second }
func (s SyncConfig) DiscoveryTick() time.Duration { return time.Duration(s.DiscoveryInterval) * time.Second }
func (s SyncConfig) QuestionIDWait() time.Duration {
	return time.Duration(s.QuestionIDTimeout) * time.Second
}
func (i IngestConfig) PersistInterval() time.Duration {
	return time.Duration(i.PersistMaxInterval) * time.Second
}
func (i IngestConfig) TradeWindow() time.Duration {
	return time.Duration(i.TradeWindowMinutes) * time.Minute
}
func (i IngestConfig) BookWindow() time.Duration {
	return time.Duration(i.BookWindowMinutes) * time.Minute
}
func (a AlertsConfig) ProcessTick() time.Duration {
	return time.Duration(a.ProcessInterval) * time.Second
}
func (a AlertsConfig) CleanupTick() time.Duration {
	return time.Duration(a.CleanupInterval) * time.Second
}
func (a AlertsConfig) MaxAlertAge() time.Duration { return time.Duration(a.MaxAge) * time.Second }
func (a AlertsConfig) CleanupAlertAge() time.Duration {
	return time.Duration(a.CleanupAge) * time.Second
}
func (a AlertsConfig) QueueExpiry() time.Duration { return time.Duration(a.QueueTTL) * time.Second }
func (w WebhookConfig) SendTimeout() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
