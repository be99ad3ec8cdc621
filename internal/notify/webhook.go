// Package notify implements the notification channels the dispatcher
// fans out to: an HTTP webhook with an embed payload for recognized
// hosts, the local websocket broadcast, and an email stub.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/config"
)

// Hosts that take the embed payload shape instead of the generic one.
var embedHosts = []string{"discord.com", "discordapp.com"}

// Webhook POSTs formatted alerts to a configured URL with bounded
// exponential retry.
type Webhook struct {
	cfg  config.WebhookConfig
	http *resty.Client
}

// NewWebhook builds the channel; a missing URL leaves it disabled.
func NewWebhook(cfg config.WebhookConfig) *Webhook {
	httpc := resty.New().
		SetTimeout(cfg.SendTimeout()).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "polymarket-monitor/1.0")
	return &Webhook{cfg: cfg, http: httpc}
}

func (w *Webhook) Name() string  { return "webhook" }
func (w *Webhook) Enabled() bool { return w.cfg.Enabled && w.cfg.URL != "" }

// Send delivers the alert, retrying with 1s, 2s, 4s backoff. A 2xx
// response is success; everything else after the last retry is failure.
func (w *Webhook) Send(ctx context.Context, f *alert.Formatted) bool {
	payload := w.payload(f)

	attempt := 0
	op := func() error {
		attempt++
		req := w.http.R().SetContext(ctx).SetBody(payload)
		if w.cfg.Secret != "" {
			req.SetHeader("X-Webhook-Secret", w.cfg.Secret)
		}
		resp, err := req.Post(w.cfg.URL)
		if err != nil {
			return err
		}
		code := resp.StatusCode()
		switch {
		case code < 300:
			return nil
		case statusRetryable(code):
			return fmt.Errorf("webhook: status %d", code)
		default:
			return backoff.Permanent(fmt.Errorf("webhook: status %d", code))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second

	retries := uint64(w.cfg.MaxRetries)
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	if err != nil {
		log.Warn().Err(err).Int("attempts", attempt).Msg("webhook delivery failed")
		return false
	}
	return true
}

// payload picks the wire shape by target host: the venue-embed form for
// recognized hosts, a generic alert+metrics envelope otherwise.
func (w *Webhook) payload(f *alert.Formatted) any {
	if isEmbedHost(w.cfg.URL) {
		return embedPayload(f)
	}
	return map[string]any{
		"alert": f.Alert,
		"metrics": map[string]any{
			"title":     f.Title,
			"body":      f.Body,
			"question":  f.Question,
			"category":  f.Category,
			"marketUrl": f.MarketURL(),
		},
	}
}

func isEmbedHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range embedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

var severityColors = map[alert.Severity]int{
	alert.SeverityLow:      0x95a5a6,
	alert.SeverityMedium:   0xf1c40f,
	alert.SeverityHigh:     0xe67e22,
	alert.SeverityCritical: 0xe74c3c,
}

func embedPayload(f *alert.Formatted) any {
	embed := map[string]any{
		"title":       f.Title,
		"description": f.Body,
		"color":       severityColors[f.Alert.Severity],
		"timestamp":   f.Alert.Timestamp.UTC().Format(time.RFC3339),
	}

	fields := []map[string]any{
		{"name": "Severity", "value": string(f.Alert.Severity), "inline": true},
		{"name": "Type", "value": string(f.Alert.Type), "inline": true},
	}
	if f.Category != "" {
		fields = append(fields, map[string]any{"name": "Category", "value": f.Category, "inline": true})
	}
	if u := f.MarketURL(); u != "" {
		embed["url"] = u
	}
	embed["fields"] = fields

	return map[string]any{"embeds": []any{embed}}
}

// A 4xx other than 429 will never succeed on retry.
func statusRetryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
