package venue

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
)

// FetchQuery narrows a catalogue listing.
type FetchQuery struct {
	Limit     int
	Offset    int
	Active    *bool
	Closed    *bool
	TagSlug   string
	TagID     string
	MinVolume float64
	OrderBy   string
}

// Client is the REST side of the venue. Listing endpoints are tried in a
// fixed order; the first non-empty success wins. Each endpoint sits behind
// its own circuit breaker so a flapping host is skipped cheaply, and one
// limiter paces all catalogue traffic.
type Client struct {
	http     *resty.Client
	cfg      config.VenueConfig
	limiter  *rate.Limiter
	met      *metrics.Registry
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type endpoint struct {
	name string
	url  string
}

// NewClient builds the catalogue client.
func NewClient(cfg config.VenueConfig, met *metrics.Registry) *Client {
	httpc := resty.New().
		SetTimeout(cfg.Timeout()).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "polymarket-monitor/1.0")

	c := &Client{
		http:     httpc,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		met:      met,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, ep := range c.listEndpoints() {
		c.breakers[ep.name] = c.newBreaker(ep.name)
	}
	return c
}

// listEndpoints is the documented fallback order for market listings.
func (c *Client) listEndpoints() []endpoint {
	return []endpoint{
		{"gamma-markets", c.cfg.GammaURL + "/markets"},
		{"gamma-events", c.cfg.GammaURL + "/events"},
		{"data-markets", c.cfg.DataAPIURL + "/markets"},
		{"clob-markets", c.cfg.ClobURL + "/markets"},
	}
}

func (c *Client) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("endpoint", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("venue endpoint breaker state change")
		},
	})
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[name]
	c.mu.RUnlock()
	if ok {
		return cb
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[name]; ok {
		return cb
	}
	cb = c.newBreaker(name)
	c.breakers[name] = cb
	return cb
}

// get performs one rate-limited, breaker-guarded request. A 404 is a
// swallowed empty body; other non-2xx statuses count as failures.
func (c *Client) get(ctx context.Context, name, url string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.breaker(name).Execute(func() (any, error) {
		resp, err := c.http.R().SetContext(ctx).SetQueryParams(params).Get(url)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode() == http.StatusNotFound:
			return []byte(nil), nil
		case resp.StatusCode() >= 400:
			return nil, fmt.Errorf("%s: status %d", name, resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, err
	}
	b, _ := body.([]byte)
	return b, nil
}

// FetchMarkets lists markets, folding over the endpoint order until one
// yields a non-empty page. An error is returned only when every endpoint
// failed; an empty page from a healthy endpoint is (nil, nil).
func (c *Client) FetchMarkets(ctx context.Context, q FetchQuery) ([]Market, error) {
	params := q.params()

	var lastErr error
	for _, ep := range c.listEndpoints() {
		body, err := c.get(ctx, ep.name, ep.url, params)
		if err != nil {
			lastErr = err
			c.met.RESTFallbacks.WithLabelValues(ep.name).Inc()
			log.Debug().Err(err).Str("endpoint", ep.name).Msg("market listing attempt failed")
			continue
		}
		markets, err := parseMarketList(body)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", ep.name, err)
			c.met.RESTFallbacks.WithLabelValues(ep.name).Inc()
			log.Debug().Err(err).Str("endpoint", ep.name).Msg("market listing shape mismatch")
			continue
		}
		if len(markets) > 0 {
			return markets, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("fetch markets: %w", lastErr)
	}
	return nil, nil
}

func (q FetchQuery) params() map[string]string {
	params := map[string]string{}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		params["offset"] = strconv.Itoa(q.Offset)
	}
	if q.Active != nil {
		params["active"] = strconv.FormatBool(*q.Active)
	}
	if q.Closed != nil {
		params["closed"] = strconv.FormatBool(*q.Closed)
	}
	if q.TagSlug != "" {
		params["tag_slug"] = q.TagSlug
	}
	if q.TagID != "" {
		params["tag_id"] = q.TagID
	}
	if q.MinVolume > 0 {
		params["volume_num_min"] = strconv.FormatFloat(q.MinVolume, 'f', -1, 64)
	}
	if q.OrderBy != "" {
		params["order"] = q.OrderBy
		params["ascending"] = "false"
	}
	return params
}

// FetchMarket resolves one market by id, falling back to a slug query.
// Absent markets return (nil, nil).
func (c *Client) FetchMarket(ctx context.Context, idOrSlug string) (*Market, error) {
	body, err := c.get(ctx, "gamma-markets", c.cfg.GammaURL+"/markets/"+idOrSlug, nil)
	if err == nil && len(body) > 0 {
		if markets, perr := parseMarketList(body); perr == nil && len(markets) > 0 {
			return &markets[0], nil
		}
	}

	body, err = c.get(ctx, "gamma-markets", c.cfg.GammaURL+"/markets", map[string]string{"slug": idOrSlug})
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", idOrSlug, err)
	}
	markets, err := parseMarketList(body)
	if err != nil || len(markets) == 0 {
		return nil, nil
	}
	return &markets[0], nil
}

// FetchEvent resolves a parent event (with nested sub-markets) by id or
// slug; used for event-slug enrichment.
func (c *Client) FetchEvent(ctx context.Context, idOrSlug string) (*Market, error) {
	body, err := c.get(ctx, "gamma-events", c.cfg.GammaURL+"/events", map[string]string{"slug": idOrSlug})
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", idOrSlug, err)
	}
	events, perr := parseMarketList(body)
	if perr != nil || len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// FetchQuestionID looks up the grouping question id for a condition id.
// Returns "" when the venue does not know it.
func (c *Client) FetchQuestionID(ctx context.Context, conditionID string) (string, error) {
	body, err := c.get(ctx, "gamma-markets", c.cfg.GammaURL+"/markets",
		map[string]string{"condition_ids": conditionID})
	if err != nil {
		return "", fmt.Errorf("fetch question id %s: %w", conditionID, err)
	}
	markets, perr := parseMarketList(body)
	if perr != nil || len(markets) == 0 {
		return "", nil
	}
	return markets[0].QuestionID, nil
}

// FetchMarketTokens returns the ordered (token, outcome) pairs for a
// market, drawn from explicit tokens, the outcomes/clobTokenIds pairing,
// or nested bucket sub-markets.
func (c *Client) FetchMarketTokens(ctx context.Context, id string) ([]TokenInfo, error) {
	m, err := c.FetchMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return ExtractTokens(m), nil
}

// ExtractTokens is the pure half of FetchMarketTokens, shared with the
// sync engine which already holds a decoded market.
func ExtractTokens(m *Market) []TokenInfo {
	if len(m.Tokens) > 0 {
		return m.Tokens
	}

	if len(m.ClobTokenIDs) > 0 {
		tokens := make([]TokenInfo, 0, len(m.ClobTokenIDs))
		for i, tid := range m.ClobTokenIDs {
			ti := TokenInfo{TokenID: tid}
			if i < len(m.OutcomeNames) {
				ti.Outcome = m.OutcomeNames[i]
			}
			if i < len(m.OutcomePrices) {
				ti.Price = m.OutcomePrices[i]
			}
			tokens = append(tokens, ti)
		}
		return tokens
	}

	if len(m.SubMarkets) > 0 {
		tokens := make([]TokenInfo, 0, len(m.SubMarkets))
		for _, sub := range m.SubMarkets {
			if len(sub.ClobTokenIDs) == 0 {
				continue
			}
			price := 0.0
			if len(sub.OutcomePrices) > 0 {
				price = sub.OutcomePrices[0]
			}
			tokens = append(tokens, TokenInfo{
				TokenID: sub.ClobTokenIDs[0],
				Outcome: sub.DisplayTitle(),
				Price:   price,
			})
		}
		return tokens
	}
	return nil
}

// FetchTags lists category tags.
func (c *Client) FetchTags(ctx context.Context) ([]Tag, error) {
	body, err := c.get(ctx, "gamma-markets", c.cfg.GammaURL+"/tags", map[string]string{"limit": "100"})
	if err != nil {
		return nil, fmt.Errorf("fetch tags: %w", err)
	}
	var tags []Tag
	if jerr := unmarshalTagList(body, &tags); jerr != nil {
		return nil, nil
	}
	return tags, nil
}

func unmarshalTagList(body []byte, tags *[]Tag) error {
	if len(body) == 0 {
		return nil
	}
	if body[0] == '[' {
		return json.Unmarshal(body, tags)
	}
	var envelope struct {
		Data []Tag `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	*tags = envelope.Data
	return nil
}
