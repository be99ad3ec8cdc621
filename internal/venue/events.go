package venue

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Event is the sealed union delivered to stream handlers.
type Event interface {
	isEvent()
	Asset() string
}

// PriceEvent is a normalized quote move. Book events additionally carry
// per-side depth so the liquidity detector has its input.
type PriceEvent struct {
	AssetID  string
	Market   string
	Bid      float64
	Ask      float64
	Kind     string
	BidDepth float64
	AskDepth float64
	TS       time.Time
}

func (PriceEvent) isEvent()        {}
func (e PriceEvent) Asset() string { return e.AssetID }

// Mid returns the midpoint quote.
func (e PriceEvent) Mid() float64 { return (e.Bid + e.Ask) / 2 }

// Spread returns ask minus bid.
func (e PriceEvent) Spread() float64 { return e.Ask - e.Bid }

// TradeEvent is a normalized fill. The market channel reports Size
// denominated in USDC, so it doubles as the notional for volume sums and
// the whale threshold.
type TradeEvent struct {
	AssetID string
	Market  string
	Price   float64
	Size    float64
	Side    string
	TS      time.Time
}

func (TradeEvent) isEvent()        {}
func (e TradeEvent) Asset() string { return e.AssetID }

// SizeUSDC is the notional value used for volume aggregation.
func (e TradeEvent) SizeUSDC() float64 { return e.Size }

// controlLine reports venue heartbeat/noise frames that carry no event.
func controlLine(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "PING", "PONG", "pong", "ping", "INVALID OPERATION":
		return true
	}
	return false
}

// DecodeEvents turns one wire message into zero or more canonical events.
// Unknown event types and malformed frames decode to nothing; the stream
// must survive whatever the venue sends.
func DecodeEvents(data []byte) []Event {
	text := strings.TrimSpace(string(data))
	if controlLine(text) {
		return nil
	}

	if strings.HasPrefix(text, "[") {
		var frames []json.RawMessage
		if err := json.Unmarshal([]byte(text), &frames); err != nil {
			return nil
		}
		var events []Event
		for _, f := range frames {
			events = append(events, decodeEnvelope(f)...)
		}
		return events
	}
	return decodeEnvelope([]byte(text))
}

func decodeEnvelope(data []byte) []Event {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	if str(raw, "type") == "pong" {
		return nil
	}

	kind := str(raw, "event_type")
	switch kind {
	case "book":
		return decodeBook(raw)
	case "price_change":
		return decodePriceChange(raw)
	case "update", "price_changed":
		return decodeFlatPrice(raw, kind)
	case "last_trade_price", "trade":
		return decodeTrade(raw)
	}
	return nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func decodeBook(raw map[string]json.RawMessage) []Event {
	assetID := str(raw, "asset_id", "assetId")
	if assetID == "" {
		return nil
	}

	bids := levels(raw, "bids", "buys")
	asks := levels(raw, "asks", "sells")

	evt := PriceEvent{
		AssetID: assetID,
		Market:  str(raw, "market"),
		Kind:    "book",
		TS:      eventTime(raw, "timestamp", "ts"),
	}
	// The venue sorts bids ascending and asks descending; scan instead of
	// trusting the order.
	for _, l := range bids {
		p, s := levelNums(l)
		evt.BidDepth += s
		if p > evt.Bid {
			evt.Bid = p
		}
	}
	for i, l := range asks {
		p, s := levelNums(l)
		evt.AskDepth += s
		if i == 0 || p < evt.Ask {
			evt.Ask = p
		}
	}
	return []Event{evt}
}

func decodePriceChange(raw map[string]json.RawMessage) []Event {
	market := str(raw, "market")
	ts := eventTime(raw, "timestamp", "ts")

	changesRaw, ok := raw["price_changes"]
	if !ok {
		// Some revisions send the change fields flat.
		return decodeFlatPrice(raw, "price_change")
	}
	var changes []map[string]json.RawMessage
	if err := json.Unmarshal(changesRaw, &changes); err != nil {
		return nil
	}

	events := make([]Event, 0, len(changes))
	for _, ch := range changes {
		evt, ok := priceFromFields(ch, market, ts, "price_change")
		if !ok {
			continue
		}
		events = append(events, evt)
	}
	return events
}

func decodeFlatPrice(raw map[string]json.RawMessage, kind string) []Event {
	evt, ok := priceFromFields(raw, str(raw, "market"), eventTime(raw, "timestamp", "ts"), kind)
	if !ok {
		return nil
	}
	return []Event{evt}
}

func priceFromFields(fields map[string]json.RawMessage, market string, ts time.Time, kind string) (PriceEvent, bool) {
	assetID := str(fields, "asset_id", "assetId")
	if assetID == "" {
		return PriceEvent{}, false
	}
	if m := str(fields, "market"); m != "" {
		market = m
	}

	bid := f64(fields, "best_bid", "bestBid", "bid")
	ask := f64(fields, "best_ask", "bestAsk", "ask")
	if bid == 0 && ask == 0 {
		// Single-price updates quote both sides at the trade price.
		p := f64(fields, "price")
		if p == 0 {
			return PriceEvent{}, false
		}
		bid, ask = p, p
	}
	return PriceEvent{
		AssetID: assetID,
		Market:  market,
		Bid:     bid,
		Ask:     ask,
		Kind:    kind,
		TS:      ts,
	}, true
}

func decodeTrade(raw map[string]json.RawMessage) []Event {
	assetID := str(raw, "asset_id", "assetId")
	price := f64(raw, "price")
	if assetID == "" || price == 0 {
		return nil
	}
	return []Event{TradeEvent{
		AssetID: assetID,
		Market:  str(raw, "market"),
		Price:   price,
		Size:    f64(raw, "size"),
		Side:    str(raw, "side"),
		TS:      eventTime(raw, "timestamp", "ts"),
	}}
}

func levels(raw map[string]json.RawMessage, keys ...string) []bookLevel {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || string(v) == "null" {
			continue
		}
		var ls []bookLevel
		if err := json.Unmarshal(v, &ls); err == nil {
			return ls
		}
	}
	return nil
}

func levelNums(l bookLevel) (price, size float64) {
	p, _ := strconv.ParseFloat(l.Price, 64)
	s, _ := strconv.ParseFloat(l.Size, 64)
	return p, s
}

// eventTime parses epoch millis (the venue's usual form), epoch seconds
// and RFC3339; absent timestamps become receipt time.
func eventTime(raw map[string]json.RawMessage, keys ...string) time.Time {
	s := str(raw, keys...)
	if s == "" {
		return time.Now()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now()
}
