package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventsIgnoresControlFrames(t *testing.T) {
	for _, frame := range []string{"", "PING", "pong", "INVALID OPERATION", `{"type":"pong"}`} {
		assert.Empty(t, DecodeEvents([]byte(frame)), "frame %q must decode to nothing", frame)
	}
	assert.Empty(t, DecodeEvents([]byte("{not json")))
	assert.Empty(t, DecodeEvents([]byte(`{"event_type":"some_future_thing"}`)))
}

func TestDecodeBookAggregatesDepthAndBestQuotes(t *testing.T) {
	raw := `{
		"event_type": "book",
		"asset_id": "tok1",
		"market": "0xabc",
		"timestamp": "1756200000000",
		"bids": [{"price":"0.40","size":"100"},{"price":"0.42","size":"50"}],
		"asks": [{"price":"0.48","size":"30"},{"price":"0.45","size":"20"}]
	}`
	events := DecodeEvents([]byte(raw))
	require.Len(t, events, 1)

	evt, ok := events[0].(PriceEvent)
	require.True(t, ok)
	assert.Equal(t, "book", evt.Kind)
	assert.Equal(t, "tok1", evt.AssetID)
	assert.Equal(t, "0xabc", evt.Market)
	assert.Equal(t, 0.42, evt.Bid, "best bid is the highest, not the last")
	assert.Equal(t, 0.45, evt.Ask, "best ask is the lowest, not the first")
	assert.Equal(t, 150.0, evt.BidDepth)
	assert.Equal(t, 50.0, evt.AskDepth)
	assert.Equal(t, time.UnixMilli(1756200000000), evt.TS)
	assert.InDelta(t, 0.435, evt.Mid(), 1e-9)
	assert.InDelta(t, 0.03, evt.Spread(), 1e-9)
}

func TestDecodePriceChangeBatch(t *testing.T) {
	raw := `{
		"event_type": "price_change",
		"market": "0xabc",
		"timestamp": "1756200000000",
		"price_changes": [
			{"asset_id":"tok1","best_bid":"0.61","best_ask":"0.63"},
			{"asset_id":"tok2","price":"0.25"},
			{"best_bid":"0.5","best_ask":"0.5"}
		]
	}`
	events := DecodeEvents([]byte(raw))
	require.Len(t, events, 2, "a change without an asset id is dropped")

	first := events[0].(PriceEvent)
	assert.Equal(t, "tok1", first.AssetID)
	assert.Equal(t, 0.61, first.Bid)
	assert.Equal(t, 0.63, first.Ask)

	second := events[1].(PriceEvent)
	assert.Equal(t, "tok2", second.AssetID)
	assert.Equal(t, 0.25, second.Bid, "single-price updates quote both sides")
	assert.Equal(t, 0.25, second.Ask)
}

func TestDecodeTrade(t *testing.T) {
	raw := `{
		"event_type": "last_trade_price",
		"asset_id": "tok1",
		"market": "0xabc",
		"price": "0.41",
		"size": "12000",
		"side": "BUY",
		"timestamp": "1756200000000"
	}`
	events := DecodeEvents([]byte(raw))
	require.Len(t, events, 1)

	trade, ok := events[0].(TradeEvent)
	require.True(t, ok)
	assert.Equal(t, 0.41, trade.Price)
	assert.Equal(t, 12000.0, trade.Size)
	assert.Equal(t, 12000.0, trade.SizeUSDC())
	assert.Equal(t, "BUY", trade.Side)
}

func TestDecodeEventsArrayOfFrames(t *testing.T) {
	raw := `[
		{"event_type":"trade","asset_id":"tok1","price":"0.5","size":"10"},
		{"event_type":"update","asset_id":"tok2","best_bid":"0.3","best_ask":"0.32"}
	]`
	events := DecodeEvents([]byte(raw))
	require.Len(t, events, 2)
	assert.IsType(t, TradeEvent{}, events[0])
	assert.IsType(t, PriceEvent{}, events[1])
}

func TestEventTimeFallsBackToReceipt(t *testing.T) {
	before := time.Now()
	events := DecodeEvents([]byte(`{"event_type":"trade","asset_id":"tok1","price":"0.5"}`))
	require.Len(t, events, 1)
	ts := events[0].(TradeEvent).TS
	assert.False(t, ts.Before(before.Add(-time.Second)))

	events = DecodeEvents([]byte(`{"event_type":"trade","asset_id":"tok1","price":"0.5","timestamp":"1756200000"}`))
	require.Len(t, events, 1)
	assert.Equal(t, time.Unix(1756200000, 0), events[0].(TradeEvent).TS, "epoch seconds are recognized")
}
