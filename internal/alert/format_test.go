package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBuildsBodyFromPayload(t *testing.T) {
	ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	a := New(TypePriceVelocity, SeverityHigh, "m1",
		&VelocityData{LastPrice: 0.12, CurrentPrice: 0.34, AbsoluteChange: 0.22, PercentageChange: 183.3, ElapsedSeconds: 30}, ts)
	f := Format(a, "Will X win?", "Politics", "will-x-win", "x-election")

	assert.Equal(t, "Sharp price move", f.Title)
	assert.Contains(t, f.Body, "Will X win?")
	assert.Contains(t, f.Body, "22.0 points")
	assert.Contains(t, f.Body, "0.12 to 0.34")
	assert.Equal(t, f.Body, a.Message, "message is stamped back onto the alert")
}

func TestFormatFallsBackToMarketID(t *testing.T) {
	a := New(TypeWhaleTrade, SeverityMedium, "0xdeadbeef",
		&WhaleData{TradeSize: 12000, Price: 0.41, Side: "BUY"}, time.Now())
	a.OutcomeName = "Yes"

	f := Format(a, "", "", "", "")
	assert.Contains(t, f.Body, "market 0xdeadbeef / Yes")
	assert.Contains(t, f.Body, "$12000 buy trade at 0.41")
	assert.Empty(t, f.MarketURL())
}

func TestFormatUnknownTypeGetsRawTitle(t *testing.T) {
	a := &Alert{Type: Type("mystery"), MarketID: "m1"}
	f := Format(a, "", "", "", "")
	assert.Equal(t, "mystery", f.Title)
	assert.Contains(t, f.Body, "mystery alert")
}

func TestMarketURLPrefersEventSlug(t *testing.T) {
	f := &Formatted{Slug: "market-slug", EventSlug: "event-slug"}
	assert.Equal(t, "https://polymarket.com/event/event-slug", f.MarketURL())

	f.EventSlug = ""
	assert.Equal(t, "https://polymarket.com/event/market-slug", f.MarketURL())
}

func TestFormatVacuumDistinguishesSpreadAndDepth(t *testing.T) {
	spread := Format(New(TypeLiquidityVacuum, SeverityHigh, "m1",
		&VacuumData{Spread: 0.15, CurrentDepth: 200}, time.Now()), "Q", "", "", "")
	assert.Contains(t, spread.Body, "spread widened to 0.15")

	depth := Format(New(TypeLiquidityVacuum, SeverityHigh, "m1",
		&VacuumData{Spread: 0.05, CurrentDepth: 100, LastDepth: 1000, DepthDropPct: 0.9}, time.Now()), "Q", "", "", "")
	assert.Contains(t, depth.Body, "depth fell 90%")
	assert.Contains(t, depth.Body, "1000 to 100")
}
