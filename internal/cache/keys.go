package cache

import "time"

// Key builders. Every Redis key the monitor touches is minted here so the
// layout stays greppable in one place.

const (
	KeyAlertsPending = "alerts:pending"
	KeyKnownMarkets  = "known_markets"
)

// TTLs tied to the meaning of the data rather than deployment tuning.
const (
	TTLLastPrice  = 120 * time.Second
	TTLDepth      = 120 * time.Second
	TTLFatFinger  = 5 * time.Minute
	TTLEventSlug  = 24 * time.Hour
	TTLPrices     = time.Hour
	TTLKnownSets  = 30 * 24 * time.Hour
	TTLAlertLists = time.Hour
)

func KeyTrades(tokenID string) string         { return "trades:" + tokenID }
func KeyOrderbook(tokenID string) string      { return "orderbook:" + tokenID }
func KeyEventSlug(marketID string) string     { return "event_slug:" + marketID }
func KeyMarketAlerts(marketID string) string  { return "alerts:market:" + marketID }
func KeyKnownOutcomes(marketID string) string { return "known_outcomes:" + marketID }
func KeyMarketPrices(marketID string) string  { return "market:" + marketID + ":prices" }
func KeyTokenPrice(tokenID string) string     { return "token:" + tokenID + ":price" }

func KeyMarketPrice(marketID, tokenID string) string {
	return "market:" + marketID + ":price:" + tokenID
}

func KeyLastPrice(marketID, outcomeID string) string {
	return "last_price:" + marketID + ":" + outcomeID
}

func KeyDepth(marketID, outcomeID string) string {
	return "depth:" + marketID + ":" + outcomeID
}

func KeyFatFinger(marketID, outcomeID string) string {
	return "fat_finger:" + marketID + ":" + outcomeID
}

// Throttle keys come in a per-market and a per-type flavour; presence of
// either suppresses delivery.
func KeyThrottleMarket(marketID string) string { return "throttle:market:" + marketID }

func KeyThrottleType(marketID, alertType string) string {
	return "throttle:market:" + marketID + ":" + alertType
}

// Read-model keys backing the HTTP API. Ingestion invalidates these when
// fresh prices land.
func KeyReadMarket(marketID string) string { return "read:market:" + marketID }

const KeyReadMarketList = "read:markets"
