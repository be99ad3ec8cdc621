// Package alert defines the alert model, the Redis-backed pending queue,
// the delivery throttle and the dispatcher that fans alerts out to
// notification channels.
package alert

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Type enumerates every alert the detectors can raise.
type Type string

const (
	TypePriceVelocity      Type = "price_velocity"
	TypeInsiderMove        Type = "insider_move"
	TypeVolumeAcceleration Type = "volume_acceleration"
	TypeFatFinger          Type = "fat_finger"
	TypeLiquidityVacuum    Type = "liquidity_vacuum"
	TypeWhaleTrade         Type = "whale_trade"
	TypeNewMarket          Type = "new_market"
	TypeNewOutcome         Type = "new_outcome"
)

// Severity orders alerts for throttling and display.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Payload is the typed detail each detector attaches. Keeping one struct
// per alert type makes every field statically reachable; the Extras map on
// Alert carries anything forward-compatible.
type Payload interface {
	payloadType() Type
}

// VelocityData describes a sharp mid-price move.
type VelocityData struct {
	LastPrice        float64 `json:"lastPrice"`
	CurrentPrice     float64 `json:"currentPrice"`
	AbsoluteChange   float64 `json:"absoluteChange"`
	PercentageChange float64 `json:"percentageChange"`
	ElapsedSeconds   float64 `json:"elapsedSeconds"`
}

func (VelocityData) payloadType() Type { return TypePriceVelocity }

// VolumeData describes an abnormal burst of per-minute traded volume.
type VolumeData struct {
	CurrentVolume float64 `json:"currentVolume"`
	AverageVolume float64 `json:"averageVolume"`
	StdDev        float64 `json:"stddev"`
	ZScore        float64 `json:"zScore"`
}

func (VolumeData) payloadType() Type { return TypeVolumeAcceleration }

// InsiderData is the conjunction of a velocity move and a volume burst.
type InsiderData struct {
	Velocity VelocityData `json:"velocity"`
	Volume   VolumeData   `json:"volume"`
}

func (InsiderData) payloadType() Type { return TypeInsiderMove }

// FatFingerData describes a large deviation reverted within two trades.
type FatFingerData struct {
	Prices           [3]float64 `json:"prices"`
	PercentageChange float64    `json:"percentageChange"`
	ReversionChange  float64    `json:"reversionChange"`
}

func (FatFingerData) payloadType() Type { return TypeFatFinger }

// VacuumData describes a wide spread or a sudden loss of book depth.
type VacuumData struct {
	Spread       float64 `json:"spread"`
	CurrentDepth float64 `json:"currentDepth"`
	LastDepth    float64 `json:"lastDepth"`
	DepthDropPct float64 `json:"depthDropPct"`
}

func (VacuumData) payloadType() Type { return TypeLiquidityVacuum }

// WhaleData describes a single outsized trade.
type WhaleData struct {
	TradeSize float64 `json:"tradeSize"`
	Price     float64 `json:"price"`
	Side      string  `json:"side,omitempty"`
}

func (WhaleData) payloadType() Type { return TypeWhaleTrade }

// NewMarketData describes a market seen for the first time.
type NewMarketData struct {
	Question       string `json:"question"`
	Category       string `json:"category,omitempty"`
	MatchedKeyword string `json:"matchedKeyword,omitempty"`
}

func (NewMarketData) payloadType() Type { return TypeNewMarket }

// NewOutcomeData describes an outcome added to a known market.
type NewOutcomeData struct {
	OutcomeName    string `json:"outcomeName"`
	MatchedKeyword string `json:"matchedKeyword,omitempty"`
}

func (NewOutcomeData) payloadType() Type { return TypeNewOutcome }

// Alert is one detected anomaly flowing through the queue.
type Alert struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Severity    Severity       `json:"severity"`
	MarketID    string         `json:"marketId"`
	OutcomeID   string         `json:"outcomeId,omitempty"`
	TokenID     string         `json:"tokenId,omitempty"`
	OutcomeName string         `json:"outcomeName,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        Payload        `json:"-"`
	Extras      map[string]any `json:"extras,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New builds an alert stamped with an id and the given time.
func New(t Type, sev Severity, marketID string, data Payload, ts time.Time) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		MarketID:  marketID,
		Data:      data,
		Timestamp: ts,
	}
}

// wireAlert is the queue representation; Data rides as raw JSON so the
// union survives the round trip.
type wireAlert struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Severity    Severity        `json:"severity"`
	MarketID    string          `json:"marketId"`
	OutcomeID   string          `json:"outcomeId,omitempty"`
	TokenID     string          `json:"tokenId,omitempty"`
	OutcomeName string          `json:"outcomeName,omitempty"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Extras      map[string]any  `json:"extras,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (a *Alert) MarshalJSON() ([]byte, error) {
	w := wireAlert{
		ID:          a.ID,
		Type:        a.Type,
		Severity:    a.Severity,
		MarketID:    a.MarketID,
		OutcomeID:   a.OutcomeID,
		TokenID:     a.TokenID,
		OutcomeName: a.OutcomeName,
		Message:     a.Message,
		Extras:      a.Extras,
		Timestamp:   a.Timestamp,
	}
	if a.Data != nil {
		b, err := json.Marshal(a.Data)
		if err != nil {
			return nil, err
		}
		w.Data = b
	}
	return json.Marshal(w)
}

func (a *Alert) UnmarshalJSON(data []byte) error {
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.ID = w.ID
	a.Type = w.Type
	a.Severity = w.Severity
	a.MarketID = w.MarketID
	a.OutcomeID = w.OutcomeID
	a.TokenID = w.TokenID
	a.OutcomeName = w.OutcomeName
	a.Message = w.Message
	a.Extras = w.Extras
	a.Timestamp = w.Timestamp

	if len(w.Data) == 0 {
		a.Data = nil
		return nil
	}
	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	a.Data = payload
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypePriceVelocity:
		p = &VelocityData{}
	case TypeInsiderMove:
		p = &InsiderData{}
	case TypeVolumeAcceleration:
		p = &VolumeData{}
	case TypeFatFinger:
		p = &FatFingerData{}
	case TypeLiquidityVacuum:
		p = &VacuumData{}
	case TypeWhaleTrade:
		p = &WhaleData{}
	case TypeNewMarket:
		p = &NewMarketData{}
	case TypeNewOutcome:
		p = &NewOutcomeData{}
	default:
		return nil, fmt.Errorf("unknown alert type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Decode parses one queue entry.
func Decode(raw string) (*Alert, error) {
	var a Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	if a.Type == "" || a.MarketID == "" {
		return nil, fmt.Errorf("decode alert: missing type or market id")
	}
	return &a, nil
}

// Age returns how long ago the alert was raised.
func (a *Alert) Age(now time.Time) time.Duration {
	return now.Sub(a.Timestamp)
}
