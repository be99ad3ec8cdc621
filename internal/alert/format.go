package alert

import (
	"fmt"
	"strings"
)

// Formatted is the enriched, human-readable alert handed to notification
// channels.
type Formatted struct {
	Alert    *Alert `json:"alert"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Question string `json:"question,omitempty"`
	Category string `json:"category,omitempty"`
	Slug     string `json:"slug,omitempty"`
	// EventSlug is the canonical parent-event slug when one could be
	// resolved; channels use it to build venue links.
	EventSlug string `json:"eventSlug,omitempty"`
}

// MarketURL builds the venue link for the alert, preferring the parent
// event slug.
func (f *Formatted) MarketURL() string {
	slug := f.EventSlug
	if slug == "" {
		slug = f.Slug
	}
	if slug == "" {
		return ""
	}
	return "https://polymarket.com/event/" + slug
}

var titles = map[Type]string{
	TypePriceVelocity:      "Sharp price move",
	TypeInsiderMove:        "Insider-style move",
	TypeVolumeAcceleration: "Volume acceleration",
	TypeFatFinger:          "Fat-finger reversal",
	TypeLiquidityVacuum:    "Liquidity vacuum",
	TypeWhaleTrade:         "Whale trade",
	TypeNewMarket:          "New market",
	TypeNewOutcome:         "New outcome",
}

// Format renders the alert into its delivery shape. The body is built
// from the typed payload; enrichment fields are filled by the dispatcher
// before calling.
func Format(a *Alert, question, category, slug, eventSlug string) *Formatted {
	f := &Formatted{
		Alert:     a,
		Title:     titles[a.Type],
		Question:  question,
		Category:  category,
		Slug:      slug,
		EventSlug: eventSlug,
	}
	if f.Title == "" {
		f.Title = string(a.Type)
	}

	subject := question
	if subject == "" {
		subject = "market " + a.MarketID
	}
	if a.OutcomeName != "" {
		subject += " / " + a.OutcomeName
	}

	f.Body = body(a, subject)
	a.Message = f.Body
	return f
}

func body(a *Alert, subject string) string {
	switch d := a.Data.(type) {
	case *VelocityData:
		return fmt.Sprintf("%s: price moved %.1f points (%.2f to %.2f, %+.1f%%) in %.0fs",
			subject, d.AbsoluteChange*100, d.LastPrice, d.CurrentPrice, d.PercentageChange, d.ElapsedSeconds)
	case *InsiderData:
		return fmt.Sprintf("%s: price moved %.1f points while 1m volume hit $%.0f against a $%.0f average (z=%.1f)",
			subject, d.Velocity.AbsoluteChange*100, d.Volume.CurrentVolume, d.Volume.AverageVolume, d.Volume.ZScore)
	case *VolumeData:
		return fmt.Sprintf("%s: 1m volume $%.0f vs $%.0f average (z=%.1f)",
			subject, d.CurrentVolume, d.AverageVolume, d.ZScore)
	case *FatFingerData:
		return fmt.Sprintf("%s: trade at %.2f jumped %+.1f%% then reverted %+.1f%% to %.2f",
			subject, d.Prices[1], d.PercentageChange, d.ReversionChange, d.Prices[2])
	case *VacuumData:
		if d.LastDepth > 0 {
			return fmt.Sprintf("%s: book depth fell %.0f%% (%.0f to %.0f)",
				subject, d.DepthDropPct*100, d.LastDepth, d.CurrentDepth)
		}
		return fmt.Sprintf("%s: spread widened to %.2f", subject, d.Spread)
	case *WhaleData:
		side := ""
		if d.Side != "" {
			side = " " + strings.ToLower(d.Side)
		}
		return fmt.Sprintf("%s: $%.0f%s trade at %.2f", subject, d.TradeSize, side, d.Price)
	case *NewMarketData:
		if d.MatchedKeyword != "" {
			return fmt.Sprintf("new market %q (keyword: %s)", d.Question, d.MatchedKeyword)
		}
		return fmt.Sprintf("new market %q", d.Question)
	case *NewOutcomeData:
		return fmt.Sprintf("%s: new outcome %q", subject, d.OutcomeName)
	default:
		return fmt.Sprintf("%s: %s alert", subject, a.Type)
	}
}
