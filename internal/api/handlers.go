package api

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/detect"
	"polymarket-monitor/internal/store"
)

// outcomeView decorates a stored outcome with its cached current price.
// CurrentPrice is null when no quote is cached, per the degraded-read
// contract.
type outcomeView struct {
	store.Outcome
	CurrentPrice *currentPrice `json:"currentPrice"`
}

type currentPrice struct {
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	Mid     float64   `json:"mid"`
	Implied float64   `json:"impliedProbability"`
	TS      time.Time `json:"timestamp"`
}

type marketDetail struct {
	store.Market
	Outcomes []outcomeView `json:"outcomes"`
}

type marketList struct {
	Markets []store.Market `json:"markets"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	q := r.URL.Query()
	category := q.Get("category")
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)

	// Only the unfiltered first page is cached; ingestion invalidates it
	// on fresh prices.
	cacheable := category == "" && offset == 0 && limit == 50
	if cacheable {
		var cached marketList
		if s.deps.Cache.GetJSON(r.Context(), cache.KeyReadMarketList, &cached) {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	markets, err := s.deps.DB.ListMarkets(r.Context(), category, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing markets failed")
		return
	}
	resp := marketList{Markets: markets, Limit: limit, Offset: offset}
	if cacheable {
		s.deps.Cache.SetJSON(r.Context(), cache.KeyReadMarketList, resp, 30*time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	id := mux.Vars(r)["id"]

	var cached marketDetail
	if s.deps.Cache.GetJSON(r.Context(), cache.KeyReadMarket(id), &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	m, err := s.deps.DB.GetMarket(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "market lookup failed")
		return
	}
	if m == nil {
		// Event-level ids resolve through the grouping question id.
		m, err = s.deps.DB.GetMarketByQuestionID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "market lookup failed")
			return
		}
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	outcomes, err := s.deps.DB.ListOutcomes(r.Context(), m.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outcome lookup failed")
		return
	}

	prices, _ := s.deps.Cache.HGetAll(r.Context(), cache.KeyMarketPrices(m.ID))
	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		v := outcomeView{Outcome: o}
		if raw, ok := prices[o.TokenID]; ok {
			var cp currentPrice
			if err := json.Unmarshal([]byte(raw), &cp); err == nil {
				v.CurrentPrice = &cp
			}
		}
		views = append(views, v)
	}

	detail := marketDetail{Market: *m, Outcomes: views}
	s.deps.Cache.SetJSON(r.Context(), cache.KeyReadMarket(id), detail, 30*time.Second)
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	hours := intParam(q.Get("hours"), 24)
	limit := intParam(q.Get("limit"), 1000)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	points, err := s.deps.DB.ListPriceHistory(r.Context(), id, q.Get("outcome"), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "price history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marketId": id, "points": points})
}

type tradeView struct {
	Timestamp time.Time `json:"timestamp"`
	detect.TradePoint
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := int64(intParam(r.URL.Query().Get("limit"), 100))

	views := map[string][]tradeView{}
	for _, o := range s.marketOutcomes(r, id) {
		entries, ok := s.deps.Rolling.Latest(r.Context(), cache.KeyTrades(o.TokenID), limit)
		if !ok {
			continue
		}
		list := make([]tradeView, 0, len(entries))
		for _, e := range entries {
			var tp detect.TradePoint
			if err := e.Decode(&tp); err != nil {
				continue
			}
			list = append(list, tradeView{Timestamp: e.Timestamp, TradePoint: tp})
		}
		views[o.Name] = list
	}
	writeJSON(w, http.StatusOK, map[string]any{"marketId": id, "trades": views})
}

type bookView struct {
	Timestamp time.Time `json:"timestamp"`
	detect.BookPoint
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := int64(intParam(r.URL.Query().Get("limit"), 50))

	views := map[string][]bookView{}
	for _, o := range s.marketOutcomes(r, id) {
		entries, ok := s.deps.Rolling.Latest(r.Context(), cache.KeyOrderbook(o.TokenID), limit)
		if !ok {
			continue
		}
		list := make([]bookView, 0, len(entries))
		for _, e := range entries {
			var bp detect.BookPoint
			if err := e.Decode(&bp); err != nil {
				continue
			}
			list = append(list, bookView{Timestamp: e.Timestamp, BookPoint: bp})
		}
		views[o.Name] = list
	}
	writeJSON(w, http.StatusOK, map[string]any{"marketId": id, "book": views})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := int64(intParam(q.Get("limit"), 50))

	if marketID := q.Get("market"); marketID != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"marketId": marketID,
			"alerts":   s.deps.Queue.RecentForMarket(r.Context(), marketID, limit),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":  s.deps.Queue.Recent(r.Context(), limit),
		"pending": s.deps.Queue.Len(r.Context()),
	})
}

func (s *Server) marketOutcomes(r *http.Request, marketID string) []store.Outcome {
	if s.deps.DB == nil {
		return nil
	}
	outcomes, err := s.deps.DB.ListOutcomes(r.Context(), marketID)
	if err != nil {
		return nil
	}
	return outcomes
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
