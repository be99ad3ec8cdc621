package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/venue"
)

type fixedState string

func (s fixedState) State() string { return string(s) }

type countedState struct {
	fixedState
	stats venue.StreamStats
}

func (s countedState) Stats() venue.StreamStats { return s.stats }

func mockDB(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func testServer(t *testing.T, db *store.Store) *Server {
	t.Helper()
	c := cache.NewWithClient(nil)
	return NewServer(config.Default().API, Deps{
		DB:         db,
		Cache:      c,
		Rolling:    cache.NewRolling(c),
		Queue:      alert.NewQueue(c, time.Hour),
		Hub:        NewHub(),
		Met:        metrics.New(),
		Stream:     fixedState("connected"),
		Dispatcher: fixedState("idle"),
		Active:     func() int { return 3 },
	})
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func marketColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "question", "slug", "category", "end_date", "image_url",
		"volume", "volume_24h", "liquidity", "question_id", "activity_score",
		"created_at", "updated_at",
	})
}

func TestHealthzDegradedWithoutDatabase(t *testing.T) {
	s := testServer(t, nil)
	rec := doGET(t, s, "/healthz")

	// Health always answers 200; degradation lives in the body.
	assert.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
		Details    map[string]any    `json:"details"`
	}
	decodeBody(t, rec, &report)
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "absent", report.Components["database"])
	assert.Equal(t, "disabled", report.Components["cache"])
	assert.Equal(t, "connected", report.Components["stream"])
	assert.Equal(t, "idle", report.Components["dispatcher"])
	assert.EqualValues(t, 3, report.Details["active_markets"])
}

func TestHealthzReportsStreamCounters(t *testing.T) {
	c := cache.NewWithClient(nil)
	s := NewServer(config.Default().API, Deps{
		Cache: c,
		Stream: countedState{
			fixedState: "subscribed",
			stats:      venue.StreamStats{Reconnects: 4, Messages: 90, Events: 70},
		},
	})
	rec := doGET(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		Components map[string]string `json:"components"`
		Details    struct {
			Stream venue.StreamStats `json:"stream"`
		} `json:"details"`
	}
	decodeBody(t, rec, &report)
	assert.Equal(t, "subscribed", report.Components["stream"])
	assert.Equal(t, int64(4), report.Details.Stream.Reconnects)
	assert.Equal(t, int64(90), report.Details.Stream.Messages)
	assert.Equal(t, int64(70), report.Details.Stream.Events)
}

func TestHealthzOKWithDatabase(t *testing.T) {
	db, _ := mockDB(t)
	s := testServer(t, db)
	rec := doGET(t, s, "/healthz")

	var report struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decodeBody(t, rec, &report)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Components["database"])
}

func TestMarketsUnavailableWithoutDatabase(t *testing.T) {
	s := testServer(t, nil)

	for _, path := range []string{"/markets", "/markets/m1", "/markets/m1/prices"} {
		rec := doGET(t, s, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestListMarkets(t *testing.T) {
	db, mock := mockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM markets").
		WillReturnRows(marketColumns().
			AddRow("m1", "Will BTC hit 100k?", "btc-100k", "Crypto", nil, nil,
				5000.0, 800.0, 120.0, nil, 0.9, now, now).
			AddRow("m2", "Who wins the election?", "election", "Politics", nil, nil,
				3000.0, 400.0, 90.0, nil, 0.5, now, now))

	s := testServer(t, db)
	rec := doGET(t, s, "/markets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Markets []store.Market `json:"markets"`
		Limit   int            `json:"limit"`
		Offset  int            `json:"offset"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Markets, 2)
	assert.Equal(t, "m1", resp.Markets[0].ID)
	assert.Equal(t, 50, resp.Limit)
	assert.Zero(t, resp.Offset)
}

func TestGetMarketNotFound(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery("SELECT .* FROM markets WHERE id").
		WithArgs("ghost").
		WillReturnRows(marketColumns())
	mock.ExpectQuery("SELECT .* FROM markets WHERE question_id").
		WithArgs("ghost").
		WillReturnRows(marketColumns())

	s := testServer(t, db)
	rec := doGET(t, s, "/markets/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "market not found", body["error"])
}

func TestGetMarketResolvesQuestionID(t *testing.T) {
	db, mock := mockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM markets WHERE id").
		WithArgs("0xq").
		WillReturnRows(marketColumns())
	mock.ExpectQuery("SELECT .* FROM markets WHERE question_id").
		WithArgs("0xq").
		WillReturnRows(marketColumns().AddRow(
			"m1", "Will BTC hit 100k?", "btc-100k", "Crypto", nil, nil,
			5000.0, 800.0, 120.0, "0xq", 0.9, now, now))
	mock.ExpectQuery("SELECT .* FROM outcomes WHERE market_id").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "market_id", "outcome", "token_id", "volume", "volume_24h", "created_at",
		}).AddRow("o1", "m1", "Yes", "tok1", 10.0, 1.0, now))

	s := testServer(t, db)
	rec := doGET(t, s, "/markets/0xq")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &detail)
	assert.Equal(t, "m1", detail.ID)
}

func TestGetMarketDetail(t *testing.T) {
	db, mock := mockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM markets WHERE id").
		WithArgs("m1").
		WillReturnRows(marketColumns().AddRow(
			"m1", "Will BTC hit 100k?", "btc-100k", "Crypto", nil, nil,
			5000.0, 800.0, 120.0, nil, 0.9, now, now))
	mock.ExpectQuery("SELECT .* FROM outcomes WHERE market_id").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "market_id", "outcome", "token_id", "volume", "volume_24h", "created_at",
		}).
			AddRow("o1", "m1", "Yes", "tok1", 10.0, 1.0, now).
			AddRow("o2", "m1", "No", "tok2", 12.0, 2.0, now))

	s := testServer(t, db)
	rec := doGET(t, s, "/markets/m1")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		ID       string `json:"id"`
		Outcomes []struct {
			Name         string          `json:"name"`
			CurrentPrice json.RawMessage `json:"currentPrice"`
		} `json:"outcomes"`
	}
	decodeBody(t, rec, &detail)
	assert.Equal(t, "m1", detail.ID)
	require.Len(t, detail.Outcomes, 2)
	assert.Equal(t, "Yes", detail.Outcomes[0].Name)
	// No cached quote: the field is an explicit null, not omitted.
	assert.Equal(t, "null", string(detail.Outcomes[0].CurrentPrice))
}

func TestAlertsWithCacheDown(t *testing.T) {
	s := testServer(t, nil)
	rec := doGET(t, s, "/alerts")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Alerts  []json.RawMessage `json:"alerts"`
		Pending int64             `json:"pending"`
	}
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.Alerts)
	assert.Zero(t, resp.Pending)
}

func TestTradesWithoutDatabase(t *testing.T) {
	s := testServer(t, nil)
	rec := doGET(t, s, "/markets/m1/trades")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		MarketID string                       `json:"marketId"`
		Trades   map[string][]json.RawMessage `json:"trades"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "m1", resp.MarketID)
	assert.Empty(t, resp.Trades)
}

func TestUnknownRoute(t *testing.T) {
	s := testServer(t, nil)
	rec := doGET(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "not found", body["error"])
}

func TestRequestIDHeader(t *testing.T) {
	s := testServer(t, nil)
	rec := doGET(t, s, "/healthz")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestIntParam(t *testing.T) {
	assert.Equal(t, 50, intParam("", 50))
	assert.Equal(t, 10, intParam("10", 50))
	assert.Equal(t, 50, intParam("-1", 50))
	assert.Equal(t, 50, intParam("abc", 50))
}
