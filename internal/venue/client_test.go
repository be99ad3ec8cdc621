package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
)

func testClient(srv *httptest.Server) *Client {
	return NewClient(config.VenueConfig{
		GammaURL:       srv.URL + "/gamma",
		DataAPIURL:     srv.URL + "/data",
		ClobURL:        srv.URL + "/clob",
		RequestTimeout: 5,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}, metrics.New())
}

func TestFetchMarketsFallsThroughEndpoints(t *testing.T) {
	var gammaHits, eventHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/gamma/markets", func(w http.ResponseWriter, r *http.Request) {
		gammaHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/gamma/events", func(w http.ResponseWriter, r *http.Request) {
		eventHits.Add(1)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		w.Write([]byte(`[{"id":"1","question":"a"},{"id":"2","question":"b"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv)
	active, closed := true, false
	markets, err := c.FetchMarkets(context.Background(), FetchQuery{Limit: 25, Active: &active, Closed: &closed})
	require.NoError(t, err)
	assert.Len(t, markets, 2)
	assert.Equal(t, int64(1), gammaHits.Load())
	assert.Equal(t, int64(1), eventHits.Load())
	// The failed gamma attempt is counted as a fallback; the endpoint
	// that answered is not.
	assert.Equal(t, 1.0, testutil.ToFloat64(c.met.RESTFallbacks.WithLabelValues("gamma-markets")))
	assert.Zero(t, testutil.ToFloat64(c.met.RESTFallbacks.WithLabelValues("gamma-events")))
}

func TestFetchMarkets404IsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv)
	markets, err := c.FetchMarkets(context.Background(), FetchQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, markets)
}

func TestFetchMarketsErrorsOnlyWhenAllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.FetchMarkets(context.Background(), FetchQuery{Limit: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch markets")
}

func TestFetchMarketByIDThenSlugFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gamma/markets/by-slug", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/gamma/markets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("slug") == "by-slug" {
			w.Write([]byte(`[{"id":"77","question":"found by slug","slug":"by-slug"}]`))
			return
		}
		w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv)
	m, err := c.FetchMarket(context.Background(), "by-slug")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "77", m.ID)

	// Nothing matches either way: absent, not an error.
	m, err = c.FetchMarket(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFetchQuestionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("condition_ids") == "0xc" {
			w.Write([]byte(`[{"id":"1","questionID":"0xq"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(srv)
	qid, err := c.FetchQuestionID(context.Background(), "0xc")
	require.NoError(t, err)
	assert.Equal(t, "0xq", qid)

	qid, err = c.FetchQuestionID(context.Background(), "0xunknown")
	require.NoError(t, err)
	assert.Empty(t, qid)
}

func TestFetchTagsHandlesBothListShapes(t *testing.T) {
	bodies := []string{
		`[{"id":"1","label":"Crypto","slug":"crypto"},{"id":"2","label":"Politics","slug":"politics"}]`,
		`{"data":[{"id":"1","label":"Crypto","slug":"crypto"},{"id":"2","label":"Politics","slug":"politics"}]}`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/gamma/tags", r.URL.Path)
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			w.Write([]byte(body))
		}))

		c := testClient(srv)
		tags, err := c.FetchTags(context.Background())
		require.NoError(t, err)
		require.Len(t, tags, 2)
		assert.Equal(t, "crypto", tags[0].Slug)
		assert.Equal(t, "Politics", tags[1].Label)
		srv.Close()
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.get(ctx, "gamma-markets", srv.URL+"/gamma/markets", nil)
	}
	// Three consecutive failures trip the breaker; later calls are
	// short-circuited without touching the host.
	assert.Equal(t, int64(3), hits.Load())
}
