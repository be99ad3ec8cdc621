package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tradePayload struct {
	Price    float64 `json:"price"`
	SizeUSDC float64 `json:"sizeUSDC"`
}

func mustEnvelope(t *testing.T, ts time.Time, n uint64, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	b, err := json.Marshal(envelope{T: ts.UnixMilli(), N: n, V: raw})
	require.NoError(t, err)
	return b
}

func TestRollingAddEnforcesBothBounds(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	r := NewRolling(NewWithClient(db))

	ts := time.UnixMilli(1700000000000)
	key := KeyTrades("tok1")
	payload := tradePayload{Price: 0.5, SizeUSDC: 250}
	member := mustEnvelope(t, ts, 1, payload)

	mock.ExpectZAdd(key, redis.Z{Score: float64(ts.UnixMilli()), Member: member}).SetVal(1)
	// Age bound: everything strictly older than one hour goes.
	mock.ExpectZRemRangeByScore(key, "-inf", "(1699996400000").SetVal(0)
	// Count bound: keep the 1000 newest.
	mock.ExpectZRemRangeByRank(key, 0, -1001).SetVal(0)
	// Window plus an hour of slack.
	mock.ExpectExpire(key, 2*time.Hour).SetVal(true)

	assert.True(t, r.Add(ctx, key, ts, payload, time.Hour, 1000))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollingLatestNewestFirst(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	r := NewRolling(NewWithClient(db))

	key := KeyTrades("tok1")
	t2 := time.UnixMilli(2000)
	t1 := time.UnixMilli(1000)
	mock.ExpectZRevRange(key, 0, 1).SetVal([]string{
		string(mustEnvelope(t, t2, 2, tradePayload{Price: 0.6})),
		string(mustEnvelope(t, t1, 1, tradePayload{Price: 0.5})),
	})

	entries, ok := r.Latest(ctx, key, 2)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, t2, entries[0].Timestamp)
	assert.Equal(t, t1, entries[1].Timestamp)

	var p tradePayload
	require.NoError(t, entries[0].Decode(&p))
	assert.Equal(t, 0.6, p.Price)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollingRangeByTimeSkipsCorruptMembers(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	r := NewRolling(NewWithClient(db))

	key := KeyOrderbook("tok1")
	from := time.UnixMilli(0)
	to := time.UnixMilli(5000)
	good := mustEnvelope(t, time.UnixMilli(1500), 1, tradePayload{Price: 0.5})

	mock.ExpectZRangeByScore(key, &redis.ZRangeBy{Min: "0", Max: "5000"}).
		SetVal([]string{"corrupt{", string(good)})

	entries, ok := r.RangeByTime(ctx, key, from, to)
	require.True(t, ok)
	require.Len(t, entries, 1, "corrupt member dropped, good one kept")
	assert.Equal(t, time.UnixMilli(1500), entries[0].Timestamp)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollingStats(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	r := NewRolling(NewWithClient(db))

	key := KeyTrades("tok1")
	mock.ExpectZCard(key).SetVal(3)
	mock.ExpectZRangeWithScores(key, 0, 0).SetVal([]redis.Z{{Score: 1000}})
	mock.ExpectZRangeWithScores(key, -1, -1).SetVal([]redis.Z{{Score: 9000}})

	st, ok := r.Stats(ctx, key)
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, time.UnixMilli(1000), st.OldestTs)
	assert.Equal(t, time.UnixMilli(9000), st.NewestTs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollingDisabled(t *testing.T) {
	ctx := context.Background()
	r := NewRolling(&Cache{})

	assert.False(t, r.Add(ctx, "k", time.Now(), tradePayload{}, time.Hour, 10))
	_, ok := r.Latest(ctx, "k", 5)
	assert.False(t, ok)
	_, ok = r.Count(ctx, "k")
	assert.False(t, ok)
}

func TestSeriesTTL(t *testing.T) {
	assert.Equal(t, 2*time.Hour, seriesTTL(time.Hour))
	assert.Equal(t, 3660*time.Second, seriesTTL(time.Minute))
	// Sub-second windows round up before the slack hour is added.
	assert.Equal(t, 3601*time.Second, seriesTTL(500*time.Millisecond))
}
