package cache

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Rolling stores bounded time series in sorted sets: score is the event
// timestamp in epoch milliseconds, member is a JSON envelope carrying the
// payload plus a process-local sequence number so identical payloads at
// the same millisecond stay distinct members.
type Rolling struct {
	c   *Cache
	seq atomic.Uint64
}

// NewRolling shares the facade's client; it inherits the same ok-or-absent
// behaviour when Redis is disabled.
func NewRolling(c *Cache) *Rolling {
	return &Rolling{c: c}
}

// Entry is one decoded series element.
type Entry struct {
	Timestamp time.Time
	Value     json.RawMessage
}

// Decode unmarshals the entry payload into dest.
func (e Entry) Decode(dest any) error {
	return json.Unmarshal(e.Value, dest)
}

// SeriesStats summarises one series without reading its payloads.
type SeriesStats struct {
	Count    int64
	OldestTs time.Time
	NewestTs time.Time
}

type envelope struct {
	T int64           `json:"t"`
	N uint64          `json:"n"`
	V json.RawMessage `json:"v"`
}

// Add appends value at ts and enforces both bounds: everything strictly
// older than maxAge is removed and at most maxItems members remain. The
// key's TTL is refreshed to the window length plus an hour of slack so an
// abandoned series expires on its own.
func (r *Rolling) Add(ctx context.Context, key string, ts time.Time, value any, maxAge time.Duration, maxItems int64) bool {
	if !r.c.Enabled() {
		return false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		miss("encode", key, err)
		return false
	}
	member, err := json.Marshal(envelope{T: ts.UnixMilli(), N: r.seq.Add(1), V: raw})
	if err != nil {
		miss("encode", key, err)
		return false
	}

	cutoff := ts.Add(-maxAge).UnixMilli()
	ttl := seriesTTL(maxAge)

	pipe := r.c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	if maxItems > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -(maxItems + 1))
	}
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		miss("zadd", key, err)
		return false
	}
	return true
}

// RangeByTime returns entries with from <= ts <= to, oldest first.
func (r *Rolling) RangeByTime(ctx context.Context, key string, from, to time.Time) ([]Entry, bool) {
	if !r.c.Enabled() {
		return nil, false
	}
	members, err := r.c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixMilli()),
		Max: fmt.Sprintf("%d", to.UnixMilli()),
	}).Result()
	if err != nil {
		miss("zrangebyscore", key, err)
		return nil, false
	}
	return decodeMembers(key, members), true
}

// Latest returns up to n entries, newest first.
func (r *Rolling) Latest(ctx context.Context, key string, n int64) ([]Entry, bool) {
	if !r.c.Enabled() || n <= 0 {
		return nil, false
	}
	members, err := r.c.rdb.ZRevRange(ctx, key, 0, n-1).Result()
	if err != nil {
		miss("zrevrange", key, err)
		return nil, false
	}
	return decodeMembers(key, members), true
}

// Count returns the series cardinality.
func (r *Rolling) Count(ctx context.Context, key string) (int64, bool) {
	if !r.c.Enabled() {
		return 0, false
	}
	n, err := r.c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		miss("zcard", key, err)
		return 0, false
	}
	return n, true
}

// Stats reports cardinality plus the oldest and newest timestamps.
func (r *Rolling) Stats(ctx context.Context, key string) (SeriesStats, bool) {
	if !r.c.Enabled() {
		return SeriesStats{}, false
	}
	pipe := r.c.rdb.Pipeline()
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	newest := pipe.ZRangeWithScores(ctx, key, -1, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		miss("zstats", key, err)
		return SeriesStats{}, false
	}

	st := SeriesStats{Count: card.Val()}
	if zs := oldest.Val(); len(zs) > 0 {
		st.OldestTs = time.UnixMilli(int64(zs[0].Score))
	}
	if zs := newest.Val(); len(zs) > 0 {
		st.NewestTs = time.UnixMilli(int64(zs[0].Score))
	}
	return st, true
}

// Drop removes the whole series.
func (r *Rolling) Drop(ctx context.Context, key string) bool {
	return r.c.Delete(ctx, key)
}

func decodeMembers(key string, members []string) []Entry {
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			miss("decode", key, err)
			continue
		}
		entries = append(entries, Entry{Timestamp: time.UnixMilli(env.T), Value: env.V})
	}
	return entries
}

func seriesTTL(maxAge time.Duration) time.Duration {
	secs := int64(math.Ceil(maxAge.Seconds())) + 3600
	return time.Duration(secs) * time.Second
}
