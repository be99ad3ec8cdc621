// Package cache wraps Redis behind an ok-or-absent facade. Reads report
// presence instead of errors and writes report success, so callers never
// branch on failure modes: a missing client, a timeout and a genuine miss
// all look the same. The monitor treats Redis as optional capacity and
// must keep running without it.
package cache

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/config"
)

// Cache is the shared Redis handle. A nil inner client is valid and turns
// every operation into a no-op miss.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis per cfg. When cfg.Enabled is false the returned
// Cache is a disabled stub.
func New(cfg config.RedisConfig) *Cache {
	if !cfg.Enabled {
		return &Cache{}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{rdb: rdb}
}

// NewWithClient wraps an existing client; tests inject redismock here.
func NewWithClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Enabled reports whether a client is wired at all.
func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

// Ping verifies connectivity. Disabled caches report healthy: the monitor
// is designed to run without Redis.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

// miss logs a failed round trip once at debug. redis.Nil is an ordinary
// miss and stays silent.
func miss(op, key string, err error) {
	if err != nil && err != redis.Nil {
		log.Debug().Err(err).Str("op", op).Str("key", key).Msg("cache miss (error)")
	}
}

// GetJSON unmarshals the value at key into dest.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	if !c.Enabled() {
		return false
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		miss("get", key, err)
		return false
	}
	if err := json.Unmarshal(b, dest); err != nil {
		miss("decode", key, err)
		return false
	}
	return true
}

// SetJSON marshals v and stores it under key with ttl (0 means no expiry).
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		miss("encode", key, err)
		return false
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		miss("set", key, err)
		return false
	}
	return true
}

func (c *Cache) GetString(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		miss("get", key, err)
		return "", false
	}
	return v, true
}

func (c *Cache) SetString(ctx context.Context, key, val string, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		miss("set", key, err)
		return false
	}
	return true
}

// TTL returns the remaining lifetime of key. Keys without expiry or
// missing keys report ok=false.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if !c.Enabled() {
		return 0, false
	}
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil || d < 0 {
		miss("ttl", key, err)
		return 0, false
	}
	return d, true
}

func (c *Cache) Delete(ctx context.Context, keys ...string) bool {
	if !c.Enabled() || len(keys) == 0 {
		return false
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		miss("del", keys[0], err)
		return false
	}
	return true
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		miss("expire", key, err)
		return false
	}
	return true
}

// SAdd inserts members and refreshes the set's TTL in one round trip pair.
func (c *Cache) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) bool {
	if !c.Enabled() || len(members) == 0 {
		return false
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		miss("sadd", key, err)
		return false
	}
	return true
}

// SIsMember reports set membership. ok=false means the answer is unknown,
// which callers must distinguish from "known absent".
func (c *Cache) SIsMember(ctx context.Context, key, member string) (member_ bool, ok bool) {
	if !c.Enabled() {
		return false, false
	}
	v, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		miss("sismember", key, err)
		return false, false
	}
	return v, true
}

func (c *Cache) SCard(ctx context.Context, key string) (int64, bool) {
	if !c.Enabled() {
		return 0, false
	}
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		miss("scard", key, err)
		return 0, false
	}
	return n, true
}

// LPushJSON prepends the JSON encoding of v to the list and refreshes ttl.
func (c *Cache) LPushJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		miss("encode", key, err)
		return false
	}
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, b)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		miss("lpush", key, err)
		return false
	}
	return true
}

// LPopHead removes and returns the newest element (head) of the list.
func (c *Cache) LPopHead(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, err := c.rdb.LPop(ctx, key).Result()
	if err != nil {
		miss("lpop", key, err)
		return "", false
	}
	return v, true
}

// RPopTail removes and returns the oldest element (tail) of the list.
func (c *Cache) RPopTail(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, err := c.rdb.RPop(ctx, key).Result()
	if err != nil {
		miss("rpop", key, err)
		return "", false
	}
	return v, true
}

// PeekTail returns the oldest element without removing it.
func (c *Cache) PeekTail(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, err := c.rdb.LIndex(ctx, key, -1).Result()
	if err != nil {
		miss("lindex", key, err)
		return "", false
	}
	return v, true
}

func (c *Cache) LLen(ctx context.Context, key string) (int64, bool) {
	if !c.Enabled() {
		return 0, false
	}
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		miss("llen", key, err)
		return 0, false
	}
	return n, true
}

func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([]string, bool) {
	if !c.Enabled() {
		return nil, false
	}
	vs, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		miss("lrange", key, err)
		return nil, false
	}
	return vs, true
}

// HSetJSON writes one hash field as JSON and refreshes the key's TTL.
func (c *Cache) HSetJSON(ctx context.Context, key, field string, v any, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		miss("encode", key, err)
		return false
	}
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, field, b)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		miss("hset", key, err)
		return false
	}
	return true
}

func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, bool) {
	if !c.Enabled() {
		return nil, false
	}
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(m) == 0 {
		miss("hgetall", key, err)
		return nil, false
	}
	return m, true
}
