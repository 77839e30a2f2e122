// Copyright 2025 James Ross
// Package cache implements the per-call-result cache: TTL+TTI expiry,
// a plugin-id reverse index for O(k) invalidation, and get-or-compute with
// a force-recompute escape hatch. When a Redis address is configured it
// backs the cache with github.com/redis/go-redis/v9 instead of the
// in-process map, so cached results survive a host restart and can be
// shared across hosts; the in-process map is used when no Redis address is
// configured. A failed Redis call is treated as a miss (or a skipped write);
// it does not fall back to the map.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisOpTimeout = 2 * time.Second

const (
	DefaultTTL = 5 * time.Minute
	DefaultTTI = 2 * time.Minute
)

// Key identifies one cached result.
type Key struct {
	PluginID string
	Method   string
	Params   string // hash of params, see HashParams
}

// HashParams deterministically hashes arbitrary params for use in a Key.
func HashParams(params interface{}) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte{}
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	value      interface{}
	expiresAt  time.Time
	lastAccess time.Time
}

func (e *entry) expired(now time.Time, tti time.Duration) bool {
	return now.After(e.expiresAt) || now.Sub(e.lastAccess) > tti
}

// Stats reports cache hit-rate for observability.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate returns hits/(hits+misses), or 0 if nothing has been recorded.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a concurrent TTL+TTI cache keyed by (plugin, method, params).
// If redis is non-nil, Get/Set/InvalidatePlugin are served from Redis
// instead of the in-process map, which is then left idle.
type Cache struct {
	ttl time.Duration
	tti time.Duration

	mu       sync.Mutex
	entries  map[Key]*entry
	byPlugin map[string]map[Key]struct{}
	stats    Stats

	redis *redisTier
}

// New builds an in-process cache; zero durations fall back to the package
// defaults.
func New(ttl, tti time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if tti <= 0 {
		tti = DefaultTTI
	}
	return &Cache{
		ttl:      ttl,
		tti:      tti,
		entries:  make(map[Key]*entry),
		byPlugin: make(map[string]map[Key]struct{}),
	}
}

// NewWithRedis builds a cache backed by a Redis server at addr, using ttl
// as the key expiry (TTI is not meaningful for a Redis-backed tier, since
// Redis has no per-key last-access tracking without extra round-trips).
func NewWithRedis(ttl, tti time.Duration, addr string, logger *zap.Logger) *Cache {
	c := New(ttl, tti)
	if logger == nil {
		logger = zap.NewNop()
	}
	c.redis = &redisTier{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    c.ttl,
		logger: logger,
	}
	return c
}

// redisTier is the optional Redis-backed cache tier. It stores each value
// JSON-encoded under a key namespaced by plugin/method/params, and tracks
// per-plugin members in a Redis set so InvalidatePlugin doesn't need a scan.
type redisTier struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func redisValueKey(key Key) string {
	return fmt.Sprintf("pluginhost:cache:v:%s:%s:%s", key.PluginID, key.Method, key.Params)
}

func redisPluginSetKey(pluginID string) string {
	return fmt.Sprintf("pluginhost:cache:p:%s", pluginID)
}

func (r *redisTier) get(key Key) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, redisValueKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("cache: redis get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		r.logger.Warn("cache: redis value undecodable, treating as miss", zap.Error(err))
		return nil, false
	}
	return v, true
}

func (r *redisTier) set(key Key, value interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn("cache: value not JSON-encodable, not caching", zap.Error(err))
		return
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, redisValueKey(key), raw, r.ttl)
	pipe.SAdd(ctx, redisPluginSetKey(key.PluginID), redisValueKey(key))
	pipe.Expire(ctx, redisPluginSetKey(key.PluginID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache: redis set failed", zap.Error(err))
	}
}

func (r *redisTier) invalidatePlugin(pluginID string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	setKey := redisPluginSetKey(pluginID)
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		r.logger.Warn("cache: redis invalidate failed to list members", zap.Error(err))
		return
	}
	if len(members) == 0 {
		return
	}
	members = append(members, setKey)
	if err := r.client.Del(ctx, members...).Err(); err != nil {
		r.logger.Warn("cache: redis invalidate failed to delete members", zap.Error(err))
	}
}

// Get returns the cached value if present and unexpired, refreshing its
// TTI window on access.
func (c *Cache) Get(key Key) (interface{}, bool) {
	if c.redis != nil {
		v, ok := c.redis.get(key)
		c.mu.Lock()
		if ok {
			c.stats.Hits++
		} else {
			c.stats.Misses++
		}
		c.mu.Unlock()
		return v, ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	now := time.Now()
	if !ok || e.expired(now, c.tti) {
		c.stats.Misses++
		if ok {
			c.removeLocked(key)
		}
		return nil, false
	}
	e.lastAccess = now
	c.stats.Hits++
	return e.value, true
}

// Set inserts or replaces a cached value, maintaining the reverse index.
func (c *Cache) Set(key Key, value interface{}) {
	if c.redis != nil {
		c.redis.set(key, value)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.entries[key] = &entry{value: value, expiresAt: now.Add(c.ttl), lastAccess: now}
	set, ok := c.byPlugin[key.PluginID]
	if !ok {
		set = make(map[Key]struct{})
		c.byPlugin[key.PluginID] = set
	}
	set[key] = struct{}{}
}

func (c *Cache) removeLocked(key Key) {
	delete(c.entries, key)
	if set, ok := c.byPlugin[key.PluginID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byPlugin, key.PluginID)
		}
	}
}

// InvalidatePlugin removes every key belonging to pluginID in O(k) via the
// reverse index, without scanning the whole cache.
func (c *Cache) InvalidatePlugin(pluginID string) {
	if c.redis != nil {
		c.redis.invalidatePlugin(pluginID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byPlugin[pluginID] {
		delete(c.entries, key)
	}
	delete(c.byPlugin, pluginID)
}

// GetOrCompute returns the cached value unless force is true or nothing is
// cached, in which case it calls compute, caches the result (if err == nil),
// and always records a hit/miss statistic.
func (c *Cache) GetOrCompute(key Key, force bool, compute func() (interface{}, error)) (interface{}, error) {
	if !force {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
	} else {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
	}
	v, err := compute()
	if err != nil {
		return nil, err
	}
	c.Set(key, v)
	return v, nil
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
