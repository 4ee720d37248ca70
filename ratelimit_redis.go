/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitConfig configures a RedisRateLimitStore.
type RedisRateLimitConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces rate-limit keys in the shared keyspace.
	// Default: "waypoint:ratelimit:".
	KeyPrefix string
}

func (cfg *RedisRateLimitConfig) setDefaults() {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "waypoint:ratelimit:"
	}
}

// rateLimitScript implements a token bucket entirely server-side so that
// concurrent requests across every Server instance sharing this Redis
// database see a consistent bucket: HMGET + refill + conditional
// decrement + HSET + PEXPIRE, executed atomically.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttl_ms)

return {allowed, tostring(tokens)}
`)

// RedisRateLimitStore is a RateLimitStore backed by Redis, for rate limits
// shared across a fleet of Server instances rather than scoped to one
// process's memory.
type RedisRateLimitStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRateLimitStore connects to Redis and verifies reachability with a
// bounded Ping before returning.
func NewRedisRateLimitStore(cfg RedisRateLimitConfig) (*RedisRateLimitStore, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("waypoint: RedisRateLimitConfig.Addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("waypoint: connecting to redis: %w", err)
	}

	return &RedisRateLimitStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

// RateLimitStoreFromConfig builds the RateLimitStore a Config's RateLimit
// section describes: a RedisRateLimitStore addressed at cfg.RateLimit.Redis
// when set, or nil (meaning RateLimit's own in-process
// NewMemoryRateLimitStore default) when it is empty. Builder.FromConfig
// calls this to wire the RateLimit stage automatically whenever a loaded
// Config declares a rate. The dial timeout is kept short: this runs at
// startup to decide which store to use, not as a general-purpose client
// configuration.
func RateLimitStoreFromConfig(cfg *Config) (RateLimitStore, error) {
	if cfg.RateLimit.Redis == "" {
		return nil, nil
	}
	return NewRedisRateLimitStore(RedisRateLimitConfig{
		Addr:        cfg.RateLimit.Redis,
		DialTimeout: 2 * time.Second,
	})
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, rate float64, burst int) (bool, time.Duration, error) {
	nowMS := time.Now().UnixMilli()
	ttlMS := int64(math.Ceil(float64(burst)/rate*1000)) + 1000

	res, err := rateLimitScript.Run(ctx, s.rdb, []string{s.prefix + key}, rate, burst, nowMS, ttlMS).Result()
	if err != nil {
		return false, 0, fmt.Errorf("waypoint: redis rate limit eval: %w", err)
	}
	row, ok := res.([]interface{})
	if !ok || len(row) != 2 {
		return false, 0, errors.New("waypoint: unexpected redis rate limit reply shape")
	}
	allowed := row[0].(int64) == 1
	if allowed {
		return true, 0, nil
	}
	var tokens float64
	if _, err := fmt.Sscanf(fmt.Sprint(row[1]), "%f", &tokens); err != nil {
		tokens = 0
	}
	retryAfter := time.Duration(math.Ceil((1-tokens)/rate*float64(time.Second)))
	return false, retryAfter, nil
}

// Close releases the underlying Redis client connection pool.
func (s *RedisRateLimitStore) Close() error {
	return s.rdb.Close()
}
