// Package ratelimit implements the Counter Store (B), Block Table
// (C), and Rate-Limit Evaluator (D): the sliding-window counters keyed
// by IP/ASN/country/UA, the ephemeral blocklist, and the fixed 1-7
// evaluation order that ties them together.
package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed slidingwindow.lua
var slidingWindowLua string

var slidingWindowScript = redis.NewScript(slidingWindowLua)

// CounterStore answers "how many requests have been seen for this key
// in its current window, including delta" per spec.md §4.2. A single
// instance transparently serves every distinct window length a route
// configures — the window is a parameter of each call, not of the
// store, since the Lua script derives its own bucket key from it.
type CounterStore interface {
	Observe(ctx context.Context, key string, windowSecs int, delta int64) (int64, error)
}

// RedisCounterStore runs the embedded weighted-sliding-window script
// against a shared redis.Client, the same go:embed + redis.NewScript
// pattern the teacher's internal/rl.Limiter uses for its token bucket.
type RedisCounterStore struct {
	rdb   *redis.Client
	clock func() time.Time
}

// NewRedisCounterStore wraps rdb. clock defaults to time.Now; tests
// override it to control epoch boundaries deterministically.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb, clock: time.Now}
}

// Observe adds delta to the current fixed window and returns the
// weighted running count (current bucket plus the previous bucket's
// count scaled by the unelapsed fraction of the window).
func (s *RedisCounterStore) Observe(ctx context.Context, key string, windowSecs int, delta int64) (int64, error) {
	if windowSecs <= 0 {
		return 0, errors.New("ratelimit: window must be positive")
	}
	nowMs := s.clock().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{key}, nowMs, windowSecs, delta).Result()
	if err != nil {
		return 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, errors.New("ratelimit: unexpected script return shape")
	}
	weightedStr, ok := arr[1].(string)
	if !ok {
		return 0, errors.New("ratelimit: unexpected weighted count type")
	}
	weighted, err := strconv.ParseFloat(weightedStr, 64)
	if err != nil {
		return 0, err
	}
	// Rate-limit decisions compare against an integer max_req; round up
	// so a fractional carry from the previous bucket still counts
	// toward tripping the limit rather than being silently dropped.
	return int64(weighted + 0.999999), nil
}
