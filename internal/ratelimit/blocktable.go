package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// mirrorTimeout bounds the best-effort Redis write Block performs when
// a mirror client is configured; it must never make the hot path wait
// on a slow or unreachable Redis.
const mirrorTimeout = 200 * time.Millisecond

const mirrorKeyPrefix = "pingwall:blocked:"

// sweepInterval gates full Block Table sweeps to at most once per
// epoch, per spec.md §4.3.
const sweepInterval = 60 * time.Second

type blockEntry struct {
	expiresAt time.Time
	origin    string // "<domain>:<path>" or just "<path>"
}

// BlockTable is the ephemeral blocklist (component C): a concurrent
// map keyed by IP with lazy expiry. Readers dominate, so the hot path
// (IsBlocked) never takes a mutex — sync.Map's internal read-mostly
// discipline is the reader-preferring structure spec.md §4.3 and §5
// ask for, mirrored from the teacher's internal/anom.Detector's use of
// sync.Map for its own per-key state.
type BlockTable struct {
	entries   sync.Map // ip -> *blockEntry
	lastSwept int64    // unix seconds, atomic
	clock     func() time.Time
	size      int64 // atomic approximate count for the metrics gauge

	// mirror is an optional cluster-wide view of the blocklist: a
	// best-effort SET with expiry so other proxy replicas converge on
	// the same block within one Redis round trip. The in-process map
	// above stays authoritative for this replica's hot path regardless
	// of whether mirror is set or reachable.
	mirror *redis.Client
}

func NewBlockTable() *BlockTable {
	return &BlockTable{clock: time.Now}
}

// WithMirror attaches a Redis client that Block writes to
// best-effort. Returns the same *BlockTable for chaining at
// construction time.
func (b *BlockTable) WithMirror(rdb *redis.Client) *BlockTable {
	b.mirror = rdb
	return b
}

// IsBlocked reports whether ip has a live entry. A single-key lazy
// check runs on every call; a full sweep additionally runs if the
// process-wide sweep epoch has elapsed.
func (b *BlockTable) IsBlocked(ip string) bool {
	b.maybeSweep()

	v, ok := b.entries.Load(ip)
	if !ok {
		return false
	}
	e := v.(*blockEntry)
	now := b.clock()
	if now.Before(e.expiresAt) {
		return true
	}
	if b.entries.CompareAndDelete(ip, v) {
		atomic.AddInt64(&b.size, -1)
	}
	return false
}

// Block inserts or replaces ip's entry with a fresh expiry.
func (b *BlockTable) Block(ip, path, domain string, duration time.Duration) {
	origin := path
	if domain != "" {
		origin = domain + ":" + path
	}
	_, existed := b.entries.Load(ip)
	b.entries.Store(ip, &blockEntry{
		expiresAt: b.clock().Add(duration),
		origin:    origin,
	})
	if !existed {
		atomic.AddInt64(&b.size, 1)
	}

	if b.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := b.mirror.Set(ctx, mirrorKeyPrefix+ip, origin, duration).Err(); err != nil {
			log.Warn().Err(err).Str("ip", ip).Msg("block table: mirror write failed")
		}
	}
}

// OriginOf returns the offending (domain:path) the IP was originally
// blocked for, so a later hit on an unrelated path can cite it.
func (b *BlockTable) OriginOf(ip string) (string, bool) {
	v, ok := b.entries.Load(ip)
	if !ok {
		return "", false
	}
	e := v.(*blockEntry)
	if b.clock().After(e.expiresAt) {
		return "", false
	}
	return e.origin, true
}

// Len approximates the current live entry count for the blocked_ips
// gauge. It can overcount briefly between expiry and lazy removal —
// acceptable for an observability gauge, not used for admission logic.
func (b *BlockTable) Len() int64 {
	return atomic.LoadInt64(&b.size)
}

func (b *BlockTable) maybeSweep() {
	now := b.clock().Unix()
	last := atomic.LoadInt64(&b.lastSwept)
	if now-last < int64(sweepInterval.Seconds()) {
		return
	}
	if !atomic.CompareAndSwapInt64(&b.lastSwept, last, now) {
		return // another goroutine won the race to sweep this epoch
	}
	nowT := b.clock()
	b.entries.Range(func(k, v interface{}) bool {
		e := v.(*blockEntry)
		if nowT.After(e.expiresAt) {
			if b.entries.CompareAndDelete(k, v) {
				atomic.AddInt64(&b.size, -1)
			}
		}
		return true
	})
}
