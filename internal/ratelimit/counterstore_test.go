package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisCounterStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCounterStore(rdb), mr
}

func TestObserveAccumulatesWithinWindow(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	store.clock = func() time.Time { return now }

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		count, err := store.Observe(ctx, "d:/p:1.2.3.4", 60, 1)
		if err != nil {
			t.Fatal(err)
		}
		if count != i {
			t.Fatalf("observation %d: want count %d, got %d", i, i, count)
		}
	}
}

func TestObserveCarriesPartialWeightFromPriorWindow(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Unix(1_700_000_000, 0).Truncate(60 * time.Second)
	now := base
	store.clock = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := store.Observe(ctx, "d:/p:9.9.9.9", 60, 1); err != nil {
			t.Fatal(err)
		}
	}

	// Move to the very start of the next window: nearly all of the
	// prior window's count should still carry over.
	now = base.Add(60 * time.Second)
	count, err := store.Observe(ctx, "d:/p:9.9.9.9", 60, 1)
	if err != nil {
		t.Fatal(err)
	}
	if count < 10 {
		t.Fatalf("expected weighted carry near full prior count, got %d", count)
	}

	// Deep into the next window, the carried weight should have decayed.
	now = base.Add(119 * time.Second)
	count, err = store.Observe(ctx, "d:/p:9.9.9.9", 60, 1)
	if err != nil {
		t.Fatal(err)
	}
	if count > 5 {
		t.Fatalf("expected decayed carry near window end, got %d", count)
	}
}

func TestObserveDifferentWindowsIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if count, err := store.Observe(ctx, "d:/p:1.1.1.1", 1, 1); err != nil {
		t.Fatal(err)
	} else if count != 1 {
		t.Fatalf("1s window: want count 1, got %d", count)
	}
	if count, err := store.Observe(ctx, "d:/p:1.1.1.1", 60, 1); err != nil {
		t.Fatal(err)
	} else if count != 1 {
		t.Fatalf("60s window: want count 1 (isolated from the 1s window), got %d", count)
	}
}
