package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBlockTableLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bt := NewBlockTable()
	bt.clock = func() time.Time { return now }

	if bt.IsBlocked("1.2.3.4") {
		t.Fatal("unblocked IP reported as blocked")
	}

	bt.Block("1.2.3.4", "/api", "example.com", 10*time.Second)
	if !bt.IsBlocked("1.2.3.4") {
		t.Fatal("expected IP to be blocked")
	}
	if origin, ok := bt.OriginOf("1.2.3.4"); !ok || origin != "example.com:/api" {
		t.Fatalf("unexpected origin: %q ok=%v", origin, ok)
	}

	now = now.Add(11 * time.Second)
	if bt.IsBlocked("1.2.3.4") {
		t.Fatal("expected block to have expired")
	}
}

func TestBlockTableOriginNoDomain(t *testing.T) {
	bt := NewBlockTable()
	bt.Block("9.9.9.9", "/checkout", "", time.Minute)
	origin, ok := bt.OriginOf("9.9.9.9")
	if !ok || origin != "/checkout" {
		t.Fatalf("unexpected origin: %q ok=%v", origin, ok)
	}
}

func TestBlockTableLenTracksLiveEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bt := NewBlockTable()
	bt.clock = func() time.Time { return now }

	bt.Block("1.1.1.1", "/a", "", time.Second)
	bt.Block("2.2.2.2", "/b", "", time.Minute)
	if got := bt.Len(); got != 2 {
		t.Fatalf("want 2 live entries, got %d", got)
	}

	now = now.Add(2 * time.Second)
	bt.IsBlocked("1.1.1.1") // lazy removal on read
	if got := bt.Len(); got != 1 {
		t.Fatalf("want 1 live entry after expiry, got %d", got)
	}
}

func TestBlockTableMirrorsToRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bt := NewBlockTable().WithMirror(rdb)
	bt.Block("3.3.3.3", "/login", "example.com", time.Minute)

	val, err := rdb.Get(context.Background(), mirrorKeyPrefix+"3.3.3.3").Result()
	if err != nil {
		t.Fatalf("expected mirrored key, get failed: %v", err)
	}
	if val != "example.com:/login" {
		t.Fatalf("unexpected mirrored value: %q", val)
	}
}

func TestBlockTableMirrorFailureDoesNotPanic(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	bt := NewBlockTable().WithMirror(rdb)
	bt.Block("4.4.4.4", "/x", "", time.Second)
	if !bt.IsBlocked("4.4.4.4") {
		t.Fatal("local block must still apply even if the mirror write fails")
	}
}
