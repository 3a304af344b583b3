package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyBlockSendsJSON(t *testing.T) {
	var received int32
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		gotAuth = r.Header.Get("Authorization")
		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if p.IP != "1.2.3.4" {
			t.Errorf("want ip 1.2.3.4, got %q", p.IP)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, "secret-key")
	n.NotifyBlock(context.Background(), Params{IP: "1.2.3.4", Path: "/api", BlockDuration: 300})

	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("want 1 request, got %d", received)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("want bearer auth header, got %q", gotAuth)
	}
}

func TestNotifyBlockSkipsAuthForPlaceholderKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, "your-api-key")
	n.NotifyBlock(context.Background(), Params{IP: "5.5.5.5", Path: "/"})

	if gotAuth != "" {
		t.Fatalf("want no auth header for placeholder key, got %q", gotAuth)
	}
}

func TestNotifyBlockCooldownSkipsSecondCall(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, "your-api-key")
	now := time.Unix(1_700_000_000, 0)
	n.clock = func() time.Time { return now }

	n.NotifyBlock(context.Background(), Params{IP: "1.1.1.1", Path: "/a"})
	n.NotifyBlock(context.Background(), Params{IP: "2.2.2.2", Path: "/b"})

	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("want cooldown to suppress the second call, got %d requests", received)
	}
}

func TestNotifyBlockFiresAgainAfterCooldown(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, "your-api-key")
	now := time.Unix(1_700_000_000, 0)
	n.clock = func() time.Time { return now }

	n.NotifyBlock(context.Background(), Params{IP: "1.1.1.1", Path: "/a"})
	now = now.Add(11 * time.Second)
	n.NotifyBlock(context.Background(), Params{IP: "2.2.2.2", Path: "/b"})

	if atomic.LoadInt32(&received) != 2 {
		t.Fatalf("want both calls to fire after cooldown elapses, got %d", received)
	}
}
