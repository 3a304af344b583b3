package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sidcorp/pingwall/internal/httpserver"
	"github.com/sidcorp/pingwall/internal/pipeline"
	"github.com/sidcorp/pingwall/internal/ratelimit"
	"github.com/sidcorp/pingwall/internal/route"
	"github.com/sidcorp/pingwall/internal/webhook"
	"github.com/sidcorp/pingwall/pkg/config"
)

func newTestPipeline(t *testing.T, backend *httptest.Server) *pipeline.Pipeline {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		MaxReqPerWindow:     1000,
		BlockDurationSecs:   30,
		TimeoutSecs:         5,
		RateLimitWindowSecs: 60,
		Routes: []*config.Route{
			{Path: "/api", Domain: "example.com", Upstream: backend.Listener.Addr().String(), MaxReqPerWindow: 1000, BlockDurationSecs: 30},
		},
	}
	tbl, err := route.NewTable(cfg)
	if err != nil {
		t.Fatalf("route.NewTable: %v", err)
	}
	store := ratelimit.NewRedisCounterStore(rdb)
	blocks := ratelimit.NewBlockTable()
	eval := ratelimit.NewEvaluator(store, blocks, int(cfg.RateLimitWindowSecs), cfg.BlockDurationSecs)
	notifier := webhook.New("", "")
	return pipeline.New(tbl, eval, notifier, nil, cfg)
}

func TestRouterLocalRoutes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	router := httpserver.NewRouter(newTestPipeline(t, backend))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	for _, p := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", p, resp.StatusCode)
		}
	}
}

func TestRouterProxiesMatchedRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)

	router := httpserver.NewRouter(newTestPipeline(t, backend))
	gw := httptest.NewServer(router)
	t.Cleanup(gw.Close)

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/api/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}

func TestRouterNoMatchIs404(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	router := httpserver.NewRouter(newTestPipeline(t, backend))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/favicon.ico")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}
