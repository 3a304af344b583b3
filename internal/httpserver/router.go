// Package httpserver builds the top-level Chi router: the same
// safety-middleware stack and local endpoints the teacher wires up,
// with the request pipeline mounted as the catch-all instead of a
// single static reverse proxy.
package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	Lm "github.com/sidcorp/pingwall/internal/middleware"
	"github.com/sidcorp/pingwall/internal/pipeline"
)

// NewRouter builds the Chi router. Everything not matched by /healthz
// or /metrics falls through to the pipeline, which owns routing,
// rate-limiting, and upstream dispatch.
func NewRouter(p *pipeline.Pipeline) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(Lm.AccessLoggerFromEnv())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/", p)

	return r
}
