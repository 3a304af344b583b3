// Package pipeline implements the Request Pipeline (component E):
// builds the request context, consults the Route Table and the
// Rate-Limit Evaluator, and on admit dispatches to the resolved
// upstream peer — mirroring the shape of the teacher's
// cmd/protector/main.go MakeReverseProxy + proxyHandler, generalized
// to per-route peers instead of one static backend.
package pipeline

import (
	"context"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sidcorp/pingwall/internal/anomaly"
	"github.com/sidcorp/pingwall/internal/ratelimit"
	"github.com/sidcorp/pingwall/internal/reqctx"
	"github.com/sidcorp/pingwall/internal/route"
	"github.com/sidcorp/pingwall/internal/upstream"
	"github.com/sidcorp/pingwall/internal/webhook"
	"github.com/sidcorp/pingwall/pkg/config"
	"github.com/sidcorp/pingwall/pkg/metrics"
)

const productName = "Pingwall"

// Pipeline is the http.Handler mounted as the proxy's catch-all route.
type Pipeline struct {
	Table         *route.Table
	Evaluator     *ratelimit.Evaluator
	Anomaly       *anomaly.Detector // nil when disabled
	Notifier      *webhook.Notifier
	UseCloudflare bool

	// globalDefault is used when no route matches: the Pipeline still
	// applies the global default rate limit (spec.md §4.5 step 5).
	globalDefault *config.Route

	proxiesMu sync.Mutex
	proxies   map[string]*httputil.ReverseProxy // keyed by upstream addr
}

func New(tbl *route.Table, eval *ratelimit.Evaluator, notifier *webhook.Notifier, det *anomaly.Detector, cfg *config.Config) *Pipeline {
	return &Pipeline{
		Table:         tbl,
		Evaluator:     eval,
		Anomaly:       det,
		Notifier:      notifier,
		UseCloudflare: cfg.UseCloudflare,
		globalDefault: &config.Route{
			Path:              "/",
			MaxReqPerWindow:   cfg.MaxReqPerWindow,
			BlockDurationSecs: cfg.BlockDurationSecs,
		},
		proxies: make(map[string]*httputil.ReverseProxy),
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	ip := reqctx.ClientIP(r, p.UseCloudflare)
	host := reqctx.HostFromRequest(r)
	ua := reqctx.Classify(r.UserAgent())

	var cf reqctx.Cloudflare
	if p.UseCloudflare {
		cf = reqctx.ExtractCloudflare(r)
	}

	rc := &reqctx.Context{IP: ip, Path: r.URL.Path, Domain: host, Cloudflare: cf, UserAgent: ua}

	rt, matched := p.Table.FindMatchingRoute(r.URL.Path, host)

	var routeCfg *config.Route
	var domain string
	var tgt *upstream.Target
	var timeout time.Duration
	if matched {
		routeCfg = rt.Cfg
		domain = rt.Domain
		tgt = rt.Upstream
		timeout = p.Table.EffectiveTimeout(rt)
	} else {
		routeCfg = p.globalDefault
		domain = host
		timeout = 30 * time.Second
	}

	verdict := p.Evaluator.Evaluate(r.Context(), rc, domain, routeCfg.Path, routeCfg)

	if p.Anomaly != nil {
		p.Anomaly.Observe(domain, routeCfg.Path, ip)
	}

	switch verdict.Kind {
	case ratelimit.SoftReject:
		p.writeRejection(w, r, verdict, routeCfg.Path)
		p.observe(domain, routeCfg.Path, r.Method, http.StatusTooManyRequests, start)
		return
	case ratelimit.HardBlock:
		p.writeRejection(w, r, verdict, routeCfg.Path)
		metrics.RateLimitBlocks.WithLabelValues(domain, routeCfg.Path, verdict.Reason).Inc()
		if !verdict.AlreadyBlocked {
			go p.Notifier.NotifyBlock(context.Background(), webhook.Params{
				IP:            ip,
				BlockDuration: verdict.BlockDurationSecs,
				Domain:        domain,
				Path:          routeCfg.Path,
				RequestURL:    r.URL.String(),
				UserAgent:     ua.Raw,
				CurrentCount:  verdict.Limit + 1,
				MaxRequests:   verdict.Limit,
			})
		}
		p.observe(domain, routeCfg.Path, r.Method, http.StatusTooManyRequests, start)
		return
	}

	if !matched || tgt == nil {
		http.Error(w, `{"error":"no route"}`, http.StatusNotFound)
		p.observe(domain, routeCfg.Path, r.Method, http.StatusNotFound, start)
		return
	}

	p.proxy(w, r, rt, tgt, timeout, domain, start)
}

func (p *Pipeline) proxy(w http.ResponseWriter, r *http.Request, rt *route.Route, tgt *upstream.Target, timeout time.Duration, domain string, start time.Time) {
	proxy := p.proxyFor(tgt)

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	req := r.WithContext(ctx)
	req.URL.Path = upstream.RewritePath(tgt, rt.Cfg.Path, r.URL.Path)
	req.Host = upstream.OutgoingHost(tgt, rt.Cfg.FollowDomain, rt.Domain)

	sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	proxy.ServeHTTP(sr, req)

	p.observe(domain, rt.Cfg.Path, r.Method, sr.code, start)
}

// proxyFor returns a cached *httputil.ReverseProxy for tgt's address,
// building one on first use. One Transport per upstream address keeps
// connection pooling effective across requests to the same peer.
func (p *Pipeline) proxyFor(tgt *upstream.Target) *httputil.ReverseProxy {
	addr := tgt.Addr()

	p.proxiesMu.Lock()
	defer p.proxiesMu.Unlock()
	if rp, ok := p.proxies[addr]; ok {
		return rp
	}

	rp := httputil.NewSingleHostReverseProxy(tgt.BaseURL())
	rp.Transport = upstream.NewTransport(tgt)

	origDirector := rp.Director
	rp.Director = func(req *http.Request) {
		stripHopByHopHeaders(req.Header)
		origDirector(req)
		req.Header.Set("X-Forwarded-For", clientAddr(req))
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("X-Proxied-By", productName)
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		log.Error().Err(err).Str("upstream", addr).Msg("upstream dispatch failed")
		metrics.UpstreamErrors.WithLabelValues("dispatch").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway"}`))
	}

	p.proxies[addr] = rp
	return rp
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func clientAddr(r *http.Request) string {
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		host = host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (p *Pipeline) writeRejection(w http.ResponseWriter, r *http.Request, v ratelimit.Verdict, path string) {
	w.Header().Set("X-Rate-Limit-Limit", strconv.Itoa(v.Limit))
	w.Header().Set("X-Rate-Limit-Remaining", "0")
	w.Header().Set("X-Rate-Limit-Reset", strconv.FormatUint(v.BlockDurationSecs, 10))
	w.Header().Set("X-Rate-Limit-Path", path)
	w.Header().Set("Retry-After", strconv.Itoa(v.WindowSecs))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(v.WindowSecs))
	if v.Kind == ratelimit.HardBlock && v.AlreadyBlocked {
		w.Header().Set("X-Rate-Limit-Status", "Blocked")
	}
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate_limited","reason":"` + v.Reason + `"}`))
}

func (p *Pipeline) observe(domain, path, method string, status int, start time.Time) {
	statusStr := strconv.Itoa(status)
	metrics.RequestsTotal.WithLabelValues(domain, path, method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(domain, path, method, statusStr).Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}
