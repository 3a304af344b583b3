// Package route holds the immutable Route Table (component A):
// loaded once from configuration, answering find_matching_route and
// effective_timeout per spec.md §4.1.
package route

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sidcorp/pingwall/internal/upstream"
	"github.com/sidcorp/pingwall/pkg/config"
)

// Route pairs a loaded config.Route with its upstream target,
// resolved once at load time so a malformed upstream string is caught
// at startup instead of on every request.
type Route struct {
	Cfg      *config.Route
	Domain   string // port-stripped; "" means domain-agnostic
	Upstream *upstream.Target

	// domainTimeoutSecs is inherited from the enclosing domains[]
	// entry, if any; used by EffectiveTimeout's path>domain>global
	// precedence.
	domainTimeoutSecs *uint64
}

// Path is the route's configured path prefix.
func (r *Route) Path() string { return r.Cfg.Path }

// Table is the read-only-after-construction set of routes, freely
// shareable across request handlers per spec.md §5.
type Table struct {
	routes        []*Route
	globalTimeout time.Duration
}

// NewTable parses every route's upstream specifier and builds the
// queryable table. A malformed upstream aborts the whole load — the
// spec treats config parse failure as fatal at startup.
func NewTable(cfg *config.Config) (*Table, error) {
	t := &Table{globalTimeout: time.Duration(cfg.TimeoutSecs) * time.Second}

	for _, rc := range cfg.Routes {
		r, err := buildRoute(rc, nil)
		if err != nil {
			return nil, err
		}
		t.routes = append(t.routes, r)
	}

	for _, dc := range cfg.Domains {
		for _, rc := range dc.Routers {
			r, err := buildRoute(rc, dc.TimeoutSecs)
			if err != nil {
				return nil, err
			}
			if r.Domain == "" {
				r.Domain = stripPort(dc.Domain)
			}
			t.routes = append(t.routes, r)
		}
	}

	return t, nil
}

func buildRoute(rc *config.Route, domainTimeout *uint64) (*Route, error) {
	tgt, err := upstream.Parse(rc.Upstream)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", rc.Path, err)
	}
	return &Route{
		Cfg:               rc,
		Domain:            stripPort(rc.Domain),
		Upstream:          tgt,
		domainTimeoutSecs: domainTimeout,
	}, nil
}

func stripPort(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// FindMatchingRoute implements the precedence rules of spec.md §4.1.
func (t *Table) FindMatchingRoute(path, host string) (*Route, bool) {
	h := stripPort(host)
	if host != "" {
		if r, ok := longestPrefixMatch(t.routes, path, func(r *Route) bool { return r.Domain == h }); ok {
			return r, true
		}
	}
	if r, ok := longestPrefixMatch(t.routes, path, func(r *Route) bool { return r.Domain == "" }); ok {
		return r, true
	}
	if host != "" {
		if r, ok := firstMatch(t.routes, func(r *Route) bool { return r.Domain == h && r.Cfg.Path == "/" }); ok {
			return r, true
		}
	}
	if r, ok := firstMatch(t.routes, func(r *Route) bool { return r.Domain == "" && r.Cfg.Path == "/" }); ok {
		return r, true
	}
	return nil, false
}

func longestPrefixMatch(routes []*Route, path string, scope func(*Route) bool) (*Route, bool) {
	var best *Route
	for _, r := range routes {
		if !scope(r) {
			continue
		}
		if !strings.HasPrefix(path, r.Cfg.Path) {
			continue
		}
		if best == nil || len(r.Cfg.Path) > len(best.Cfg.Path) {
			best = r
		}
	}
	return best, best != nil
}

func firstMatch(routes []*Route, pred func(*Route) bool) (*Route, bool) {
	for _, r := range routes {
		if pred(r) {
			return r, true
		}
	}
	return nil, false
}

// EffectiveTimeout resolves path > domain > global precedence.
func (t *Table) EffectiveTimeout(r *Route) time.Duration {
	if r.Cfg.TimeoutSecs != nil {
		return time.Duration(*r.Cfg.TimeoutSecs) * time.Second
	}
	if r.domainTimeoutSecs != nil {
		return time.Duration(*r.domainTimeoutSecs) * time.Second
	}
	return t.globalTimeout
}
