// Package upstream parses the spec's upstream-specifier grammar and
// rewrites requests onto the resolved peer, following the same
// Director-rewrite shape the teacher's cmd/protector/main.go uses for
// its single static backend.
package upstream

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target is a parsed upstream specifier: scheme, host, port, and an
// optional base path prefix prepended to the rewritten request path.
type Target struct {
	Scheme   string // "http" or "https"
	Host     string
	Port     int
	BasePath string
}

// Addr is the host:port dial target.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// BaseURL is the scheme://host:port root, with no trailing slash,
// suitable as httputil.NewSingleHostReverseProxy's target.
func (t *Target) BaseURL() *url.URL {
	return &url.URL{Scheme: t.Scheme, Host: t.Addr()}
}

// Parse implements the §6.2 grammar:
//
//	upstream := url | host_port_path
//	url      := ("http://"|"https://") authority path?
//	host_port_path := host ":" port ("/" path)?
//
// Shorthand (no scheme) is always plaintext HTTP.
func Parse(spec string) (*Target, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty upstream specifier")
	}

	if strings.Contains(spec, "://") {
		u, err := url.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url %q: %w", spec, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return nil, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
		}
		host, portStr := splitHostPort(u.Host)
		if host == "" {
			return nil, fmt.Errorf("upstream url %q missing host", spec)
		}
		port, err := resolvePort(portStr, scheme)
		if err != nil {
			return nil, err
		}
		return &Target{Scheme: scheme, Host: host, Port: port, BasePath: trimTrailingSlash(u.Path)}, nil
	}

	// shorthand: host:port[/base]
	rest := spec
	basePath := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		basePath = trimTrailingSlash(rest[idx:])
		rest = rest[:idx]
	}
	host, portStr := splitHostPort(rest)
	if host == "" || portStr == "" {
		return nil, fmt.Errorf("malformed upstream shorthand %q, expected host:port[/base]", spec)
	}
	port, err := resolvePort(portStr, "http")
	if err != nil {
		return nil, err
	}
	return &Target{Scheme: "http", Host: host, Port: port, BasePath: basePath}, nil
}

func splitHostPort(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return hostport, ""
}

func resolvePort(portStr, scheme string) (int, error) {
	if portStr == "" {
		if scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return p, nil
}

func trimTrailingSlash(p string) string {
	if p == "/" {
		return ""
	}
	return strings.TrimSuffix(p, "/")
}

// RewritePath implements §4.5's path-rewrite rule: if the target has a
// base path, the outgoing path is base_path + (request_path minus the
// matched route's path prefix); otherwise the request path is
// forwarded unchanged.
func RewritePath(t *Target, routePath, requestPath string) string {
	if t.BasePath == "" {
		return requestPath
	}
	suffix := strings.TrimPrefix(requestPath, routePath)
	if suffix == requestPath && routePath != "" && routePath != "/" {
		// routePath wasn't actually a prefix; forward as-is under base.
		return t.BasePath + requestPath
	}
	if !strings.HasPrefix(suffix, "/") && suffix != "" {
		suffix = "/" + suffix
	}
	return t.BasePath + suffix
}

// OutgoingHost resolves the Host header per §4.5: when follow_domain
// is set and the route carries a domain, mirror that domain (port and
// any leading dot stripped); otherwise use the upstream's own host.
func OutgoingHost(t *Target, followDomain bool, routeDomain string) string {
	if followDomain && routeDomain != "" {
		host, _ := splitHostPort(routeDomain)
		return strings.TrimPrefix(host, ".")
	}
	return t.Host
}
