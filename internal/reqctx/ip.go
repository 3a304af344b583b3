package reqctx

import (
	"net"
	"net/http"
	"strings"
)

// fallbackIP is returned when every extraction source fails. A request
// that ends up with it is evaluated like any other client: all such
// requests share this address's counters and Block Table entry, and
// they are not admitted unconditionally.
const fallbackIP = "127.0.0.1"

// ClientIP implements §4.5 step 1: Cloudflare header order when
// useCloudflare is set, else the socket peer address with the port
// stripped.
func ClientIP(r *http.Request, useCloudflare bool) string {
	if useCloudflare {
		if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
			return strings.TrimSpace(ip)
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.SplitN(xff, ",", 2)[0]
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := r.Header.Get("True-Client-IP"); ip != "" {
			return strings.TrimSpace(ip)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return fallbackIP
}

// HostFromRequest implements §4.5 step 2: Host header, then the
// :authority pseudo-header (net/http folds this into r.Host for both
// HTTP/1.1 and HTTP/2, so the explicit header lookup is a defensive
// fallback for proxies that forward it as a literal header), then the
// request URI's authority component.
func HostFromRequest(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	if auth := r.Header.Get(":authority"); auth != "" {
		return auth
	}
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return ""
}
