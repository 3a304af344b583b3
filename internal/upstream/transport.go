package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Peer transport options per spec.md §4.5: 90s idle keepalive, 1 MiB
// TCP receive buffer, TCP Fast Open, and h2+h1 advertised for HTTPS
// peers (h1 only for plaintext).
const (
	idleTimeout         = 90 * time.Second
	tcpRecvBufferBytes  = 1 << 20
	dialTimeout         = 30 * time.Second
	keepAliveInterval   = 30 * time.Second
)

// NewTransport builds a *http.Transport for dialing a single upstream
// target, reused across requests to that target so idle connections
// are pooled rather than redialed per request.
func NewTransport(t *Target) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: keepAliveInterval,
		Control:   setSocketOptions,
	}

	tr := &http.Transport{
		DialContext:         dialer.DialContext,
		IdleConnTimeout:     idleTimeout,
		MaxIdleConnsPerHost: 16,
	}

	if t.Scheme == "https" {
		tr.TLSClientConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}}
		// Advertise h2 alongside h1; plaintext peers stay h1-only since
		// http2.ConfigureTransport is applied only here and adds h2 to
		// TLS connections only.
		_ = http2.ConfigureTransport(tr)
	}

	return tr
}
