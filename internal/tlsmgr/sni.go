// Package tlsmgr resolves per-domain TLS certificates at SNI time,
// following spec.md §6.5: a domain -> (cert_path, key_path) map with
// wildcard fallback and a PEM-bytes cache keyed by "cert_path:key_path"
// (raw bytes, not parsed certificates — parsing is re-derived per
// handshake, per spec.md §5's resource-scoping note).
package tlsmgr

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sidcorp/pingwall/pkg/config"
	"github.com/sidcorp/pingwall/pkg/metrics"
)

// CertResolver is the interface spec.md §9 asks the SNI callback to be
// expressed against: resolve(server_name) -> (cert_bytes, key_bytes)?.
type CertResolver interface {
	Resolve(serverName string) (certPEM, keyPEM []byte, ok bool)
}

// Manager implements CertResolver from the domain->ssl map the config
// loader produces, and exposes GetCertificate for tls.Config.
type Manager struct {
	mu     sync.RWMutex
	byHost map[string]*config.Ssl // exact domain -> cert/key paths
	cache  map[string][2][]byte   // "cert:key" -> [certPEM, keyPEM]
}

// NewManager builds a Manager from every domains[] entry carrying ssl.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		byHost: make(map[string]*config.Ssl),
		cache:  make(map[string][2][]byte),
	}
	for _, dc := range cfg.Domains {
		if dc.Ssl != nil {
			m.byHost[strings.ToLower(dc.Domain)] = dc.Ssl
		}
		for _, r := range dc.Routers {
			if r.Ssl != nil && r.Domain != "" {
				m.byHost[strings.ToLower(r.Domain)] = r.Ssl
			}
		}
	}
	for _, r := range cfg.Routes {
		if r.Ssl != nil && r.Domain != "" {
			m.byHost[strings.ToLower(r.Domain)] = r.Ssl
		}
	}
	return m
}

// Resolve looks up an exact domain match, then the wildcard
// "*.<parent>" fallback spec.md §6.5 describes.
func (m *Manager) Resolve(serverName string) ([]byte, []byte, bool) {
	host := strings.ToLower(serverName)

	m.mu.RLock()
	ssl, ok := m.byHost[host]
	m.mu.RUnlock()

	if !ok {
		if dot := strings.Index(host, "."); dot >= 0 {
			parent := host[dot+1:]
			m.mu.RLock()
			ssl, ok = m.byHost["*."+parent]
			m.mu.RUnlock()
		}
	}
	if !ok || ssl == nil {
		return nil, nil, false
	}

	certPEM, keyPEM, err := m.loadPEM(ssl.CertPath, ssl.KeyPath)
	if err != nil {
		log.Error().Err(err).Str("server_name", serverName).Msg("tls cert load failed")
		return nil, nil, false
	}
	return certPEM, keyPEM, true
}

func (m *Manager) loadPEM(certPath, keyPath string) ([]byte, []byte, error) {
	cacheKey := certPath + ":" + keyPath

	m.mu.RLock()
	if pair, ok := m.cache[cacheKey]; ok {
		m.mu.RUnlock()
		return pair[0], pair[1], nil
	}
	m.mu.RUnlock()

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read cert %q: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read key %q: %w", keyPath, err)
	}

	m.mu.Lock()
	m.cache[cacheKey] = [2][]byte{certPEM, keyPEM}
	m.mu.Unlock()

	return certPEM, keyPEM, nil
}

// GetCertificate is installed as tls.Config.GetCertificate. Missing
// cert or parse failure aborts the handshake and records
// ssl_handshakes{success=false}; it never panics the process.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	certPEM, keyPEM, ok := m.Resolve(hello.ServerName)
	if !ok {
		metrics.SslHandshakes.WithLabelValues("false").Inc()
		return nil, fmt.Errorf("tlsmgr: no certificate for %q", hello.ServerName)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		metrics.SslHandshakes.WithLabelValues("false").Inc()
		return nil, fmt.Errorf("tlsmgr: parse certificate for %q: %w", hello.ServerName, err)
	}
	metrics.SslHandshakes.WithLabelValues("true").Inc()
	return &cert, nil
}
