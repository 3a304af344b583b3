// Package metrics holds the Prometheus collectors Pingwall exposes on
// metrics_port, registered once against the default registry the way
// the teacher's pkg/metrics does.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "requests_total",
			Help:      "Total requests observed at egress, labeled by domain/path/method/status.",
		},
		[]string{"domain", "path", "method", "status"},
	)

	RateLimitBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "rate_limit_blocks",
			Help:      "Hard-block rate-limit verdicts (including already-blocked IPs), labeled by domain/path/reason.",
		},
		[]string{"domain", "path", "reason"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "upstream_errors",
			Help:      "Upstream dispatch failures, labeled by error_type.",
		},
		[]string{"error_type"},
	)

	SslHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "ssl_handshakes",
			Help:      "TLS handshakes attempted by the SNI resolver, labeled by success.",
		},
		[]string{"success"},
	)

	WebhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "webhook_notifications",
			Help:      "Outbound block-webhook attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pingwall",
			Name:      "active_connections",
			Help:      "Currently in-flight proxied requests.",
		},
	)

	BlockedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pingwall",
			Name:      "blocked_ips",
			Help:      "Current size of the Block Table.",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pingwall",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency observed by the pipeline.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"domain", "path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RateLimitBlocks,
		UpstreamErrors,
		SslHandshakes,
		WebhookNotifications,
		ActiveConnections,
		BlockedIPs,
		RequestDuration,
	)
}
