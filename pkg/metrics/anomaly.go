package metrics

import "github.com/prometheus/client_golang/prometheus"

// Anomaly metrics back the supplemented EWMA spike detector
// (internal/anomaly) — additive defense-in-depth, not part of the
// core evaluator, so it gets its own namespace section.
var (
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "anomalies_total",
			Help:      "Count of detected traffic spikes per domain/path.",
		},
		[]string{"domain", "path"},
	)

	AnomalyActiveKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pingwall",
			Name:      "anomaly_active_keys",
			Help:      "Current number of active {domain,path,ip} keys tracked by the anomaly detector.",
		},
	)

	AnomalyBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "anomaly_blocks_total",
			Help:      "Block Table insertions originated by the anomaly detector.",
		},
		[]string{"domain", "path"},
	)
)

func init() {
	prometheus.MustRegister(AnomaliesTotal, AnomalyActiveKeys, AnomalyBlocksTotal)
}
