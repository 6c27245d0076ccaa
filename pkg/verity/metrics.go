package verity

import (
	"github.com/prometheus/client_golang/prometheus"
)

// policyMetrics are the Prometheus collectors Component G publishes
// alongside the HostEvents hook, mirroring the registration pattern in
// luxfi-consensus/metrics/metric.go (prometheus.NewCounter + reg.Register).
// They give the kernel-visible event stream (spec §4.G.3) an operator-facing
// surface: nothing in the spec requires Prometheus, but every verifier in
// this corpus that reports repeated events registers counters this way
// rather than only logging them.
type policyMetrics struct {
	corruptionEvents *prometheus.CounterVec
	hashFailed       prometheus.Gauge
}

// newPolicyMetrics registers a fresh set of collectors against reg. If reg is
// nil, metrics are created unregistered (observing them is still safe, just
// not exported) — matching the construction flag being optional.
func newPolicyMetrics(reg prometheus.Registerer, deviceName string) *policyMetrics {
	m := &policyMetrics{
		corruptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "verity_corruption_events_total",
			Help:        "Total number of corruption events observed by this verifier.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}, []string{"kind"}),
		hashFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "verity_hash_failed",
			Help:        "1 if this verifier has ever observed a corruption event, 0 otherwise.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}),
	}
	if reg != nil {
		_ = reg.Register(m.corruptionEvents)
		_ = reg.Register(m.hashFailed)
	}
	return m
}

func (m *policyMetrics) observe(kind BlockType) {
	if m == nil {
		return
	}
	m.corruptionEvents.WithLabelValues(kind.String()).Inc()
	m.hashFailed.Set(1)
}
