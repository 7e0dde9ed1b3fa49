package updates

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes build pipeline and gatekeeper counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	builds       *prometheus.CounterVec
	buildSeconds *prometheus.HistogramVec
	artifacts    *prometheus.CounterVec
	authDenials  prometheus.Counter
}

// NewMetrics registers the service collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deltad_builds_total",
			Help: "Build attempts by stream and terminal result.",
		}, []string{"stream", "result"}),
		buildSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deltad_build_duration_seconds",
			Help:    "Wall-clock duration of finalized builds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stream"}),
		artifacts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deltad_patch_artifacts_total",
			Help: "Patch artifacts produced, by stream and operation.",
		}, []string{"stream", "op"}),
		authDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltad_auth_denials_total",
			Help: "Upload requests denied by the gatekeeper.",
		}),
	}
}

func (m *Metrics) observeBuild(stream, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(stream, result).Inc()
	if result == "finalized" {
		m.buildSeconds.WithLabelValues(stream).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) addArtifacts(stream string, op PatchOp, n int) {
	if m == nil || n == 0 {
		return
	}
	m.artifacts.WithLabelValues(stream, string(op)).Add(float64(n))
}

func (m *Metrics) incAuthDenied() {
	if m == nil {
		return
	}
	m.authDenials.Inc()
}
