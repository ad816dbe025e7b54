// Package metrics exposes the Prometheus counters and histograms the
// rest of the engine reports against: GC runs, store tier hit rates,
// and negotiation rounds. The teacher has no metrics surface of its
// own; this follows the pack's own promhttp wiring (cmd/cie's
// `mux.Handle("/metrics", promhttp.Handler())`), generalized from one
// default handler into a dedicated registry with named instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every instrument the engine reports against behind
// its own prometheus.Registry, so a process embedding gitvault as a
// library doesn't collide with the default global registry.
type Registry struct {
	reg *prometheus.Registry

	GCRuns          *prometheus.CounterVec
	GCDeletedTotal  prometheus.Counter
	GCFreedBytes    prometheus.Counter
	GCDuration      prometheus.Histogram

	StoreTierHits   *prometheus.CounterVec
	StoreFlushTotal prometheus.Counter
	StoreCompactTotal prometheus.Counter

	NegotiationRounds   *prometheus.HistogramVec
	NegotiationRejected *prometheus.CounterVec

	MirrorSyncs    *prometheus.CounterVec
	MirrorDuration prometheus.Histogram
}

// New registers every instrument against a fresh registry and returns
// the bundle. Call Handler to expose it over HTTP.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		GCRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Garbage collection runs, labeled by outcome.",
		}, []string{"outcome"}),
		GCDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "gc",
			Name:      "deleted_objects_total",
			Help:      "Objects deleted by garbage collection.",
		}),
		GCFreedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "gc",
			Name:      "freed_bytes_total",
			Help:      "Bytes reclaimed by garbage collection.",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gitvault",
			Subsystem: "gc",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a garbage collection run.",
			Buckets:   prometheus.DefBuckets,
		}),
		StoreTierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "store",
			Name:      "tier_reads_total",
			Help:      "Object reads served from each tier.",
		}, []string{"tier"}),
		StoreFlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "store",
			Name:      "flush_total",
			Help:      "Write-buffer flushes to cold storage.",
		}),
		StoreCompactTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "store",
			Name:      "compaction_total",
			Help:      "Super-chunk compaction runs.",
		}),
		NegotiationRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitvault",
			Subsystem: "negotiation",
			Name:      "rounds",
			Help:      "Per negotiation: have lines plus one (upload-pack) or ref commands (receive-pack); not a count of flush-delimited rounds. Labeled by service.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}, []string{"service"}),
		NegotiationRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "negotiation",
			Name:      "rejected_total",
			Help:      "Negotiations rejected by hardening limits, labeled by reason.",
		}, []string{"reason"}),
		MirrorSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitvault",
			Subsystem: "mirror",
			Name:      "syncs_total",
			Help:      "Mirror sync runs, labeled by direction and outcome.",
		}, []string{"direction", "outcome"}),
		MirrorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gitvault",
			Subsystem: "mirror",
			Name:      "sync_duration_seconds",
			Help:      "Wall-clock duration of a mirror sync.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.GCRuns, m.GCDeletedTotal, m.GCFreedBytes, m.GCDuration,
		m.StoreTierHits, m.StoreFlushTotal, m.StoreCompactTotal,
		m.NegotiationRounds, m.NegotiationRejected,
		m.MirrorSyncs, m.MirrorDuration,
	)
	return m
}

// Handler returns the HTTP handler gitvaultd mounts at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
