package outreach

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	initiated       *prometheus.CounterVec
	followUps       *prometheus.CounterVec
	fallbacks       prometheus.Counter
	closed          prometheus.Counter
	advanceDuration prometheus.Histogram
}

// newMetrics registers on reg; a nil reg keeps the collectors unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		initiated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "initiated_total",
			Help:      "Initiate calls by result.",
		}, []string{"result"}),
		followUps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "followups_total",
			Help:      "Per-record advance outcomes.",
		}, []string{"result"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "generation_fallbacks_total",
			Help:      "Follow-ups sent with fallback copy after generation failed.",
		}),
		closed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "closed_total",
			Help:      "Manual close operations that credited the ledger.",
		}),
		advanceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outreach",
			Name:      "advance_duration_seconds",
			Help:      "Wall time of one advance tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}
