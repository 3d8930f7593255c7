package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	outcomesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Subsystem: "reconcile",
		Name:      "activities_total",
		Help:      "Activities visited by reconciliation, labeled by outcome.",
	}, []string{"outcome"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engagement",
		Subsystem: "reconcile",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of a full reconciliation pass.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(outcomesCounter, passDuration)
}
