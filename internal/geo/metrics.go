package geo

import "github.com/prometheus/client_golang/prometheus"

var (
	lookupFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Subsystem: "geo",
		Name:      "lookup_failures_total",
		Help:      "Number of failed place lookups, labeled by locator.",
	}, []string{"source"})

	cacheResultCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Subsystem: "geo",
		Name:      "cache_lookups_total",
		Help:      "External place lookups served from cache (hit) or fetched (miss).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(lookupFailureCounter, cacheResultCounter)
}

func recordLookupFailure(source string) {
	lookupFailureCounter.WithLabelValues(source).Inc()
}
