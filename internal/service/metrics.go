package service

import "github.com/prometheus/client_golang/prometheus"

var submissionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "engagement",
	Subsystem: "submissions",
	Name:      "total",
	Help:      "Activity submissions, labeled by kind and outcome (status, replay, rejected, invalid).",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(submissionsCounter)
}
