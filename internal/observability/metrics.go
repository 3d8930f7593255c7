// Package observability wires logging and the ledger-level Prometheus collectors.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityRecordedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engagement",
		Subsystem: "ledger",
		Name:      "last_activity_recorded_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity recorded in the ledger.",
	})
	pointsPostedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engagement",
		Subsystem: "ledger",
		Name:      "last_points_entry_timestamp_seconds",
		Help:      "Unix timestamp of the most recent points ledger entry.",
	})
	transitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Subsystem: "ledger",
		Name:      "status_transitions_total",
		Help:      "Activity status transitions, labeled by source status, target status and actor.",
	}, []string{"from", "to", "actor"})
	pointsEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engagement",
		Subsystem: "ledger",
		Name:      "points_entries_total",
		Help:      "Points ledger entries posted, labeled by entry type.",
	}, []string{"entry_type"})
)

func init() {
	prometheus.MustRegister(activityRecordedGauge, pointsPostedGauge, transitionsCounter, pointsEntriesCounter)
}

// RecordActivityRecorded updates the recorded watermark gauge.
func RecordActivityRecorded(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityRecordedGauge.Set(float64(ts.Unix()))
}

// RecordTransition counts a committed status change.
func RecordTransition(from, to, actor string) {
	transitionsCounter.WithLabelValues(from, to, actor).Inc()
}

// RecordPointsEntry counts a posted entry and moves the points watermark.
func RecordPointsEntry(entryType string, ts time.Time) {
	pointsEntriesCounter.WithLabelValues(entryType).Inc()
	if !ts.IsZero() {
		pointsPostedGauge.Set(float64(ts.Unix()))
	}
}
