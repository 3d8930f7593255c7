package domain

import "time"

// EntryType classifies a points ledger entry.
type EntryType string

const (
	// EntryAward is the single positive credit for the first approval of an activity.
	EntryAward EntryType = "award"
	// EntryReversal compensates a prior credit when an activity leaves approved.
	EntryReversal EntryType = "reversal"
	// EntryReinstatement re-credits a reversed award when an activity is approved again.
	EntryReinstatement EntryType = "reinstatement"
)

// PointsEntry is one append-only row of the points ledger.
type PointsEntry struct {
	ID           string
	ActivityID   string
	UserID       string
	Kind         Kind
	Type         EntryType
	Points       int
	Seq          int
	ReferencesID string
	Reason       string
	CreatedAt    time.Time
}

// NetPoints sums entries.
func NetPoints(entries []PointsEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Points
	}
	return total
}
