package domain

import (
	"time"

	"example.com/engagement/internal/geo"
)

// Status is the verification status of an activity.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusNeedsReview Status = "needs_review"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusNeedsReview:
		return true
	}
	return false
}

// Kind names a category of activity, e.g. gym-visit.
type Kind string

const (
	KindGymVisit     Kind = "gym-visit"
	KindEventCheckin Kind = "event-checkin"
	KindStepSync     Kind = "step-sync"
	KindVolunteering Kind = "volunteering"
	KindManual       Kind = "manual"
)

// MatchedPlace is the resolved real-world location for a submission.
type MatchedPlace struct {
	geo.Place
	DistanceMeters float64 `json:"distance_m"`
	Confident      bool    `json:"confident"`
}

// Activity is one submission attempt. It is never physically deleted.
type Activity struct {
	ID              string
	UserID          string
	Kind            Kind
	OccurredAt      time.Time
	OccurredDate    time.Time
	PeriodKey       string
	Status          Status
	Location        *geo.Point
	MatchedPlace    *MatchedPlace
	Metadata        Metadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StatusChangedAt time.Time
}

// OccurredDateOf truncates t to its UTC calendar date.
func OccurredDateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Clone returns a deep copy so callers cannot mutate stored state through shared maps or pointers.
func (a Activity) Clone() Activity {
	out := a
	out.Metadata = a.Metadata.Clone()
	if a.Location != nil {
		loc := *a.Location
		out.Location = &loc
	}
	if a.MatchedPlace != nil {
		mp := *a.MatchedPlace
		out.MatchedPlace = &mp
	}
	return out
}

// Elapsed is the delay between the real-world event and its submission.
func (a Activity) Elapsed() time.Duration {
	return a.CreatedAt.Sub(a.OccurredAt)
}
