// Package domain defines the activity ledger model, its state machine, and the persistence
// contracts shared by every store implementation.
package domain

import (
	"context"
	"time"

	"example.com/engagement/internal/geo"
)

// Cursor models the pagination token for user listings.
type Cursor struct {
	OccurredAt time.Time
	ID         string
}

// CandidateFilter selects activities for a reconciliation pass.
type CandidateFilter struct {
	Statuses []Status
	Kind     Kind
	// AfterID resumes keyset pagination.
	AfterID string
	Limit   int
}

// ActivityRepository is the activity ledger. Implementations enforce (user, kind, period)
// uniqueness and apply status updates atomically with their points ledger entries.
type ActivityRepository interface {
	// Record inserts a pending activity, or returns the existing one for the same
	// (user, kind, period key) with replay=true.
	Record(ctx context.Context, activity Activity) (*Activity, bool, error)
	// FindByPeriod returns the activity for a uniqueness key, or nil.
	FindByPeriod(ctx context.Context, userID string, kind Kind, periodKey string) (*Activity, error)
	// UpdateStatus transitions the activity and posts the implied points entries in one
	// transaction.
	UpdateStatus(ctx context.Context, update StatusUpdate) (*TransitionResult, error)
	Get(ctx context.Context, activityID string) (*Activity, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]Activity, error)
	EntriesByActivity(ctx context.Context, activityID string) ([]PointsEntry, error)
	EntriesByUser(ctx context.Context, userID string, limit int) ([]PointsEntry, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Invitation is an external record allowing a user to check in to an event.
type Invitation struct {
	EventID      string
	UserID       string
	EventName    string
	Location     geo.Point
	RadiusMeters float64
	StartsAt     time.Time
	EndsAt       time.Time
}

// InvitationStore reads invitations owned by the events collaborator.
type InvitationStore interface {
	// Invitation returns nil when the user is not invited to the event.
	Invitation(ctx context.Context, userID, eventID string) (*Invitation, error)
}

// LocationStore curates the known-location allow-list.
type LocationStore interface {
	AddKnownLocation(ctx context.Context, place geo.Place) (geo.Place, error)
}
