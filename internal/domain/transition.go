package domain

import (
	"fmt"
	"time"
)

// Actor identifies who drives a status change.
type Actor string

const (
	// ActorSystem is the validation policy or the reconciliation pass.
	ActorSystem Actor = "system"
	// ActorAdmin is a human reviewer.
	ActorAdmin Actor = "admin"
)

type edge struct {
	from, to Status
}

var transitions = map[edge][]Actor{
	{StatusPending, StatusApproved}:     {ActorSystem, ActorAdmin},
	{StatusPending, StatusRejected}:     {ActorSystem, ActorAdmin},
	{StatusPending, StatusNeedsReview}:  {ActorSystem, ActorAdmin},
	{StatusApproved, StatusPending}:     {ActorSystem, ActorAdmin},
	{StatusApproved, StatusRejected}:    {ActorAdmin},
	{StatusNeedsReview, StatusApproved}: {ActorAdmin},
	{StatusNeedsReview, StatusRejected}: {ActorAdmin},
}

// CanTransition reports whether actor may move an activity from one status to another.
// Staying in the same status is always allowed and only patches metadata.
func CanTransition(from, to Status, actor Actor) bool {
	if from == to {
		return from.Valid()
	}
	for _, allowed := range transitions[edge{from, to}] {
		if allowed == actor {
			return true
		}
	}
	return false
}

// StatusUpdate requests a status transition and/or a metadata patch.
type StatusUpdate struct {
	ActivityID string
	To         Status
	// ExpectedFrom, when set, makes the update conditional on the current status.
	ExpectedFrom Status
	Patch        Metadata
	Actor        Actor
	Reason       string
	// Points is credited if this update approves the activity for the first time.
	Points int
}

// Validate checks the request shape.
func (u StatusUpdate) Validate() error {
	if u.ActivityID == "" {
		return fmt.Errorf("%w: activity id is required", ErrInvalidInput)
	}
	if !u.To.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, u.To)
	}
	if u.ExpectedFrom != "" && !u.ExpectedFrom.Valid() {
		return fmt.Errorf("%w: unknown expected status %q", ErrInvalidInput, u.ExpectedFrom)
	}
	if u.Actor != ActorSystem && u.Actor != ActorAdmin {
		return fmt.Errorf("%w: unknown actor %q", ErrInvalidInput, u.Actor)
	}
	if u.Points < 0 {
		return fmt.Errorf("%w: points must be >= 0", ErrInvalidInput)
	}
	return nil
}

// ApplyStatusUpdate returns the activity after u. It is shared by every repository so the
// transition rules live in one place; callers must hold the row lock.
func ApplyStatusUpdate(current Activity, u StatusUpdate, now time.Time) (Activity, error) {
	if u.ExpectedFrom != "" && current.Status != u.ExpectedFrom {
		return Activity{}, fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, u.ExpectedFrom, current.Status)
	}
	if !CanTransition(current.Status, u.To, u.Actor) {
		return Activity{}, fmt.Errorf("%w: %s -> %s by %s", ErrInvalidTransition, current.Status, u.To, u.Actor)
	}

	next := current.Clone()
	next.Metadata = next.Metadata.Merge(u.Patch)
	next.UpdatedAt = now
	if next.Status != u.To {
		next.Status = u.To
		next.StatusChangedAt = now
	}
	return next, nil
}

// TransitionResult describes a committed status update.
type TransitionResult struct {
	Activity Activity
	From     Status
	Entries  []PointsEntry
}

// Changed reports whether the status moved.
func (r TransitionResult) Changed() bool {
	return r.From != r.Activity.Status
}
