// Package policy decides the status of a submitted activity.
//
// Every function here is pure: the outcome depends only on the Facts and Constants passed in,
// so the same decision can be recomputed later from stored facts.
package policy

import (
	"errors"
	"fmt"
	"time"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
)

var (
	// ErrOutsideRadius rejects an event check-in submitted too far from the event.
	ErrOutsideRadius = errors.New("check-in outside event radius")
	// ErrNoInvitation rejects an event check-in without an invitation.
	ErrNoInvitation = errors.New("no invitation for event")
)

// Review queues distinguish why a pending activity is waiting.
const (
	QueueLowConfidence  = "low_confidence"
	QueueLookupFailed   = "lookup_failed"
	QueueNoMatch        = "no_match"
	QueueLateSubmission = "late_submission"
	QueueManual         = "manual"
)

// GymCategory is the known-location category gym visits are matched against.
const GymCategory = "gym"

// Constants are the versioned policy parameters. They are stamped into activity metadata at
// evaluation so historical activities stay interpretable after they change.
type Constants struct {
	Version            string
	SearchRadiusMeters float64
	StepThreshold      int64
	MaxSubmissionLag   time.Duration
	// MaxStepSyncLag bounds how far the synced day may trail the submission date.
	MaxStepSyncLag time.Duration
}

// DefaultConstants returns the current production policy.
func DefaultConstants() Constants {
	return Constants{
		Version:            "2025-01",
		SearchRadiusMeters: geo.SearchRadiusMeters,
		StepThreshold:      5000,
		MaxSubmissionLag:   48 * time.Hour,
		MaxStepSyncLag:     24 * time.Hour,
	}
}

// EventFacts is the stored location of an event check-in target.
type EventFacts struct {
	EventID      string
	Location     geo.Point
	RadiusMeters float64
}

// Facts is everything a decision may depend on.
type Facts struct {
	Spec     domain.KindSpec
	Verdict  geo.Verdict
	Location *geo.Point
	Event    *EventFacts
	// Elapsed is the delay between the real-world event and its submission.
	Elapsed      time.Duration
	OccurredDate time.Time
	// SubmittedDate is the UTC date the submission was received.
	SubmittedDate time.Time
	Metadata      domain.Metadata
	// OverrideRequested and Privileged together force approval of an event check-in.
	OverrideRequested bool
	Privileged        bool
	// StepThreshold, when positive, replaces Constants.StepThreshold. Used to keep the threshold
	// recorded at first evaluation.
	StepThreshold int64
	// Correction marks an authoritative late step count, which is exempt from MaxStepSyncLag.
	Correction bool
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Status domain.Status
	Patch  domain.Metadata
	// Reject is set when the submission must be refused without creating an activity.
	Reject error
}

// Evaluate applies the policy for facts.Spec.
func Evaluate(facts Facts, c Constants) Decision {
	var d Decision
	switch {
	case facts.Spec.Kind == domain.KindGymVisit:
		d = evaluateGym(facts, c)
	case facts.Spec.Kind == domain.KindEventCheckin:
		d = evaluateEvent(facts)
	case facts.Spec.Kind == domain.KindStepSync:
		d = evaluateSteps(facts, c)
	default:
		d = evaluateManual()
	}
	if d.Reject != nil {
		return d
	}
	d.Patch[domain.MetaPolicyVersion] = c.Version
	return d
}

func evaluateGym(f Facts, c Constants) Decision {
	if f.Location == nil {
		return reject(fmt.Errorf("%w: gym-visit requires a coordinate", domain.ErrInvalidInput))
	}

	patch := domain.Metadata{
		domain.MetaSearchRadius:   c.SearchRadiusMeters,
		domain.MetaReviewRequired: false,
		domain.MetaReviewQueue:    nil,
		domain.MetaLookupError:    nil,
	}
	v := f.Verdict
	confident := v.Found && v.DistanceMeters <= c.SearchRadiusMeters

	switch {
	case c.MaxSubmissionLag > 0 && f.Elapsed > c.MaxSubmissionLag:
		patch[domain.MetaReviewRequired] = true
		patch[domain.MetaReviewQueue] = QueueLateSubmission
		return Decision{Status: domain.StatusNeedsReview, Patch: patch}
	case confident:
		return Decision{Status: domain.StatusApproved, Patch: patch}
	case v.Found:
		patch[domain.MetaReviewRequired] = true
		patch[domain.MetaReviewQueue] = QueueLowConfidence
	case v.LookupErr != "":
		patch[domain.MetaReviewRequired] = true
		patch[domain.MetaReviewQueue] = QueueLookupFailed
		patch[domain.MetaLookupError] = v.LookupErr
	default:
		patch[domain.MetaReviewQueue] = QueueNoMatch
	}
	return Decision{Status: domain.StatusPending, Patch: patch}
}

func evaluateEvent(f Facts) Decision {
	if f.Event == nil {
		return reject(ErrNoInvitation)
	}
	if f.Location == nil {
		return reject(fmt.Errorf("%w: event-checkin requires a coordinate", domain.ErrInvalidInput))
	}

	distance := geo.Distance(*f.Location, f.Event.Location)
	patch := domain.Metadata{
		domain.MetaEventID:       f.Event.EventID,
		domain.MetaEventLat:      f.Event.Location.Lat,
		domain.MetaEventLng:      f.Event.Location.Lng,
		domain.MetaEventRadius:   f.Event.RadiusMeters,
		domain.MetaEventDistance: distance,
	}

	if distance <= f.Event.RadiusMeters {
		return Decision{Status: domain.StatusApproved, Patch: patch}
	}
	if f.Privileged && f.OverrideRequested {
		patch[domain.MetaAdminOverride] = true
		return Decision{Status: domain.StatusApproved, Patch: patch}
	}
	return reject(fmt.Errorf("%w: %.0fm from event, radius %.0fm", ErrOutsideRadius, distance, f.Event.RadiusMeters))
}

func evaluateSteps(f Facts, c Constants) Decision {
	steps, ok := f.Metadata.Int(domain.MetaSteps)
	if !ok || steps < 0 {
		return reject(fmt.Errorf("%w: step-sync requires a non-negative integer steps value", domain.ErrInvalidInput))
	}
	if !f.OccurredDate.Before(f.SubmittedDate) {
		return reject(fmt.Errorf("%w: step-sync only evaluates completed days", domain.ErrInvalidInput))
	}
	if !f.Correction && c.MaxStepSyncLag > 0 && f.SubmittedDate.Sub(f.OccurredDate) > c.MaxStepSyncLag {
		return reject(fmt.Errorf("%w: step-sync for %s is older than the %s sync window",
			domain.ErrInvalidInput, f.OccurredDate.Format("2006-01-02"), c.MaxStepSyncLag))
	}

	threshold := c.StepThreshold
	if f.StepThreshold > 0 {
		threshold = f.StepThreshold
	}
	qualified := steps >= threshold

	patch := domain.Metadata{
		domain.MetaSteps:         steps,
		domain.MetaStepThreshold: threshold,
		domain.MetaQualified:     qualified,
	}
	if qualified {
		return Decision{Status: domain.StatusApproved, Patch: patch}
	}
	return Decision{Status: domain.StatusPending, Patch: patch}
}

func evaluateManual() Decision {
	return Decision{
		Status: domain.StatusNeedsReview,
		Patch: domain.Metadata{
			domain.MetaReviewRequired: true,
			domain.MetaReviewQueue:    QueueManual,
		},
	}
}

func reject(err error) Decision {
	return Decision{Status: domain.StatusRejected, Reject: err}
}
