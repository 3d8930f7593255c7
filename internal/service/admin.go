package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/policy"
	"example.com/engagement/internal/reconcile"
)

// Action is an admin correction.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionReview     Action = "review"
	ActionReevaluate Action = "reevaluate"
)

// AdminActionInput is a reviewer's request against one activity.
type AdminActionInput struct {
	ActivityID string
	Action     Action
	Reason     string
	ReviewerID string
}

// AdminResult describes the effect of an admin action.
type AdminResult struct {
	Activity domain.Activity
	Entries  []domain.PointsEntry
	Changed  bool
}

// ErrReconcilerUnavailable is returned when re-evaluation is requested without a reconciler.
var ErrReconcilerUnavailable = errors.New("reconciler not configured")

// AdminAction applies a reviewer decision. Approvals and rejections are recorded as reviewed and
// are left alone by later reconciliation passes.
func (s *Service) AdminAction(ctx context.Context, in AdminActionInput) (*AdminResult, error) {
	current, err := s.repo.Get(ctx, in.ActivityID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrActivityNotFound
	}

	if in.Action == ActionReevaluate {
		return s.reevaluate(ctx, *current)
	}

	update := domain.StatusUpdate{
		ActivityID:   current.ID,
		ExpectedFrom: current.Status,
		Actor:        domain.ActorAdmin,
		Reason:       in.Reason,
	}
	decided := domain.Metadata{
		domain.MetaReviewedBy:     in.ReviewerID,
		domain.MetaReviewReason:   in.Reason,
		domain.MetaReviewRequired: false,
		domain.MetaReviewQueue:    nil,
	}
	switch in.Action {
	case ActionApprove:
		update.To = domain.StatusApproved
		update.Patch = decided
		update.Points = s.pointsFor(*current)
	case ActionReject:
		update.To = domain.StatusRejected
		update.Patch = decided
	case ActionReview:
		update.To = domain.StatusNeedsReview
		update.Patch = domain.Metadata{
			domain.MetaReviewRequired: true,
			domain.MetaReviewQueue:    policy.QueueManual,
			domain.MetaReviewReason:   in.Reason,
		}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidInput, in.Action)
	}

	result, err := s.repo.UpdateStatus(ctx, update)
	if err != nil {
		return nil, err
	}
	s.observeTransition(result, domain.ActorAdmin)
	s.logger.Info("admin action applied",
		zap.String("activity_id", current.ID),
		zap.String("action", string(in.Action)),
		zap.String("reviewer", in.ReviewerID),
		zap.String("from", string(result.From)),
		zap.String("to", string(result.Activity.Status)),
	)
	return &AdminResult{Activity: result.Activity, Entries: result.Entries, Changed: result.Changed()}, nil
}

func (s *Service) reevaluate(ctx context.Context, current domain.Activity) (*AdminResult, error) {
	if s.reconciler == nil {
		return nil, ErrReconcilerUnavailable
	}
	outcome, result, err := s.reconciler.ReconcileActivity(ctx, current.ID, reconcile.Options{Rebase: true, Force: true})
	if err != nil {
		return nil, err
	}
	if outcome != reconcile.OutcomeChanged || result == nil {
		return &AdminResult{Activity: current}, nil
	}
	s.observeTransition(result, domain.ActorSystem)
	return &AdminResult{Activity: result.Activity, Entries: result.Entries, Changed: true}, nil
}

// pointsFor is the award recorded at evaluation, falling back to the kind's current value.
func (s *Service) pointsFor(a domain.Activity) int {
	if points, ok := a.Metadata.Int(domain.MetaPoints); ok && points >= 0 {
		return int(points)
	}
	if spec, ok := s.kinds.Lookup(a.Kind); ok {
		return spec.Points
	}
	return 0
}

// AddLocation adds a place to the known-location allow-list.
func (s *Service) AddLocation(ctx context.Context, place geo.Place) (geo.Place, error) {
	if s.locations == nil {
		return geo.Place{}, fmt.Errorf("%w: location store not configured", domain.ErrStoreUnavailable)
	}
	place.Category = strings.TrimSpace(place.Category)
	if place.Category == "" {
		return geo.Place{}, fmt.Errorf("%w: category is required", domain.ErrInvalidInput)
	}
	if !place.Point().Valid() {
		return geo.Place{}, fmt.Errorf("%w: coordinate out of range", domain.ErrInvalidInput)
	}
	stored, err := s.locations.AddKnownLocation(ctx, place)
	if err != nil {
		return geo.Place{}, err
	}
	s.logger.Info("known location allow-listed",
		zap.String("place_id", stored.ID),
		zap.String("category", stored.Category),
	)
	return stored, nil
}

// Reconcile runs a synchronous correction pass.
func (s *Service) Reconcile(ctx context.Context, opts reconcile.Options) (reconcile.Report, error) {
	if s.reconciler == nil {
		return reconcile.Report{}, ErrReconcilerUnavailable
	}
	return s.reconciler.Run(ctx, opts)
}

// StepsCorrection is an authoritative step count for a completed UTC day.
type StepsCorrection struct {
	UserID string
	Date   time.Time
	Steps  int64
	Source string
}

// CorrectSteps applies a late step count. An existing step-sync activity for the day gets the new
// count and is reconciled; a missing one is submitted as if the client had synced.
func (s *Service) CorrectSteps(ctx context.Context, c StepsCorrection) (*domain.Activity, error) {
	if strings.TrimSpace(c.UserID) == "" || c.Date.IsZero() || c.Steps < 0 {
		return nil, fmt.Errorf("%w: steps correction needs user, date and a non-negative count", domain.ErrInvalidInput)
	}
	day := domain.OccurredDateOf(c.Date)

	existing, err := s.repo.FindByPeriod(ctx, c.UserID, domain.KindStepSync, day.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		res, err := s.Submit(ctx, SubmitInput{
			UserID:     c.UserID,
			Kind:       domain.KindStepSync,
			OccurredAt: day.Add(12 * time.Hour),
			Metadata:   domain.Metadata{domain.MetaSteps: c.Steps},
			Correction: true,
		})
		if err != nil {
			return nil, err
		}
		return &res.Activity, nil
	}

	patched, err := s.patchMetadata(ctx, Viewer{UserID: c.UserID}, existing.ID, domain.Metadata{
		domain.MetaSteps:           c.Steps,
		domain.MetaStepsCorrection: s.now().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	if s.reconciler == nil {
		return patched, nil
	}
	_, result, err := s.reconciler.ReconcileActivity(ctx, patched.ID, reconcile.Options{})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.observeTransition(result, domain.ActorSystem)
		return &result.Activity, nil
	}
	return patched, nil
}

// AllowlistLocation adds a place and reconciles the gym visits it may now confirm.
func (s *Service) AllowlistLocation(ctx context.Context, place geo.Place) (geo.Place, error) {
	stored, err := s.AddLocation(ctx, place)
	if err != nil {
		return geo.Place{}, err
	}
	if s.reconciler != nil && stored.Category == policy.GymCategory {
		if _, err := s.reconciler.Run(ctx, reconcile.Options{Kind: domain.KindGymVisit}); err != nil {
			return stored, err
		}
	}
	return stored, nil
}
