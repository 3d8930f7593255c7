// Package service orchestrates submissions, reads and corrections over the activity ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/observability"
	"example.com/engagement/internal/policy"
	"example.com/engagement/internal/reconcile"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// maxClockSkew tolerates clients whose clocks run slightly ahead.
	maxClockSkew = 5 * time.Minute
	// patchAttempts bounds retries of a metadata patch that races a status change.
	patchAttempts = 3
)

// PlaceMatcher resolves the nearest known place for a submission.
type PlaceMatcher interface {
	FindNearest(ctx context.Context, category string, lat, lng float64) geo.Verdict
}

// Service is the application API used by HTTP handlers and the fact consumer.
type Service struct {
	repo        domain.ActivityRepository
	kinds       *domain.KindRegistry
	constants   policy.Constants
	matcher     PlaceMatcher
	invitations domain.InvitationStore
	locations   domain.LocationStore
	reconciler  *reconcile.Reconciler
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMatcher sets the place matcher consulted for gym visits.
func WithMatcher(m PlaceMatcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithInvitations sets the invitation store consulted for event check-ins.
func WithInvitations(store domain.InvitationStore) Option {
	return func(s *Service) { s.invitations = store }
}

// WithLocations sets the known-location allow-list store.
func WithLocations(store domain.LocationStore) Option {
	return func(s *Service) { s.locations = store }
}

// WithReconciler sets the reconciler used for re-evaluation and late facts.
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(s *Service) { s.reconciler = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service.
func New(repo domain.ActivityRepository, kinds *domain.KindRegistry, constants policy.Constants, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		kinds:     kinds,
		constants: constants,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Viewer is the authenticated caller.
type Viewer struct {
	UserID string
	Admin  bool
}

// SubmitInput is a validated-at-the-edge submission.
type SubmitInput struct {
	UserID     string
	Kind       domain.Kind
	OccurredAt time.Time
	Location   *geo.Point
	EventID    string
	Metadata   domain.Metadata
	// Override asks to force approval of an out-of-radius event check-in. Honoured only when
	// Privileged is set.
	Override   bool
	Privileged bool
	// Correction submits an authoritative late step count outside the live sync window.
	Correction bool
}

// SubmitResult is the stored activity. Replay is set when an earlier submission for the same
// period was returned instead of creating a new row.
type SubmitResult struct {
	Activity domain.Activity
	Replay   bool
}

// Submit evaluates and records a submission. Duplicates for the same (user, kind, period) return
// the existing row; rejections return an error and record nothing.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	spec, err := s.validateSubmission(in)
	if err != nil {
		submissionsCounter.WithLabelValues(string(in.Kind), "invalid").Inc()
		return nil, err
	}

	id := uuid.NewString()
	occurredAt := in.OccurredAt.UTC()
	periodKey, err := domain.PeriodKey(spec, occurredAt, in.EventID, id)
	if err != nil {
		submissionsCounter.WithLabelValues(string(spec.Kind), "invalid").Inc()
		return nil, err
	}

	existing, err := s.repo.FindByPeriod(ctx, in.UserID, spec.Kind, periodKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		submissionsCounter.WithLabelValues(string(spec.Kind), "replay").Inc()
		return &SubmitResult{Activity: *existing, Replay: true}, nil
	}

	now := s.now()
	activity := domain.Activity{
		ID:              id,
		UserID:          in.UserID,
		Kind:            spec.Kind,
		OccurredAt:      occurredAt,
		OccurredDate:    domain.OccurredDateOf(occurredAt),
		PeriodKey:       periodKey,
		Status:          domain.StatusPending,
		Location:        in.Location,
		Metadata:        in.Metadata.WithoutReserved(),
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
	}
	if in.Correction {
		activity.Metadata[domain.MetaStepsCorrection] = now.Format(time.RFC3339)
	}

	facts, err := s.gatherFacts(ctx, &activity, spec, in)
	if err != nil {
		return nil, err
	}
	decision := policy.Evaluate(facts, s.constants)
	if decision.Reject != nil {
		submissionsCounter.WithLabelValues(string(spec.Kind), "rejected").Inc()
		s.logger.Info("submission rejected",
			zap.String("user_id", in.UserID),
			zap.String("kind", string(spec.Kind)),
			zap.Error(decision.Reject),
		)
		return nil, decision.Reject
	}

	activity.Metadata = activity.Metadata.Merge(decision.Patch).Merge(domain.Metadata{
		domain.MetaPoints:      spec.Points,
		domain.MetaEvaluatedAt: now.Format(time.RFC3339),
	})

	stored, replay, err := s.repo.Record(ctx, activity)
	if err != nil {
		return nil, err
	}
	if replay {
		submissionsCounter.WithLabelValues(string(spec.Kind), "replay").Inc()
		return &SubmitResult{Activity: *stored, Replay: true}, nil
	}
	observability.RecordActivityRecorded(stored.CreatedAt)
	submissionsCounter.WithLabelValues(string(spec.Kind), string(decision.Status)).Inc()

	if decision.Status == domain.StatusPending {
		return &SubmitResult{Activity: *stored}, nil
	}

	result, err := s.repo.UpdateStatus(ctx, domain.StatusUpdate{
		ActivityID:   stored.ID,
		To:           decision.Status,
		ExpectedFrom: domain.StatusPending,
		Actor:        domain.ActorSystem,
		Reason:       "policy",
		Points:       spec.Points,
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		// Someone else already moved the new row; report what is stored now.
		current, getErr := s.repo.Get(ctx, stored.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, domain.ErrActivityNotFound
		}
		return &SubmitResult{Activity: *current}, nil
	}
	if err != nil {
		return nil, err
	}
	s.observeTransition(result, domain.ActorSystem)
	return &SubmitResult{Activity: result.Activity}, nil
}

func (s *Service) validateSubmission(in SubmitInput) (domain.KindSpec, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return domain.KindSpec{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	spec, ok := s.kinds.Lookup(in.Kind)
	if !ok {
		return domain.KindSpec{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidInput, in.Kind)
	}
	if in.OccurredAt.IsZero() {
		return domain.KindSpec{}, fmt.Errorf("%w: occurred_at is required", domain.ErrInvalidInput)
	}
	if in.OccurredAt.After(s.now().Add(maxClockSkew)) {
		return domain.KindSpec{}, fmt.Errorf("%w: occurred_at is in the future", domain.ErrInvalidInput)
	}
	if in.Location != nil && !in.Location.Valid() {
		return domain.KindSpec{}, fmt.Errorf("%w: coordinate out of range", domain.ErrInvalidInput)
	}
	if spec.RequiresLocation && in.Location == nil {
		return domain.KindSpec{}, fmt.Errorf("%w: %s requires lat and lng", domain.ErrInvalidInput, spec.Kind)
	}
	return spec, nil
}

// gatherFacts collects the live evidence for a submission. Lookup failures degrade into the
// verdict; only store failures are returned.
func (s *Service) gatherFacts(ctx context.Context, a *domain.Activity, spec domain.KindSpec, in SubmitInput) (policy.Facts, error) {
	now := s.now()
	facts := policy.Facts{
		Spec:              spec,
		Location:          a.Location,
		Elapsed:           now.Sub(a.OccurredAt),
		OccurredDate:      a.OccurredDate,
		SubmittedDate:     domain.OccurredDateOf(now),
		Metadata:          a.Metadata,
		OverrideRequested: in.Override || in.Metadata.Bool(domain.MetaAdminOverride),
		Privileged:        in.Privileged,
		Correction:        in.Correction,
	}

	switch spec.Kind {
	case domain.KindGymVisit:
		if a.Location == nil || s.matcher == nil {
			break
		}
		verdict := s.matcher.FindNearest(ctx, policy.GymCategory, a.Location.Lat, a.Location.Lng)
		facts.Verdict = verdict
		if verdict.Found && verdict.Place != nil {
			a.MatchedPlace = &domain.MatchedPlace{
				Place:          *verdict.Place,
				DistanceMeters: verdict.DistanceMeters,
				Confident:      verdict.Confident,
			}
		}

	case domain.KindEventCheckin:
		if s.invitations == nil {
			break
		}
		inv, err := s.invitations.Invitation(ctx, in.UserID, in.EventID)
		if err != nil {
			return facts, err
		}
		if inv != nil {
			facts.Event = &policy.EventFacts{EventID: inv.EventID, Location: inv.Location, RadiusMeters: inv.RadiusMeters}
		}
	}
	return facts, nil
}

// Get returns an activity visible to viewer. Other users' activities read as not found.
func (s *Service) Get(ctx context.Context, viewer Viewer, activityID string) (*domain.Activity, error) {
	a, err := s.repo.Get(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a == nil || (!viewer.Admin && a.UserID != viewer.UserID) {
		return nil, domain.ErrActivityNotFound
	}
	return a, nil
}

// List pages through the viewer's own activities, newest first.
func (s *Service) List(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	return s.repo.ListByUser(ctx, userID, cursor, clampLimit(limit))
}

// AttachArtifact records an uploaded artifact URL without touching the status or award path.
func (s *Service) AttachArtifact(ctx context.Context, viewer Viewer, activityID, artifactURL string) (*domain.Activity, error) {
	parsed, err := url.ParseRequestURI(strings.TrimSpace(artifactURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: artifact url must be an absolute http(s) url", domain.ErrInvalidInput)
	}
	return s.patchMetadata(ctx, viewer, activityID, domain.Metadata{domain.MetaArtifactURL: parsed.String()})
}

func (s *Service) patchMetadata(ctx context.Context, viewer Viewer, activityID string, patch domain.Metadata) (*domain.Activity, error) {
	var lastErr error
	for attempt := 0; attempt < patchAttempts; attempt++ {
		current, err := s.Get(ctx, viewer, activityID)
		if err != nil {
			return nil, err
		}
		result, err := s.repo.UpdateStatus(ctx, domain.StatusUpdate{
			ActivityID:   current.ID,
			To:           current.Status,
			ExpectedFrom: current.Status,
			Patch:        patch,
			Actor:        domain.ActorSystem,
			Reason:       "metadata patch",
		})
		if errors.Is(err, domain.ErrStatusConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return &result.Activity, nil
	}
	return nil, lastErr
}

// Balance returns the user's current points total.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

// Entries returns the user's most recent ledger entries.
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]domain.PointsEntry, error) {
	return s.repo.EntriesByUser(ctx, userID, clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

func (s *Service) observeTransition(result *domain.TransitionResult, actor domain.Actor) {
	if result == nil {
		return
	}
	if result.Changed() {
		observability.RecordTransition(string(result.From), string(result.Activity.Status), string(actor))
	}
	for _, e := range result.Entries {
		observability.RecordPointsEntry(string(e.Type), e.CreatedAt)
		s.logger.Info("points entry posted",
			zap.String("activity_id", e.ActivityID),
			zap.String("user_id", e.UserID),
			zap.String("entry_type", string(e.Type)),
			zap.Int("points", e.Points),
			zap.Int("seq", e.Seq),
		)
	}
}
