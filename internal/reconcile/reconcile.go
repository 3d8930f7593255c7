// Package reconcile re-derives activity statuses from stored facts and routes every difference
// through the ledger's UpdateStatus, so awards and reversals follow the same exactly-once path as
// live submissions. A pass is idempotent and may run concurrently with submissions and with
// other passes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/policy"
)

// QueuePolicyConflict marks activities whose stored facts no longer satisfy the policy.
const QueuePolicyConflict = "policy_conflict"

const defaultBatchSize = 100

// Outcome classifies what happened to one activity.
type Outcome string

const (
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Options scope a pass.
type Options struct {
	// Kind restricts the pass to one kind when set.
	Kind      domain.Kind
	BatchSize int
	// Rebase re-stamps current policy constants instead of honouring the ones recorded at
	// first evaluation.
	Rebase bool
	// Force includes activities already decided by a reviewer.
	Force bool
}

// Report summarises a pass.
type Report struct {
	Scanned   int `json:"scanned"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *Report) add(o Outcome) {
	r.Scanned++
	switch o {
	case OutcomeChanged:
		r.Changed++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// StoredMatcher re-matches coordinates against stored known locations only.
type StoredMatcher interface {
	NearestStored(ctx context.Context, category string, lat, lng float64) geo.Verdict
}

// Reconciler runs correction passes over the ledger.
type Reconciler struct {
	repo      domain.ActivityRepository
	kinds     *domain.KindRegistry
	constants policy.Constants
	matcher   StoredMatcher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMatcher sets the stored-location matcher used for gym visits.
func WithMatcher(m StoredMatcher) Option {
	return func(r *Reconciler) { r.matcher = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Reconciler.
func New(repo domain.ActivityRepository, kinds *domain.KindRegistry, constants policy.Constants, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:      repo,
		kinds:     kinds,
		constants: constants,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run walks pending and approved activities in id order. Per-activity failures are counted and
// logged; only a failure to list candidates aborts the pass.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Report, error) {
	var report Report
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	started := time.Now()
	defer func() { passDuration.Observe(time.Since(started).Seconds()) }()

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		candidates, err := r.repo.ListCandidates(ctx, domain.CandidateFilter{
			Statuses: []domain.Status{domain.StatusPending, domain.StatusApproved},
			Kind:     opts.Kind,
			AfterID:  after,
			Limit:    batch,
		})
		if err != nil {
			return report, fmt.Errorf("list candidates: %w", err)
		}

		for _, activity := range candidates {
			outcome, _, err := r.reconcile(ctx, activity, opts)
			if err != nil {
				r.logger.Error("reconcile activity",
					zap.String("activity_id", activity.ID),
					zap.String("kind", string(activity.Kind)),
					zap.Error(err),
				)
			}
			report.add(outcome)
			outcomesCounter.WithLabelValues(string(outcome)).Inc()
		}

		if len(candidates) < batch {
			break
		}
		after = candidates[len(candidates)-1].ID
	}

	r.logger.Info("reconcile pass complete",
		zap.String("kind", string(opts.Kind)),
		zap.Bool("rebase", opts.Rebase),
		zap.Int("scanned", report.Scanned),
		zap.Int("changed", report.Changed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// ReconcileActivity reconciles a single activity by id.
func (r *Reconciler) ReconcileActivity(ctx context.Context, activityID string, opts Options) (Outcome, *domain.TransitionResult, error) {
	activity, err := r.repo.Get(ctx, activityID)
	if err != nil {
		return OutcomeFailed, nil, err
	}
	if activity == nil {
		return OutcomeFailed, nil, domain.ErrActivityNotFound
	}
	outcome, result, err := r.reconcile(ctx, *activity, opts)
	outcomesCounter.WithLabelValues(string(outcome)).Inc()
	return outcome, result, err
}

func (r *Reconciler) reconcile(ctx context.Context, a domain.Activity, opts Options) (Outcome, *domain.TransitionResult, error) {
	if a.Status != domain.StatusPending && a.Status != domain.StatusApproved {
		return OutcomeSkipped, nil, nil
	}
	if !opts.Force && a.Metadata.String(domain.MetaReviewedBy) != "" {
		return OutcomeSkipped, nil, nil
	}
	spec, ok := r.kinds.Lookup(a.Kind)
	if !ok {
		return OutcomeSkipped, nil, nil
	}

	facts, ok := r.storedFacts(ctx, a, spec, opts)
	if !ok {
		return OutcomeSkipped, nil, nil
	}
	decision := policy.Evaluate(facts, r.constants)

	target, patch := decision.Status, decision.Patch
	if decision.Reject != nil {
		target, patch = domain.StatusNeedsReview, domain.Metadata{
			domain.MetaReviewRequired: true,
			domain.MetaReviewQueue:    QueuePolicyConflict,
			domain.MetaReviewReason:   decision.Reject.Error(),
		}
	}
	target, ok = systemTarget(a.Status, target)
	if !ok {
		return OutcomeSkipped, nil, nil
	}
	if target == a.Status {
		return OutcomeUnchanged, nil, nil
	}

	points := spec.Points
	if stored, ok := a.Metadata.Int(domain.MetaPoints); ok && !opts.Rebase {
		points = int(stored)
	}
	patch = patch.Merge(domain.Metadata{
		domain.MetaPoints:      points,
		domain.MetaEvaluatedAt: r.now().Format(time.RFC3339),
	})
	if target == domain.StatusPending && a.Status == domain.StatusApproved {
		patch[domain.MetaReviewRequired] = true
	}

	result, err := r.repo.UpdateStatus(ctx, domain.StatusUpdate{
		ActivityID:   a.ID,
		To:           target,
		ExpectedFrom: a.Status,
		Patch:        patch,
		Actor:        domain.ActorSystem,
		Reason:       "reconcile",
		Points:       points,
	})
	switch {
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrInvalidTransition):
		// A concurrent writer moved the row; the next pass sees its new state.
		return OutcomeSkipped, nil, nil
	case err != nil:
		return OutcomeFailed, nil, err
	}

	r.logger.Info("activity reconciled",
		zap.String("activity_id", a.ID),
		zap.String("from", string(result.From)),
		zap.String("to", string(result.Activity.Status)),
		zap.Int("entries", len(result.Entries)),
	)
	return OutcomeChanged, result, nil
}

// systemTarget adapts a policy outcome to the moves a system actor may make. An approved activity
// that no longer qualifies goes back to pending for review.
func systemTarget(from, to domain.Status) (domain.Status, bool) {
	if domain.CanTransition(from, to, domain.ActorSystem) {
		return to, true
	}
	if from == domain.StatusApproved && to != domain.StatusApproved {
		return domain.StatusPending, true
	}
	return "", false
}

// storedFacts rebuilds policy facts from the row without contacting external sources. It reports
// false when the stored facts are insufficient to decide.
func (r *Reconciler) storedFacts(ctx context.Context, a domain.Activity, spec domain.KindSpec, opts Options) (policy.Facts, bool) {
	facts := policy.Facts{
		Spec:          spec,
		Location:      a.Location,
		Elapsed:       a.Elapsed(),
		OccurredDate:  a.OccurredDate,
		SubmittedDate: domain.OccurredDateOf(a.CreatedAt),
		Metadata:      a.Metadata.Clone(),
	}

	switch spec.Kind {
	case domain.KindGymVisit:
		if a.Location == nil {
			return facts, false
		}
		verdict := r.storedVerdict(ctx, a)
		if !verdict.Found && verdict.LookupErr != "" {
			return facts, false
		}
		facts.Verdict = verdict

	case domain.KindEventCheckin:
		eventID := a.Metadata.String(domain.MetaEventID)
		lat, okLat := a.Metadata.Float(domain.MetaEventLat)
		lng, okLng := a.Metadata.Float(domain.MetaEventLng)
		radius, okRadius := a.Metadata.Float(domain.MetaEventRadius)
		if eventID == "" || !okLat || !okLng || !okRadius {
			return facts, false
		}
		facts.Event = &policy.EventFacts{EventID: eventID, Location: geo.Point{Lat: lat, Lng: lng}, RadiusMeters: radius}
		override := a.Metadata.Bool(domain.MetaAdminOverride)
		facts.OverrideRequested, facts.Privileged = override, override

	case domain.KindStepSync:
		if threshold, ok := a.Metadata.Int(domain.MetaStepThreshold); ok && !opts.Rebase {
			facts.StepThreshold = threshold
		}
		facts.Correction = a.Metadata.String(domain.MetaStepsCorrection) != ""
	}
	return facts, true
}

// storedVerdict is the closer of the place matched at submission and the current stored catalog,
// which includes the allow-list.
func (r *Reconciler) storedVerdict(ctx context.Context, a domain.Activity) geo.Verdict {
	candidates := make([]geo.Verdict, 0, 2)
	if a.MatchedPlace != nil {
		place := a.MatchedPlace.Place
		candidates = append(candidates, geo.NewVerdict(&place, geo.Distance(*a.Location, place.Point())))
	}
	var lookupErr string
	if r.matcher != nil {
		v := r.matcher.NearestStored(ctx, policy.GymCategory, a.Location.Lat, a.Location.Lng)
		if v.Found {
			candidates = append(candidates, v)
		}
		lookupErr = v.LookupErr
	}
	if len(candidates) == 0 {
		return geo.Verdict{LookupErr: lookupErr}
	}
	return lo.MinBy(candidates, func(a, b geo.Verdict) bool { return a.DistanceMeters < b.DistanceMeters })
}
