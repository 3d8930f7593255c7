package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/persistence/memory"
	"example.com/engagement/internal/policy"
)

var (
	created = time.Date(2025, time.August, 12, 9, 0, 0, 0, time.UTC)
	kinds   = domain.NewKindRegistry(domain.DefaultKinds()...)
)

func seed(t *testing.T, repo *memory.Repository, a domain.Activity, status domain.Status, points int) domain.Activity {
	t.Helper()
	ctx := context.Background()
	stored, replay, err := repo.Record(ctx, a)
	require.NoError(t, err)
	require.False(t, replay)
	if status == domain.StatusPending {
		return *stored
	}
	result, err := repo.UpdateStatus(ctx, domain.StatusUpdate{ActivityID: stored.ID, To: status, Actor: domain.ActorSystem, Points: points})
	require.NoError(t, err)
	return result.Activity
}

func stepActivity(user string, steps, threshold int64) domain.Activity {
	occurred := created.AddDate(0, 0, -1)
	return domain.Activity{
		ID:           uuid.NewString(),
		UserID:       user,
		Kind:         domain.KindStepSync,
		OccurredAt:   occurred,
		OccurredDate: domain.OccurredDateOf(occurred),
		PeriodKey:    occurred.Format("2006-01-02"),
		Status:       domain.StatusPending,
		Metadata: domain.Metadata{
			domain.MetaSteps:         steps,
			domain.MetaStepThreshold: threshold,
			domain.MetaPoints:        5,
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func gymActivity(user string, at geo.Point) domain.Activity {
	occurred := created.Add(-time.Hour)
	return domain.Activity{
		ID:           uuid.NewString(),
		UserID:       user,
		Kind:         domain.KindGymVisit,
		OccurredAt:   occurred,
		OccurredDate: domain.OccurredDateOf(occurred),
		PeriodKey:    occurred.Format("2006-01-02"),
		Status:       domain.StatusPending,
		Location:     &at,
		Metadata:     domain.Metadata{domain.MetaPoints: 10},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestRunLeavesCorrectRowsAlone(t *testing.T) {
	repo := memory.NewRepository()
	approved := seed(t, repo, stepActivity("alice", 5000, 5000), domain.StatusApproved, 5)
	seed(t, repo, stepActivity("bob", 4999, 5000), domain.StatusPending, 0)

	r := New(repo, kinds, policy.DefaultConstants())
	for i := 0; i < 3; i++ {
		report, err := r.Run(context.Background(), Options{})
		require.NoError(t, err)
		require.Equal(t, Report{Scanned: 2, Unchanged: 2}, report)
	}

	entries, err := repo.EntriesByActivity(context.Background(), approved.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecordedThresholdIsNotRetroactive(t *testing.T) {
	repo := memory.NewRepository()
	approved := seed(t, repo, stepActivity("alice", 5000, 5000), domain.StatusApproved, 5)

	stricter := policy.DefaultConstants()
	stricter.StepThreshold = 8000
	r := New(repo, kinds, stricter)

	report, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Zero(t, report.Changed)

	report, err = r.Run(context.Background(), Options{Rebase: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Changed)

	after, err := repo.Get(context.Background(), approved.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, after.Status)
	require.True(t, after.Metadata.Bool(domain.MetaReviewRequired))

	entries, err := repo.EntriesByActivity(context.Background(), approved.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Zero(t, domain.NetPoints(entries))
}

func TestAllowlistedLocationPromotesGymVisit(t *testing.T) {
	repo := memory.NewRepository()
	at := geo.Point{Lat: 48.1372, Lng: 11.5756}
	pending := seed(t, repo, gymActivity("alice", at), domain.StatusPending, 0)

	matcher := geo.NewMatcher([]geo.Locator{repo.Locator()})
	r := New(repo, kinds, policy.DefaultConstants(), WithMatcher(matcher))

	report, err := r.Run(context.Background(), Options{Kind: domain.KindGymVisit})
	require.NoError(t, err)
	require.Equal(t, 1, report.Unchanged)

	_, err = repo.AddKnownLocation(context.Background(), geo.Place{Category: policy.GymCategory, Lat: at.Lat, Lng: at.Lng})
	require.NoError(t, err)

	outcome, result, err := r.ReconcileActivity(context.Background(), pending.ID, Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, outcome)
	require.Equal(t, domain.StatusApproved, result.Activity.Status)
	require.Len(t, result.Entries, 1)
	require.Equal(t, 10, result.Entries[0].Points)
}

func TestReviewedRowsSkippedUnlessForced(t *testing.T) {
	repo := memory.NewRepository()
	a := stepActivity("alice", 100, 5000)
	a.Metadata[domain.MetaReviewedBy] = "admin-1"
	stored := seed(t, repo, a, domain.StatusPending, 0)

	r := New(repo, kinds, policy.DefaultConstants())
	outcome, _, err := r.ReconcileActivity(context.Background(), stored.ID, Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)

	outcome, _, err = r.ReconcileActivity(context.Background(), stored.ID, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, outcome)
}

func TestRunPagesThroughCandidates(t *testing.T) {
	repo := memory.NewRepository()
	for _, user := range []string{"a", "b", "c", "d", "e"} {
		seed(t, repo, stepActivity(user, 10, 5000), domain.StatusPending, 0)
	}

	report, err := New(repo, kinds, policy.DefaultConstants()).Run(context.Background(), Options{BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, 5, report.Scanned)
}

func TestUnknownActivity(t *testing.T) {
	r := New(memory.NewRepository(), kinds, policy.DefaultConstants())
	outcome, _, err := r.ReconcileActivity(context.Background(), "nope", Options{})
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
	require.Equal(t, OutcomeFailed, outcome)
}

func TestSystemTarget(t *testing.T) {
	to, ok := systemTarget(domain.StatusApproved, domain.StatusNeedsReview)
	require.True(t, ok)
	require.Equal(t, domain.StatusPending, to)

	to, ok = systemTarget(domain.StatusPending, domain.StatusNeedsReview)
	require.True(t, ok)
	require.Equal(t, domain.StatusNeedsReview, to)

	_, ok = systemTarget(domain.StatusNeedsReview, domain.StatusApproved)
	require.False(t, ok)
}
