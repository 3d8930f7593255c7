package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/events"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/persistence/memory"
	"example.com/engagement/internal/policy"
	"example.com/engagement/internal/reconcile"
)

var (
	fixedNow = time.Date(2025, time.August, 12, 10, 0, 0, 0, time.UTC)
	gym      = geo.Place{ID: "gym-1", Name: "Iron Works", Category: policy.GymCategory, Lat: 52.52, Lng: 13.405}
	eventLoc = geo.Point{Lat: 40.0, Lng: -75.0}
)

type fixture struct {
	repo *memory.Repository
	svc  *Service
}

func newFixture(t *testing.T, external ...geo.Locator) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := memory.NewRepository()
	_, err := repo.AddKnownLocation(ctx, gym)
	require.NoError(t, err)
	repo.AddInvitation(domain.Invitation{EventID: "evt-1", UserID: "alice", EventName: "River Run", Location: eventLoc, RadiusMeters: 100})

	matcher := geo.NewMatcher([]geo.Locator{repo.Locator()}, geo.WithExternal(external...), geo.WithFailureSink(repo))
	kinds := domain.NewKindRegistry(domain.DefaultKinds()...)
	clock := func() time.Time { return fixedNow }

	rec := reconcile.New(repo, kinds, policy.DefaultConstants(), reconcile.WithMatcher(matcher), reconcile.WithClock(clock))
	svc := New(repo, kinds, policy.DefaultConstants(),
		WithMatcher(matcher),
		WithInvitations(repo),
		WithLocations(repo),
		WithReconciler(rec),
		WithClock(clock),
	)
	return &fixture{repo: repo, svc: svc}
}

func (f *fixture) gymVisit(t *testing.T, user string, meters float64) *SubmitResult {
	t.Helper()
	at := north(gym.Point(), meters)
	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:     user,
		Kind:       domain.KindGymVisit,
		OccurredAt: fixedNow.Add(-time.Hour),
		Location:   &at,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) stepSync(t *testing.T, user string, steps int) *SubmitResult {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:     user,
		Kind:       domain.KindStepSync,
		OccurredAt: fixedNow.AddDate(0, 0, -1),
		Metadata:   domain.Metadata{domain.MetaSteps: float64(steps)},
	})
	require.NoError(t, err)
	return res
}

func TestGymVisitWithinRadiusApprovedAndAwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.gymVisit(t, "alice", 120)
	require.False(t, res.Replay)
	require.Equal(t, domain.StatusApproved, res.Activity.Status)
	require.NotNil(t, res.Activity.MatchedPlace)
	require.Equal(t, "gym-1", res.Activity.MatchedPlace.ID)
	require.True(t, res.Activity.MatchedPlace.Confident)

	entries, err := f.repo.EntriesByActivity(ctx, res.Activity.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.EntryAward, entries[0].Type)
	require.Equal(t, 10, entries[0].Points)

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, balance)
}

func TestGymVisitFarAwayPendingReview(t *testing.T) {
	f := newFixture(t)

	res := f.gymVisit(t, "alice", 400)
	require.Equal(t, domain.StatusPending, res.Activity.Status)
	require.True(t, res.Activity.Metadata.Bool(domain.MetaReviewRequired))
	require.Equal(t, policy.QueueLowConfidence, res.Activity.Metadata.String(domain.MetaReviewQueue))

	balance, err := f.svc.Balance(context.Background(), "alice")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestRepeatedSubmissionsReturnSameRow(t *testing.T) {
	f := newFixture(t)
	first := f.gymVisit(t, "alice", 120)

	for i := 0; i < 5; i++ {
		at := north(gym.Point(), 10)
		again, err := f.svc.Submit(context.Background(), SubmitInput{
			UserID:     "alice",
			Kind:       domain.KindGymVisit,
			OccurredAt: fixedNow.Add(-time.Duration(i+2) * time.Hour),
			Location:   &at,
		})
		require.NoError(t, err)
		require.True(t, again.Replay)
		require.Equal(t, first.Activity.ID, again.Activity.ID)
		require.Equal(t, domain.StatusApproved, again.Activity.Status)
	}

	require.Equal(t, 1, f.repo.Count())
	balance, err := f.svc.Balance(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, balance)
}

func TestConcurrentDuplicateSubmissionsProduceOneRow(t *testing.T) {
	f := newFixture(t)
	at := north(gym.Point(), 50)

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*SubmitResult
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Submit(context.Background(), SubmitInput{
				UserID:     "bob",
				Kind:       domain.KindGymVisit,
				OccurredAt: fixedNow.Add(-time.Hour),
				Location:   &at,
			})
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.repo.Count())
	for _, res := range results {
		require.Equal(t, results[0].Activity.ID, res.Activity.ID)
	}

	entries, err := f.repo.EntriesByActivity(context.Background(), results[0].Activity.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStepSyncThresholdAndReconcileIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	below := f.stepSync(t, "alice", 4999)
	require.Equal(t, domain.StatusPending, below.Activity.Status)
	require.False(t, below.Activity.Metadata.Bool(domain.MetaQualified))

	at := f.stepSync(t, "bob", 5000)
	require.Equal(t, domain.StatusApproved, at.Activity.Status)

	report, err := f.svc.Reconcile(ctx, reconcile.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Zero(t, report.Changed)

	again, err := f.svc.Reconcile(ctx, reconcile.Options{Kind: domain.KindStepSync})
	require.NoError(t, err)
	require.Zero(t, again.Changed)

	entries, err := f.repo.EntriesByActivity(ctx, at.Activity.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	aliceBalance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, aliceBalance)
	bobBalance, err := f.svc.Balance(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 5, bobBalance)
}

func TestStepSyncCurrentDayRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:     "alice",
		Kind:       domain.KindStepSync,
		OccurredAt: fixedNow.Add(-time.Hour),
		Metadata:   domain.Metadata{domain.MetaSteps: float64(12000)},
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	require.Zero(t, f.repo.Count())
}

func TestStepSyncBackfillRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for daysAgo := 2; daysAgo <= 30; daysAgo++ {
		_, err := f.svc.Submit(ctx, SubmitInput{
			UserID:     "alice",
			Kind:       domain.KindStepSync,
			OccurredAt: fixedNow.AddDate(0, 0, -daysAgo),
			Metadata:   domain.Metadata{domain.MetaSteps: float64(9000)},
		})
		require.ErrorIs(t, err, domain.ErrInvalidInput, "days ago: %d", daysAgo)
	}
	require.Zero(t, f.repo.Count())

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestEventCheckinOutsideRadius(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := north(eventLoc, 400)

	in := SubmitInput{
		UserID:     "alice",
		Kind:       domain.KindEventCheckin,
		OccurredAt: fixedNow.Add(-10 * time.Minute),
		Location:   &at,
		EventID:    "evt-1",
	}
	_, err := f.svc.Submit(ctx, in)
	require.ErrorIs(t, err, policy.ErrOutsideRadius)
	require.Zero(t, f.repo.Count())

	in.Override = true
	_, err = f.svc.Submit(ctx, in)
	require.ErrorIs(t, err, policy.ErrOutsideRadius, "override requires a privileged caller")
	require.Zero(t, f.repo.Count())

	in.Privileged = true
	res, err := f.svc.Submit(ctx, in)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, res.Activity.Status)
	require.True(t, res.Activity.Metadata.Bool(domain.MetaAdminOverride))
	require.Equal(t, 1, f.repo.Count())

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 25, balance)
}

func TestEventCheckinRequiresInvitation(t *testing.T) {
	f := newFixture(t)
	at := eventLoc

	_, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:     "mallory",
		Kind:       domain.KindEventCheckin,
		OccurredAt: fixedNow,
		Location:   &at,
		EventID:    "evt-1",
	})
	require.ErrorIs(t, err, policy.ErrNoInvitation)
	require.Zero(t, f.repo.Count())
}

func TestAdminRejectAddsCompensatingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.gymVisit(t, "alice", 20)

	out, err := f.svc.AdminAction(ctx, AdminActionInput{ActivityID: res.Activity.ID, Action: ActionReject, Reason: "photo mismatch", ReviewerID: "admin-1"})
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, domain.StatusRejected, out.Activity.Status)
	require.Equal(t, "admin-1", out.Activity.Metadata.String(domain.MetaReviewedBy))

	entries, err := f.repo.EntriesByActivity(ctx, res.Activity.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, domain.EntryReversal, entries[1].Type)
	require.Equal(t, -10, entries[1].Points)
	require.Equal(t, entries[0].ID, entries[1].ReferencesID)
	require.Zero(t, domain.NetPoints(entries))

	_, err = f.svc.AdminAction(ctx, AdminActionInput{ActivityID: res.Activity.ID, Action: ActionApprove, ReviewerID: "admin-1"})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReapprovalReinstatesWithoutSecondAward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approved := f.stepSync(t, "alice", 5000)
	require.Equal(t, domain.StatusApproved, approved.Activity.Status)

	stricter := policy.DefaultConstants()
	stricter.StepThreshold = 6000
	kinds := domain.NewKindRegistry(domain.DefaultKinds()...)
	rebase := reconcile.New(f.repo, kinds, stricter, reconcile.WithClock(func() time.Time { return fixedNow }))

	report, err := rebase.Run(ctx, reconcile.Options{Kind: domain.KindStepSync, Rebase: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Changed)

	demoted, err := f.svc.Get(ctx, Viewer{UserID: "alice"}, approved.Activity.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, demoted.Status)

	corrected, err := f.svc.CorrectSteps(ctx, StepsCorrection{UserID: "alice", Date: fixedNow.AddDate(0, 0, -1), Steps: 7000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, corrected.Status)

	entries, err := f.repo.EntriesByActivity(ctx, approved.Activity.ID)
	require.NoError(t, err)
	types := make([]domain.EntryType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	require.Equal(t, []domain.EntryType{domain.EntryAward, domain.EntryReversal, domain.EntryReinstatement}, types)

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 5, balance)
}

func TestCorrectStepsCreatesMissingActivity(t *testing.T) {
	f := newFixture(t)

	a, err := f.svc.CorrectSteps(context.Background(), StepsCorrection{UserID: "carol", Date: fixedNow.AddDate(0, 0, -2), Steps: 8000})
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, a.Status)
	require.Equal(t, "2025-08-10", a.PeriodKey)
	require.NotEmpty(t, a.Metadata.String(domain.MetaStepsCorrection))

	report, err := f.svc.Reconcile(context.Background(), reconcile.Options{Kind: domain.KindStepSync})
	require.NoError(t, err)
	require.Zero(t, report.Changed)

	stored, err := f.repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, stored.Status)
}

func TestAllowlistPromotesPendingGymVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.gymVisit(t, "alice", 400)
	require.Equal(t, domain.StatusPending, res.Activity.Status)

	_, err := f.svc.AllowlistLocation(ctx, geo.Place{Name: "Annex", Category: policy.GymCategory, Lat: res.Activity.Location.Lat, Lng: res.Activity.Location.Lng})
	require.NoError(t, err)

	after, err := f.svc.Get(ctx, Viewer{UserID: "alice"}, res.Activity.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, after.Status)

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, balance)
}

func TestAdminReevaluateUsesAllowlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.gymVisit(t, "alice", 400)

	_, err := f.svc.AddLocation(ctx, geo.Place{Category: policy.GymCategory, Lat: res.Activity.Location.Lat, Lng: res.Activity.Location.Lng})
	require.NoError(t, err)

	out, err := f.svc.AdminAction(ctx, AdminActionInput{ActivityID: res.Activity.ID, Action: ActionReevaluate, ReviewerID: "admin-1"})
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, domain.StatusApproved, out.Activity.Status)
	require.Len(t, out.Entries, 1)
}

func TestReviewedActivitiesAreLeftAloneByReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.gymVisit(t, "alice", 400)

	_, err := f.svc.AdminAction(ctx, AdminActionInput{ActivityID: res.Activity.ID, Action: ActionApprove, ReviewerID: "admin-1"})
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx, reconcile.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)

	after, err := f.svc.Get(ctx, Viewer{UserID: "alice"}, res.Activity.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, after.Status)
	require.False(t, after.Metadata.Bool(domain.MetaReviewRequired))
}

func TestManualKindGoesToReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, SubmitInput{UserID: "alice", Kind: domain.KindVolunteering, OccurredAt: fixedNow.Add(-48 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNeedsReview, res.Activity.Status)
	require.Equal(t, "2025-08", res.Activity.PeriodKey)

	out, err := f.svc.AdminAction(ctx, AdminActionInput{ActivityID: res.Activity.ID, Action: ActionApprove, ReviewerID: "admin-1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, out.Activity.Status)

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 50, balance)
}

func TestAttachArtifactPatchesMetadataOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.gymVisit(t, "alice", 20)

	a, err := f.svc.AttachArtifact(ctx, Viewer{UserID: "alice"}, res.Activity.ID, "https://cdn.example.com/v/1.mp4")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, a.Status)
	require.Equal(t, "https://cdn.example.com/v/1.mp4", a.Metadata.String(domain.MetaArtifactURL))

	entries, err := f.repo.EntriesByActivity(ctx, res.Activity.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = f.svc.AttachArtifact(ctx, Viewer{UserID: "alice"}, res.Activity.ID, "not a url")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.AttachArtifact(ctx, Viewer{UserID: "bob"}, res.Activity.ID, "https://cdn.example.com/v/2.mp4")
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
}

func TestLookupFailureDegradesToPending(t *testing.T) {
	f := newFixture(t, failingLocator{})

	at := north(gym.Point(), 5000)
	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:     "alice",
		Kind:       domain.KindGymVisit,
		OccurredAt: fixedNow.Add(-time.Hour),
		Location:   &at,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, res.Activity.Status)
	require.True(t, res.Activity.Metadata.Bool(domain.MetaReviewRequired))

	var failures int
	for _, env := range f.repo.Published() {
		if env.Type == events.TypeLookupFailed {
			failures++
		}
	}
	require.Equal(t, 1, failures)
}

func TestReservedMetadataIsStripped(t *testing.T) {
	f := newFixture(t)
	at := north(gym.Point(), 400)

	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:     "alice",
		Kind:       domain.KindGymVisit,
		OccurredAt: fixedNow.Add(-time.Hour),
		Location:   &at,
		Metadata:   domain.Metadata{domain.MetaPoints: 1000, domain.MetaReviewedBy: "me", "device": "watch"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Activity.Metadata[domain.MetaPoints])
	require.Empty(t, res.Activity.Metadata.String(domain.MetaReviewedBy))
	require.Equal(t, "watch", res.Activity.Metadata.String("device"))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ok := gym.Point()
	bad := geo.Point{Lat: 123, Lng: 0}

	cases := map[string]SubmitInput{
		"unknown kind":     {UserID: "alice", Kind: "parkour", OccurredAt: fixedNow},
		"missing user":     {Kind: domain.KindGymVisit, OccurredAt: fixedNow, Location: &ok},
		"missing location": {UserID: "alice", Kind: domain.KindGymVisit, OccurredAt: fixedNow},
		"bad coordinate":   {UserID: "alice", Kind: domain.KindGymVisit, OccurredAt: fixedNow, Location: &bad},
		"future":           {UserID: "alice", Kind: domain.KindGymVisit, OccurredAt: fixedNow.Add(time.Hour), Location: &ok},
		"missing time":     {UserID: "alice", Kind: domain.KindGymVisit, Location: &ok},
		"missing event":    {UserID: "alice", Kind: domain.KindEventCheckin, OccurredAt: fixedNow, Location: &ok},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), in)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	require.Zero(t, f.repo.Count())
}

func TestAdminUnknownAction(t *testing.T) {
	f := newFixture(t)
	res := f.gymVisit(t, "alice", 400)

	_, err := f.svc.AdminAction(context.Background(), AdminActionInput{ActivityID: res.Activity.ID, Action: "promote"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.AdminAction(context.Background(), AdminActionInput{ActivityID: "missing", Action: ActionApprove})
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
}

func TestListPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, SubmitInput{UserID: "alice", Kind: domain.KindManual, OccurredAt: fixedNow.Add(-time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	page, cursor, err := f.svc.List(ctx, "alice", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, cursor)
	require.True(t, page[0].OccurredAt.After(page[1].OccurredAt))

	rest, _, err := f.svc.List(ctx, "alice", cursor, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

type failingLocator struct{}

func (failingLocator) Name() string { return "places_api" }

func (failingLocator) Nearest(context.Context, string, geo.Point) (*geo.Place, error) {
	return nil, errors.New("upstream 503")
}

func north(p geo.Point, meters float64) geo.Point {
	return geo.Point{Lat: p.Lat + meters/geo.EarthRadiusMeters*180/3.141592653589793, Lng: p.Lng}
}
