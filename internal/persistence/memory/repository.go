// Package memory provides an in-process activity ledger for local development and tests.
// It enforces the same uniqueness and exactly-once rules as the Postgres repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/engagement/internal/award"
	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/events"
	"example.com/engagement/internal/geo"
)

// Repository is a mutex-guarded activity ledger.
type Repository struct {
	mu          sync.Mutex
	activities  map[string]domain.Activity
	byPeriod    map[string]string
	entries     map[string][]domain.PointsEntry
	invitations map[string]domain.Invitation
	locations   *geo.StaticLocator
	published   []events.Envelope
	now         func() time.Time
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		activities:  make(map[string]domain.Activity),
		byPeriod:    make(map[string]string),
		entries:     make(map[string][]domain.PointsEntry),
		invitations: make(map[string]domain.Invitation),
		locations:   geo.NewStaticLocator("known_locations"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func periodIndex(userID string, kind domain.Kind, periodKey string) string {
	return userID + "|" + string(kind) + "|" + periodKey
}

// Record implements domain.ActivityRepository.
func (r *Repository) Record(ctx context.Context, activity domain.Activity) (*domain.Activity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := periodIndex(activity.UserID, activity.Kind, activity.PeriodKey)
	if id, ok := r.byPeriod[key]; ok {
		existing := r.activities[id].Clone()
		return &existing, true, nil
	}

	stored := activity.Clone()
	r.activities[stored.ID] = stored
	r.byPeriod[key] = stored.ID
	r.published = append(r.published, events.ActivityRecordedEvent(stored))

	out := stored.Clone()
	return &out, false, nil
}

// FindByPeriod implements domain.ActivityRepository.
func (r *Repository) FindByPeriod(ctx context.Context, userID string, kind domain.Kind, periodKey string) (*domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPeriod[periodIndex(userID, kind, periodKey)]
	if !ok {
		return nil, nil
	}
	out := r.activities[id].Clone()
	return &out, nil
}

// UpdateStatus implements domain.ActivityRepository.
func (r *Repository) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (*domain.TransitionResult, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.activities[update.ActivityID]
	if !ok {
		return nil, domain.ErrActivityNotFound
	}

	now := r.now()
	next, err := domain.ApplyStatusUpdate(current, update, now)
	if err != nil {
		return nil, err
	}

	existing := r.entries[current.ID]
	planned, err := award.Plan(next, current.Status, next.Status, existing, update.Points, now)
	if err != nil {
		return nil, err
	}
	if err := checkUnique(existing, planned); err != nil {
		return nil, err
	}

	r.activities[next.ID] = next
	r.entries[next.ID] = append(append([]domain.PointsEntry(nil), existing...), planned...)

	if current.Status != next.Status {
		r.published = append(r.published, events.StatusChangedEvent(next, current.Status, update.Actor, update.Reason))
	}
	for _, entry := range planned {
		r.published = append(r.published, events.PointsEntryEvent(entry))
	}

	return &domain.TransitionResult{
		Activity: next.Clone(),
		From:     current.Status,
		Entries:  append([]domain.PointsEntry(nil), planned...),
	}, nil
}

// checkUnique mirrors the Postgres unique indices on (activity_id, seq) and the single award.
func checkUnique(existing, planned []domain.PointsEntry) error {
	seqs := make(map[int]struct{}, len(existing)+len(planned))
	awards := 0
	for _, e := range append(append([]domain.PointsEntry(nil), existing...), planned...) {
		if _, dup := seqs[e.Seq]; dup {
			return fmt.Errorf("%w: duplicate seq %d for activity %s", domain.ErrInvariantViolation, e.Seq, e.ActivityID)
		}
		seqs[e.Seq] = struct{}{}
		if e.Type == domain.EntryAward {
			awards++
		}
	}
	if awards > 1 {
		return fmt.Errorf("%w: second award entry", domain.ErrInvariantViolation)
	}
	return nil
}

// Get implements domain.ActivityRepository.
func (r *Repository) Get(ctx context.Context, activityID string) (*domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.activities[activityID]
	if !ok {
		return nil, nil
	}
	out := a.Clone()
	return &out, nil
}

// ListByUser implements domain.ActivityRepository.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]domain.Activity, 0)
	for _, a := range r.activities {
		if a.UserID != userID {
			continue
		}
		if cursor != nil && !before(a, *cursor) {
			continue
		}
		all = append(all, a.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].OccurredAt.After(all[j].OccurredAt)
		}
		return all[i].ID > all[j].ID
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	var next *domain.Cursor
	if limit > 0 && len(all) == limit {
		last := all[len(all)-1]
		next = &domain.Cursor{OccurredAt: last.OccurredAt, ID: last.ID}
	}
	return all, next, nil
}

func before(a domain.Activity, c domain.Cursor) bool {
	if a.OccurredAt.Equal(c.OccurredAt) {
		return a.ID < c.ID
	}
	return a.OccurredAt.Before(c.OccurredAt)
}

// ListCandidates implements domain.ActivityRepository.
func (r *Repository) ListCandidates(ctx context.Context, filter domain.CandidateFilter) ([]domain.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[domain.Status]struct{}, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = struct{}{}
	}

	out := make([]domain.Activity, 0)
	for _, a := range r.activities {
		if _, ok := statuses[a.Status]; len(statuses) > 0 && !ok {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		if filter.AfterID != "" && a.ID <= filter.AfterID {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// EntriesByActivity implements domain.ActivityRepository.
func (r *Repository) EntriesByActivity(ctx context.Context, activityID string) ([]domain.PointsEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PointsEntry(nil), r.entries[activityID]...), nil
}

// EntriesByUser implements domain.ActivityRepository.
func (r *Repository) EntriesByUser(ctx context.Context, userID string, limit int) ([]domain.PointsEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PointsEntry, 0)
	for _, entries := range r.entries {
		for _, e := range entries {
			if e.UserID == userID {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].ActivityID != out[j].ActivityID {
			return out[i].ActivityID > out[j].ActivityID
		}
		return out[i].Seq > out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Balance implements domain.ActivityRepository.
func (r *Repository) Balance(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, entries := range r.entries {
		for _, e := range entries {
			if e.UserID == userID {
				total += int64(e.Points)
			}
		}
	}
	return total, nil
}

// AddInvitation seeds an invitation.
func (r *Repository) AddInvitation(inv domain.Invitation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invitations[inv.UserID+"|"+inv.EventID] = inv
}

// Invitation implements domain.InvitationStore.
func (r *Repository) Invitation(ctx context.Context, userID, eventID string) (*domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invitations[userID+"|"+eventID]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

// Locator exposes the known locations as a geo.Locator.
func (r *Repository) Locator() geo.Locator {
	return r.locations
}

// AddKnownLocation implements domain.LocationStore.
func (r *Repository) AddKnownLocation(ctx context.Context, place geo.Place) (geo.Place, error) {
	if strings.TrimSpace(place.ID) == "" {
		place.ID = uuid.NewString()
	}
	if place.Source == "" {
		place.Source = "allowlist"
	}
	r.locations.Add(place)
	return place, nil
}

// RecordLookupFailure implements geo.FailureSink.
func (r *Repository) RecordLookupFailure(ctx context.Context, failure geo.LookupFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, events.LookupFailedEvent(failure))
	return nil
}

// Published returns the events that would have been written to the outbox.
func (r *Repository) Published() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Envelope(nil), r.published...)
}

// Count returns the number of stored activities.
func (r *Repository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activities)
}
