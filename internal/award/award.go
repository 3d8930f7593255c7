// Package award decides which points ledger entries a status transition implies.
//
// Plan is a pure function. Repositories call it under the activity row lock, inside the same
// transaction that persists the status change, and insert the returned entries there.
package award

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/engagement/internal/domain"
)

// Plan returns the entries to append when activity moves from -> to.
//
// While an activity is approved the net of its entries equals the awarded points; otherwise it is
// zero. Exactly one EntryAward ever exists per activity; later credits are reinstatements and debits
// are reversals, each referencing the award.
func Plan(activity domain.Activity, from, to domain.Status, existing []domain.PointsEntry, points int, now time.Time) ([]domain.PointsEntry, error) {
	if err := checkHistory(activity.ID, existing); err != nil {
		return nil, err
	}

	net := domain.NetPoints(existing)
	award := findAward(existing)
	nextSeq := len(existing) + 1

	switch {
	case to == domain.StatusApproved && from != domain.StatusApproved:
		if net != 0 {
			// Already credited; re-entering approved is a no-op.
			return nil, nil
		}
		if award == nil {
			if points <= 0 {
				return nil, nil
			}
			return []domain.PointsEntry{newEntry(activity, domain.EntryAward, points, nextSeq, "", "approved", now)}, nil
		}
		return []domain.PointsEntry{newEntry(activity, domain.EntryReinstatement, award.Points, nextSeq, award.ID, "re-approved", now)}, nil

	case from == domain.StatusApproved && to != domain.StatusApproved:
		if net <= 0 {
			return nil, nil
		}
		ref := ""
		if award != nil {
			ref = award.ID
		}
		return []domain.PointsEntry{newEntry(activity, domain.EntryReversal, -net, nextSeq, ref, fmt.Sprintf("status %s", to), now)}, nil
	}
	return nil, nil
}

func newEntry(activity domain.Activity, typ domain.EntryType, points, seq int, ref, reason string, now time.Time) domain.PointsEntry {
	return domain.PointsEntry{
		ID:           uuid.NewString(),
		ActivityID:   activity.ID,
		UserID:       activity.UserID,
		Kind:         activity.Kind,
		Type:         typ,
		Points:       points,
		Seq:          seq,
		ReferencesID: ref,
		Reason:       reason,
		CreatedAt:    now,
	}
}

func findAward(entries []domain.PointsEntry) *domain.PointsEntry {
	for i := range entries {
		if entries[i].Type == domain.EntryAward {
			return &entries[i]
		}
	}
	return nil
}

// checkHistory detects a ledger that already breaks the invariants. Entries must be ordered by seq.
func checkHistory(activityID string, entries []domain.PointsEntry) error {
	awards := 0
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("%w: activity %s entry seq %d at position %d", domain.ErrInvariantViolation, activityID, e.Seq, i+1)
		}
		if e.Type == domain.EntryAward {
			awards++
		}
	}
	if awards > 1 {
		return fmt.Errorf("%w: activity %s has %d award entries", domain.ErrInvariantViolation, activityID, awards)
	}
	net := domain.NetPoints(entries)
	if net < 0 {
		return fmt.Errorf("%w: activity %s has negative net %d", domain.ErrInvariantViolation, activityID, net)
	}
	return nil
}
