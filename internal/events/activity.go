// Package events defines the event payloads produced through the outbox and the fact payloads
// consumed from Kafka.
package events

import (
	"fmt"
	"time"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
)

// Event types written to the outbox.
const (
	TypeActivityRecorded      = "activity.recorded"
	TypeActivityStatusChanged = "activity.status_changed"
	TypePointsEntryPosted     = "points.entry_posted"
	TypeLookupFailed          = "geo.lookup_failed"
)

// Envelope pairs an event type with its payload before it is persisted to the outbox.
type Envelope struct {
	Type        string
	AggregateID string
	// DedupeKey, when set, makes a second insert of the same event a no-op.
	DedupeKey string
	Payload   any
}

// ActivityRecordedEvent wraps NewActivityRecorded.
func ActivityRecordedEvent(a domain.Activity) Envelope {
	return Envelope{
		Type:        TypeActivityRecorded,
		AggregateID: a.ID,
		DedupeKey:   a.ID + ":" + TypeActivityRecorded,
		Payload:     NewActivityRecorded(a),
	}
}

// StatusChangedEvent wraps NewActivityStatusChanged.
func StatusChangedEvent(a domain.Activity, from domain.Status, actor domain.Actor, reason string) Envelope {
	return Envelope{
		Type:        TypeActivityStatusChanged,
		AggregateID: a.ID,
		DedupeKey:   fmt.Sprintf("%s:%s:%d", a.ID, TypeActivityStatusChanged, a.StatusChangedAt.UnixNano()),
		Payload:     NewActivityStatusChanged(a, from, actor, reason),
	}
}

// PointsEntryEvent wraps NewPointsEntryPosted.
func PointsEntryEvent(e domain.PointsEntry) Envelope {
	return Envelope{
		Type:        TypePointsEntryPosted,
		AggregateID: e.ActivityID,
		DedupeKey:   e.ID,
		Payload:     NewPointsEntryPosted(e),
	}
}

// LookupFailedEvent wraps NewLookupFailed.
func LookupFailedEvent(f geo.LookupFailure) Envelope {
	return Envelope{
		Type:        TypeLookupFailed,
		AggregateID: f.Source,
		Payload:     NewLookupFailed(f),
	}
}

// ActivityRecorded is emitted when a submission creates a new activity row.
type ActivityRecorded struct {
	ActivityID   string    `json:"activity_id"`
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"`
	OccurredAt   time.Time `json:"occurred_at"`
	OccurredDate string    `json:"occurred_date"`
	PeriodKey    string    `json:"period_key"`
	Status       string    `json:"status"`
	Lat          *float64  `json:"lat,omitempty"`
	Lng          *float64  `json:"lng,omitempty"`
}

// NewActivityRecorded builds the payload for a.
func NewActivityRecorded(a domain.Activity) ActivityRecorded {
	out := ActivityRecorded{
		ActivityID:   a.ID,
		UserID:       a.UserID,
		Kind:         string(a.Kind),
		OccurredAt:   a.OccurredAt,
		OccurredDate: a.OccurredDate.Format("2006-01-02"),
		PeriodKey:    a.PeriodKey,
		Status:       string(a.Status),
	}
	if a.Location != nil {
		lat, lng := a.Location.Lat, a.Location.Lng
		out.Lat, out.Lng = &lat, &lng
	}
	return out
}

// ActivityStatusChanged tracks status transitions for UI and review queues.
type ActivityStatusChanged struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	From       string    `json:"from"`
	State      string    `json:"state"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewActivityStatusChanged builds the payload for a transition into a.Status.
func NewActivityStatusChanged(a domain.Activity, from domain.Status, actor domain.Actor, reason string) ActivityStatusChanged {
	return ActivityStatusChanged{
		ActivityID: a.ID,
		UserID:     a.UserID,
		Kind:       string(a.Kind),
		From:       string(from),
		State:      string(a.Status),
		Actor:      string(actor),
		Reason:     reason,
		OccurredAt: a.StatusChangedAt,
	}
}

// PointsEntryPosted is emitted for every points ledger entry.
type PointsEntryPosted struct {
	EntryID      string    `json:"entry_id"`
	ActivityID   string    `json:"activity_id"`
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"`
	EntryType    string    `json:"entry_type"`
	Points       int       `json:"points"`
	Seq          int       `json:"seq"`
	ReferencesID string    `json:"references_id,omitempty"`
	PostedAt     time.Time `json:"posted_at"`
}

// NewPointsEntryPosted builds the payload for e.
func NewPointsEntryPosted(e domain.PointsEntry) PointsEntryPosted {
	return PointsEntryPosted{
		EntryID:      e.ID,
		ActivityID:   e.ActivityID,
		UserID:       e.UserID,
		Kind:         string(e.Kind),
		EntryType:    string(e.Type),
		Points:       e.Points,
		Seq:          e.Seq,
		ReferencesID: e.ReferencesID,
		PostedAt:     e.CreatedAt,
	}
}

// LookupFailed records a failed place lookup for later inspection.
type LookupFailed struct {
	Source     string    `json:"source"`
	Category   string    `json:"category"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLookupFailed builds the payload for f.
func NewLookupFailed(f geo.LookupFailure) LookupFailed {
	return LookupFailed{
		Source:     f.Source,
		Category:   f.Category,
		Lat:        f.Point.Lat,
		Lng:        f.Point.Lng,
		Reason:     f.Reason,
		OccurredAt: f.OccurredAt,
	}
}
