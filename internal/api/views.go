package api

import (
	"time"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/reconcile"
)

// SubmitActivityRequest is the payload for POST /v1/activities. The submitting user is always
// the token subject.
type SubmitActivityRequest struct {
	Kind          string         `json:"kind" validate:"required,max=64"`
	OccurredAt    time.Time      `json:"occurred_at" validate:"required"`
	Lat           *float64       `json:"lat" validate:"omitempty,latitude"`
	Lng           *float64       `json:"lng" validate:"omitempty,longitude"`
	EventID       string         `json:"event_id" validate:"max=128"`
	Metadata      map[string]any `json:"metadata"`
	AdminOverride bool           `json:"admin_override"`
}

// AttachArtifactRequest is the payload for POST /v1/activities/{id}/artifact.
type AttachArtifactRequest struct {
	URL string `json:"url" validate:"required,url,max=2048"`
}

// AdminActionRequest is the payload for POST /v1/admin/activities/{id}/actions.
type AdminActionRequest struct {
	Action string `json:"action" validate:"required,oneof=approve reject review reevaluate"`
	Reason string `json:"reason" validate:"max=500"`
}

// AddLocationRequest is the payload for POST /v1/admin/locations.
type AddLocationRequest struct {
	ID       string   `json:"id" validate:"max=128"`
	Name     string   `json:"name" validate:"max=256"`
	Category string   `json:"category" validate:"required,max=64"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lng      *float64 `json:"lng" validate:"required,longitude"`
}

// ReconcileRequest is the optional payload for POST /v1/admin/reconcile.
type ReconcileRequest struct {
	Kind      string `json:"kind" validate:"max=64"`
	BatchSize int    `json:"batch_size" validate:"gte=0,lte=1000"`
	Rebase    bool   `json:"rebase"`
}

// ActivityView exposes full details about an activity.
type ActivityView struct {
	ActivityID      string               `json:"activity_id"`
	UserID          string               `json:"user_id"`
	Kind            string               `json:"kind"`
	OccurredAt      time.Time            `json:"occurred_at"`
	OccurredDate    string               `json:"occurred_date"`
	PeriodKey       string               `json:"period_key"`
	Status          string               `json:"status"`
	Lat             *float64             `json:"lat,omitempty"`
	Lng             *float64             `json:"lng,omitempty"`
	MatchedPlace    *domain.MatchedPlace `json:"matched_place,omitempty"`
	Metadata        map[string]any       `json:"metadata"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	StatusChangedAt *time.Time           `json:"status_changed_at,omitempty"`
}

// SubmitActivityResponse describes the response body for submit.
type SubmitActivityResponse struct {
	ActivityView
	Replay bool `json:"idempotent_replay"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// EntryView is one points ledger row.
type EntryView struct {
	EntryID      string    `json:"entry_id"`
	ActivityID   string    `json:"activity_id"`
	Kind         string    `json:"kind"`
	EntryType    string    `json:"entry_type"`
	Points       int       `json:"points"`
	Seq          int       `json:"seq"`
	ReferencesID string    `json:"references_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntriesResponse lists ledger rows, newest first.
type EntriesResponse struct {
	Items []EntryView `json:"items"`
}

// BalanceResponse is the caller's points total.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// AdminActionResponse reports the activity after an admin action and any ledger rows it posted.
type AdminActionResponse struct {
	Activity ActivityView `json:"activity"`
	Entries  []EntryView  `json:"entries"`
	Changed  bool         `json:"changed"`
}

// ReconcileResponse wraps a reconciliation report.
type ReconcileResponse struct {
	reconcile.Report
	DurationMillis int64 `json:"duration_ms"`
}

func toActivityView(a domain.Activity) ActivityView {
	view := ActivityView{
		ActivityID:   a.ID,
		UserID:       a.UserID,
		Kind:         string(a.Kind),
		OccurredAt:   a.OccurredAt,
		OccurredDate: a.OccurredDate.Format("2006-01-02"),
		PeriodKey:    a.PeriodKey,
		Status:       string(a.Status),
		MatchedPlace: a.MatchedPlace,
		Metadata:     a.Metadata,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if view.Metadata == nil {
		view.Metadata = map[string]any{}
	}
	if a.Location != nil {
		lat, lng := a.Location.Lat, a.Location.Lng
		view.Lat, view.Lng = &lat, &lng
	}
	if !a.StatusChangedAt.IsZero() {
		changed := a.StatusChangedAt
		view.StatusChangedAt = &changed
	}
	return view
}

func toEntryViews(entries []domain.PointsEntry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryView{
			EntryID:      e.ID,
			ActivityID:   e.ActivityID,
			Kind:         string(e.Kind),
			EntryType:    string(e.Type),
			Points:       e.Points,
			Seq:          e.Seq,
			ReferencesID: e.ReferencesID,
			Reason:       e.Reason,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}
