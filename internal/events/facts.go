package events

// Fact event types consumed from the activity_facts topic.
const (
	TypeStepsCorrected      = "steps.corrected"
	TypeLocationAllowlisted = "location.allowlisted"
)

// StepsCorrected carries a late, authoritative step count for a completed day.
type StepsCorrected struct {
	UserID string `json:"user_id"`
	// Date is the UTC calendar day, YYYY-MM-DD.
	Date   string `json:"date"`
	Steps  int64  `json:"steps"`
	Source string `json:"source,omitempty"`
}

// LocationAllowlisted announces a curated known location.
type LocationAllowlisted struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}
