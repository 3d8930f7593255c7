package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PeriodLimit is how often a kind may be submitted per user.
type PeriodLimit string

const (
	LimitDaily    PeriodLimit = "daily"
	LimitMonthly  PeriodLimit = "monthly"
	LimitPerEvent PeriodLimit = "event"
	LimitNone     PeriodLimit = "none"
)

// KindSpec describes how a kind is rate limited and rewarded.
type KindSpec struct {
	Kind             Kind
	Limit            PeriodLimit
	Points           int
	RequiresLocation bool
	// Manual kinds have no automated evidence and always go to human review.
	Manual bool
}

// DefaultKinds is the built-in catalogue.
func DefaultKinds() []KindSpec {
	return []KindSpec{
		{Kind: KindGymVisit, Limit: LimitDaily, Points: 10, RequiresLocation: true},
		{Kind: KindEventCheckin, Limit: LimitPerEvent, Points: 25, RequiresLocation: true},
		{Kind: KindStepSync, Limit: LimitDaily, Points: 5},
		{Kind: KindVolunteering, Limit: LimitMonthly, Points: 50, Manual: true},
		{Kind: KindManual, Limit: LimitNone, Points: 5, Manual: true},
	}
}

// KindRegistry is the set of kinds accepted by the engine. It is fixed at construction and safe
// for concurrent reads.
type KindRegistry struct {
	kinds map[Kind]KindSpec
}

// NewKindRegistry builds a registry from specs. Later specs replace earlier ones of the same kind.
func NewKindRegistry(specs ...KindSpec) *KindRegistry {
	r := &KindRegistry{kinds: make(map[Kind]KindSpec, len(specs))}
	for _, spec := range specs {
		r.kinds[spec.Kind] = spec
	}
	return r
}

// Lookup returns the spec of kind.
func (r *KindRegistry) Lookup(kind Kind) (KindSpec, bool) {
	spec, ok := r.kinds[kind]
	return spec, ok
}

// Kinds returns every registered kind in name order.
func (r *KindRegistry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKindSpecs parses "name:limit:points" entries separated by commas into manual kinds.
func ParseKindSpecs(raw string) ([]KindSpec, error) {
	var specs []KindSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("kind spec %q: want name:limit:points", part)
		}
		limit := PeriodLimit(fields[1])
		switch limit {
		case LimitDaily, LimitMonthly, LimitNone:
		default:
			return nil, fmt.Errorf("kind spec %q: unsupported limit %q", part, fields[1])
		}
		points, err := strconv.Atoi(fields[2])
		if err != nil || points < 0 {
			return nil, fmt.Errorf("kind spec %q: invalid points", part)
		}
		specs = append(specs, KindSpec{Kind: Kind(fields[0]), Limit: limit, Points: points, Manual: true})
	}
	return specs, nil
}

// PeriodKey derives the uniqueness key for an activity. It is computed from occurredAt and never
// accepted from the caller. activityID is the key for unlimited kinds.
func PeriodKey(spec KindSpec, occurredAt time.Time, eventID, activityID string) (string, error) {
	date := OccurredDateOf(occurredAt)
	switch spec.Limit {
	case LimitDaily:
		return date.Format("2006-01-02"), nil
	case LimitMonthly:
		return date.Format("2006-01"), nil
	case LimitPerEvent:
		if strings.TrimSpace(eventID) == "" {
			return "", fmt.Errorf("%w: event_id is required for %s", ErrInvalidInput, spec.Kind)
		}
		return "event:" + eventID, nil
	case LimitNone:
		if activityID == "" {
			return "", fmt.Errorf("%w: activity id required for unlimited kind", ErrInvalidInput)
		}
		return "activity:" + activityID, nil
	}
	return "", fmt.Errorf("%w: unknown period limit %q", ErrInvalidInput, spec.Limit)
}
