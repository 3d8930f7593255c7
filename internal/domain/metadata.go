package domain

import (
	"encoding/json"
	"math"
	"strconv"
)

// Well-known metadata keys written by the engine. Clients may not set these directly.
const (
	MetaAdminOverride   = "admin_override"
	MetaReviewRequired  = "review_required"
	MetaReviewQueue     = "review_queue"
	MetaLookupError     = "lookup_error"
	MetaPolicyVersion   = "policy_version"
	MetaSearchRadius    = "search_radius_m"
	MetaStepThreshold   = "step_threshold"
	MetaQualified       = "qualified"
	MetaPoints          = "points"
	MetaEventID         = "event_id"
	MetaEventLat        = "event_lat"
	MetaEventLng        = "event_lng"
	MetaEventRadius     = "event_radius_m"
	MetaEventDistance   = "event_distance_m"
	MetaReviewedBy      = "reviewed_by"
	MetaReviewReason    = "review_reason"
	MetaArtifactURL     = "artifact_url"
	MetaEvaluatedAt     = "evaluated_at"
	MetaStepsCorrection = "steps_corrected_at"

	// Submitted by clients.
	MetaSteps = "steps"
)

var reservedKeys = map[string]struct{}{
	MetaAdminOverride:   {},
	MetaReviewRequired:  {},
	MetaReviewQueue:     {},
	MetaLookupError:     {},
	MetaPolicyVersion:   {},
	MetaSearchRadius:    {},
	MetaStepThreshold:   {},
	MetaQualified:       {},
	MetaPoints:          {},
	MetaEventID:         {},
	MetaEventLat:        {},
	MetaEventLng:        {},
	MetaEventRadius:     {},
	MetaEventDistance:   {},
	MetaReviewedBy:      {},
	MetaReviewReason:    {},
	MetaArtifactURL:     {},
	MetaEvaluatedAt:     {},
	MetaStepsCorrection: {},
}

// Metadata is the open, kind-specific payload stored with an activity.
type Metadata map[string]any

// Clone returns a shallow copy of the map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns m with patch applied. A nil value in patch removes the key.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// WithoutReserved strips engine-owned keys from client-supplied metadata.
func (m Metadata) WithoutReserved() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	return out
}

// Bool reads a boolean, accepting "true"/"false" strings.
func (m Metadata) Bool(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// String reads a string value.
func (m Metadata) String(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Float reads a number regardless of how JSON decoding represented it.
func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int reads an integral number. Fractional values are rejected.
func (m Metadata) Int(key string) (int64, bool) {
	f, ok := m.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
