package outbox

import "example.com/engagement/internal/events"

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeActivityRecorded:      {Schema: activityRecordedSchema},
	events.TypeActivityStatusChanged: {Schema: activityStatusChangedSchema},
	events.TypePointsEntryPosted:     {Schema: pointsEntryPostedSchema},
	events.TypeLookupFailed:          {Schema: lookupFailedSchema},
}

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "kind": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "occurred_date": {"type": "string", "format": "date"},
    "period_key": {"type": "string"},
    "status": {"type": "string"},
    "lat": {"type": "number"},
    "lng": {"type": "number"}
  },
  "required": ["activity_id", "user_id", "kind", "occurred_at", "occurred_date", "period_key", "status"],
  "additionalProperties": false
}`

const activityStatusChangedSchema = `{
  "type": "object",
  "title": "ActivityStatusChanged",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "kind": {"type": "string"},
    "from": {"type": "string"},
    "state": {"type": "string"},
    "actor": {"type": "string", "enum": ["system", "admin"]},
    "reason": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "kind", "from", "state", "actor", "occurred_at"],
  "additionalProperties": false
}`

const pointsEntryPostedSchema = `{
  "type": "object",
  "title": "PointsEntryPosted",
  "properties": {
    "entry_id": {"type": "string"},
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "kind": {"type": "string"},
    "entry_type": {"type": "string", "enum": ["award", "reversal", "reinstatement"]},
    "points": {"type": "integer"},
    "seq": {"type": "integer"},
    "references_id": {"type": "string"},
    "posted_at": {"type": "string", "format": "date-time"}
  },
  "required": ["entry_id", "activity_id", "user_id", "kind", "entry_type", "points", "seq", "posted_at"],
  "additionalProperties": false
}`

const lookupFailedSchema = `{
  "type": "object",
  "title": "GeoLookupFailed",
  "properties": {
    "source": {"type": "string"},
    "category": {"type": "string"},
    "lat": {"type": "number"},
    "lng": {"type": "number"},
    "reason": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["source", "category", "lat", "lng", "reason", "occurred_at"],
  "additionalProperties": false
}`
