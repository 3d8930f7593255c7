package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/engagement/internal/events"
)

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	AggregateType  string
	PartitionKeyFn func(events.Envelope) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeActivityRecorded: {
		Topic:         "activity_events",
		SchemaSubject: "activity_events-value",
		AggregateType: "activity",
		PartitionKeyFn: func(env events.Envelope) string {
			if p, ok := env.Payload.(events.ActivityRecorded); ok {
				return p.UserID
			}
			return env.AggregateID
		},
	},
	events.TypeActivityStatusChanged: {
		Topic:         "activity_status_changed",
		SchemaSubject: "activity_status_changed-value",
		AggregateType: "activity",
		PartitionKeyFn: func(env events.Envelope) string {
			return env.AggregateID
		},
	},
	events.TypePointsEntryPosted: {
		Topic:         "points_entries",
		SchemaSubject: "points_entries-value",
		AggregateType: "activity",
		PartitionKeyFn: func(env events.Envelope) string {
			if p, ok := env.Payload.(events.PointsEntryPosted); ok {
				return p.UserID
			}
			return env.AggregateID
		},
	},
	events.TypeLookupFailed: {
		Topic:         "geo_lookup_failures",
		SchemaSubject: "geo_lookup_failures-value",
		AggregateType: "location_lookup",
		PartitionKeyFn: func(env events.Envelope) string {
			if p, ok := env.Payload.(events.LookupFailed); ok {
				return p.Source + ":" + p.Category
			}
			return env.AggregateID
		},
	},
}

func insertOutbox(ctx context.Context, tx pgx.Tx, env events.Envelope) error {
	meta, ok := eventCatalog[env.Type]
	if !ok {
		return fmt.Errorf("unknown event type: %s", env.Type)
	}

	body, err := json.Marshal(env.Payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		meta.AggregateType,
		env.AggregateID,
		env.Type,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(env),
		body,
		nullIfEmpty(env.DedupeKey),
	)
	return err
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
