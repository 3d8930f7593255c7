package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FactLog records consumed facts in Postgres so a redelivered record is applied once.
type FactLog struct {
	pool *pgxpool.Pool
}

// NewFactLog constructs a log backed by the provided pool.
func NewFactLog(pool *pgxpool.Pool) *FactLog {
	return &FactLog{pool: pool}
}

// Wrap returns a Handler that claims each record's offset before calling next. The claim is an
// uncommitted insert held for the duration of next, so a concurrent redelivery of the same record
// blocks on it and is skipped once the claim commits. A failed next releases the claim.
//
// The claim and the effects of next commit separately. A crash between them replays the record,
// which the fact handlers absorb: CorrectSteps and AllowlistLocation converge on the same state.
func (l *FactLog) Wrap(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		tx, err := l.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`INSERT INTO consumed_facts (topic, partition, record_offset, event_type, schema_id, payload, received_at)
             VALUES ($1,$2,$3,$4,$5,$6,$7)
             ON CONFLICT DO NOTHING`,
			msg.Topic, msg.Partition, msg.Offset, msg.EventType, msg.SchemaID, msg.Payload, msg.Timestamp,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			recordDuplicate(msg)
			return nil
		}

		if err := next.Handle(ctx, msg); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}
