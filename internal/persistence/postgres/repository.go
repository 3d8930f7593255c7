// Package postgres implements the activity ledger, known-location lookups and invitation reads
// on Postgres. Every state change writes its outbox events in the same transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"example.com/engagement/internal/award"
	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/events"
	"example.com/engagement/internal/geo"
)

// Repository provides Postgres-backed persistence for activities, points entries and outbox events.
type Repository struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	now        func() time.Time
	txAttempts uint
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger used for invariant violations.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTxAttempts bounds how often a transaction is retried after a serialization failure.
func WithTxAttempts(n uint) Option {
	return func(r *Repository) {
		if n > 0 {
			r.txAttempts = n
		}
	}
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{
		pool:       pool,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		txAttempts: 5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const activityColumns = `id::text, user_id, kind, occurred_at, occurred_date, period_key, status, lat, lng, matched_place, metadata, created_at, updated_at, status_changed_at`

// Record implements domain.ActivityRepository.
func (r *Repository) Record(ctx context.Context, activity domain.Activity) (*domain.Activity, bool, error) {
	metadata, err := json.Marshal(nonNilMetadata(activity.Metadata))
	if err != nil {
		return nil, false, fmt.Errorf("%w: encode metadata: %v", domain.ErrInvalidInput, err)
	}
	matched, err := encodeMatchedPlace(activity.MatchedPlace)
	if err != nil {
		return nil, false, fmt.Errorf("%w: encode matched place: %v", domain.ErrInvalidInput, err)
	}
	var lat, lng *float64
	if activity.Location != nil {
		lat, lng = &activity.Location.Lat, &activity.Location.Lng
	}

	var (
		stored *domain.Activity
		replay bool
	)
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		const insert = `INSERT INTO activities (id, user_id, kind, occurred_at, occurred_date, period_key, status, lat, lng, matched_place, metadata, created_at, updated_at, status_changed_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
            ON CONFLICT (user_id, kind, period_key) DO NOTHING
            RETURNING ` + activityColumns

		row := tx.QueryRow(ctx, insert,
			activity.ID,
			activity.UserID,
			string(activity.Kind),
			activity.OccurredAt,
			activity.OccurredDate,
			activity.PeriodKey,
			string(activity.Status),
			lat,
			lng,
			matched,
			metadata,
			activity.CreatedAt,
			activity.UpdatedAt,
			activity.StatusChangedAt,
		)
		inserted, scanErr := scanActivity(row)
		if scanErr == nil {
			stored, replay = &inserted, false
			return insertOutbox(ctx, tx, events.ActivityRecordedEvent(inserted))
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return scanErr
		}

		// The conflicting row is committed by the time ON CONFLICT gives up, so it is visible here.
		existing, findErr := scanActivity(tx.QueryRow(ctx,
			`SELECT `+activityColumns+` FROM activities WHERE user_id=$1 AND kind=$2 AND period_key=$3`,
			activity.UserID, string(activity.Kind), activity.PeriodKey,
		))
		if findErr != nil {
			return findErr
		}
		stored, replay = &existing, true
		return nil
	})
	if err != nil {
		return nil, false, storeError(err)
	}
	return stored, replay, nil
}

// FindByPeriod implements domain.ActivityRepository.
func (r *Repository) FindByPeriod(ctx context.Context, userID string, kind domain.Kind, periodKey string) (*domain.Activity, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE user_id=$1 AND kind=$2 AND period_key=$3`,
		userID, string(kind), periodKey,
	)
	a, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return &a, nil
}

// UpdateStatus implements domain.ActivityRepository. The row lock serialises concurrent updates of
// the same activity, so the award plan always sees the committed ledger.
func (r *Repository) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (*domain.TransitionResult, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(update.ActivityID); err != nil {
		return nil, domain.ErrActivityNotFound
	}

	var result *domain.TransitionResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanActivity(tx.QueryRow(ctx,
			`SELECT `+activityColumns+` FROM activities WHERE id=$1 FOR UPDATE`, update.ActivityID))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrActivityNotFound
		}
		if err != nil {
			return err
		}

		now := r.now()
		next, err := domain.ApplyStatusUpdate(current, update, now)
		if err != nil {
			return err
		}

		existing, err := queryEntries(ctx, tx, `WHERE activity_id=$1 ORDER BY seq`, current.ID)
		if err != nil {
			return err
		}
		planned, err := award.Plan(next, current.Status, next.Status, existing, update.Points, now)
		if err != nil {
			return err
		}

		metadata, err := json.Marshal(nonNilMetadata(next.Metadata))
		if err != nil {
			return fmt.Errorf("%w: encode metadata: %v", domain.ErrInvalidInput, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE activities SET status=$2, metadata=$3, updated_at=$4, status_changed_at=$5 WHERE id=$1`,
			next.ID, string(next.Status), metadata, next.UpdatedAt, next.StatusChangedAt,
		); err != nil {
			return err
		}

		for _, entry := range planned {
			if err := insertEntry(ctx, tx, entry); err != nil {
				return err
			}
			if err := insertOutbox(ctx, tx, events.PointsEntryEvent(entry)); err != nil {
				return err
			}
		}
		if current.Status != next.Status {
			if err := insertOutbox(ctx, tx, events.StatusChangedEvent(next, current.Status, update.Actor, update.Reason)); err != nil {
				return err
			}
		}

		result = &domain.TransitionResult{Activity: next, From: current.Status, Entries: planned}
		return nil
	})
	if err != nil {
		err = storeError(err)
		if errors.Is(err, domain.ErrInvariantViolation) {
			r.logger.Error("points ledger invariant violated",
				zap.String("activity_id", update.ActivityID),
				zap.String("to", string(update.To)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return result, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e domain.PointsEntry) error {
	const stmt = `INSERT INTO points_entries (id, activity_id, user_id, kind, entry_type, points, seq, references_id, reason, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := tx.Exec(ctx, stmt,
		e.ID,
		e.ActivityID,
		e.UserID,
		string(e.Kind),
		string(e.Type),
		e.Points,
		e.Seq,
		nullIfEmpty(e.ReferencesID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

// Get implements domain.ActivityRepository.
func (r *Repository) Get(ctx context.Context, activityID string) (*domain.Activity, error) {
	if _, err := uuid.Parse(activityID); err != nil {
		return nil, nil
	}
	a, err := scanActivity(r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=$1`, activityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return &a, nil
}

// ListByUser returns activities for a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []any{userID, limit}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (occurred_at, id) < ($3, $4::uuid)`
		args = append(args, cursor.OccurredAt, cursor.ID)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT $2`

	results, err := r.queryActivities(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{OccurredAt: last.OccurredAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// ListCandidates implements domain.ActivityRepository.
func (r *Repository) ListCandidates(ctx context.Context, filter domain.CandidateFilter) ([]domain.Activity, error) {
	args := []any{}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE TRUE`

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if filter.AfterID != "" {
		args = append(args, filter.AfterID)
		query += fmt.Sprintf(` AND id > $%d::uuid`, len(args))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return r.queryActivities(ctx, query, args...)
}

func (r *Repository) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()

	results := make([]domain.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, storeError(err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err)
	}
	return results, nil
}

// EntriesByActivity implements domain.ActivityRepository.
func (r *Repository) EntriesByActivity(ctx context.Context, activityID string) ([]domain.PointsEntry, error) {
	if _, err := uuid.Parse(activityID); err != nil {
		return nil, nil
	}
	entries, err := queryEntries(ctx, r.pool, `WHERE activity_id=$1 ORDER BY seq`, activityID)
	return entries, storeError(err)
}

// EntriesByUser implements domain.ActivityRepository.
func (r *Repository) EntriesByUser(ctx context.Context, userID string, limit int) ([]domain.PointsEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := queryEntries(ctx, r.pool,
		`WHERE user_id=$1 ORDER BY created_at DESC, activity_id DESC, seq DESC LIMIT $2`, userID, limit)
	return entries, storeError(err)
}

// Balance implements domain.ActivityRepository.
func (r *Repository) Balance(ctx context.Context, userID string) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)::bigint FROM points_entries WHERE user_id=$1`, userID,
	).Scan(&total); err != nil {
		return 0, storeError(err)
	}
	return total, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]domain.PointsEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT id::text, activity_id::text, user_id, kind, entry_type, points, seq, references_id::text, reason, created_at
           FROM points_entries `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PointsEntry, 0)
	for rows.Next() {
		var (
			e         domain.PointsEntry
			kind, typ string
			ref       *string
		)
		if err := rows.Scan(&e.ID, &e.ActivityID, &e.UserID, &kind, &typ, &e.Points, &e.Seq, &ref, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.Kind(kind)
		e.Type = domain.EntryType(typ)
		if ref != nil {
			e.ReferencesID = *ref
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var (
		a              domain.Activity
		kind, status   string
		lat, lng       *float64
		matched, props []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &kind, &a.OccurredAt, &a.OccurredDate, &a.PeriodKey, &status, &lat, &lng, &matched, &props, &a.CreatedAt, &a.UpdatedAt, &a.StatusChangedAt); err != nil {
		return domain.Activity{}, err
	}
	a.Kind = domain.Kind(kind)
	a.Status = domain.Status(status)
	a.OccurredAt = a.OccurredAt.UTC()
	a.OccurredDate = domain.OccurredDateOf(a.OccurredDate)
	if lat != nil && lng != nil {
		a.Location = &geo.Point{Lat: *lat, Lng: *lng}
	}
	if len(matched) > 0 && string(matched) != "null" {
		var mp domain.MatchedPlace
		if err := json.Unmarshal(matched, &mp); err != nil {
			return domain.Activity{}, fmt.Errorf("decode matched_place: %w", err)
		}
		a.MatchedPlace = &mp
	}
	a.Metadata = domain.Metadata{}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &a.Metadata); err != nil {
			return domain.Activity{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return a, nil
}

func encodeMatchedPlace(mp *domain.MatchedPlace) ([]byte, error) {
	if mp == nil {
		return nil, nil
	}
	return json.Marshal(mp)
}

func nonNilMetadata(m domain.Metadata) domain.Metadata {
	if m == nil {
		return domain.Metadata{}
	}
	return m
}
