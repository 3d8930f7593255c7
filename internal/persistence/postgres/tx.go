package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/engagement/internal/domain"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// inTx runs fn in a transaction, retrying the whole transaction on serialization failures and
// deadlocks.
func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return retry.Do(
		func() error {
			tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(r.txAttempts),
		retry.Delay(25*time.Millisecond),
		retry.MaxJitter(25*time.Millisecond),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
	)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

// storeError maps driver failures onto domain errors. Domain sentinels and context errors pass
// through untouched.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrInvalidInput,
		domain.ErrActivityNotFound,
		domain.ErrInvalidTransition,
		domain.ErrStatusConflict,
		domain.ErrInvariantViolation,
		domain.ErrStoreUnavailable,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
		return fmt.Errorf("%w: %s (%s)", domain.ErrInvariantViolation, pgErr.ConstraintName, pgErr.Message)
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
