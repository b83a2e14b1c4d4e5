package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bidwire/auction-backend/internal/domain/errors"
)

// Postgres error codes the bid path treats as transient. Callers retry these
// with bounded backoff; everything else surfaces immediately.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// mapError converts low-level driver errors into domain errors. Domain
// errors pass through untouched.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NewNotFoundError("record").WithCause(err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewInternalError("query timed out").
			WithCause(err).WithDetail("operation", op)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return errors.NewInternalError("transaction conflict").
				WithCause(err).WithDetail("operation", op).AsRetryable()
		case pgUniqueViolation:
			return errors.NewConflictError("duplicate record").
				WithCause(err).WithDetail("constraint", pgErr.ConstraintName)
		}
	}

	return errors.NewInternalError("database operation failed").
		WithCause(err).WithDetail("operation", op)
}
