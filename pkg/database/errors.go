package database

import (
	"strings"

	"github.com/lib/pq"

	"github.com/lotledger/cogs-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "remaining_within_original"):
		return errors.Validation(map[string]string{
			"remaining_quantity": "must be between 0 and original_quantity",
		})

	case strings.Contains(constraint, "movement_kind_valid"):
		return errors.Validation(map[string]string{
			"kind": "must be one of: sale, return, adjustment, rollback",
		})

	case strings.Contains(constraint, "run_status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: pending, running, completed, failed, rolled_back",
		})

	case strings.Contains(constraint, "remaining_after_non_negative"):
		return errors.Validation(map[string]string{
			"remaining_after": "must not be negative",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "lots_tenant_lot"):
		return "a lot with this lot_id already exists for the tenant"
	case strings.Contains(constraint, "runs_pkey"):
		return "a run with this run_id already exists"
	case strings.Contains(constraint, "snapshot"):
		return "a snapshot row for this run and lot already exists"
	default:
		return "a record with these values already exists"
	}
}
