package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/database"
	"github.com/lotledger/cogs-backend/pkg/errors"
)

// CreateRun inserts a new run record.
func (s *Postgres) CreateRun(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO cogs_runs (
			run_id, tenant_id, status, mode, started_at, input_file_id,
			created_by, rollback_of_run_id, total_sales_processed,
			total_cogs_calculated, validation_errors_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.RunID, run.TenantID, run.Status, run.Mode, run.StartedAt,
		run.InputFileID, run.CreatedBy, run.RollbackOfRunID,
		run.TotalSalesProcessed, run.TotalCOGSCalculated, run.ValidationErrorsCount,
	); err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// TransitionRun compare-and-sets the run status. The WHERE clause carries
// the expected current status so two racing transitions cannot both win.
func (s *Postgres) TransitionRun(ctx context.Context, tenantID, runID string, from, to domain.RunStatus, update RunUpdate) error {
	if !from.CanTransitionTo(to) {
		return errors.IllegalState(fmt.Sprintf("run transition %s -> %s is not allowed", from, to))
	}

	set := []string{"status = $4"}
	args := []interface{}{tenantID, runID, from, to}
	n := 5
	add := func(col string, val interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.TotalSalesProcessed != nil {
		add("total_sales_processed", *update.TotalSalesProcessed)
	}
	if update.TotalCOGSCalculated != nil {
		add("total_cogs_calculated", *update.TotalCOGSCalculated)
	}
	if update.ValidationErrorsCount != nil {
		add("validation_errors_count", *update.ValidationErrorsCount)
	}

	query := fmt.Sprintf(`
		UPDATE cogs_runs SET %s
		WHERE tenant_id = $1 AND run_id = $2 AND status = $3
	`, strings.Join(set, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Distinguish a missing run from a lost CAS race.
		current, getErr := s.GetRun(ctx, tenantID, runID)
		if getErr != nil {
			return getErr
		}
		return errors.IllegalState(fmt.Sprintf("run %s is %s, expected %s", runID, current.Status, from))
	}
	return nil
}

// GetRun fetches one run for the tenant.
func (s *Postgres) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	var run domain.Run
	query := `
		SELECT run_id, tenant_id, status, mode, started_at, completed_at,
		       input_file_id, error_message, created_by, rollback_of_run_id,
		       total_sales_processed, total_cogs_calculated, validation_errors_count
		FROM cogs_runs
		WHERE tenant_id = $1 AND run_id = $2
	`
	if err := s.db.GetContext(ctx, &run, query, tenantID, runID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("run")
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns lists the tenant's runs, newest first.
func (s *Postgres) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]*domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var runs []*domain.Run
	if filter.Status != nil {
		query := `
			SELECT run_id, tenant_id, status, mode, started_at, completed_at,
			       input_file_id, error_message, created_by, rollback_of_run_id,
			       total_sales_processed, total_cogs_calculated, validation_errors_count
			FROM cogs_runs
			WHERE tenant_id = $1 AND status = $2
			ORDER BY started_at DESC
			LIMIT $3
		`
		if err := s.db.SelectContext(ctx, &runs, query, tenantID, *filter.Status, limit); err != nil {
			return nil, err
		}
		return runs, nil
	}

	query := `
		SELECT run_id, tenant_id, status, mode, started_at, completed_at,
		       input_file_id, error_message, created_by, rollback_of_run_id,
		       total_sales_processed, total_cogs_calculated, validation_errors_count
		FROM cogs_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	if err := s.db.SelectContext(ctx, &runs, query, tenantID, limit); err != nil {
		return nil, err
	}
	return runs, nil
}
