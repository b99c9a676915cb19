package repository

import (
	"context"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/database"
)

// WriteAttributions persists attributions with their per-lot detail rows.
func (s *Postgres) WriteAttributions(ctx context.Context, tenantID, runID string, attrs []*domain.COGSAttribution) error {
	attrQuery := `
		INSERT INTO cogs_attributions (
			attribution_id, tenant_id, run_id, sale_id, sku, sale_date,
			quantity_sold, total_cogs, average_unit_cost, is_valid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	detailQuery := `
		INSERT INTO cogs_attribution_details (
			detail_id, attribution_id, tenant_id, lot_id,
			quantity_allocated, unit_cost, total_cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, a := range attrs {
		if _, err := s.db.ExecContext(ctx, attrQuery,
			a.AttributionID, tenantID, runID, a.SaleID, a.SKU, a.SaleDate,
			a.QuantitySold, a.TotalCOGS, a.AverageUnitCost, a.IsValid,
		); err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
		for _, d := range a.Details {
			if _, err := s.db.ExecContext(ctx, detailQuery,
				d.DetailID, a.AttributionID, tenantID, d.LotID,
				d.QuantityAllocated, d.UnitCost, d.TotalCost,
			); err != nil {
				if appErr := database.MapPQError(err); appErr != nil {
					return appErr
				}
				return err
			}
		}
	}
	return nil
}

// ReadAttributions pages a run's attributions with their details.
func (s *Postgres) ReadAttributions(ctx context.Context, tenantID, runID string, page, perPage int) ([]*domain.COGSAttribution, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 500 {
		perPage = 100
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM cogs_attributions WHERE tenant_id = $1 AND run_id = $2`
	if err := s.db.GetContext(ctx, &total, countQuery, tenantID, runID); err != nil {
		return nil, 0, err
	}

	var attrs []*domain.COGSAttribution
	query := `
		SELECT attribution_id, tenant_id, run_id, sale_id, sku, sale_date,
		       quantity_sold, total_cogs, average_unit_cost, is_valid, created_at
		FROM cogs_attributions
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY sale_date, sale_id
		LIMIT $3 OFFSET $4
	`
	if err := s.db.SelectContext(ctx, &attrs, query, tenantID, runID, perPage, (page-1)*perPage); err != nil {
		return nil, 0, err
	}
	if len(attrs) == 0 {
		return attrs, total, nil
	}

	byID := make(map[string]*domain.COGSAttribution, len(attrs))
	for _, a := range attrs {
		byID[a.AttributionID] = a
	}

	var details []domain.COGSAttributionDetail
	detailQuery := `
		SELECT d.detail_id, d.attribution_id, d.tenant_id, d.lot_id,
		       d.quantity_allocated, d.unit_cost, d.total_cost
		FROM cogs_attribution_details d
		JOIN cogs_attributions a ON a.attribution_id = d.attribution_id
		WHERE a.tenant_id = $1 AND a.run_id = $2
		ORDER BY d.detail_id
	`
	if err := s.db.SelectContext(ctx, &details, detailQuery, tenantID, runID); err != nil {
		return nil, 0, err
	}
	for _, d := range details {
		if a, ok := byID[d.AttributionID]; ok {
			a.Details = append(a.Details, d)
		}
	}
	return attrs, total, nil
}

// WriteSummaries persists the per-(sku, period) rollups.
func (s *Postgres) WriteSummaries(ctx context.Context, tenantID, runID string, summaries []*domain.COGSSummary) error {
	query := `
		INSERT INTO cogs_summaries (
			summary_id, tenant_id, run_id, sku, period,
			total_quantity_sold, total_cogs, average_unit_cost, is_valid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, sum := range summaries {
		if _, err := s.db.ExecContext(ctx, query,
			sum.SummaryID, tenantID, runID, sum.SKU, sum.Period,
			sum.TotalQuantitySold, sum.TotalCOGS, sum.AverageUnitCost, sum.IsValid,
		); err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
	}
	return nil
}

// ReadSummaries returns a run's summaries ordered by SKU then period.
func (s *Postgres) ReadSummaries(ctx context.Context, tenantID, runID string) ([]*domain.COGSSummary, error) {
	var summaries []*domain.COGSSummary
	query := `
		SELECT summary_id, tenant_id, run_id, sku, period,
		       total_quantity_sold, total_cogs, average_unit_cost, is_valid, created_at
		FROM cogs_summaries
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY sku, period
	`
	if err := s.db.SelectContext(ctx, &summaries, query, tenantID, runID); err != nil {
		return nil, err
	}
	return summaries, nil
}

// WriteValidationErrors persists per-row validation errors for a run.
func (s *Postgres) WriteValidationErrors(ctx context.Context, tenantID, runID string, verrs []*domain.ValidationError) error {
	query := `
		INSERT INTO validation_errors (
			error_id, tenant_id, run_id, kind, sku, sale_id, quantity, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, ve := range verrs {
		if _, err := s.db.ExecContext(ctx, query,
			ve.ErrorID, tenantID, runID, ve.Kind, ve.SKU, ve.SaleID, ve.Quantity, ve.Message,
		); err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
	}
	return nil
}

// ReadValidationErrors returns a run's validation errors.
func (s *Postgres) ReadValidationErrors(ctx context.Context, tenantID, runID string) ([]*domain.ValidationError, error) {
	var verrs []*domain.ValidationError
	query := `
		SELECT error_id, tenant_id, run_id, kind, sku, sale_id, quantity, message, created_at
		FROM validation_errors
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY created_at, error_id
	`
	if err := s.db.SelectContext(ctx, &verrs, query, tenantID, runID); err != nil {
		return nil, err
	}
	return verrs, nil
}

// InvalidateDerived flags a run's attributions and summaries invalid, used
// by rollback so downstream consumers ignore the reversed artifacts.
func (s *Postgres) InvalidateDerived(ctx context.Context, tenantID, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cogs_attributions SET is_valid = false WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID,
	); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cogs_summaries SET is_valid = false WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID,
	); err != nil {
		return err
	}
	return nil
}
