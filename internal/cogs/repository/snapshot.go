package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/database"
)

// WriteSnapshot captures the given lot states immutably for a run. Rows are
// written with is_current=false; the pointer moves via SetCurrentSnapshot at
// run commit and on rollback.
func (s *Postgres) WriteSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase, lots []*domain.PurchaseLot) error {
	query := `
		INSERT INTO inventory_snapshots (
			snapshot_id, tenant_id, run_id, lot_id, sku, phase,
			remaining_quantity, original_quantity, unit_price,
			freight_cost_per_unit, received_date, is_current
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)
	`
	for _, lot := range lots {
		if _, err := s.db.ExecContext(ctx, query,
			uuid.New().String(), tenantID, runID, lot.LotID, lot.SKU, phase,
			lot.RemainingQuantity, lot.OriginalQuantity, lot.UnitPrice,
			lot.FreightCostPerUnit, lot.ReceivedDate,
		); err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
	}
	return nil
}

// SetCurrentSnapshot atomically repoints is_current at the given run/phase
// rows for every lot that run snapshotted. Lots outside the run keep their
// existing current pointer.
func (s *Postgres) SetCurrentSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase) error {
	clear := `
		UPDATE inventory_snapshots SET is_current = false
		WHERE tenant_id = $1 AND is_current
		  AND lot_id IN (
			SELECT lot_id FROM inventory_snapshots
			WHERE tenant_id = $1 AND run_id = $2 AND phase = $3
		  )
	`
	if _, err := s.db.ExecContext(ctx, clear, tenantID, runID, phase); err != nil {
		return err
	}

	set := `
		UPDATE inventory_snapshots SET is_current = true
		WHERE tenant_id = $1 AND run_id = $2 AND phase = $3
	`
	if _, err := s.db.ExecContext(ctx, set, tenantID, runID, phase); err != nil {
		return err
	}
	return nil
}

// ReadSnapshot returns the pre-run capture of a run's lots, the
// authoritative source for rollback restoration.
func (s *Postgres) ReadSnapshot(ctx context.Context, tenantID, runID string) ([]*domain.PurchaseLot, error) {
	var rows []*domain.InventorySnapshot
	query := `
		SELECT snapshot_id, tenant_id, run_id, lot_id, sku, phase,
		       remaining_quantity, original_quantity, unit_price,
		       freight_cost_per_unit, received_date, is_current, created_at
		FROM inventory_snapshots
		WHERE tenant_id = $1 AND run_id = $2 AND phase = $3
		ORDER BY sku, received_date, lot_id
	`
	if err := s.db.SelectContext(ctx, &rows, query, tenantID, runID, domain.SnapshotPreRun); err != nil {
		return nil, err
	}

	lots := make([]*domain.PurchaseLot, len(rows))
	for i, row := range rows {
		lots[i] = row.Lot()
	}
	return lots, nil
}
