package repository

import (
	"context"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/database"
)

// AppendMovements writes journal entries in their emission order. The
// sequence column preserves that order for reads; movement rows are never
// updated or deleted.
func (s *Postgres) AppendMovements(ctx context.Context, tenantID, runID string, movements []*domain.InventoryMovement) error {
	query := `
		INSERT INTO inventory_movements (
			movement_id, tenant_id, run_id, lot_id, sku, kind, quantity,
			remaining_after, unit_cost, reference_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, m := range movements {
		if _, err := s.db.ExecContext(ctx, query,
			m.MovementID, tenantID, runID, m.LotID, m.SKU, m.Kind,
			m.Quantity, m.RemainingAfter, m.UnitCost, m.ReferenceID,
		); err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
	}
	return nil
}

// ReadMovements returns a run's full journal in original emission order.
func (s *Postgres) ReadMovements(ctx context.Context, tenantID, runID string) ([]*domain.InventoryMovement, error) {
	var movements []*domain.InventoryMovement
	query := `
		SELECT movement_id, tenant_id, run_id, lot_id, sku, kind, quantity,
		       remaining_after, unit_cost, reference_id, created_at
		FROM inventory_movements
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY seq
	`
	if err := s.db.SelectContext(ctx, &movements, query, tenantID, runID); err != nil {
		return nil, err
	}
	return movements, nil
}
