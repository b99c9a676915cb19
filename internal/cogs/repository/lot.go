package repository

import (
	"context"

	"github.com/lib/pq"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/database"
	"github.com/lotledger/cogs-backend/pkg/errors"
)

// LoadCurrentInventory returns the tenant's lots with current remaining
// quantities, optionally filtered to the given SKUs, in canonical FIFO order.
func (s *Postgres) LoadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]*domain.PurchaseLot, error) {
	var lots []*domain.PurchaseLot

	if len(skus) > 0 {
		query := `
			SELECT tenant_id, lot_id, sku, received_date, original_quantity,
			       remaining_quantity, unit_price, freight_cost_per_unit,
			       created_at, updated_at
			FROM lots
			WHERE tenant_id = $1 AND sku = ANY($2)
			ORDER BY sku, received_date, lot_id
		`
		if err := s.db.SelectContext(ctx, &lots, query, tenantID, pq.Array(skus)); err != nil {
			return nil, err
		}
		return lots, nil
	}

	query := `
		SELECT tenant_id, lot_id, sku, received_date, original_quantity,
		       remaining_quantity, unit_price, freight_cost_per_unit,
		       created_at, updated_at
		FROM lots
		WHERE tenant_id = $1
		ORDER BY sku, received_date, lot_id
	`
	if err := s.db.SelectContext(ctx, &lots, query, tenantID); err != nil {
		return nil, err
	}
	return lots, nil
}

// UpsertLots inserts new lots and updates attributes of existing ones. The
// caller (coordinator) has already applied the lot merge policy, so the
// remaining quantities given here are authoritative.
func (s *Postgres) UpsertLots(ctx context.Context, tenantID string, lots []*domain.PurchaseLot) error {
	query := `
		INSERT INTO lots (
			tenant_id, lot_id, sku, received_date, original_quantity,
			remaining_quantity, unit_price, freight_cost_per_unit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, lot_id) DO UPDATE SET
			sku = EXCLUDED.sku,
			received_date = EXCLUDED.received_date,
			original_quantity = EXCLUDED.original_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			unit_price = EXCLUDED.unit_price,
			freight_cost_per_unit = EXCLUDED.freight_cost_per_unit,
			updated_at = now()
	`
	for _, lot := range lots {
		if _, err := s.db.ExecContext(ctx, query,
			tenantID, lot.LotID, lot.SKU, lot.ReceivedDate, lot.OriginalQuantity,
			lot.RemainingQuantity, lot.UnitPrice, lot.FreightCostPerUnit,
		); err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
	}
	return nil
}

// UpdateLotRemaining bulk-sets remaining quantities. Only the coordinator
// (during a run) and the rollback engine mutate remaining_quantity.
func (s *Postgres) UpdateLotRemaining(ctx context.Context, tenantID string, updates []LotQuantity) error {
	query := `
		UPDATE lots
		SET remaining_quantity = $3, updated_at = now()
		WHERE tenant_id = $1 AND lot_id = $2
	`
	for _, u := range updates {
		result, err := s.db.ExecContext(ctx, query, tenantID, u.LotID, u.Remaining)
		if err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return errors.NotFound("lot " + u.LotID)
		}
	}
	return nil
}
