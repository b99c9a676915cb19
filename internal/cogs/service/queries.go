package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/pkg/errors"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// GetRun returns one run for the tenant.
func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	return s.store.GetRun(ctx, tenantID, runID)
}

// ListRuns lists the tenant's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, tenantID string, filter repository.RunFilter) ([]*domain.Run, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	return s.store.ListRuns(ctx, tenantID, filter)
}

// GetAttributions pages a run's per-sale attributions with lot details.
func (s *Service) GetAttributions(ctx context.Context, tenantID, runID string, page, perPage int) ([]*domain.COGSAttribution, int64, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, 0, errors.BadRequest(err.Error())
	}
	if _, err := s.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, 0, err
	}
	return s.store.ReadAttributions(ctx, tenantID, runID, page, perPage)
}

// GetSummaries returns a run's per-(sku, month) rollups.
func (s *Service) GetSummaries(ctx context.Context, tenantID, runID string) ([]*domain.COGSSummary, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	if _, err := s.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.store.ReadSummaries(ctx, tenantID, runID)
}

// GetValidationErrors returns the per-row data problems recorded with a run.
func (s *Service) GetValidationErrors(ctx context.Context, tenantID, runID string) ([]*domain.ValidationError, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	if _, err := s.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.store.ReadValidationErrors(ctx, tenantID, runID)
}

// InventoryValuation is the current stock position with its FIFO value.
type InventoryValuation struct {
	Lots       []*domain.PurchaseLot `json:"lots"`
	TotalUnits int                   `json:"total_units"`
	TotalValue decimal.Decimal       `json:"total_value"`
}

// GetInventory returns the tenant's current lots, optionally filtered by
// SKU, valued at remaining quantity times effective unit cost.
func (s *Service) GetInventory(ctx context.Context, tenantID string, skus []string) (*InventoryValuation, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	lots, err := s.store.LoadCurrentInventory(ctx, tenantID, skus)
	if err != nil {
		return nil, err
	}

	valuation := &InventoryValuation{Lots: lots, TotalValue: decimal.Zero}
	for _, lot := range lots {
		valuation.TotalUnits += lot.RemainingQuantity
		valuation.TotalValue = valuation.TotalValue.Add(
			lot.TotalUnitCost().Mul(decimal.NewFromInt(int64(lot.RemainingQuantity))))
	}
	valuation.TotalValue = valuation.TotalValue.Round(2)
	return valuation, nil
}
