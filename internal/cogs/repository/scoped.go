package repository

import (
	"context"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/errors"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// Scoped binds a Store to one validated tenant and fails closed: any call
// carrying a different tenant ID, or any entity tagged with a different
// tenant ID, is rejected before it reaches the underlying store.
type Scoped struct {
	store    Store
	tenantID string
}

// NewScoped validates the tenant ID and returns a store bound to it.
func NewScoped(store Store, tenantID string) (*Scoped, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	return &Scoped{store: store, tenantID: tenantID}, nil
}

// TenantID returns the tenant this store is bound to.
func (s *Scoped) TenantID() string {
	return s.tenantID
}

func (s *Scoped) guard(tenantID string) error {
	if tenantID != s.tenantID {
		return errors.TenantMismatch("store access")
	}
	return nil
}

func (s *Scoped) AcquireTenantLock(ctx context.Context, tenantID string) (TenantLock, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.AcquireTenantLock(ctx, tenantID)
}

func (s *Scoped) InTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.InTenant(ctx, tenantID, fn)
}

func (s *Scoped) LoadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]*domain.PurchaseLot, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.LoadCurrentInventory(ctx, tenantID, skus)
}

func (s *Scoped) UpsertLots(ctx context.Context, tenantID string, lots []*domain.PurchaseLot) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	for _, lot := range lots {
		if lot.TenantID != "" && lot.TenantID != s.tenantID {
			return errors.TenantMismatch("lot " + lot.LotID)
		}
	}
	return s.store.UpsertLots(ctx, tenantID, lots)
}

func (s *Scoped) UpdateLotRemaining(ctx context.Context, tenantID string, updates []LotQuantity) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.UpdateLotRemaining(ctx, tenantID, updates)
}

func (s *Scoped) WriteSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase, lots []*domain.PurchaseLot) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.WriteSnapshot(ctx, tenantID, runID, phase, lots)
}

func (s *Scoped) SetCurrentSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.SetCurrentSnapshot(ctx, tenantID, runID, phase)
}

func (s *Scoped) ReadSnapshot(ctx context.Context, tenantID, runID string) ([]*domain.PurchaseLot, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.ReadSnapshot(ctx, tenantID, runID)
}

func (s *Scoped) AppendMovements(ctx context.Context, tenantID, runID string, movements []*domain.InventoryMovement) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	for _, m := range movements {
		if m.TenantID != "" && m.TenantID != s.tenantID {
			return errors.TenantMismatch("movement " + m.MovementID)
		}
	}
	return s.store.AppendMovements(ctx, tenantID, runID, movements)
}

func (s *Scoped) ReadMovements(ctx context.Context, tenantID, runID string) ([]*domain.InventoryMovement, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.ReadMovements(ctx, tenantID, runID)
}

func (s *Scoped) WriteAttributions(ctx context.Context, tenantID, runID string, attrs []*domain.COGSAttribution) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	for _, a := range attrs {
		if a.TenantID != "" && a.TenantID != s.tenantID {
			return errors.TenantMismatch("attribution " + a.AttributionID)
		}
	}
	return s.store.WriteAttributions(ctx, tenantID, runID, attrs)
}

func (s *Scoped) WriteSummaries(ctx context.Context, tenantID, runID string, summaries []*domain.COGSSummary) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.WriteSummaries(ctx, tenantID, runID, summaries)
}

func (s *Scoped) WriteValidationErrors(ctx context.Context, tenantID, runID string, verrs []*domain.ValidationError) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.WriteValidationErrors(ctx, tenantID, runID, verrs)
}

func (s *Scoped) InvalidateDerived(ctx context.Context, tenantID, runID string) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.InvalidateDerived(ctx, tenantID, runID)
}

func (s *Scoped) ReadAttributions(ctx context.Context, tenantID, runID string, page, perPage int) ([]*domain.COGSAttribution, int64, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, 0, err
	}
	return s.store.ReadAttributions(ctx, tenantID, runID, page, perPage)
}

func (s *Scoped) ReadSummaries(ctx context.Context, tenantID, runID string) ([]*domain.COGSSummary, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.ReadSummaries(ctx, tenantID, runID)
}

func (s *Scoped) ReadValidationErrors(ctx context.Context, tenantID, runID string) ([]*domain.ValidationError, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.ReadValidationErrors(ctx, tenantID, runID)
}

func (s *Scoped) CreateRun(ctx context.Context, run *domain.Run) error {
	if err := s.guard(run.TenantID); err != nil {
		return err
	}
	return s.store.CreateRun(ctx, run)
}

func (s *Scoped) TransitionRun(ctx context.Context, tenantID, runID string, from, to domain.RunStatus, update RunUpdate) error {
	if err := s.guard(tenantID); err != nil {
		return err
	}
	return s.store.TransitionRun(ctx, tenantID, runID, from, to, update)
}

func (s *Scoped) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, tenantID, runID)
}

func (s *Scoped) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]*domain.Run, error) {
	if err := s.guard(tenantID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, tenantID, filter)
}
