// Package repository implements the persistence contract of the COGS engine:
// a Postgres-backed store, an in-memory fake for tests, and a tenant-scoped
// wrapper that fails closed on cross-tenant access. All operations are
// tenant-scoped; every row in every table carries a tenant_id.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
)

// TenantLock is a held per-tenant advisory lock. It must be released on
// every exit path of a run or rollback.
type TenantLock interface {
	Release(ctx context.Context) error
}

// LotQuantity is a bulk remaining-quantity update for one lot.
type LotQuantity struct {
	LotID     string
	Remaining int
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status *domain.RunStatus
	Limit  int
}

// RunUpdate carries the fields a status transition may set. Nil fields are
// left unchanged.
type RunUpdate struct {
	CompletedAt           *time.Time
	ErrorMessage          *string
	TotalSalesProcessed   *int
	TotalCOGSCalculated   *decimal.Decimal
	ValidationErrorsCount *int
}

// Store is the persistence contract the coordinator and rollback engine
// require. Implementations must provide a unit of atomicity for the run
// commit block via InTenant: all writes made inside the callback become
// visible together or not at all.
type Store interface {
	// AcquireTenantLock takes the per-tenant advisory lock, or returns
	// ConcurrentRunInProgress without blocking if it is already held.
	AcquireTenantLock(ctx context.Context, tenantID string) (TenantLock, error)

	// InTenant executes fn atomically within the tenant's scope.
	InTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

	LoadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]*domain.PurchaseLot, error)
	UpsertLots(ctx context.Context, tenantID string, lots []*domain.PurchaseLot) error
	UpdateLotRemaining(ctx context.Context, tenantID string, updates []LotQuantity) error

	WriteSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase, lots []*domain.PurchaseLot) error
	// SetCurrentSnapshot moves the is_current pointers to the given run and
	// phase for every lot that run snapshotted.
	SetCurrentSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase) error
	// ReadSnapshot returns the pre-run capture of a run's lots.
	ReadSnapshot(ctx context.Context, tenantID, runID string) ([]*domain.PurchaseLot, error)

	AppendMovements(ctx context.Context, tenantID, runID string, movements []*domain.InventoryMovement) error
	// ReadMovements returns a run's journal in original emission order.
	ReadMovements(ctx context.Context, tenantID, runID string) ([]*domain.InventoryMovement, error)

	WriteAttributions(ctx context.Context, tenantID, runID string, attrs []*domain.COGSAttribution) error
	WriteSummaries(ctx context.Context, tenantID, runID string, summaries []*domain.COGSSummary) error
	WriteValidationErrors(ctx context.Context, tenantID, runID string, verrs []*domain.ValidationError) error
	// InvalidateDerived flags a run's attributions and summaries is_valid=false.
	InvalidateDerived(ctx context.Context, tenantID, runID string) error

	ReadAttributions(ctx context.Context, tenantID, runID string, page, perPage int) ([]*domain.COGSAttribution, int64, error)
	ReadSummaries(ctx context.Context, tenantID, runID string) ([]*domain.COGSSummary, error)
	ReadValidationErrors(ctx context.Context, tenantID, runID string) ([]*domain.ValidationError, error)

	CreateRun(ctx context.Context, run *domain.Run) error
	// TransitionRun compare-and-sets the run status. It fails with
	// IllegalState when the current status differs from `from`, and NotFound
	// when the run does not exist for the tenant.
	TransitionRun(ctx context.Context, tenantID, runID string, from, to domain.RunStatus, update RunUpdate) error
	GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]*domain.Run, error)
}
