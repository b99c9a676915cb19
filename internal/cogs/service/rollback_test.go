package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/internal/cogs/service"
	"github.com/lotledger/cogs-backend/pkg/errors"
	"github.com/lotledger/cogs-backend/pkg/testutil"
)

// executeSpanningRun seeds two lots of SKU-A and consumes 80 units across
// them, leaving L1 empty and L2 at 70.
func executeSpanningRun(t *testing.T, svc *service.Service, f *testutil.FixtureFactory, tenantID string) *domain.Run {
	t.Helper()
	run, err := svc.ExecuteRun(context.Background(), service.RunRequest{
		TenantID: tenantID,
		Lots: []*domain.PurchaseLot{
			f.Lot(tenantID, testutil.WithLotID("L1"), testutil.WithQuantity(50),
				testutil.WithReceived(testutil.Day(0)), testutil.WithUnitPrice("10.00"), testutil.WithFreight("1.00")),
			f.Lot(tenantID, testutil.WithLotID("L2"), testutil.WithQuantity(100),
				testutil.WithReceived(testutil.Day(9)), testutil.WithUnitPrice("12.00"), testutil.WithFreight("1.00")),
		},
		Sales: []domain.Sale{
			f.Sale(tenantID, testutil.WithSaleDate(testutil.Day(19)), testutil.WithSaleQuantity(80)),
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, run.Status)
	return run
}

func TestRollbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := newTestService(store)
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	run := executeSpanningRun(t, svc, f, tenantID)

	lots, err := store.LoadCurrentInventory(ctx, tenantID, nil)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.Equal(t, 0, lots[0].RemainingQuantity)
	require.Equal(t, 70, lots[1].RemainingQuantity)

	rolled, err := svc.RollbackRun(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRolledBack, rolled.Status)

	lots, err = store.LoadCurrentInventory(ctx, tenantID, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, lots[0].RemainingQuantity)
	assert.Equal(t, 100, lots[1].RemainingQuantity)

	// The rollback entries negate the run's original movements per lot.
	movements, err := store.ReadMovements(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	perLot := make(map[string]int)
	rollbackCount := 0
	for _, mv := range movements {
		perLot[mv.LotID] += mv.Quantity
		if mv.Kind == domain.MovementRollback {
			rollbackCount++
			assert.NotEmpty(t, mv.ReferenceID)
		}
	}
	assert.Equal(t, 2, rollbackCount)
	assert.Equal(t, 0, perLot["L1"])
	assert.Equal(t, 0, perLot["L2"])

	// Derived artifacts are invalidated, not deleted.
	attrs, _, err := store.ReadAttributions(ctx, tenantID, run.RunID, 1, 100)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.False(t, attrs[0].IsValid)

	summaries, err := store.ReadSummaries(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.False(t, summaries[0].IsValid)
}

func TestRollbackIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := newTestService(store)
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	run := executeSpanningRun(t, svc, f, tenantID)

	_, err := svc.RollbackRun(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	before, err := store.ReadMovements(ctx, tenantID, run.RunID)
	require.NoError(t, err)

	again, err := svc.RollbackRun(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRolledBack, again.Status)

	after, err := store.ReadMovements(ctx, tenantID, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestRollbackNonCompletedRunIsIllegal(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := newTestService(store)
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	run := &domain.Run{
		RunID:               uuid.New().String(),
		TenantID:            tenantID,
		Status:              domain.RunStatusRunning,
		Mode:                "fifo",
		StartedAt:           time.Now().UTC(),
		TotalCOGSCalculated: decimal.Zero,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	_, err := svc.RollbackRun(ctx, tenantID, run.RunID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIllegalState))
}

func TestRollbackUnknownRunNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(repository.NewMemory())
	f := testutil.NewFixtureFactory()

	_, err := svc.RollbackRun(ctx, f.TenantID(), uuid.New().String())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRollbackCrossTenantIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := newTestService(store)
	f := testutil.NewFixtureFactory()
	tenantA := f.TenantID()
	tenantB := f.TenantID()

	run := executeSpanningRun(t, svc, f, tenantA)

	// Tenant B cannot see, let alone roll back, tenant A's run.
	_, err := svc.RollbackRun(ctx, tenantB, run.RunID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	lots, err := store.LoadCurrentInventory(ctx, tenantA, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, lots[0].RemainingQuantity)
}

func TestRollbackRequiresNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := newTestService(store)
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	first := executeSpanningRun(t, svc, f, tenantID)

	second, err := svc.ExecuteRun(ctx, service.RunRequest{
		TenantID: tenantID,
		Sales: []domain.Sale{
			f.Sale(tenantID, testutil.WithSaleDate(testutil.Day(20)), testutil.WithSaleQuantity(10)),
		},
	})
	require.NoError(t, err)

	_, err = svc.RollbackRun(ctx, tenantID, first.RunID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIllegalState))

	// Unwinding newest-first succeeds.
	_, err = svc.RollbackRun(ctx, tenantID, second.RunID)
	require.NoError(t, err)
	_, err = svc.RollbackRun(ctx, tenantID, first.RunID)
	require.NoError(t, err)

	lots, err := store.LoadCurrentInventory(ctx, tenantID, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, lots[0].RemainingQuantity)
	assert.Equal(t, 100, lots[1].RemainingQuantity)
}
