package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/internal/cogs/engine"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func lot(id, sku, received string, qty int, price, freight string) *domain.PurchaseLot {
	return &domain.PurchaseLot{
		TenantID:           testTenant,
		LotID:              id,
		SKU:                sku,
		ReceivedDate:       date(received),
		OriginalQuantity:   qty,
		RemainingQuantity:  qty,
		UnitPrice:          decimal.RequireFromString(price),
		FreightCostPerUnit: decimal.RequireFromString(freight),
	}
}

func sale(id, sku, day string, qty int) domain.Sale {
	return domain.Sale{
		TenantID: testTenant,
		SaleID:   id,
		SKU:      sku,
		SaleDate: date(day),
		Quantity: qty,
	}
}

func allocate(t *testing.T, lots []*domain.PurchaseLot, sales []domain.Sale) *engine.Result {
	t.Helper()
	result, err := engine.Allocate(engine.Input{
		TenantID: testTenant,
		RunID:    "run-1",
		Lots:     lots,
		Sales:    sales,
	}, engine.Options{RequireDateGuard: true})
	require.NoError(t, err)
	return result
}

func remainingOf(result *engine.Result, lotID string) int {
	for _, l := range result.UpdatedLots {
		if l.LotID == lotID {
			return l.RemainingQuantity
		}
	}
	return -1
}

func TestAllocateSingleLot(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{lot("L1", "A", "2024-07-01", 100, "10.00", "1.00")},
		[]domain.Sale{sale("s1", "A", "2024-07-15", 30)},
	)

	require.Len(t, result.Attributions, 1)
	attr := result.Attributions[0]
	assert.True(t, attr.IsValid)
	assert.Equal(t, 30, attr.QuantitySold)
	assert.Equal(t, "330", attr.TotalCOGS.String())
	assert.Equal(t, "11", attr.AverageUnitCost.String())

	require.Len(t, attr.Details, 1)
	assert.Equal(t, "L1", attr.Details[0].LotID)
	assert.Equal(t, 30, attr.Details[0].QuantityAllocated)
	assert.Equal(t, "11", attr.Details[0].UnitCost.String())
	assert.Equal(t, "330", attr.Details[0].TotalCost.String())

	require.Len(t, result.Movements, 1)
	mv := result.Movements[0]
	assert.Equal(t, domain.MovementSale, mv.Kind)
	assert.Equal(t, -30, mv.Quantity)
	assert.Equal(t, 70, mv.RemainingAfter)
	assert.Equal(t, "s1", mv.ReferenceID)

	assert.Equal(t, 70, remainingOf(result, "L1"))
	assert.Empty(t, result.ValidationErrors)
	assert.Equal(t, "330", result.TotalCOGS.String())
}

func TestAllocateMultiLotFIFOSpanning(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{
			lot("L1", "A", "2024-07-01", 50, "10.00", "1.00"),
			lot("L2", "A", "2024-07-10", 100, "12.00", "1.00"),
		},
		[]domain.Sale{sale("s1", "A", "2024-07-20", 80)},
	)

	require.Len(t, result.Attributions, 1)
	attr := result.Attributions[0]
	assert.True(t, attr.IsValid)
	assert.Equal(t, "940", attr.TotalCOGS.String())
	assert.Equal(t, "11.75", attr.AverageUnitCost.String())

	require.Len(t, attr.Details, 2)
	assert.Equal(t, "L1", attr.Details[0].LotID)
	assert.Equal(t, 50, attr.Details[0].QuantityAllocated)
	assert.Equal(t, "550", attr.Details[0].TotalCost.String())
	assert.Equal(t, "L2", attr.Details[1].LotID)
	assert.Equal(t, 30, attr.Details[1].QuantityAllocated)
	assert.Equal(t, "390", attr.Details[1].TotalCost.String())

	require.Len(t, result.Movements, 2)
	assert.Equal(t, 0, result.Movements[0].RemainingAfter)
	assert.Equal(t, 70, result.Movements[1].RemainingAfter)

	assert.Equal(t, 0, remainingOf(result, "L1"))
	assert.Equal(t, 70, remainingOf(result, "L2"))
}

func TestAllocateInsufficientInventory(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{lot("L1", "B", "2024-06-01", 10, "5.00", "0.00")},
		[]domain.Sale{sale("s1", "B", "2024-07-01", 25)},
	)

	require.Len(t, result.Attributions, 1)
	attr := result.Attributions[0]
	assert.False(t, attr.IsValid)
	assert.Equal(t, 25, attr.QuantitySold)
	assert.Equal(t, "50", attr.TotalCOGS.String())
	require.Len(t, attr.Details, 1)
	assert.Equal(t, 10, attr.Details[0].QuantityAllocated)

	require.Len(t, result.ValidationErrors, 1)
	verr := result.ValidationErrors[0]
	assert.Equal(t, domain.ErrInsufficientInventory, verr.Kind)
	require.NotNil(t, verr.Quantity)
	assert.Equal(t, 15, *verr.Quantity)

	assert.Equal(t, 0, remainingOf(result, "L1"))
}

func TestAllocateReturnRestoresNewestConsumedFirst(t *testing.T) {
	l1 := lot("L1", "A", "2024-07-01", 50, "10.00", "1.00")
	l1.RemainingQuantity = 0
	l2 := lot("L2", "A", "2024-07-10", 100, "12.00", "1.00")
	l2.RemainingQuantity = 70

	result := allocate(t,
		[]*domain.PurchaseLot{l1, l2},
		[]domain.Sale{sale("s2", "A", "2024-07-25", -20)},
	)

	require.Len(t, result.Movements, 1)
	mv := result.Movements[0]
	assert.Equal(t, domain.MovementReturn, mv.Kind)
	assert.Equal(t, "L2", mv.LotID)
	assert.Equal(t, 20, mv.Quantity)
	assert.Equal(t, 90, mv.RemainingAfter)

	assert.Equal(t, 90, remainingOf(result, "L2"))
	assert.Equal(t, 0, remainingOf(result, "L1"))
	assert.Empty(t, result.ValidationErrors)

	// The return nets -260.00 off the period's COGS.
	require.Len(t, result.Summaries, 1)
	assert.Equal(t, "-260", result.Summaries[0].TotalCOGS.String())
	assert.Equal(t, -20, result.Summaries[0].TotalQuantitySold)
}

func TestAllocateReturnSpansMultipleLots(t *testing.T) {
	l1 := lot("L1", "A", "2024-07-01", 50, "10.00", "0.00")
	l1.RemainingQuantity = 40
	l2 := lot("L2", "A", "2024-07-10", 100, "12.00", "0.00")
	l2.RemainingQuantity = 95

	result := allocate(t,
		[]*domain.PurchaseLot{l1, l2},
		[]domain.Sale{sale("s1", "A", "2024-07-25", -12)},
	)

	// L2 has 5 units of consumed capacity, L1 the remaining 7.
	require.Len(t, result.Movements, 2)
	assert.Equal(t, "L2", result.Movements[0].LotID)
	assert.Equal(t, 5, result.Movements[0].Quantity)
	assert.Equal(t, "L1", result.Movements[1].LotID)
	assert.Equal(t, 7, result.Movements[1].Quantity)

	assert.Equal(t, 47, remainingOf(result, "L1"))
	assert.Equal(t, 100, remainingOf(result, "L2"))
	assert.Empty(t, result.ValidationErrors)
}

func TestAllocateExactLotBoundary(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{
			lot("L1", "A", "2024-07-01", 50, "10.00", "0.00"),
			lot("L2", "A", "2024-07-10", 100, "12.00", "0.00"),
		},
		[]domain.Sale{sale("s1", "A", "2024-07-20", 50)},
	)

	require.Len(t, result.Attributions, 1)
	require.Len(t, result.Attributions[0].Details, 1)
	assert.Equal(t, "L1", result.Attributions[0].Details[0].LotID)
	assert.Equal(t, 0, remainingOf(result, "L1"))
	assert.Equal(t, 100, remainingOf(result, "L2"))
}

func TestAllocateOneOverLotBoundary(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{
			lot("L1", "A", "2024-07-01", 50, "10.00", "0.00"),
			lot("L2", "A", "2024-07-10", 100, "12.00", "0.00"),
		},
		[]domain.Sale{sale("s1", "A", "2024-07-20", 51)},
	)

	require.Len(t, result.Attributions, 1)
	details := result.Attributions[0].Details
	require.Len(t, details, 2)
	assert.Equal(t, 50, details[0].QuantityAllocated)
	assert.Equal(t, 1, details[1].QuantityAllocated)
	assert.Equal(t, 0, remainingOf(result, "L1"))
	assert.Equal(t, 99, remainingOf(result, "L2"))
}

func TestAllocateReturnAgainstNeverConsumedSKU(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{lot("L1", "A", "2024-07-01", 50, "10.00", "0.00")},
		[]domain.Sale{sale("s1", "A", "2024-07-20", -5)},
	)

	assert.Empty(t, result.Movements)
	require.Len(t, result.ValidationErrors, 1)
	assert.Equal(t, domain.ErrOverReturn, result.ValidationErrors[0].Kind)
	assert.Equal(t, 50, remainingOf(result, "L1"))
}

func TestAllocateZeroQuantitySaleIsStructural(t *testing.T) {
	_, err := engine.Allocate(engine.Input{
		TenantID: testTenant,
		RunID:    "run-1",
		Lots:     []*domain.PurchaseLot{lot("L1", "A", "2024-07-01", 50, "10.00", "0.00")},
		Sales:    []domain.Sale{sale("s1", "A", "2024-07-20", 0)},
	}, engine.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantity must be non-zero")
}

func TestAllocateUnknownSKU(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{lot("L1", "A", "2024-07-01", 50, "10.00", "0.00")},
		[]domain.Sale{sale("s1", "ZZZ", "2024-07-20", 5)},
	)

	require.Len(t, result.ValidationErrors, 1)
	assert.Equal(t, domain.ErrUnknownSKU, result.ValidationErrors[0].Kind)
	require.Len(t, result.Attributions, 1)
	assert.False(t, result.Attributions[0].IsValid)
	assert.Empty(t, result.Movements)
}

func TestAllocateDateGuardSkipsFutureLots(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{
			lot("L1", "A", "2024-07-01", 10, "10.00", "0.00"),
			lot("L2", "A", "2024-08-01", 100, "12.00", "0.00"),
		},
		[]domain.Sale{sale("s1", "A", "2024-07-15", 30)},
	)

	// Only L1 is eligible; the shortfall reports both the shortage and the
	// date inversion that caused it.
	require.Len(t, result.Attributions, 1)
	assert.False(t, result.Attributions[0].IsValid)
	require.Len(t, result.Attributions[0].Details, 1)
	assert.Equal(t, "L1", result.Attributions[0].Details[0].LotID)

	kinds := make([]domain.ValidationErrorKind, 0, len(result.ValidationErrors))
	for _, ve := range result.ValidationErrors {
		kinds = append(kinds, ve.Kind)
	}
	assert.Contains(t, kinds, domain.ErrInsufficientInventory)
	assert.Contains(t, kinds, domain.ErrDateInversion)
	assert.Equal(t, 100, remainingOf(result, "L2"))
}

func TestAllocateDateGuardDisabled(t *testing.T) {
	result, err := engine.Allocate(engine.Input{
		TenantID: testTenant,
		RunID:    "run-1",
		Lots: []*domain.PurchaseLot{
			lot("L1", "A", "2024-08-01", 100, "12.00", "0.00"),
		},
		Sales: []domain.Sale{sale("s1", "A", "2024-07-15", 30)},
	}, engine.Options{RequireDateGuard: false})
	require.NoError(t, err)

	assert.Empty(t, result.ValidationErrors)
	assert.Equal(t, 70, remainingOf(result, "L1"))
}

func TestAllocateSalesOrderedByDateThenID(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{
			lot("L1", "A", "2024-07-01", 10, "10.00", "0.00"),
			lot("L2", "A", "2024-07-10", 10, "20.00", "0.00"),
		},
		[]domain.Sale{
			sale("s2", "A", "2024-07-20", 10),
			sale("s1", "A", "2024-07-15", 10),
		},
	)

	// s1 (earlier date) consumes the cheap lot even though supplied second.
	require.Len(t, result.Attributions, 2)
	assert.Equal(t, "s1", result.Attributions[0].SaleID)
	assert.Equal(t, "100", result.Attributions[0].TotalCOGS.String())
	assert.Equal(t, "s2", result.Attributions[1].SaleID)
	assert.Equal(t, "200", result.Attributions[1].TotalCOGS.String())
}

func TestAllocateLotTieBreakOnLotID(t *testing.T) {
	result := allocate(t,
		[]*domain.PurchaseLot{
			lot("L2", "A", "2024-07-01", 10, "20.00", "0.00"),
			lot("L1", "A", "2024-07-01", 10, "10.00", "0.00"),
		},
		[]domain.Sale{sale("s1", "A", "2024-07-15", 5)},
	)

	require.Len(t, result.Attributions, 1)
	require.Len(t, result.Attributions[0].Details, 1)
	assert.Equal(t, "L1", result.Attributions[0].Details[0].LotID)
}

func TestAllocateBankersRoundingOnAverage(t *testing.T) {
	// 3 units at 10.0033 each: total 30.01, average 10.00333... rounds
	// half-to-even at the 4th place.
	result := allocate(t,
		[]*domain.PurchaseLot{lot("L1", "A", "2024-07-01", 10, "10.0033", "0.00")},
		[]domain.Sale{sale("s1", "A", "2024-07-15", 3)},
	)

	require.Len(t, result.Attributions, 1)
	attr := result.Attributions[0]
	assert.Equal(t, "30.01", attr.TotalCOGS.StringFixed(2))
	assert.Equal(t, "10.0033", attr.AverageUnitCost.StringFixed(4))
}

func TestAllocateDeterminism(t *testing.T) {
	lots := func() []*domain.PurchaseLot {
		return []*domain.PurchaseLot{
			lot("L1", "A", "2024-07-01", 50, "10.00", "1.00"),
			lot("L2", "A", "2024-07-10", 100, "12.00", "1.00"),
			lot("L3", "B", "2024-07-05", 30, "7.50", "0.25"),
		}
	}
	sales := []domain.Sale{
		sale("s1", "A", "2024-07-20", 80),
		sale("s2", "B", "2024-07-21", 10),
		sale("s3", "A", "2024-07-22", -15),
	}

	first := allocate(t, lots(), sales)
	second := allocate(t, lots(), sales)

	require.Equal(t, len(first.Attributions), len(second.Attributions))
	for i := range first.Attributions {
		a, b := first.Attributions[i], second.Attributions[i]
		assert.Equal(t, a.SaleID, b.SaleID)
		assert.True(t, a.TotalCOGS.Equal(b.TotalCOGS))
		assert.Equal(t, len(a.Details), len(b.Details))
	}
	require.Equal(t, len(first.Movements), len(second.Movements))
	for i := range first.Movements {
		assert.Equal(t, first.Movements[i].LotID, second.Movements[i].LotID)
		assert.Equal(t, first.Movements[i].Quantity, second.Movements[i].Quantity)
		assert.Equal(t, first.Movements[i].RemainingAfter, second.Movements[i].RemainingAfter)
	}
	assert.True(t, first.TotalCOGS.Equal(second.TotalCOGS))
}

func TestAllocateJournalTelescopes(t *testing.T) {
	lots := []*domain.PurchaseLot{
		lot("L1", "A", "2024-07-01", 50, "10.00", "1.00"),
		lot("L2", "A", "2024-07-10", 100, "12.00", "1.00"),
	}
	pre := map[string]int{"L1": 50, "L2": 100}

	result := allocate(t, lots, []domain.Sale{
		sale("s1", "A", "2024-07-20", 80),
		sale("s2", "A", "2024-07-25", -20),
	})

	// Sum of journal quantities per lot equals post minus pre remaining.
	deltas := make(map[string]int)
	for _, mv := range result.Movements {
		deltas[mv.LotID] += mv.Quantity
	}
	for _, l := range result.UpdatedLots {
		assert.Equal(t, l.RemainingQuantity-pre[l.LotID], deltas[l.LotID], "lot %s", l.LotID)
	}
}

func TestAllocateDoesNotMutateInputLots(t *testing.T) {
	lots := []*domain.PurchaseLot{lot("L1", "A", "2024-07-01", 100, "10.00", "0.00")}
	_ = allocate(t, lots, []domain.Sale{sale("s1", "A", "2024-07-15", 30)})
	assert.Equal(t, 100, lots[0].RemainingQuantity)
}

func TestAllocateStructuralLotViolation(t *testing.T) {
	bad := lot("L1", "A", "2024-07-01", 10, "10.00", "0.00")
	bad.RemainingQuantity = 11

	_, err := engine.Allocate(engine.Input{
		TenantID: testTenant,
		RunID:    "run-1",
		Lots:     []*domain.PurchaseLot{bad},
		Sales:    []domain.Sale{sale("s1", "A", "2024-07-15", 1)},
	}, engine.Options{})
	require.Error(t, err)
}
