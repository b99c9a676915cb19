// Package engine implements the pure FIFO allocation algorithm. It performs
// no I/O: given one tenant's lots and sales it produces attributions,
// journal movements, updated lot quantities, summaries, and per-row
// validation errors.
package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
)

// Intermediate monetary precision; final currency sums round to 2 places
// after summation.
const (
	costScale  int32 = 4
	moneyScale int32 = 2
)

// Options control allocation behavior.
type Options struct {
	// RequireDateGuard forbids a sale from consuming lots received after the
	// sale date. Returns are never date-guarded.
	RequireDateGuard bool
}

// Input is one tenant's allocation workload. The allocator imposes its own
// canonical ordering on both lots and sales.
type Input struct {
	TenantID string
	RunID    string
	Lots     []*domain.PurchaseLot
	Sales    []domain.Sale
}

// Result is the complete decision record of one allocation pass.
type Result struct {
	Attributions     []*domain.COGSAttribution
	Movements        []*domain.InventoryMovement
	UpdatedLots      []*domain.PurchaseLot
	Summaries        []*domain.COGSSummary
	ValidationErrors []*domain.ValidationError
	TotalCOGS        decimal.Decimal
}

// Allocate runs FIFO allocation of sales against lots. Data-shape problems
// become validation errors in the result; a non-nil error is returned only
// for structural invariant violations, which the caller must treat as fatal
// to the run.
func Allocate(in Input, opts Options) (*Result, error) {
	for _, lot := range in.Lots {
		if err := lot.Validate(); err != nil {
			return nil, err
		}
	}
	for i := range in.Sales {
		if err := in.Sales[i].Validate(); err != nil {
			return nil, err
		}
	}

	// Work on copies; the caller's lots are left untouched.
	working := make([]*domain.PurchaseLot, len(in.Lots))
	bySKU := make(map[string][]*domain.PurchaseLot)
	for i, lot := range in.Lots {
		c := lot.Clone()
		working[i] = c
		bySKU[c.SKU] = append(bySKU[c.SKU], c)
	}
	// Canonical FIFO order: received_date ascending, lot_id as tie-break.
	for _, lots := range bySKU {
		sort.SliceStable(lots, func(i, j int) bool {
			if !lots[i].ReceivedDate.Equal(lots[j].ReceivedDate) {
				return lots[i].ReceivedDate.Before(lots[j].ReceivedDate)
			}
			return lots[i].LotID < lots[j].LotID
		})
	}

	sales := make([]domain.Sale, len(in.Sales))
	copy(sales, in.Sales)
	sort.SliceStable(sales, func(i, j int) bool {
		if !sales[i].SaleDate.Equal(sales[j].SaleDate) {
			return sales[i].SaleDate.Before(sales[j].SaleDate)
		}
		return sales[i].SaleID < sales[j].SaleID
	})

	a := &allocator{
		tenantID: in.TenantID,
		runID:    in.RunID,
		bySKU:    bySKU,
		opts:     opts,
		result:   &Result{TotalCOGS: decimal.Zero},
	}
	for i := range sales {
		if sales[i].IsReturn() {
			a.processReturn(&sales[i])
		} else {
			a.processSale(&sales[i])
		}
	}

	a.result.UpdatedLots = working
	a.result.Summaries = a.summarize()
	return a.result, nil
}

type allocator struct {
	tenantID string
	runID    string
	bySKU    map[string][]*domain.PurchaseLot
	opts     Options
	result   *Result
}

// processSale walks the SKU's lots in canonical order, consuming the oldest
// eligible inventory first. A shortfall yields a partial attribution flagged
// invalid plus an insufficient_inventory error; it never aborts the run.
func (a *allocator) processSale(sale *domain.Sale) {
	lots, ok := a.bySKU[sale.SKU]
	if !ok {
		a.addError(domain.ErrUnknownSKU, sale, sale.Quantity,
			fmt.Sprintf("no lots exist for SKU %s", sale.SKU))
		a.addAttribution(sale, nil, false)
		return
	}

	need := sale.Quantity
	dateGuarded := false
	var details []domain.COGSAttributionDetail

	for _, lot := range lots {
		if need == 0 {
			break
		}
		if lot.Exhausted() {
			continue
		}
		if a.opts.RequireDateGuard && lot.ReceivedDate.After(sale.SaleDate) {
			dateGuarded = true
			continue
		}

		take := need
		if take > lot.RemainingQuantity {
			take = lot.RemainingQuantity
		}
		unitCost := lot.TotalUnitCost()
		lot.RemainingQuantity -= take
		need -= take

		details = append(details, domain.COGSAttributionDetail{
			TenantID:          a.tenantID,
			LotID:             lot.LotID,
			QuantityAllocated: take,
			UnitCost:          unitCost,
			TotalCost:         unitCost.Mul(decimal.NewFromInt(int64(take))).Round(moneyScale),
		})
		a.addMovement(lot, domain.MovementSale, -take, sale.SaleID, unitCost)
	}

	if need > 0 {
		a.addError(domain.ErrInsufficientInventory, sale, need,
			fmt.Sprintf("insufficient inventory for SKU %s: needed %d, short %d", sale.SKU, sale.Quantity, need))
		if dateGuarded {
			a.addError(domain.ErrDateInversion, sale, need,
				fmt.Sprintf("SKU %s has stock received after sale date %s; skipped by date guard", sale.SKU, sale.SaleDate.Format("2006-01-02")))
		}
	}
	a.addAttribution(sale, details, need == 0)
}

// processReturn restores units newest-consumed-first (reverse canonical
// order) so the most recently consumed inventory is reconstituted first.
// Returns ignore the date guard. Restoration is capped at each lot's
// consumed capacity; any excess becomes an over_return error.
func (a *allocator) processReturn(sale *domain.Sale) {
	need := -sale.Quantity
	lots := a.bySKU[sale.SKU]
	var details []domain.COGSAttributionDetail

	for i := len(lots) - 1; i >= 0 && need > 0; i-- {
		lot := lots[i]
		capacity := lot.OriginalQuantity - lot.RemainingQuantity
		if capacity <= 0 {
			continue
		}
		restore := need
		if restore > capacity {
			restore = capacity
		}
		unitCost := lot.TotalUnitCost()
		lot.RemainingQuantity += restore
		need -= restore

		details = append(details, domain.COGSAttributionDetail{
			TenantID:          a.tenantID,
			LotID:             lot.LotID,
			QuantityAllocated: -restore,
			UnitCost:          unitCost,
			TotalCost:         unitCost.Mul(decimal.NewFromInt(int64(restore))).Neg().Round(moneyScale),
		})
		a.addMovement(lot, domain.MovementReturn, restore, sale.SaleID, unitCost)
	}

	if need > 0 {
		a.addError(domain.ErrOverReturn, sale, need,
			fmt.Sprintf("return of %d units for SKU %s exceeds consumed capacity by %d", -sale.Quantity, sale.SKU, need))
	}
	a.addAttribution(sale, details, need == 0)
}

func (a *allocator) addMovement(lot *domain.PurchaseLot, kind domain.MovementKind, qty int, ref string, unitCost decimal.Decimal) {
	a.result.Movements = append(a.result.Movements, &domain.InventoryMovement{
		MovementID:     uuid.New().String(),
		TenantID:       a.tenantID,
		RunID:          a.runID,
		LotID:          lot.LotID,
		SKU:            lot.SKU,
		Kind:           kind,
		Quantity:       qty,
		RemainingAfter: lot.RemainingQuantity,
		UnitCost:       unitCost,
		ReferenceID:    ref,
	})
}

func (a *allocator) addAttribution(sale *domain.Sale, details []domain.COGSAttributionDetail, valid bool) {
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(d.TotalCost)
	}
	total = total.Round(moneyScale)

	avg := decimal.Zero
	if sale.Quantity != 0 {
		avg = total.DivRound(decimal.NewFromInt(int64(sale.Quantity)), costScale+2).RoundBank(costScale)
	}

	attr := &domain.COGSAttribution{
		AttributionID:   uuid.New().String(),
		TenantID:        a.tenantID,
		RunID:           a.runID,
		SaleID:          sale.SaleID,
		SKU:             sale.SKU,
		SaleDate:        sale.SaleDate,
		QuantitySold:    sale.Quantity,
		TotalCOGS:       total,
		AverageUnitCost: avg,
		IsValid:         valid,
		Details:         details,
	}
	for i := range attr.Details {
		attr.Details[i].DetailID = uuid.New().String()
		attr.Details[i].AttributionID = attr.AttributionID
	}
	a.result.Attributions = append(a.result.Attributions, attr)
	a.result.TotalCOGS = a.result.TotalCOGS.Add(total)
}

func (a *allocator) addError(kind domain.ValidationErrorKind, sale *domain.Sale, qty int, msg string) {
	q := qty
	a.result.ValidationErrors = append(a.result.ValidationErrors, &domain.ValidationError{
		ErrorID:  uuid.New().String(),
		TenantID: a.tenantID,
		RunID:    a.runID,
		Kind:     kind,
		SKU:      sale.SKU,
		SaleID:   sale.SaleID,
		Quantity: &q,
		Message:  msg,
	})
}

// summarize rolls attributions up by (sku, period). Returns contribute
// negative quantities and COGS so period totals net correctly.
func (a *allocator) summarize() []*domain.COGSSummary {
	type key struct {
		sku    string
		period string
	}
	grouped := make(map[key]*domain.COGSSummary)
	var order []key

	for _, attr := range a.result.Attributions {
		k := key{sku: attr.SKU, period: domain.Period(attr.SaleDate)}
		s, ok := grouped[k]
		if !ok {
			s = &domain.COGSSummary{
				SummaryID: uuid.New().String(),
				TenantID:  a.tenantID,
				RunID:     a.runID,
				SKU:       k.sku,
				Period:    k.period,
				TotalCOGS: decimal.Zero,
				IsValid:   true,
			}
			grouped[k] = s
			order = append(order, k)
		}
		s.TotalQuantitySold += attr.QuantitySold
		s.TotalCOGS = s.TotalCOGS.Add(attr.TotalCOGS)
	}

	summaries := make([]*domain.COGSSummary, 0, len(order))
	for _, k := range order {
		s := grouped[k]
		s.TotalCOGS = s.TotalCOGS.Round(moneyScale)
		if s.TotalQuantitySold != 0 {
			s.AverageUnitCost = s.TotalCOGS.DivRound(decimal.NewFromInt(int64(s.TotalQuantitySold)), costScale+2).RoundBank(costScale)
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].SKU != summaries[j].SKU {
			return summaries[i].SKU < summaries[j].SKU
		}
		return summaries[i].Period < summaries[j].Period
	})
	return summaries
}
