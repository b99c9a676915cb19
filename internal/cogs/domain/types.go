package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a COGS calculation run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusRolledBack RunStatus = "rolled_back"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusRolledBack
}

// CanTransitionTo reports whether the run state machine allows s -> to.
// pending -> running -> completed -> rolled_back, with failed reachable
// from pending and running only.
func (s RunStatus) CanTransitionTo(to RunStatus) bool {
	switch s {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusFailed
	case RunStatusRunning:
		return to == RunStatusCompleted || to == RunStatusFailed
	case RunStatusCompleted:
		return to == RunStatusRolledBack
	default:
		return false
	}
}

// MovementKind classifies an inventory movement journal entry.
type MovementKind string

const (
	MovementSale       MovementKind = "sale"
	MovementReturn     MovementKind = "return"
	MovementAdjustment MovementKind = "adjustment"
	MovementRollback   MovementKind = "rollback"
)

// ValidationErrorKind classifies per-row validation errors recorded with a run.
type ValidationErrorKind string

const (
	ErrInsufficientInventory ValidationErrorKind = "insufficient_inventory"
	ErrOverReturn            ValidationErrorKind = "over_return"
	ErrUnknownSKU            ValidationErrorKind = "unknown_sku"
	ErrDateInversion         ValidationErrorKind = "date_inversion"
	ErrLotConflict           ValidationErrorKind = "lot_conflict"
)

// PurchaseLot is a single inventory arrival: a batch of units of one SKU
// received on one date at a known unit cost.
type PurchaseLot struct {
	TenantID           string          `db:"tenant_id" json:"tenant_id"`
	LotID              string          `db:"lot_id" json:"lot_id"`
	SKU                string          `db:"sku" json:"sku"`
	ReceivedDate       time.Time       `db:"received_date" json:"received_date"`
	OriginalQuantity   int             `db:"original_quantity" json:"original_quantity"`
	RemainingQuantity  int             `db:"remaining_quantity" json:"remaining_quantity"`
	UnitPrice          decimal.Decimal `db:"unit_price" json:"unit_price"`
	FreightCostPerUnit decimal.Decimal `db:"freight_cost_per_unit" json:"freight_cost_per_unit"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// TotalUnitCost is the effective per-unit cost including freight.
func (l *PurchaseLot) TotalUnitCost() decimal.Decimal {
	return l.UnitPrice.Add(l.FreightCostPerUnit)
}

// Exhausted reports whether the lot has no remaining inventory.
func (l *PurchaseLot) Exhausted() bool {
	return l.RemainingQuantity <= 0
}

// Validate checks the structural invariants of a lot. Violations are fatal
// to a run, not per-row validation errors.
func (l *PurchaseLot) Validate() error {
	if l.LotID == "" {
		return fmt.Errorf("lot: missing lot_id")
	}
	if l.SKU == "" {
		return fmt.Errorf("lot %s: missing sku", l.LotID)
	}
	if l.OriginalQuantity <= 0 {
		return fmt.Errorf("lot %s: original_quantity must be positive, got %d", l.LotID, l.OriginalQuantity)
	}
	if l.RemainingQuantity < 0 || l.RemainingQuantity > l.OriginalQuantity {
		return fmt.Errorf("lot %s: remaining_quantity %d outside [0, %d]", l.LotID, l.RemainingQuantity, l.OriginalQuantity)
	}
	if l.UnitPrice.IsNegative() || l.FreightCostPerUnit.IsNegative() {
		return fmt.Errorf("lot %s: negative unit cost", l.LotID)
	}
	if l.ReceivedDate.IsZero() {
		return fmt.Errorf("lot %s: missing received_date", l.LotID)
	}
	return nil
}

// Clone returns a deep copy. Decimal values are immutable so a shallow
// field copy is sufficient.
func (l *PurchaseLot) Clone() *PurchaseLot {
	c := *l
	return &c
}

// Sale is a single sale (positive quantity) or return (negative quantity).
type Sale struct {
	TenantID string    `db:"tenant_id" json:"tenant_id"`
	SaleID   string    `db:"sale_id" json:"sale_id"`
	SKU      string    `db:"sku" json:"sku"`
	SaleDate time.Time `db:"sale_date" json:"sale_date"`
	Quantity int       `db:"quantity" json:"quantity"`
}

// IsReturn reports whether the sale is a return.
func (s *Sale) IsReturn() bool {
	return s.Quantity < 0
}

// Validate checks the structural invariants of a sale.
func (s *Sale) Validate() error {
	if s.SaleID == "" {
		return fmt.Errorf("sale: missing sale_id")
	}
	if s.SKU == "" {
		return fmt.Errorf("sale %s: missing sku", s.SaleID)
	}
	if s.Quantity == 0 {
		return fmt.Errorf("sale %s: quantity must be non-zero", s.SaleID)
	}
	if s.SaleDate.IsZero() {
		return fmt.Errorf("sale %s: missing sale_date", s.SaleID)
	}
	return nil
}

// InventoryMovement is one append-only journal entry recording a single
// effect on a lot's remaining quantity. Movements are never mutated or
// deleted.
type InventoryMovement struct {
	MovementID     string          `db:"movement_id" json:"movement_id"`
	TenantID       string          `db:"tenant_id" json:"tenant_id"`
	RunID          string          `db:"run_id" json:"run_id"`
	LotID          string          `db:"lot_id" json:"lot_id"`
	SKU            string          `db:"sku" json:"sku"`
	Kind           MovementKind    `db:"kind" json:"kind"`
	Quantity       int             `db:"quantity" json:"quantity"`
	RemainingAfter int             `db:"remaining_after" json:"remaining_after"`
	UnitCost       decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	ReferenceID    string          `db:"reference_id" json:"reference_id"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// SnapshotPhase distinguishes the pre-run capture from the post-run state
// within a single run's snapshot set.
type SnapshotPhase string

const (
	SnapshotPreRun  SnapshotPhase = "pre_run"
	SnapshotPostRun SnapshotPhase = "post_run"
)

// InventorySnapshot is an immutable per-run capture of one lot's state.
// Exactly one snapshot row per (tenant_id, lot_id) bears IsCurrent=true;
// the pointer moves at run commit and on rollback.
type InventorySnapshot struct {
	SnapshotID         string          `db:"snapshot_id" json:"snapshot_id"`
	TenantID           string          `db:"tenant_id" json:"tenant_id"`
	RunID              string          `db:"run_id" json:"run_id"`
	LotID              string          `db:"lot_id" json:"lot_id"`
	SKU                string          `db:"sku" json:"sku"`
	Phase              SnapshotPhase   `db:"phase" json:"phase"`
	RemainingQuantity  int             `db:"remaining_quantity" json:"remaining_quantity"`
	OriginalQuantity   int             `db:"original_quantity" json:"original_quantity"`
	UnitPrice          decimal.Decimal `db:"unit_price" json:"unit_price"`
	FreightCostPerUnit decimal.Decimal `db:"freight_cost_per_unit" json:"freight_cost_per_unit"`
	ReceivedDate       time.Time       `db:"received_date" json:"received_date"`
	IsCurrent          bool            `db:"is_current" json:"is_current"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// Lot reconstructs the lot state captured by the snapshot row.
func (s *InventorySnapshot) Lot() *PurchaseLot {
	return &PurchaseLot{
		TenantID:           s.TenantID,
		LotID:              s.LotID,
		SKU:                s.SKU,
		ReceivedDate:       s.ReceivedDate,
		OriginalQuantity:   s.OriginalQuantity,
		RemainingQuantity:  s.RemainingQuantity,
		UnitPrice:          s.UnitPrice,
		FreightCostPerUnit: s.FreightCostPerUnit,
	}
}

// COGSAttributionDetail is one lot's contribution to a sale's cost basis.
// TotalCost = QuantityAllocated x UnitCost.
type COGSAttributionDetail struct {
	DetailID          string          `db:"detail_id" json:"detail_id"`
	AttributionID     string          `db:"attribution_id" json:"attribution_id"`
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	LotID             string          `db:"lot_id" json:"lot_id"`
	QuantityAllocated int             `db:"quantity_allocated" json:"quantity_allocated"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalCost         decimal.Decimal `db:"total_cost" json:"total_cost"`
}

// COGSAttribution ties one sale to the lots that funded it.
type COGSAttribution struct {
	AttributionID   string                  `db:"attribution_id" json:"attribution_id"`
	TenantID        string                  `db:"tenant_id" json:"tenant_id"`
	RunID           string                  `db:"run_id" json:"run_id"`
	SaleID          string                  `db:"sale_id" json:"sale_id"`
	SKU             string                  `db:"sku" json:"sku"`
	SaleDate        time.Time               `db:"sale_date" json:"sale_date"`
	QuantitySold    int                     `db:"quantity_sold" json:"quantity_sold"`
	TotalCOGS       decimal.Decimal         `db:"total_cogs" json:"total_cogs"`
	AverageUnitCost decimal.Decimal         `db:"average_unit_cost" json:"average_unit_cost"`
	IsValid         bool                    `db:"is_valid" json:"is_valid"`
	CreatedAt       time.Time               `db:"created_at" json:"created_at"`
	Details         []COGSAttributionDetail `db:"-" json:"details,omitempty"`
}

// COGSSummary is the monthly rollup of COGS by SKU.
type COGSSummary struct {
	SummaryID         string          `db:"summary_id" json:"summary_id"`
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	RunID             string          `db:"run_id" json:"run_id"`
	SKU               string          `db:"sku" json:"sku"`
	Period            string          `db:"period" json:"period"` // YYYY-MM
	TotalQuantitySold int             `db:"total_quantity_sold" json:"total_quantity_sold"`
	TotalCOGS         decimal.Decimal `db:"total_cogs" json:"total_cogs"`
	AverageUnitCost   decimal.Decimal `db:"average_unit_cost" json:"average_unit_cost"`
	IsValid           bool            `db:"is_valid" json:"is_valid"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Run is one invocation of the allocator+persistence pipeline for one tenant.
type Run struct {
	RunID                 string          `db:"run_id" json:"run_id"`
	TenantID              string          `db:"tenant_id" json:"tenant_id"`
	Status                RunStatus       `db:"status" json:"status"`
	Mode                  string          `db:"mode" json:"mode"`
	StartedAt             time.Time       `db:"started_at" json:"started_at"`
	CompletedAt           *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	InputFileID           *string         `db:"input_file_id" json:"input_file_id,omitempty"`
	ErrorMessage          *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedBy             *string         `db:"created_by" json:"created_by,omitempty"`
	RollbackOfRunID       *string         `db:"rollback_of_run_id" json:"rollback_of_run_id,omitempty"`
	TotalSalesProcessed   int             `db:"total_sales_processed" json:"total_sales_processed"`
	TotalCOGSCalculated   decimal.Decimal `db:"total_cogs_calculated" json:"total_cogs_calculated"`
	ValidationErrorsCount int             `db:"validation_errors_count" json:"validation_errors_count"`
}

// ValidationError is a per-row data problem recorded with a run. It never
// blocks persistence of the valid portion of a run's results.
type ValidationError struct {
	ErrorID   string              `db:"error_id" json:"error_id"`
	TenantID  string              `db:"tenant_id" json:"tenant_id"`
	RunID     string              `db:"run_id" json:"run_id"`
	Kind      ValidationErrorKind `db:"kind" json:"kind"`
	SKU       string              `db:"sku" json:"sku,omitempty"`
	SaleID    string              `db:"sale_id" json:"sale_id,omitempty"`
	Quantity  *int                `db:"quantity" json:"quantity,omitempty"`
	Message   string              `db:"message" json:"message"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
}

// Period formats a date as the YYYY-MM summary period.
func Period(t time.Time) string {
	return t.Format("2006-01")
}
