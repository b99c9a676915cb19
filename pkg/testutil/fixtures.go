package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
)

// FixtureFactory creates deterministic test data for the COGS engine.
// Sequence numbers keep generated ids unique within a test.
type FixtureFactory struct {
	mu  sync.Mutex
	seq int
}

// NewFixtureFactory creates a fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{}
}

func (f *FixtureFactory) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

// TenantID returns a fresh random tenant id
func (f *FixtureFactory) TenantID() string {
	return uuid.New().String()
}

// Day returns midnight UTC of 2024-01-01 plus n days, a stable date base
// for received_date and sale_date fields.
func Day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// Lot creates a purchase lot fixture. Defaults: 100 units at 10.00 with no
// freight, received on Day(0).
func (f *FixtureFactory) Lot(tenantID string, opts ...func(*domain.PurchaseLot)) *domain.PurchaseLot {
	n := f.nextSeq()
	lot := &domain.PurchaseLot{
		TenantID:           tenantID,
		LotID:              fmt.Sprintf("LOT-%03d", n),
		SKU:                "SKU-A",
		ReceivedDate:       Day(0),
		OriginalQuantity:   100,
		RemainingQuantity:  100,
		UnitPrice:          decimal.NewFromInt(10),
		FreightCostPerUnit: decimal.Zero,
	}
	for _, opt := range opts {
		opt(lot)
	}
	return lot
}

// WithLotID overrides the generated lot id
func WithLotID(id string) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.LotID = id
	}
}

// WithLotSKU sets the lot's SKU
func WithLotSKU(sku string) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.SKU = sku
	}
}

// WithReceived sets the received date
func WithReceived(t time.Time) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.ReceivedDate = t
	}
}

// WithQuantity sets original and remaining quantity together
func WithQuantity(qty int) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.OriginalQuantity = qty
		l.RemainingQuantity = qty
	}
}

// WithRemaining sets only the remaining quantity
func WithRemaining(qty int) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.RemainingQuantity = qty
	}
}

// WithUnitPrice sets the unit price from a string, e.g. "10.50"
func WithUnitPrice(price string) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.UnitPrice = decimal.RequireFromString(price)
	}
}

// WithFreight sets the freight cost per unit from a string
func WithFreight(freight string) func(*domain.PurchaseLot) {
	return func(l *domain.PurchaseLot) {
		l.FreightCostPerUnit = decimal.RequireFromString(freight)
	}
}

// Sale creates a sale fixture. Defaults: 10 units of SKU-A on Day(5).
// Use a negative quantity for returns.
func (f *FixtureFactory) Sale(tenantID string, opts ...func(*domain.Sale)) domain.Sale {
	n := f.nextSeq()
	sale := domain.Sale{
		TenantID: tenantID,
		SaleID:   fmt.Sprintf("SALE-%03d", n),
		SKU:      "SKU-A",
		SaleDate: Day(5),
		Quantity: 10,
	}
	for _, opt := range opts {
		opt(&sale)
	}
	return sale
}

// WithSaleID overrides the generated sale id
func WithSaleID(id string) func(*domain.Sale) {
	return func(s *domain.Sale) {
		s.SaleID = id
	}
}

// WithSaleSKU sets the sale's SKU
func WithSaleSKU(sku string) func(*domain.Sale) {
	return func(s *domain.Sale) {
		s.SKU = sku
	}
}

// WithSaleDate sets the sale date
func WithSaleDate(t time.Time) func(*domain.Sale) {
	return func(s *domain.Sale) {
		s.SaleDate = t
	}
}

// WithSaleQuantity sets the quantity; negative means return
func WithSaleQuantity(qty int) func(*domain.Sale) {
	return func(s *domain.Sale) {
		s.Quantity = qty
	}
}
