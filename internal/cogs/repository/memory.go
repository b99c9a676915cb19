package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/pkg/errors"
)

// Memory is the fake-for-tests Store variant. It honors the same contract
// as Postgres: tenant scoping on every call, CAS run transitions, and
// atomic InTenant blocks (writes inside a failed block are discarded).
type Memory struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	locks   map[string]bool

	// FailOn, when set, is consulted before every named operation so tests
	// can inject persistence failures, e.g. FailOn("WriteSummaries").
	FailOn func(op string) error
}

type tenantState struct {
	lots        map[string]*domain.PurchaseLot
	runs        map[string]*domain.Run
	movements   map[string][]*domain.InventoryMovement
	snapshots   map[string][]*domain.InventorySnapshot
	attrs       map[string][]*domain.COGSAttribution
	summaries   map[string][]*domain.COGSSummary
	validation  map[string][]*domain.ValidationError
	currentSnap map[string]string // lot_id -> "runID/phase"
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]*tenantState),
		locks:   make(map[string]bool),
	}
}

func (m *Memory) fail(op string) error {
	if m.FailOn != nil {
		return m.FailOn(op)
	}
	return nil
}

func (m *Memory) tenant(tenantID string) *tenantState {
	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = &tenantState{
			lots:        make(map[string]*domain.PurchaseLot),
			runs:        make(map[string]*domain.Run),
			movements:   make(map[string][]*domain.InventoryMovement),
			snapshots:   make(map[string][]*domain.InventorySnapshot),
			attrs:       make(map[string][]*domain.COGSAttribution),
			summaries:   make(map[string][]*domain.COGSSummary),
			validation:  make(map[string][]*domain.ValidationError),
			currentSnap: make(map[string]string),
		}
		m.tenants[tenantID] = ts
	}
	return ts
}

// AcquireTenantLock takes the tenant lock without blocking.
func (m *Memory) AcquireTenantLock(ctx context.Context, tenantID string) (TenantLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AcquireTenantLock"); err != nil {
		return nil, err
	}
	if m.locks[tenantID] {
		return nil, errors.ConcurrentRunInProgress(tenantID)
	}
	m.locks[tenantID] = true
	return &memoryLock{store: m, tenantID: tenantID}, nil
}

type memoryLock struct {
	store    *Memory
	tenantID string
	released bool
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.released {
		return fmt.Errorf("tenant lock for %s already released", l.tenantID)
	}
	l.released = true
	delete(l.store.locks, l.tenantID)
	return nil
}

// InTenant executes fn atomically: the tenant's state is snapshotted first
// and restored wholesale if fn fails.
func (m *Memory) InTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	backup := m.cloneTenant(tenantID)
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.tenants[tenantID] = backup
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) cloneTenant(tenantID string) *tenantState {
	src := m.tenant(tenantID)
	dst := &tenantState{
		lots:        make(map[string]*domain.PurchaseLot, len(src.lots)),
		runs:        make(map[string]*domain.Run, len(src.runs)),
		movements:   make(map[string][]*domain.InventoryMovement, len(src.movements)),
		snapshots:   make(map[string][]*domain.InventorySnapshot, len(src.snapshots)),
		attrs:       make(map[string][]*domain.COGSAttribution, len(src.attrs)),
		summaries:   make(map[string][]*domain.COGSSummary, len(src.summaries)),
		validation:  make(map[string][]*domain.ValidationError, len(src.validation)),
		currentSnap: make(map[string]string, len(src.currentSnap)),
	}
	for k, v := range src.lots {
		dst.lots[k] = v.Clone()
	}
	for k, v := range src.runs {
		r := *v
		dst.runs[k] = &r
	}
	for k, v := range src.movements {
		rows := make([]*domain.InventoryMovement, len(v))
		for i, row := range v {
			c := *row
			rows[i] = &c
		}
		dst.movements[k] = rows
	}
	for k, v := range src.snapshots {
		rows := make([]*domain.InventorySnapshot, len(v))
		for i, row := range v {
			c := *row
			rows[i] = &c
		}
		dst.snapshots[k] = rows
	}
	for k, v := range src.attrs {
		rows := make([]*domain.COGSAttribution, len(v))
		for i, row := range v {
			c := *row
			c.Details = append([]domain.COGSAttributionDetail(nil), row.Details...)
			rows[i] = &c
		}
		dst.attrs[k] = rows
	}
	for k, v := range src.summaries {
		rows := make([]*domain.COGSSummary, len(v))
		for i, row := range v {
			c := *row
			rows[i] = &c
		}
		dst.summaries[k] = rows
	}
	for k, v := range src.validation {
		rows := make([]*domain.ValidationError, len(v))
		for i, row := range v {
			c := *row
			rows[i] = &c
		}
		dst.validation[k] = rows
	}
	for k, v := range src.currentSnap {
		dst.currentSnap[k] = v
	}
	return dst
}

func (m *Memory) LoadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]*domain.PurchaseLot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LoadCurrentInventory"); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(skus))
	for _, sku := range skus {
		want[sku] = true
	}

	var lots []*domain.PurchaseLot
	for _, lot := range m.tenant(tenantID).lots {
		if len(want) > 0 && !want[lot.SKU] {
			continue
		}
		lots = append(lots, lot.Clone())
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].SKU != lots[j].SKU {
			return lots[i].SKU < lots[j].SKU
		}
		if !lots[i].ReceivedDate.Equal(lots[j].ReceivedDate) {
			return lots[i].ReceivedDate.Before(lots[j].ReceivedDate)
		}
		return lots[i].LotID < lots[j].LotID
	})
	return lots, nil
}

func (m *Memory) UpsertLots(ctx context.Context, tenantID string, lots []*domain.PurchaseLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertLots"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	now := time.Now().UTC()
	for _, lot := range lots {
		c := lot.Clone()
		c.TenantID = tenantID
		c.UpdatedAt = now
		if existing, ok := ts.lots[c.LotID]; ok {
			c.CreatedAt = existing.CreatedAt
		} else {
			c.CreatedAt = now
		}
		ts.lots[c.LotID] = c
	}
	return nil
}

func (m *Memory) UpdateLotRemaining(ctx context.Context, tenantID string, updates []LotQuantity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateLotRemaining"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	for _, u := range updates {
		lot, ok := ts.lots[u.LotID]
		if !ok {
			return errors.NotFound("lot " + u.LotID)
		}
		lot.RemainingQuantity = u.Remaining
		lot.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) WriteSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase, lots []*domain.PurchaseLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("WriteSnapshot"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	now := time.Now().UTC()
	for i, lot := range lots {
		ts.snapshots[runID] = append(ts.snapshots[runID], &domain.InventorySnapshot{
			SnapshotID:         fmt.Sprintf("%s/%s/%d", runID, phase, i),
			TenantID:           tenantID,
			RunID:              runID,
			LotID:              lot.LotID,
			SKU:                lot.SKU,
			Phase:              phase,
			RemainingQuantity:  lot.RemainingQuantity,
			OriginalQuantity:   lot.OriginalQuantity,
			UnitPrice:          lot.UnitPrice,
			FreightCostPerUnit: lot.FreightCostPerUnit,
			ReceivedDate:       lot.ReceivedDate,
			CreatedAt:          now,
		})
	}
	return nil
}

func (m *Memory) SetCurrentSnapshot(ctx context.Context, tenantID, runID string, phase domain.SnapshotPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetCurrentSnapshot"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	pointer := runID + "/" + string(phase)
	for _, row := range ts.snapshots[runID] {
		if row.Phase == phase {
			ts.currentSnap[row.LotID] = pointer
		}
	}
	for _, rows := range ts.snapshots {
		for _, row := range rows {
			row.IsCurrent = ts.currentSnap[row.LotID] == row.RunID+"/"+string(row.Phase)
		}
	}
	return nil
}

func (m *Memory) ReadSnapshot(ctx context.Context, tenantID, runID string) ([]*domain.PurchaseLot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReadSnapshot"); err != nil {
		return nil, err
	}
	var lots []*domain.PurchaseLot
	for _, row := range m.tenant(tenantID).snapshots[runID] {
		if row.Phase == domain.SnapshotPreRun {
			lots = append(lots, row.Lot())
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].SKU != lots[j].SKU {
			return lots[i].SKU < lots[j].SKU
		}
		if !lots[i].ReceivedDate.Equal(lots[j].ReceivedDate) {
			return lots[i].ReceivedDate.Before(lots[j].ReceivedDate)
		}
		return lots[i].LotID < lots[j].LotID
	})
	return lots, nil
}

func (m *Memory) AppendMovements(ctx context.Context, tenantID, runID string, movements []*domain.InventoryMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendMovements"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	now := time.Now().UTC()
	for _, mv := range movements {
		c := *mv
		c.TenantID = tenantID
		c.RunID = runID
		c.CreatedAt = now
		ts.movements[runID] = append(ts.movements[runID], &c)
	}
	return nil
}

func (m *Memory) ReadMovements(ctx context.Context, tenantID, runID string) ([]*domain.InventoryMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReadMovements"); err != nil {
		return nil, err
	}
	src := m.tenant(tenantID).movements[runID]
	out := make([]*domain.InventoryMovement, len(src))
	for i, mv := range src {
		c := *mv
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) WriteAttributions(ctx context.Context, tenantID, runID string, attrs []*domain.COGSAttribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("WriteAttributions"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	now := time.Now().UTC()
	for _, a := range attrs {
		c := *a
		c.TenantID = tenantID
		c.RunID = runID
		c.CreatedAt = now
		c.Details = append([]domain.COGSAttributionDetail(nil), a.Details...)
		ts.attrs[runID] = append(ts.attrs[runID], &c)
	}
	return nil
}

func (m *Memory) WriteSummaries(ctx context.Context, tenantID, runID string, summaries []*domain.COGSSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("WriteSummaries"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	now := time.Now().UTC()
	for _, s := range summaries {
		c := *s
		c.TenantID = tenantID
		c.RunID = runID
		c.CreatedAt = now
		ts.summaries[runID] = append(ts.summaries[runID], &c)
	}
	return nil
}

func (m *Memory) WriteValidationErrors(ctx context.Context, tenantID, runID string, verrs []*domain.ValidationError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("WriteValidationErrors"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	now := time.Now().UTC()
	for _, ve := range verrs {
		c := *ve
		c.TenantID = tenantID
		c.RunID = runID
		c.CreatedAt = now
		ts.validation[runID] = append(ts.validation[runID], &c)
	}
	return nil
}

func (m *Memory) InvalidateDerived(ctx context.Context, tenantID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InvalidateDerived"); err != nil {
		return err
	}
	ts := m.tenant(tenantID)
	for _, a := range ts.attrs[runID] {
		a.IsValid = false
	}
	for _, s := range ts.summaries[runID] {
		s.IsValid = false
	}
	return nil
}

func (m *Memory) ReadAttributions(ctx context.Context, tenantID, runID string, page, perPage int) ([]*domain.COGSAttribution, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReadAttributions"); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 500 {
		perPage = 100
	}

	src := m.tenant(tenantID).attrs[runID]
	sorted := make([]*domain.COGSAttribution, len(src))
	copy(sorted, src)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].SaleDate.Equal(sorted[j].SaleDate) {
			return sorted[i].SaleDate.Before(sorted[j].SaleDate)
		}
		return sorted[i].SaleID < sorted[j].SaleID
	})

	total := int64(len(sorted))
	start := (page - 1) * perPage
	if start >= len(sorted) {
		return nil, total, nil
	}
	end := start + perPage
	if end > len(sorted) {
		end = len(sorted)
	}

	out := make([]*domain.COGSAttribution, 0, end-start)
	for _, a := range sorted[start:end] {
		c := *a
		c.Details = append([]domain.COGSAttributionDetail(nil), a.Details...)
		out = append(out, &c)
	}
	return out, total, nil
}

func (m *Memory) ReadSummaries(ctx context.Context, tenantID, runID string) ([]*domain.COGSSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReadSummaries"); err != nil {
		return nil, err
	}
	src := m.tenant(tenantID).summaries[runID]
	out := make([]*domain.COGSSummary, len(src))
	for i, s := range src {
		c := *s
		out[i] = &c
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}

func (m *Memory) ReadValidationErrors(ctx context.Context, tenantID, runID string) ([]*domain.ValidationError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReadValidationErrors"); err != nil {
		return nil, err
	}
	src := m.tenant(tenantID).validation[runID]
	out := make([]*domain.ValidationError, len(src))
	for i, ve := range src {
		c := *ve
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) CreateRun(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateRun"); err != nil {
		return err
	}
	ts := m.tenant(run.TenantID)
	if _, exists := ts.runs[run.RunID]; exists {
		return errors.Conflict("a run with this run_id already exists")
	}
	c := *run
	ts.runs[run.RunID] = &c
	return nil
}

func (m *Memory) TransitionRun(ctx context.Context, tenantID, runID string, from, to domain.RunStatus, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionRun"); err != nil {
		return err
	}
	if !from.CanTransitionTo(to) {
		return errors.IllegalState(fmt.Sprintf("run transition %s -> %s is not allowed", from, to))
	}
	run, ok := m.tenant(tenantID).runs[runID]
	if !ok {
		return errors.NotFound("run")
	}
	if run.Status != from {
		return errors.IllegalState(fmt.Sprintf("run %s is %s, expected %s", runID, run.Status, from))
	}
	run.Status = to
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	if update.ErrorMessage != nil {
		msg := *update.ErrorMessage
		run.ErrorMessage = &msg
	}
	if update.TotalSalesProcessed != nil {
		run.TotalSalesProcessed = *update.TotalSalesProcessed
	}
	if update.TotalCOGSCalculated != nil {
		run.TotalCOGSCalculated = *update.TotalCOGSCalculated
	}
	if update.ValidationErrorsCount != nil {
		run.ValidationErrorsCount = *update.ValidationErrorsCount
	}
	return nil
}

func (m *Memory) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetRun"); err != nil {
		return nil, err
	}
	run, ok := m.tenant(tenantID).runs[runID]
	if !ok {
		return nil, errors.NotFound("run")
	}
	c := *run
	return &c, nil
}

func (m *Memory) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListRuns"); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var runs []*domain.Run
	for _, run := range m.tenant(tenantID).runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		c := *run
		runs = append(runs, &c)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
