// Package service coordinates COGS calculation runs: locking, journaling,
// the allocation pass, atomic result persistence, and rollback.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/internal/cogs/engine"
	"github.com/lotledger/cogs-backend/internal/cogs/events"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/pkg/config"
	"github.com/lotledger/cogs-backend/pkg/errors"
	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// Service orchestrates runs and rollbacks against the store.
type Service struct {
	store     repository.Store
	cfg       config.EngineConfig
	publisher *events.RunPublisher
	logger    *logger.Logger
}

// NewService creates the run coordinator. publisher may be nil.
func NewService(store repository.Store, cfg config.EngineConfig, publisher *events.RunPublisher, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		cfg:       cfg,
		publisher: publisher,
		logger:    log.WithComponent("cogs-service"),
	}
}

// RunRequest is one tenant's calculation workload. RunID is optional: when
// the client supplies one, retries of the same run become idempotent.
type RunRequest struct {
	TenantID    string
	RunID       string
	Mode        string
	Lots        []*domain.PurchaseLot
	Sales       []domain.Sale
	InputFileID *string
	CreatedBy   *string
}

// ExecuteRun performs one full calculation run: acquire the tenant lock,
// journal a run record, merge supplied lots, snapshot inventory, allocate,
// and commit all results atomically. Failures after the run record exists
// mark the run failed; they never leave partial results behind.
func (s *Service) ExecuteRun(ctx context.Context, req RunRequest) (*domain.Run, error) {
	if err := tenant.Validate(req.TenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Mode
	}
	if mode != "fifo" {
		return nil, errors.BadRequest(fmt.Sprintf("unsupported mode %q (supported: fifo)", mode))
	}
	if len(req.Sales) == 0 {
		return nil, errors.BadRequest("a run requires at least one sale")
	}
	for _, lot := range req.Lots {
		if lot.TenantID != "" && lot.TenantID != req.TenantID {
			return nil, errors.TenantMismatch("lot " + lot.LotID)
		}
	}
	for _, sale := range req.Sales {
		if sale.TenantID != "" && sale.TenantID != req.TenantID {
			return nil, errors.TenantMismatch("sale " + sale.SaleID)
		}
	}

	// Idempotent retry: a client-supplied run id that already completed is a
	// success no-op; in-flight or terminal-failed runs are surfaced as such.
	if req.RunID != "" {
		existing, err := s.store.GetRun(ctx, req.TenantID, req.RunID)
		if err == nil {
			switch existing.Status {
			case domain.RunStatusCompleted:
				return existing, nil
			case domain.RunStatusPending, domain.RunStatusRunning:
				return nil, errors.ConcurrentRunInProgress(req.TenantID)
			default:
				return nil, errors.IllegalState(fmt.Sprintf("run %s already exists with status %s", req.RunID, existing.Status))
			}
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}

	log := s.logger.WithTenantID(req.TenantID)

	lock, err := s.store.AcquireTenantLock(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Warn().Err(relErr).Msg("failed to release tenant lock")
		}
	}()

	run := &domain.Run{
		RunID:               req.RunID,
		TenantID:            req.TenantID,
		Status:              domain.RunStatusPending,
		Mode:                mode,
		StartedAt:           time.Now().UTC(),
		InputFileID:         req.InputFileID,
		CreatedBy:           req.CreatedBy,
		TotalCOGSCalculated: decimal.Zero,
	}
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	log = log.WithRunID(run.RunID)
	log.Info().Int("sales", len(req.Sales)).Int("lots", len(req.Lots)).Msg("run created")

	if err := s.store.TransitionRun(ctx, req.TenantID, run.RunID, domain.RunStatusPending, domain.RunStatusRunning, repository.RunUpdate{}); err != nil {
		return nil, s.failRun(ctx, log, run, domain.RunStatusPending, err)
	}
	run.Status = domain.RunStatusRunning

	if err := s.execute(ctx, log, run, req); err != nil {
		return nil, s.failRun(ctx, log, run, domain.RunStatusRunning, err)
	}

	completed, err := s.store.GetRun(ctx, req.TenantID, run.RunID)
	if err != nil {
		return nil, err
	}

	s.publisher.RunCompleted(ctx, events.RunCompletedPayload{
		RunID:                 completed.RunID,
		TenantID:              completed.TenantID,
		TotalSalesProcessed:   completed.TotalSalesProcessed,
		TotalCOGSCalculated:   completed.TotalCOGSCalculated,
		ValidationErrorsCount: completed.ValidationErrorsCount,
		CompletedAt:           time.Now().UTC(),
	})
	log.Info().
		Int("sales_processed", completed.TotalSalesProcessed).
		Int("validation_errors", completed.ValidationErrorsCount).
		Str("total_cogs", completed.TotalCOGSCalculated.String()).
		Msg("run completed")
	return completed, nil
}

// execute is the body of a run between the running transition and the
// completed transition.
func (s *Service) execute(ctx context.Context, log *logger.Logger, run *domain.Run, req RunRequest) error {
	merged, err := s.mergeLots(ctx, req.TenantID, req.Lots)
	if err != nil {
		return err
	}
	if len(merged) > 0 {
		if err := s.store.UpsertLots(ctx, req.TenantID, merged); err != nil {
			return err
		}
	}

	inventory, err := s.store.LoadCurrentInventory(ctx, req.TenantID, nil)
	if err != nil {
		return err
	}

	// The pre-run capture is the rollback baseline: inventory after lot
	// intake, before any consumption by this run.
	if err := s.store.WriteSnapshot(ctx, req.TenantID, run.RunID, domain.SnapshotPreRun, inventory); err != nil {
		return err
	}

	result, err := engine.Allocate(engine.Input{
		TenantID: req.TenantID,
		RunID:    run.RunID,
		Lots:     inventory,
		Sales:    req.Sales,
	}, engine.Options{RequireDateGuard: s.cfg.RequireDateGuard})
	if err != nil {
		return errors.BadRequest(err.Error())
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	updates := make([]repository.LotQuantity, 0, len(result.UpdatedLots))
	for _, lot := range result.UpdatedLots {
		updates = append(updates, repository.LotQuantity{LotID: lot.LotID, Remaining: lot.RemainingQuantity})
	}

	completedAt := time.Now().UTC()
	salesProcessed := len(req.Sales)
	errCount := len(result.ValidationErrors)
	totalCOGS := result.TotalCOGS

	return s.store.InTenant(ctx, req.TenantID, func(ctx context.Context) error {
		if err := s.store.AppendMovements(ctx, req.TenantID, run.RunID, result.Movements); err != nil {
			return err
		}
		if err := s.store.WriteAttributions(ctx, req.TenantID, run.RunID, result.Attributions); err != nil {
			return err
		}
		if err := s.store.WriteSummaries(ctx, req.TenantID, run.RunID, result.Summaries); err != nil {
			return err
		}
		if err := s.store.WriteValidationErrors(ctx, req.TenantID, run.RunID, result.ValidationErrors); err != nil {
			return err
		}
		if err := s.store.UpdateLotRemaining(ctx, req.TenantID, updates); err != nil {
			return err
		}
		if err := s.store.WriteSnapshot(ctx, req.TenantID, run.RunID, domain.SnapshotPostRun, result.UpdatedLots); err != nil {
			return err
		}
		if err := s.store.SetCurrentSnapshot(ctx, req.TenantID, run.RunID, domain.SnapshotPostRun); err != nil {
			return err
		}
		return s.store.TransitionRun(ctx, req.TenantID, run.RunID,
			domain.RunStatusRunning, domain.RunStatusCompleted,
			repository.RunUpdate{
				CompletedAt:           &completedAt,
				TotalSalesProcessed:   &salesProcessed,
				TotalCOGSCalculated:   &totalCOGS,
				ValidationErrorsCount: &errCount,
			})
	})
}

// mergeLots reconciles lots supplied with the request against persisted
// inventory under the configured merge policy. It returns the lots to
// upsert; conflicts are fatal to the run under both policies.
func (s *Service) mergeLots(ctx context.Context, tenantID string, supplied []*domain.PurchaseLot) ([]*domain.PurchaseLot, error) {
	if len(supplied) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(supplied))
	for _, lot := range supplied {
		if err := lot.Validate(); err != nil {
			return nil, errors.BadRequest(err.Error())
		}
		if seen[lot.LotID] {
			return nil, errors.BadRequest(fmt.Sprintf("lot %s supplied more than once", lot.LotID))
		}
		seen[lot.LotID] = true
	}

	existing, err := s.store.LoadCurrentInventory(ctx, tenantID, nil)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.PurchaseLot, len(existing))
	for _, lot := range existing {
		byID[lot.LotID] = lot
	}

	merged := make([]*domain.PurchaseLot, 0, len(supplied))
	for _, lot := range supplied {
		current, exists := byID[lot.LotID]
		if !exists {
			c := lot.Clone()
			c.TenantID = tenantID
			c.RemainingQuantity = c.OriginalQuantity
			merged = append(merged, c)
			continue
		}

		if s.cfg.LotMergePolicy == config.LotMergeReject {
			return nil, errors.Conflict(fmt.Sprintf("lot %s already exists", lot.LotID))
		}

		// upsert_increase_only: the identity fields are immutable and the
		// original quantity may only grow; the delta becomes available stock.
		if current.SKU != lot.SKU ||
			!current.ReceivedDate.Equal(lot.ReceivedDate) ||
			!current.UnitPrice.Equal(lot.UnitPrice) ||
			!current.FreightCostPerUnit.Equal(lot.FreightCostPerUnit) {
			return nil, errors.Conflict(fmt.Sprintf("lot %s conflicts with existing lot on immutable fields", lot.LotID))
		}
		if lot.OriginalQuantity < current.OriginalQuantity {
			return nil, errors.Conflict(fmt.Sprintf("lot %s original_quantity may not decrease (%d -> %d)",
				lot.LotID, current.OriginalQuantity, lot.OriginalQuantity))
		}
		if lot.OriginalQuantity == current.OriginalQuantity {
			continue
		}
		c := current.Clone()
		delta := lot.OriginalQuantity - current.OriginalQuantity
		c.OriginalQuantity = lot.OriginalQuantity
		c.RemainingQuantity += delta
		merged = append(merged, c)
	}
	return merged, nil
}

// failRun marks the run failed from the given prior status and returns the
// original cause. Transition errors are logged, not surfaced, so the caller
// always sees the root failure.
func (s *Service) failRun(ctx context.Context, log *logger.Logger, run *domain.Run, from domain.RunStatus, cause error) error {
	msg := cause.Error()
	completedAt := time.Now().UTC()
	update := repository.RunUpdate{CompletedAt: &completedAt, ErrorMessage: &msg}

	ctx = context.WithoutCancel(ctx)
	if err := s.store.TransitionRun(ctx, run.TenantID, run.RunID, from, domain.RunStatusFailed, update); err != nil {
		log.Error().Err(err).Msg("failed to mark run failed")
	}
	s.publisher.RunFailed(ctx, events.RunFailedPayload{
		RunID:    run.RunID,
		TenantID: run.TenantID,
		Error:    msg,
	})
	log.Error().Err(cause).Msg("run failed")
	return cause
}
