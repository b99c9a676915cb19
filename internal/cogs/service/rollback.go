package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/internal/cogs/events"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/pkg/errors"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// RollbackRun reverses a completed run: remaining quantities are restored
// from the pre-run snapshot, an inverse journal entry is appended for every
// movement in reverse order, and the run's attributions and summaries are
// flagged invalid. Rolling back an already rolled-back run is a no-op.
func (s *Service) RollbackRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	log := s.logger.WithTenantID(tenantID).WithRunID(runID)

	lock, err := s.store.AcquireTenantLock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Warn().Err(relErr).Msg("failed to release tenant lock")
		}
	}()

	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case domain.RunStatusRolledBack:
		return run, nil
	case domain.RunStatusCompleted:
	default:
		return nil, errors.IllegalState(fmt.Sprintf("run %s is %s; only completed runs can be rolled back", runID, run.Status))
	}

	// Runs must unwind newest-first or the snapshot restore would clobber
	// the effects of later runs.
	if err := s.ensureNewestCompleted(ctx, tenantID, run); err != nil {
		return nil, err
	}

	snapshot, err := s.store.ReadSnapshot(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		return nil, errors.Internal(fmt.Sprintf("run %s has no pre-run snapshot", runID))
	}
	journal, err := s.store.ReadMovements(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	inverse := s.inverseMovements(tenantID, runID, snapshot, journal)

	restores := make([]repository.LotQuantity, 0, len(snapshot))
	for _, lot := range snapshot {
		restores = append(restores, repository.LotQuantity{LotID: lot.LotID, Remaining: lot.RemainingQuantity})
	}

	err = s.store.InTenant(ctx, tenantID, func(ctx context.Context) error {
		if err := s.store.AppendMovements(ctx, tenantID, runID, inverse); err != nil {
			return err
		}
		if err := s.store.UpdateLotRemaining(ctx, tenantID, restores); err != nil {
			return err
		}
		if err := s.store.InvalidateDerived(ctx, tenantID, runID); err != nil {
			return err
		}
		if err := s.store.SetCurrentSnapshot(ctx, tenantID, runID, domain.SnapshotPreRun); err != nil {
			return err
		}
		return s.store.TransitionRun(ctx, tenantID, runID,
			domain.RunStatusCompleted, domain.RunStatusRolledBack, repository.RunUpdate{})
	})
	if err != nil {
		log.Error().Err(err).Msg("rollback failed")
		return nil, err
	}

	s.publisher.RunRolledBack(ctx, events.RunRolledBackPayload{
		RunID:        runID,
		TenantID:     tenantID,
		RolledBackAt: time.Now().UTC(),
	})
	log.Info().Int("movements_reversed", len(journal)).Msg("run rolled back")

	return s.store.GetRun(ctx, tenantID, runID)
}

// ensureNewestCompleted rejects rollback of a run when a later completed run
// exists for the tenant.
func (s *Service) ensureNewestCompleted(ctx context.Context, tenantID string, run *domain.Run) error {
	completed := domain.RunStatusCompleted
	runs, err := s.store.ListRuns(ctx, tenantID, repository.RunFilter{Status: &completed})
	if err != nil {
		return err
	}
	for _, other := range runs {
		if other.RunID != run.RunID && other.StartedAt.After(run.StartedAt) {
			return errors.IllegalState(fmt.Sprintf("run %s started after %s; roll back newer runs first", other.RunID, run.RunID))
		}
	}
	return nil
}

// inverseMovements builds one kind=rollback journal entry per original
// movement, in reverse emission order, each negating the original quantity.
// remaining_after is tracked forward from the post-run state so the final
// entry per lot lands on the snapshot quantity.
func (s *Service) inverseMovements(tenantID, runID string, snapshot []*domain.PurchaseLot, journal []*domain.InventoryMovement) []*domain.InventoryMovement {
	// Post-run remaining per lot is the last remaining_after the run journaled.
	remaining := make(map[string]int, len(snapshot))
	for _, lot := range snapshot {
		remaining[lot.LotID] = lot.RemainingQuantity
	}
	for _, m := range journal {
		remaining[m.LotID] = m.RemainingAfter
	}

	inverse := make([]*domain.InventoryMovement, 0, len(journal))
	for i := len(journal) - 1; i >= 0; i-- {
		m := journal[i]
		remaining[m.LotID] -= m.Quantity
		inverse = append(inverse, &domain.InventoryMovement{
			MovementID:     uuid.New().String(),
			TenantID:       tenantID,
			RunID:          runID,
			LotID:          m.LotID,
			SKU:            m.SKU,
			Kind:           domain.MovementRollback,
			Quantity:       -m.Quantity,
			RemainingAfter: remaining[m.LotID],
			UnitCost:       m.UnitCost,
			ReferenceID:    m.MovementID,
		})
	}
	return inverse
}
