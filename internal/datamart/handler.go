package datamart

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
)

// Handler actions.
const (
	ActionRefreshEntity      = "REFRESH_ENTITY"
	ActionDeleteEntity       = "DELETE_ENTITY"
	ActionRecalcSourceSum    = "RECALC_SOURCE_SUMMARY"
	paramEntityID            = "entityId"
	paramDataSource          = "dataSource"
	sourceSummaryResourceTag = "DATA_SOURCE_SUMMARY"
)

// NewRefreshEntityTask builds a group task that reconciles one entity's mart
// state against the engine. Identical refreshes collapse.
func NewRefreshEntityTask(g *domain.TaskGroup, entityID int64) (*domain.Task, error) {
	params, err := domain.NewParameters().Int(paramEntityID, entityID).Build()
	if err != nil {
		return nil, err
	}
	return domain.NewGroupTask(g, ActionRefreshEntity, params,
		[]domain.ResourceKey{domain.EntityKey(entityID)}, true)
}

// NewDeleteEntityTask builds a group task that removes one entity from the
// mart, or reconciles it when the engine still resolves the entity.
func NewDeleteEntityTask(g *domain.TaskGroup, entityID int64) (*domain.Task, error) {
	params, err := domain.NewParameters().Int(paramEntityID, entityID).Build()
	if err != nil {
		return nil, err
	}
	return domain.NewGroupTask(g, ActionDeleteEntity, params,
		[]domain.ResourceKey{domain.EntityKey(entityID)}, true)
}

// NewRecalcSourceSummaryTask builds a follow-up task that recomputes one data
// source's summary rows from the base tables. Recalculations for the same
// source collapse into a single run.
func NewRecalcSourceSummaryTask(dataSource string) (*domain.Task, error) {
	params, err := domain.NewParameters().String(paramDataSource, dataSource).Build()
	if err != nil {
		return nil, err
	}
	return domain.NewTask(ActionRecalcSourceSum, params,
		[]domain.ResourceKey{domain.ReportKey(sourceSummaryResourceTag, dataSource)}, true)
}

// Handler is the data-mart task handler: the scheduler's domain collaborator.
type Handler struct {
	store  Store
	engine EngineClient
}

// NewHandler constructs a Handler over the mart store and the engine client.
func NewHandler(store Store, engine EngineClient) *Handler {
	return &Handler{store: store, engine: engine}
}

// WaitUntilReady blocks until the mart database answers a ping, up to
// timeout. It returns false when readiness was not achieved in time.
func (h *Handler) WaitUntilReady(ctx context.Context, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := backoff.Retry(func() error {
		return h.store.Ping(waitCtx)
	}, backoff.WithContext(backoff.NewConstantBackOff(waitPingInterval), waitCtx))
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("op=datamart.ready: %w", ctx.Err())
		}
		slog.Warn("data mart not ready within timeout",
			slog.Duration("timeout", timeout), slog.Any("error", err))
		return false, nil
	}
	return true, nil
}

// HandleTask executes one (possibly collapsed) task. Refresh and delete are
// absolute reconciliations, so redelivery and multiplicity are naturally
// idempotent.
func (h *Handler) HandleTask(ctx context.Context, action string, params domain.Parameters, multiplicity int, followUp domain.FollowUpScheduler) error {
	switch action {
	case ActionRefreshEntity:
		return h.refreshEntity(ctx, params.GetInt(paramEntityID), multiplicity, followUp)
	case ActionDeleteEntity:
		return h.deleteEntity(ctx, params.GetInt(paramEntityID), followUp)
	case ActionRecalcSourceSum:
		ds := params.GetString(paramDataSource)
		if ds == "" {
			return fmt.Errorf("op=datamart.recalc: missing %s: %w", paramDataSource, domain.ErrInvalidArgument)
		}
		return h.store.RecalcSourceSummary(ctx, ds)
	default:
		return fmt.Errorf("op=datamart.handle: unknown action %q: %w", action, domain.ErrInvalidArgument)
	}
}

func (h *Handler) refreshEntity(ctx context.Context, entityID int64, multiplicity int, followUp domain.FollowUpScheduler) error {
	if entityID == 0 {
		return fmt.Errorf("op=datamart.refresh: missing %s: %w", paramEntityID, domain.ErrInvalidArgument)
	}
	newState, found, err := h.engine.GetEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("op=datamart.refresh.engine: entity %d: %w", entityID, err)
	}
	if !found {
		oldState, stored, err := h.store.GetEntityState(ctx, entityID)
		if err != nil {
			return err
		}
		if !stored {
			return nil
		}
		return h.removeEntity(ctx, entityID, oldState, followUp)
	}
	return h.reconcile(ctx, entityID, newState, multiplicity, followUp)
}

func (h *Handler) deleteEntity(ctx context.Context, entityID int64, followUp domain.FollowUpScheduler) error {
	if entityID == 0 {
		return fmt.Errorf("op=datamart.delete: missing %s: %w", paramEntityID, domain.ErrInvalidArgument)
	}
	// A record deletion can leave the entity resolved from its remaining
	// records; in that case the mart reconciles instead of dropping rows.
	newState, found, err := h.engine.GetEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("op=datamart.delete.engine: entity %d: %w", entityID, err)
	}
	if found {
		return h.reconcile(ctx, entityID, newState, 1, followUp)
	}
	oldState, stored, err := h.store.GetEntityState(ctx, entityID)
	if err != nil {
		return err
	}
	if !stored {
		// Already gone; deletions redeliver at least once.
		return nil
	}
	return h.removeEntity(ctx, entityID, oldState, followUp)
}

// reconcile swaps the mart's stored view for the engine's current state and
// applies the resulting aggregate deltas.
func (h *Handler) reconcile(ctx context.Context, entityID int64, newState EntityState, multiplicity int, followUp domain.FollowUpScheduler) error {
	oldState, _, err := h.store.GetEntityState(ctx, entityID)
	if err != nil {
		return err
	}
	deltas := ComputeDeltas(oldState, newState)
	if err := h.store.ReplaceEntity(ctx, newState, deltas); err != nil {
		return err
	}
	slog.Debug("entity reconciled",
		slog.Int64("entity_id", entityID),
		slog.Int("records", len(newState.Records)),
		slog.Int("deltas", len(deltas)),
		slog.Int("multiplicity", multiplicity))
	return h.scheduleRecalcs(ctx, oldState, newState, followUp)
}

func (h *Handler) removeEntity(ctx context.Context, entityID int64, oldState EntityState, followUp domain.FollowUpScheduler) error {
	deltas := ComputeDeltas(oldState, EntityState{EntityID: entityID})
	if err := h.store.DeleteEntity(ctx, entityID, deltas); err != nil {
		return err
	}
	slog.Debug("entity removed from mart", slog.Int64("entity_id", entityID))
	return h.scheduleRecalcs(ctx, oldState, EntityState{}, followUp)
}

// scheduleRecalcs enqueues one summary recalculation follow-up per touched
// data source. The rows persist before this handler returns, so the repair
// work survives a later failure of the same handler.
func (h *Handler) scheduleRecalcs(ctx context.Context, oldState, newState EntityState, followUp domain.FollowUpScheduler) error {
	if followUp == nil {
		return nil
	}
	for _, ds := range TouchedSources(oldState, newState) {
		t, err := NewRecalcSourceSummaryTask(ds)
		if err != nil {
			return err
		}
		if err := followUp.ScheduleFollowUp(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
