// Package usecase wires the queue consumer to the scheduling core: each INFO
// message becomes one task group whose terminal state gates acknowledgement.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
)

// Scheduler is the slice of the scheduling service the replicator uses.
type Scheduler interface {
	Commit(ctx context.Context, g *domain.TaskGroup) error
}

// Replicator turns INFO messages into per-entity refresh or delete tasks.
type Replicator struct {
	sched Scheduler
}

// NewReplicator constructs a Replicator over the scheduling service.
func NewReplicator(sched Scheduler) *Replicator {
	return &Replicator{sched: sched}
}

// HandleMessage is the consumer-facing message handler. It parses the INFO
// payload, decomposes it by notification kind into one task per affected
// entity (DELETE_ENTITY for deletions, REFRESH_ENTITY otherwise) as a
// fast-fail group, and reports success only when the whole group succeeds, so
// the source message is acknowledged exactly when the mart reflects it.
func (r *Replicator) HandleMessage(ctx context.Context, body json.RawMessage) error {
	msg, err := domain.ParseInfoMessage(body)
	if err != nil {
		slog.Error("unparseable INFO message", slog.Any("error", err))
		return err
	}

	group := domain.NewTaskGroup(true)
	ids := msg.EntityIDs()
	for _, id := range ids {
		if msg.IsDeletion() {
			_, err = datamart.NewDeleteEntityTask(group, id)
		} else {
			_, err = datamart.NewRefreshEntityTask(group, id)
		}
		if err != nil {
			return fmt.Errorf("op=replicate.handle: entity %d: %w", id, err)
		}
	}

	if err := r.sched.Commit(ctx, group); err != nil {
		return fmt.Errorf("op=replicate.handle: %w", err)
	}
	state, err := group.AwaitCompletion(ctx)
	if err != nil {
		return fmt.Errorf("op=replicate.handle: %w", err)
	}
	if state != domain.GroupSuccessful {
		return fmt.Errorf("op=replicate.handle: group %s finished %s (%d failed, %d aborted): %w",
			group.ID(), state, group.FailureCount(), group.AbortedCount(), domain.ErrInternal)
	}
	slog.Debug("INFO message replicated",
		slog.String("kind", msg.Kind),
		slog.String("data_source", msg.DataSource),
		slog.String("record_id", msg.RecordID),
		slog.Int("entities", len(ids)))
	return nil
}
