package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/datamart-replicator/internal/adapter/repo/lease"
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
)

// FollowUpRepo is the PostgreSQL implementation of the durable follow-up
// queue. Concurrent leasers are safe: row picking uses FOR UPDATE SKIP LOCKED.
type FollowUpRepo struct{ Pool PgxPool }

// NewFollowUpRepo constructs a FollowUpRepo with the given pool.
func NewFollowUpRepo(p PgxPool) *FollowUpRepo { return &FollowUpRepo{Pool: p} }

const followUpSchemaPG = `
CREATE TABLE IF NOT EXISTS follow_up_tasks (
	task_id             BIGSERIAL PRIMARY KEY,
	signature           TEXT NOT NULL,
	allow_collapse_flag BOOLEAN NOT NULL,
	lease_id            TEXT,
	expire_lease_at     TIMESTAMPTZ,
	multiplicity        INTEGER NOT NULL DEFAULT 1,
	json_text           TEXT NOT NULL,
	created_on          TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified_on         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var followUpIndexesPG = []string{
	`CREATE INDEX IF NOT EXISTS ix_follow_up_collapse ON follow_up_tasks (signature, allow_collapse_flag) WHERE lease_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS ix_follow_up_lease ON follow_up_tasks (lease_id, expire_lease_at)`,
}

// EnsureSchema creates the follow-up table and its indexes. When recreate is
// true the table is dropped first, clearing all rows.
func (r *FollowUpRepo) EnsureSchema(ctx context.Context, recreate bool) error {
	if recreate {
		if _, err := r.Pool.Exec(ctx, `DROP TABLE IF EXISTS follow_up_tasks`); err != nil {
			return fmt.Errorf("op=followup.schema.drop: %w", err)
		}
	}
	if _, err := r.Pool.Exec(ctx, followUpSchemaPG); err != nil {
		return fmt.Errorf("op=followup.schema.create: %w", err)
	}
	for _, ix := range followUpIndexesPG {
		if _, err := r.Pool.Exec(ctx, ix); err != nil {
			return fmt.Errorf("op=followup.schema.index: %w", err)
		}
	}
	return nil
}

// Enqueue persists a follow-up task in one transaction, first attempting to
// collapse into an unleased row with the same signature.
func (r *FollowUpRepo) Enqueue(ctx context.Context, t *domain.Task) error {
	tracer := otel.Tracer("repo.followup")
	ctx, span := tracer.Start(ctx, "followup.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "follow_up_tasks"),
	)

	body, err := t.MarshalJSON()
	if err != nil {
		return fmt.Errorf("op=followup.enqueue.marshal: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=followup.enqueue.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if t.AllowCollapse() {
		tag, err := tx.Exec(ctx,
			`UPDATE follow_up_tasks
			    SET multiplicity = multiplicity + 1, modified_on = now()
			  WHERE signature = $1 AND allow_collapse_flag AND lease_id IS NULL`,
			t.Signature())
		if err != nil {
			return fmt.Errorf("op=followup.enqueue.collapse: %w", err)
		}
		switch n := tag.RowsAffected(); {
		case n == 1:
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("op=followup.enqueue.commit: %w", err)
			}
			committed = true
			return nil
		case n > 1:
			slog.Error("collapse updated multiple unleased rows for one signature",
				slog.String("signature", t.Signature()),
				slog.Int64("rows", n))
			return fmt.Errorf("op=followup.enqueue.collapse: updated %d rows for signature %s: %w",
				n, t.Signature(), domain.ErrInvariant)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO follow_up_tasks (signature, allow_collapse_flag, multiplicity, json_text)
		 VALUES ($1, $2, 1, $3)`,
		t.Signature(), t.AllowCollapse(), string(body)); err != nil {
		return fmt.Errorf("op=followup.enqueue.insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=followup.enqueue.commit: %w", err)
	}
	committed = true
	return nil
}

// Dequeue reclaims expired leases, then leases up to max rows for leaseFor.
func (r *FollowUpRepo) Dequeue(ctx context.Context, max int, leaseFor time.Duration) ([]*domain.ScheduledTask, error) {
	tracer := otel.Tracer("repo.followup")
	ctx, span := tracer.Start(ctx, "followup.Dequeue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "follow_up_tasks"),
	)

	if _, err := r.ReleaseExpiredLeases(ctx); err != nil {
		return nil, err
	}

	leaseID := lease.NewID()
	expires := time.Now().UTC().Add(leaseFor)

	rows, err := r.Pool.Query(ctx,
		`WITH picked AS (
		    SELECT task_id
		      FROM follow_up_tasks
		     WHERE lease_id IS NULL
		     ORDER BY task_id
		     LIMIT $1
		       FOR UPDATE SKIP LOCKED
		 )
		 UPDATE follow_up_tasks f
		    SET lease_id = $2, expire_lease_at = $3, modified_on = now()
		   FROM picked
		  WHERE f.task_id = picked.task_id
		 RETURNING f.task_id, f.multiplicity, f.json_text, f.expire_lease_at`,
		max, leaseID, expires)
	if err != nil {
		return nil, fmt.Errorf("op=followup.dequeue: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScheduledTask
	for rows.Next() {
		var (
			taskID       int64
			multiplicity int
			jsonText     string
			expireAt     time.Time
		)
		if err := rows.Scan(&taskID, &multiplicity, &jsonText, &expireAt); err != nil {
			return nil, fmt.Errorf("op=followup.dequeue.scan: %w", err)
		}
		t, err := domain.UnmarshalTask([]byte(jsonText))
		if err != nil {
			// A malformed row would wedge the queue; surface it loudly and
			// skip the lease so an operator can intervene.
			slog.Error("dropping undecodable follow-up row",
				slog.Int64("task_id", taskID), slog.Any("error", err))
			continue
		}
		out = append(out, domain.NewFollowUpScheduledTask(t, multiplicity, taskID, leaseID, expireAt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=followup.dequeue.rows: %w", err)
	}
	return out, nil
}

// Renew extends the leases behind the given tasks by leaseFor.
func (r *FollowUpRepo) Renew(ctx context.Context, tasks []*domain.ScheduledTask, leaseFor time.Duration) error {
	if len(tasks) == 0 {
		return nil
	}
	expires := time.Now().UTC().Add(leaseFor)
	leaseIDs := make([]string, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, st := range tasks {
		if _, dup := seen[st.LeaseID()]; dup {
			continue
		}
		seen[st.LeaseID()] = struct{}{}
		leaseIDs = append(leaseIDs, st.LeaseID())
	}
	if _, err := r.Pool.Exec(ctx,
		`UPDATE follow_up_tasks
		    SET expire_lease_at = $1, modified_on = now()
		  WHERE lease_id = ANY($2)`,
		expires, leaseIDs); err != nil {
		return fmt.Errorf("op=followup.renew: %w", err)
	}
	for _, st := range tasks {
		st.RenewLease(expires)
	}
	return nil
}

// Complete removes the durable row behind a handled follow-up task.
func (r *FollowUpRepo) Complete(ctx context.Context, st *domain.ScheduledTask) error {
	tracer := otel.Tracer("repo.followup")
	ctx, span := tracer.Start(ctx, "followup.Complete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx,
		`DELETE FROM follow_up_tasks WHERE task_id = $1`, st.FollowUpID()); err != nil {
		return fmt.Errorf("op=followup.complete: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases whose expiration has passed.
func (r *FollowUpRepo) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE follow_up_tasks
		    SET lease_id = NULL, expire_lease_at = NULL, modified_on = now()
		  WHERE expire_lease_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("op=followup.release_expired: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("reclaimed expired follow-up leases", slog.Int64("rows", n))
		return n, nil
	}
	return 0, nil
}

// Count returns the total number of follow-up rows. An error means the count
// is unknown, not zero.
func (r *FollowUpRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM follow_up_tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=followup.count: %w", err)
	}
	observability.FollowUpPendingRows.Set(float64(count))
	return count, nil
}

// Dump returns all rows for operator diagnostics.
func (r *FollowUpRepo) Dump(ctx context.Context) ([]domain.FollowUpRow, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT task_id, signature, allow_collapse_flag, lease_id, expire_lease_at,
		        multiplicity, json_text, created_on, modified_on
		   FROM follow_up_tasks ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("op=followup.dump: %w", err)
	}
	defer rows.Close()

	var out []domain.FollowUpRow
	for rows.Next() {
		var fr domain.FollowUpRow
		if err := rows.Scan(&fr.TaskID, &fr.Signature, &fr.AllowCollapse, &fr.LeaseID,
			&fr.ExpireLeaseAt, &fr.Multiplicity, &fr.JSONText, &fr.CreatedOn, &fr.ModifiedOn); err != nil {
			return nil, fmt.Errorf("op=followup.dump.scan: %w", err)
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=followup.dump.rows: %w", err)
	}
	return out, nil
}
