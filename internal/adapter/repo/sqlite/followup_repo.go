package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/datamart-replicator/internal/adapter/repo/lease"
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
)

// FollowUpRepo is the SQLite implementation of the durable follow-up queue.
type FollowUpRepo struct{ DB *sql.DB }

// NewFollowUpRepo constructs a FollowUpRepo over the given database.
func NewFollowUpRepo(db *sql.DB) *FollowUpRepo { return &FollowUpRepo{DB: db} }

var followUpSchemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS follow_up_tasks (
		task_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		signature           TEXT NOT NULL,
		allow_collapse_flag INTEGER NOT NULL,
		lease_id            TEXT,
		expire_lease_at     TIMESTAMP,
		multiplicity        INTEGER NOT NULL DEFAULT 1,
		json_text           TEXT NOT NULL,
		created_on          TIMESTAMP NOT NULL DEFAULT (datetime('now')),
		modified_on         TIMESTAMP NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS ix_follow_up_collapse ON follow_up_tasks (signature, allow_collapse_flag) WHERE lease_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS ix_follow_up_lease ON follow_up_tasks (lease_id, expire_lease_at)`,
	`CREATE TRIGGER IF NOT EXISTS trg_follow_up_modified
	 AFTER UPDATE ON follow_up_tasks
	 BEGIN
		UPDATE follow_up_tasks SET modified_on = datetime('now') WHERE task_id = NEW.task_id;
	 END`,
}

// EnsureSchema creates the follow-up table, indexes, and the modified_on
// trigger. When recreate is true the table is dropped first.
func (r *FollowUpRepo) EnsureSchema(ctx context.Context, recreate bool) error {
	if recreate {
		if _, err := r.DB.ExecContext(ctx, `DROP TABLE IF EXISTS follow_up_tasks`); err != nil {
			return fmt.Errorf("op=followup.schema.drop: %w", err)
		}
	}
	for _, stmt := range followUpSchemaSQLite {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("op=followup.schema.create: %w", err)
		}
	}
	return nil
}

// Enqueue persists a follow-up task in one transaction, first attempting to
// collapse into an unleased row with the same signature.
func (r *FollowUpRepo) Enqueue(ctx context.Context, t *domain.Task) error {
	body, err := t.MarshalJSON()
	if err != nil {
		return fmt.Errorf("op=followup.enqueue.marshal: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=followup.enqueue.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if t.AllowCollapse() {
		res, err := tx.ExecContext(ctx,
			`UPDATE follow_up_tasks
			    SET multiplicity = multiplicity + 1
			  WHERE signature = ? AND allow_collapse_flag = 1 AND lease_id IS NULL`,
			t.Signature())
		if err != nil {
			return fmt.Errorf("op=followup.enqueue.collapse: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("op=followup.enqueue.collapse_rows: %w", err)
		}
		switch {
		case n == 1:
			if err := tx.Commit(); err != nil {
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

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO follow_up_tasks (signature, allow_collapse_flag, multiplicity, json_text)
		 VALUES (?, ?, 1, ?)`,
		t.Signature(), boolToInt(t.AllowCollapse()), string(body)); err != nil {
		return fmt.Errorf("op=followup.enqueue.insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=followup.enqueue.commit: %w", err)
	}
	committed = true
	return nil
}

// Dequeue reclaims expired leases, then leases up to max rows for leaseFor.
// SQLite's single-writer lock makes the pick-and-lease update atomic against
// other leasers.
func (r *FollowUpRepo) Dequeue(ctx context.Context, max int, leaseFor time.Duration) ([]*domain.ScheduledTask, error) {
	if _, err := r.ReleaseExpiredLeases(ctx); err != nil {
		return nil, err
	}

	leaseID := lease.NewID()
	expires := time.Now().UTC().Add(leaseFor)

	if _, err := r.DB.ExecContext(ctx,
		`UPDATE follow_up_tasks
		    SET lease_id = ?, expire_lease_at = ?
		  WHERE lease_id IS NULL
		    AND task_id IN (
		        SELECT task_id FROM follow_up_tasks
		         WHERE lease_id IS NULL ORDER BY task_id LIMIT ?)`,
		leaseID, expires, max); err != nil {
		return nil, fmt.Errorf("op=followup.dequeue.lease: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT task_id, multiplicity, json_text, expire_lease_at
		   FROM follow_up_tasks WHERE lease_id = ? ORDER BY task_id`, leaseID)
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
	seen := make(map[string]struct{}, len(tasks))
	for _, st := range tasks {
		if _, dup := seen[st.LeaseID()]; dup {
			continue
		}
		seen[st.LeaseID()] = struct{}{}
		if _, err := r.DB.ExecContext(ctx,
			`UPDATE follow_up_tasks SET expire_lease_at = ? WHERE lease_id = ?`,
			expires, st.LeaseID()); err != nil {
			return fmt.Errorf("op=followup.renew: %w", err)
		}
	}
	for _, st := range tasks {
		st.RenewLease(expires)
	}
	return nil
}

// Complete removes the durable row behind a handled follow-up task.
func (r *FollowUpRepo) Complete(ctx context.Context, st *domain.ScheduledTask) error {
	if _, err := r.DB.ExecContext(ctx,
		`DELETE FROM follow_up_tasks WHERE task_id = ?`, st.FollowUpID()); err != nil {
		return fmt.Errorf("op=followup.complete: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases whose expiration has passed.
func (r *FollowUpRepo) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE follow_up_tasks
		    SET lease_id = NULL, expire_lease_at = NULL
		  WHERE expire_lease_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=followup.release_expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=followup.release_expired_rows: %w", err)
	}
	if n > 0 {
		slog.Info("reclaimed expired follow-up leases", slog.Int64("rows", n))
	}
	return n, nil
}

// Count returns the total number of follow-up rows. An error means the count
// is unknown, not zero.
func (r *FollowUpRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM follow_up_tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=followup.count: %w", err)
	}
	observability.FollowUpPendingRows.Set(float64(count))
	return count, nil
}

// Dump returns all rows for operator diagnostics.
func (r *FollowUpRepo) Dump(ctx context.Context) ([]domain.FollowUpRow, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT task_id, signature, allow_collapse_flag, lease_id, expire_lease_at,
		        multiplicity, json_text, created_on, modified_on
		   FROM follow_up_tasks ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("op=followup.dump: %w", err)
	}
	defer rows.Close()

	var out []domain.FollowUpRow
	for rows.Next() {
		var (
			fr       domain.FollowUpRow
			collapse int
			leaseID  sql.NullString
			expireAt sql.NullTime
		)
		if err := rows.Scan(&fr.TaskID, &fr.Signature, &collapse, &leaseID,
			&expireAt, &fr.Multiplicity, &fr.JSONText, &fr.CreatedOn, &fr.ModifiedOn); err != nil {
			return nil, fmt.Errorf("op=followup.dump.scan: %w", err)
		}
		fr.AllowCollapse = collapse != 0
		if leaseID.Valid {
			fr.LeaseID = &leaseID.String
		}
		if expireAt.Valid {
			t := expireAt.Time
			fr.ExpireLeaseAt = &t
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=followup.dump.rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
