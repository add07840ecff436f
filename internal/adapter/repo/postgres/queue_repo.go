package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/datamart-replicator/internal/adapter/queue/dbqueue"
	"github.com/fairyhunter13/datamart-replicator/internal/adapter/repo/lease"
)

// MessageQueueRepo backs the SQL INFO queue driver with the data-mart
// database itself. Receive is "lease N available rows"; delete removes by id;
// expired leases become receivable again.
type MessageQueueRepo struct{ Pool PgxPool }

// NewMessageQueueRepo constructs a MessageQueueRepo with the given pool.
func NewMessageQueueRepo(p PgxPool) *MessageQueueRepo { return &MessageQueueRepo{Pool: p} }

// EnsureSchema creates the message queue table if missing.
func (r *MessageQueueRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sz_message_queue (
			message_id      BIGSERIAL PRIMARY KEY,
			message_text    TEXT NOT NULL,
			lease_id        TEXT,
			expire_lease_at TIMESTAMPTZ
		)`); err != nil {
		return fmt.Errorf("op=msgqueue.schema: %w", err)
	}
	if _, err := r.Pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS ix_message_queue_lease ON sz_message_queue (lease_id, expire_lease_at)`); err != nil {
		return fmt.Errorf("op=msgqueue.schema.index: %w", err)
	}
	return nil
}

// Enqueue appends a message. Used by operator tooling and tests; the engine
// normally feeds this table directly.
func (r *MessageQueueRepo) Enqueue(ctx context.Context, body json.RawMessage) (int64, error) {
	var id int64
	if err := r.Pool.QueryRow(ctx,
		`INSERT INTO sz_message_queue (message_text) VALUES ($1) RETURNING message_id`,
		string(body)).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=msgqueue.enqueue: %w", err)
	}
	return id, nil
}

// Lease reclaims expired leases and leases up to max available messages.
func (r *MessageQueueRepo) Lease(ctx context.Context, max int, leaseFor time.Duration) ([]dbqueue.Message, error) {
	if _, err := r.Pool.Exec(ctx,
		`UPDATE sz_message_queue SET lease_id = NULL, expire_lease_at = NULL WHERE expire_lease_at < now()`); err != nil {
		return nil, fmt.Errorf("op=msgqueue.release_expired: %w", err)
	}

	leaseID := lease.NewID()
	expires := time.Now().UTC().Add(leaseFor)
	rows, err := r.Pool.Query(ctx,
		`WITH picked AS (
		    SELECT message_id
		      FROM sz_message_queue
		     WHERE lease_id IS NULL
		     ORDER BY message_id
		     LIMIT $1
		       FOR UPDATE SKIP LOCKED
		 )
		 UPDATE sz_message_queue q
		    SET lease_id = $2, expire_lease_at = $3
		   FROM picked
		  WHERE q.message_id = picked.message_id
		 RETURNING q.message_id, q.message_text`,
		max, leaseID, expires)
	if err != nil {
		return nil, fmt.Errorf("op=msgqueue.lease: %w", err)
	}
	defer rows.Close()

	var out []dbqueue.Message
	for rows.Next() {
		var (
			id   int64
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("op=msgqueue.lease.scan: %w", err)
		}
		out = append(out, dbqueue.Message{ID: id, Body: json.RawMessage(text)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=msgqueue.lease.rows: %w", err)
	}
	return out, nil
}

// Delete removes a handled message.
func (r *MessageQueueRepo) Delete(ctx context.Context, messageID int64) error {
	if _, err := r.Pool.Exec(ctx,
		`DELETE FROM sz_message_queue WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("op=msgqueue.delete: %w", err)
	}
	return nil
}
