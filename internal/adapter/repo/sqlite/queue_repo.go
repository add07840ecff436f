package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/datamart-replicator/internal/adapter/queue/dbqueue"
	"github.com/fairyhunter13/datamart-replicator/internal/adapter/repo/lease"
)

// MessageQueueRepo backs the SQL INFO queue driver with the SQLite data mart.
type MessageQueueRepo struct{ DB *sql.DB }

// NewMessageQueueRepo constructs a MessageQueueRepo over the given database.
func NewMessageQueueRepo(db *sql.DB) *MessageQueueRepo { return &MessageQueueRepo{DB: db} }

// EnsureSchema creates the message queue table if missing.
func (r *MessageQueueRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sz_message_queue (
			message_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			message_text    TEXT NOT NULL,
			lease_id        TEXT,
			expire_lease_at TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("op=msgqueue.schema: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS ix_message_queue_lease ON sz_message_queue (lease_id, expire_lease_at)`); err != nil {
		return fmt.Errorf("op=msgqueue.schema.index: %w", err)
	}
	return nil
}

// Enqueue appends a message. Used by operator tooling and tests; the engine
// normally feeds this table directly.
func (r *MessageQueueRepo) Enqueue(ctx context.Context, body json.RawMessage) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO sz_message_queue (message_text) VALUES (?)`, string(body))
	if err != nil {
		return 0, fmt.Errorf("op=msgqueue.enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("op=msgqueue.enqueue.id: %w", err)
	}
	return id, nil
}

// Lease reclaims expired leases and leases up to max available messages.
func (r *MessageQueueRepo) Lease(ctx context.Context, max int, leaseFor time.Duration) ([]dbqueue.Message, error) {
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE sz_message_queue SET lease_id = NULL, expire_lease_at = NULL WHERE expire_lease_at < ?`,
		time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("op=msgqueue.release_expired: %w", err)
	}

	leaseID := lease.NewID()
	expires := time.Now().UTC().Add(leaseFor)
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE sz_message_queue
		    SET lease_id = ?, expire_lease_at = ?
		  WHERE lease_id IS NULL
		    AND message_id IN (
		        SELECT message_id FROM sz_message_queue
		         WHERE lease_id IS NULL ORDER BY message_id LIMIT ?)`,
		leaseID, expires, max); err != nil {
		return nil, fmt.Errorf("op=msgqueue.lease: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT message_id, message_text FROM sz_message_queue WHERE lease_id = ? ORDER BY message_id`,
		leaseID)
	if err != nil {
		return nil, fmt.Errorf("op=msgqueue.lease.query: %w", err)
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
	if _, err := r.DB.ExecContext(ctx,
		`DELETE FROM sz_message_queue WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("op=msgqueue.delete: %w", err)
	}
	return nil
}
