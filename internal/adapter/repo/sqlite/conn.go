// Package sqlite provides SQLite adapters for the data-mart database,
// mirroring the PostgreSQL package for single-file deployments.
//
// SQLite's single-writer lock stands in for FOR UPDATE SKIP LOCKED: lease
// updates are serialized by the database itself. Timestamps are bound in UTC
// by the application; follow_up_tasks.modified_on is maintained by a trigger.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// Open opens (creating if needed) the SQLite database file with the pragmas
// this application relies on.
func Open(ctx context.Context, file string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_loc=UTC&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", file)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY churn under the
	// scheduler's concurrent short transactions.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.open.ping: %w", err)
	}
	return db, nil
}
