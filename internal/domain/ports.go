package domain

import (
	"context"
	"encoding/json"
	"time"
)

// FollowUpScheduler enqueues follow-up tasks to the durable queue. Handlers
// receive one so that processing a task can spawn deferred work; the enqueue
// persists in its own transaction before the handler returns, so follow-ups
// survive even when the spawning handler subsequently fails.
type FollowUpScheduler interface {
	// ScheduleFollowUp persists a follow-up task (a task without a group).
	ScheduleFollowUp(ctx context.Context, t *Task) error
}

// TaskHandler is the domain collaborator that executes tasks.
//
//go:generate mockery --name=TaskHandler --with-expecter --filename=task_handler_mock.go
type TaskHandler interface {
	// WaitUntilReady blocks until the handler's dependencies are reachable,
	// up to timeout. It returns false when readiness was not achieved.
	WaitUntilReady(ctx context.Context, timeout time.Duration) (bool, error)
	// HandleTask executes one (possibly collapsed) task. multiplicity is the
	// number of collapsed occurrences; followUp may be used to persist new
	// deferred work as a side effect.
	HandleTask(ctx context.Context, action string, params Parameters, multiplicity int, followUp FollowUpScheduler) error
}

// MessageHandler processes one raw queue message body. Returning nil
// acknowledges the message; returning an error leaves it for redelivery.
type MessageHandler func(ctx context.Context, body json.RawMessage) error

// MessageConsumer is the abstract queue driver contract. Implementations pull
// batches, hand each message body to the handler, and acknowledge a message
// only after the handler returns nil.
type MessageConsumer interface {
	// Consume runs the fetch/deliver/acknowledge loop until the context is
	// done or Destroy is called.
	Consume(ctx context.Context, handler MessageHandler) error
	// Destroy stops the consumer. Idempotent; after Destroy the consume loop
	// exits cooperatively.
	Destroy()
}

// FollowUpRow is the durable representation of a follow-up task, exposed for
// the operator diagnostic dump.
type FollowUpRow struct {
	TaskID        int64      `json:"taskId"`
	Signature     string     `json:"signature"`
	AllowCollapse bool       `json:"allowCollapse"`
	LeaseID       *string    `json:"leaseId,omitempty"`
	ExpireLeaseAt *time.Time `json:"expireLeaseAt,omitempty"`
	Multiplicity  int        `json:"multiplicity"`
	JSONText      string     `json:"jsonText"`
	CreatedOn     time.Time  `json:"createdOn"`
	ModifiedOn    time.Time  `json:"modifiedOn"`
}

// FollowUpStore is the durable at-least-once follow-up queue.
//
//go:generate mockery --name=FollowUpStore --with-expecter --filename=follow_up_store_mock.go
type FollowUpStore interface {
	// EnsureSchema creates the follow-up table and indexes if missing. When
	// recreate is true the table is dropped first, clearing all rows.
	EnsureSchema(ctx context.Context, recreate bool) error
	// Enqueue persists a follow-up task, collapsing into an existing
	// unleased row with the same signature when both sides allow it.
	Enqueue(ctx context.Context, t *Task) error
	// Dequeue releases expired leases, then leases up to max available rows
	// for leaseFor and returns them as scheduled tasks.
	Dequeue(ctx context.Context, max int, leaseFor time.Duration) ([]*ScheduledTask, error)
	// Renew extends the leases held by the given tasks by leaseFor.
	Renew(ctx context.Context, tasks []*ScheduledTask, leaseFor time.Duration) error
	// Complete removes the durable row behind a handled follow-up task.
	Complete(ctx context.Context, t *ScheduledTask) error
	// ReleaseExpiredLeases clears leases whose expiration has passed,
	// returning the number of rows reclaimed.
	ReleaseExpiredLeases(ctx context.Context) (int64, error)
	// Count returns the total number of follow-up rows. An error means the
	// count is unknown, not zero.
	Count(ctx context.Context) (int64, error)
	// Dump returns all rows for operator diagnostics.
	Dump(ctx context.Context) ([]FollowUpRow, error)
}
