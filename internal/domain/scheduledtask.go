package domain

import (
	"fmt"
	"time"
)

// ScheduledTask is the scheduler's view of a task that is ready to run. It
// wraps one or more collapsed originals behind a single delivery with a
// multiplicity, and, for tasks drawn from the durable follow-up queue, the
// row id and lease it runs under.
type ScheduledTask struct {
	backing      []*Task
	multiplicity int

	followUpID   int64
	leaseID      string
	leaseExpires time.Time
}

// NewScheduledTask wraps a group task with multiplicity 1.
func NewScheduledTask(t *Task) *ScheduledTask {
	return &ScheduledTask{backing: []*Task{t}, multiplicity: 1}
}

// NewFollowUpScheduledTask wraps a leased follow-up row. The row's stored
// multiplicity may exceed 1 when enqueues collapsed into it while unleased.
func NewFollowUpScheduledTask(t *Task, multiplicity int, followUpID int64, leaseID string, leaseExpires time.Time) *ScheduledTask {
	if multiplicity < 1 {
		multiplicity = 1
	}
	return &ScheduledTask{
		backing:      []*Task{t},
		multiplicity: multiplicity,
		followUpID:   followUpID,
		leaseID:      leaseID,
		leaseExpires: leaseExpires,
	}
}

// Task returns the primary wrapped task.
func (s *ScheduledTask) Task() *Task { return s.backing[0] }

// BackingTasks returns every original merged into this delivery.
func (s *ScheduledTask) BackingTasks() []*Task {
	cp := make([]*Task, len(s.backing))
	copy(cp, s.backing)
	return cp
}

// Multiplicity returns the number of collapsed occurrences this delivery
// represents. Always at least 1.
func (s *ScheduledTask) Multiplicity() int { return s.multiplicity }

// IsFollowUp reports whether the task is backed by a durable row.
func (s *ScheduledTask) IsFollowUp() bool { return s.followUpID != 0 }

// FollowUpID returns the durable row id, or 0 for group tasks.
func (s *ScheduledTask) FollowUpID() int64 { return s.followUpID }

// LeaseID returns the lease under which a follow-up task runs.
func (s *ScheduledTask) LeaseID() string { return s.leaseID }

// LeaseExpiration returns when the follow-up lease lapses.
func (s *ScheduledTask) LeaseExpiration() time.Time { return s.leaseExpires }

// RenewLease records a refreshed lease expiration.
func (s *ScheduledTask) RenewLease(expires time.Time) { s.leaseExpires = expires }

// CollapseWith merges another occurrence of the same work into this delivery.
// Both sides must allow collapsing and share the same signature.
func (s *ScheduledTask) CollapseWith(t *Task) error {
	if !s.Task().AllowCollapse() || !t.AllowCollapse() {
		return fmt.Errorf("op=scheduled.collapse: collapse not allowed: %w", ErrConflict)
	}
	if s.Task().Signature() != t.Signature() {
		return fmt.Errorf("op=scheduled.collapse: signature mismatch: %w", ErrConflict)
	}
	s.backing = append(s.backing, t)
	s.multiplicity++
	return nil
}

// MarkStarted transitions every backing task to STARTED.
func (s *ScheduledTask) MarkStarted() {
	for _, t := range s.backing {
		_ = t.MarkStarted()
	}
}

// MarkCompleted records the handler outcome on every backing task.
func (s *ScheduledTask) MarkCompleted(handlerErr error) {
	for _, t := range s.backing {
		_ = t.MarkCompleted(handlerErr)
	}
}
