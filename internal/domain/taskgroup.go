package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskGroupState captures the lifecycle of a task group.
type TaskGroupState string

// Task group lifecycle states.
const (
	GroupOpen       TaskGroupState = "OPEN"
	GroupClosing    TaskGroupState = "CLOSING"
	GroupScheduling TaskGroupState = "SCHEDULING"
	GroupScheduled  TaskGroupState = "SCHEDULED"
	GroupSuccessful TaskGroupState = "SUCCESSFUL"
	GroupFailed     TaskGroupState = "FAILED"
)

// Terminal reports whether the state is final.
func (s TaskGroupState) Terminal() bool {
	return s == GroupSuccessful || s == GroupFailed
}

// TaskGroup is a bag of related tasks submitted together, typically all tasks
// born from one INFO message. Its terminal state gates acknowledgement of the
// source message: the consumer acks only after the group succeeds.
type TaskGroup struct {
	id       string
	fastFail bool

	mu   sync.Mutex
	cond *sync.Cond

	state TaskGroupState
	tasks []*Task

	scheduledCount int
	startedCount   int
	successCount   int
	failureCount   int
	abortedCount   int

	createdAt       time.Time
	closedAt        time.Time
	scheduledAt     time.Time
	firstStartAt    time.Time
	completedAt     time.Time
	totalHandling   time.Duration
	longestHandling time.Duration
	handlingStarts  map[int]time.Time
	handlingSeq     int
}

// NewTaskGroup creates an OPEN group. fastFail controls whether the first
// task failure aborts all remaining tasks that have not started.
func NewTaskGroup(fastFail bool) *TaskGroup {
	g := &TaskGroup{
		id:             uuid.New().String(),
		fastFail:       fastFail,
		state:          GroupOpen,
		createdAt:      time.Now(),
		handlingStarts: make(map[int]time.Time),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// ID returns the group's unique id.
func (g *TaskGroup) ID() string { return g.id }

// FastFail reports whether the group aborts on first failure.
func (g *TaskGroup) FastFail() bool { return g.fastFail }

// State returns the group's current state.
func (g *TaskGroup) State() TaskGroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Tasks returns the group's tasks in submission order.
func (g *TaskGroup) Tasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]*Task, len(g.tasks))
	copy(cp, g.tasks)
	return cp
}

// TaskCount returns the number of tasks in the group.
func (g *TaskGroup) TaskCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// PendingCount returns tasks not yet in a terminal state.
func (g *TaskGroup) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingLocked()
}

func (g *TaskGroup) pendingLocked() int {
	return len(g.tasks) - g.successCount - g.failureCount - g.abortedCount
}

// SuccessCount returns the number of tasks that completed successfully.
func (g *TaskGroup) SuccessCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.successCount
}

// FailureCount returns the number of tasks that failed.
func (g *TaskGroup) FailureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failureCount
}

// AbortedCount returns the number of tasks aborted by fast-fail teardown.
func (g *TaskGroup) AbortedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortedCount
}

func (g *TaskGroup) addTask(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GroupOpen {
		return fmt.Errorf("op=group.add: state %s: %w", g.state, ErrConflict)
	}
	g.tasks = append(g.tasks, t)
	return nil
}

// BeginScheduling transitions the group out of OPEN so the scheduler can admit
// its tasks. An empty group transitions straight to SUCCESSFUL.
func (g *TaskGroup) BeginScheduling() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GroupOpen && g.state != GroupClosing {
		return fmt.Errorf("op=group.begin_scheduling: state %s: %w", g.state, ErrConflict)
	}
	g.closedAt = time.Now()
	if len(g.tasks) == 0 {
		g.state = GroupSuccessful
		g.completedAt = g.closedAt
		g.cond.Broadcast()
		return nil
	}
	g.state = GroupScheduling
	return nil
}

// FinishScheduling transitions SCHEDULING → SCHEDULED after all tasks were
// admitted. Scheduler use only.
func (g *TaskGroup) FinishScheduling() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Terminal() {
		return nil
	}
	if g.state != GroupScheduling {
		return fmt.Errorf("op=group.finish_scheduling: state %s: %w", g.state, ErrConflict)
	}
	g.state = GroupScheduled
	g.scheduledAt = time.Now()
	g.checkCompletionLocked()
	return nil
}

func (g *TaskGroup) taskScheduled() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduledCount++
}

func (g *TaskGroup) taskStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startedCount++
	now := time.Now()
	if g.firstStartAt.IsZero() {
		g.firstStartAt = now
	}
	g.handlingSeq++
	g.handlingStarts[g.handlingSeq] = now
}

func (g *TaskGroup) taskCompleted(success bool) {
	g.mu.Lock()
	now := time.Now()
	// Attribute handling time to the oldest outstanding start. Per-task
	// bookkeeping is not needed for the aggregate statistics.
	var oldestKey int
	var oldest time.Time
	for k, ts := range g.handlingStarts {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest, oldestKey = ts, k
		}
	}
	if !oldest.IsZero() {
		delete(g.handlingStarts, oldestKey)
		d := now.Sub(oldest)
		g.totalHandling += d
		if d > g.longestHandling {
			g.longestHandling = d
		}
	}
	if success {
		g.successCount++
	} else {
		g.failureCount++
	}
	fastFailTriggered := !success && g.fastFail && !g.state.Terminal()
	var toAbort []*Task
	if fastFailTriggered {
		// The group fails immediately; tasks already started run to their
		// natural completion and are still accounted for.
		g.state = GroupFailed
		g.completedAt = now
		for _, t := range g.tasks {
			st := t.State()
			if st == TaskUnscheduled || st == TaskScheduled {
				toAbort = append(toAbort, t)
			}
		}
	}
	g.mu.Unlock()

	// Aborting re-enters the group lock through taskAborted, so it happens
	// outside the critical section above.
	for _, t := range toAbort {
		_ = t.MarkAborted()
	}

	g.mu.Lock()
	g.checkCompletionLocked()
	g.mu.Unlock()
}

func (g *TaskGroup) taskAborted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abortedCount++
	g.checkCompletionLocked()
}

// checkCompletionLocked finalizes the group once no tasks remain pending.
// A fast-failed group is already FAILED; this only wakes waiters once the
// started tasks drain. Callers hold g.mu.
func (g *TaskGroup) checkCompletionLocked() {
	if g.state.Terminal() {
		if g.pendingLocked() == 0 {
			g.cond.Broadcast()
		}
		return
	}
	// Completion is only decidable once the whole group has been admitted.
	if g.state != GroupScheduled {
		return
	}
	if g.pendingLocked() > 0 {
		return
	}
	if g.failureCount > 0 || g.abortedCount > 0 {
		g.state = GroupFailed
	} else {
		g.state = GroupSuccessful
	}
	g.completedAt = time.Now()
	g.cond.Broadcast()
}

// AwaitCompletion blocks until the group reaches a terminal state and all
// member tasks are accounted for, or the context is done. On return without
// error: success + failure + aborted == taskCount and pending == 0.
func (g *TaskGroup) AwaitCompletion(ctx context.Context) (TaskGroupState, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	g.mu.Lock()
	defer g.mu.Unlock()
	for !(g.state.Terminal() && g.pendingLocked() == 0) {
		if err := ctx.Err(); err != nil {
			return g.state, fmt.Errorf("op=group.await: %w", err)
		}
		g.cond.Wait()
	}
	return g.state, nil
}

// Statistics returns the group's timing and accounting statistics. Timing
// statistics that never applied (no pending interval, no handled task) are
// omitted.
func (g *TaskGroup) Statistics() map[Statistic]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	stats := make(map[Statistic]int64)

	closed := g.closedAt
	if closed.IsZero() {
		closed = now
	}
	stats[StatGroupOpenTime] = closed.Sub(g.createdAt).Milliseconds()

	scheduled := g.scheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	stats[StatGroupUnscheduledTime] = scheduled.Sub(closed).Milliseconds()

	if !g.scheduledAt.IsZero() {
		end := g.completedAt
		if end.IsZero() {
			end = now
		}
		stats[StatGroupPendingTime] = end.Sub(g.scheduledAt).Milliseconds()
	}
	if g.totalHandling > 0 {
		stats[StatGroupTotalHandlingTime] = g.totalHandling.Milliseconds()
		stats[StatGroupLongestHandlingTime] = g.longestHandling.Milliseconds()
	}
	end := g.completedAt
	if end.IsZero() {
		end = now
	}
	stats[StatGroupRoundTripTime] = end.Sub(g.createdAt).Milliseconds()
	stats[StatGroupLifespan] = now.Sub(g.createdAt).Milliseconds()
	stats[StatGroupTaskCount] = int64(len(g.tasks))
	stats[StatGroupPendingCount] = int64(g.pendingLocked())
	stats[StatGroupSuccessCount] = int64(g.successCount)
	stats[StatGroupFailureCount] = int64(g.failureCount)
	return stats
}
