package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
)

// State captures the scheduling service lifecycle.
type State string

// Scheduling service states.
const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StateActive        State = "ACTIVE"
	StateDestroying    State = "DESTROYING"
	StateDestroyed     State = "DESTROYED"
)

// Config tunes the scheduling service. Zero values fall back to the named
// defaults.
type Config struct {
	// Concurrency is the handler worker count.
	Concurrency int
	// StandardTimeout bounds how long an idle worker waits before rescanning.
	StandardTimeout time.Duration
	// PostponedTimeout is the retry interval for resource-blocked tasks.
	PostponedTimeout time.Duration
	// FollowUpDelay debounces follow-up polls that found nothing.
	FollowUpDelay time.Duration
	// FollowUpTimeout is the lease duration granted on follow-up rows.
	FollowUpTimeout time.Duration
	// FollowUpFetch is the max rows leased per poll.
	FollowUpFetch int
	// ReadyTimeout bounds the handler readiness wait during Init.
	ReadyTimeout time.Duration
	// ShutdownGrace bounds how long Destroy waits for in-flight handlers.
	ShutdownGrace time.Duration
}

// Defaults for Config fields.
const (
	DefaultConcurrency      = 8
	DefaultStandardTimeout  = 3 * time.Second
	DefaultPostponedTimeout = 1 * time.Second
	DefaultFollowUpDelay    = 200 * time.Millisecond
	DefaultFollowUpTimeout  = 30 * time.Second
	DefaultFollowUpFetch    = 10
	DefaultReadyTimeout     = 30 * time.Second
	DefaultShutdownGrace    = 15 * time.Second
)

// DefaultConfig returns the named defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency,
		StandardTimeout:  DefaultStandardTimeout,
		PostponedTimeout: DefaultPostponedTimeout,
		FollowUpDelay:    DefaultFollowUpDelay,
		FollowUpTimeout:  DefaultFollowUpTimeout,
		FollowUpFetch:    DefaultFollowUpFetch,
		ReadyTimeout:     DefaultReadyTimeout,
		ShutdownGrace:    DefaultShutdownGrace,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.StandardTimeout <= 0 {
		c.StandardTimeout = d.StandardTimeout
	}
	if c.PostponedTimeout <= 0 {
		c.PostponedTimeout = d.PostponedTimeout
	}
	if c.FollowUpDelay <= 0 {
		c.FollowUpDelay = d.FollowUpDelay
	}
	if c.FollowUpTimeout <= 0 {
		c.FollowUpTimeout = d.FollowUpTimeout
	}
	if c.FollowUpFetch <= 0 {
		c.FollowUpFetch = d.FollowUpFetch
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
}

type postponedEntry struct {
	st      *domain.ScheduledTask
	retryAt time.Time
}

// Service is the scheduling core. A single monitor guards the ready queues,
// the postponement queue, the lock table, and the state enum; workers hold it
// only for queue and state manipulation, never across a handler call or a SQL
// round-trip.
type Service struct {
	cfg     Config
	handler domain.TaskHandler
	store   domain.FollowUpStore

	mu   sync.Mutex
	cond *sync.Cond

	state            State
	locks            *resourceLocks
	ready            []*domain.ScheduledTask
	readyFollowUp    []*domain.ScheduledTask
	postponed        []postponedEntry
	leasedFollowUps  map[int64]*domain.ScheduledTask
	dispatched       int
	remaining        int
	completeCount    int64
	successCount     int64
	lastActivityNano int64
	ownerSeq         int64

	baseCtx     context.Context
	stopCh      chan struct{}
	stopOnce    sync.Once
	destroyedCh chan struct{}
	wg          sync.WaitGroup
}

// New creates an UNINITIALIZED service. Call Init before committing work.
func New(cfg Config, handler domain.TaskHandler, store domain.FollowUpStore) *Service {
	cfg.normalize()
	s := &Service{
		cfg:              cfg,
		handler:          handler,
		store:            store,
		state:            StateUninitialized,
		locks:            newResourceLocks(),
		leasedFollowUps:  make(map[int64]*domain.ScheduledTask),
		lastActivityNano: -1,
		stopCh:           make(chan struct{}),
		destroyedCh:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the service's current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init prepares the durable schema, waits for the handler to become ready,
// and starts the worker pool and follow-up poller. It requires the
// UNINITIALIZED state.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("op=scheduler.init: state %s: %w", st, domain.ErrConflict)
	}
	s.mu.Unlock()

	if err := s.store.EnsureSchema(ctx, false); err != nil {
		return fmt.Errorf("op=scheduler.init: %w", err)
	}
	ready, err := s.handler.WaitUntilReady(ctx, s.cfg.ReadyTimeout)
	if err != nil {
		return fmt.Errorf("op=scheduler.init: handler readiness: %w", err)
	}
	if !ready {
		return fmt.Errorf("op=scheduler.init: handler not ready within %s: %w", s.cfg.ReadyTimeout, domain.ErrUnavailable)
	}

	// Handlers run to completion once started; dispatch must not inherit a
	// request-scoped cancellation.
	s.baseCtx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(2)
	go s.followUpPoller()
	go s.wakeTicker()

	slog.Info("scheduling service initialized",
		slog.Int("concurrency", s.cfg.Concurrency),
		slog.Duration("standard_timeout", s.cfg.StandardTimeout),
		slog.Duration("postponed_timeout", s.cfg.PostponedTimeout),
		slog.Duration("follow_up_delay", s.cfg.FollowUpDelay),
		slog.Duration("follow_up_timeout", s.cfg.FollowUpTimeout),
		slog.Int("follow_up_fetch", s.cfg.FollowUpFetch))
	return nil
}

// Commit admits every unscheduled task of the group, collapsing duplicates
// into pending deliveries, and closes the group. The whole group is admitted
// under the scheduler monitor, so none of its tasks is dispatched before
// admission ends; dispatch may begin before Commit itself returns. Callers
// observe completion through the group.
func (s *Service) Commit(ctx context.Context, g *domain.TaskGroup) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("op=scheduler.commit: %w", err)
	}
	s.mu.Lock()
	if s.state != StateReady && s.state != StateActive {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("op=scheduler.commit: state %s: %w", st, domain.ErrConflict)
	}
	s.mu.Unlock()

	if err := g.BeginScheduling(); err != nil {
		return err
	}
	if g.State().Terminal() {
		// Empty group; nothing to admit.
		return nil
	}

	s.mu.Lock()
	for _, t := range g.Tasks() {
		if t.State() != domain.TaskUnscheduled {
			continue
		}
		if err := t.MarkScheduled(); err != nil {
			// Aborted by a concurrent fast-fail before admission.
			continue
		}
		s.admitLocked(t)
	}
	s.touchActivityLocked()
	s.updateStateLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	if err := g.FinishScheduling(); err != nil {
		return err
	}
	return nil
}

// admitLocked collapses t into a pending delivery when possible, otherwise
// enqueues a fresh one. Callers hold s.mu.
func (s *Service) admitLocked(t *domain.Task) {
	if t.AllowCollapse() {
		for _, st := range s.ready {
			if st.Task().AllowCollapse() && st.Task().Signature() == t.Signature() {
				if err := st.CollapseWith(t); err == nil {
					s.remaining++
					return
				}
			}
		}
		for i := range s.postponed {
			st := s.postponed[i].st
			if st.IsFollowUp() {
				continue
			}
			if st.Task().AllowCollapse() && st.Task().Signature() == t.Signature() {
				if err := st.CollapseWith(t); err == nil {
					s.remaining++
					return
				}
			}
		}
	}
	s.ready = append(s.ready, domain.NewScheduledTask(t))
	s.remaining++
	observability.SchedulerTasksAdmitted.Inc()
}

// ScheduleFollowUp persists a follow-up task to the durable queue. It is also
// the FollowUpScheduler handed to handlers, so deferred work spawned during
// handling survives a subsequent handler failure.
func (s *Service) ScheduleFollowUp(ctx context.Context, t *domain.Task) error {
	if t == nil || !t.IsFollowUp() {
		return fmt.Errorf("op=scheduler.follow_up: task must have no group: %w", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.state == StateDestroying || s.state == StateDestroyed {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("op=scheduler.follow_up: state %s: %w", st, domain.ErrConflict)
	}
	s.mu.Unlock()
	if err := s.store.Enqueue(ctx, t); err != nil {
		return err
	}
	observability.FollowUpEnqueuedTotal.Inc()
	return nil
}

// worker is one dispatch loop: pick a ready task, take its resources, run the
// handler, release, account.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var st *domain.ScheduledTask
		var owner string
		for {
			if s.state == StateDestroying || s.state == StateDestroyed {
				s.mu.Unlock()
				return
			}
			s.ownerSeq++
			owner = fmt.Sprintf("dispatch-%d", s.ownerSeq)
			if st = s.nextLocked(owner); st != nil {
				break
			}
			// The wake ticker bounds this wait to roughly StandardTimeout.
			s.cond.Wait()
		}
		s.dispatched++
		s.touchActivityLocked()
		s.updateStateLocked()
		s.mu.Unlock()

		s.runTask(st, owner, id)
	}
}

// nextLocked returns a dispatchable task with its resources acquired, or nil.
// Group tasks are preferred over follow-up tasks to keep submitter latency
// low. Blocked tasks move to the postponement queue. Callers hold s.mu.
func (s *Service) nextLocked(owner string) *domain.ScheduledTask {
	now := time.Now()

	for len(s.ready) > 0 {
		st := s.ready[0]
		s.ready = s.ready[1:]
		if s.dropAbortedLocked(st) {
			continue
		}
		if s.locks.tryAcquire(st.Task().ResourceKeys(), owner) {
			return st
		}
		s.postponed = append(s.postponed, postponedEntry{st: st, retryAt: now.Add(s.cfg.PostponedTimeout)})
		observability.SchedulerTasksPostponed.Inc()
	}

	for i := 0; i < len(s.postponed); i++ {
		pe := s.postponed[i]
		if !pe.st.IsFollowUp() && s.dropAbortedLocked(pe.st) {
			s.postponed = append(s.postponed[:i], s.postponed[i+1:]...)
			i--
			continue
		}
		if pe.retryAt.After(now) {
			continue
		}
		if s.locks.tryAcquire(pe.st.Task().ResourceKeys(), owner) {
			s.postponed = append(s.postponed[:i], s.postponed[i+1:]...)
			return pe.st
		}
		s.postponed[i].retryAt = now.Add(s.cfg.PostponedTimeout)
	}

	for len(s.readyFollowUp) > 0 {
		st := s.readyFollowUp[0]
		s.readyFollowUp = s.readyFollowUp[1:]
		if s.locks.tryAcquire(st.Task().ResourceKeys(), owner) {
			return st
		}
		s.postponed = append(s.postponed, postponedEntry{st: st, retryAt: now.Add(s.cfg.PostponedTimeout)})
		observability.SchedulerTasksPostponed.Inc()
	}
	return nil
}

// dropAbortedLocked discards a group delivery whose backing tasks were all
// aborted by fast-fail teardown before dispatch. Callers hold s.mu.
func (s *Service) dropAbortedLocked(st *domain.ScheduledTask) bool {
	if st.IsFollowUp() {
		return false
	}
	for _, t := range st.BackingTasks() {
		if !t.State().Terminal() {
			return false
		}
	}
	s.remaining -= len(st.BackingTasks())
	return true
}

func (s *Service) runTask(st *domain.ScheduledTask, owner string, workerID int) {
	t := st.Task()
	st.MarkStarted()
	start := time.Now()
	err := s.handler.HandleTask(s.baseCtx, t.Action(), t.Parameters(), st.Multiplicity(), s)
	elapsed := time.Since(start)
	st.MarkCompleted(err)

	observability.HandlerDuration.WithLabelValues(t.Action()).Observe(elapsed.Seconds())
	if err != nil {
		observability.SchedulerTasksFailed.WithLabelValues(t.Action()).Inc()
		slog.Error("task handling failed",
			slog.Int("worker", workerID),
			slog.String("action", t.Action()),
			slog.String("signature", t.Signature()),
			slog.Int("multiplicity", st.Multiplicity()),
			slog.Bool("follow_up", st.IsFollowUp()),
			slog.Any("error", err))
	}

	if st.IsFollowUp() {
		if err == nil {
			if cerr := s.store.Complete(s.baseCtx, st); cerr != nil {
				// The lease lapses and the row is re-handled; at-least-once
				// semantics make that safe.
				slog.Warn("follow-up completion failed; row will be re-leased",
					slog.Int64("task_id", st.FollowUpID()),
					slog.Any("error", cerr))
			}
		}
	}

	s.mu.Lock()
	s.locks.releaseAll(owner)
	s.dispatched--
	s.completeCount++
	if err == nil {
		s.successCount++
	}
	if st.IsFollowUp() {
		delete(s.leasedFollowUps, st.FollowUpID())
	} else {
		s.remaining -= len(st.BackingTasks())
	}
	s.touchActivityLocked()
	s.updateStateLocked()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// followUpPoller drains the durable queue: reclaims expired leases, renews
// leases the service still holds, and leases fresh rows when the local
// follow-up backlog is empty.
func (s *Service) followUpPoller() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.renewHeldLeases()

		s.mu.Lock()
		backlog := len(s.readyFollowUp)
		for _, pe := range s.postponed {
			if pe.st.IsFollowUp() {
				backlog++
			}
		}
		s.mu.Unlock()

		fetched := 0
		if backlog == 0 {
			tasks, err := s.store.Dequeue(s.pollCtx(), s.cfg.FollowUpFetch, s.cfg.FollowUpTimeout)
			if err != nil {
				slog.Warn("follow-up dequeue failed", slog.Any("error", err))
			} else if len(tasks) > 0 {
				s.mu.Lock()
				for _, st := range tasks {
					_ = st.Task().MarkScheduled()
					s.readyFollowUp = append(s.readyFollowUp, st)
					s.leasedFollowUps[st.FollowUpID()] = st
				}
				s.touchActivityLocked()
				s.updateStateLocked()
				s.cond.Broadcast()
				s.mu.Unlock()
				fetched = len(tasks)
				observability.FollowUpLeasedTotal.Add(float64(fetched))
			}
		}

		if fetched == 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(s.cfg.FollowUpDelay):
			}
		}
	}
}

// renewHeldLeases extends leases that are past half their duration.
func (s *Service) renewHeldLeases() {
	s.mu.Lock()
	var due []*domain.ScheduledTask
	threshold := time.Now().Add(s.cfg.FollowUpTimeout / 2)
	for _, st := range s.leasedFollowUps {
		if st.LeaseExpiration().Before(threshold) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}
	if err := s.store.Renew(s.pollCtx(), due, s.cfg.FollowUpTimeout); err != nil {
		slog.Warn("follow-up lease renewal failed", slog.Int("tasks", len(due)), slog.Any("error", err))
	}
}

func (s *Service) pollCtx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// wakeTicker periodically broadcasts the scheduler condition so idle workers
// rescan within StandardTimeout and postponed tasks are retried within
// PostponedTimeout.
func (s *Service) wakeTicker() {
	defer s.wg.Done()
	interval := s.cfg.PostponedTimeout
	if s.cfg.StandardTimeout < interval {
		interval = s.cfg.StandardTimeout
	}
	interval /= 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// Destroy stops the service: it transitions to DESTROYING, wakes every
// waiter, waits up to ShutdownGrace for in-flight handlers, and finalizes as
// DESTROYED. Safe to call from any thread and idempotent.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	if s.state == StateDestroying {
		s.mu.Unlock()
		<-s.destroyedCh
		return
	}
	s.state = StateDestroying
	s.cond.Broadcast()
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		slog.Warn("scheduler destroy grace elapsed with handlers in flight",
			slog.Duration("grace", s.cfg.ShutdownGrace))
	}

	s.mu.Lock()
	s.state = StateDestroyed
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.destroyedCh)
	slog.Info("scheduling service destroyed")
}

func (s *Service) touchActivityLocked() {
	s.lastActivityNano = time.Now().UnixNano()
}

func (s *Service) updateStateLocked() {
	if s.state != StateReady && s.state != StateActive {
		return
	}
	busy := len(s.ready) + len(s.readyFollowUp) + len(s.postponed) + s.dispatched
	if busy > 0 {
		s.state = StateActive
	} else {
		s.state = StateReady
	}
	observability.SchedulerPendingTasks.Set(float64(s.remaining))
}

// GetRemainingTasksCount returns group tasks not yet terminal, including
// in-progress ones.
func (s *Service) GetRemainingTasksCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// GetRemainingFollowUpTasksCount returns the durable follow-up row count. An
// error means the count is unknown, not zero.
func (s *Service) GetRemainingFollowUpTasksCount(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// GetAllRemainingTasksCount sums the in-memory and durable counts, treating
// an unknown durable count as zero.
func (s *Service) GetAllRemainingTasksCount(ctx context.Context) int64 {
	total := int64(s.GetRemainingTasksCount())
	if n, err := s.store.Count(ctx); err == nil {
		total += n
	}
	return total
}

// GetLastTaskActivityNanoTime returns the wall-clock nanos of the last
// scheduling activity, or -1 before any task was scheduled.
func (s *Service) GetLastTaskActivityNanoTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityNano
}

// Statistics exposes the service's configuration and counters.
func (s *Service) Statistics() map[domain.Statistic]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[domain.Statistic]int64{
		domain.StatSchedulerConcurrency:      int64(s.cfg.Concurrency),
		domain.StatSchedulerStandardTimeout:  s.cfg.StandardTimeout.Milliseconds(),
		domain.StatSchedulerPostponedTimeout: s.cfg.PostponedTimeout.Milliseconds(),
		domain.StatSchedulerFollowUpDelay:    s.cfg.FollowUpDelay.Milliseconds(),
		domain.StatSchedulerFollowUpTimeout:  s.cfg.FollowUpTimeout.Milliseconds(),
		domain.StatSchedulerTaskComplete:     s.completeCount,
		domain.StatSchedulerTaskSuccess:      s.successCount,
	}
}
