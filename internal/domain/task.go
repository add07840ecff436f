package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// TaskState captures the lifecycle of a single task.
type TaskState string

// Task lifecycle states.
const (
	TaskUnscheduled TaskState = "UNSCHEDULED"
	TaskScheduled   TaskState = "SCHEDULED"
	TaskStarted     TaskState = "STARTED"
	TaskSuccessful  TaskState = "SUCCESSFUL"
	TaskFailed      TaskState = "FAILED"
	TaskAborted     TaskState = "ABORTED"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskSuccessful || s == TaskFailed || s == TaskAborted
}

// Task is an immutable unit of work: an action name, canonical parameters,
// and the resource keys the handler must hold while running it. A task bound
// to a TaskGroup has synchronous semantics within its group; a task without
// one is a follow-up task persisted to the durable queue.
type Task struct {
	action        string
	params        Parameters
	resources     []ResourceKey
	group         *TaskGroup
	allowCollapse bool
	signature     string

	mu    sync.Mutex
	state TaskState
	err   error
}

// NewTask constructs a follow-up task (no group).
func NewTask(action string, params Parameters, resources []ResourceKey, allowCollapse bool) (*Task, error) {
	return newTask(action, params, resources, nil, allowCollapse)
}

// NewGroupTask constructs a task bound to group. The task is registered with
// the group, which must still be OPEN.
func NewGroupTask(group *TaskGroup, action string, params Parameters, resources []ResourceKey, allowCollapse bool) (*Task, error) {
	if group == nil {
		return nil, fmt.Errorf("op=task.new: nil group: %w", ErrInvalidArgument)
	}
	t, err := newTask(action, params, resources, group, allowCollapse)
	if err != nil {
		return nil, err
	}
	if err := group.addTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

func newTask(action string, params Parameters, resources []ResourceKey, group *TaskGroup, allowCollapse bool) (*Task, error) {
	if strings.TrimSpace(action) == "" {
		return nil, fmt.Errorf("op=task.new: empty action: %w", ErrInvalidArgument)
	}
	keys := make([]ResourceKey, len(resources))
	copy(keys, resources)
	keys = SortResourceKeys(keys)
	t := &Task{
		action:        action,
		params:        params,
		resources:     keys,
		group:         group,
		allowCollapse: allowCollapse,
		state:         TaskUnscheduled,
	}
	t.signature = computeSignature(action, params, keys)
	return t, nil
}

func computeSignature(action string, params Parameters, sortedKeys []ResourceKey) string {
	var sb strings.Builder
	sb.WriteString(`{"action":`)
	writeJSONString(&sb, action)
	sb.WriteString(`,"parameters":`)
	sb.WriteString(params.CanonicalJSON())
	sb.WriteString(`,"resources":[`)
	for i, k := range sortedKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeJSONString(&sb, k.String())
	}
	sb.WriteString(`]}`)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Action returns the handler action name.
func (t *Task) Action() string { return t.action }

// Parameters returns the task parameters.
func (t *Task) Parameters() Parameters { return t.params }

// ResourceKeys returns the task's resource keys in natural order.
func (t *Task) ResourceKeys() []ResourceKey {
	cp := make([]ResourceKey, len(t.resources))
	copy(cp, t.resources)
	return cp
}

// Group returns the owning TaskGroup, or nil for a follow-up task.
func (t *Task) Group() *TaskGroup { return t.group }

// IsFollowUp reports whether the task has no group.
func (t *Task) IsFollowUp() bool { return t.group == nil }

// AllowCollapse reports whether the task may be merged with an identical one.
func (t *Task) AllowCollapse() bool { return t.allowCollapse }

// Signature returns the stable hash identifying tasks eligible to collapse.
func (t *Task) Signature() string { return t.signature }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the handler error recorded for a FAILED task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// MarkScheduled transitions UNSCHEDULED → SCHEDULED. Scheduler use only.
func (t *Task) MarkScheduled() error {
	if err := t.transition(TaskUnscheduled, TaskScheduled); err != nil {
		return err
	}
	if t.group != nil {
		t.group.taskScheduled()
	}
	return nil
}

// MarkStarted transitions SCHEDULED → STARTED. Scheduler use only.
func (t *Task) MarkStarted() error {
	if err := t.transition(TaskScheduled, TaskStarted); err != nil {
		return err
	}
	if t.group != nil {
		t.group.taskStarted()
	}
	return nil
}

// MarkCompleted transitions STARTED → SUCCESSFUL or FAILED, recording the
// handler error on failure. Scheduler use only.
func (t *Task) MarkCompleted(handlerErr error) error {
	next := TaskSuccessful
	if handlerErr != nil {
		next = TaskFailed
	}
	t.mu.Lock()
	if t.state != TaskStarted {
		cur := t.state
		t.mu.Unlock()
		return fmt.Errorf("op=task.complete: state %s: %w", cur, ErrConflict)
	}
	t.state = next
	t.err = handlerErr
	t.mu.Unlock()
	if t.group != nil {
		t.group.taskCompleted(handlerErr == nil)
	}
	return nil
}

// MarkAborted transitions a not-yet-started task to ABORTED. Used by fast-fail
// group teardown. Scheduler use only.
func (t *Task) MarkAborted() error {
	t.mu.Lock()
	if t.state != TaskUnscheduled && t.state != TaskScheduled {
		cur := t.state
		t.mu.Unlock()
		return fmt.Errorf("op=task.abort: state %s: %w", cur, ErrConflict)
	}
	t.state = TaskAborted
	t.mu.Unlock()
	if t.group != nil {
		t.group.taskAborted()
	}
	return nil
}

func (t *Task) transition(from, to TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return fmt.Errorf("op=task.transition: %s -> %s blocked by state %s: %w", from, to, t.state, ErrConflict)
	}
	t.state = to
	return nil
}

// taskEnvelope is the durable JSON form of a task, used by the follow-up
// store. Groups are never persisted: a round-tripped task is a follow-up task.
type taskEnvelope struct {
	Action        string     `json:"action"`
	Parameters    Parameters `json:"parameters"`
	Resources     []string   `json:"resources"`
	AllowCollapse bool       `json:"allowCollapse"`
}

// MarshalJSON serializes the task for durable storage.
func (t *Task) MarshalJSON() ([]byte, error) {
	res := make([]string, len(t.resources))
	for i, k := range t.resources {
		res[i] = k.String()
	}
	return json.Marshal(taskEnvelope{
		Action:        t.action,
		Parameters:    t.params,
		Resources:     res,
		AllowCollapse: t.allowCollapse,
	})
}

// UnmarshalTask restores a follow-up task from its durable JSON form.
func UnmarshalTask(data []byte) (*Task, error) {
	var env taskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("op=task.unmarshal: %w", err)
	}
	keys := make([]ResourceKey, 0, len(env.Resources))
	for _, s := range env.Resources {
		parts := strings.Split(s, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("op=task.unmarshal: malformed resource %q: %w", s, ErrInvalidArgument)
		}
		k, err := NewResourceKey(ResourceKind(parts[0]), parts[1:]...)
		if err != nil {
			return nil, fmt.Errorf("op=task.unmarshal: resource %q: %w", s, err)
		}
		keys = append(keys, k)
	}
	return NewTask(env.Action, env.Parameters, keys, env.AllowCollapse)
}
