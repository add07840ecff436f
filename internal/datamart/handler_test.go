package datamart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
)

// fakeStore is an in-memory datamart.Store for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	entities map[int64]EntityState
	deltas   [][]ReportDelta
	recalcs  []string
	pingErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: make(map[int64]EntityState)}
}

func (s *fakeStore) EnsureSchema(context.Context, bool) error { return nil }

func (s *fakeStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeStore) GetEntityState(_ context.Context, entityID int64) (EntityState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entities[entityID]
	if !ok {
		return EntityState{EntityID: entityID}, false, nil
	}
	return state, true, nil
}

func (s *fakeStore) ReplaceEntity(_ context.Context, state EntityState, deltas []ReportDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[state.EntityID] = state
	s.deltas = append(s.deltas, deltas)
	return nil
}

func (s *fakeStore) DeleteEntity(_ context.Context, entityID int64, deltas []ReportDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, entityID)
	s.deltas = append(s.deltas, deltas)
	return nil
}

func (s *fakeStore) RecalcSourceSummary(_ context.Context, dataSource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recalcs = append(s.recalcs, dataSource)
	return nil
}

func (s *fakeStore) ReportRows(context.Context, string, string, int, int) ([]ReportRow, int64, error) {
	return nil, 0, nil
}

// fakeEngine serves scripted entity states.
type fakeEngine struct {
	mu       sync.Mutex
	entities map[int64]EntityState
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{entities: make(map[int64]EntityState)}
}

func (e *fakeEngine) GetEntity(_ context.Context, entityID int64) (EntityState, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return EntityState{}, false, e.err
	}
	state, ok := e.entities[entityID]
	return state, ok, nil
}

// fakeFollowUps records scheduled follow-up tasks.
type fakeFollowUps struct {
	mu    sync.Mutex
	tasks []*domain.Task
}

func (f *fakeFollowUps) ScheduleFollowUp(_ context.Context, t *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

func TestHandlerRefreshEntityStoresEngineState(t *testing.T) {
	store := newFakeStore()
	eng := newFakeEngine()
	eng.entities[100] = EntityState{
		EntityID: 100,
		Records:  []RecordRef{{DataSource: "CUSTOMERS", RecordID: "c-1"}},
	}
	h := NewHandler(store, eng)
	followUps := &fakeFollowUps{}

	params, err := domain.NewParameters().Int("entityId", 100).Build()
	require.NoError(t, err)
	require.NoError(t, h.HandleTask(context.Background(), ActionRefreshEntity, params, 1, followUps))

	stored, ok := store.entities[100]
	require.True(t, ok)
	assert.Len(t, stored.Records, 1)
	require.Len(t, store.deltas, 1)
	assert.NotEmpty(t, store.deltas[0])

	// One recalc follow-up per touched source.
	require.Len(t, followUps.tasks, 1)
	assert.Equal(t, ActionRecalcSourceSum, followUps.tasks[0].Action())
	assert.Equal(t, "CUSTOMERS", followUps.tasks[0].Parameters().GetString("dataSource"))
	assert.True(t, followUps.tasks[0].IsFollowUp())
}

func TestHandlerRefreshMissingEntityDeletes(t *testing.T) {
	store := newFakeStore()
	store.entities[100] = EntityState{
		EntityID: 100,
		Records:  []RecordRef{{DataSource: "CUSTOMERS", RecordID: "c-1"}},
	}
	h := NewHandler(store, newFakeEngine())

	params, err := domain.NewParameters().Int("entityId", 100).Build()
	require.NoError(t, err)
	require.NoError(t, h.HandleTask(context.Background(), ActionRefreshEntity, params, 2, nil))

	_, ok := store.entities[100]
	assert.False(t, ok)
}

func TestHandlerDeleteEntityRemovesStoredState(t *testing.T) {
	store := newFakeStore()
	store.entities[100] = EntityState{
		EntityID: 100,
		Records:  []RecordRef{{DataSource: "CUSTOMERS", RecordID: "c-1"}},
	}
	h := NewHandler(store, newFakeEngine())

	params, err := domain.NewParameters().Int("entityId", 100).Build()
	require.NoError(t, err)
	require.NoError(t, h.HandleTask(context.Background(), ActionDeleteEntity, params, 1, nil))

	_, ok := store.entities[100]
	assert.False(t, ok)
	require.Len(t, store.deltas, 1)
	assert.NotEmpty(t, store.deltas[0])
}

func TestHandlerDeleteEntityReconcilesSurvivor(t *testing.T) {
	store := newFakeStore()
	store.entities[100] = EntityState{
		EntityID: 100,
		Records: []RecordRef{
			{DataSource: "CUSTOMERS", RecordID: "c-1"},
			{DataSource: "CUSTOMERS", RecordID: "c-2"},
		},
	}
	eng := newFakeEngine()
	eng.entities[100] = EntityState{
		EntityID: 100,
		Records:  []RecordRef{{DataSource: "CUSTOMERS", RecordID: "c-2"}},
	}
	h := NewHandler(store, eng)

	params, err := domain.NewParameters().Int("entityId", 100).Build()
	require.NoError(t, err)
	require.NoError(t, h.HandleTask(context.Background(), ActionDeleteEntity, params, 1, nil))

	// The entity still resolves from its remaining record, so the mart keeps
	// it and reconciles instead of dropping.
	stored, ok := store.entities[100]
	require.True(t, ok)
	assert.Len(t, stored.Records, 1)
	assert.Equal(t, "c-2", stored.Records[0].RecordID)
}

func TestHandlerDeleteEntityIdempotent(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, newFakeEngine())

	params, err := domain.NewParameters().Int("entityId", 55).Build()
	require.NoError(t, err)
	// Deleting an absent entity is a no-op, not an error.
	require.NoError(t, h.HandleTask(context.Background(), ActionDeleteEntity, params, 1, nil))
	assert.Empty(t, store.deltas)
}

func TestHandlerRecalcAction(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, newFakeEngine())

	params, err := domain.NewParameters().String("dataSource", "WATCHLIST").Build()
	require.NoError(t, err)
	require.NoError(t, h.HandleTask(context.Background(), ActionRecalcSourceSum, params, 3, nil))
	assert.Equal(t, []string{"WATCHLIST"}, store.recalcs)
}

func TestHandlerUnknownActionFails(t *testing.T) {
	h := NewHandler(newFakeStore(), newFakeEngine())
	err := h.HandleTask(context.Background(), "NOPE", domain.Parameters{}, 1, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHandlerMissingEntityIDFails(t *testing.T) {
	h := NewHandler(newFakeStore(), newFakeEngine())
	err := h.HandleTask(context.Background(), ActionRefreshEntity, domain.Parameters{}, 1, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHandlerEngineErrorPropagates(t *testing.T) {
	eng := newFakeEngine()
	eng.err = errors.New("engine unavailable")
	h := NewHandler(newFakeStore(), eng)

	params, err := domain.NewParameters().Int("entityId", 1).Build()
	require.NoError(t, err)
	err = h.HandleTask(context.Background(), ActionRefreshEntity, params, 1, nil)
	assert.ErrorIs(t, err, eng.err)
}

func TestHandlerWaitUntilReady(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, newFakeEngine())

	ready, err := h.WaitUntilReady(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestHandlerWaitUntilReadyTimesOut(t *testing.T) {
	store := newFakeStore()
	store.pingErr = errors.New("connection refused")
	h := NewHandler(store, newFakeEngine())

	ready, err := h.WaitUntilReady(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)
}
