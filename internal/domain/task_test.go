package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParams(t *testing.T, b *ParametersBuilder) Parameters {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestSignatureDeterminism(t *testing.T) {
	keysA := []ResourceKey{EntityKey(100), RecordKey("CUSTOMERS", "r-1")}
	keysB := []ResourceKey{RecordKey("CUSTOMERS", "r-1"), EntityKey(100)}

	a, err := NewTask("APPLY",
		mustParams(t, NewParameters().Int("entityId", 100).String("src", "CUSTOMERS")),
		keysA, true)
	require.NoError(t, err)

	b, err := NewTask("APPLY",
		mustParams(t, NewParameters().String("src", "CUSTOMERS").Int("entityId", 100)),
		keysB, true)
	require.NoError(t, err)

	assert.Equal(t, a.Signature(), b.Signature())
	assert.Len(t, a.Signature(), 64)
}

func TestSignatureDiffersByAction(t *testing.T) {
	params := mustParams(t, NewParameters().Int("entityId", 5))
	keys := []ResourceKey{EntityKey(5)}

	a, err := NewTask("A", params, keys, true)
	require.NoError(t, err)
	b, err := NewTask("B", params, keys, true)
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature(), b.Signature())
}

func TestSignatureDiffersByResources(t *testing.T) {
	params := mustParams(t, NewParameters().Int("entityId", 5))

	a, err := NewTask("A", params, []ResourceKey{EntityKey(5)}, true)
	require.NoError(t, err)
	b, err := NewTask("A", params, []ResourceKey{EntityKey(6)}, true)
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature(), b.Signature())
}

func TestTaskStateTransitions(t *testing.T) {
	task, err := NewTask("A", Parameters{}, []ResourceKey{EntityKey(1)}, false)
	require.NoError(t, err)
	assert.Equal(t, TaskUnscheduled, task.State())

	require.NoError(t, task.MarkScheduled())
	assert.Equal(t, TaskScheduled, task.State())

	require.NoError(t, task.MarkStarted())
	assert.Equal(t, TaskStarted, task.State())

	require.NoError(t, task.MarkCompleted(nil))
	assert.Equal(t, TaskSuccessful, task.State())
	assert.True(t, task.State().Terminal())

	// Terminal tasks reject further transitions.
	assert.ErrorIs(t, task.MarkStarted(), ErrConflict)
	assert.ErrorIs(t, task.MarkAborted(), ErrConflict)
}

func TestTaskEmptyActionRejected(t *testing.T) {
	_, err := NewTask("  ", Parameters{}, nil, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTaskMarshalRoundTripPreservesSignature(t *testing.T) {
	orig, err := NewTask("F",
		mustParams(t, NewParameters().String("k", "v").Int("n", 42)),
		[]ResourceKey{EntityKey(7), RecordKey("WATCHLIST", "w-9")}, true)
	require.NoError(t, err)

	data, err := orig.MarshalJSON()
	require.NoError(t, err)

	restored, err := UnmarshalTask(data)
	require.NoError(t, err)
	assert.Equal(t, orig.Signature(), restored.Signature())
	assert.Equal(t, orig.Action(), restored.Action())
	assert.True(t, restored.IsFollowUp())
	assert.Equal(t, orig.AllowCollapse(), restored.AllowCollapse())
	assert.Equal(t, len(orig.ResourceKeys()), len(restored.ResourceKeys()))
}

func TestResourceKeyOrderingAndEquality(t *testing.T) {
	a := EntityKey(1)
	b := EntityKey(2)
	c := RecordKey("SRC", "1")

	assert.True(t, a.Equal(EntityKey(1)))
	assert.False(t, a.Equal(b))
	assert.Negative(t, a.Compare(b))
	assert.Negative(t, a.Compare(c)) // ENTITY < RECORD
	assert.Equal(t, "ENTITY:1", a.String())
	assert.Equal(t, "RECORD:SRC:1", c.String())
}

func TestSortResourceKeysDedupes(t *testing.T) {
	keys := []ResourceKey{EntityKey(2), EntityKey(1), EntityKey(2)}
	sorted := SortResourceKeys(keys)
	require.Len(t, sorted, 2)
	assert.Equal(t, "ENTITY:1", sorted[0].String())
	assert.Equal(t, "ENTITY:2", sorted[1].String())
}

func TestScheduledTaskCollapse(t *testing.T) {
	params := mustParams(t, NewParameters().Int("entityId", 100))
	keys := []ResourceKey{EntityKey(100)}

	first, err := NewTask("APPLY", params, keys, true)
	require.NoError(t, err)
	second, err := NewTask("APPLY", params, keys, true)
	require.NoError(t, err)

	st := NewScheduledTask(first)
	require.NoError(t, st.CollapseWith(second))
	assert.Equal(t, 2, st.Multiplicity())
	assert.Len(t, st.BackingTasks(), 2)
}

func TestScheduledTaskCollapseRejectsMismatch(t *testing.T) {
	params := mustParams(t, NewParameters().Int("entityId", 100))
	keys := []ResourceKey{EntityKey(100)}

	first, err := NewTask("APPLY", params, keys, true)
	require.NoError(t, err)
	other, err := NewTask("OTHER", params, keys, true)
	require.NoError(t, err)
	noCollapse, err := NewTask("APPLY", params, keys, false)
	require.NoError(t, err)

	st := NewScheduledTask(first)
	assert.ErrorIs(t, st.CollapseWith(other), ErrConflict)
	assert.ErrorIs(t, st.CollapseWith(noCollapse), ErrConflict)
	assert.Equal(t, 1, st.Multiplicity())
}
