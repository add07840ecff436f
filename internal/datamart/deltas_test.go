package datamart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findDelta(deltas []ReportDelta, report, statistic, ds1, ds2 string) (ReportDelta, bool) {
	for _, d := range deltas {
		if d.Report == report && d.Statistic == statistic && d.DataSource1 == ds1 && d.DataSource2 == ds2 {
			return d, true
		}
	}
	return ReportDelta{}, false
}

func TestComputeDeltasCreation(t *testing.T) {
	state := EntityState{
		EntityID: 1,
		Records: []RecordRef{
			{DataSource: "CUSTOMERS", RecordID: "c-1"},
			{DataSource: "CUSTOMERS", RecordID: "c-2", MatchKey: "NAME", Principle: "CNAME"},
			{DataSource: "WATCHLIST", RecordID: "w-1", MatchKey: "NAME+DOB", Principle: "MFF"},
		},
	}

	deltas := ComputeDeltas(EntityState{}, state)

	recCust, ok := findDelta(deltas, ReportDataSourceSummary, StatRecordCount, "CUSTOMERS", "")
	require.True(t, ok)
	assert.Equal(t, int64(2), recCust.RecordDelta)

	entCust, ok := findDelta(deltas, ReportDataSourceSummary, StatEntityCount, "CUSTOMERS", "")
	require.True(t, ok)
	assert.Equal(t, int64(1), entCust.EntityDelta)

	recWatch, ok := findDelta(deltas, ReportDataSourceSummary, StatRecordCount, "WATCHLIST", "")
	require.True(t, ok)
	assert.Equal(t, int64(1), recWatch.RecordDelta)

	// Same-source duplicate pair plus the cross-source pairs.
	same, ok := findDelta(deltas, ReportCrossSourceSummary, StatMatchedCount, "CUSTOMERS", "CUSTOMERS")
	require.True(t, ok)
	assert.Equal(t, int64(1), same.EntityDelta)
}

func TestComputeDeltasIdenticalStatesCancel(t *testing.T) {
	state := EntityState{
		EntityID: 1,
		Records:  []RecordRef{{DataSource: "A", RecordID: "1"}},
		Relations: []Relation{{
			OtherEntityID: 2,
			Kind:          RelationDisclosedRelation,
			OtherSources:  []string{"B"},
		}},
	}
	assert.Empty(t, ComputeDeltas(state, state))
}

func TestComputeDeltasDeletion(t *testing.T) {
	state := EntityState{
		EntityID: 1,
		Records:  []RecordRef{{DataSource: "A", RecordID: "1"}},
	}
	deltas := ComputeDeltas(state, EntityState{EntityID: 1})
	rec, ok := findDelta(deltas, ReportDataSourceSummary, StatRecordCount, "A", "")
	require.True(t, ok)
	assert.Equal(t, int64(-1), rec.RecordDelta)
	ent, ok := findDelta(deltas, ReportDataSourceSummary, StatEntityCount, "A", "")
	require.True(t, ok)
	assert.Equal(t, int64(-1), ent.EntityDelta)
}

func TestComputeDeltasRecordMoved(t *testing.T) {
	oldState := EntityState{
		EntityID: 1,
		Records:  []RecordRef{{DataSource: "A", RecordID: "1"}},
	}
	newState := EntityState{
		EntityID: 1,
		Records:  []RecordRef{{DataSource: "B", RecordID: "1"}},
	}
	deltas := ComputeDeltas(oldState, newState)

	recA, ok := findDelta(deltas, ReportDataSourceSummary, StatRecordCount, "A", "")
	require.True(t, ok)
	assert.Equal(t, int64(-1), recA.RecordDelta)
	recB, ok := findDelta(deltas, ReportDataSourceSummary, StatRecordCount, "B", "")
	require.True(t, ok)
	assert.Equal(t, int64(1), recB.RecordDelta)
}

func TestComputeDeltasRelationsPairSources(t *testing.T) {
	state := EntityState{
		EntityID: 1,
		Records:  []RecordRef{{DataSource: "A", RecordID: "1"}},
		Relations: []Relation{{
			OtherEntityID: 2,
			Kind:          RelationAmbiguousMatch,
			MatchKey:      "NAME",
			Principle:     "CNAME",
			OtherSources:  []string{"B", "C"},
		}},
	}
	deltas := ComputeDeltas(EntityState{}, state)

	ab, ok := findDelta(deltas, ReportCrossSourceSummary, StatAmbiguousMatchCount, "A", "B")
	require.True(t, ok)
	assert.Equal(t, int64(1), ab.RelationDelta)
	assert.Equal(t, "NAME", ab.MatchKey)
	assert.Equal(t, "CNAME", ab.Principle)

	_, ok = findDelta(deltas, ReportCrossSourceSummary, StatAmbiguousMatchCount, "A", "C")
	assert.True(t, ok)
}

func TestComputeDeltasDeterministicOrder(t *testing.T) {
	state := EntityState{
		EntityID: 1,
		Records: []RecordRef{
			{DataSource: "B", RecordID: "1"},
			{DataSource: "A", RecordID: "2", MatchKey: "K", Principle: "P"},
		},
	}
	d1 := ComputeDeltas(EntityState{}, state)
	d2 := ComputeDeltas(EntityState{}, state)
	assert.Equal(t, d1, d2)
}

func TestTouchedSources(t *testing.T) {
	oldState := EntityState{Records: []RecordRef{{DataSource: "B", RecordID: "1"}}}
	newState := EntityState{Records: []RecordRef{
		{DataSource: "A", RecordID: "1"},
		{DataSource: "B", RecordID: "2"},
	}}
	assert.Equal(t, []string{"A", "B"}, TouchedSources(oldState, newState))
	assert.Empty(t, TouchedSources(EntityState{}, EntityState{}))
}
