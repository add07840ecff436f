package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
)

func martRepo(t *testing.T) *DataMartRepo {
	t.Helper()
	repo := NewDataMartRepo(testDB(t))
	require.NoError(t, repo.EnsureSchema(context.Background(), false))
	return repo
}

func customerEntity(entityID int64) datamart.EntityState {
	return datamart.EntityState{
		EntityID: entityID,
		Records: []datamart.RecordRef{
			{DataSource: "CUSTOMERS", RecordID: "c-1"},
			{DataSource: "WATCHLIST", RecordID: "w-1", MatchKey: "NAME+DOB", Principle: "MFF"},
		},
		Relations: []datamart.Relation{
			{
				OtherEntityID: 200,
				Kind:          datamart.RelationPossibleMatch,
				MatchKey:      "NAME",
				Principle:     "CNAME",
				OtherSources:  []string{"CUSTOMERS"},
			},
		},
	}
}

func TestDataMartReplaceAndGetEntity(t *testing.T) {
	repo := martRepo(t)
	ctx := context.Background()

	state := customerEntity(100)
	deltas := datamart.ComputeDeltas(datamart.EntityState{}, state)
	require.NoError(t, repo.ReplaceEntity(ctx, state, deltas))

	stored, found, err := repo.GetEntityState(ctx, 100)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored.Records, 2)
	assert.Len(t, stored.Relations, 1)
	assert.Equal(t, datamart.RelationPossibleMatch, stored.Relations[0].Kind)
	assert.Equal(t, []string{"CUSTOMERS"}, stored.Relations[0].OtherSources)

	_, found, err = repo.GetEntityState(ctx, 999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDataMartReportRowsAfterReplace(t *testing.T) {
	repo := martRepo(t)
	ctx := context.Background()

	state := customerEntity(100)
	require.NoError(t, repo.ReplaceEntity(ctx, state, datamart.ComputeDeltas(datamart.EntityState{}, state)))

	rows, total, err := repo.ReportRows(ctx, datamart.ReportDataSourceSummary, datamart.StatRecordCount, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, rows, 2)
	assert.Equal(t, "CUSTOMERS", rows[0].DataSource1)
	assert.Equal(t, int64(1), rows[0].RecordCount)
	assert.Equal(t, "WATCHLIST", rows[1].DataSource1)

	crossRows, _, err := repo.ReportRows(ctx, datamart.ReportCrossSourceSummary, datamart.StatMatchedCount, 0, 10)
	require.NoError(t, err)
	require.Len(t, crossRows, 1)
	assert.Equal(t, "CUSTOMERS", crossRows[0].DataSource1)
	assert.Equal(t, "WATCHLIST", crossRows[0].DataSource2)
	assert.Equal(t, "NAME+DOB", crossRows[0].MatchKey)
	assert.Equal(t, int64(1), crossRows[0].EntityCount)
}

func TestDataMartDeleteEntityReversesAggregates(t *testing.T) {
	repo := martRepo(t)
	ctx := context.Background()

	state := customerEntity(100)
	require.NoError(t, repo.ReplaceEntity(ctx, state, datamart.ComputeDeltas(datamart.EntityState{}, state)))

	deltas := datamart.ComputeDeltas(state, datamart.EntityState{EntityID: 100})
	require.NoError(t, repo.DeleteEntity(ctx, 100, deltas))

	_, found, err := repo.GetEntityState(ctx, 100)
	require.NoError(t, err)
	assert.False(t, found)

	// All-zero aggregate rows are pruned.
	rows, total, err := repo.ReportRows(ctx, datamart.ReportDataSourceSummary, "", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
}

func TestDataMartRecalcSourceSummary(t *testing.T) {
	repo := martRepo(t)
	ctx := context.Background()

	state := customerEntity(100)
	require.NoError(t, repo.ReplaceEntity(ctx, state, nil)) // no deltas: aggregates drifted

	require.NoError(t, repo.RecalcSourceSummary(ctx, "CUSTOMERS"))

	rows, _, err := repo.ReportRows(ctx, datamart.ReportDataSourceSummary, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2) // ENTITY_COUNT and RECORD_COUNT for CUSTOMERS
	byStat := map[string]datamart.ReportRow{}
	for _, row := range rows {
		byStat[row.Statistic] = row
	}
	assert.Equal(t, int64(1), byStat[datamart.StatRecordCount].RecordCount)
	assert.Equal(t, int64(1), byStat[datamart.StatEntityCount].EntityCount)
}

func TestDataMartReportPagination(t *testing.T) {
	repo := martRepo(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		state := datamart.EntityState{
			EntityID: i,
			Records: []datamart.RecordRef{
				{DataSource: string(rune('A'+i-1)) + "SRC", RecordID: "r"},
			},
		}
		require.NoError(t, repo.ReplaceEntity(ctx, state, datamart.ComputeDeltas(datamart.EntityState{}, state)))
	}

	first, total, err := repo.ReportRows(ctx, datamart.ReportDataSourceSummary, datamart.StatRecordCount, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, first, 2)

	second, _, err := repo.ReportRows(ctx, datamart.ReportDataSourceSummary, datamart.StatRecordCount, 2, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].DataSource1, second[0].DataSource1)

	last, _, err := repo.ReportRows(ctx, datamart.ReportDataSourceSummary, datamart.StatRecordCount, 4, 2)
	require.NoError(t, err)
	assert.Len(t, last, 1)
}
