package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/scheduler"
)

type fakeStatus struct {
	state       scheduler.State
	remaining   int
	followUps   int64
	followUpErr error
	activity    int64
}

func (f *fakeStatus) State() scheduler.State             { return f.state }
func (f *fakeStatus) GetRemainingTasksCount() int        { return f.remaining }
func (f *fakeStatus) GetLastTaskActivityNanoTime() int64 { return f.activity }

func (f *fakeStatus) GetRemainingFollowUpTasksCount(context.Context) (int64, error) {
	return f.followUps, f.followUpErr
}

func (f *fakeStatus) Statistics() map[domain.Statistic]int64 {
	return map[domain.Statistic]int64{
		domain.StatSchedulerConcurrency:  8,
		domain.StatSchedulerTaskComplete: 3,
	}
}

// fakeMartStore serves scripted report rows.
type fakeMartStore struct {
	rows []datamart.ReportRow
}

func (f *fakeMartStore) EnsureSchema(context.Context, bool) error { return nil }
func (f *fakeMartStore) Ping(context.Context) error              { return nil }

func (f *fakeMartStore) GetEntityState(context.Context, int64) (datamart.EntityState, bool, error) {
	return datamart.EntityState{}, false, nil
}

func (f *fakeMartStore) ReplaceEntity(context.Context, datamart.EntityState, []datamart.ReportDelta) error {
	return nil
}

func (f *fakeMartStore) DeleteEntity(context.Context, int64, []datamart.ReportDelta) error {
	return nil
}

func (f *fakeMartStore) RecalcSourceSummary(context.Context, string) error { return nil }

func (f *fakeMartStore) ReportRows(_ context.Context, _, _ string, offset, limit int) ([]datamart.ReportRow, int64, error) {
	if offset >= len(f.rows) {
		return nil, int64(len(f.rows)), nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], int64(len(f.rows)), nil
}

type fakeDumper struct {
	rows []domain.FollowUpRow
	err  error
}

func (f *fakeDumper) Dump(context.Context) ([]domain.FollowUpRow, error) {
	return f.rows, f.err
}

func newTestRouter(status *fakeStatus, store *fakeMartStore, dumper *fakeDumper) http.Handler {
	return NewRouter(status, datamart.NewReportService(store), dumper)
}

func TestHealthzReportsCounts(t *testing.T) {
	status := &fakeStatus{state: scheduler.StateReady, remaining: 2, followUps: 5, activity: time.Now().UnixNano()}
	router := newTestRouter(status, &fakeMartStore{}, &fakeDumper{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "READY", payload["schedulerState"])
	assert.Equal(t, float64(2), payload["remainingTasks"])
	assert.Equal(t, float64(5), payload["remainingFollowUpTasks"])
	assert.NotEmpty(t, payload["lastTaskActivity"])
}

func TestHealthzUnknownFollowUpCountIsNull(t *testing.T) {
	status := &fakeStatus{state: scheduler.StateActive, followUpErr: errors.New("db down"), activity: -1}
	router := newTestRouter(status, &fakeMartStore{}, &fakeDumper{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Nil(t, payload["remainingFollowUpTasks"])
	_, hasActivity := payload["lastTaskActivity"]
	assert.False(t, hasActivity)
}

func TestHealthzDuringShutdown(t *testing.T) {
	status := &fakeStatus{state: scheduler.StateDestroying, activity: -1}
	router := newTestRouter(status, &fakeMartStore{}, &fakeDumper{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportEndpointPaginates(t *testing.T) {
	store := &fakeMartStore{rows: []datamart.ReportRow{
		{Report: datamart.ReportDataSourceSummary, Statistic: datamart.StatRecordCount, DataSource1: "A", RecordCount: 3},
		{Report: datamart.ReportDataSourceSummary, Statistic: datamart.StatRecordCount, DataSource1: "B", RecordCount: 1},
	}}
	router := newTestRouter(&fakeStatus{state: scheduler.StateReady, activity: -1}, store, &fakeDumper{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/reports/DATA_SOURCE_SUMMARY?statistic=RECORD_COUNT&offset=1&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var page datamart.ReportPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 1, page.Offset)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "B", page.Rows[0].DataSource1)
}

func TestReportEndpointUnknownReport(t *testing.T) {
	router := newTestRouter(&fakeStatus{state: scheduler.StateReady, activity: -1}, &fakeMartStore{}, &fakeDumper{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/reports/BOGUS", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFollowUpDumpEndpoint(t *testing.T) {
	now := time.Now().UTC()
	dumper := &fakeDumper{rows: []domain.FollowUpRow{{
		TaskID:       1,
		Signature:    "abc",
		Multiplicity: 2,
		JSONText:     `{"action":"F"}`,
		CreatedOn:    now,
		ModifiedOn:   now,
	}}}
	router := newTestRouter(&fakeStatus{state: scheduler.StateReady, activity: -1}, &fakeMartStore{}, dumper)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/follow-up", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Count int                  `json:"count"`
		Rows  []domain.FollowUpRow `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Count)
	require.Len(t, payload.Rows, 1)
	assert.Equal(t, "abc", payload.Rows[0].Signature)
}

func TestStatisticsEndpoint(t *testing.T) {
	router := newTestRouter(&fakeStatus{state: scheduler.StateReady, activity: -1}, &fakeMartStore{}, &fakeDumper{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/statistics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Statistics []struct {
			Name  string `json:"name"`
			Unit  string `json:"unit"`
			Value int64  `json:"value"`
		} `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Statistics, 2)
}
