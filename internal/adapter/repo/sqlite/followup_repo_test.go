package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newFollowUpTask(t *testing.T, action string, entityID int64, allowCollapse bool) *domain.Task {
	t.Helper()
	params, err := domain.NewParameters().Int("entityId", entityID).Build()
	require.NoError(t, err)
	task, err := domain.NewTask(action, params,
		[]domain.ResourceKey{domain.EntityKey(entityID)}, allowCollapse)
	require.NoError(t, err)
	return task
}

func TestFollowUpEnsureSchemaIdempotent(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))
	require.NoError(t, repo.EnsureSchema(ctx, false))

	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 1, false)))
	require.NoError(t, repo.EnsureSchema(ctx, false))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// recreate drops rows
	require.NoError(t, repo.EnsureSchema(ctx, true))
	n, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFollowUpEnqueueCollapsesIdenticalRows(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 7, true)))
	}

	rows, err := repo.Dump(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Multiplicity)
	assert.True(t, rows[0].AllowCollapse)
}

func TestFollowUpEnqueueNoCollapseKeepsRows(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))

	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 7, false)))
	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 7, false)))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFollowUpDequeueLeasesAndHidesRows(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))
	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 1, true)))

	leased, err := repo.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	st := leased[0]
	assert.Equal(t, "F", st.Task().Action())
	assert.Equal(t, 1, st.Multiplicity())
	assert.NotEmpty(t, st.LeaseID())
	assert.True(t, st.LeaseExpiration().After(time.Now()))

	// Leased rows are invisible to a second dequeue.
	again, err := repo.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Leased rows are also invisible to collapse: a fresh enqueue adds a row.
	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 1, true)))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFollowUpLeaseReclamation(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))
	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 1, false)))

	leased, err := repo.Dequeue(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	firstID := leased[0].FollowUpID()

	time.Sleep(80 * time.Millisecond)

	// A crashed worker never completes the row; after the lease passes, the
	// next dequeue re-leases the same row exactly once.
	released, err := repo.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	again, err := repo.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, firstID, again[0].FollowUpID())

	require.NoError(t, repo.Complete(ctx, again[0]))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFollowUpRenewExtendsLease(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))
	require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", 1, false)))

	leased, err := repo.Dequeue(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, repo.Renew(ctx, leased, time.Minute))
	assert.True(t, leased[0].LeaseExpiration().After(time.Now().Add(30*time.Second)))

	// Even after the original short lease would have expired, the renewed
	// row stays leased.
	time.Sleep(150 * time.Millisecond)
	released, err := repo.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)
}

func TestFollowUpDequeueHonorsMax(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, repo.Enqueue(ctx, newFollowUpTask(t, "F", i, false)))
	}

	leased, err := repo.Dequeue(ctx, 3, time.Minute)
	require.NoError(t, err)
	assert.Len(t, leased, 3)

	rest, err := repo.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestFollowUpTaskRoundTripThroughStore(t *testing.T) {
	repo := NewFollowUpRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx, false))

	orig := newFollowUpTask(t, "RECALC", 42, true)
	require.NoError(t, repo.Enqueue(ctx, orig))

	leased, err := repo.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	restored := leased[0].Task()
	assert.Equal(t, orig.Signature(), restored.Signature())
	assert.Equal(t, orig.Action(), restored.Action())
	assert.Equal(t, int64(42), restored.Parameters().GetInt("entityId"))
}

func TestMessageQueueLeaseAndDelete(t *testing.T) {
	db := testDB(t)
	repo := NewMessageQueueRepo(db)
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx))

	id, err := repo.Enqueue(ctx, []byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"r-1"}`))
	require.NoError(t, err)
	assert.Positive(t, id)

	msgs, err := repo.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Contains(t, string(msgs[0].Body), "CUSTOMERS")

	// Leased messages are hidden from further receives.
	again, err := repo.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.Delete(ctx, id))
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_message_queue`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestMessageQueueExpiredLeaseRedelivers(t *testing.T) {
	repo := NewMessageQueueRepo(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx))

	_, err := repo.Enqueue(ctx, []byte(`{"DATA_SOURCE":"A"}`))
	require.NoError(t, err)

	first, err := repo.Lease(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(80 * time.Millisecond)
	second, err := repo.Lease(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}
