package dbqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory sz_message_queue with lease semantics.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*fakeRow

	leaseErr error
}

type fakeRow struct {
	body     json.RawMessage
	leased   bool
	expireAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]*fakeRow)}
}

func (s *fakeStore) add(body string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows[s.nextID] = &fakeRow{body: json.RawMessage(body)}
	return s.nextID
}

func (s *fakeStore) EnsureSchema(context.Context) error { return nil }

func (s *fakeStore) Lease(_ context.Context, max int, leaseFor time.Duration) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseErr != nil {
		return nil, s.leaseErr
	}
	now := time.Now()
	var out []Message
	for id, row := range s.rows {
		if len(out) >= max {
			break
		}
		if row.leased && row.expireAt.After(now) {
			continue
		}
		row.leased = true
		row.expireAt = now.Add(leaseFor)
		out = append(out, Message{ID: id, Body: row.body})
	}
	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, messageID)
	return nil
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func TestConsumerDeletesHandledMessages(t *testing.T) {
	store := newFakeStore()
	store.add(`{"DATA_SOURCE":"CUSTOMERS"}`)
	store.add(`{"DATA_SOURCE":"WATCHLIST"}`)

	consumer := New(store, 5*time.Second)

	var (
		mu     sync.Mutex
		bodies []string
	)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(context.Background(), func(_ context.Context, body json.RawMessage) error {
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool { return store.rowCount() == 0 },
		3*time.Second, 10*time.Millisecond, "handled messages were not deleted")

	consumer.Destroy()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, bodies, 2)
}

func TestConsumerLeavesFailedMessages(t *testing.T) {
	store := newFakeStore()
	store.add(`{"DATA_SOURCE":"CUSTOMERS"}`)

	consumer := New(store, 100*time.Millisecond)

	var calls int
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(context.Background(), func(context.Context, json.RawMessage) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				return errors.New("transient handler failure")
			}
			return nil
		})
	}()

	// The row stays after the first failure, its lease expires, and the
	// message is redelivered and then deleted.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2 && store.rowCount() == 0
	}, 5*time.Second, 10*time.Millisecond, "failed message was not redelivered")

	consumer.Destroy()
	require.NoError(t, <-done)
}

func TestConsumerSurvivesLeaseErrors(t *testing.T) {
	store := newFakeStore()
	store.leaseErr = errors.New("database unavailable")

	consumer := New(store, time.Second)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(context.Background(), func(context.Context, json.RawMessage) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	consumer.Destroy()
	require.NoError(t, <-done)
}

func TestConsumerDestroyIdempotent(t *testing.T) {
	consumer := New(newFakeStore(), time.Second)
	consumer.Destroy()
	consumer.Destroy()
	assert.NoError(t, consumer.Consume(context.Background(), func(context.Context, json.RawMessage) error { return nil }))
}
