package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
)

// exerciseOrderStore checks the upsert contract shared by every OrderStore.
func exerciseOrderStore(t *testing.T, s OrderStore) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Upsert(ctx, id, order.StatusRouting, map[string]any{"status": "routing"}))
	first, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRouting, first.Status)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Upsert(ctx, id, order.StatusRouting, map[string]any{"status": "routing"}))
	second, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRouting, second.Status)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "updated_at must be bumped")
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))

	require.NoError(t, s.Upsert(ctx, id, order.StatusConfirmed, map[string]any{"txHash": "0xabc"}))
	last, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, last.Status)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(last.Meta, &meta))
	assert.Equal(t, "0xabc", meta["txHash"])
}

func TestMemoryStoreUpsertIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	exerciseOrderStore(t, s)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 3, s.Writes())
}

func TestPebbleStoreOrders(t *testing.T) {
	s, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	exerciseOrderStore(t, s)
}

func TestPebbleStoreJobsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	require.NoError(t, err)

	now := time.Now().UTC()
	o := order.Order{ID: "o-1", Symbol: "AAPL", Side: order.SideBuy}
	require.NoError(t, s.SaveJob(queue.Job{ID: "j-1", Order: o, State: queue.StateWaiting, MaxAttempts: 3, CreatedAt: now}))
	require.NoError(t, s.SaveJob(queue.Job{ID: "j-2", Order: o, State: queue.StateActive, MaxAttempts: 3, CreatedAt: now}))
	require.NoError(t, s.DeleteJob("j-1"))
	require.NoError(t, s.Upsert(context.Background(), "o-1", order.StatusPending, nil))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1, "order records must not show up as jobs")
	assert.Equal(t, "j-2", jobs[0].ID)
	assert.Equal(t, queue.StateActive, jobs[0].State)
	assert.Equal(t, "AAPL", jobs[0].Order.Symbol)
}

func TestPebbleStoreBacksQueueRecovery(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	require.NoError(t, err)

	q, err := queue.New(s, queue.Options{Concurrency: 1, MaxAttempts: 3})
	require.NoError(t, err)
	o := order.Order{ID: "o-1", Symbol: "AAPL", Side: order.SideBuy, Quantity: decimal.NewFromInt(10)}
	jobID, err := q.Enqueue(context.Background(), o)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// process restarts without ever running the job
	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()
	q, err = queue.New(s, queue.Options{Concurrency: 1, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Count())

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ORDERFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ORDERFLOW_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	exerciseOrderStore(t, s)
}

