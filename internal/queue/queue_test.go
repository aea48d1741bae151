package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestPushPopFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Push(ctx, Task{Kind: KindWebhook, EventID: "evt_1", Payload: []byte(`{"id":"evt_1"}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	_, err = q.Push(ctx, Task{Kind: KindSync, AccountID: "acct_2"})
	require.NoError(t, err)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, KindWebhook, got.Kind)
	assert.Equal(t, `{"id":"evt_1"}`, string(got.Payload))

	got, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "acct_2", got.AccountID)
}

func TestPopTimesOutEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Pop(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPopMovesUndecodableTaskToDeadLetter(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.Lpush("test:tasks", "not-json")
	require.NoError(t, err)

	_, err = q.Pop(context.Background(), time.Second)
	require.Error(t, err)

	stats, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 0, Delayed: 0, Dead: 1}, stats)
}

func TestRetryPromotesOnlyDueTasks(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.Retry(ctx, Task{ID: "due", Kind: KindSync, AccountID: "acct_1", Attempt: 1}, now.Add(-time.Second)))
	require.NoError(t, q.Retry(ctx, Task{ID: "later", Kind: KindSync, AccountID: "acct_2", Attempt: 1}, now.Add(time.Minute)))

	n, err := q.PromoteDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 1, Delayed: 1}, stats)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "due", got.ID)
	assert.Equal(t, 1, got.Attempt)

	n, err = q.PromoteDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.DeadLetter(ctx, Task{ID: "t1", Kind: KindWebhook, LastError: "processor unreachable"}))
	require.NoError(t, q.DeadLetter(ctx, Task{ID: "t2", Kind: KindWebhook}))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "t2", dead[0].ID)
	assert.Equal(t, "processor unreachable", dead[1].LastError)
}

func TestNewWithDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	q := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), " ")
	defer q.Close()
	_, err := q.Push(context.Background(), Task{Kind: KindSync, AccountID: "acct_1"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("billingsync:tasks"))
}

func TestAckSettlesPoppedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, Task{Kind: KindSync, AccountID: "acct_1"})
	require.NoError(t, err)
	task, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)

	stats, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{InFlight: 1}, stats)

	require.NoError(t, q.Ack(ctx, task))
	stats, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	n, err := q.Reap(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReapRequeuesAbandonedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Visibility = time.Minute
	ctx := context.Background()

	pushed, err := q.Push(ctx, Task{Kind: KindWebhook, EventID: "evt_1", Payload: []byte(`{"id":"evt_1"}`)})
	require.NoError(t, err)
	_, err = q.Push(ctx, Task{Kind: KindSync, AccountID: "acct_2"})
	require.NoError(t, err)

	// The worker holding this task never settles it.
	_, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.Reap(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	n, err = q.Reap(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, pushed.ID, again.ID, "reaped task runs before newer work")
	assert.Equal(t, "evt_1", again.EventID)
}

func TestReapLeasesEntriesWithoutLease(t *testing.T) {
	q, mr := newTestQueue(t)
	q.Visibility = time.Minute
	ctx := context.Background()

	_, err := mr.Lpush("test:tasks:processing", `{"id":"orphan","kind":"sync","account_id":"acct_1","attempt":0,"enqueued_at":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, err)

	now := time.Now()
	n, err := q.Reap(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.Reap(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orphan", task.ID)
}

func TestRetryAndDeadLetterSettlePoppedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := q.Push(ctx, Task{ID: id, Kind: KindSync, AccountID: "acct_" + id})
		require.NoError(t, err)
	}
	first, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	second, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)

	first.Attempt++
	require.NoError(t, q.Retry(ctx, first, time.Now().Add(time.Minute)))
	second.Attempt++
	require.NoError(t, q.DeadLetter(ctx, second))

	stats, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 1, Dead: 1}, stats)
}
