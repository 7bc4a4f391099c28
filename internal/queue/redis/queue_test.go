package redisqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestQueue(t *testing.T, client *redis.Client, cfg Config) *Queue {
	t.Helper()
	if cfg.Block == 0 {
		cfg.Block = 20 * time.Millisecond
	}
	q, err := New(context.Background(), client, cfg, zap.NewNop())
	require.NoError(t, err)
	return q
}

func shortContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestQueueEnqueueDequeueAck(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client, Config{})

	require.NoError(t, q.Enqueue(context.Background(), 42))

	d, err := q.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.BookmarkID)
	assert.Equal(t, 1, d.Attempt)
	assert.NotEmpty(t, d.MessageID)
	assert.False(t, d.EnqueuedAt.IsZero())

	require.NoError(t, q.Ack(context.Background(), d))

	n, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Dequeue(shortContext(t, 100*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueEnqueueRejectsInvalidID(t *testing.T) {
	q := newTestQueue(t, newTestClient(t), Config{})
	require.Error(t, q.Enqueue(context.Background(), 0))
}

func TestQueueNewToleratesExistingGroup(t *testing.T) {
	client := newTestClient(t)
	newTestQueue(t, client, Config{})
	newTestQueue(t, client, Config{})
}

func TestQueueRetryWaitsForDueTime(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client, Config{})
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.Now

	require.NoError(t, q.Enqueue(context.Background(), 7))
	d, err := q.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)

	require.NoError(t, q.Retry(context.Background(), d, time.Minute))
	delayed, err := q.Delayed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	_, err = q.Dequeue(shortContext(t, 100*time.Millisecond))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	clock.Advance(2 * time.Minute)
	next, err := q.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(7), next.BookmarkID)
	assert.Equal(t, 2, next.Attempt)
	assert.NotEqual(t, d.MessageID, next.MessageID)

	delayed, err = q.Delayed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestQueueFailDeadLetters(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client, Config{})

	require.NoError(t, q.Enqueue(context.Background(), 9))
	d, err := q.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	d.Attempt = 5

	require.NoError(t, q.Fail(context.Background(), d, "fetch: 404"))

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(9), dead[0].BookmarkID)
	assert.Equal(t, 5, dead[0].Attempt)
	assert.Equal(t, "fetch: 404", dead[0].Reason)
	assert.False(t, dead[0].FailedAt.IsZero())

	n, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueReclaimsIdleJobs(t *testing.T) {
	client := newTestClient(t)
	crashed := newTestQueue(t, client, Config{Consumer: "crashed", VisibilityTimeout: 50 * time.Millisecond})
	survivor := newTestQueue(t, client, Config{Consumer: "survivor", VisibilityTimeout: 50 * time.Millisecond})

	require.NoError(t, crashed.Enqueue(context.Background(), 11))
	first, err := crashed.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempt)

	time.Sleep(150 * time.Millisecond)

	again, err := survivor.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, again.MessageID)
	assert.Equal(t, int64(11), again.BookmarkID)
	assert.Equal(t, 2, again.Attempt)
	require.NoError(t, survivor.Ack(context.Background(), again))

	n, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueRepeatedlyAbandonedJobIsDeadLettered(t *testing.T) {
	client := newTestClient(t)
	cfg := Config{VisibilityTimeout: 50 * time.Millisecond, MaxAttempts: 2}
	cfg.Consumer = "a"
	a := newTestQueue(t, client, cfg)
	cfg.Consumer = "b"
	b := newTestQueue(t, client, cfg)

	require.NoError(t, a.Enqueue(context.Background(), 21))
	d, err := a.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempt)

	time.Sleep(150 * time.Millisecond)
	d, err = b.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)

	// The second run is abandoned too; the next reclaim must not hand it out.
	time.Sleep(150 * time.Millisecond)
	_, err = a.Dequeue(shortContext(t, 200*time.Millisecond))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	dead, err := a.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(21), dead[0].BookmarkID)
	assert.Equal(t, 2, dead[0].Attempt)
	assert.Contains(t, dead[0].Reason, "abandoned")

	n, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueMalformedEntryIsDeadLettered(t *testing.T) {
	client := newTestClient(t)
	q := newTestQueue(t, client, Config{})

	_, err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]any{"bookmark_id": "not-a-number"},
	}).Result()
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), 5))

	d, err := q.Dequeue(shortContext(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(5), d.BookmarkID)

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "malformed")
}

func TestParseMessageDefaults(t *testing.T) {
	d, err := parseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"bookmark_id": "3"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.BookmarkID)
	assert.Equal(t, 1, d.Attempt)
	assert.True(t, d.EnqueuedAt.IsZero())

	_, err = parseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"bookmark_id": "-1"}})
	require.Error(t, err)

	_, err = parseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{}})
	require.Error(t, err)
}
