package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	ctx := context.Background()
	_, err := hub.Publish(ctx, sampleEvent(bookmark.EventProcessed, 1))
	require.NoError(t, err)
	_, err = hub.Publish(ctx, sampleEvent(bookmark.EventFailed, 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	_, err := hub.Publish(context.Background(), sampleEvent(bookmark.EventProcessed, 7))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubPublishReturnsSequenceIDs(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{MaxBatchWait: time.Minute})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	first, err := hub.Publish(context.Background(), sampleEvent(bookmark.EventProcessed, 1))
	require.NoError(t, err)
	second, err := hub.Publish(context.Background(), sampleEvent(bookmark.EventProcessed, 2))
	require.NoError(t, err)
	require.Equal(t, "hub-1", first)
	require.Equal(t, "hub-2", second)
}

// TestHubPublishNonBlockingWhenFull asserts Publish never blocks callers, even without a reader.
func TestHubPublishNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan bookmark.Event),
	}
	start := time.Now()
	_, err := hub.Publish(context.Background(), sampleEvent(bookmark.EventProcessed, 1))
	require.ErrorIs(t, err, ErrDropped)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubPublishValidates(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	cases := map[string]bookmark.Event{
		"unknown type": {Type: "bookmark.deleted", BookmarkID: 1, OccurredAt: time.Now()},
		"missing id":   {Type: bookmark.EventProcessed, OccurredAt: time.Now()},
		"missing time": {Type: bookmark.EventFailed, BookmarkID: 1},
	}
	for name, evt := range cases {
		_, err := hub.Publish(context.Background(), evt)
		require.Error(t, err, name)
	}
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	_, err := hub.Publish(context.Background(), sampleEvent(bookmark.EventProcessed, 3))
	require.NoError(t, err)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.Equal(t, 1, sink.Closed())

	_, err = hub.Publish(context.Background(), sampleEvent(bookmark.EventProcessed, 4))
	require.ErrorIs(t, err, ErrHubClosed)

	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 1, sink.Closed())
}

func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := newStubSink()
	failing.err = errors.New("boom")
	healthy := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, healthy)

	_, err := hub.Publish(context.Background(), sampleEvent(bookmark.EventFailed, 9))
	require.NoError(t, err)
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, healthy.Batches(), 1)
	require.Equal(t, int64(9), healthy.Batches()[0][0].BookmarkID)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]bookmark.Event
	closed  int
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]bookmark.Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []bookmark.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]bookmark.Event(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]bookmark.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]bookmark.Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]bookmark.Event(nil), b...)
	}
	return out
}

func sampleEvent(typ string, id int64) bookmark.Event {
	return bookmark.Event{
		Type:       typ,
		BookmarkID: id,
		Attempt:    1,
		OccurredAt: time.Now(),
	}
}
