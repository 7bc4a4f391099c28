// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

var errQueueClosed = errors.New("queue closed")

// DeadLetter records a job that will not be retried.
type DeadLetter struct {
	Delivery bookmark.Delivery
	Reason   string
	FailedAt time.Time
}

// Queue is a bounded in-memory queue with context-aware operations. Nothing
// survives a restart.
type Queue struct {
	ch      chan bookmark.Delivery
	done    chan struct{}
	once    sync.Once
	closeMu sync.RWMutex
	closed  bool
	seq     atomic.Int64

	mu    sync.Mutex
	acked []bookmark.Delivery
	dead  []DeadLetter
}

var _ bookmark.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan bookmark.Delivery, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a first-attempt job or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, bookmarkID int64) error {
	if bookmarkID <= 0 {
		return fmt.Errorf("enqueue: invalid bookmark id %d", bookmarkID)
	}
	return q.push(ctx, bookmarkID, 1)
}

func (q *Queue) push(ctx context.Context, bookmarkID int64, attempt int) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	d := bookmark.Delivery{
		MessageID:  strconv.FormatInt(q.seq.Add(1), 10),
		BookmarkID: bookmarkID,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errQueueClosed
	case q.ch <- d:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (bookmark.Delivery, error) {
	select {
	case <-ctx.Done():
		return bookmark.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.ch:
		if !ok {
			return bookmark.Delivery{}, errQueueClosed
		}
		return d, nil
	}
}

// Ack records a finished job.
func (q *Queue) Ack(_ context.Context, d bookmark.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d)
	return nil
}

// Retry re-enqueues the next attempt once delay has passed. The pending
// retry is dropped if the queue closes first.
func (q *Queue) Retry(_ context.Context, d bookmark.Delivery, delay time.Duration) error {
	time.AfterFunc(delay, func() {
		_ = q.push(context.Background(), d.BookmarkID, d.Attempt+1)
	})
	return nil
}

// Fail records the job as dead.
func (q *Queue) Fail(_ context.Context, d bookmark.Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{Delivery: d, Reason: reason, FailedAt: time.Now().UTC()})
	return nil
}

// Acked returns a copy of the acknowledged deliveries.
func (q *Queue) Acked() []bookmark.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]bookmark.Delivery(nil), q.acked...)
}

// DeadLetters returns a copy of the failed deliveries.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
