// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/queue/memory"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	var running atomic.Int32
	started := make(chan struct{}, 3)
	workers := make([]Runner, 3)
	for i := range workers {
		workers[i] = runnerFunc(func(ctx context.Context) {
			running.Add(1)
			started <- struct{}{}
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond) // finishing the current job
			running.Add(-1)
		})
	}
	dispatch := New(memory.NewQueue(1), workers)
	if dispatch.Size() != 3 {
		t.Fatalf("expected 3 workers, got %d", dispatch.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for range workers {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	if n := running.Load(); n != 0 {
		t.Fatalf("expected all workers drained, %d still running", n)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil)

	err := dispatch.Enqueue(context.Background(), 1)
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestDispatcherEnqueueAll(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	dispatch := New(q, nil)

	n, err := dispatch.EnqueueAll(context.Background(), []int64{4, 5, 6})
	if err != nil || n != 3 {
		t.Fatalf("EnqueueAll() = %d, %v", n, err)
	}
	for _, want := range []int64{4, 5, 6} {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if d.BookmarkID != want {
			t.Fatalf("expected bookmark %d, got %d", want, d.BookmarkID)
		}
	}

	n, err = dispatch.EnqueueAll(context.Background(), []int64{7, 0, 8})
	if err == nil || n != 1 {
		t.Fatalf("expected failure after 1 enqueue, got %d, %v", n, err)
	}
}

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, int64) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (bookmark.Delivery, error) {
	return bookmark.Delivery{}, fmt.Errorf("unused")
}

func (q *errorQueue) Ack(context.Context, bookmark.Delivery) error { return nil }

func (q *errorQueue) Retry(context.Context, bookmark.Delivery, time.Duration) error { return nil }

func (q *errorQueue) Fail(context.Context, bookmark.Delivery, string) error { return nil }

func (q *errorQueue) Close() error { return nil }
