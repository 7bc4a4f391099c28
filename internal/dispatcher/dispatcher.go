// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/metrics"
)

// Runner is a consumer loop that blocks until ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   bookmark.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue bookmark.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned from its current job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, bookmarkID int64) error {
	if err := d.queue.Enqueue(ctx, bookmarkID); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveJob("enqueued")
	return nil
}

// EnqueueAll enqueues ids in order and stops at the first error. It returns
// how many were enqueued.
func (d *Dispatcher) EnqueueAll(ctx context.Context, ids []int64) (int, error) {
	for i, id := range ids {
		if err := d.Enqueue(ctx, id); err != nil {
			return i, fmt.Errorf("bookmark %d: %w", id, err)
		}
	}
	return len(ids), nil
}
