package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/metrics"
)

// Defaults for Config.
const (
	DefaultJobTimeout = 60 * time.Second

	settleTimeout     = 5 * time.Second
	dequeueErrorPause = 500 * time.Millisecond
)

// Job outcomes, used as the jobs_total metric label.
const (
	OutcomeDone      = "done"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
	OutcomeAbandoned = "abandoned"
)

// Pipeline processes one bookmark.
type Pipeline interface {
	Process(ctx context.Context, bookmarkID int64, attempt int) (Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds all remote calls made for one job.
	JobTimeout time.Duration
	Retry      RetryPolicy
}

// Worker consumes queue deliveries and settles each one with the queue.
type Worker struct {
	queue     bookmark.Queue
	pipeline  Pipeline
	publisher bookmark.Publisher
	clock     bookmark.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	queue bookmark.Queue,
	pipeline Pipeline,
	publisher bookmark.Publisher,
	clock bookmark.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		pipeline:  pipeline,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming deliveries until the context finishes. Each job
// completes before the next is taken.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorPause):
			}
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("message_id", d.MessageID),
			zap.Int64("bookmark_id", d.BookmarkID),
			zap.Int("attempt", d.Attempt),
		)
		w.handle(ctx, d)
	}
}

func (w *Worker) handle(ctx context.Context, d bookmark.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(zap.Int64("bookmark_id", d.BookmarkID), zap.Int("attempt", d.Attempt))

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	res, err := w.pipeline.Process(jobCtx, d.BookmarkID, d.Attempt)
	cancel()

	// Settling must outlive a shutdown that starts after the job finished.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	switch {
	case err == nil:
		if ackErr := w.queue.Ack(settleCtx, d); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
		}
		metrics.ObserveJob(OutcomeDone)
		w.publish(settleCtx, log, bookmark.Event{
			Type:         bookmark.EventProcessed,
			BookmarkID:   d.BookmarkID,
			Attempt:      d.Attempt,
			SnapshotPath: res.SnapshotPath,
			Title:        res.Title,
		})

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown interrupted the job; leave it unacknowledged for redelivery.
		log.Warn("job abandoned on shutdown", zap.Error(err))
		metrics.ObserveJob(OutcomeAbandoned)

	case w.cfg.Retry.ShouldRetry(err, d.Attempt):
		delay := w.cfg.Retry.Backoff(d.Attempt)
		log.Warn("job failed, scheduling retry", zap.Duration("delay", delay), zap.Error(err))
		if retryErr := w.queue.Retry(settleCtx, d, delay); retryErr != nil {
			log.Error("retry scheduling failed", zap.Error(retryErr))
		}
		metrics.ObserveJob(OutcomeRetried)

	default:
		log.Error("job failed permanently",
			zap.Bool("permanent", bookmark.IsPermanent(err)),
			zap.Error(err),
		)
		if failErr := w.queue.Fail(settleCtx, d, err.Error()); failErr != nil {
			log.Error("dead-letter failed", zap.Error(failErr))
		}
		metrics.ObserveJob(OutcomeDead)
		w.publish(settleCtx, log, bookmark.Event{
			Type:       bookmark.EventFailed,
			BookmarkID: d.BookmarkID,
			Attempt:    d.Attempt,
			Error:      err.Error(),
		})
	}
}

func (w *Worker) publish(ctx context.Context, log *zap.Logger, event bookmark.Event) {
	if w.publisher == nil {
		return
	}
	event.OccurredAt = w.now()
	id, err := w.publisher.Publish(ctx, event)
	if err != nil {
		log.Warn("event publish failed", zap.String("event", event.Type), zap.Error(err))
		return
	}
	log.Debug("event published", zap.String("event", event.Type), zap.String("message_id", id))
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
