// Package worker runs the bookmark processing pipeline and the queue
// consumer loop that drives it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/metrics"
)

const tracerName = "github.com/JakeFAU/booky-indexer/internal/worker"

// Pipeline stage names, used for logs, spans and metrics.
const (
	StageFetch          = "fetch"
	StageExtract        = "extract"
	StageSnapshot       = "snapshot"
	StageReconcileRead  = "reconcile_read"
	StageIndex          = "index"
	StageReconcileWrite = "reconcile_write"
)

// Dependencies are the collaborators a Processor drives.
type Dependencies struct {
	Fetcher   bookmark.Fetcher
	Extractor bookmark.Extractor
	Snapshots bookmark.SnapshotStore
	Index     bookmark.Indexer
	Records   bookmark.Records
}

// ProcessorConfig tunes the pipeline.
type ProcessorConfig struct {
	// PreserveUserTitle keeps a non-empty stored title instead of writing
	// the extracted one.
	PreserveUserTitle bool
}

// Result summarizes a successful run.
type Result struct {
	Title        string
	SnapshotPath string
	Bytes        int
}

// Processor runs fetch, extract, snapshot, reconcile, index and write-back
// for one bookmark. Every step overwrites, so a run may be repeated.
type Processor struct {
	deps   Dependencies
	cfg    ProcessorConfig
	tracer trace.Tracer
	logger *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(deps Dependencies, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.Named("processor"),
	}
}

// Process runs the pipeline for bookmarkID. Errors abort the remaining steps
// and completed side effects stay in place. Errors that no retry can fix are
// wrapped with bookmark.Permanent.
func (p *Processor) Process(ctx context.Context, bookmarkID int64, attempt int) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "bookmark.process", trace.WithAttributes(
		attribute.Int64("bookmark.id", bookmarkID),
		attribute.Int("job.attempt", attempt),
	))
	defer span.End()

	log := p.logger.With(zap.Int64("bookmark_id", bookmarkID), zap.Int("attempt", attempt))

	var (
		rawURL  string
		fetched bookmark.FetchResult
		title   string
		body    string
		path    string
		current bookmark.Bookmark
	)

	err := p.stage(ctx, log, StageFetch, func(ctx context.Context) error {
		var err error
		rawURL, err = p.deps.Records.GetBookmarkURL(ctx, bookmarkID)
		if err != nil {
			return notFoundIsPermanent(fmt.Errorf("load url: %w", err))
		}
		fetched, err = p.deps.Fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		metrics.ObserveFetchedBytes(len(fetched.Body))
		return nil
	})
	if err != nil {
		return Result{}, p.fail(span, err)
	}

	if err := p.stage(ctx, log, StageExtract, func(context.Context) error {
		title, body = p.deps.Extractor.Extract(fetched.Body, rawURL)
		return nil
	}); err != nil {
		return Result{}, p.fail(span, err)
	}

	err = p.stage(ctx, log, StageSnapshot, func(ctx context.Context) error {
		var err error
		path, err = p.deps.Snapshots.Write(ctx, bookmarkID, fetched.Body)
		if err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, p.fail(span, err)
	}

	err = p.stage(ctx, log, StageReconcileRead, func(ctx context.Context) error {
		var err error
		current, err = p.deps.Records.GetBookmarkWithTags(ctx, bookmarkID)
		if err != nil {
			return notFoundIsPermanent(fmt.Errorf("reload bookmark: %w", err))
		}
		return nil
	})
	if err != nil {
		return Result{}, p.fail(span, err)
	}

	// Index and record carry the same title.
	recorded := p.recordedTitle(current, title)
	err = p.stage(ctx, log, StageIndex, func(ctx context.Context) error {
		if err := p.deps.Index.Upsert(ctx, bookmark.NewDocument(current, recorded, body)); err != nil {
			return fmt.Errorf("index document: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, p.fail(span, err)
	}

	err = p.stage(ctx, log, StageReconcileWrite, func(ctx context.Context) error {
		if err := p.deps.Records.UpdateAfterProcessing(ctx, bookmarkID, recorded, path, true); err != nil {
			return notFoundIsPermanent(fmt.Errorf("update bookmark: %w", err))
		}
		return nil
	})
	if err != nil {
		return Result{}, p.fail(span, err)
	}

	log.Info("bookmark processed",
		zap.String("snapshot_path", path),
		zap.Int("bytes", len(fetched.Body)),
		zap.Duration("fetch_duration", fetched.Duration),
	)
	return Result{Title: recorded, SnapshotPath: path, Bytes: len(fetched.Body)}, nil
}

func (p *Processor) recordedTitle(current bookmark.Bookmark, extracted string) string {
	if p.cfg.PreserveUserTitle {
		if stored := current.TitleOrEmpty(); stored != "" {
			return stored
		}
	}
	return extracted
}

func (p *Processor) stage(ctx context.Context, log *zap.Logger, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "bookmark."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	metrics.ObserveStage(name, err, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("stage failed", zap.String("stage", name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	log.Debug("stage finished", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	return nil
}

func (p *Processor) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("job.permanent", bookmark.IsPermanent(err)))
	return err
}

func notFoundIsPermanent(err error) error {
	if errors.Is(err, bookmark.ErrNotFound) {
		return bookmark.Permanent(err)
	}
	return err
}
