package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// LogSink emits structured logs for each job event. It is useful during
// development when no topic is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []bookmark.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", evt.Type),
			zap.Int64("bookmark_id", evt.BookmarkID),
			zap.Int("attempt", evt.Attempt),
			zap.Time("occurred_at", evt.OccurredAt),
		}
		if evt.SnapshotPath != "" {
			fields = append(fields, zap.String("snapshot", evt.SnapshotPath))
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
