package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// PublisherSink forwards every event to an external publisher such as a
// Pub/Sub topic. Failures for individual events are joined and returned so
// the hub can log them; the rest of the batch is still attempted.
type PublisherSink struct {
	publisher bookmark.Publisher
}

// NewPublisherSink wraps pub.
func NewPublisherSink(pub bookmark.Publisher) *PublisherSink {
	return &PublisherSink{publisher: pub}
}

// Consume publishes each event in order.
func (s *PublisherSink) Consume(ctx context.Context, batch []bookmark.Event) error {
	if s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for bookmark %d: %w", evt.Type, evt.BookmarkID, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the wrapped publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
