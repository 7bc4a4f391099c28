// Package memory contains an in-memory event publisher for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []bookmark.Event
	logger *zap.Logger
}

var _ bookmark.Publisher = (*Publisher)(nil)

// New returns a memory Publisher. Events are also logged at debug level
// when logger is non-nil.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event bookmark.Event) (string, error) {
	p.mu.Lock()
	p.events = append(p.events, event)
	id := fmt.Sprintf("memory-%d", len(p.events))
	p.mu.Unlock()

	p.logger.Debug("event recorded",
		zap.String("id", id),
		zap.String("type", event.Type),
		zap.Int64("bookmark_id", event.BookmarkID),
	)
	return id, nil
}

// Events returns the recorded events.
func (p *Publisher) Events() []bookmark.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]bookmark.Event, len(p.events))
	copy(out, p.events)
	return out
}
