package progress

import (
	"context"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// Sink consumes batches of job events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []bookmark.Event) error
	Close(ctx context.Context) error
}
