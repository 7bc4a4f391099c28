package bookmark

import (
	"context"
	"time"
)

// Fetcher retrieves the raw body of a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResult, error)
}

// Extractor derives a title and flattened body text from raw markup.
type Extractor interface {
	Extract(raw []byte, sourceURL string) (title string, body string)
}

// SnapshotStore persists the raw fetched body keyed by bookmark id and
// returns a retrievable path. Writes overwrite.
type SnapshotStore interface {
	Write(ctx context.Context, bookmarkID int64, raw []byte) (string, error)
}

// Indexer upserts a document into the search index.
type Indexer interface {
	Upsert(ctx context.Context, doc Document) error
}

// Records is the relational system of record used by the processor and
// the search hydration step.
type Records interface {
	GetBookmarkURL(ctx context.Context, id int64) (string, error)
	GetBookmarkWithTags(ctx context.Context, id int64) (Bookmark, error)
	UpdateAfterProcessing(ctx context.Context, id int64, title, snapshotPath string, indexed bool) error
	GetManyWithTags(ctx context.Context, ownerID int64, ids []int64) ([]Bookmark, error)
}

// Queue is a durable at-least-once job queue keyed by bookmark id.
type Queue interface {
	Enqueue(ctx context.Context, bookmarkID int64) error
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
	Fail(ctx context.Context, d Delivery, reason string) error
	Close() error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
