// Package bookmark defines the core types shared across the ingestion and
// search subsystems.
package bookmark

import (
	"time"
)

// Bookmark is the canonical record owned by the relational store.
type Bookmark struct {
	ID             int64     `json:"id"`
	OwnerID        int64     `json:"owner_id"`
	CollectionID   *int64    `json:"collection_id"`
	Title          *string   `json:"title"`
	URL            string    `json:"url"`
	Excerpt        *string   `json:"excerpt"`
	SnapshotPath   *string   `json:"content_snapshot_path"`
	ContentIndexed bool      `json:"content_indexed"`
	Type           *string   `json:"type"`
	Domain         *string   `json:"domain"`
	CoverURL       *string   `json:"cover_url"`
	IsDuplicate    bool      `json:"is_duplicate"`
	IsBroken       bool      `json:"is_broken"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Tags           []string  `json:"tags"`
}

// TitleOrEmpty dereferences the optional title.
func (b Bookmark) TitleOrEmpty() string {
	if b.Title == nil {
		return ""
	}
	return *b.Title
}

// NewBookmark is the producer-side insert payload.
type NewBookmark struct {
	OwnerID      int64
	CollectionID *int64
	URL          string
	Notes        *string
	Domain       string
}

// Document is the denormalized projection held by the search index.
// ID equals the bookmark id, so repeated upserts replace the same entry.
type Document struct {
	ID           int64    `json:"id"`
	OwnerID      int64    `json:"owner_id"`
	CollectionID *int64   `json:"collection_id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	URL          string   `json:"url"`
	Type         *string  `json:"type"`
	Domain       *string  `json:"domain"`
	Tags         []string `json:"tags"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// NewDocument projects a bookmark and freshly extracted content into an
// index document. An empty title falls back to the stored one.
func NewDocument(b Bookmark, title, content string) Document {
	if title == "" {
		title = b.TitleOrEmpty()
	}
	tags := b.Tags
	if tags == nil {
		tags = []string{}
	}
	return Document{
		ID:           b.ID,
		OwnerID:      b.OwnerID,
		CollectionID: b.CollectionID,
		Title:        title,
		Content:      content,
		URL:          b.URL,
		Type:         b.Type,
		Domain:       b.Domain,
		Tags:         tags,
		CreatedAt:    b.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Delivery is one handed-out queue message. MessageID is transport specific.
type Delivery struct {
	MessageID  string
	BookmarkID int64
	Attempt    int
	EnqueuedAt time.Time
}

// FetchResult is the raw body of a successful fetch.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// SearchRequest carries the caller's identity, query text, filters and
// pagination. OwnerID is mandatory and always applied.
type SearchRequest struct {
	OwnerID  int64
	Query    string
	FullText bool
	Tags     []string
	Type     string
	Domain   string
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	Limit    int
}

// SearchPage is a hydrated page of results in index rank order.
type SearchPage struct {
	Bookmarks  []Bookmark `json:"bookmarks"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int64      `json:"totalPages"`
}

// Event is published after a job reaches a terminal state.
type Event struct {
	Type         string    `json:"type"`
	BookmarkID   int64     `json:"bookmark_id"`
	Attempt      int       `json:"attempt"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
	Title        string    `json:"title,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Event types.
const (
	EventProcessed = "bookmark.processed"
	EventFailed    = "bookmark.failed"
)
