// Package postgres provides the Postgres-backed bookmark record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// BookmarkStore reads and reconciles bookmark rows.
type BookmarkStore struct {
	pool pool
}

// NewBookmarkStore creates a Postgres-backed BookmarkStore using the provided config.
func NewBookmarkStore(ctx context.Context, cfg StoreConfig) (*BookmarkStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &BookmarkStore{pool: p}, nil
}

// NewBookmarkStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewBookmarkStoreWithPool(p pool) (*BookmarkStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &BookmarkStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *BookmarkStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *BookmarkStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const selectWithTags = `
SELECT
	b.id,
	b.owner_id,
	b.collection_id,
	b.title,
	b.url,
	b.excerpt,
	b.content_snapshot_path,
	b.content_indexed,
	b.type,
	b.domain,
	b.cover_url,
	b.is_duplicate,
	b.is_broken,
	b.created_at,
	b.updated_at,
	COALESCE(array_agg(t.name ORDER BY t.name) FILTER (WHERE t.id IS NOT NULL), '{}') AS tags
FROM bookmarks b
LEFT JOIN bookmark_tags bt ON bt.bookmark_id = b.id
LEFT JOIN tags t ON t.id = bt.tag_id
`

// GetBookmarkURL returns the URL of a bookmark.
func (s *BookmarkStore) GetBookmarkURL(ctx context.Context, id int64) (string, error) {
	var url string
	err := s.pool.QueryRow(ctx, `SELECT url FROM bookmarks WHERE id = $1`, id).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", bookmark.ErrNotFound
		}
		return "", fmt.Errorf("get bookmark url: %w", err)
	}
	return url, nil
}

// GetBookmarkWithTags returns the full row plus tag names in one query.
func (s *BookmarkStore) GetBookmarkWithTags(ctx context.Context, id int64) (bookmark.Bookmark, error) {
	query := selectWithTags + `WHERE b.id = $1
GROUP BY b.id`
	b, err := scanBookmark(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bookmark.Bookmark{}, bookmark.ErrNotFound
		}
		return bookmark.Bookmark{}, fmt.Errorf("get bookmark with tags: %w", err)
	}
	return b, nil
}

// updated_at is copied into the index document and must not move on reprocessing.
const updateAfterProcessingQuery = `
UPDATE bookmarks
SET title = $1,
	content_snapshot_path = $2,
	content_indexed = $3
WHERE id = $4`

// UpdateAfterProcessing writes the pipeline results back to the record.
func (s *BookmarkStore) UpdateAfterProcessing(
	ctx context.Context,
	id int64,
	title string,
	snapshotPath string,
	indexed bool,
) error {
	tag, err := s.pool.Exec(ctx, updateAfterProcessingQuery, title, snapshotPath, indexed, id)
	if err != nil {
		return fmt.Errorf("update bookmark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return bookmark.ErrNotFound
	}
	return nil
}

// GetManyWithTags returns the owner's bookmarks among ids, in no particular
// order. Ids that no longer exist are simply absent.
func (s *BookmarkStore) GetManyWithTags(ctx context.Context, ownerID int64, ids []int64) ([]bookmark.Bookmark, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := selectWithTags + `WHERE b.id = ANY($1) AND b.owner_id = $2
GROUP BY b.id`
	rows, err := s.pool.Query(ctx, query, ids, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get bookmarks with tags: %w", err)
	}
	defer rows.Close()

	out := make([]bookmark.Bookmark, 0, len(ids))
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bookmark row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmark rows: %w", err)
	}
	return out, nil
}

// CreateBookmark inserts a new bookmark and returns its id.
func (s *BookmarkStore) CreateBookmark(ctx context.Context, nb bookmark.NewBookmark) (int64, error) {
	query := `
INSERT INTO bookmarks (owner_id, collection_id, url, excerpt, domain)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, query, nb.OwnerID, nb.CollectionID, nb.URL, nb.Notes, nb.Domain).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert bookmark: %w", err)
	}
	return id, nil
}

// ListUnindexed returns ids of bookmarks not yet indexed, oldest first.
func (s *BookmarkStore) ListUnindexed(ctx context.Context, limit int) ([]int64, error) {
	query := `
SELECT id FROM bookmarks
WHERE content_indexed = false
ORDER BY created_at ASC, id ASC
LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unindexed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func scanBookmark(row pgx.Row) (bookmark.Bookmark, error) {
	var b bookmark.Bookmark
	err := row.Scan(
		&b.ID,
		&b.OwnerID,
		&b.CollectionID,
		&b.Title,
		&b.URL,
		&b.Excerpt,
		&b.SnapshotPath,
		&b.ContentIndexed,
		&b.Type,
		&b.Domain,
		&b.CoverURL,
		&b.IsDuplicate,
		&b.IsBroken,
		&b.CreatedAt,
		&b.UpdatedAt,
		&b.Tags,
	)
	if err != nil {
		return bookmark.Bookmark{}, err //nolint:wrapcheck // callers wrap with context
	}
	return b, nil
}
