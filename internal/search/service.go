package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/metrics"
)

// DefaultMaxLimit caps the page size.
const DefaultMaxLimit = 100

// Engine executes queries against the index.
type Engine interface {
	Query(ctx context.Context, q Query) (Hits, error)
}

// Hydrator loads full rows for ranked ids.
type Hydrator interface {
	GetManyWithTags(ctx context.Context, ownerID int64, ids []int64) ([]bookmark.Bookmark, error)
}

// ServiceConfig tunes request validation.
type ServiceConfig struct {
	MaxLimit int
}

// Service answers owner-scoped search requests.
type Service struct {
	engine   Engine
	records  Hydrator
	maxLimit int
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(engine Engine, records Hydrator, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:   engine,
		records:  records,
		maxLimit: cfg.MaxLimit,
		logger:   logger,
	}
}

// Validate rejects requests that must not reach the engine.
func (s *Service) Validate(req bookmark.SearchRequest) error {
	if req.OwnerID <= 0 {
		return fmt.Errorf("%w: owner is required", bookmark.ErrInvalidRequest)
	}
	if req.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1", bookmark.ErrInvalidPagination)
	}
	if req.Limit < 1 || req.Limit > s.maxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", bookmark.ErrInvalidPagination, s.maxLimit)
	}
	if req.DateFrom != nil && req.DateTo != nil && req.DateFrom.After(*req.DateTo) {
		return fmt.Errorf("%w: date_from is after date_to", bookmark.ErrInvalidRequest)
	}
	return nil
}

// Search queries the index and hydrates the hits in rank order. Rows that
// vanished from the store since indexing are dropped; Total stays the
// engine's estimate.
func (s *Service) Search(ctx context.Context, req bookmark.SearchRequest) (bookmark.SearchPage, error) {
	if err := s.Validate(req); err != nil {
		metrics.ObserveSearch("invalid")
		return bookmark.SearchPage{}, err
	}

	q := BuildQuery(req)
	hits, err := s.engine.Query(ctx, q)
	if err != nil {
		metrics.ObserveSearch("engine_error")
		return bookmark.SearchPage{}, fmt.Errorf("query index: %w", err)
	}
	s.logger.Debug("search executed",
		zap.Int64("owner_id", req.OwnerID),
		zap.String("filter", q.Filter.String()),
		zap.Strings("fields", q.Fields),
		zap.Int("hits", len(hits.IDs)),
		zap.Int64("total", hits.Total),
	)

	page := bookmark.SearchPage{
		Bookmarks:  []bookmark.Bookmark{},
		Total:      hits.Total,
		Page:       req.Page,
		Limit:      req.Limit,
		TotalPages: totalPages(hits.Total, req.Limit),
	}
	if len(hits.IDs) == 0 {
		metrics.ObserveSearch("empty")
		return page, nil
	}

	rows, err := s.records.GetManyWithTags(ctx, req.OwnerID, hits.IDs)
	if err != nil {
		metrics.ObserveSearch("hydrate_error")
		return bookmark.SearchPage{}, fmt.Errorf("hydrate results: %w", err)
	}
	page.Bookmarks = orderByRank(hits.IDs, rows)
	metrics.ObserveSearch("ok")
	return page, nil
}

func orderByRank(ids []int64, rows []bookmark.Bookmark) []bookmark.Bookmark {
	byID := make(map[int64]bookmark.Bookmark, len(rows))
	for _, b := range rows {
		byID[b.ID] = b
	}
	out := make([]bookmark.Bookmark, 0, len(ids))
	for _, id := range ids {
		if b, ok := byID[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

func totalPages(total int64, limit int) int64 {
	if total <= 0 || limit <= 0 {
		return 0
	}
	l := int64(limit)
	return (total + l - 1) / l
}
