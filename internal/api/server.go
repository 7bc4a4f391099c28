package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/metrics"
)

// Defaults for Config.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultLimit          = 20

	enqueueTimeout = 5 * time.Second
)

// BookmarkStore is the slice of the record store the API needs.
type BookmarkStore interface {
	CreateBookmark(ctx context.Context, nb bookmark.NewBookmark) (int64, error)
	GetBookmarkWithTags(ctx context.Context, id int64) (bookmark.Bookmark, error)
}

// Enqueuer hands bookmark ids to the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, bookmarkID int64) error
}

// Searcher answers owner-scoped searches.
type Searcher interface {
	Search(ctx context.Context, req bookmark.SearchRequest) (bookmark.SearchPage, error)
}

// Check is one readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout time.Duration
	DefaultLimit   int
}

// Server wires HTTP handlers to the record store, queue and search service.
type Server struct {
	router   chi.Router
	store    BookmarkStore
	enqueuer Enqueuer
	searcher Searcher
	checks   []Check
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store BookmarkStore,
	enqueuer Enqueuer,
	searcher Searcher,
	checks []Check,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		enqueuer: enqueuer,
		searcher: searcher,
		checks:   checks,
		cfg:      cfg,
		logger:   logger,
	}
	r := s.baseRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(ownerMiddleware)
		r.Post("/bookmarks", s.createBookmark)
		r.Post("/bookmarks/{id}/reprocess", s.reprocessBookmark)
		r.Get("/search", s.search)
	})

	s.router = r
	return s
}

// NewOpsServer serves only the probe and metrics routes, for processes that
// run workers without the public API.
func NewOpsServer(checks []Check, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		checks: checks,
		cfg:    Config{RequestTimeout: DefaultRequestTimeout, DefaultLimit: DefaultLimit},
		logger: logger,
	}
	s.router = s.baseRouter()
	return s
}

func (s *Server) baseRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for _, c := range s.checks {
		if err := c.Probe(r.Context()); err != nil {
			failures[c.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createBookmarkRequest struct {
	URL          string  `json:"url"`
	CollectionID *int64  `json:"collection_id"`
	Notes        *string `json:"notes"`
}

type acceptedResponse struct {
	ID     int64 `json:"id"`
	Queued bool  `json:"queued"`
}

func (s *Server) createBookmark(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	var req createBookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	domain, err := bookmark.DomainOf(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateBookmark(r.Context(), bookmark.NewBookmark{
		OwnerID:      owner,
		CollectionID: req.CollectionID,
		URL:          strings.TrimSpace(req.URL),
		Notes:        req.Notes,
		Domain:       domain,
	})
	if err != nil {
		s.logger.Error("create bookmark failed", zap.Int64("owner_id", owner), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create bookmark")
		return
	}

	// The row is the source of truth; a missed enqueue is picked up by reindex.
	queued := true
	if err := s.enqueue(r.Context(), id); err != nil {
		queued = false
		s.logger.Warn("enqueue after create failed", zap.Int64("bookmark_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id, Queued: queued})
}

func (s *Server) reprocessBookmark(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := s.store.GetBookmarkWithTags(r.Context(), id)
	if err != nil {
		if errors.Is(err, bookmark.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bookmark not found")
			return
		}
		s.logger.Error("load bookmark failed", zap.Int64("bookmark_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load bookmark")
		return
	}
	if b.OwnerID != owner {
		writeError(w, http.StatusNotFound, "bookmark not found")
		return
	}

	if err := s.enqueue(r.Context(), id); err != nil {
		s.logger.Error("enqueue reprocess failed", zap.Int64("bookmark_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue bookmark")
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id, Queued: true})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	req, err := parseSearchRequest(r.URL.Query(), s.cfg.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.OwnerID = ownerFrom(r.Context())

	page, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		if errors.Is(err, bookmark.ErrInvalidPagination) || errors.Is(err, bookmark.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", zap.Int64("owner_id", req.OwnerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) enqueue(ctx context.Context, id int64) error {
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.enqueuer.Enqueue(queueCtx, id); err != nil {
		return fmt.Errorf("enqueue bookmark %d: %w", id, err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
