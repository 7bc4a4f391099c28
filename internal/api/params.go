package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// OwnerHeader carries the authenticated owner id set by the gateway.
const OwnerHeader = "X-User-ID"

const dateOnly = "2006-01-02"

type ownerKey struct{}

func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(OwnerHeader)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		owner, err := parseID(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid "+OwnerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) int64 {
	owner, _ := ctx.Value(ownerKey{}).(int64)
	return owner
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// parseSearchRequest reads the query string. Range checks on page and limit
// belong to the search service; only malformed values fail here.
func parseSearchRequest(q url.Values, defaultLimit int) (bookmark.SearchRequest, error) {
	req := bookmark.SearchRequest{
		Query:  strings.TrimSpace(q.Get("q")),
		Type:   strings.TrimSpace(q.Get("type")),
		Domain: strings.ToLower(strings.TrimSpace(q.Get("domain"))),
		Tags:   splitCSV(q.Get("tags")),
		Page:   1,
		Limit:  defaultLimit,
	}

	var err error
	if raw := q.Get("page"); raw != "" {
		if req.Page, err = strconv.Atoi(raw); err != nil {
			return req, fmt.Errorf("%w: page must be an integer", bookmark.ErrInvalidPagination)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			return req, fmt.Errorf("%w: limit must be an integer", bookmark.ErrInvalidPagination)
		}
	}
	if raw := q.Get("fulltext"); raw != "" {
		if req.FullText, err = strconv.ParseBool(raw); err != nil {
			return req, fmt.Errorf("%w: fulltext must be a boolean", bookmark.ErrInvalidRequest)
		}
	}
	if req.DateFrom, err = parseDate(q.Get("date_from"), false); err != nil {
		return req, fmt.Errorf("%w: date_from: %w", bookmark.ErrInvalidRequest, err)
	}
	if req.DateTo, err = parseDate(q.Get("date_to"), true); err != nil {
		return req, fmt.Errorf("%w: date_to: %w", bookmark.ErrInvalidRequest, err)
	}
	return req, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare upper bound covers the
// whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
