package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// mockTransport implements http.RoundTripper for mocking Elasticsearch responses.
type mockTransport struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(req *http.Request) (int, string)
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

func (t *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	t.mu.Lock()
	t.requests = append(t.requests, recordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Body:   body,
	})
	t.mu.Unlock()

	status, payload := t.respond(req)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(payload)),
		Header:     http.Header{"X-Elastic-Product": []string{"Elasticsearch"}},
	}, nil
}

func (t *mockTransport) last() recordedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[len(t.requests)-1]
}

func newTestIndex(t *testing.T, cfg IndexConfig, respond func(req *http.Request) (int, string)) (*Index, *mockTransport) {
	t.Helper()
	transport := &mockTransport{respond: respond}
	client, err := es.NewClient(es.Config{Transport: transport})
	require.NoError(t, err)
	return NewIndex(client, cfg, zap.NewNop()), transport
}

func TestIndexUpsertPutsDocumentByID(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, IndexConfig{Refresh: "wait_for"}, func(*http.Request) (int, string) {
		return http.StatusOK, `{"result":"updated"}`
	})

	doc := bookmark.Document{ID: 17, OwnerID: 3, Title: "Hello", Content: "world", Tags: []string{}}
	require.NoError(t, idx.Upsert(context.Background(), doc))

	req := transport.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/bookmarks/_doc/17", req.Path)
	assert.Contains(t, req.Query, "refresh=wait_for")

	var sent map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &sent))
	assert.Equal(t, "Hello", sent["title"])
	assert.Equal(t, "world", sent["content"])
	assert.InDelta(t, 3, sent["owner_id"], 0)
}

func TestIndexUpsertErrorStatus(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, IndexConfig{}, func(*http.Request) (int, string) {
		return http.StatusServiceUnavailable, `{"error":"unavailable"}`
	})

	err := idx.Upsert(context.Background(), bookmark.Document{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestIndexQueryParsesRankedIDs(t *testing.T) {
	t.Parallel()

	idx, transport := newTestIndex(t, IndexConfig{Name: "bm", Timeout: 2 * time.Second}, func(*http.Request) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":42,"relation":"eq"},"hits":[{"_id":"9"},{"_id":"3"},{"_id":"27"}]}}`
	})

	q := BuildQuery(bookmark.SearchRequest{OwnerID: 5, Query: "go", Page: 1, Limit: 3})
	hits, err := idx.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 3, 27}, hits.IDs)
	assert.Equal(t, int64(42), hits.Total)

	req := transport.last()
	assert.Equal(t, "/bm/_search", req.Path)
	assert.Contains(t, req.Query, "track_total_hits=true")
	assert.Contains(t, string(req.Body), `"owner_id":5`)
}

func TestIndexQueryRejectsNonNumericID(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, IndexConfig{}, func(*http.Request) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":1},"hits":[{"_id":"abc"}]}}`
	})

	_, err := idx.Query(context.Background(), Query{Size: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abc")
}

func TestIndexQueryErrorStatus(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, IndexConfig{}, func(*http.Request) (int, string) {
		return http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`
	})

	_, err := idx.Query(context.Background(), Query{Size: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index_not_found_exception")
}

func TestEnsureIndex(t *testing.T) {
	t.Parallel()

	t.Run("exists", func(t *testing.T) {
		t.Parallel()
		idx, transport := newTestIndex(t, IndexConfig{}, func(*http.Request) (int, string) {
			return http.StatusOK, ``
		})
		require.NoError(t, idx.EnsureIndex(context.Background()))
		assert.Len(t, transport.requests, 1)
		assert.Equal(t, http.MethodHead, transport.last().Method)
	})

	t.Run("created", func(t *testing.T) {
		t.Parallel()
		idx, transport := newTestIndex(t, IndexConfig{}, func(req *http.Request) (int, string) {
			if req.Method == http.MethodHead {
				return http.StatusNotFound, ``
			}
			return http.StatusOK, `{"acknowledged":true}`
		})
		require.NoError(t, idx.EnsureIndex(context.Background()))
		req := transport.last()
		assert.Equal(t, http.MethodPut, req.Method)
		assert.Equal(t, "/bookmarks", req.Path)
		assert.Contains(t, string(req.Body), `"owner_id":{"type":"long"}`)
	})

	t.Run("lost race", func(t *testing.T) {
		t.Parallel()
		idx, _ := newTestIndex(t, IndexConfig{}, func(req *http.Request) (int, string) {
			if req.Method == http.MethodHead {
				return http.StatusNotFound, ``
			}
			return http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception"}}`
		})
		require.NoError(t, idx.EnsureIndex(context.Background()))
	})

	t.Run("unexpected status", func(t *testing.T) {
		t.Parallel()
		idx, _ := newTestIndex(t, IndexConfig{}, func(*http.Request) (int, string) {
			return http.StatusInternalServerError, ``
		})
		require.Error(t, idx.EnsureIndex(context.Background()))
	})
}

func TestIndexPing(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t, IndexConfig{}, func(*http.Request) (int, string) {
		return http.StatusOK, `{"tagline":"You Know, for Search"}`
	})
	require.NoError(t, idx.Ping(context.Background()))
}

func TestNewClientAddsScheme(t *testing.T) {
	t.Parallel()

	client, err := NewClient(ClientConfig{URL: "localhost:9200"})
	require.NoError(t, err)
	require.NotNil(t, client)
}
