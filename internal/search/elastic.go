package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// DefaultIndexName is used when no index name is configured.
const DefaultIndexName = "bookmarks"

// ClientConfig configures the Elasticsearch connection.
type ClientConfig struct {
	URL        string
	Username   string
	Password   string
	MaxRetries int
}

// NewClient builds an Elasticsearch client.
func NewClient(cfg ClientConfig) (*es.Client, error) {
	addr := cfg.URL
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	clientCfg := es.Config{
		Addresses:  []string{addr},
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.Username != "" {
		clientCfg.Username = cfg.Username
		clientCfg.Password = cfg.Password
	}
	client, err := es.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return client, nil
}

// IndexConfig names the index and controls write visibility.
type IndexConfig struct {
	Name    string
	Refresh string
	Timeout time.Duration
}

// Hits is one page of ranked ids plus the engine's total estimate.
type Hits struct {
	IDs   []int64
	Total int64
}

// Index is the Elasticsearch-backed document index.
type Index struct {
	client  *es.Client
	name    string
	refresh string
	timeout time.Duration
	logger  *zap.Logger
}

// NewIndex wraps client for the configured index.
func NewIndex(client *es.Client, cfg IndexConfig, logger *zap.Logger) *Index {
	if cfg.Name == "" {
		cfg.Name = DefaultIndexName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		client:  client,
		name:    cfg.Name,
		refresh: cfg.Refresh,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Name returns the index name.
func (i *Index) Name() string {
	return i.name
}

var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":            map[string]any{"type": "long"},
			"owner_id":      map[string]any{"type": "long"},
			"collection_id": map[string]any{"type": "long"},
			"title":         map[string]any{"type": "text"},
			"content":       map[string]any{"type": "text"},
			"url":           map[string]any{"type": "text"},
			"type":          map[string]any{"type": "keyword"},
			"domain":        map[string]any{"type": "keyword"},
			"tags":          map[string]any{"type": "keyword"},
			"created_at":    map[string]any{"type": "date"},
			"updated_at":    map[string]any{"type": "date"},
		},
	},
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (i *Index) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.name}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index exists: %w", err)
	}
	closeBody(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index exists: unexpected status %d", res.StatusCode)
	}

	body, err := json.Marshal(indexMapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	res, err = i.client.Indices.Create(
		i.name,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer closeBody(res)
	if res.IsError() {
		// Another process may have created it between the two calls.
		if res.StatusCode == http.StatusBadRequest && strings.Contains(readBody(res), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index returned error [%d]", res.StatusCode)
	}
	i.logger.Info("search index created", zap.String("index", i.name))
	return nil
}

// Upsert creates or wholly replaces the document whose id is doc.ID.
func (i *Index) Upsert(ctx context.Context, doc bookmark.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	opts := []func(*esapi.IndexRequest){
		i.client.Index.WithContext(ctx),
		i.client.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
	}
	if i.refresh != "" {
		opts = append(opts, i.client.Index.WithRefresh(i.refresh))
	}
	res, err := i.client.Index(i.name, bytes.NewReader(body), opts...)
	if err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return fmt.Errorf("index document returned error [%d]: %s", res.StatusCode, readBody(res))
	}
	i.logger.Debug("document indexed", zap.String("index", i.name), zap.Int64("bookmark_id", doc.ID))
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// Query runs q and returns ids in rank order.
func (i *Index) Query(ctx context.Context, q Query) (Hits, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(q.Body()); err != nil {
		return Hits{}, fmt.Errorf("encode query: %w", err)
	}
	opts := []func(*esapi.SearchRequest){
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(&buf),
		i.client.Search.WithTrackTotalHits(true),
	}
	if i.timeout > 0 {
		opts = append(opts, i.client.Search.WithTimeout(i.timeout))
	}
	res, err := i.client.Search(opts...)
	if err != nil {
		return Hits{}, fmt.Errorf("search request failed: %w", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return Hits{}, fmt.Errorf("search returned error [%d]: %s", res.StatusCode, readBody(res))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Hits{}, fmt.Errorf("decode search response: %w", err)
	}
	hits := Hits{
		IDs:   make([]int64, 0, len(parsed.Hits.Hits)),
		Total: parsed.Hits.Total.Value,
	}
	for _, h := range parsed.Hits.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			return Hits{}, fmt.Errorf("parse hit id %q: %w", h.ID, err)
		}
		hits.IDs = append(hits.IDs, id)
	}
	return hits, nil
}

// Ping verifies the Elasticsearch connection.
func (i *Index) Ping(ctx context.Context) error {
	res, err := i.client.Ping(i.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed [%d]", res.StatusCode)
	}
	return nil
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}

func readBody(res *esapi.Response) string {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return string(body)
}
