// Package collyfetcher implements bookmark.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultUserAgent = "Mozilla/5.0 (compatible; BookyBot/1.0)"
	DefaultTimeout   = 10 * time.Second
	DefaultMaxBytes  = 5 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int
}

// Fetcher performs one bounded GET per call.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Robots rules are ignored since every fetch is a
// single page a user asked for.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
		// One extra byte lets an oversized body be told apart from one
		// that is exactly at the cap.
		colly.MaxBodySize(cfg.MaxBytes+1),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch validates rawURL and retrieves its body. On any failure no partial
// body is returned.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (bookmark.FetchResult, error) {
	u, err := bookmark.ParseURL(rawURL)
	if err != nil {
		return bookmark.FetchResult{}, bookmark.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var (
		result   bookmark.FetchResult
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, u.String(), &fetchErr); err != nil {
		return bookmark.FetchResult{}, err
	}
	if err := f.checkResult(result); err != nil {
		return bookmark.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *bookmark.FetchResult,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = bookmark.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) checkResult(result bookmark.FetchResult) error {
	if result.StatusCode < http.StatusOK || result.StatusCode >= http.StatusMultipleChoices {
		err := fmt.Errorf("%w: %d", bookmark.ErrUnexpectedStatus, result.StatusCode)
		if isClientError(result.StatusCode) {
			return bookmark.Permanent(err)
		}
		return err
	}
	if len(result.Body) > f.cfg.MaxBytes {
		return fmt.Errorf("%w: limit %d bytes", bookmark.ErrBodyTooLarge, f.cfg.MaxBytes)
	}
	return nil
}

// isClientError reports 4xx statuses that will not change on retry.
func isClientError(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
