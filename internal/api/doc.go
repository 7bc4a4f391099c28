// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/bookmarks to save a bookmark and queue it for processing.
//   - POST /v1/bookmarks/{id}/reprocess to queue an existing bookmark again.
//   - GET /v1/search for owner-scoped search.
//
// Every /v1 route requires the X-User-ID header.
package api
