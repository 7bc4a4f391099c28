// Package progress provides the non-blocking hub that carries job lifecycle
// events from workers to pluggable sinks such as Pub/Sub, Prometheus or the
// log. Workers hand events to the Hub as a bookmark.Publisher and move on;
// batching and delivery happen on a background goroutine.
package progress
