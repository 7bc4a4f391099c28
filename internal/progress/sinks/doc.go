// Package sinks implements concrete job event consumers: forwarding to an
// external publisher, Prometheus counters and structured logging. Each sink
// satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
