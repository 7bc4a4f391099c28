package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// Config sizes the hub. Zero values pick the defaults below.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

// Hub defaults.
const (
	DefaultBufferSize     = 1024
	DefaultMaxBatchEvents = 100
	DefaultMaxBatchWait   = 500 * time.Millisecond
	DefaultSinkTimeout    = 10 * time.Second

	dropLogInterval = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = DefaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = DefaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = DefaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Errors returned by Publish.
var (
	ErrHubClosed = errors.New("event hub closed")
	ErrDropped   = errors.New("event dropped: hub buffer full")
)

// Hub is a bookmark.Publisher that queues job events in memory and hands
// them to its sinks in batches from a single goroutine. Publish never waits
// on a sink.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan bookmark.Event
	stop   chan struct{}
	done   chan struct{}

	seq       atomic.Int64
	dropped   atomic.Int64
	dropLog   rate.Sometimes
	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
}

var _ bookmark.Publisher = (*Hub)(nil)

// NewHub starts a hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan bookmark.Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Publish validates evt and queues it. The returned id is local to the hub.
func (h *Hub) Publish(_ context.Context, evt bookmark.Event) (string, error) {
	if h.closed.Load() {
		return "", ErrHubClosed
	}
	if err := Validate(evt); err != nil {
		return "", err
	}
	select {
	case h.events <- evt:
		return "hub-" + strconv.FormatInt(h.seq.Add(1), 10), nil
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.cfg.Logger.Warn("job events dropped, hub buffer full", zap.Int64("dropped", h.dropped.Swap(0)))
		})
		return "", ErrDropped
	}
}

// Validate rejects events no sink could make sense of.
func Validate(evt bookmark.Event) error {
	if evt.Type != bookmark.EventProcessed && evt.Type != bookmark.EventFailed {
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	if evt.BookmarkID <= 0 {
		return errors.New("bookmark id is required")
	}
	if evt.OccurredAt.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Close stops accepting events, delivers what is queued, closes the sinks
// and waits for all of it. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	pending := make([]bookmark.Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				flush()
			} else if deadline == nil {
				// The oldest queued event sets the deadline.
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			flush()
		case <-h.stop:
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []bookmark.Event) {
	batch = append([]bookmark.Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.cfg.Logger.Warn("event sink failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(h.closeCtx); err != nil {
			h.cfg.Logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
