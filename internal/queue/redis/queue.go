// Package redisqueue implements the durable job queue on Redis Streams.
//
// Jobs live in a stream read through a consumer group, so an entry stays
// pending until it is acknowledged and is reclaimed by another consumer once
// it has been idle longer than the visibility timeout. Delayed retries wait
// in a sorted set scored by their due time and are moved back onto the
// stream by a Lua script. Jobs that will not be retried are appended to a
// dead-letter stream.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

const (
	// DefaultStream is the job stream key.
	DefaultStream = "booky:jobs"
	// DefaultGroup is the consumer group shared by all processors.
	DefaultGroup = "processors"
	// DefaultBlock bounds a single XREADGROUP wait.
	DefaultBlock = 2 * time.Second
	// DefaultVisibilityTimeout is how long a delivered job may stay
	// unacknowledged before another consumer reclaims it.
	DefaultVisibilityTimeout = 5 * time.Minute
	// DefaultPromoteBatch caps delayed jobs moved per Dequeue call.
	DefaultPromoteBatch = 100
	// DefaultMaxAttempts caps how often an abandoned job is handed out again.
	DefaultMaxAttempts = 5

	defaultConnectionTimeout = 2 * time.Second

	fieldBookmarkID = "bookmark_id"
	fieldAttempt    = "attempt"
	fieldEnqueuedAt = "enqueued_at"
)

// promoteScript moves due members of the delayed set (KEYS[1]) onto the job
// stream (KEYS[2]). Members are "bookmarkID|attempt|nonce".
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, member in ipairs(due) do
	if redis.call('ZREM', KEYS[1], member) == 1 then
		local id, attempt = string.match(member, '^(%d+)|(%d+)|')
		if id then
			redis.call('XADD', KEYS[2], '*', 'bookmark_id', id, 'attempt', attempt, 'enqueued_at', ARGV[1])
			moved = moved + 1
		end
	end
end
return moved
`)

// ClientConfig holds the Redis connection settings.
type ClientConfig struct {
	Addr     string
	Password string `json:"-"`
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectionTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Config names the keys and tunes consumption.
type Config struct {
	Stream            string
	Group             string
	Consumer          string
	Block             time.Duration
	VisibilityTimeout time.Duration
	PromoteBatch      int
	// MaxAttempts bounds redelivery of jobs reclaimed from dead consumers.
	// A reclaimed job that already used its last attempt is dead-lettered.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()
	}
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = DefaultPromoteBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// DeadLetter is one entry of the dead-letter stream.
type DeadLetter struct {
	ID         string
	BookmarkID int64
	Attempt    int
	Reason     string
	FailedAt   time.Time
}

// Queue is a bookmark.Queue backed by Redis Streams.
type Queue struct {
	client  *redis.Client
	cfg     Config
	delayed string
	dead    string
	now     func() time.Time
	logger  *zap.Logger
}

var _ bookmark.Queue = (*Queue)(nil)

// New creates the consumer group if needed and returns a ready queue.
func New(ctx context.Context, client *redis.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		client:  client,
		cfg:     cfg,
		delayed: cfg.Stream + ":delayed",
		dead:    cfg.Stream + ":dead",
		now:     time.Now,
		logger:  logger.Named("queue").With(zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer)),
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Enqueue appends a first-attempt job for bookmarkID.
func (q *Queue) Enqueue(ctx context.Context, bookmarkID int64) error {
	if bookmarkID <= 0 {
		return fmt.Errorf("enqueue: invalid bookmark id %d", bookmarkID)
	}
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			fieldBookmarkID: bookmarkID,
			fieldAttempt:    1,
			fieldEnqueuedAt: q.now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue bookmark %d: %w", bookmarkID, err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx ends. Each call first
// promotes due retries, then requeues jobs abandoned by crashed consumers
// under their next attempt number, and only then waits for new entries.
func (q *Queue) Dequeue(ctx context.Context) (bookmark.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return bookmark.Delivery{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.promoteDue(ctx); err != nil {
			return bookmark.Delivery{}, err
		}

		claimed, err := q.reclaim(ctx)
		if err != nil {
			return bookmark.Delivery{}, err
		}
		for _, msg := range claimed {
			if d, ok := q.decode(ctx, msg); ok {
				if err := q.requeueAbandoned(ctx, d); err != nil {
					return bookmark.Delivery{}, err
				}
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return bookmark.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctxErr)
			}
			return bookmark.Delivery{}, fmt.Errorf("read group: %w", err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if d, ok := q.decode(ctx, msg); ok {
					return d, nil
				}
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayed, q.cfg.Stream},
		q.now().UnixMilli(), q.cfg.PromoteBatch,
	).Int()
	if err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	if moved > 0 {
		q.logger.Debug("promoted delayed jobs", zap.Int("count", moved))
	}
	return nil
}

func (q *Queue) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("auto-claim idle jobs: %w", err)
	}
	return msgs, nil
}

// requeueAbandoned replaces a reclaimed entry with a fresh one carrying the
// next attempt number. The abandoned run counts as an attempt, so a job that
// keeps killing its consumer ends up in the dead-letter stream.
func (q *Queue) requeueAbandoned(ctx context.Context, d bookmark.Delivery) error {
	log := q.logger.With(
		zap.String("message_id", d.MessageID),
		zap.Int64("bookmark_id", d.BookmarkID),
		zap.Int("attempt", d.Attempt),
	)
	if d.Attempt >= q.cfg.MaxAttempts {
		log.Warn("abandoned job used its last attempt, dead-lettering")
		return q.Fail(ctx, d, fmt.Sprintf("abandoned by consumer on attempt %d of %d", d.Attempt, q.cfg.MaxAttempts))
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Stream,
			Values: map[string]any{
				fieldBookmarkID: d.BookmarkID,
				fieldAttempt:    d.Attempt + 1,
				fieldEnqueuedAt: q.now().UnixMilli(),
			},
		})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.MessageID)
		pipe.XDel(ctx, q.cfg.Stream, d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue abandoned %s: %w", d.MessageID, err)
	}
	log.Info("requeued abandoned job")
	return nil
}

// decode parses a stream entry. Entries that cannot be parsed are moved to
// the dead-letter stream and reported as not ok.
func (q *Queue) decode(ctx context.Context, msg redis.XMessage) (bookmark.Delivery, bool) {
	if len(msg.Values) == 0 {
		// Entry was deleted while pending.
		q.ackAndDelete(ctx, msg.ID)
		return bookmark.Delivery{}, false
	}
	d, err := parseMessage(msg)
	if err != nil {
		q.logger.Error("malformed job entry", zap.String("message_id", msg.ID), zap.Error(err))
		if failErr := q.Fail(ctx, bookmark.Delivery{MessageID: msg.ID}, "malformed entry: "+err.Error()); failErr != nil {
			q.logger.Error("failed to dead-letter malformed entry", zap.String("message_id", msg.ID), zap.Error(failErr))
		}
		return bookmark.Delivery{}, false
	}
	return d, true
}

func parseMessage(msg redis.XMessage) (bookmark.Delivery, error) {
	id, err := int64Field(msg.Values, fieldBookmarkID)
	if err != nil {
		return bookmark.Delivery{}, err
	}
	if id <= 0 {
		return bookmark.Delivery{}, fmt.Errorf("invalid %s %d", fieldBookmarkID, id)
	}
	attempt, err := int64Field(msg.Values, fieldAttempt)
	if err != nil || attempt < 1 {
		attempt = 1
	}
	d := bookmark.Delivery{
		MessageID:  msg.ID,
		BookmarkID: id,
		Attempt:    int(attempt),
	}
	if ms, err := int64Field(msg.Values, fieldEnqueuedAt); err == nil {
		d.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return d, nil
}

func int64Field(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%s has type %T", key, raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// Ack removes a finished job.
func (q *Queue) Ack(ctx context.Context, d bookmark.Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.MessageID)
		pipe.XDel(ctx, q.cfg.Stream, d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.MessageID, err)
	}
	return nil
}

// Retry schedules the next attempt after delay and acknowledges this one.
func (q *Queue) Retry(ctx context.Context, d bookmark.Delivery, delay time.Duration) error {
	due := q.now().Add(delay).UnixMilli()
	member := fmt.Sprintf("%d|%d|%s", d.BookmarkID, d.Attempt+1, uuid.NewString())
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: member})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.MessageID)
		pipe.XDel(ctx, q.cfg.Stream, d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", d.MessageID, err)
	}
	return nil
}

// Fail moves the job to the dead-letter stream with reason.
func (q *Queue) Fail(ctx context.Context, d bookmark.Delivery, reason string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dead,
			Values: map[string]any{
				fieldBookmarkID: d.BookmarkID,
				fieldAttempt:    d.Attempt,
				"reason":        reason,
				"failed_at":     q.now().UnixMilli(),
				"message_id":    d.MessageID,
			},
		})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.MessageID)
		pipe.XDel(ctx, q.cfg.Stream, d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.MessageID, err)
	}
	return nil
}

func (q *Queue) ackAndDelete(ctx context.Context, messageID string) {
	if err := q.Ack(ctx, bookmark.Delivery{MessageID: messageID}); err != nil {
		q.logger.Error("failed to ack entry", zap.String("message_id", messageID), zap.Error(err))
	}
}

// DeadLetters returns up to count dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := q.client.XRangeN(ctx, q.dead, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl := DeadLetter{ID: msg.ID}
		dl.BookmarkID, _ = int64Field(msg.Values, fieldBookmarkID)
		if attempt, err := int64Field(msg.Values, fieldAttempt); err == nil {
			dl.Attempt = int(attempt)
		}
		if reason, ok := msg.Values["reason"].(string); ok {
			dl.Reason = reason
		}
		if ms, err := int64Field(msg.Values, "failed_at"); err == nil {
			dl.FailedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, dl)
	}
	return out, nil
}

// Delayed reports how many retries are waiting for their due time.
func (q *Queue) Delayed(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.delayed).Result()
	if err != nil {
		return 0, fmt.Errorf("count delayed jobs: %w", err)
	}
	return n, nil
}

// Ping checks if Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
