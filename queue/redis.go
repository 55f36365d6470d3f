package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

const (
	defaultStream   = "cutout:work"
	defaultGroup    = "cutout-workers"
	defaultBlock    = 5 * time.Second
	defaultMinIdle  = 30 * time.Second
	defaultClaimGap = 10 // dequeues between reclaim scans
)

// StreamsOption configures the Redis Streams queue.
type StreamsOption func(*Streams)

// WithStream overrides the stream key.
func WithStream(key string) StreamsOption {
	return func(s *Streams) { s.stream = key }
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) StreamsOption {
	return func(s *Streams) { s.group = group }
}

// WithConsumer sets this consumer's name within the group. Defaults to a
// fresh worker ID per process.
func WithConsumer(name string) StreamsOption {
	return func(s *Streams) { s.consumer = name }
}

// WithBlock sets how long a single XREADGROUP blocks before Dequeue
// re-checks the context and the pending-entries list.
func WithBlock(d time.Duration) StreamsOption {
	return func(s *Streams) { s.block = d }
}

// WithMinIdle sets how long a pending entry must sit unacked before
// another consumer may claim it.
func WithMinIdle(d time.Duration) StreamsOption {
	return func(s *Streams) { s.minIdle = d }
}

// WithStreamsLogger sets a custom logger.
func WithStreamsLogger(l *slog.Logger) StreamsOption {
	return func(s *Streams) { s.logger = l }
}

// Streams is a Redis Streams queue using a consumer group for
// at-least-once delivery. Entries left pending by a dead consumer are
// reclaimed with XAUTOCLAIM once they pass the min-idle threshold.
type Streams struct {
	client   goredis.Cmdable
	stream   string
	group    string
	consumer string
	block    time.Duration
	minIdle  time.Duration
	logger   *slog.Logger

	initGroup sync.Once
	initErr   error

	mu       sync.Mutex
	closed   bool
	dequeues int
}

// NewStreams creates a Redis Streams queue. The caller owns the Redis
// client lifecycle.
func NewStreams(client goredis.Cmdable, opts ...StreamsOption) *Streams {
	s := &Streams{
		client:   client,
		stream:   defaultStream,
		group:    defaultGroup,
		consumer: id.NewWorkerID().String(),
		block:    defaultBlock,
		minIdle:  defaultMinIdle,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends the message to the stream.
func (s *Streams) Enqueue(ctx context.Context, msg Message) error {
	if s.isClosed() {
		return cutout.ErrQueueClosed
	}
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	values, err := messageToValues(msg)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: xadd: %w", cutout.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue reads the next entry for this consumer, periodically scanning
// the pending-entries list for deliveries abandoned by dead consumers.
func (s *Streams) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}

	for {
		if s.isClosed() {
			return nil, cutout.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if s.shouldReclaim() {
			if d, ok, err := s.reclaim(ctx); err != nil {
				return nil, err
			} else if ok {
				return d, nil
			}
		}

		res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue // block expired, loop
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: xreadgroup: %w", cutout.ErrQueueUnavailable, err)
		}
		for _, stream := range res {
			for _, entry := range stream.Messages {
				return s.wrap(entry), nil
			}
		}
	}
}

// Close marks the queue closed. Group and stream are left in Redis for
// the next process.
func (s *Streams) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ── internals ──

func (s *Streams) ensureGroup(ctx context.Context) error {
	s.initGroup.Do(func() {
		err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			s.initErr = fmt.Errorf("%w: create group: %w", cutout.ErrQueueUnavailable, err)
		}
	})
	return s.initErr
}

func (s *Streams) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// shouldReclaim rations XAUTOCLAIM to every Nth dequeue so healthy
// consumers spend their time on new entries.
func (s *Streams) shouldReclaim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeues++
	return s.dequeues%defaultClaimGap == 1
}

func (s *Streams) reclaim(ctx context.Context) (*Delivery, bool, error) {
	entries, _, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: xautoclaim: %w", cutout.ErrQueueUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	s.logger.Warn("reclaimed abandoned delivery",
		slog.String("stream", s.stream),
		slog.String("entry_id", entries[0].ID))
	return s.wrap(entries[0]), true, nil
}

func (s *Streams) wrap(entry goredis.XMessage) *Delivery {
	msg := entryToMessage(entry)
	entryID := entry.ID
	return NewDelivery(msg,
		func(ctx context.Context) error {
			pipe := s.client.TxPipeline()
			pipe.XAck(ctx, s.stream, s.group, entryID)
			pipe.XDel(ctx, s.stream, entryID)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("%w: xack: %w", cutout.ErrQueueUnavailable, err)
			}
			return nil
		},
		func(ctx context.Context) error {
			// Settle the pending entry, then append a fresh one so the
			// message goes back to the end of the line.
			values, err := messageToValues(msg)
			if err != nil {
				return err
			}
			pipe := s.client.TxPipeline()
			pipe.XAck(ctx, s.stream, s.group, entryID)
			pipe.XDel(ctx, s.stream, entryID)
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: s.stream,
				Values: values,
			})
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("%w: nack requeue: %w", cutout.ErrQueueUnavailable, err)
			}
			return nil
		},
	)
}

func messageToValues(msg Message) (map[string]interface{}, error) {
	req, err := json.Marshal(msg.Request)
	if err != nil {
		return nil, fmt.Errorf("cutout/queue: marshal request: %w", err)
	}
	return map[string]interface{}{
		"job_id":         msg.JobID.String(),
		"delivery_token": msg.DeliveryToken.String(),
		"attempt":        strconv.Itoa(msg.Attempt),
		"request":        string(req),
	}, nil
}

func entryToMessage(entry goredis.XMessage) Message {
	var msg Message
	if v, ok := entry.Values["job_id"].(string); ok {
		msg.JobID, _ = id.ParseJobID(v) //nolint:errcheck // entries are written by Enqueue
	}
	if v, ok := entry.Values["delivery_token"].(string); ok {
		msg.DeliveryToken, _ = id.ParseToken(v) //nolint:errcheck // entries are written by Enqueue
	}
	if v, ok := entry.Values["attempt"].(string); ok {
		msg.Attempt, _ = strconv.Atoi(v) //nolint:errcheck // entries are written by Enqueue
	}
	if v, ok := entry.Values["request"].(string); ok {
		_ = json.Unmarshal([]byte(v), &msg.Request) //nolint:errcheck // entries are written by Enqueue
	}
	return msg
}
