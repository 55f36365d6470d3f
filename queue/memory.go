package queue

import (
	"context"
	"log/slog"
	"sync"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
)

const defaultMemoryCapacity = 1024

// MemoryOption configures the in-process queue.
type MemoryOption func(*Memory)

// WithCapacity sets the buffered capacity. Enqueue fails with
// cutout.ErrQueueUnavailable once the buffer is full.
func WithCapacity(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithMemoryLogger sets a custom logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// Memory is a channel-backed queue for tests and single-process
// deployments. Nack redelivers; messages lost to a crashed consumer are
// not recovered (the timeout sweep covers that case in production
// backends too).
type Memory struct {
	mu       sync.Mutex
	ch       chan Message
	inflight map[string]Message // keyed by delivery token
	closed   bool
	capacity int
	logger   *slog.Logger
}

// NewMemory creates an in-process queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		capacity: defaultMemoryCapacity,
		inflight: make(map[string]Message),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.ch = make(chan Message, m.capacity)
	return m
}

// Enqueue publishes a message to the buffer.
func (m *Memory) Enqueue(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return cutout.ErrQueueClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return cutout.ErrQueueUnavailable
	}
}

// Dequeue blocks until a message arrives, the context is cancelled, or
// the queue is closed.
func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-m.ch:
		if !ok {
			return nil, cutout.ErrQueueClosed
		}
		m.track(msg)
		return NewDelivery(msg,
			func(context.Context) error {
				m.untrack(msg)
				return nil
			},
			func(ctx context.Context) error {
				m.untrack(msg)
				return m.Enqueue(ctx, msg)
			},
		), nil
	}
}

// Close drains nothing; buffered messages are discarded with the process.
func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ch)
	return nil
}

// Depth returns the number of buffered (not yet dequeued) messages.
func (m *Memory) Depth() int {
	return len(m.ch)
}

// Inflight returns the number of dequeued but unsettled messages.
func (m *Memory) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Memory) track(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[msg.DeliveryToken.String()] = msg
}

func (m *Memory) untrack(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, msg.DeliveryToken.String())
}
