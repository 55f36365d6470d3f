package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
)

const defaultAMQPQueue = "cutout.work"

// AMQPOption configures the RabbitMQ queue.
type AMQPOption func(*AMQP)

// WithQueueName overrides the durable queue name.
func WithQueueName(name string) AMQPOption {
	return func(a *AMQP) { a.queue = name }
}

// WithPrefetch sets the consumer prefetch count.
func WithPrefetch(n int) AMQPOption {
	return func(a *AMQP) {
		if n > 0 {
			a.prefetch = n
		}
	}
}

// WithAMQPLogger sets a custom logger.
func WithAMQPLogger(l *slog.Logger) AMQPOption {
	return func(a *AMQP) { a.logger = l }
}

// AMQP is a RabbitMQ-backed queue: one durable queue on the default
// exchange, persistent publishes, manual acks. Nack requeues at the
// broker; an unacked delivery from a dead consumer is redelivered by the
// broker itself.
type AMQP struct {
	ch       *amqp.Channel
	queue    string
	prefetch int
	logger   *slog.Logger

	mu         sync.Mutex
	closed     bool
	deliveries <-chan amqp.Delivery
}

// NewAMQP declares the durable queue and returns the transport. The
// caller owns the connection and channel lifecycle.
func NewAMQP(ch *amqp.Channel, opts ...AMQPOption) (*AMQP, error) {
	a := &AMQP{
		ch:       ch,
		queue:    defaultAMQPQueue,
		prefetch: 1,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if _, err := ch.QueueDeclare(
		a.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("%w: declare queue: %w", cutout.ErrQueueUnavailable, err)
	}
	return a, nil
}

// Enqueue publishes a persistent JSON message to the durable queue.
func (a *AMQP) Enqueue(ctx context.Context, msg Message) error {
	if a.isClosed() {
		return cutout.ErrQueueClosed
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cutout/queue: marshal message: %w", err)
	}
	err = a.ch.PublishWithContext(ctx,
		"",      // default exchange
		a.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("%w: publish: %w", cutout.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue receives the next delivery from the consumer stream.
func (a *AMQP) Dequeue(ctx context.Context) (*Delivery, error) {
	deliveries, err := a.consume()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return nil, cutout.ErrQueueClosed
		}
		var msg Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			// Poison frame: drop it so it cannot loop forever.
			a.logger.Error("discarding undecodable delivery",
				slog.String("queue", a.queue),
				slog.String("error", err.Error()))
			_ = d.Nack(false, false) //nolint:errcheck // best effort on poison frames
			return a.Dequeue(ctx)
		}
		return NewDelivery(msg,
			func(context.Context) error { return d.Ack(false) },
			func(context.Context) error { return d.Nack(false, true) },
		), nil
	}
}

// Close cancels the consumer. The channel and connection stay open for
// the caller to tear down.
func (a *AMQP) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.deliveries != nil {
		if err := a.ch.Cancel(a.queue, false); err != nil {
			return fmt.Errorf("cutout/queue: cancel consumer: %w", err)
		}
	}
	return nil
}

func (a *AMQP) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// consume lazily registers the manual-ack consumer, once.
func (a *AMQP) consume() (<-chan amqp.Delivery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, cutout.ErrQueueClosed
	}
	if a.deliveries != nil {
		return a.deliveries, nil
	}
	if err := a.ch.Qos(a.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("%w: qos: %w", cutout.ErrQueueUnavailable, err)
	}
	deliveries, err := a.ch.Consume(
		a.queue,
		a.queue, // consumer tag, reused by Close
		false,   // manual ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: consume: %w", cutout.ErrQueueUnavailable, err)
	}
	a.deliveries = deliveries
	return deliveries, nil
}
