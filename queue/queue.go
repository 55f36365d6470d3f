package queue

import (
	"context"
	"sync"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Message is the wire payload of a single delivery attempt. It carries
// the immutable request so a consumer can execute without a store read,
// but never job state; the store stays the single source of truth for
// where the job is in its lifecycle.
type Message struct {
	JobID         id.JobID    `json:"job_id"`
	DeliveryToken id.Token    `json:"delivery_token"`
	Attempt       int         `json:"attempt"`
	Request       job.Request `json:"request"`
}

// Delivery is a received message together with its settlement handle.
// Exactly one of Ack or Nack should be called; later calls are no-ops.
type Delivery struct {
	Message

	mu      sync.Mutex
	settled bool
	ack     func(context.Context) error
	nack    func(context.Context) error
}

// NewDelivery wraps a message with backend settlement callbacks. Either
// callback may be nil when the backend has nothing to do for it.
func NewDelivery(msg Message, ack, nack func(context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack marks the delivery as processed. The backend will not redeliver it.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settle() || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the delivery to the queue for another attempt.
func (d *Delivery) Nack(ctx context.Context) error {
	if !d.settle() || d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

func (d *Delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// Queue is the at-least-once transport contract. Implementations may
// redeliver a message after a consumer failure; consumers must treat the
// delivery token as the authority on whether a message is still live.
type Queue interface {
	// Enqueue publishes a message. Returns cutout.ErrQueueUnavailable
	// (possibly wrapped) on transient broker faults and
	// cutout.ErrQueueClosed after Close.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue blocks until a message arrives, the context is cancelled,
	// or the queue is closed.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Close stops the queue. Blocked Dequeue calls return
	// cutout.ErrQueueClosed.
	Close(ctx context.Context) error
}
