// Package queue defines the at-least-once work queue between the lifecycle
// engine and the worker pool, plus three backends: an in-process channel
// queue for tests and development, Redis Streams with a consumer group, and
// a durable RabbitMQ queue.
//
// A queue message carries the job ID, delivery token, attempt number,
// and the immutable request payload — never job state. The store stays
// the single source of truth; the delivery token is what lets the engine
// tell a live delivery from a redelivered ghost.
//
// Every Dequeue must be settled exactly once with Ack or Nack. Nack puts
// the message back for redelivery; backends may also redeliver on their
// own after a consumer dies, which is why the token fence exists.
package queue
