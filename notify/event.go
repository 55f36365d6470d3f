// Package notify streams job lifecycle events to connected clients. A
// Broker registered as an engine extension fans transitions out to
// subscribers over topic-based pub/sub, and the WebSocket handler
// bridges subscribers to the wire in JSON or MessagePack.
package notify

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobSubmitted EventType = "job.submitted"
	EventJobQueued    EventType = "job.queued"
	EventJobClaimed   EventType = "job.claimed"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRequeued  EventType = "job.requeued"
	EventJobCancelled EventType = "job.cancelled"
	EventJobTimedOut  EventType = "job.timed_out"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type" msgpack:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic" msgpack:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data" msgpack:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID     string `json:"job_id"`
	DatasetID string `json:"dataset_id"`
	RunID     string `json:"run_id,omitempty"`
	State     string `json:"state"`
	Attempt   int    `json:"attempt,omitempty"`
	ResultURL string `json:"result_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}
