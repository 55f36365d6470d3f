package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/hook"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Compile-time interface checks.
var (
	_ hook.Extension    = (*Broker)(nil)
	_ hook.JobSubmitted = (*Broker)(nil)
	_ hook.JobQueued    = (*Broker)(nil)
	_ hook.JobClaimed   = (*Broker)(nil)
	_ hook.JobCompleted = (*Broker)(nil)
	_ hook.JobFailed    = (*Broker)(nil)
	_ hook.JobRequeued  = (*Broker)(nil)
	_ hook.JobCancelled = (*Broker)(nil)
	_ hook.JobTimedOut  = (*Broker)(nil)
	_ hook.Shutdown     = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker receives lifecycle events from the engine's hook registry and
// fans them out to subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements hook.Extension.
func (b *Broker) Name() string { return "notify.broker" }

// Subscribe creates a subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

func (b *Broker) publish(typ EventType, j *job.Job, data JobEventData) {
	evt := &Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(data),
	}
	delivered := b.topics.Broadcast(resolveTopics(evt, j.Request.RunID), evt)
	b.totalPublished.Add(int64(delivered))
}

func baseData(j *job.Job) JobEventData {
	return JobEventData{
		JobID:     j.ID.String(),
		DatasetID: j.Request.DatasetID,
		RunID:     j.Request.RunID,
		State:     string(j.State),
		Attempt:   j.AttemptCount,
	}
}

// mustMarshal marshals event data, panicking on error (programming
// error: the payload types contain nothing unmarshalable).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("notify: marshal event data: " + err.Error())
	}
	return data
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobSubmitted(_ context.Context, j *job.Job) error {
	b.publish(EventJobSubmitted, j, baseData(j))
	return nil
}

func (b *Broker) OnJobQueued(_ context.Context, j *job.Job) error {
	b.publish(EventJobQueued, j, baseData(j))
	return nil
}

func (b *Broker) OnJobClaimed(_ context.Context, j *job.Job) error {
	b.publish(EventJobClaimed, j, baseData(j))
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	data := baseData(j)
	data.ElapsedMs = elapsed.Milliseconds()
	if j.Result != nil {
		data.ResultURL = j.Result.URL
	}
	b.publish(EventJobCompleted, j, data)
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, failure job.Failure) error {
	data := baseData(j)
	data.ErrorCode = failure.Code
	data.Error = failure.Message
	b.publish(EventJobFailed, j, data)
	return nil
}

func (b *Broker) OnJobRequeued(_ context.Context, j *job.Job, attempt int) error {
	data := baseData(j)
	data.Attempt = attempt
	data.Error = j.LastError
	b.publish(EventJobRequeued, j, data)
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publish(EventJobCancelled, j, baseData(j))
	return nil
}

func (b *Broker) OnJobTimedOut(_ context.Context, j *job.Job) error {
	b.publish(EventJobTimedOut, j, baseData(j))
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		value.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("notify broker shut down")
	return nil
}
