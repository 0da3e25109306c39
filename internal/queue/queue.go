package queue

import (
	"context"
	"time"
)

type QueueEvent string

const (
	EventStream QueueEvent = "EVENTS"

	JobCreated      QueueEvent = "events.job.created"
	JobCancelled    QueueEvent = "events.job.cancelled"
	WorkerCreated   QueueEvent = "events.worker.created"
	WorkerUpdated   QueueEvent = "events.worker.updated"
	WorkerRemoved   QueueEvent = "events.worker.removed"
	WorkerRelogin   QueueEvent = "events.worker.relogin"
	DeadLetterQueue QueueEvent = "events.job.dead"
)

const (
	DISPATCH_CONSUMER   = "DISPATCH"
	SUPERVISOR_CONSUMER = "SUPERVISOR"
)

// MaxDeliver bounds redelivery per consumer; exhausted messages move to the
// dead letter subject.
const MaxDeliver = 5

// Msg is one delivered queue message. Ctx carries the publisher's restored
// trace context and PublishedAt the broker-crossing timestamp, when present.
// Consumers pull every subject on the stream, so Subject is how a loop tells
// a job event from a worker event.
type Msg interface {
	Subject() QueueEvent
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	RetryCount() int
	PublishedAt() *time.Time
	Ctx() context.Context
}

type Subscription interface {
	Fetch(count int, timeout time.Duration) ([]Msg, error)
}

type Queue interface {
	AddStream(stream string, subjects []string, maxMsgs int) error
	AddConsumer(stream QueueEvent, consumer string, backoff []time.Duration, maxDeliver int) error
	PublishEvent(ctx context.Context, event QueueEvent, id string) error
	SubscribeEvent(event QueueEvent, consumer string) (Subscription, error)
	GetPendingMessagesForConsumer(stream QueueEvent, consumer string) (uint64, error)
	Close() error
	ShutDown(ctx context.Context)
}
