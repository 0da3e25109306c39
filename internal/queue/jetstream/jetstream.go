package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dgurram/decoy/internal/component/jetstream"
	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/queue"
	"github.com/dgurram/decoy/internal/service/logger"
)

const publishedAtHeader = "published-at"

type JetStreamQueueClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

var jqc *JetStreamQueueClient

var defaultBackOff = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// NewJetStreamQueueClient connects to JetStream and provisions the event
// stream plus the durable consumers both daemons pull from. Creation is
// idempotent, so every process can call it at boot.
func NewJetStreamQueueClient() (queue.Queue, error) {
	if jqc != nil {
		return jqc, nil
	}

	nc, err := jetstream.NewJetStreamClient()
	if err != nil {
		return nil, err
	}

	cfg, err := config.GetNatsQueueConfig()
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	client := &JetStreamQueueClient{
		connection: nc,
		context:    js,
	}

	if err := client.AddStream(string(queue.EventStream), []string{"events.>"}, cfg.MAX_MESSAGES_JOB_QUEUE); err != nil {
		return nil, err
	}

	if err := client.AddConsumer(queue.EventStream, queue.DISPATCH_CONSUMER, defaultBackOff, queue.MaxDeliver); err != nil {
		return nil, err
	}

	if err := client.AddConsumer(queue.EventStream, queue.SUPERVISOR_CONSUMER, defaultBackOff, queue.MaxDeliver); err != nil {
		return nil, err
	}

	jqc = client
	return jqc, nil
}

func (c *JetStreamQueueClient) AddStream(stream string, subjects []string, maxMsgs int) error {
	if stream == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if maxMsgs < 1 {
		return fmt.Errorf("maxMsgs must be positive, got %d", maxMsgs)
	}

	_, err := c.context.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  subjects,
		MaxMsgs:   int64(maxMsgs),
		Retention: nats.InterestPolicy,
		Discard:   nats.DiscardNew,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (c *JetStreamQueueClient) AddConsumer(stream queue.QueueEvent, consumer string, backoff []time.Duration, maxDeliver int) error {
	if consumer == "" {
		return fmt.Errorf("consumer name cannot be empty")
	}
	if maxDeliver < 1 {
		return fmt.Errorf("maxDeliver must be positive, got %d", maxDeliver)
	}

	cfg := &nats.ConsumerConfig{
		Durable:       consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: nats.DeliverNewPolicy,
	}
	if len(backoff) > 0 {
		cfg.BackOff = backoff
		cfg.AckWait = backoff[0]
	} else {
		cfg.AckWait = 20 * time.Second
	}

	_, err := c.context.AddConsumer(string(stream), cfg)
	if err != nil && !strings.Contains(err.Error(), "consumer name already in use") {
		return err
	}
	return nil
}

// PublishEvent sends an event carrying only the entity id; consumers re-read
// state from the database. Trace headers ride along so the consumer span
// joins the publisher's trace.
func (c *JetStreamQueueClient) PublishEvent(ctx context.Context, event queue.QueueEvent, id string) error {
	if id == "" {
		return fmt.Errorf("event id cannot be empty")
	}

	msg := nats.NewMsg(string(event))
	msg.Data = []byte(id)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	msg.Header.Set(publishedAtHeader, time.Now().UTC().Format(time.RFC3339Nano))

	_, err := c.context.PublishMsg(msg)
	return err
}

func (c *JetStreamQueueClient) SubscribeEvent(event queue.QueueEvent, consumer string) (queue.Subscription, error) {
	sub, err := c.context.PullSubscribe(string(event), consumer)
	if err != nil {
		return nil, err
	}
	return &pullSubscription{sub: sub}, nil
}

func (c *JetStreamQueueClient) GetPendingMessagesForConsumer(stream queue.QueueEvent, consumer string) (uint64, error) {
	info, err := c.context.ConsumerInfo(string(stream), consumer)
	if err != nil {
		return 0, err
	}
	return info.NumPending, nil
}

func (c *JetStreamQueueClient) Close() error {
	return c.connection.Drain()
}

func (c *JetStreamQueueClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	c.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := c.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close nats connection")
	}

	select {
	case <-done:
		return
	case <-ctx.Done():
		c.connection.Close()
	}
}

type pullSubscription struct {
	sub *nats.Subscription
}

func (s *pullSubscription) Fetch(count int, timeout time.Duration) ([]queue.Msg, error) {
	if count < 1 {
		return nil, fmt.Errorf("fetch count must be positive, got %d", count)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %s", timeout)
	}

	msgs, err := s.sub.Fetch(count, nats.MaxWait(timeout))
	if err != nil {
		return nil, err
	}

	wrapped := make([]queue.Msg, 0, len(msgs))
	for _, m := range msgs {
		wrapped = append(wrapped, &jsMsg{msg: m})
	}
	return wrapped, nil
}

type jsMsg struct {
	msg *nats.Msg
}

func (m *jsMsg) Subject() queue.QueueEvent {
	return queue.QueueEvent(m.msg.Subject)
}

func (m *jsMsg) Data() []byte {
	return m.msg.Data
}

func (m *jsMsg) Ack() error {
	return m.msg.AckSync()
}

func (m *jsMsg) Nak() error {
	return m.msg.Nak()
}

func (m *jsMsg) Term() error {
	return m.msg.Term()
}

func (m *jsMsg) RetryCount() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return int(meta.NumDelivered)
}

func (m *jsMsg) PublishedAt() *time.Time {
	v := m.msg.Header.Get(publishedAtHeader)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func (m *jsMsg) Ctx() context.Context {
	traceparent := m.msg.Header.Get("traceparent")
	tracestate := m.msg.Header.Get("tracestate")
	if tracestate != "" {
		return job_tracer.RestoreTraceContext(traceparent, &tracestate)
	}
	return job_tracer.RestoreTraceContext(traceparent, nil)
}
