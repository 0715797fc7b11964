package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/argus-systems/argus/internal/messaging"
)

// StreamConfig defines a JetStream stream for one pipeline leg.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// ConsumerConfig defines a durable consumer.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is the visibility lease: time to wait for acknowledgment
	// before the message becomes deliverable again.
	AckWait time.Duration

	// MaxDeliver bounds redelivery. The consuming stage dead-letters the
	// message on its final delivery instead of letting it expire silently.
	MaxDeliver int

	// MaxAckPending is the maximum number of unacknowledged messages.
	MaxAckPending int
}

// DefaultConsumerConfig returns sensible defaults for a pipeline consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 256,
	}
}

// Predefined streams for the pipeline topology.
var (
	// AlertsStream captures inbound alerts awaiting ingestion.
	AlertsStream = StreamConfig{
		Name:      "ARGUS_ALERTS",
		Subjects:  []string{"alert.ingest"},
		MaxAge:    24 * time.Hour,
		Retention: jetstream.InterestPolicy,
		Storage:   jetstream.FileStorage,
	}

	// ContribStream captures inspector contributions. Interest retention:
	// the attribute subject has two durable consumers (collector and
	// feedback loop), each receiving every message.
	ContribStream = StreamConfig{
		Name:      "ARGUS_CONTRIB",
		Subjects:  []string{"contrib.>"},
		MaxAge:    24 * time.Hour,
		Retention: jetstream.InterestPolicy,
		Storage:   jetstream.FileStorage,
	}

	// InspectStream carries fan-out tasks to externally-owned inspectors.
	InspectStream = StreamConfig{
		Name:      "ARGUS_INSPECT",
		Subjects:  []string{"inspect.task.>"},
		MaxAge:    6 * time.Hour,
		Retention: jetstream.InterestPolicy,
		Storage:   jetstream.FileStorage,
	}

	// EventsStream carries report-published notifications and the store
	// change stream for downstream consumers.
	EventsStream = StreamConfig{
		Name:      "ARGUS_EVENTS",
		Subjects:  []string{"report.published", "store.change.>"},
		MaxAge:    24 * time.Hour,
		Retention: jetstream.InterestPolicy,
		Storage:   jetstream.FileStorage,
	}

	// DeadLetterStream retains failed messages with their failure context
	// for operator inspection. Limits policy: nothing consumes these away.
	DeadLetterStream = StreamConfig{
		Name:      "ARGUS_DEADLETTER",
		Subjects:  []string{"deadletter.>"},
		MaxAge:    7 * 24 * time.Hour,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// Client implements messaging.Publisher and messaging.Consumer on JetStream.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient creates a JetStream client over an established connection.
func NewClient(conn *nats.Conn) (*Client, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Client{conn: conn, js: js}, nil
}

// Publish sends a message and waits for stream acknowledgment.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the underlying connection.
func (c *Client) Close() error {
	return c.conn.Drain()
}

// Provision creates or updates the given streams.
func (c *Client) Provision(ctx context.Context, streams ...StreamConfig) error {
	for _, cfg := range streams {
		_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      cfg.Name,
			Subjects:  cfg.Subjects,
			MaxAge:    cfg.MaxAge,
			Retention: cfg.Retention,
			Storage:   cfg.Storage,
		})
		if err != nil {
			return fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ProvisionConsumer creates or updates a durable consumer on a stream.
func (c *Client) ProvisionConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) error {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	_, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return nil
}

// Consume starts delivering messages from a durable consumer to handler.
// Handler success acks the message; failure naks it for redelivery after a
// short delay. Delivery count is surfaced on the message so handlers can
// dead-letter on the final attempt.
func (c *Client) Consume(ctx context.Context, streamName, consumerName string, handler messaging.Handler) (messaging.StopFunc, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := &messaging.Message{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			Deliveries: 1,
			Timestamp:  time.Now(),
		}
		if meta, err := msg.Metadata(); err == nil {
			m.Deliveries = int(meta.NumDelivered)
		}
		if headers := msg.Headers(); headers != nil {
			m.Metadata = make(map[string]string)
			for k := range headers {
				m.Metadata[k] = headers.Get(k)
			}
		}

		if err := handler(consumeCtx, m); err != nil {
			_ = msg.NakWithDelay(5 * time.Second)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}
