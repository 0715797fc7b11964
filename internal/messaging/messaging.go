// Package messaging provides abstractions for message broker communication.
// Pipeline stages publish and consume through these interfaces without being
// coupled to a specific broker implementation.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a message received from or sent to the broker.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Deliveries counts how many times this message has been delivered,
	// including the current attempt. Consumers use it to enforce the
	// bounded-retry budget before dead-lettering.
	Deliveries int

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was received.
	Timestamp time.Time
}

// Handler processes a received message. A non-nil error triggers redelivery
// until the delivery budget is exhausted.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message and waits for broker acknowledgment.
	Publish(ctx context.Context, subject string, data []byte) error

	Close() error
}

// PublishJSON marshals v and publishes it to subject.
func PublishJSON(ctx context.Context, pub Publisher, subject string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", subject, err)
	}
	return pub.Publish(ctx, subject, raw)
}

// StopFunc stops an active consumer.
type StopFunc func()

// Consumer delivers messages from a durable subscription to a handler.
type Consumer interface {
	// Consume starts delivering messages from the named durable consumer.
	Consume(ctx context.Context, stream, consumer string, handler Handler) (StopFunc, error)
}
