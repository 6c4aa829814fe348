package iqueue

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Receive once the receiver or its connection is gone.
	ErrClosed = errors.New("queue receiver closed")
	// ErrMissingSetting is returned when a required connection setting is empty.
	ErrMissingSetting = errors.New("missing required queue setting")
)

// Delivery is a single message handed out by a Receiver.
// Exactly one of Complete, Abandon or DeadLetter must be called for every delivery.
type Delivery interface {
	// ID returns the queue-assigned message identifier, if any.
	ID() string
	// Body returns the raw message payload.
	Body() []byte
	// DeliveryCount returns how many times the message has been delivered, starting at 1.
	DeliveryCount() int
	// Complete acknowledges the message and removes it from the queue.
	Complete(ctx context.Context) error
	// Abandon returns the message to the queue for redelivery.
	Abandon(ctx context.Context) error
	// DeadLetter moves the message to the dead-letter sink.
	DeadLetter(ctx context.Context, reason string) error
}

// Receiver delivers messages from one named queue.
type Receiver interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	// Close releases the underlying connection.
	Close() error
}

// Publisher sends messages to one named queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}
