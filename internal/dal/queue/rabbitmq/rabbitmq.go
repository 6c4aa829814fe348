// Package rabbitmq adapts a RabbitMQ queue to the iqueue capability.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/corray333/backend-labs/ingest/internal/rabbitmq"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const defaultConsumerTag = "ingest-worker"

// Config holds the RabbitMQ connection and queue settings.
type Config struct {
	URL                  string `mapstructure:"url"`
	Durable              bool   `mapstructure:"durable"`
	Prefetch             int    `mapstructure:"prefetch"`
	ConsumerTag          string `mapstructure:"consumer_tag"`
	DeadLetterExchange   string `mapstructure:"dead_letter_exchange"`
	DeadLetterRoutingKey string `mapstructure:"dead_letter_routing_key"`
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: queue.rabbitmq.url", iqueue.ErrMissingSetting)
	}

	return nil
}

func (c Config) declareConfig(name string) rabbitmq.DeclareQueueConfig {
	return rabbitmq.DeclareQueueConfig{
		Name:    name,
		Durable: c.Durable,
		Args:    queueArgs(c),
	}
}

// queueArgs builds the x-arguments for the queue declaration.
func queueArgs(c Config) amqp.Table {
	if c.DeadLetterExchange == "" {
		return nil
	}

	args := amqp.Table{"x-dead-letter-exchange": c.DeadLetterExchange}
	if c.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = c.DeadLetterRoutingKey
	}

	return args
}

// Receiver consumes one queue with manual acknowledgements.
type Receiver struct {
	client     *rabbitmq.Client
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
}

// NewReceiver connects, declares the queue if absent and starts consuming.
func NewReceiver(name string, cfg Config) (*Receiver, error) {
	client, err := rabbitmq.NewClient(cfg.URL)
	if err != nil {
		return nil, err
	}

	r, err := startConsuming(client, name, cfg)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Error("Failed to close RabbitMQ client", "error", closeErr)
		}

		return nil, err
	}

	return r, nil
}

func startConsuming(client *rabbitmq.Client, name string, cfg Config) (*Receiver, error) {
	queue, err := client.DeclareQueue(cfg.declareConfig(name))
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := client.Qos(prefetch); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	tag := cfg.ConsumerTag
	if tag == "" {
		tag = defaultConsumerTag
	}

	deliveries, err := client.Consume(rabbitmq.ConsumeConfig{
		Queue:    queue.Name,
		Consumer: tag,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %s: %w", name, err)
	}

	slog.Info("RabbitMQ consumer started", "queue", queue.Name, "consumer_tag", tag, "prefetch", prefetch)

	return &Receiver{
		client:     client,
		queue:      queue.Name,
		tag:        tag,
		deliveries: deliveries,
	}, nil
}

// Receive waits for the next delivery.
func (r *Receiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-r.deliveries:
		if !ok {
			return nil, iqueue.ErrClosed
		}

		return &delivery{msg: msg}, nil
	}
}

// Close cancels the consumer and closes the connection.
// Unacknowledged deliveries are returned to the queue by the broker.
func (r *Receiver) Close() error {
	if err := r.client.Cancel(r.tag); err != nil {
		slog.Warn("Failed to cancel RabbitMQ consumer", "consumer_tag", r.tag, "error", err)
	}

	return r.client.Close()
}

type delivery struct {
	msg amqp.Delivery
}

func (d *delivery) ID() string {
	if d.msg.MessageId != "" {
		return d.msg.MessageId
	}

	return fmt.Sprintf("%d", d.msg.DeliveryTag)
}

func (d *delivery) Body() []byte       { return d.msg.Body }
func (d *delivery) DeliveryCount() int { return deliveryCount(d.msg) }

func (d *delivery) Complete(context.Context) error {
	return d.msg.Ack(false)
}

func (d *delivery) Abandon(context.Context) error {
	return d.msg.Nack(false, true)
}

// DeadLetter rejects without requeue; the broker routes it to the dead-letter exchange if one is set.
func (d *delivery) DeadLetter(context.Context, string) error {
	return d.msg.Nack(false, false)
}

// deliveryCount uses the quorum-queue x-delivery-count header when present.
func deliveryCount(msg amqp.Delivery) int {
	switch v := msg.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}

	if msg.Redelivered {
		return 2
	}

	return 1
}

// Publisher publishes order messages to the queue through the default exchange.
type Publisher struct {
	client *rabbitmq.Client
	queue  string
}

// NewPublisher connects and declares the queue with the same arguments the receiver uses.
func NewPublisher(name string, cfg Config) (*Publisher, error) {
	client, err := rabbitmq.NewClient(cfg.URL)
	if err != nil {
		return nil, err
	}

	if _, err := client.DeclareQueue(cfg.declareConfig(name)); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Error("Failed to close RabbitMQ client", "error", closeErr)
		}

		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return &Publisher{client: client, queue: name}, nil
}

func (p *Publisher) Publish(_ context.Context, body []byte) error {
	err := p.client.Publish(p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
