// Package kafka adapts a Kafka topic consumed by a consumer group to the iqueue capability.
// Kafka has no per-message redelivery, so abandon re-produces the message onto the topic
// with an incremented delivery counter and commits the original offset.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	headerDeliveryCount    = "x-delivery-count"
	headerDeadLetterReason = "x-dead-letter-reason"
	headerMessageID        = "message-id"
)

// Config holds the Kafka connection and consumer group settings.
type Config struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	DeadLetterTopic   string   `mapstructure:"dead_letter_topic"`
	CreateTopic       bool     `mapstructure:"create_topic"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: queue.kafka.brokers", iqueue.ErrMissingSetting)
	}
	if c.GroupID == "" {
		return fmt.Errorf("%w: queue.kafka.group_id", iqueue.ErrMissingSetting)
	}

	return nil
}

func (c Config) deadLetterTopic(topic string) string {
	if c.DeadLetterTopic != "" {
		return c.DeadLetterTopic
	}

	return topic + ".dlq"
}

func newWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// ensureTopic checks that the brokers are reachable and creates the topic when asked to.
func ensureTopic(ctx context.Context, topic string, cfg Config) error {
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	if !cfg.CreateTopic {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to kafka controller: %w", err)
	}
	defer ctrlConn.Close()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}

	return nil
}

// Receiver fetches messages one at a time and commits offsets manually.
type Receiver struct {
	reader *kafka.Reader
	writer *kafka.Writer
	topic  string
	dlq    string
}

// NewReceiver checks the brokers, optionally creates the topic and joins the consumer group.
func NewReceiver(ctx context.Context, topic string, cfg Config) (*Receiver, error) {
	if err := ensureTopic(ctx, topic, cfg); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})

	slog.Info("Kafka consumer started", "topic", topic, "group", cfg.GroupID)

	return &Receiver{
		reader: reader,
		writer: newWriter(cfg.Brokers),
		topic:  topic,
		dlq:    cfg.deadLetterTopic(topic),
	}, nil
}

// Receive fetches the next message without committing it.
func (r *Receiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, iqueue.ErrClosed
		}

		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	return &delivery{r: r, msg: msg}, nil
}

// Close leaves the consumer group and flushes the writer.
func (r *Receiver) Close() error {
	return errors.Join(r.reader.Close(), r.writer.Close())
}

type delivery struct {
	r   *Receiver
	msg kafka.Message
}

func (d *delivery) ID() string {
	if id := header(d.msg.Headers, headerMessageID); id != "" {
		return id
	}

	return fmt.Sprintf("%s/%d/%d", d.msg.Topic, d.msg.Partition, d.msg.Offset)
}

func (d *delivery) Body() []byte       { return d.msg.Value }
func (d *delivery) DeliveryCount() int { return deliveryCount(d.msg.Headers) }

func (d *delivery) Complete(ctx context.Context) error {
	return d.r.reader.CommitMessages(ctx, d.msg)
}

func (d *delivery) Abandon(ctx context.Context) error {
	retry := kafka.Message{
		Topic:   d.r.topic,
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Headers: setHeader(d.msg.Headers, headerDeliveryCount, strconv.Itoa(d.DeliveryCount()+1)),
	}
	if err := d.r.writer.WriteMessages(ctx, retry); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}

	return d.r.reader.CommitMessages(ctx, d.msg)
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	dead := kafka.Message{
		Topic:   d.r.dlq,
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Headers: setHeader(d.msg.Headers, headerDeadLetterReason, reason),
	}
	if err := d.r.writer.WriteMessages(ctx, dead); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}

	return d.r.reader.CommitMessages(ctx, d.msg)
}

func header(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}

	return ""
}

// setHeader returns a copy of headers with key set to value.
func setHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}

	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

func deliveryCount(headers []kafka.Header) int {
	n, err := strconv.Atoi(header(headers, headerDeliveryCount))
	if err != nil || n < 1 {
		return 1
	}

	return n
}

// Publisher produces messages onto the topic.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

func NewPublisher(topic string, cfg Config) *Publisher {
	return &Publisher{writer: newWriter(cfg.Brokers), topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	id := uuid.NewString()

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(id),
		Value:   body,
		Headers: []kafka.Header{{Key: headerMessageID, Value: []byte(id)}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
