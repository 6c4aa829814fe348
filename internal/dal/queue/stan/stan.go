// Package stan adapts a NATS Streaming durable queue subscription to the iqueue capability.
package stan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/google/uuid"
	stan "github.com/nats-io/stan.go"
)

const (
	defaultAckWait    = 30 * time.Second
	defaultQueueGroup = "ingest-workers"
	defaultDurable    = "ingest-durable"
)

// Config holds the NATS Streaming connection and subscription settings.
type Config struct {
	ClusterID         string        `mapstructure:"cluster_id"`
	ClientID          string        `mapstructure:"client_id"`
	URL               string        `mapstructure:"url"`
	DurableName       string        `mapstructure:"durable_name"`
	QueueGroup        string        `mapstructure:"queue_group"`
	AckWait           time.Duration `mapstructure:"ack_wait"`
	DeadLetterSubject string        `mapstructure:"dead_letter_subject"`
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: queue.stan.url", iqueue.ErrMissingSetting)
	}
	if c.ClusterID == "" {
		return fmt.Errorf("%w: queue.stan.cluster_id", iqueue.ErrMissingSetting)
	}

	return nil
}

func (c Config) clientID(role string) string {
	if c.ClientID != "" {
		return c.ClientID + "-" + role
	}

	return "ingest-" + role + "-" + uuid.NewString()
}

func (c Config) withDefaults(subject string) Config {
	if c.DurableName == "" {
		c.DurableName = defaultDurable
	}
	if c.QueueGroup == "" {
		c.QueueGroup = defaultQueueGroup
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.DeadLetterSubject == "" {
		c.DeadLetterSubject = subject + ".dlq"
	}

	return c
}

// Receiver bridges the callback subscription into blocking receives.
// MaxInflight(1) keeps at most one unacknowledged message per receiver.
type Receiver struct {
	conn      stan.Conn
	sub       stan.Subscription
	dlq       string
	msgs      chan *stan.Msg
	closeOnce sync.Once
	closed    chan struct{}
}

// NewReceiver connects and subscribes to subject with a durable queue subscription.
func NewReceiver(subject string, cfg Config) (*Receiver, error) {
	cfg = cfg.withDefaults(subject)

	conn, err := stan.Connect(cfg.ClusterID, cfg.clientID("worker"), stan.NatsURL(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS Streaming: %w", err)
	}

	r := &Receiver{
		conn:   conn,
		dlq:    cfg.DeadLetterSubject,
		msgs:   make(chan *stan.Msg),
		closed: make(chan struct{}),
	}

	sub, err := conn.QueueSubscribe(subject, cfg.QueueGroup, r.enqueue,
		stan.DurableName(cfg.DurableName),
		stan.SetManualAckMode(),
		stan.AckWait(cfg.AckWait),
		stan.MaxInflight(1),
		stan.DeliverAllAvailable(),
	)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Error("Failed to close NATS Streaming connection", "error", closeErr)
		}

		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	r.sub = sub

	slog.Info("NATS Streaming subscription started",
		"subject", subject,
		"queue_group", cfg.QueueGroup,
		"durable", cfg.DurableName,
	)

	return r, nil
}

func (r *Receiver) enqueue(m *stan.Msg) {
	select {
	case r.msgs <- m:
	case <-r.closed:
	}
}

// Receive waits for the next message from the subscription.
func (r *Receiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, iqueue.ErrClosed
	case m := <-r.msgs:
		return &delivery{r: r, msg: m}, nil
	}
}

// Close detaches the subscription, keeping the durable state on the server.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = errors.Join(r.sub.Close(), r.conn.Close())
	})

	return err
}

type delivery struct {
	r   *Receiver
	msg *stan.Msg
}

func (d *delivery) ID() string         { return strconv.FormatUint(d.msg.Sequence, 10) }
func (d *delivery) Body() []byte       { return d.msg.Data }
func (d *delivery) DeliveryCount() int { return int(d.msg.RedeliveryCount) + 1 }

func (d *delivery) Complete(context.Context) error {
	return d.msg.Ack()
}

// Abandon leaves the message unacknowledged; the server redelivers it after AckWait.
func (d *delivery) Abandon(context.Context) error {
	return nil
}

func (d *delivery) DeadLetter(context.Context, string) error {
	if err := d.r.conn.Publish(d.r.dlq, d.msg.Data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", d.r.dlq, err)
	}

	return d.msg.Ack()
}

// Publisher publishes to a NATS Streaming subject.
type Publisher struct {
	conn    stan.Conn
	subject string
}

func NewPublisher(subject string, cfg Config) (*Publisher, error) {
	conn, err := stan.Connect(cfg.ClusterID, cfg.clientID("publisher"), stan.NatsURL(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS Streaming: %w", err)
	}

	return &Publisher{conn: conn, subject: subject}, nil
}

func (p *Publisher) Publish(_ context.Context, body []byte) error {
	if err := p.conn.Publish(p.subject, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
