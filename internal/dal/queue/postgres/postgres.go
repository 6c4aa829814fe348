// Package postgres implements a queue on top of the inbox table: receivers claim rows with
// FOR UPDATE SKIP LOCKED and hide them for a visibility timeout until they are settled.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	pgclient "github.com/corray333/backend-labs/ingest/internal/dal/postgres"
	inboxrepo "github.com/corray333/backend-labs/ingest/internal/dal/repositories/inbox/postgres"
	"github.com/corray333/backend-labs/ingest/internal/service/models/inbox"
	"github.com/google/uuid"
)

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 500 * time.Millisecond
)

// Config holds the Postgres connection settings.
type Config struct {
	DSN               string        `mapstructure:"dsn"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Migrate           bool          `mapstructure:"migrate"`
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: queue.postgres.dsn", iqueue.ErrMissingSetting)
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	return c
}

func openClient(ctx context.Context, cfg Config) (*pgclient.Client, error) {
	client, err := pgclient.NewClient(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := client.Migrate(ctx); err != nil {
			client.Close()

			return nil, err
		}
	}

	return client, nil
}

// Receiver polls the inbox table for visible messages of one queue.
type Receiver struct {
	repo  iinboxrepo.IInboxRepository
	name  string
	cfg   Config
	close func()

	once   sync.Once
	closed chan struct{}
}

// NewReceiver connects to Postgres, applies migrations when configured and returns a receiver.
func NewReceiver(ctx context.Context, name string, cfg Config) (*Receiver, error) {
	client, err := openClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return newReceiver(inboxrepo.NewInboxRepository(client), name, cfg, client.Close), nil
}

func newReceiver(repo iinboxrepo.IInboxRepository, name string, cfg Config, closeFn func()) *Receiver {
	return &Receiver{
		repo:   repo,
		name:   name,
		cfg:    cfg.withDefaults(),
		close:  closeFn,
		closed: make(chan struct{}),
	}
}

// Receive claims the next visible message, sleeping for the poll interval while the queue is empty.
func (r *Receiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	for {
		select {
		case <-r.closed:
			return nil, iqueue.ErrClosed
		default:
		}

		msg, err := r.repo.Claim(ctx, r.name, r.cfg.VisibilityTimeout)
		if err == nil {
			return &delivery{r: r, msg: msg}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, iinboxrepo.ErrEmpty) {
			return nil, err
		}

		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-r.closed:
			timer.Stop()

			return nil, iqueue.ErrClosed
		case <-timer.C:
		}
	}
}

func (r *Receiver) Close() error {
	r.once.Do(func() {
		close(r.closed)
		if r.close != nil {
			r.close()
		}
	})

	return nil
}

type delivery struct {
	r   *Receiver
	msg inbox.InboxMessage
}

func (d *delivery) ID() string         { return d.msg.MessageID }
func (d *delivery) Body() []byte       { return d.msg.Payload }
func (d *delivery) DeliveryCount() int { return d.msg.DeliveryCount }

func (d *delivery) Complete(ctx context.Context) error {
	return d.r.repo.Delete(ctx, d.msg.ID)
}

func (d *delivery) Abandon(ctx context.Context) error {
	return d.r.repo.Release(ctx, d.msg.ID, "abandoned")
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.r.repo.MarkDead(ctx, d.msg.ID, reason)
}

// Publisher inserts messages into the inbox table.
type Publisher struct {
	repo  iinboxrepo.IInboxRepository
	name  string
	close func()
}

func NewPublisher(ctx context.Context, name string, cfg Config) (*Publisher, error) {
	client, err := openClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		repo:  inboxrepo.NewInboxRepository(client),
		name:  name,
		close: client.Close,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	msg := inbox.InboxMessage{
		MessageID: uuid.NewString(),
		QueueName: p.name,
		Payload:   body,
	}
	if err := p.repo.Insert(ctx, msg); err != nil {
		return err
	}

	slog.Debug("Message inserted into inbox", "queue", p.name, "message_id", msg.MessageID)

	return nil
}

func (p *Publisher) Close() error {
	if p.close != nil {
		p.close()
	}

	return nil
}
