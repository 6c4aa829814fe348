// Package redis implements a reliable list queue on Redis: messages move atomically from the
// ready list to a processing list on receive and leave the processing list on settlement.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix   = "ingest"
	defaultPollTimeout = time.Second
)

// Config holds the Redis connection settings.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	RecoverInflight bool          `mapstructure:"recover_inflight"`
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: queue.redis.addr", iqueue.ErrMissingSetting)
	}

	return nil
}

// Keys are the Redis lists backing one queue.
type Keys struct {
	Ready      string
	Processing string
	Dead       string
}

// KeysFor returns the list keys for the named queue.
func KeysFor(prefix, name string) Keys {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	base := prefix + ":" + name

	return Keys{
		Ready:      base + ":ready",
		Processing: base + ":processing",
		Dead:       base + ":dead",
	}
}

// envelope is the list element; attempts counts the deliveries already abandoned.
type envelope struct {
	ID       string `json:"id"`
	Body     []byte `json:"body"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

func newClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Receiver pops messages from the ready list into the processing list.
type Receiver struct {
	client      *redis.Client
	keys        Keys
	pollTimeout time.Duration
}

// NewReceiver pings Redis and, when configured, puts orphaned processing entries back to ready.
func NewReceiver(ctx context.Context, name string, cfg Config) (*Receiver, error) {
	client := newClient(cfg)

	r, err := newReceiver(ctx, client, name, cfg)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Error("Failed to close Redis client", "error", closeErr)
		}

		return nil, err
	}

	return r, nil
}

func newReceiver(ctx context.Context, client *redis.Client, name string, cfg Config) (*Receiver, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := &Receiver{
		client:      client,
		keys:        KeysFor(cfg.KeyPrefix, name),
		pollTimeout: cfg.PollTimeout,
	}
	if r.pollTimeout <= 0 {
		r.pollTimeout = defaultPollTimeout
	}

	if cfg.RecoverInflight {
		moved, err := r.recoverInflight(ctx)
		if err != nil {
			return nil, err
		}
		if moved > 0 {
			slog.Warn("Requeued orphaned in-flight messages", "queue", name, "count", moved)
		}
	}

	return r, nil
}

func (r *Receiver) recoverInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := r.client.LMove(ctx, r.keys.Processing, r.keys.Ready, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight messages: %w", err)
		}
		moved++
	}
}

// Receive blocks on BLMOVE in poll-sized slices so that ctx cancellation is observed.
func (r *Receiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := r.client.BLMove(ctx, r.keys.Ready, r.keys.Processing, "RIGHT", "LEFT", r.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, iqueue.ErrClosed
			}

			return nil, fmt.Errorf("failed to receive from %s: %w", r.keys.Ready, err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Foreign element: surface it as an opaque body so the handler rejects it.
			env = envelope{Body: []byte(raw)}
		}

		return &delivery{r: r, raw: raw, env: env}, nil
	}
}

func (r *Receiver) Close() error {
	return r.client.Close()
}

type delivery struct {
	r   *Receiver
	raw string
	env envelope
}

func (d *delivery) ID() string         { return d.env.ID }
func (d *delivery) Body() []byte       { return d.env.Body }
func (d *delivery) DeliveryCount() int { return d.env.Attempts + 1 }

func (d *delivery) Complete(ctx context.Context) error {
	return d.r.client.LRem(ctx, d.r.keys.Processing, 1, d.raw).Err()
}

func (d *delivery) Abandon(ctx context.Context) error {
	next := d.env
	next.Attempts++

	return d.move(ctx, d.r.keys.Ready, next)
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	next := d.env
	next.Attempts++
	next.Reason = reason

	return d.move(ctx, d.r.keys.Dead, next)
}

func (d *delivery) move(ctx context.Context, dst string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_, err = d.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.r.keys.Processing, 1, d.raw)
		pipe.LPush(ctx, dst, data)

		return nil
	})

	return err
}

// Publisher pushes envelopes onto the ready list.
type Publisher struct {
	client *redis.Client
	keys   Keys
}

func NewPublisher(name string, cfg Config) *Publisher {
	return newPublisher(newClient(cfg), name, cfg)
}

func newPublisher(client *redis.Client, name string, cfg Config) *Publisher {
	return &Publisher{client: client, keys: KeysFor(cfg.KeyPrefix, name)}
}

func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	data, err := json.Marshal(envelope{ID: uuid.NewString(), Body: body})
	if err != nil {
		return err
	}

	if err := p.client.LPush(ctx, p.keys.Ready, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.keys.Ready, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
