// Package queue selects and opens a queue backend from configuration.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/kafka"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/memory"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/postgres"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/rabbitmq"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/redis"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/stan"
	"github.com/corray333/backend-labs/ingest/internal/service/models/outcome"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverRabbitMQ = "rabbitmq"
	DriverKafka    = "kafka"
	DriverStan     = "stan"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

var (
	// ErrUnknownDriver is returned for a driver name that has no adapter.
	ErrUnknownDriver = errors.New("unknown queue driver")
	// ErrInvalidSetting is returned for a setting that is present but unusable.
	ErrInvalidSetting = errors.New("invalid queue setting")
)

// Config describes which queue to consume and how rejected messages are settled.
type Config struct {
	Driver        string                `mapstructure:"driver"`
	Name          string                `mapstructure:"name"`
	FailurePolicy outcome.FailurePolicy `mapstructure:"failure_policy"`
	MaxDeliveries int                   `mapstructure:"max_deliveries"`
	SettleTimeout time.Duration         `mapstructure:"settle_timeout"`

	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
	Kafka    kafka.Config    `mapstructure:"kafka"`
	Stan     stan.Config     `mapstructure:"stan"`
	Redis    redis.Config    `mapstructure:"redis"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// Validate checks the settings shared by every driver and the section of the selected one.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: queue.name", iqueue.ErrMissingSetting)
	}
	if _, err := outcome.ParseFailurePolicy(string(c.FailurePolicy)); err != nil {
		return err
	}
	if c.MaxDeliveries < 0 {
		return fmt.Errorf("%w: queue.max_deliveries must not be negative", ErrInvalidSetting)
	}
	if c.SettleTimeout < 0 {
		return fmt.Errorf("%w: queue.settle_timeout must not be negative", ErrInvalidSetting)
	}

	if err := c.validateDriver(); err != nil {
		return err
	}

	if c.Policy() == outcome.PolicyAbandon && c.MaxDeliveries == 0 && !hasDeliveryLimit(c.Driver) {
		return fmt.Errorf(
			"%w: queue.max_deliveries must be positive for driver %q under the abandon policy",
			ErrInvalidSetting, c.Driver,
		)
	}

	return nil
}

func (c Config) validateDriver() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRabbitMQ:
		return c.RabbitMQ.Validate()
	case DriverKafka:
		return c.Kafka.Validate()
	case DriverStan:
		return c.Stan.Validate()
	case DriverRedis:
		return c.Redis.Validate()
	case DriverPostgres:
		return c.Postgres.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}
}

// hasDeliveryLimit reports whether the broker bounds redelivery on its own.
// RabbitMQ quorum queues enforce x-delivery-limit and route to the dead-letter exchange.
func hasDeliveryLimit(driver string) bool {
	return driver == DriverRabbitMQ
}

// Policy returns the parsed failure policy, defaulting to abandon.
func (c Config) Policy() outcome.FailurePolicy {
	policy, err := outcome.ParseFailurePolicy(string(c.FailurePolicy))
	if err != nil {
		return outcome.PolicyAbandon
	}

	return policy
}

// Open validates cfg and connects a receiver to the named queue, declaring it where the backend supports it.
func Open(ctx context.Context, cfg Config) (iqueue.Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case DriverMemory:
		return memory.Named(cfg.Name).Receiver(), nil
	case DriverRabbitMQ:
		return rabbitmq.NewReceiver(cfg.Name, cfg.RabbitMQ)
	case DriverKafka:
		return kafka.NewReceiver(ctx, cfg.Name, cfg.Kafka)
	case DriverStan:
		return stan.NewReceiver(cfg.Name, cfg.Stan)
	case DriverRedis:
		return redis.NewReceiver(ctx, cfg.Name, cfg.Redis)
	case DriverPostgres:
		return postgres.NewReceiver(ctx, cfg.Name, cfg.Postgres)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// OpenPublisher validates cfg and connects a publisher to the named queue.
func OpenPublisher(ctx context.Context, cfg Config) (iqueue.Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case DriverMemory:
		return memory.Named(cfg.Name), nil
	case DriverRabbitMQ:
		return rabbitmq.NewPublisher(cfg.Name, cfg.RabbitMQ)
	case DriverKafka:
		return kafka.NewPublisher(cfg.Name, cfg.Kafka), nil
	case DriverStan:
		return stan.NewPublisher(cfg.Name, cfg.Stan)
	case DriverRedis:
		return redis.NewPublisher(cfg.Name, cfg.Redis), nil
	case DriverPostgres:
		return postgres.NewPublisher(ctx, cfg.Name, cfg.Postgres)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}
