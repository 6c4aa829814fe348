package queue

import (
	"context"
	"testing"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/kafka"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/memory"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/postgres"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/rabbitmq"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/redis"
	"github.com/corray333/backend-labs/ingest/internal/service/models/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "memory",
			cfg:  Config{Driver: DriverMemory, Name: "orders", MaxDeliveries: 5},
		},
		{
			name:    "memory abandon without delivery limit",
			cfg:     Config{Driver: DriverMemory, Name: "orders"},
			wantErr: ErrInvalidSetting,
		},
		{
			name: "memory dead letter without delivery limit",
			cfg:  Config{Driver: DriverMemory, Name: "orders", FailurePolicy: outcome.PolicyDeadLetter},
		},
		{
			name:    "redis abandon without delivery limit",
			cfg:     Config{Driver: DriverRedis, Name: "orders", Redis: redis.Config{Addr: "localhost:6379"}},
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "kafka abandon without delivery limit",
			cfg:     Config{Driver: DriverKafka, Name: "orders", Kafka: kafka.Config{Brokers: []string{"localhost:9092"}, GroupID: "g"}},
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "postgres abandon without delivery limit",
			cfg:     Config{Driver: DriverPostgres, Name: "orders", Postgres: postgres.Config{DSN: "postgres://localhost/ingest"}},
			wantErr: ErrInvalidSetting,
		},
		{
			name: "rabbitmq relies on the broker limit",
			cfg:  Config{Driver: DriverRabbitMQ, Name: "orders", RabbitMQ: rabbitmq.Config{URL: "amqp://localhost"}},
		},
		{
			name:    "missing name",
			cfg:     Config{Driver: DriverMemory},
			wantErr: iqueue.ErrMissingSetting,
		},
		{
			name:    "unknown driver",
			cfg:     Config{Driver: "sqs", Name: "orders"},
			wantErr: ErrUnknownDriver,
		},
		{
			name:    "bad failure policy",
			cfg:     Config{Driver: DriverMemory, Name: "orders", FailurePolicy: "retry_forever", MaxDeliveries: 5},
			wantErr: outcome.ErrInvalidFailurePolicy,
		},
		{
			name:    "negative max deliveries",
			cfg:     Config{Driver: DriverMemory, Name: "orders", MaxDeliveries: -1},
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "negative settle timeout",
			cfg:     Config{Driver: DriverMemory, Name: "orders", SettleTimeout: -time.Second, MaxDeliveries: 5},
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "rabbitmq without url",
			cfg:     Config{Driver: DriverRabbitMQ, Name: "orders"},
			wantErr: iqueue.ErrMissingSetting,
		},
		{
			name:    "kafka without brokers",
			cfg:     Config{Driver: DriverKafka, Name: "orders"},
			wantErr: iqueue.ErrMissingSetting,
		},
		{
			name:    "stan without cluster",
			cfg:     Config{Driver: DriverStan, Name: "orders"},
			wantErr: iqueue.ErrMissingSetting,
		},
		{
			name:    "redis without addr",
			cfg:     Config{Driver: DriverRedis, Name: "orders"},
			wantErr: iqueue.ErrMissingSetting,
		},
		{
			name:    "postgres without dsn",
			cfg:     Config{Driver: DriverPostgres, Name: "orders"},
			wantErr: iqueue.ErrMissingSetting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPolicy(t *testing.T) {
	assert.Equal(t, outcome.PolicyAbandon, Config{}.Policy())
	assert.Equal(t, outcome.PolicyDeadLetter, Config{FailurePolicy: outcome.PolicyDeadLetter}.Policy())
}

func TestOpenMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: DriverMemory, Name: "queue-test-roundtrip", MaxDeliveries: 5}

	pub, err := OpenPublisher(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte("hello")))

	rcv, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer rcv.Close()

	d, err := rcv.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), d.Body())
	require.NoError(t, d.Complete(ctx))

	assert.Equal(t, 1, memory.Named(cfg.Name).Completed())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverKafka, Name: "orders"})
	assert.ErrorIs(t, err, iqueue.ErrMissingSetting)

	_, err = OpenPublisher(context.Background(), Config{Driver: "carrier-pigeon", Name: "orders"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
