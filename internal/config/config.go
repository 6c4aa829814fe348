package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/queue"
	"github.com/corray333/backend-labs/ingest/internal/otel"
	"github.com/corray333/backend-labs/ingest/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "INGEST"

// Config is the full worker configuration.
type Config struct {
	Queue   queue.Config  `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing otel.Config   `mapstructure:"tracing"`
}

type WorkerConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"queue.driver":         queue.DriverRabbitMQ,
	"queue.name":           "orders",
	"queue.failure_policy": "abandon",
	"queue.max_deliveries": 5,
	"queue.settle_timeout": 5 * time.Second,

	"queue.rabbitmq.url":                     "",
	"queue.rabbitmq.durable":                 true,
	"queue.rabbitmq.prefetch":                1,
	"queue.rabbitmq.consumer_tag":            "ingest-worker",
	"queue.rabbitmq.dead_letter_exchange":    "",
	"queue.rabbitmq.dead_letter_routing_key": "",

	"queue.kafka.brokers":            []string{},
	"queue.kafka.group_id":           "ingest-worker",
	"queue.kafka.dead_letter_topic":  "",
	"queue.kafka.create_topic":       false,
	"queue.kafka.partitions":         1,
	"queue.kafka.replication_factor": 1,

	"queue.stan.cluster_id":          "",
	"queue.stan.client_id":           "",
	"queue.stan.url":                 "",
	"queue.stan.durable_name":        "",
	"queue.stan.queue_group":         "",
	"queue.stan.ack_wait":            30 * time.Second,
	"queue.stan.dead_letter_subject": "",

	"queue.redis.addr":             "",
	"queue.redis.password":         "",
	"queue.redis.db":               0,
	"queue.redis.key_prefix":       "ingest",
	"queue.redis.poll_timeout":     time.Second,
	"queue.redis.recover_inflight": true,

	"queue.postgres.dsn":                "",
	"queue.postgres.visibility_timeout": 30 * time.Second,
	"queue.postgres.poll_interval":      500 * time.Millisecond,
	"queue.postgres.migrate":            true,

	"worker.shutdown_timeout": 5 * time.Second,

	"metrics.enabled": true,
	"metrics.addr":    ":9090",

	"log.level":  "info",
	"log.format": "json",

	"tracing.enabled":         false,
	"tracing.service_name":    "ingest-worker",
	"tracing.jaeger_endpoint": "http://jaeger:14268/api/traces",
	"tracing.sample_ratio":    1.0,
}

// secretEnv maps keys to the plain env names deployments already use for them.
var secretEnv = map[string]string{
	"queue.rabbitmq.url":   "RABBITMQ_URL",
	"queue.kafka.brokers":  "KAFKA_BROKERS",
	"queue.stan.url":       "NATS_URL",
	"queue.redis.addr":     "REDIS_ADDR",
	"queue.redis.password": "REDIS_PASSWORD",
	"queue.postgres.dsn":   "POSTGRES_DSN",
}

var (
	mu      sync.RWMutex
	current Config
)

// MustInit loads ./.env when present, reads the configuration and installs the default logger.
func MustInit() {
	if err := godotenv.Load("./.env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic("error while loading .env file: " + err.Error())
	}

	cfg, err := Load("/etc/ingest-worker", ".")
	if err != nil {
		panic("error while reading config: " + err.Error())
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	SetupLogger(cfg.Log)
}

// Get returns the configuration loaded by MustInit.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()

	return current
}

// Load reads config.yaml from the first path that has one, then applies environment overrides.
// A missing config file is not an error.
func Load(paths ...string) (Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range secretEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Worker.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("worker.shutdown_timeout must be positive, got %s", cfg.Worker.ShutdownTimeout)
	}

	return cfg, nil
}

func SetupLogger(cfg LogConfig) {
	handler := logger.NewHandler(&logger.Options{
		Format: cfg.Format,
		Level:  logger.ParseLevel(cfg.Level),
	})
	log := slog.New(handler)
	slog.SetDefault(log)
}
