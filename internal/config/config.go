package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for seatwatch.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retention RetentionConfig `mapstructure:"retention"`
	Log       LogConfig       `mapstructure:"log"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`

	// RateLimit is requests per second across the API; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`

	// sqlite
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// postgres
	DSN         string        `mapstructure:"dsn"`
	MaxConns    int32         `mapstructure:"max_conns"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// KafkaConfig configures the update consumer and the notification producer.
type KafkaConfig struct {
	Enabled            bool           `mapstructure:"enabled"`
	Brokers            []string       `mapstructure:"brokers"`
	UpdatesTopic       string         `mapstructure:"updates_topic"`
	NotificationsTopic string         `mapstructure:"notifications_topic"`
	GroupID            string         `mapstructure:"group_id"`
	Producer           ProducerConfig `mapstructure:"producer"`
	Consumer           ConsumerConfig `mapstructure:"consumer"`
}

// ProducerConfig tunes the kafka writer pool.
type ProducerConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// ConsumerConfig tunes the update consumer.
type ConsumerConfig struct {
	MinBytes     int           `mapstructure:"min_bytes"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// EngineConfig configures the change processor and notification dispatch.
type EngineConfig struct {
	AvailableStatus string `mapstructure:"available_status"`
	DeepLinkBase    string `mapstructure:"deep_link_base"`
	DispatchBuffer  int    `mapstructure:"dispatch_buffer"`
	Workers         int    `mapstructure:"workers"`
	NodeID          string `mapstructure:"node_id"`
}

// RetentionConfig configures pruning of read notifications.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodySize:     1 << 20,
			RateLimit:       0,
			RateBurst:       50,
		},
		Storage: StorageConfig{
			Driver:      DriverSQLite,
			Path:        "seatwatch.db",
			BusyTimeout: 5 * time.Second,
			MaxConns:    10,
			LockTimeout: 5 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:            false,
			Brokers:            []string{"localhost:9092"},
			UpdatesTopic:       "seatwatch.updates",
			NotificationsTopic: "seatwatch.notifications",
			GroupID:            "seatwatch",
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
			Consumer: ConsumerConfig{
				MinBytes:     1,
				MaxBytes:     10 << 20,
				MaxWait:      500 * time.Millisecond,
				MaxRetries:   5,
				RetryBackoff: 200 * time.Millisecond,
			},
		},
		Engine: EngineConfig{
			AvailableStatus: "open",
			DispatchBuffer:  1000,
			Workers:         2,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Schedule: "@hourly",
			MaxAge:   30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at path, falling back to
// defaults when path is empty or missing. Any key can be overridden from the
// environment as SEATWATCH_<SECTION>_<KEY>, e.g. SEATWATCH_STORAGE_DRIVER.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("SEATWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides resolve through Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_body_size", d.HTTP.MaxBodySize)
	v.SetDefault("http.rate_limit", d.HTTP.RateLimit)
	v.SetDefault("http.rate_burst", d.HTTP.RateBurst)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.max_conns", d.Storage.MaxConns)
	v.SetDefault("storage.lock_timeout", d.Storage.LockTimeout)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.updates_topic", d.Kafka.UpdatesTopic)
	v.SetDefault("kafka.notifications_topic", d.Kafka.NotificationsTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.consumer.min_bytes", d.Kafka.Consumer.MinBytes)
	v.SetDefault("kafka.consumer.max_bytes", d.Kafka.Consumer.MaxBytes)
	v.SetDefault("kafka.consumer.max_wait", d.Kafka.Consumer.MaxWait)
	v.SetDefault("kafka.consumer.max_retries", d.Kafka.Consumer.MaxRetries)
	v.SetDefault("kafka.consumer.retry_backoff", d.Kafka.Consumer.RetryBackoff)

	v.SetDefault("engine.available_status", d.Engine.AvailableStatus)
	v.SetDefault("engine.deep_link_base", d.Engine.DeepLinkBase)
	v.SetDefault("engine.dispatch_buffer", d.Engine.DispatchBuffer)
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.node_id", d.Engine.NodeID)

	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.schedule", d.Retention.Schedule)
	v.SetDefault("retention.max_age", d.Retention.MaxAge)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Validate checks the settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.UpdatesTopic == "" || c.Kafka.NotificationsTopic == "" {
			return errors.New("kafka topics are required when kafka is enabled")
		}
		if c.Kafka.GroupID == "" {
			return errors.New("kafka.group_id is required when kafka is enabled")
		}
	}

	if c.Retention.Enabled && c.Retention.MaxAge <= 0 {
		return errors.New("retention.max_age must be positive")
	}
	if c.Engine.DispatchBuffer < 0 {
		return errors.New("engine.dispatch_buffer must not be negative")
	}
	return nil
}
