package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the OpenVHM server.
type Config struct {
	// Server configures process-level behavior.
	Server ServerConfig `yaml:"server"`

	// Database selects and tunes the persistent object store.
	Database DatabaseConfig `yaml:"database"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures process-level behavior.
type ServerConfig struct {
	// ShutdownTimeout bounds how long the shutdown drain may take.
	// In-flight transactions past this deadline are abandoned.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ValidationInterval is how often the background integrity
	// validator runs. Zero disables periodic validation.
	ValidationInterval time.Duration `yaml:"validation_interval"`
}

// DatabaseConfig selects the object store backend and tunes the
// transaction engine in front of it.
type DatabaseConfig struct {
	// Backend is the object store implementation (memory, file, redis).
	Backend string `yaml:"backend" validate:"required,oneof=memory file redis"`

	// Path is the database file path for the file backend.
	Path string `yaml:"path"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`

	// ConflictRetries is how many times a conflicted write transaction
	// is retried before it fails with a retry-limit error. The engine
	// re-reads this on every call, so a reload applies to transactions
	// that have not started yet.
	ConflictRetries int `yaml:"conflict_retries" validate:"min=0"`

	// TraceTransactions raises transaction lifecycle logging (begin,
	// commit, abort) from debug to info level.
	TraceTransactions bool `yaml:"trace_transactions"`

	// Pool tunes the transaction worker pool.
	Pool PoolConfig `yaml:"pool"`
}

// RedisConfig configures the redis backend connection.
type RedisConfig struct {
	// Address is the host:port of the redis server.
	Address string `yaml:"address"`

	// Password authenticates against the server. Empty means no auth.
	Password string `yaml:"password"`

	// DB is the redis logical database number.
	DB int `yaml:"db" validate:"min=0"`

	// Namespace prefixes every key written by this server.
	Namespace string `yaml:"namespace"`
}

// PoolConfig tunes the transaction worker pool.
type PoolConfig struct {
	// MaxWorkers caps how many transaction workers, and therefore how
	// many store connections, may exist at once. Workers are spawned on
	// demand and the pool holds no idle workers before the first
	// transaction arrives.
	MaxWorkers int `yaml:"max_workers" validate:"min=1"`

	// QueueSize is the capacity of the pending-transaction queue.
	// Submissions beyond capacity with all workers busy fail fast.
	QueueSize int `yaml:"queue_size" validate:"min=1"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn,
	// error, fatal).
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, or a
	// file path).
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path for metrics.
	Path string `yaml:"path"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP exporter endpoint.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ShutdownTimeout:    30 * time.Second,
			ValidationInterval: 0,
		},
		Database: DatabaseConfig{
			Backend: "memory",
			Path:    "vhm.db",
			Redis: RedisConfig{
				Address:   "localhost:6379",
				Namespace: "vhm",
			},
			ConflictRetries: 5,
			Pool: PoolConfig{
				MaxWorkers: 20,
				QueueSize:  256,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9464",
			Path:          "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Database.Backend {
	case "file":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the file backend")
		}
	case "redis":
		if c.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required for the redis backend")
		}
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required for the otlp exporter")
	}

	return nil
}
