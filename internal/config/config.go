package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
//
// Option names mirror the operational names consumed by deployments
// (bind-address, public-address, clients-cb-max-age, ...); each maps to
// a QIO_* environment variable so the broker can be configured the same
// way in Docker/K8s and via a local .env file.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listeners
	BindAddress string `env:"QIO_BIND_ADDRESS" envDefault:"0.0.0.0"`
	BindPort    int    `env:"QIO_BIND_PORT" envDefault:"8080"`
	BindPath    string `env:"QIO_BIND_PATH" envDefault:""` // Unix socket path, empty = TCP only

	// PublicAddress is the hostname advertised via /qio/hostname.
	// HTTP long-polling is disabled (501) when empty.
	PublicAddress string `env:"QIO_PUBLIC_ADDRESS" envDefault:""`

	// SupportFlash enables the :843 cross-domain policy listener.
	SupportFlash bool `env:"QIO_SUPPORT_FLASH" envDefault:"false"`

	// Capacity
	MaxClients int `env:"QIO_MAX_CLIENTS" envDefault:"65536"`

	// Subscription fairness admission
	ClientsSubsTotal    int `env:"QIO_CLIENTS_SUBS_TOTAL" envDefault:"4194304"`
	ClientsSubsPressure int `env:"QIO_CLIENTS_SUBS_PRESSURE" envDefault:"80"` // percent, 0 disables
	ClientsSubsMin      int `env:"QIO_CLIENTS_SUBS_MIN" envDefault:"64"`

	// Callback pruning age. Server-side callback slots older than this
	// are dropped (with their free hooks run) on each periodic sweep.
	ClientsCBMaxAge time.Duration `env:"QIO_CLIENTS_CB_MAX_AGE" envDefault:"15s"`

	// ClientTimeout is how long a client may sit idle before the
	// heartbeat sweep considers it for disconnection.
	ClientTimeout time.Duration `env:"QIO_CLIENT_TIMEOUT" envDefault:"60s"`

	// Periodic sweep cadence and parallelism
	PeriodicInterval time.Duration `env:"QIO_PERIODIC_INTERVAL" envDefault:"10s"`
	PeriodicThreads  int           `env:"QIO_PERIODIC_THREADS" envDefault:"4"`

	// Broadcast fan-out parallelism
	BroadcastThreads int `env:"QIO_BROADCAST_THREADS" envDefault:"4"`

	// SubMinSize is the initial capacity of a subscription's
	// subscriber list. Must be >0 and <= MaxClients.
	SubMinSize int `env:"QIO_SUB_MIN_SIZE" envDefault:"64"`

	// Connection rate limiting (DoS guard ahead of protocol sniffing)
	ConnRateLimitEnabled     bool    `env:"QIO_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"QIO_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"QIO_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"QIO_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"QIO_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Resource guard safety thresholds
	CPURejectThreshold float64 `env:"QIO_CPU_REJECT_THRESHOLD" envDefault:"90.0"` // percent
	MemoryLimit        int64   `env:"QIO_MEMORY_LIMIT" envDefault:"0"`           // bytes, 0 = unlimited

	// NATS ingest bridge (optional). When set, subjects under
	// QIO_NATS_SUBJECT_PREFIX are republished into the broadcast
	// pipeline (subject "prefix.a.b" -> path "/a/b").
	NATSUrl           string `env:"QIO_NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"QIO_NATS_SUBJECT_PREFIX" envDefault:"qio"`

	// Kafka ingest bridge (optional). When brokers are set, records
	// from the listed topics are republished into the broadcast
	// pipeline; the record key names the event path.
	KafkaBrokers       []string `env:"QIO_KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"QIO_KAFKA_CONSUMER_GROUP" envDefault:"quickio"`
	KafkaTopics        []string `env:"QIO_KAFKA_TOPICS" envSeparator:","`

	// Prometheus metrics listener, empty = disabled.
	MetricsAddr string `env:"QIO_METRICS_ADDR" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production deployments pass
	// environment variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("QIO_BIND_PORT must be 0-65535, got %d", c.BindPort)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("QIO_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.ClientsCBMaxAge <= 0 {
		return fmt.Errorf("QIO_CLIENTS_CB_MAX_AGE must be > 0, got %s", c.ClientsCBMaxAge)
	}
	if c.ClientsSubsPressure < 0 || c.ClientsSubsPressure > 100 {
		return fmt.Errorf("QIO_CLIENTS_SUBS_PRESSURE must be 0-100, got %d", c.ClientsSubsPressure)
	}
	if c.ClientsSubsTotal < 1 {
		return fmt.Errorf("QIO_CLIENTS_SUBS_TOTAL must be > 0, got %d", c.ClientsSubsTotal)
	}
	if c.PeriodicInterval < 5*time.Second || c.PeriodicInterval > 60*time.Second {
		return fmt.Errorf("QIO_PERIODIC_INTERVAL must be 5s-60s, got %s", c.PeriodicInterval)
	}
	if c.PeriodicThreads < 1 {
		return fmt.Errorf("QIO_PERIODIC_THREADS must be > 0, got %d", c.PeriodicThreads)
	}
	if c.BroadcastThreads < 1 {
		return fmt.Errorf("QIO_BROADCAST_THREADS must be > 0, got %d", c.BroadcastThreads)
	}
	if c.SubMinSize < 1 || c.SubMinSize > c.MaxClients {
		return fmt.Errorf("QIO_SUB_MIN_SIZE must be 1-%d, got %d", c.MaxClients, c.SubMinSize)
	}
	if c.ClientTimeout <= 0 {
		return fmt.Errorf("QIO_CLIENT_TIMEOUT must be > 0, got %s", c.ClientTimeout)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("QIO_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	return nil
}

// Addr returns the TCP listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}

// HTTPEnabled reports whether the HTTP long-polling transport is
// available. Without a public address the iframe and poll endpoints
// answer 501.
func (c *Config) HTTPEnabled() bool {
	return c.PublicAddress != ""
}

// Print logs a human-readable summary at startup.
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("public_address", c.PublicAddress).
		Int("max_clients", c.MaxClients).
		Int("subs_total", c.ClientsSubsTotal).
		Int("subs_pressure_pct", c.ClientsSubsPressure).
		Dur("periodic_interval", c.PeriodicInterval).
		Int("periodic_threads", c.PeriodicThreads).
		Int("broadcast_threads", c.BroadcastThreads).
		Bool("http_enabled", c.HTTPEnabled()).
		Bool("support_flash", c.SupportFlash).
		Msg("Configuration loaded")
}
