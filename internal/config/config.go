// Package config loads flowworker settings from a YAML file and the
// environment.
//
// Values are layered: built-in defaults, then the YAML file (if any), then
// FLOWFIBER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/flowfiber-go/flow"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
)

// Relay outputs.
const (
	OutputStdout = "stdout"
	OutputRedis  = "redis"
	OutputNone   = "none"
)

// Observability event sinks.
const (
	EventsNone = "none"
	EventsLog  = "log"
	EventsOTel = "otel"
)

const (
	EnvPrefix = "FLOWFIBER_"

	DefaultSQLitePath      = "flowfiber.db"
	DefaultRedisAddr       = "localhost:6379"
	DefaultRedisPrefix     = "flowfiber:"
	DefaultPartitions      = 4
	DefaultMaxFibers       = 8
	DefaultQueueDepth      = 1024
	DefaultCommitRetries   = 5
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultDeadLetterTopic = "flow.deadletter"

	MaxPartitions = 1024
	MaxFibers     = 10_000
)

var (
	ErrInvalidBackend    = errors.New("invalid store backend")
	ErrMissingDSN        = errors.New("mysql backend requires a DSN")
	ErrMissingSQLitePath = errors.New("sqlite backend requires a path")
	ErrMissingRedisAddr  = errors.New("redis requires an address")
	ErrInvalidOutput     = errors.New("invalid relay output")
	ErrInvalidEvents     = errors.New("invalid events sink")
	ErrInvalidWorker     = errors.New("invalid worker settings")
	ErrInvalidRetry      = errors.New("invalid retry settings")
)

type (
	// Config holds every flowworker setting.
	Config struct {
		Store   StoreConfig   `yaml:"store"`
		Worker  WorkerConfig  `yaml:"worker"`
		Retry   RetryConfig   `yaml:"retry"`
		Relay   RelayConfig   `yaml:"relay"`
		Topics  flow.Topics   `yaml:"topics"`
		Log     LogConfig     `yaml:"log"`
		Metrics MetricsConfig `yaml:"metrics"`
	}

	// StoreConfig selects and configures the checkpoint store.
	StoreConfig struct {
		Backend string      `yaml:"backend"`
		Path    string      `yaml:"path"`
		DSN     string      `yaml:"dsn"`
		Redis   RedisConfig `yaml:"redis"`
	}

	// RedisConfig is shared by the redis store and the redis relay output.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// WorkerConfig sizes the processor and the fiber runner.
	WorkerConfig struct {
		Partitions      int           `yaml:"partitions"`
		MaxFibers       int           `yaml:"max_fibers"`
		QueueDepth      int           `yaml:"queue_depth"`
		FiberTimeout    time.Duration `yaml:"fiber_timeout"`
		CommitRetries   int           `yaml:"commit_retries"`
		DeleteTerminal  bool          `yaml:"delete_terminal"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	// RetryConfig is the failed-flow retry policy.
	RetryConfig struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
	}

	// RelayConfig controls where committed records go.
	RelayConfig struct {
		Output          string        `yaml:"output"`
		Loopback        bool          `yaml:"loopback"`
		BatchSize       int           `yaml:"batch_size"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		StreamMaxLen    int64         `yaml:"stream_max_len"`
		DeadLetterTopic string        `yaml:"dead_letter_topic"`
	}

	// LogConfig controls diagnostic logging and observability events.
	LogConfig struct {
		Level  string `yaml:"level"`
		JSON   bool   `yaml:"json"`
		Events string `yaml:"events"`
	}

	// MetricsConfig enables the Prometheus endpoint when Addr is set.
	MetricsConfig struct {
		Addr string `yaml:"addr"`
	}
)

// Default returns a configuration for a single in-memory worker.
func Default() *Config {
	retry := flow.DefaultRetryPolicy()
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Path:    DefaultSQLitePath,
			Redis: RedisConfig{
				Addr:   DefaultRedisAddr,
				Prefix: DefaultRedisPrefix,
			},
		},
		Worker: WorkerConfig{
			Partitions:      DefaultPartitions,
			MaxFibers:       DefaultMaxFibers,
			QueueDepth:      DefaultQueueDepth,
			CommitRetries:   DefaultCommitRetries,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
		},
		Relay: RelayConfig{
			Output:          OutputStdout,
			Loopback:        true,
			BatchSize:       DefaultBatchSize,
			PollInterval:    DefaultPollInterval,
			DeadLetterTopic: DefaultDeadLetterTopic,
		},
		Topics: flow.DefaultTopics(),
		Log: LogConfig{
			Level:  "info",
			Events: EventsLog,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies FLOWFIBER_* overrides. Unset variables are ignored.
func (c *Config) LoadFromEnv() error {
	loadEnvString("STORE_BACKEND", &c.Store.Backend)
	loadEnvString("SQLITE_PATH", &c.Store.Path)
	loadEnvString("MYSQL_DSN", &c.Store.DSN)
	loadEnvString("REDIS_ADDR", &c.Store.Redis.Addr)
	loadEnvString("REDIS_PASSWORD", &c.Store.Redis.Password)
	loadEnvString("REDIS_PREFIX", &c.Store.Redis.Prefix)
	loadEnvString("RELAY_OUTPUT", &c.Relay.Output)
	loadEnvString("LOG_LEVEL", &c.Log.Level)
	loadEnvString("EVENTS", &c.Log.Events)
	loadEnvString("METRICS_ADDR", &c.Metrics.Addr)

	if err := loadEnvInt("REDIS_DB", &c.Store.Redis.DB); err != nil {
		return err
	}
	if err := loadEnvInt("PARTITIONS", &c.Worker.Partitions); err != nil {
		return err
	}
	if err := loadEnvInt("MAX_FIBERS", &c.Worker.MaxFibers); err != nil {
		return err
	}
	if err := loadEnvInt("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts); err != nil {
		return err
	}
	if err := loadEnvDuration("FIBER_TIMEOUT", &c.Worker.FiberTimeout); err != nil {
		return err
	}
	if err := loadEnvBool("LOG_JSON", &c.Log.JSON); err != nil {
		return err
	}
	return loadEnvBool("RELAY_LOOPBACK", &c.Relay.Loopback)
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			return ErrMissingSQLitePath
		}
	case BackendMySQL:
		if c.Store.DSN == "" {
			return ErrMissingDSN
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Store.Backend)
	}

	switch c.Relay.Output {
	case OutputStdout, OutputNone:
	case OutputRedis:
		if c.Store.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutput, c.Relay.Output)
	}

	switch c.Log.Events {
	case EventsNone, EventsLog, EventsOTel:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEvents, c.Log.Events)
	}

	w := c.Worker
	if w.Partitions < 1 || w.Partitions > MaxPartitions {
		return fmt.Errorf("%w: partitions %d out of range [1, %d]", ErrInvalidWorker, w.Partitions, MaxPartitions)
	}
	if w.MaxFibers < 1 || w.MaxFibers > MaxFibers {
		return fmt.Errorf("%w: max fibers %d out of range [1, %d]", ErrInvalidWorker, w.MaxFibers, MaxFibers)
	}
	if w.QueueDepth < 1 {
		return fmt.Errorf("%w: queue depth must be >= 1", ErrInvalidWorker)
	}
	if w.CommitRetries < 0 || w.FiberTimeout < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidWorker)
	}

	policy := c.RetryPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRetry, err)
	}
	return nil
}

// RetryPolicy converts the retry settings to a flow.RetryPolicy.
func (c *Config) RetryPolicy() flow.RetryPolicy {
	return flow.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func loadEnvInt(key string, dst *int) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, s)
	}
	*dst = v
	return nil
}

func loadEnvBool(key string, dst *bool) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, s)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, s)
	}
	*dst = v
	return nil
}
