// Package config loads the Constellation Orchestration Core's
// configuration with the same three-layer precedence the teacher
// framework uses: defaults, then environment variables, then
// functional options (highest priority). A YAML file supplies the
// static device-registry bootstrap list (spec.md §6 "Registry").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig covers spec.md §6 "Scheduler" keys.
type SchedulerConfig struct {
	MaxPlannerTurnsPerRound int           `yaml:"max_planner_turns_per_round" env:"CONSTELLATION_SCHEDULER_MAX_PLANNER_TURNS" default:"25"`
	RoundWallClock          time.Duration `yaml:"round_wall_clock_seconds" env:"CONSTELLATION_SCHEDULER_ROUND_WALL_CLOCK_SECONDS" default:"600s"`
	TaskTimeout             time.Duration `yaml:"task_timeout_seconds" env:"CONSTELLATION_SCHEDULER_TASK_TIMEOUT_SECONDS" default:"120s"`
	QuiescenceWindow        time.Duration `yaml:"quiescence_window_ms" env:"CONSTELLATION_SCHEDULER_QUIESCENCE_WINDOW_MS" default:"250ms"`
}

// RetryConfig covers spec.md §6 "Retries" keys.
type RetryConfig struct {
	DefaultMaxRetries int           `yaml:"default_max_retries" env:"CONSTELLATION_RETRY_DEFAULT_MAX_RETRIES" default:"3"`
	BackoffInitial    time.Duration `yaml:"backoff_initial_ms" env:"CONSTELLATION_RETRY_BACKOFF_INITIAL_MS" default:"200ms"`
	BackoffMax        time.Duration `yaml:"backoff_max_ms" env:"CONSTELLATION_RETRY_BACKOFF_MAX_MS" default:"10s"`
}

// TransportConfig covers spec.md §6 "Transport" keys.
type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval_seconds" env:"CONSTELLATION_TRANSPORT_HEARTBEAT_INTERVAL_SECONDS" default:"10s"`
	HeartbeatGrace    time.Duration `yaml:"heartbeat_grace_seconds" env:"CONSTELLATION_TRANSPORT_HEARTBEAT_GRACE_SECONDS" default:"30s"`
	MaxFrameBytes     int           `yaml:"max_frame_bytes" env:"CONSTELLATION_TRANSPORT_MAX_FRAME_BYTES" default:"1048576"`
	ListenAddress     string        `yaml:"listen_address" env:"CONSTELLATION_TRANSPORT_LISTEN_ADDRESS" default:":7630"`
}

// DeviceConfig is one statically-configured device registry entry.
type DeviceConfig struct {
	DeviceID     string            `yaml:"device_id"`
	ServerURL    string            `yaml:"server_url"`
	Capabilities []string          `yaml:"capabilities"`
	Metadata     map[string]string `yaml:"metadata"`
	AutoConnect  bool              `yaml:"auto_connect"`
	MaxRetries   int               `yaml:"max_retries"`
}

// RegistryConfig covers spec.md §6 "Registry" keys.
type RegistryConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// LoggingConfig selects the log level/format for core.ProductionLogger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"CONSTELLATION_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"CONSTELLATION_LOG_FORMAT" default:"text"`
}

// TelemetryConfig configures the OTel exporter used by telemetry.New.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"CONSTELLATION_TELEMETRY_ENABLED" default:"false"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"CONSTELLATION_TELEMETRY_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"CONSTELLATION_TELEMETRY_SERVICE_NAME" default:"constellation-core"`
}

// RedisSinkConfig holds settings for an optional diagnostic execution
// sink (SPEC_FULL.md §11). It is loaded and defaulted, but no
// component in this module reads it.
type RedisSinkConfig struct {
	Enabled bool   `yaml:"enabled" env:"CONSTELLATION_REDIS_SINK_ENABLED" default:"false"`
	Addr    string `yaml:"addr" env:"CONSTELLATION_REDIS_SINK_ADDR" default:"localhost:6379"`
	Stream  string `yaml:"stream" env:"CONSTELLATION_REDIS_SINK_STREAM" default:"constellation:executions"`
}

// Config is the top-level configuration for a Constellation Orchestration
// Core process.
type Config struct {
	Name       string `yaml:"name" env:"CONSTELLATION_NAME" default:"constellation-core"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Retry      RetryConfig      `yaml:"retry"`
	Transport  TransportConfig  `yaml:"transport"`
	Registry   RegistryConfig   `yaml:"registry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	RedisSink  RedisSinkConfig  `yaml:"redis_sink"`
}

// Option mutates a Config at construction time; applied after defaults
// and environment variables, so it has the highest priority.
type Option func(*Config) error

// Default returns a Config populated with the defaults named in the
// struct tags above.
func Default() *Config {
	return &Config{
		Name: "constellation-core",
		Scheduler: SchedulerConfig{
			MaxPlannerTurnsPerRound: 25,
			RoundWallClock:          600 * time.Second,
			TaskTimeout:             120 * time.Second,
			QuiescenceWindow:        250 * time.Millisecond,
		},
		Retry: RetryConfig{
			DefaultMaxRetries: 3,
			BackoffInitial:    200 * time.Millisecond,
			BackoffMax:        10 * time.Second,
		},
		Transport: TransportConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatGrace:    30 * time.Second,
			MaxFrameBytes:     1 << 20,
			ListenAddress:     ":7630",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "constellation-core",
		},
		RedisSink: RedisSinkConfig{
			Addr:   "localhost:6379",
			Stream: "constellation:executions",
		},
	}
}

// Load builds a Config from defaults, then environment variables, then
// the supplied options, then validates the result.
func Load(opts ...Option) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithDevicesFile loads the registry.devices[] bootstrap list from a
// YAML file (spec.md §6 "Registry").
func WithDevicesFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read devices file: %w", err)
		}
		var doc struct {
			Registry RegistryConfig `yaml:"registry"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse devices file: %w", err)
		}
		c.Registry = doc.Registry
		return nil
	}
}

// WithName overrides the process name used for logging/telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", ErrInvalid)
		}
		c.Name = name
		return nil
	}
}

// ErrInvalid marks a configuration validation failure.
var ErrInvalid = fmt.Errorf("invalid configuration")

// Validate enforces the non-negotiable shape of a Config.
func (c *Config) Validate() error {
	if c.Scheduler.MaxPlannerTurnsPerRound <= 0 {
		return fmt.Errorf("%w: scheduler.max_planner_turns_per_round must be > 0", ErrInvalid)
	}
	if c.Retry.DefaultMaxRetries < 0 {
		return fmt.Errorf("%w: retry.default_max_retries must be >= 0", ErrInvalid)
	}
	if c.Transport.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: transport.max_frame_bytes must be > 0", ErrInvalid)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("CONSTELLATION_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("CONSTELLATION_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONSTELLATION_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CONSTELLATION_SCHEDULER_MAX_PLANNER_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONSTELLATION_SCHEDULER_MAX_PLANNER_TURNS: %w", err)
		}
		c.Scheduler.MaxPlannerTurnsPerRound = n
	}
	if d, err := envDuration("CONSTELLATION_SCHEDULER_ROUND_WALL_CLOCK_SECONDS"); err != nil {
		return err
	} else if d > 0 {
		c.Scheduler.RoundWallClock = d
	}
	if d, err := envDuration("CONSTELLATION_SCHEDULER_TASK_TIMEOUT_SECONDS"); err != nil {
		return err
	} else if d > 0 {
		c.Scheduler.TaskTimeout = d
	}
	if d, err := envDuration("CONSTELLATION_SCHEDULER_QUIESCENCE_WINDOW_MS"); err != nil {
		return err
	} else if d > 0 {
		c.Scheduler.QuiescenceWindow = d
	}
	if v := os.Getenv("CONSTELLATION_RETRY_DEFAULT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONSTELLATION_RETRY_DEFAULT_MAX_RETRIES: %w", err)
		}
		c.Retry.DefaultMaxRetries = n
	}
	if d, err := envDuration("CONSTELLATION_RETRY_BACKOFF_INITIAL_MS"); err != nil {
		return err
	} else if d > 0 {
		c.Retry.BackoffInitial = d
	}
	if d, err := envDuration("CONSTELLATION_RETRY_BACKOFF_MAX_MS"); err != nil {
		return err
	} else if d > 0 {
		c.Retry.BackoffMax = d
	}
	if d, err := envDuration("CONSTELLATION_TRANSPORT_HEARTBEAT_INTERVAL_SECONDS"); err != nil {
		return err
	} else if d > 0 {
		c.Transport.HeartbeatInterval = d
	}
	if d, err := envDuration("CONSTELLATION_TRANSPORT_HEARTBEAT_GRACE_SECONDS"); err != nil {
		return err
	} else if d > 0 {
		c.Transport.HeartbeatGrace = d
	}
	if v := os.Getenv("CONSTELLATION_TRANSPORT_MAX_FRAME_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONSTELLATION_TRANSPORT_MAX_FRAME_BYTES: %w", err)
		}
		c.Transport.MaxFrameBytes = n
	}
	if v := os.Getenv("CONSTELLATION_TRANSPORT_LISTEN_ADDRESS"); v != "" {
		c.Transport.ListenAddress = v
	}
	if v := os.Getenv("CONSTELLATION_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CONSTELLATION_TELEMETRY_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("CONSTELLATION_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("CONSTELLATION_REDIS_SINK_ENABLED"); v != "" {
		c.RedisSink.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CONSTELLATION_REDIS_SINK_ADDR"); v != "" {
		c.RedisSink.Addr = v
	}
	if v := os.Getenv("CONSTELLATION_REDIS_SINK_STREAM"); v != "" {
		c.RedisSink.Stream = v
	}
	return nil
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	// Bare integers are interpreted as milliseconds for the *_MS keys,
	// seconds otherwise; a suffixed value ("5s", "250ms") is honored as-is.
	if n, err := strconv.Atoi(v); err == nil {
		if strings.HasSuffix(key, "_MS") {
			return time.Duration(n) * time.Millisecond, nil
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
