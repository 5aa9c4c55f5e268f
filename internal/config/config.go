// Package config loads frontdesk settings from a YAML file and FRONTDESK_*
// environment variables. Command-line flags are applied on top by cmd.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/observability"
	"github.com/markb/frontdesk/internal/realtime"
	"github.com/markb/frontdesk/internal/relay"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "FRONTDESK_"

type Config struct {
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Manager   ManagerConfig   `yaml:"manager"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	NATS      NATSConfig      `yaml:"nats"`
	Journal   JournalConfig   `yaml:"journal"`
	Server    ServerConfig    `yaml:"server"`
}

type RealtimeConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	AccessToken string        `yaml:"access_token"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

type ManagerConfig struct {
	HealthInterval time.Duration `yaml:"health_interval"`
	IdleThreshold  time.Duration `yaml:"idle_threshold"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type TelemetryConfig struct {
	Exporter string `yaml:"exporter"` // none, stdout, otlp
	Endpoint string `yaml:"endpoint"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"` // empty disables the relay
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type JournalConfig struct {
	Path      string        `yaml:"path"` // empty disables the journal
	Retention time.Duration `yaml:"retention"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	JWTSecret  string `yaml:"jwt_secret"`
	AnonKey    string `yaml:"anon_key"`
	ServiceKey string `yaml:"service_key"`
}

// Default returns the built-in settings.
func Default() *Config {
	relayDefaults := relay.DefaultConfig()
	return &Config{
		Realtime: RealtimeConfig{
			URL:       "ws://localhost:8080/realtime/v1",
			Heartbeat: 25 * time.Second,
		},
		Manager: ManagerConfig{
			HealthInterval: realtime.DefaultHealthInterval,
			IdleThreshold:  realtime.DefaultIdleThreshold,
			BackoffBase:    realtime.DefaultBackoff.Base,
			BackoffFactor:  realtime.DefaultBackoff.Factor,
			BackoffMax:     realtime.DefaultBackoff.Max,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
			Endpoint: "localhost:4317",
		},
		NATS: NATSConfig{
			Subject:       relayDefaults.SubjectPrefix,
			MaxReconnect:  relayDefaults.MaxReconnects,
			ReconnectWait: relayDefaults.ReconnectWait,
		},
		Journal: JournalConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			JWTSecret: "super-secret-jwt-key-please-change-in-production",
		},
	}
}

// Load reads path over the defaults and then applies the environment. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FRONTDESK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("REALTIME_URL", &c.Realtime.URL)
	env.str("API_KEY", &c.Realtime.APIKey)
	env.str("ACCESS_TOKEN", &c.Realtime.AccessToken)
	env.duration("HEARTBEAT", &c.Realtime.Heartbeat)

	env.duration("HEALTH_INTERVAL", &c.Manager.HealthInterval)
	env.duration("IDLE_THRESHOLD", &c.Manager.IdleThreshold)
	env.duration("BACKOFF_BASE", &c.Manager.BackoffBase)
	env.float("BACKOFF_FACTOR", &c.Manager.BackoffFactor)
	env.duration("BACKOFF_MAX", &c.Manager.BackoffMax)

	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)

	env.str("OTEL_EXPORTER", &c.Telemetry.Exporter)
	env.str("OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	env.str("NATS_URL", &c.NATS.URL)
	env.str("NATS_SUBJECT", &c.NATS.Subject)

	env.str("JOURNAL", &c.Journal.Path)
	env.duration("JOURNAL_RETENTION", &c.Journal.Retention)

	env.str("HOST", &c.Server.Host)
	env.integer("PORT", &c.Server.Port)
	env.str("JWT_SECRET", &c.Server.JWTSecret)
	env.str("ANON_KEY", &c.Server.AnonKey)
	env.str("SERVICE_KEY", &c.Server.ServiceKey)

	return env.err
}

// Validate rejects settings the manager or socket cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Manager.BackoffBase <= 0 {
		errs = append(errs, errors.New("manager.backoff_base must be positive"))
	}
	if c.Manager.BackoffFactor < 1 {
		errs = append(errs, errors.New("manager.backoff_factor must be at least 1"))
	}
	if c.Manager.BackoffMax < c.Manager.BackoffBase {
		errs = append(errs, errors.New("manager.backoff_max must not be below backoff_base"))
	}
	if c.Manager.HealthInterval < 0 || c.Manager.IdleThreshold < 0 {
		errs = append(errs, errors.New("manager health settings must not be negative"))
	}
	if c.Realtime.Heartbeat < 0 {
		errs = append(errs, errors.New("realtime.heartbeat must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// Backoff returns the manager retry policy.
func (c *Config) Backoff() realtime.BackoffPolicy {
	return realtime.BackoffPolicy{
		Base:   c.Manager.BackoffBase,
		Factor: c.Manager.BackoffFactor,
		Max:    c.Manager.BackoffMax,
	}
}

// ManagerOptions returns the options carrying the manager settings.
func (c *Config) ManagerOptions() []realtime.Option {
	return []realtime.Option{
		realtime.WithBackoff(c.Backoff()),
		realtime.WithHealthCheck(c.Manager.HealthInterval, c.Manager.IdleThreshold),
	}
}

// SocketConfig returns the WebSocket transport settings.
func (c *Config) SocketConfig() realtime.SocketConfig {
	return realtime.SocketConfig{
		URL:               c.Realtime.URL,
		APIKey:            c.Realtime.APIKey,
		AccessToken:       c.Realtime.AccessToken,
		HeartbeatInterval: c.Realtime.Heartbeat,
	}
}

// LogConfig returns the logger settings.
func (c *Config) LogConfig() *log.Config {
	lc := log.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	return lc
}

// TelemetryConfig returns the metrics settings.
func (c *Config) TelemetryConfig(version string) *observability.Config {
	oc := observability.NewConfig()
	oc.Exporter = c.Telemetry.Exporter
	oc.Endpoint = c.Telemetry.Endpoint
	if version != "" {
		oc.ServiceVersion = version
	}
	return oc
}

// RelayConfig returns the NATS relay settings.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		URL:           c.NATS.URL,
		SubjectPrefix: c.NATS.Subject,
		MaxReconnects: c.NATS.MaxReconnect,
		ReconnectWait: c.NATS.ReconnectWait,
	}
}

// Addr returns the dev server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}
