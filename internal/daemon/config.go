// Package daemon wires configuration and services into a running creditgate
// process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/app/surge"
	"github.com/tutu-network/creditgate/internal/domain"
)

// ConfigEnv names the environment variable that selects the config file.
const ConfigEnv = "CREDITGATE_CONFIG"

// HomeEnv overrides the data directory.
const HomeEnv = "CREDITGATE_HOME"

// Queue engine names.
const (
	EngineMemory = "memory"
	EngineRedis  = "redis"
)

// Config is the full daemon configuration, loaded from TOML.
type Config struct {
	API       APIConfig       `toml:"api"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Surge     SurgeConfig     `toml:"surge"`
	Admission AdmissionConfig `toml:"admission"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Log       LogConfig       `toml:"log"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	AdminToken     string `toml:"admin_token"`
	RequestTimeout string `toml:"request_timeout"`
	Metrics        bool   `toml:"metrics"`
	MaxSpans       int    `toml:"max_spans"`
}

// LedgerConfig controls the credit ledger.
type LedgerConfig struct {
	DataDir        string `toml:"data_dir"`
	DefaultBalance string `toml:"default_balance"` // decimal string, e.g. "100"
}

// SurgeConfig is the annual surge window.
type SurgeConfig struct {
	Month            int     `toml:"month"`
	StartDay         int     `toml:"start_day"`
	EndDay           int     `toml:"end_day"`
	SurgeMultiplier  float64 `toml:"surge_multiplier"`
	NormalMultiplier float64 `toml:"normal_multiplier"`
}

// AdmissionConfig controls submission handling.
type AdmissionConfig struct {
	IdempotencyTTL string `toml:"idempotency_ttl"`
}

// QueueConfig selects and tunes the queue engine.
type QueueConfig struct {
	Engine          string      `toml:"engine"` // memory | redis
	Name            string      `toml:"name"`
	RetryLimit      int         `toml:"retry_limit"`
	ExpireInHours   int         `toml:"expire_in_hours"`
	ConnectAttempts uint        `toml:"connect_attempts"`
	ConnectDelay    string      `toml:"connect_delay"`
	Redis           RedisConfig `toml:"redis"`
}

// RedisConfig holds the Redis engine connection.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// WorkerConfig controls the in-process worker executor.
type WorkerConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	AuthHeader    string `toml:"auth_header"`
	MaxConcurrent int    `toml:"max_concurrent"`
	Timeout       string `toml:"timeout"`
	PollInterval  string `toml:"poll_interval"`
	RetryMax      int    `toml:"retry_max"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: "1m",
			Metrics:        true,
			MaxSpans:       1000,
		},
		Ledger: LedgerConfig{
			DataDir:        DefaultHome(),
			DefaultBalance: "100",
		},
		Surge: SurgeConfig{
			Month:            6,
			StartDay:         15,
			EndDay:           30,
			SurgeMultiplier:  2.0,
			NormalMultiplier: 1.0,
		},
		Admission: AdmissionConfig{
			IdempotencyTTL: "24h",
		},
		Queue: QueueConfig{
			Engine:          EngineMemory,
			Name:            "document-processing",
			RetryLimit:      3,
			ExpireInHours:   1,
			ConnectAttempts: 5,
			ConnectDelay:    "200ms",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "creditgate:",
			},
		},
		Worker: WorkerConfig{
			Enabled:       false,
			MaxConcurrent: 4,
			Timeout:       "5m",
			PollInterval:  "1s",
			RetryMax:      2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultHome returns the data directory: $CREDITGATE_HOME or ~/.creditgate.
func DefaultHome() string {
	if env := os.Getenv(HomeEnv); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".creditgate"
	}
	return filepath.Join(home, ".creditgate")
}

// ConfigPath resolves the config file: the explicit path, else $CREDITGATE_CONFIG,
// else config.toml in the data directory.
func ConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(ConfigEnv); env != "" {
		return env
	}
	return filepath.Join(DefaultHome(), "config.toml")
}

// LoadConfig reads path over the defaults. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		log.WithField("keys", strings.Join(keys, ", ")).Warn("Ignoring unknown config keys")
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.API.Port < 0 || c.API.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := parseDuration("api.request_timeout", c.API.RequestTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.DefaultBalance(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := surge.Validate(c.SurgeConfig()); err != nil {
		result = multierror.Append(result, fmt.Errorf("surge: %w", err))
	}
	if _, err := parseDuration("admission.idempotency_ttl", c.Admission.IdempotencyTTL); err != nil {
		result = multierror.Append(result, err)
	}

	switch c.Queue.Engine {
	case EngineMemory:
	case EngineRedis:
		if c.Queue.Redis.Addr == "" {
			result = multierror.Append(result, fmt.Errorf("queue.redis.addr is required for the redis engine"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("queue.engine %q: want %q or %q", c.Queue.Engine, EngineMemory, EngineRedis))
	}
	if c.Queue.Name == "" {
		result = multierror.Append(result, fmt.Errorf("queue.name is required"))
	}
	if c.Queue.RetryLimit < 0 || c.Queue.ExpireInHours < 0 {
		result = multierror.Append(result, fmt.Errorf("queue.retry_limit and queue.expire_in_hours must not be negative"))
	}
	if _, err := parseDuration("queue.connect_delay", c.Queue.ConnectDelay); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Worker.Enabled {
		if c.Worker.URL == "" {
			result = multierror.Append(result, fmt.Errorf("worker.url is required when the worker is enabled"))
		}
		if c.Worker.MaxConcurrent <= 0 {
			result = multierror.Append(result, fmt.Errorf("worker.max_concurrent must be positive"))
		}
	}
	if d, err := parseDuration("worker.timeout", c.Worker.Timeout); err != nil {
		result = multierror.Append(result, err)
	} else if c.Worker.Enabled && d == 0 {
		result = multierror.Append(result, fmt.Errorf("worker.timeout must be positive when the worker is enabled"))
	}
	if _, err := parseDuration("worker.poll_interval", c.Worker.PollInterval); err != nil {
		result = multierror.Append(result, err)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		result = multierror.Append(result, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	return result.ErrorOrNil()
}

// ─── Derived Values ─────────────────────────────────────────────────────────

// DefaultBalance parses the ledger baseline.
func (c Config) DefaultBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Ledger.DefaultBalance))
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.default_balance %q: %w", c.Ledger.DefaultBalance, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("ledger.default_balance %s: %w", d, domain.ErrInvalidAmount)
	}
	return d, nil
}

// SurgeConfig converts the surge section to the domain value.
func (c Config) SurgeConfig() domain.SurgeConfig {
	return domain.SurgeConfig{
		SurgeMonth:       time.Month(c.Surge.Month),
		SurgeStartDay:    c.Surge.StartDay,
		SurgeEndDay:      c.Surge.EndDay,
		SurgeMultiplier:  c.Surge.SurgeMultiplier,
		NormalMultiplier: c.Surge.NormalMultiplier,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// parseDuration parses a duration setting; empty means zero.
func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s %q must not be negative", key, v)
	}
	return d, nil
}

// mustDuration returns the parsed duration of an already validated setting.
func mustDuration(v string) time.Duration {
	d, _ := parseDuration("", v)
	return d
}

// ─── Logging ────────────────────────────────────────────────────────────────

// SetupLogging applies the log section to the standard logrus logger.
func SetupLogging(cfg LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
	return nil
}
