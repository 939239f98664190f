// Package config loads process configuration from YAML, a .env file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string         `yaml:"env"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Notify   NotifyConfig   `yaml:"notify"`
	Relay    RelayConfig    `yaml:"relay"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	URL                string        `yaml:"url"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	MaxConnIdleTime    time.Duration `yaml:"max_conn_idle_time"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	CSRFTTL   time.Duration `yaml:"csrf_ttl"`
}

type NotifyConfig struct {
	// Sinks lists enabled delivery targets: store, amqp.
	Sinks         []string      `yaml:"sinks"`
	DedupeTTL     time.Duration `yaml:"dedupe_ttl"`
	FailureStream string        `yaml:"failure_stream"`
}

type RelayConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Env: "local",
		Log: LogConfig{Mode: "production", Level: "info"},
		Database: DatabaseConfig{
			MaxConns:           10,
			MinConns:           2,
			MaxConnIdleTime:    time.Minute,
			SlowQueryThreshold: 100 * time.Millisecond,
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		AMQP:   AMQPConfig{Exchange: "gigflow.events"},
		HTTP:   HTTPConfig{Addr: ":8080", RequestTimeout: 30 * time.Second},
		Auth:   AuthConfig{TokenTTL: 24 * time.Hour, CSRFTTL: time.Hour},
		Notify: NotifyConfig{Sinks: []string{"store"}, DedupeTTL: 24 * time.Hour, FailureStream: "gigflow:notify:failures"},
		Relay:  RelayConfig{Enabled: true, Interval: 2 * time.Second, BatchSize: 100, MaxRetries: 5},
		Tracing: TracingConfig{
			ServiceName: "gigflow",
			SampleRatio: 0.1,
		},
	}
}

// Load reads path (optional) over the defaults, loads .env if present and
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields every binary needs.
func (c Config) Validate() error {
	var problems []string
	if c.Database.URL == "" {
		problems = append(problems, "database.url (DATABASE_URL) is required")
	}
	if c.Relay.BatchSize < 0 || c.Relay.MaxRetries < 0 {
		problems = append(problems, "relay.batch_size and relay.max_retries must be non-negative")
	}
	for _, sink := range c.Notify.Sinks {
		switch sink {
		case "store", "amqp":
		default:
			problems = append(problems, fmt.Sprintf("notify.sinks: unknown sink %q", sink))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Env, "APP_ENV")
	setString(&cfg.Log.Mode, "LOG_MODE")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.AMQP.URL, "AMQP_URL")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")

	if v := os.Getenv("NOTIFY_SINKS"); v != "" {
		cfg.Notify.Sinks = splitList(v)
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = b
	}
	if v := os.Getenv("RELAY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_INTERVAL: %w", err)
		}
		cfg.Relay.Interval = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
