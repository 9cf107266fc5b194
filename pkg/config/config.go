// Package config loads service configuration from an optional YAML file
// and HOF_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreFile     = "file"
	StoreMemory   = "memory"
)

// Config holds server and CLI configuration.
type Config struct {
	Addr      string `env:"HOF_ADDR" yaml:"addr"`
	LogLevel  string `env:"HOF_LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"HOF_LOG_FORMAT" yaml:"log_format"`

	Store       string `env:"HOF_STORE" yaml:"store"`
	DatabaseURL string `env:"HOF_DATABASE_URL" yaml:"database_url"`
	SQLitePath  string `env:"HOF_SQLITE_PATH" yaml:"sqlite_path"`
	StateFile   string `env:"HOF_STATE_FILE" yaml:"state_file"`

	// Authority and TimelockSeconds seed a new registry only.
	Authority       string `env:"HOF_AUTHORITY" yaml:"authority"`
	TimelockSeconds int64  `env:"HOF_TIMELOCK_SECONDS" yaml:"timelock_seconds"`
	URIPrefix       string `env:"HOF_URI_PREFIX" yaml:"uri_prefix"`
	RawURIs         bool   `env:"HOF_RAW_URIS" yaml:"raw_uris"`

	JWTSecret string `env:"HOF_JWT_SECRET" yaml:"jwt_secret"`
	JWTIssuer string `env:"HOF_JWT_ISSUER" yaml:"jwt_issuer"`

	RedisAddr     string `env:"HOF_REDIS_ADDR" yaml:"redis_addr"`
	RedisPassword string `env:"HOF_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `env:"HOF_REDIS_DB" yaml:"redis_db"`
	RedisPrefix   string `env:"HOF_REDIS_PREFIX" yaml:"redis_prefix"`

	RateLimitRPM   int      `env:"HOF_RATE_LIMIT_RPM" yaml:"rate_limit_rpm"`
	RateLimitBurst int      `env:"HOF_RATE_LIMIT_BURST" yaml:"rate_limit_burst"`
	CORSOrigins    []string `env:"HOF_CORS_ORIGINS" envSeparator:"," yaml:"cors_origins"`

	OTelEnabled    bool    `env:"HOF_OTEL_ENABLED" yaml:"otel_enabled"`
	OTLPEndpoint   string  `env:"HOF_OTLP_ENDPOINT" yaml:"otlp_endpoint"`
	OTelInsecure   bool    `env:"HOF_OTEL_INSECURE" yaml:"otel_insecure"`
	OTelSampleRate float64 `env:"HOF_OTEL_SAMPLE_RATE" yaml:"otel_sample_rate"`
	Environment    string  `env:"HOF_ENVIRONMENT" yaml:"environment"`

	// Client side.
	ServerURL string `env:"HOF_SERVER_URL" yaml:"server_url"`
	Token     string `env:"HOF_TOKEN" yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:           ":8080",
		LogLevel:       "INFO",
		LogFormat:      "text",
		Store:          StoreSQLite,
		SQLitePath:     "hof.db",
		StateFile:      "hof-state.json",
		URIPrefix:      registry.DefaultURIPrefix,
		JWTIssuer:      "hof",
		RedisPrefix:    "hof",
		RateLimitRPM:   120,
		RateLimitBurst: 20,
		OTLPEndpoint:   "localhost:4317",
		OTelSampleRate: 1.0,
		Environment:    "development",
		ServerURL:      "http://localhost:8080",
	}
}

// ParseEnv loads configuration from environment variables. Unset variables
// leave the target's fields untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the file named by
// HOF_CONFIG_FILE, then the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("HOF_CONFIG_FILE"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("HOF_SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("HOF_DATABASE_URL is required for the postgres store"))
		}
	case StoreFile:
		if c.StateFile == "" {
			errs = append(errs, errors.New("HOF_STATE_FILE is required for the file store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch {
	case c.TimelockSeconds < 0:
		errs = append(errs, errors.New("HOF_TIMELOCK_SECONDS must be non-negative"))
	case c.TimelockSeconds > maxTimelockSeconds:
		errs = append(errs, fmt.Errorf("HOF_TIMELOCK_SECONDS must be at most %d", int64(maxTimelockSeconds)))
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must be non-negative"))
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		errs = append(errs, errors.New("HOF_OTEL_SAMPLE_RATE must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// maxTimelockSeconds is the largest whole-second timelock a time.Duration holds.
const maxTimelockSeconds = math.MaxInt64 / int64(time.Second)

// Timelock returns the seed timelock duration.
func (c *Config) Timelock() time.Duration {
	return time.Duration(c.TimelockSeconds) * time.Second
}

// EffectiveURIPrefix is the TokenURI prefix, empty when raw URIs are on.
func (c *Config) EffectiveURIPrefix() string {
	if c.RawURIs {
		return ""
	}
	return c.URIPrefix
}

// SlogLevel parses LogLevel, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds the process logger described by LogFormat and LogLevel.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
