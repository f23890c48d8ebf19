// Package config loads redemptiond settings from a YAML or TOML file with
// REDEMPTIOND_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REDEMPTIOND_"

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration string such as "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures runtime configuration for redemptiond.
type Config struct {
	Listen      string          `yaml:"listen" toml:"listen"`
	Environment string          `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig      `yaml:"http" toml:"http"`
	Database    DatabaseConfig  `yaml:"database" toml:"database"`
	Session     SessionConfig   `yaml:"session" toml:"session"`
	Approval    ApprovalConfig  `yaml:"approval" toml:"approval"`
	Auth        AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	NATS        NATSConfig      `yaml:"nats" toml:"nats"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging" toml:"logging"`
	Report      ReportConfig    `yaml:"report" toml:"report"`
}

// HTTPConfig tunes the HTTP server.
type HTTPConfig struct {
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins" toml:"cors_origins"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate" toml:"auto_migrate"`
}

// SessionConfig controls the session lifecycle.
type SessionConfig struct {
	TTL           Duration `yaml:"ttl" toml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	AutoSettle    bool     `yaml:"auto_settle" toml:"auto_settle"`
}

// ApprovalConfig selects how customer approvals are proven.
type ApprovalConfig struct {
	Mode        string `yaml:"mode" toml:"mode"`
	TokenSecret string `yaml:"token_secret" toml:"token_secret"`
}

// AuthConfig validates bearer tokens.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds per-principal request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// TelemetryConfig wires OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// ReportConfig schedules daily reconciliation reports.
type ReportConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	OutputDir string `yaml:"output_dir" toml:"output_dir"`
	RunHour   int    `yaml:"run_hour" toml:"run_hour"`
	RunMinute int    `yaml:"run_minute" toml:"run_minute"`
	Timezone  string `yaml:"timezone" toml:"timezone"`
}

// Location resolves the report timezone, defaulting to UTC.
func (r ReportConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(r.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// Load reads configuration from path, applies environment overrides and defaults.
// An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return Config{}, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	case ".yaml", ".yml", "":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{"LISTEN", func(c *Config, v string) error { c.Listen = v; return nil }},
	{"ENV", func(c *Config, v string) error { c.Environment = v; return nil }},
	{"DATABASE_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"DATABASE_AUTO_MIGRATE", func(c *Config, v string) error { return parseBool(v, &c.Database.AutoMigrate) }},
	{"SESSION_TTL", func(c *Config, v string) error { return c.Session.TTL.UnmarshalText([]byte(v)) }},
	{"SESSION_SWEEP_INTERVAL", func(c *Config, v string) error { return c.Session.SweepInterval.UnmarshalText([]byte(v)) }},
	{"SESSION_AUTO_SETTLE", func(c *Config, v string) error { return parseBool(v, &c.Session.AutoSettle) }},
	{"APPROVAL_MODE", func(c *Config, v string) error { c.Approval.Mode = v; return nil }},
	{"APPROVAL_TOKEN_SECRET", func(c *Config, v string) error { c.Approval.TokenSecret = v; return nil }},
	{"AUTH_JWT_SECRET", func(c *Config, v string) error { c.Auth.JWTSecret = v; return nil }},
	{"AUTH_ISSUER", func(c *Config, v string) error { c.Auth.Issuer = v; return nil }},
	{"AUTH_AUDIENCE", func(c *Config, v string) error { c.Auth.Audience = v; return nil }},
	{"NATS_URL", func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error { c.Telemetry.Endpoint = v; return nil }},
	{"OTLP_HEADERS", func(c *Config, v string) error { c.Telemetry.Headers = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.Logging.File = v; return nil }},
	{"REPORT_OUTPUT_DIR", func(c *Config, v string) error { c.Report.OutputDir = v; return nil }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, binding := range envBindings {
		value, ok := lookup(EnvPrefix + binding.name)
		if !ok {
			continue
		}
		if err := binding.apply(cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, binding.name, err)
		}
	}
	return nil
}

func parseBool(raw string, dst *bool) error {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8085"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.HTTP.ReadTimeout.Duration <= 0 {
		cfg.HTTP.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout.Duration <= 0 {
		cfg.HTTP.WriteTimeout.Duration = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout.Duration <= 0 {
		cfg.HTTP.IdleTimeout.Duration = 120 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout.Duration <= 0 {
		cfg.HTTP.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.HTTP.IdempotencyTTL.Duration <= 0 {
		cfg.HTTP.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:redemptiond.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Session.TTL.Duration <= 0 {
		cfg.Session.TTL.Duration = 5 * time.Minute
	}
	if cfg.Session.SweepInterval.Duration <= 0 {
		cfg.Session.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = "signature"
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "repaircoin.redemption"
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = filepath.Join("repaircoin-data", "reports")
	}
	if cfg.Report.RunHour == 0 && cfg.Report.RunMinute == 0 {
		cfg.Report.RunHour = 1
	}
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.Approval.Mode {
	case "signature":
	case "token":
		if strings.TrimSpace(cfg.Approval.TokenSecret) == "" {
			errs = append(errs, errors.New("approval.token_secret is required in token mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("approval.mode %q must be signature or token", cfg.Approval.Mode))
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if cfg.Session.SweepInterval.Duration > cfg.Session.TTL.Duration {
		errs = append(errs, errors.New("session.sweep_interval must not exceed session.ttl"))
	}
	if cfg.Report.RunHour < 0 || cfg.Report.RunHour > 23 || cfg.Report.RunMinute < 0 || cfg.Report.RunMinute > 59 {
		errs = append(errs, errors.New("report.run_hour/run_minute out of range"))
	}
	if _, err := cfg.Report.Location(); err != nil {
		errs = append(errs, fmt.Errorf("report.timezone: %w", err))
	}
	if cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within (0,1]"))
	}
	return errors.Join(errs...)
}
