// Package config holds the requisitiond settings: a YAML document layered
// over Defaults, then REQUISITION_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML document.
type Config struct {
	Server          ServerConfig        `yaml:"server"`
	Identity        IdentityConfig      `yaml:"identity"`
	Database        DatabaseConfig      `yaml:"database"`
	Redis           RedisConfig         `yaml:"redis"`
	WorkflowService ServiceConfig       `yaml:"workflow_service"`
	Workflow        WorkflowConfig      `yaml:"workflow"`
	Conditions      ConditionsConfig    `yaml:"conditions"`
	Distribution    DistributionConfig  `yaml:"distribution"`
	Outbox          OutboxConfig        `yaml:"outbox"`
	Notification    NotificationConfig  `yaml:"notification"`
	Idempotency     IdempotencyConfig   `yaml:"idempotency"`
	Lookup          LookupCacheConfig   `yaml:"lookup"`
	Observability   ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds listener and timeout settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig lists the origins, methods and headers browsers may use.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig points at the identity provider. ClaimPaths maps request
// context fields to (possibly dotted) claim names.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DatabaseConfig describes the PostgreSQL connection shared by the stores.
// An empty DSN selects the in-memory stores.
type DatabaseConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DSN returns the connection string named by DSNEnv.
func (d DatabaseConfig) DSN() string {
	if d.DSNEnv == "" {
		return ""
	}
	return os.Getenv(d.DSNEnv)
}

// RedisConfig describes the Redis connection used by caches and sinks.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// Addr returns the address named by AddrEnv.
func (r RedisConfig) Addr() string {
	if r.AddrEnv == "" {
		return ""
	}
	return os.Getenv(r.AddrEnv)
}

// ServiceConfig describes the external workflow service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	SpecFile       string               `yaml:"spec_file"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig tunes the workflow service breaker.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig tunes retries of failed workflow service calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// WorkflowConfig bounds supervisor chain walks.
type WorkflowConfig struct {
	MaxChainWalk int `yaml:"max_chain_walk"`
}

// ConditionsConfig maps opaque field_config ids to job fields. Each value
// is a comma-separated list of field names tried in order.
type ConditionsConfig struct {
	Fields map[string]string `yaml:"fields"`
}

// DistributionConfig sizes the vendor fan-out and the scheduled-row activator.
type DistributionConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	ActivatorInterval time.Duration `yaml:"activator_interval"`
	ActivatorBatch    int           `yaml:"activator_batch"`
}

// OutboxConfig sizes the background effect queue. DeadLetter is memory or redis.
type OutboxConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	DeadLetter  string        `yaml:"dead_letter"`
}

// NotificationConfig points at the notification webhook. Empty URL disables delivery.
type NotificationConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

// CacheConfig selects a cache backend (memory or redis) and its entry TTL.
type CacheConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// IdempotencyConfig controls Idempotency-Key replay on job creation.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// LookupCacheConfig fronts recipient type and operator lookups.
type LookupCacheConfig struct {
	Cache CacheConfig `yaml:"cache"`
}

// ObservabilityConfig groups logging, tracing and metrics.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig selects the span exporter (otlp or stdout) and sampling ratio.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig exposes the Prometheus scrape endpoint at Path.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns the values used for anything the YAML document leaves out.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Program-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"program_id": "program_id",
				"user_type":  "user_type",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Database: DatabaseConfig{
			DSNEnv:          "REQUISITION_DATABASE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv: "REQUISITION_REDIS_ADDR",
		},
		WorkflowService: ServiceConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Workflow: WorkflowConfig{
			MaxChainWalk: 64,
		},
		Distribution: DistributionConfig{
			Concurrency:       8,
			ActivatorInterval: time.Minute,
			ActivatorBatch:    500,
		},
		Outbox: OutboxConfig{
			Workers:     4,
			QueueSize:   1024,
			TaskTimeout: 10 * time.Second,
			DeadLetter:  "memory",
		},
		Notification: NotificationConfig{
			Timeout:    5 * time.Second,
			RatePerSec: 20,
			Burst:      5,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     "memory",
			DefaultTTL: 24 * time.Hour,
		},
		Lookup: LookupCacheConfig{
			Cache: CacheConfig{
				Driver: "memory",
				TTL:    5 * time.Minute,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load builds the configuration from the YAML file at path. Variables from a
// .env file in the working directory are exported first without replacing
// ones already set, so the environment always has the final word.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port %d out of range", c.Server.Port)
	check(c.Identity.Issuer != "", "identity.issuer is required")
	check(c.Identity.Audience != "", "identity.audience is required")
	check(c.Identity.JWKSURL != "", "identity.jwks_url is required")
	check(len(c.Identity.Algorithms) > 0, "identity.algorithms must not be empty")
	check(c.WorkflowService.BaseURL == "" || c.WorkflowService.SpecFile != "",
		"workflow_service.spec_file is required when base_url is set")
	check(c.Distribution.Concurrency >= 1, "distribution.concurrency must be at least 1")
	check(c.Outbox.Workers >= 1, "outbox.workers must be at least 1")
	check(slices.Contains([]string{"memory", "redis"}, c.Outbox.DeadLetter), "outbox.dead_letter %q is not memory or redis", c.Outbox.DeadLetter)
	check(slices.Contains([]string{"memory", "redis"}, c.Idempotency.Driver), "idempotency.driver %q is not memory or redis", c.Idempotency.Driver)
	check(slices.Contains([]string{"memory", "redis"}, c.Lookup.Cache.Driver), "lookup.cache.driver %q is not memory or redis", c.Lookup.Cache.Driver)
	check(slices.Contains([]string{"", "json", "console"}, c.Observability.LogFormat), "observability.log_format %q is not json or console", c.Observability.LogFormat)
	check(c.Observability.Tracing.SamplingRate >= 0 && c.Observability.Tracing.SamplingRate <= 1,
		"observability.tracing.sampling_rate must be within [0, 1]")

	return errors.Join(errs...)
}

// envBinding ties one REQUISITION_* variable to the field it overrides.
type envBinding struct {
	name string
	set  func(*Config, string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func list(dst func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envBindings = []envBinding{
	{"REQUISITION_SERVER_PORT", integer(func(c *Config) *int { return &c.Server.Port })},
	{"REQUISITION_SERVER_HANDLER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.HandlerTimeout })},
	{"REQUISITION_CORS_ALLOWED_ORIGINS", list(func(c *Config) *[]string { return &c.Server.CORS.AllowedOrigins })},
	{"REQUISITION_IDENTITY_ISSUER", str(func(c *Config) *string { return &c.Identity.Issuer })},
	{"REQUISITION_IDENTITY_AUDIENCE", str(func(c *Config) *string { return &c.Identity.Audience })},
	{"REQUISITION_IDENTITY_JWKS_URL", str(func(c *Config) *string { return &c.Identity.JWKSURL })},
	{"REQUISITION_IDENTITY_ALGORITHMS", list(func(c *Config) *[]string { return &c.Identity.Algorithms })},
	{"REQUISITION_WORKFLOW_SERVICE_URL", str(func(c *Config) *string { return &c.WorkflowService.BaseURL })},
	{"REQUISITION_WORKFLOW_SERVICE_SPEC", str(func(c *Config) *string { return &c.WorkflowService.SpecFile })},
	{"REQUISITION_NOTIFICATION_WEBHOOK_URL", str(func(c *Config) *string { return &c.Notification.WebhookURL })},
	{"REQUISITION_OBSERVABILITY_LOG_LEVEL", str(func(c *Config) *string { return &c.Observability.LogLevel })},
	{"REQUISITION_OBSERVABILITY_LOG_FORMAT", str(func(c *Config) *string { return &c.Observability.LogFormat })},
	{"REQUISITION_TRACING_ENDPOINT", str(func(c *Config) *string { return &c.Observability.Tracing.Endpoint })},
}

// applyEnv overrides cfg from the environment. A malformed value is an
// error rather than being silently ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}
