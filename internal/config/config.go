// Package config provides configuration management with 3-tier priority:
// environment variables > YAML config file > default values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/retry"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Breaker     BreakerConfig
	Retry       RetryConfig
	Cache       CacheConfig
	Database    DatabaseConfig
	LogRotation LogRotationConfig
	RateLimit   RateLimitConfig
	Upstreams   []UpstreamYAML
}

// ServerConfig holds the HTTP listener and auth configuration (spec.md §6:
// "deliberately out of scope" for the core, concretized here).
type ServerConfig struct {
	Host                string
	Port                int
	ReadTimeoutS        int
	WriteTimeoutS       int
	IdleTimeoutS        int
	ShutdownTimeoutS    int
	LogLevel            string
	AuthHeader          string // "bearer" or "x-api-key"
	APIKeys             []string
}

// BreakerConfig holds the Circuit Breaker's global parameters (spec.md §4.2).
type BreakerConfig struct {
	FailureThreshold int
	RecoveryWindowS  int
}

// RetryConfig holds the Retry Strategy's global defaults (spec.md §4.3).
// Per-upstream/per-error-class/per-strategy overrides live on each
// UpstreamYAML entry, per the four-scope precedence the core resolves.
type RetryConfig struct {
	DefaultStrategy       string
	MaxAttempts           int
	BaseDelayMS           int
	MaxDelayMS            int
	BackoffFactor         float64
	Jitter                bool
	JitterFactor          float64
	ConnectionMaxAttempts int
}

// CacheConfig holds the Response Cache's parameters (spec.md §4.5; internals
// and eviction policy are explicitly not the core, so only the two knobs
// the interface needs are exposed).
type CacheConfig struct {
	TTLSeconds int
	MaxSize    int
}

// DatabaseConfig holds the SQLite connection used to back the Circuit
// Breaker's shared K/V store (spec.md §4.2, component C8).
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RateLimitConfig holds inbound rate limiting configuration.
type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	WindowSeconds int
}

// OverridesYAML is the YAML-facing mirror of retry.Overrides; every field
// is a pointer so "absent" and "explicit zero" are distinguishable, as
// retry.Resolver's sparse-override semantics require.
type OverridesYAML struct {
	MaxAttempts           *int     `yaml:"max_attempts,omitempty"`
	BaseDelayMS           *int     `yaml:"base_delay_ms,omitempty"`
	MaxDelayMS            *int     `yaml:"max_delay_ms,omitempty"`
	BackoffFactor         *float64 `yaml:"backoff_factor,omitempty"`
	Jitter                *bool    `yaml:"jitter,omitempty"`
	JitterFactor          *float64 `yaml:"jitter_factor,omitempty"`
	ConnectionMaxAttempts *int     `yaml:"connection_max_attempts,omitempty"`
}

func (o OverridesYAML) toOverrides() retry.Overrides {
	var out retry.Overrides
	out.MaxAttempts = o.MaxAttempts
	if o.BaseDelayMS != nil {
		d := time.Duration(*o.BaseDelayMS) * time.Millisecond
		out.BaseDelay = &d
	}
	if o.MaxDelayMS != nil {
		d := time.Duration(*o.MaxDelayMS) * time.Millisecond
		out.MaxDelay = &d
	}
	out.BackoffFactor = o.BackoffFactor
	out.Jitter = o.Jitter
	out.JitterFactor = o.JitterFactor
	out.ConnectionMaxAttempts = o.ConnectionMaxAttempts
	return out
}

// UpstreamYAML is the YAML-facing shape of one upstream (spec.md §3's
// UpstreamConfig fields plus the nested retry-override scopes §4.3 names).
type UpstreamYAML struct {
	Name             string                   `yaml:"name"`
	Kind             string                   `yaml:"kind"`
	BaseURL          string                   `yaml:"base_url"`
	CredentialSource string                   `yaml:"credential_source"`
	Models           []string                 `yaml:"models"`
	Priority         int                      `yaml:"priority"`
	Enabled          bool                     `yaml:"enabled"`
	Forced           bool                     `yaml:"forced"`
	TimeoutMS        int                      `yaml:"timeout_ms"`
	MaxRetries       int                      `yaml:"max_retries"`
	Capabilities     []string                 `yaml:"capabilities"`
	Strategy         string                   `yaml:"strategy"`
	RetryOverrides   OverridesYAML            `yaml:"retry_overrides"`
	ErrorClass       map[string]OverridesYAML `yaml:"error_class_overrides"`
	StrategyOverride map[string]OverridesYAML `yaml:"strategy_overrides"`
}

// ToUpstreamConfig builds the core's models.UpstreamConfig from one YAML
// entry, resolving credential_source (the *name* of a secret per spec.md
// §3) against the process environment so internal/client's Snapshot
// carries the resolved value, not the variable name.
func (u UpstreamYAML) ToUpstreamConfig() *models.UpstreamConfig {
	modelSet := make(map[string]struct{}, len(u.Models))
	for _, m := range u.Models {
		modelSet[m] = struct{}{}
	}
	capSet := make(map[models.Capability]struct{}, len(u.Capabilities))
	for _, c := range u.Capabilities {
		capSet[models.Capability(c)] = struct{}{}
	}
	secret := u.CredentialSource
	if secret != "" {
		if v := os.Getenv(secret); v != "" {
			secret = v
		}
	}
	return &models.UpstreamConfig{
		Name:             u.Name,
		Kind:             models.UpstreamKind(u.Kind),
		BaseURL:          u.BaseURL,
		CredentialSource: secret,
		Models:           modelSet,
		Priority:         u.Priority,
		Enabled:          u.Enabled,
		Forced:           u.Forced,
		TimeoutMS:        u.TimeoutMS,
		MaxRetries:       u.MaxRetries,
		CapabilitySet:    capSet,
	}
}

// RetryResolver builds a *retry.Resolver from the global retry defaults
// plus every upstream's nested override scopes (spec.md §4.3's four-scope
// precedence, applied by retry.Resolver.Effective).
func (c *Config) RetryResolver() *retry.Resolver {
	defaults := retry.Params{
		MaxAttempts:           c.Retry.MaxAttempts,
		BaseDelay:             time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:              time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		BackoffFactor:         c.Retry.BackoffFactor,
		Jitter:                c.Retry.Jitter,
		JitterFactor:          c.Retry.JitterFactor,
		ConnectionMaxAttempts: c.Retry.ConnectionMaxAttempts,
	}
	resolver := retry.NewResolver(defaults)
	for _, u := range c.Upstreams {
		if u.RetryOverrides == (OverridesYAML{}) && len(u.ErrorClass) == 0 && len(u.StrategyOverride) == 0 {
			continue
		}
		uo := &retry.UpstreamOverrides{Overrides: u.RetryOverrides.toOverrides()}
		if len(u.ErrorClass) > 0 {
			uo.ErrorClass = make(map[models.ErrorClass]retry.Overrides, len(u.ErrorClass))
			for class, o := range u.ErrorClass {
				uo.ErrorClass[models.ErrorClass(class)] = o.toOverrides()
			}
		}
		if len(u.StrategyOverride) > 0 {
			uo.Strategy = make(map[string]retry.Overrides, len(u.StrategyOverride))
			for name, o := range u.StrategyOverride {
				uo.Strategy[name] = o.toOverrides()
			}
		}
		resolver.Set(u.Name, uo)
	}
	return resolver
}

// UpstreamConfigs builds the core's []*models.UpstreamConfig from the
// enabled and disabled YAML entries alike (Registry.New filters on
// Enabled itself, per spec.md §4.4).
func (c *Config) UpstreamConfigs() []*models.UpstreamConfig {
	out := make([]*models.UpstreamConfig, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		out = append(out, u.ToUpstreamConfig())
	}
	return out
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeoutS:     30,
			WriteTimeoutS:    120,
			IdleTimeoutS:     90,
			ShutdownTimeoutS: 15,
			LogLevel:         "INFO",
			AuthHeader:       "bearer",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryWindowS:  60,
		},
		Retry: RetryConfig{
			DefaultStrategy:       "adaptive",
			MaxAttempts:           3,
			BaseDelayMS:           1000,
			MaxDelayMS:            60000,
			BackoffFactor:         2.0,
			Jitter:                true,
			JitterFactor:          0.1,
			ConnectionMaxAttempts: 2,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
			MaxSize:    10000,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   100,
			WindowSeconds: 60,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &ConfigError{Field: "breaker.failure_threshold", Message: "must be at least 1"}
	}
	if c.Breaker.RecoveryWindowS < 1 {
		return &ConfigError{Field: "breaker.recovery_window_s", Message: "must be at least 1"}
	}
	if c.Retry.MaxAttempts < 0 {
		return &ConfigError{Field: "retry.max_attempts", Message: "must be non-negative"}
	}
	if c.Cache.TTLSeconds < 0 {
		return &ConfigError{Field: "cache.ttl_seconds", Message: "must be non-negative"}
	}
	if len(c.Upstreams) == 0 {
		return &ConfigError{Field: "upstreams", Message: "at least one upstream must be configured"}
	}
	seen := make(map[string]struct{}, len(c.Upstreams))
	forcedCount := 0
	for _, u := range c.Upstreams {
		if u.Name == "" {
			return &ConfigError{Field: "upstreams[].name", Message: "must not be empty"}
		}
		if _, dup := seen[u.Name]; dup {
			return &ConfigError{Field: "upstreams[].name", Message: "duplicate upstream name: " + u.Name}
		}
		seen[u.Name] = struct{}{}
		if u.Forced {
			forcedCount++
		}
	}
	if forcedCount > 1 {
		return &ConfigError{Field: "upstreams[].forced", Message: "at most one upstream may be forced"}
	}
	if c.Server.AuthHeader != "bearer" && c.Server.AuthHeader != "x-api-key" {
		return &ConfigError{Field: "server.auth_header", Message: "must be \"bearer\" or \"x-api-key\""}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}

func getEnvStrSlice(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
