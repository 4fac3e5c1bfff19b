package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/user/llm-gateway-go/internal/pkg/paths"
)

// Load loads configuration with 3-tier priority:
// environment variables > YAML config file > default values.
func Load() (*Config, error) {
	// Load .env file if present.
	loadDotEnv()

	// Start with defaults.
	cfg := DefaultConfig()

	// Set database path (the breaker's shared K/V store).
	cfg.Database.Path = paths.GetDBPath()

	// Try loading the YAML config file (spec.md §6: "external file, loaded
	// at startup, defining upstreams plus breaker/retry/cache parameters").
	if err := loadFromYAML(cfg); err != nil {
		log.Printf("WARN: failed to load config file: %v", err)
	}

	// Apply environment variable overrides (highest priority).
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// yamlFile is the on-disk shape of the config file, split out from Config
// so fields carried only at runtime (e.g. the resolved Database.Path)
// never round-trip through YAML.
type yamlFile struct {
	Server      *ServerConfig      `yaml:"server"`
	Breaker     *BreakerConfig     `yaml:"breaker"`
	Retry       *RetryConfig       `yaml:"retry"`
	Cache       *CacheConfig       `yaml:"cache"`
	LogRotation *LogRotationConfig `yaml:"log_rotation"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit"`
	Upstreams   []UpstreamYAML     `yaml:"upstreams"`
}

// configFilePath resolves the YAML config file's location: an explicit
// override via LLM_GATEWAY_CONFIG, else gateway.yaml under the base path.
func configFilePath() string {
	if p := os.Getenv("LLM_GATEWAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(paths.GetBasePath(), "gateway.yaml")
}

// loadFromYAML overlays the config file tier onto cfg's defaults. A
// missing file is not an error — defaults (and any env overrides) still
// apply.
func loadFromYAML(cfg *Config) error {
	path := configFilePath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	// Decode onto copies of the current sections so that any field a
	// section omits keeps its default value.
	server, breakerCfg, retryCfg, cacheCfg := cfg.Server, cfg.Breaker, cfg.Retry, cfg.Cache
	logRotation, rateLimit := cfg.LogRotation, cfg.RateLimit
	f := yamlFile{
		Server: &server, Breaker: &breakerCfg, Retry: &retryCfg, Cache: &cacheCfg,
		LogRotation: &logRotation, RateLimit: &rateLimit,
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if f.Server != nil {
		cfg.Server = *f.Server
	}
	if f.Breaker != nil {
		cfg.Breaker = *f.Breaker
	}
	if f.Retry != nil {
		cfg.Retry = *f.Retry
	}
	if f.Cache != nil {
		cfg.Cache = *f.Cache
	}
	if f.LogRotation != nil {
		cfg.LogRotation = *f.LogRotation
	}
	if f.RateLimit != nil {
		cfg.RateLimit = *f.RateLimit
	}
	if len(f.Upstreams) > 0 {
		cfg.Upstreams = f.Upstreams
	}
	return nil
}

// loadDotEnv loads a .env file from the project root.
func loadDotEnv() {
	envFile := filepath.Join(paths.GetBasePath(), ".env")
	data, err := os.ReadFile(envFile)
	if err != nil {
		return // .env file is optional
	}

	// Simple .env parser: KEY=VALUE lines.
	for _, line := range splitLines(string(data)) {
		line = trimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		if idx := indexOf(line, '='); idx > 0 {
			key := trimSpace(line[:idx])
			val := trimSpace(line[idx+1:])
			val = trimQuotes(val)
			// Only set if not already set (env vars take precedence).
			if os.Getenv(key) == "" {
				os.Setenv(key, val)
			}
		}
	}
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvStr("LLM_GATEWAY_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LLM_GATEWAY_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeoutS = getEnvInt("LLM_GATEWAY_READ_TIMEOUT_S", cfg.Server.ReadTimeoutS)
	cfg.Server.WriteTimeoutS = getEnvInt("LLM_GATEWAY_WRITE_TIMEOUT_S", cfg.Server.WriteTimeoutS)
	cfg.Server.IdleTimeoutS = getEnvInt("LLM_GATEWAY_IDLE_TIMEOUT_S", cfg.Server.IdleTimeoutS)
	cfg.Server.ShutdownTimeoutS = getEnvInt("LLM_GATEWAY_SHUTDOWN_TIMEOUT_S", cfg.Server.ShutdownTimeoutS)
	cfg.Server.LogLevel = getEnvStr("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.AuthHeader = getEnvStr("LLM_GATEWAY_AUTH_HEADER", cfg.Server.AuthHeader)
	cfg.Server.APIKeys = getEnvStrSlice("LLM_GATEWAY_API_KEYS", cfg.Server.APIKeys)

	cfg.Breaker.FailureThreshold = getEnvInt("LLM_GATEWAY_BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.RecoveryWindowS = getEnvInt("LLM_GATEWAY_BREAKER_RECOVERY_WINDOW_S", cfg.Breaker.RecoveryWindowS)

	cfg.Retry.DefaultStrategy = getEnvStr("LLM_GATEWAY_RETRY_STRATEGY", cfg.Retry.DefaultStrategy)
	cfg.Retry.MaxAttempts = getEnvInt("LLM_GATEWAY_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelayMS = getEnvInt("LLM_GATEWAY_RETRY_BASE_DELAY_MS", cfg.Retry.BaseDelayMS)
	cfg.Retry.MaxDelayMS = getEnvInt("LLM_GATEWAY_RETRY_MAX_DELAY_MS", cfg.Retry.MaxDelayMS)
	cfg.Retry.BackoffFactor = getEnvFloat("LLM_GATEWAY_RETRY_BACKOFF_FACTOR", cfg.Retry.BackoffFactor)
	cfg.Retry.Jitter = getEnvBool("LLM_GATEWAY_RETRY_JITTER", cfg.Retry.Jitter)
	cfg.Retry.JitterFactor = getEnvFloat("LLM_GATEWAY_RETRY_JITTER_FACTOR", cfg.Retry.JitterFactor)

	cfg.Cache.TTLSeconds = getEnvInt("LLM_GATEWAY_CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)
	cfg.Cache.MaxSize = getEnvInt("LLM_GATEWAY_CACHE_MAX_SIZE", cfg.Cache.MaxSize)

	if dbPath := os.Getenv("LLM_GATEWAY_DB"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.LogRotation.MaxSizeMB = getEnvInt("LLM_GATEWAY_LOG_MAX_SIZE_MB", cfg.LogRotation.MaxSizeMB)
	cfg.LogRotation.MaxBackups = getEnvInt("LLM_GATEWAY_LOG_MAX_BACKUPS", cfg.LogRotation.MaxBackups)
	cfg.LogRotation.MaxAgeDays = getEnvInt("LLM_GATEWAY_LOG_MAX_AGE_DAYS", cfg.LogRotation.MaxAgeDays)
	cfg.LogRotation.Compress = getEnvBool("LLM_GATEWAY_LOG_COMPRESS", cfg.LogRotation.Compress)

	cfg.RateLimit.Enabled = getEnvBool("LLM_GATEWAY_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.MaxRequests = getEnvInt("LLM_GATEWAY_RATE_LIMIT_MAX_REQUESTS", cfg.RateLimit.MaxRequests)
	cfg.RateLimit.WindowSeconds = getEnvInt("LLM_GATEWAY_RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimit.WindowSeconds)
}

// String utility functions (avoiding external dependencies for this
// narrow parsing task).

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
