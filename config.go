package batchgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable configuration for the orchestration core. All
// fields are optional; zero values get the same defaults the programmatic
// constructors use.
type Config struct {
	Quota   QuotaFileConfig   `yaml:"quota"`
	Batch   BatchFileConfig   `yaml:"batch"`
	Retry   RetryFileConfig   `yaml:"retry"`
	Breaker BreakerFileConfig `yaml:"circuit_breaker"`
	Cache   CacheFileConfig   `yaml:"cache"`
}

type QuotaFileConfig struct {
	RequestsPerMinute     int                `yaml:"requests_per_minute"`
	MinDelaySeconds       float64            `yaml:"min_delay_seconds"`
	CooldownSeconds       int                `yaml:"cooldown_seconds"`
	MaxConcurrentRequests int                `yaml:"max_concurrent_requests"`
	PriorityShares        map[string]float64 `yaml:"priority_shares"`
	DedupWindowSeconds    int                `yaml:"dedup_window_seconds"`
}

type BatchFileConfig struct {
	MaxBatchSize   int     `yaml:"max_batch_size"`
	MinBatchSize   int     `yaml:"min_batch_size"`
	MaxWaitSeconds float64 `yaml:"max_wait_seconds"`
	MaxTokenLimit  int     `yaml:"max_token_limit"`
}

type RetryFileConfig struct {
	MaxAttempts           int     `yaml:"max_attempts"`
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds"`
	Multiplier            float64 `yaml:"multiplier"`
	Jitter                float64 `yaml:"jitter"`
	MaxElapsedSeconds     float64 `yaml:"max_elapsed_seconds"`
}

type BreakerFileConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
	HalfOpenMaxCalls    int `yaml:"half_open_max_calls"`
}

type CacheFileConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// LoadConfig reads, defaults and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	quota := DefaultQuotaConfig()
	if cfg.Quota.RequestsPerMinute == 0 {
		cfg.Quota.RequestsPerMinute = quota.RequestsPerMinute
	}
	if cfg.Quota.MinDelaySeconds == 0 {
		cfg.Quota.MinDelaySeconds = quota.MinDelay.Seconds()
	}
	if cfg.Quota.CooldownSeconds == 0 {
		cfg.Quota.CooldownSeconds = int(quota.CooldownDuration.Seconds())
	}
	if cfg.Quota.MaxConcurrentRequests == 0 {
		cfg.Quota.MaxConcurrentRequests = quota.MaxConcurrentRequests
	}
	if len(cfg.Quota.PriorityShares) == 0 {
		cfg.Quota.PriorityShares = make(map[string]float64, len(quota.PriorityShares))
		for priority, share := range quota.PriorityShares {
			cfg.Quota.PriorityShares[priority.String()] = share
		}
	}
	if cfg.Quota.DedupWindowSeconds == 0 {
		cfg.Quota.DedupWindowSeconds = int(quota.DedupWindow.Seconds())
	}

	batch := DefaultBatchConfig()
	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = batch.MaxBatchSize
	}
	if cfg.Batch.MinBatchSize == 0 {
		cfg.Batch.MinBatchSize = batch.MinBatchSize
	}
	if cfg.Batch.MaxWaitSeconds == 0 {
		cfg.Batch.MaxWaitSeconds = batch.MaxWaitTime.Seconds()
	}
	if cfg.Batch.MaxTokenLimit == 0 {
		cfg.Batch.MaxTokenLimit = batch.MaxTokenLimit
	}

	retry := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoffSeconds == 0 {
		cfg.Retry.InitialBackoffSeconds = retry.InitialBackoff.Seconds()
	}
	if cfg.Retry.MaxBackoffSeconds == 0 {
		cfg.Retry.MaxBackoffSeconds = retry.MaxBackoff.Seconds()
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = retry.Multiplier
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = retry.Jitter
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeoutSeconds == 0 {
		cfg.Breaker.ResetTimeoutSeconds = 60
	}
	if cfg.Breaker.HalfOpenMaxCalls == 0 {
		cfg.Breaker.HalfOpenMaxCalls = 3
	}

	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 300
	}
}

// Validate rejects configurations that the constructors would also reject,
// so file problems surface at load time.
func (cfg *Config) Validate() error {
	if cfg.Quota.RequestsPerMinute < 1 {
		return fmt.Errorf("quota.requests_per_minute must be >= 1")
	}
	if cfg.Quota.MaxConcurrentRequests < 1 {
		return fmt.Errorf("quota.max_concurrent_requests must be >= 1")
	}
	var sum float64
	for name, share := range cfg.Quota.PriorityShares {
		if _, err := parsePriority(name); err != nil {
			return fmt.Errorf("quota.priority_shares: %w", err)
		}
		if share <= 0 || share > 1 {
			return fmt.Errorf("quota.priority_shares[%s] must be in (0, 1], got %v", name, share)
		}
		sum += share
	}
	if sum < 1-shareSumTolerance || sum > 1+shareSumTolerance {
		return fmt.Errorf("quota.priority_shares must sum to 1.0, got %v", sum)
	}

	if cfg.Batch.MinBatchSize < 1 {
		return fmt.Errorf("batch.min_batch_size must be >= 1")
	}
	if cfg.Batch.MaxBatchSize < cfg.Batch.MinBatchSize {
		return fmt.Errorf("batch.max_batch_size must be >= batch.min_batch_size")
	}
	if cfg.Batch.MaxWaitSeconds <= 0 {
		return fmt.Errorf("batch.max_wait_seconds must be > 0")
	}
	if cfg.Batch.MaxTokenLimit < 1 {
		return fmt.Errorf("batch.max_token_limit must be >= 1")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1]")
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be >= 1")
	}
	return nil
}

// QuotaConfig converts the file form into the programmatic form.
func (cfg *Config) QuotaConfig() QuotaConfig {
	shares := make(map[Priority]float64, len(cfg.Quota.PriorityShares))
	for name, share := range cfg.Quota.PriorityShares {
		priority, err := parsePriority(name)
		if err != nil {
			continue // Validate already rejected unknown names
		}
		shares[priority] = share
	}
	return QuotaConfig{
		RequestsPerMinute:     cfg.Quota.RequestsPerMinute,
		MinDelay:              time.Duration(cfg.Quota.MinDelaySeconds * float64(time.Second)),
		CooldownDuration:      time.Duration(cfg.Quota.CooldownSeconds) * time.Second,
		MaxConcurrentRequests: cfg.Quota.MaxConcurrentRequests,
		PriorityShares:        shares,
		DedupWindow:           time.Duration(cfg.Quota.DedupWindowSeconds) * time.Second,
	}
}

// BatchConfig converts the file form into the programmatic form.
func (cfg *Config) BatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		MinBatchSize:  cfg.Batch.MinBatchSize,
		MaxWaitTime:   time.Duration(cfg.Batch.MaxWaitSeconds * float64(time.Second)),
		MaxTokenLimit: cfg.Batch.MaxTokenLimit,
	}
}

// RetryConfig converts the file form into the programmatic form.
func (cfg *Config) RetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialBackoffSeconds * float64(time.Second)),
		MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffSeconds * float64(time.Second)),
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
		MaxElapsed:     time.Duration(cfg.Retry.MaxElapsedSeconds * float64(time.Second)),
	}
}

// CircuitBreakerConfig converts the file form into the programmatic form.
func (cfg *Config) CircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}
}

// CacheTTL returns the configured result cache TTL.
func (cfg *Config) CacheTTL() time.Duration {
	return time.Duration(cfg.Cache.TTLSeconds) * time.Second
}

func parsePriority(name string) (Priority, error) {
	for _, priority := range Priorities() {
		if priority.String() == name {
			return priority, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}
