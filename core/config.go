package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration options for the orchestrator.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithWorkerCount(8),
//	    WithBreakerOverride(PlatformNotion, BreakerSettings{FailureThreshold: 3}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// ServiceName identifies this process in logs and telemetry.
	ServiceName string `json:"service_name" env:"ACTIONPLANE_SERVICE_NAME" default:"actionplane"`

	Workers     WorkersConfig     `json:"workers"`
	Queue       QueueConfig       `json:"queue"`
	Breaker     BreakerConfig     `json:"breaker"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Retry       RetryConfig       `json:"retry"`
	Approval    ApprovalConfig    `json:"approval"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Journal     JournalConfig     `json:"journal"`
	Workflow    WorkflowConfig    `json:"workflow"`
	Deadlines   DeadlineConfig    `json:"deadlines"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Logging     LoggingConfig     `json:"logging"`
	Redis       RedisConfig       `json:"redis"`
}

// WorkersConfig sizes the cooperative worker pool draining the queue.
type WorkersConfig struct {
	Count           int           `json:"count" env:"ACTIONPLANE_WORKER_COUNT" default:"5"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"ACTIONPLANE_WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// QueueConfig bounds the in-memory priority queue.
// StarvationGuardK is the number of consecutive higher-priority dequeues
// after which the next dequeue is forced to serve lower-priority work.
type QueueConfig struct {
	MaxSize          int `json:"max_size" env:"ACTIONPLANE_QUEUE_MAX_SIZE" default:"1000"`
	StarvationGuardK int `json:"starvation_guard_k" env:"ACTIONPLANE_QUEUE_STARVATION_K" default:"16"`
}

// BreakerSettings parameterizes one platform's circuit breaker.
type BreakerSettings struct {
	// FailureThreshold opens the circuit once this many counted failures
	// land inside FailureWindow.
	FailureThreshold int           `json:"failure_threshold" env:"ACTIONPLANE_BREAKER_FAILURE_THRESHOLD" default:"5"`
	FailureWindow    time.Duration `json:"failure_window" env:"ACTIONPLANE_BREAKER_FAILURE_WINDOW" default:"60s"`
	// ResetTimeout is how long an open circuit waits before probing.
	ResetTimeout time.Duration `json:"reset_timeout" env:"ACTIONPLANE_BREAKER_RESET_TIMEOUT" default:"30s"`
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successful probes.
	SuccessThreshold int `json:"success_threshold" env:"ACTIONPLANE_BREAKER_SUCCESS_THRESHOLD" default:"2"`
}

// BreakerConfig carries process-wide breaker defaults plus per-platform
// overrides. Override fields left zero fall back to the defaults.
type BreakerConfig struct {
	BreakerSettings
	Overrides map[Platform]BreakerSettings `json:"overrides,omitempty"`
}

// For resolves the effective settings for one platform.
func (c BreakerConfig) For(platform Platform) BreakerSettings {
	s := c.BreakerSettings
	o, ok := c.Overrides[platform]
	if !ok {
		return s
	}
	if o.FailureThreshold > 0 {
		s.FailureThreshold = o.FailureThreshold
	}
	if o.FailureWindow > 0 {
		s.FailureWindow = o.FailureWindow
	}
	if o.ResetTimeout > 0 {
		s.ResetTimeout = o.ResetTimeout
	}
	if o.SuccessThreshold > 0 {
		s.SuccessThreshold = o.SuccessThreshold
	}
	return s
}

// RateLimitSettings parameterizes one platform's token bucket.
type RateLimitSettings struct {
	Capacity     int     `json:"capacity" env:"ACTIONPLANE_RATELIMIT_CAPACITY" default:"10"`
	RefillPerSec float64 `json:"refill_per_sec" env:"ACTIONPLANE_RATELIMIT_REFILL_PER_SEC" default:"5"`
}

// RateLimitConfig carries bucket defaults plus per-platform overrides.
type RateLimitConfig struct {
	RateLimitSettings
	Overrides map[Platform]RateLimitSettings `json:"overrides,omitempty"`
}

// For resolves the effective settings for one platform.
func (c RateLimitConfig) For(platform Platform) RateLimitSettings {
	s := c.RateLimitSettings
	o, ok := c.Overrides[platform]
	if !ok {
		return s
	}
	if o.Capacity > 0 {
		s.Capacity = o.Capacity
	}
	if o.RefillPerSec > 0 {
		s.RefillPerSec = o.RefillPerSec
	}
	return s
}

// RetrySettings parameterizes the retry engine for one platform.
// Backoff: delay_k = min(MaxDelay, InitialDelay * Multiplier^(k-1)), plus an
// additive uniform jitter over [0, InitialDelay/2] when Jitter is set.
type RetrySettings struct {
	MaxAttempts  int           `json:"max_attempts" env:"ACTIONPLANE_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialDelay time.Duration `json:"initial_delay" env:"ACTIONPLANE_RETRY_INITIAL_DELAY" default:"200ms"`
	MaxDelay     time.Duration `json:"max_delay" env:"ACTIONPLANE_RETRY_MAX_DELAY" default:"10s"`
	Multiplier   float64       `json:"multiplier" env:"ACTIONPLANE_RETRY_MULTIPLIER" default:"2.0"`
	Jitter       bool          `json:"jitter" env:"ACTIONPLANE_RETRY_JITTER" default:"true"`
}

// RetryConfig carries retry defaults plus per-platform overrides.
type RetryConfig struct {
	RetrySettings
	Overrides map[Platform]RetrySettings `json:"overrides,omitempty"`
}

// For resolves the effective settings for one platform.
func (c RetryConfig) For(platform Platform) RetrySettings {
	s := c.RetrySettings
	o, ok := c.Overrides[platform]
	if !ok {
		return s
	}
	if o.MaxAttempts > 0 {
		s.MaxAttempts = o.MaxAttempts
	}
	if o.InitialDelay > 0 {
		s.InitialDelay = o.InitialDelay
	}
	if o.MaxDelay > 0 {
		s.MaxDelay = o.MaxDelay
	}
	if o.Multiplier > 0 {
		s.Multiplier = o.Multiplier
	}
	return s
}

// ApprovalConfig governs pending human reviews.
type ApprovalConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" env:"ACTIONPLANE_APPROVAL_TIMEOUT" default:"30m"`
	// DefaultTimeoutAction is what happens when no human decides in time:
	// "approve" or "reject".
	DefaultTimeoutAction string `json:"default_timeout_action" env:"ACTIONPLANE_APPROVAL_TIMEOUT_ACTION" default:"reject"`
	// Store selects the review store backend: "memory" or "redis".
	Store         string        `json:"store" env:"ACTIONPLANE_APPROVAL_STORE" default:"memory"`
	SweepInterval time.Duration `json:"sweep_interval" env:"ACTIONPLANE_APPROVAL_SWEEP_INTERVAL" default:"1m"`
}

// IdempotencyConfig bounds how long completed idempotency keys are
// remembered. Within the TTL a duplicate submission returns the cached
// result; after expiry it executes anew.
type IdempotencyConfig struct {
	TTL time.Duration `json:"ttl" env:"ACTIONPLANE_IDEMPOTENCY_TTL" default:"1h"`
}

// JournalConfig controls the optional append-only journal.
type JournalConfig struct {
	Enabled bool `json:"enabled" env:"ACTIONPLANE_JOURNAL_ENABLED" default:"false"`
	// Backend selects "file" or "redis".
	Backend    string        `json:"backend" env:"ACTIONPLANE_JOURNAL_BACKEND" default:"file"`
	Path       string        `json:"path" env:"ACTIONPLANE_JOURNAL_PATH" default:"actionplane.journal"`
	FlushEvery time.Duration `json:"flush_every" env:"ACTIONPLANE_JOURNAL_FLUSH_EVERY" default:"1s"`
	// MaxEntries caps the Redis-backed journal list; 0 means unbounded.
	MaxEntries int64 `json:"max_entries" env:"ACTIONPLANE_JOURNAL_MAX_ENTRIES" default:"100000"`
}

// WorkflowConfig governs the workflow engine.
type WorkflowConfig struct {
	// ConcurrencyPerRun caps in-flight steps of one workflow run.
	ConcurrencyPerRun int `json:"concurrency_per_run" env:"ACTIONPLANE_WORKFLOW_CONCURRENCY" default:"4"`
}

// DeadlineConfig supplies the default per-action deadline used when a
// decision carries no timeout of its own.
type DeadlineConfig struct {
	DefaultAction time.Duration `json:"default_action" env:"ACTIONPLANE_DEFAULT_ACTION_TIMEOUT" default:"30s"`
}

// TelemetryConfig configures the metrics and tracing plane.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" env:"ACTIONPLANE_TELEMETRY_ENABLED" default:"false"`
	Endpoint string `json:"endpoint" env:"ACTIONPLANE_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" env:"ACTIONPLANE_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"ACTIONPLANE_LOG_FORMAT"`
}

// RedisConfig holds the connection string shared by the Redis-backed
// approval store and journal.
type RedisConfig struct {
	URL string `json:"url" env:"ACTIONPLANE_REDIS_URL,REDIS_URL"`
}

// Option is a functional option for configuring the orchestrator.
// Options are applied in order and can return an error if the configuration
// is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with documented defaults. Breaker,
// rate-limit, and retry values intentionally live here rather than in the
// state machines; nothing downstream hard-codes them.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "actionplane",
		Workers: WorkersConfig{
			Count:           5,
			ShutdownTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize:          1000,
			StarvationGuardK: 16,
		},
		Breaker: BreakerConfig{
			BreakerSettings: BreakerSettings{
				FailureThreshold: 5,
				FailureWindow:    60 * time.Second,
				ResetTimeout:     30 * time.Second,
				SuccessThreshold: 2,
			},
		},
		RateLimit: RateLimitConfig{
			RateLimitSettings: RateLimitSettings{
				Capacity:     10,
				RefillPerSec: 5,
			},
		},
		Retry: RetryConfig{
			RetrySettings: RetrySettings{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Approval: ApprovalConfig{
			DefaultTimeout:       30 * time.Minute,
			DefaultTimeoutAction: "reject",
			Store:                "memory",
			SweepInterval:        time.Minute,
		},
		Idempotency: IdempotencyConfig{
			TTL: time.Hour,
		},
		Journal: JournalConfig{
			Enabled:    false,
			Backend:    "file",
			Path:       "actionplane.journal",
			FlushEvery: time.Second,
			MaxEntries: 100000,
		},
		Workflow: WorkflowConfig{
			ConcurrencyPerRun: 4,
		},
		Deadlines: DeadlineConfig{
			DefaultAction: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// NewConfig builds a Config by layering defaults, environment variables, and
// functional options, then validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by
// functional options.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ACTIONPLANE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}

	// Workers
	if v := os.Getenv("ACTIONPLANE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Count = n
		}
	}
	if v := os.Getenv("ACTIONPLANE_WORKER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Workers.ShutdownTimeout = d
		}
	}

	// Queue
	if v := os.Getenv("ACTIONPLANE_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxSize = n
		}
	}
	if v := os.Getenv("ACTIONPLANE_QUEUE_STARVATION_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.StarvationGuardK = n
		}
	}

	// Breaker defaults
	if v := os.Getenv("ACTIONPLANE_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("ACTIONPLANE_BREAKER_FAILURE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.FailureWindow = d
		}
	}
	if v := os.Getenv("ACTIONPLANE_BREAKER_RESET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.ResetTimeout = d
		}
	}
	if v := os.Getenv("ACTIONPLANE_BREAKER_SUCCESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.SuccessThreshold = n
		}
	}

	// Rate limiter defaults
	if v := os.Getenv("ACTIONPLANE_RATELIMIT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Capacity = n
		}
	}
	if v := os.Getenv("ACTIONPLANE_RATELIMIT_REFILL_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RefillPerSec = f
		}
	}

	// Retry defaults
	if v := os.Getenv("ACTIONPLANE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("ACTIONPLANE_RETRY_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.InitialDelay = d
		}
	}
	if v := os.Getenv("ACTIONPLANE_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.MaxDelay = d
		}
	}
	if v := os.Getenv("ACTIONPLANE_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Retry.Multiplier = f
		}
	}
	if v := os.Getenv("ACTIONPLANE_RETRY_JITTER"); v != "" {
		c.Retry.Jitter = parseBool(v)
	}

	// Approvals
	if v := os.Getenv("ACTIONPLANE_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Approval.DefaultTimeout = d
		}
	}
	if v := os.Getenv("ACTIONPLANE_APPROVAL_TIMEOUT_ACTION"); v != "" {
		c.Approval.DefaultTimeoutAction = strings.ToLower(v)
	}
	if v := os.Getenv("ACTIONPLANE_APPROVAL_STORE"); v != "" {
		c.Approval.Store = strings.ToLower(v)
	}
	if v := os.Getenv("ACTIONPLANE_APPROVAL_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Approval.SweepInterval = d
		}
	}

	// Idempotency
	if v := os.Getenv("ACTIONPLANE_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Idempotency.TTL = d
		}
	}

	// Journal
	if v := os.Getenv("ACTIONPLANE_JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = parseBool(v)
	}
	if v := os.Getenv("ACTIONPLANE_JOURNAL_BACKEND"); v != "" {
		c.Journal.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("ACTIONPLANE_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("ACTIONPLANE_JOURNAL_FLUSH_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Journal.FlushEvery = d
		}
	}
	if v := os.Getenv("ACTIONPLANE_JOURNAL_MAX_ENTRIES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Journal.MaxEntries = n
		}
	}

	// Workflow
	if v := os.Getenv("ACTIONPLANE_WORKFLOW_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.ConcurrencyPerRun = n
		}
	}

	// Deadlines
	if v := os.Getenv("ACTIONPLANE_DEFAULT_ACTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Deadlines.DefaultAction = d
		}
	}

	// Telemetry
	if v := os.Getenv("ACTIONPLANE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("ACTIONPLANE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}

	// Logging
	if v := os.Getenv("ACTIONPLANE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ACTIONPLANE_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	// Redis
	if v := os.Getenv("ACTIONPLANE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	return nil
}

// Validate checks the configuration for consistency. It is called by
// NewConfig after all layers are applied.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("queue.maxSize must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Queue.StarvationGuardK < 1 {
		return fmt.Errorf("queue.starvationGuardK must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failureThreshold must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.successThreshold must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.ResetTimeout <= 0 || c.Breaker.FailureWindow <= 0 {
		return fmt.Errorf("breaker timing values must be positive: %w", ErrInvalidConfiguration)
	}
	if c.RateLimit.Capacity < 1 || c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rateLimiter capacity and refill rate must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1: %w", ErrInvalidConfiguration)
	}
	switch c.Approval.DefaultTimeoutAction {
	case "approve", "reject":
	default:
		return fmt.Errorf("approval.defaultTimeoutAction must be approve or reject, got %q: %w",
			c.Approval.DefaultTimeoutAction, ErrInvalidConfiguration)
	}
	switch c.Approval.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("approval.store must be memory or redis, got %q: %w",
			c.Approval.Store, ErrInvalidConfiguration)
	}
	if c.Approval.Store == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("approval.store=redis requires a Redis URL (set REDIS_URL): %w",
			ErrMissingConfiguration)
	}
	if c.Journal.Enabled {
		switch c.Journal.Backend {
		case "file":
			if c.Journal.Path == "" {
				return fmt.Errorf("journal.backend=file requires journal.path: %w", ErrMissingConfiguration)
			}
		case "redis":
			if c.Redis.URL == "" {
				return fmt.Errorf("journal.backend=redis requires a Redis URL (set REDIS_URL): %w",
					ErrMissingConfiguration)
			}
		default:
			return fmt.Errorf("journal.backend must be file or redis, got %q: %w",
				c.Journal.Backend, ErrInvalidConfiguration)
		}
	}
	if c.Workflow.ConcurrencyPerRun < 1 {
		return fmt.Errorf("workflow.concurrencyPerRun must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Deadlines.DefaultAction <= 0 {
		return fmt.Errorf("deadlines.defaultAction must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// Functional options

// WithServiceName sets the service name used in logs and telemetry.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		c.ServiceName = name
		return nil
	}
}

// WithWorkerCount sets the worker pool size.
func WithWorkerCount(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("worker count must be at least 1, got %d", n)
		}
		c.Workers.Count = n
		return nil
	}
}

// WithQueueMaxSize bounds the priority queue.
func WithQueueMaxSize(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("queue max size must be at least 1, got %d", n)
		}
		c.Queue.MaxSize = n
		return nil
	}
}

// WithStarvationGuard sets the low-priority rescue cadence K.
func WithStarvationGuard(k int) Option {
	return func(c *Config) error {
		if k < 1 {
			return fmt.Errorf("starvation guard K must be at least 1, got %d", k)
		}
		c.Queue.StarvationGuardK = k
		return nil
	}
}

// WithBreakerDefaults replaces the process-wide breaker defaults.
func WithBreakerDefaults(s BreakerSettings) Option {
	return func(c *Config) error {
		c.Breaker.BreakerSettings = s
		return nil
	}
}

// WithBreakerOverride sets breaker parameters for one platform. Zero fields
// keep the defaults.
func WithBreakerOverride(platform Platform, s BreakerSettings) Option {
	return func(c *Config) error {
		if c.Breaker.Overrides == nil {
			c.Breaker.Overrides = make(map[Platform]BreakerSettings)
		}
		c.Breaker.Overrides[platform] = s
		return nil
	}
}

// WithRateLimitDefaults replaces the process-wide bucket defaults.
func WithRateLimitDefaults(s RateLimitSettings) Option {
	return func(c *Config) error {
		c.RateLimit.RateLimitSettings = s
		return nil
	}
}

// WithRateLimitOverride sets bucket parameters for one platform.
func WithRateLimitOverride(platform Platform, s RateLimitSettings) Option {
	return func(c *Config) error {
		if c.RateLimit.Overrides == nil {
			c.RateLimit.Overrides = make(map[Platform]RateLimitSettings)
		}
		c.RateLimit.Overrides[platform] = s
		return nil
	}
}

// WithRetryDefaults replaces the process-wide retry defaults.
func WithRetryDefaults(s RetrySettings) Option {
	return func(c *Config) error {
		c.Retry.RetrySettings = s
		return nil
	}
}

// WithRetryOverride sets retry parameters for one platform.
func WithRetryOverride(platform Platform, s RetrySettings) Option {
	return func(c *Config) error {
		if c.Retry.Overrides == nil {
			c.Retry.Overrides = make(map[Platform]RetrySettings)
		}
		c.Retry.Overrides[platform] = s
		return nil
	}
}

// WithApprovalTimeout sets the default review timeout and what happens when
// it fires.
func WithApprovalTimeout(d time.Duration, timeoutAction string) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("approval timeout must be positive")
		}
		c.Approval.DefaultTimeout = d
		c.Approval.DefaultTimeoutAction = strings.ToLower(timeoutAction)
		return nil
	}
}

// WithApprovalStore selects the review store backend ("memory" or "redis").
func WithApprovalStore(store string) Option {
	return func(c *Config) error {
		c.Approval.Store = strings.ToLower(store)
		return nil
	}
}

// WithIdempotencyTTL sets how long completed keys are remembered.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("idempotency TTL must be positive")
		}
		c.Idempotency.TTL = d
		return nil
	}
}

// WithJournal enables the journal with the given backend ("file" or
// "redis") and location. For the file backend, location is a path; for
// Redis it is ignored in favor of the configured Redis URL.
func WithJournal(backend, location string) Option {
	return func(c *Config) error {
		c.Journal.Enabled = true
		c.Journal.Backend = strings.ToLower(backend)
		if location != "" {
			c.Journal.Path = location
		}
		return nil
	}
}

// WithWorkflowConcurrency caps in-flight steps per workflow run.
func WithWorkflowConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("workflow concurrency must be at least 1, got %d", n)
		}
		c.Workflow.ConcurrencyPerRun = n
		return nil
	}
}

// WithDefaultActionDeadline sets the deadline applied to decisions that
// carry no timeout.
func WithDefaultActionDeadline(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("default action deadline must be positive")
		}
		c.Deadlines.DefaultAction = d
		return nil
	}
}

// WithRedisURL sets the connection string for Redis-backed stores.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithTelemetry enables metric and trace export to the given OTLP endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
