package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the plan-solve runtime.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Auth        AuthConfig        `yaml:"auth"`
	Session     SessionConfig     `yaml:"session"`
	LLM         LLMConfig         `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Retry       RetryConfig       `yaml:"retry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// OrchestratorConfig configures the Plan-Solve Orchestrator (C6) and the
// Agent Core's per-step budgets (C5).
type OrchestratorConfig struct {
	SolverConcurrency   int  `yaml:"solver_concurrency"`
	RequirePlanConfirm  bool `yaml:"require_plan_confirm"`
	PlanConfirmTimeoutMs int `yaml:"plan_confirm_timeout_ms"`
	ToolConfirmTimeoutMs int `yaml:"tool_confirm_timeout_ms"`
	LLMTimeoutMs        int  `yaml:"llm_timeout_ms"`
	ToolTimeoutMs       int  `yaml:"tool_timeout_ms"`
	MaxSteps            int  `yaml:"max_steps"`
	MaxObserveChars      int  `yaml:"max_observe_chars"`
}

func (c OrchestratorConfig) Concurrency() int {
	if c.SolverConcurrency <= 0 {
		return 5
	}
	return c.SolverConcurrency
}

func (c OrchestratorConfig) PlanConfirmTimeout() time.Duration {
	if c.PlanConfirmTimeoutMs <= 0 {
		return 600_000 * time.Millisecond
	}
	return time.Duration(c.PlanConfirmTimeoutMs) * time.Millisecond
}

func (c OrchestratorConfig) ToolConfirmTimeout() time.Duration {
	if c.ToolConfirmTimeoutMs <= 0 {
		return 300_000 * time.Millisecond
	}
	return time.Duration(c.ToolConfirmTimeoutMs) * time.Millisecond
}

func (c OrchestratorConfig) LLMTimeout() time.Duration {
	if c.LLMTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LLMTimeoutMs) * time.Millisecond
}

func (c OrchestratorConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

func (c OrchestratorConfig) MaxStepsOrDefault() int {
	if c.MaxSteps <= 0 {
		return 10
	}
	return c.MaxSteps
}

func (c OrchestratorConfig) MaxObserveCharsOrDefault() int {
	if c.MaxObserveChars <= 0 {
		return 2000
	}
	return c.MaxObserveChars
}

// RetryConfig configures the default backoff profile (C4). Per-error-kind
// overrides live alongside it so operators can tune rate-limit handling
// without touching code.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelayMs    int      `yaml:"initial_delay_ms"`
	MaxDelayMs        int      `yaml:"max_delay_ms"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	JitterFactor      float64  `yaml:"jitter_factor"`
	RetryOn           []string `yaml:"retry_on"`
	SkipOn            []string `yaml:"skip_on"`
}

// LoggingConfig configures the structured logger shared across components.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Load reads, merges $include directives, expands env vars, and strictly
// decodes the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.WSPort == 0 {
		cfg.Server.WSPort = 8787
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Session.LockTimeout == 0 {
		cfg.Session.LockTimeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "plansolve"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = 500
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 30_000
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.JitterFactor == 0 {
		cfg.Retry.JitterFactor = 0.2
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Session.SignedStateSecret == "" {
		return fmt.Errorf("session.signed_state_secret is required")
	}
	if cfg.Orchestrator.Concurrency() < 1 {
		return fmt.Errorf("orchestrator.solver_concurrency must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	return nil
}

// EncodeYAML re-serializes cfg, used by `plansolve config print`.
func EncodeYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
