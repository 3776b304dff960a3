package backoff

import "time"

// ErrorKind classifies a failure for retry purposes.
type ErrorKind string

const (
	ErrorValidation ErrorKind = "validation"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorRateLimit  ErrorKind = "rate_limit"
	ErrorExecution  ErrorKind = "execution"
	ErrorResource   ErrorKind = "resource"
	ErrorConnection ErrorKind = "connection"
)

// Retryable reports whether the kind is retried at the task layer by default.
// Validation is never retried; Connection is recovered at the transport
// layer, not by the task-level retry policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTimeout, ErrorRateLimit, ErrorExecution, ErrorResource:
		return true
	default:
		return false
	}
}

// RetryConfig is the value type exchanged over the wire and stored on a
// task's retry policy. Durations are expressed in milliseconds so the type
// round-trips cleanly through JSON.
type RetryConfig struct {
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs    float64  `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs        float64  `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64  `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	JitterFactor      float64  `json:"jitter_factor" yaml:"jitter_factor"`
	RetryOn           []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	SkipOn            []string `json:"skip_on,omitempty" yaml:"skip_on,omitempty"`
}

// Policy converts the wire config into the BackoffPolicy used by ComputeBackoff.
func (c RetryConfig) Policy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: c.InitialDelayMs,
		MaxMs:     c.MaxDelayMs,
		Factor:    c.BackoffMultiplier,
		Jitter:    c.JitterFactor,
	}
}

// DefaultRetryConfig is the "standard" profile: 3 attempts, 1s initial,
// 60s cap, 2x multiplier, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelayMs:    1000,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
		SkipOn:            []string{string(ErrorValidation)},
	}
}

// RateLimitRetryConfig is the profile used for RateLimit-classified errors:
// longer initial delay and cap to respect upstream quota resets.
func RateLimitRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelayMs = 5000
	cfg.MaxDelayMs = 300000
	cfg.RetryOn = []string{string(ErrorRateLimit)}
	return cfg
}

// FastRetryConfig trades patience for latency: fewer attempts, shorter caps.
// Suited to in-process operations where a caller is actively waiting.
func FastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialDelayMs:    200,
		MaxDelayMs:        2000,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
		SkipOn:            []string{string(ErrorValidation)},
	}
}

// SlowRetryConfig is for operations that can tolerate long waits, such as
// recovering a downstream dependency outage.
func SlowRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelayMs:    2000,
		MaxDelayMs:        120000,
		BackoffMultiplier: 2.5,
		JitterFactor:      0.2,
		SkipOn:            []string{string(ErrorValidation)},
	}
}

// ShouldRetry applies the decision rule from the retry policy: an error
// kind in skipOn is never retried; otherwise it is retried if explicitly
// named in retryOn or if the kind is retryable by default classification.
func ShouldRetry(cfg RetryConfig, kind ErrorKind) bool {
	for _, s := range cfg.SkipOn {
		if ErrorKind(s) == kind {
			return false
		}
	}
	for _, r := range cfg.RetryOn {
		if ErrorKind(r) == kind {
			return true
		}
	}
	return kind.Retryable()
}

// EffectiveDelay returns the computed backoff for attempt, unless retryAfter
// is larger, in which case the upstream hint wins.
func EffectiveDelay(cfg RetryConfig, attempt int, retryAfter time.Duration) time.Duration {
	computed := ComputeBackoff(cfg.Policy(), attempt)
	if retryAfter > computed {
		return retryAfter
	}
	return computed
}
