package config

import "time"

// SessionConfig controls the session manager (C3): reconnect windows,
// idle eviction, and the secret used to sign exported session state.
type SessionConfig struct {
	OutboundLogSize  int           `yaml:"outbound_log_size"`
	IdleTimeoutMs    int           `yaml:"idle_timeout_ms"`
	SignedStateSecret string       `yaml:"signed_state_secret"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
}

// IdleTimeout returns IdleTimeoutMs as a time.Duration, defaulting per spec.
func (c SessionConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutMs <= 0 {
		return 150 * time.Second
	}
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// LogSize returns OutboundLogSize, defaulting per spec.
func (c SessionConfig) LogSize() int {
	if c.OutboundLogSize <= 0 {
		return 512
	}
	return c.OutboundLogSize
}
