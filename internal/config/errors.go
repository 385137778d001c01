package config

import "fmt"

// ConfigError marks a fatal startup configuration problem: missing or
// malformed settings. Callers dispatch on it with errors.As the way the
// teacher dispatches on *reorg.ErrReorgDetected.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s", e.Reason)
}

// NewConfigError wraps a reason string as a *ConfigError.
func NewConfigError(reason string) error {
	return &ConfigError{Reason: reason}
}
