package registry

import (
	"errors"
	"fmt"
)

// ErrConfig is matched by every configuration failure.
var ErrConfig = errors.New("registry: invalid configuration")

// ConfigError describes one rejected field. It unwraps to ErrConfig.
type ConfigError struct {
	// Namespace is the offending backend, empty for gateway-level settings.
	Namespace string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("registry: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("registry: backend %q: %s: %s", e.Namespace, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErr(namespace, field, format string, args ...any) *ConfigError {
	return &ConfigError{Namespace: namespace, Field: field, Reason: fmt.Sprintf(format, args...)}
}
