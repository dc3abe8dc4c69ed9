package driver

import "fmt"

// ConfigError is returned when a receiver or scanner configuration is invalid
type ConfigError struct {
	scope string
	msg   string
}

// NewConfigError creates a ConfigError; scope names the configuration block,
// e.g. "rtl.Config"
func NewConfigError(scope, format string, args ...any) *ConfigError {
	return &ConfigError{scope: scope, msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.scope == "" {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.scope, e.msg)
}

// RuntimeError is returned when an external receiver binary cannot be located
// or started
type RuntimeError struct {
	runtime string
	err     error
}

func NewRuntimeError(runtime string, err error) *RuntimeError {
	return &RuntimeError{runtime: runtime, err: err}
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime '%s': %s", e.runtime, e.err)
}

func (e *RuntimeError) Unwrap() error {
	return e.err
}
