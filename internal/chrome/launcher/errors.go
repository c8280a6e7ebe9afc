package launcher

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks configuration problems that are fatal at construction.
	ErrConfig = errors.New("invalid launcher configuration")
	// ErrPortBusy means the debug port is held and could not be freed.
	ErrPortBusy = errors.New("debug port busy")
	// ErrLaunchTimeout means /json never answered after spawn.
	ErrLaunchTimeout = errors.New("browser did not become ready")
	// ErrRestartDisabled is returned by the supervisor once the death budget
	// is spent or the browser keeps dying right after start.
	ErrRestartDisabled = errors.New("browser restart disabled")
	ErrShutdown        = errors.New("launcher shut down")
)

// ConfigError describes one invalid option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }
