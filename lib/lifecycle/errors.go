package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotReady matches any *NotReadyError with errors.Is.
var ErrNotReady = errors.New("adapter not ready")

// NotReadyError is returned by operations called while the adapter is not READY.
type NotReadyError struct {
	Module string
	State  State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: adapter not ready (state %s)", e.Module, e.State)
}

// Is reports ErrNotReady as a match.
func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// ConfigError reports missing or invalid credentials found while initializing.
type ConfigError struct {
	Module  string
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: configuration error", e.Module)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }
