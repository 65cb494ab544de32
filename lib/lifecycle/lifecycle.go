// Package lifecycle implements the state machine shared by every module adapter:
//
//	UNINITIALIZED -> INITIALIZING -> READY | ERROR -> CLEANING_UP -> CLEANED_UP
//
// Transitions only move forward except for READY <-> ERROR. Cleanup is accepted from any state and always ends in
// CLEANED_UP; nothing else is accepted afterwards.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/metrics"
)

// State of an adapter.
type State int

// Adapter states.
const (
	Uninitialized State = iota
	Initializing
	Ready
	Error
	CleaningUp
	CleanedUp
)

var stateNames = [...]string{"UNINITIALIZED", "INITIALIZING", "READY", "ERROR", "CLEANING_UP", "CLEANED_UP"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText lets states render by name in JSON replies.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, n := range stateNames {
		if n == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown adapter state %q", text)
}

// Lifecycle holds the state of one adapter. It is safe for concurrent use.
type Lifecycle struct {
	mu      sync.Mutex
	module  string
	state   State
	lastErr error
}

// New returns a Lifecycle in the UNINITIALIZED state.
func New(module string) *Lifecycle {
	l := &Lifecycle{module: module}
	metrics.AdapterState.WithLabelValues(module).Set(float64(Uninitialized))
	return l
}

// Module returns the name of the adapter.
func (l *Lifecycle) Module() string { return l.module }

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastError returns the fault recorded by the last transition to ERROR, if any.
func (l *Lifecycle) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// set must be called with the lock held.
func (l *Lifecycle) set(to State, err error) {
	from := l.state
	l.state = to
	if err != nil {
		l.lastErr = err
	}
	metrics.AdapterState.WithLabelValues(l.module).Set(float64(to))

	ev := log.Info()
	if to == Error {
		ev = log.Warn().Err(err)
	}
	ev.Str("module", l.module).Stringer("from", from).Stringer("to", to).Msg("adapter state changed")
}

// Initialize runs check and moves UNINITIALIZED -> INITIALIZING -> READY, or to ERROR recording the error returned
// by check. From ERROR the check is run again and a success moves the adapter back to READY. It returns true if the
// adapter ends READY.
func (l *Lifecycle) Initialize(check func() error) bool {
	l.mu.Lock()
	switch l.state {
	case Ready:
		l.mu.Unlock()
		return true
	case Uninitialized:
		l.set(Initializing, nil)
	case Error:
	default:
		log.Warn().Str("module", l.module).Stringer("state", l.state).Msg("initialize ignored")
		l.mu.Unlock()
		return false
	}
	from := l.state
	l.mu.Unlock()

	err := safeCall(check)

	l.mu.Lock()
	defer l.mu.Unlock()
	// cleanup may have started while the checks ran
	if l.state != from {
		return false
	}
	if err != nil {
		if l.state != Error {
			l.set(Error, err)
		} else {
			l.lastErr = err
		}
		return false
	}
	l.lastErr = nil
	l.set(Ready, nil)
	return true
}

// Validate runs check only when READY. A failing check is reported as false and leaves the state unchanged.
func (l *Lifecycle) Validate(check func() error) bool {
	if l.State() != Ready {
		return false
	}
	if err := safeCall(check); err != nil {
		log.Warn().Err(err).Str("module", l.module).Msg("validation failed")
		return false
	}
	return true
}

// Require returns a *NotReadyError unless the adapter is READY.
func (l *Lifecycle) Require() error {
	if s := l.State(); s != Ready {
		return &NotReadyError{Module: l.module, State: s}
	}
	return nil
}

// Fail moves a READY adapter to ERROR, ie. when a provider rejects its credentials.
func (l *Lifecycle) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Ready {
		l.set(Error, err)
	}
}

// Cleanup moves the adapter to CLEANING_UP, calls release and ends in CLEANED_UP. It is idempotent: release is only
// called by the first Cleanup. A panicking release is logged and swallowed.
func (l *Lifecycle) Cleanup(release func()) {
	l.mu.Lock()
	if l.state == CleaningUp || l.state == CleanedUp {
		l.mu.Unlock()
		return
	}
	l.set(CleaningUp, nil)
	l.mu.Unlock()

	if release != nil {
		if err := safeCall(func() error { release(); return nil }); err != nil {
			log.Error().Err(err).Str("module", l.module).Msg("cleanup release failed")
		}
	}

	l.mu.Lock()
	l.set(CleanedUp, nil)
	l.mu.Unlock()
}

func safeCall(f func() error) (err error) {
	if f == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}
