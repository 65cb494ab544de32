package lifecycle

import (
	"errors"
	"testing"
)

var errBoom = errors.New("boom")

// reach drives a new Lifecycle into the wanted state.
func reach(t *testing.T, s State) *Lifecycle {
	t.Helper()

	l := New("test")
	switch s {
	case Uninitialized:
	case Ready:
		if !l.Initialize(func() error { return nil }) {
			t.Fatal("initialize failed")
		}
	case Error:
		l.Initialize(func() error { return errBoom })
	case Initializing:
		l.mu.Lock()
		l.state = Initializing
		l.mu.Unlock()
	case CleaningUp:
		l.mu.Lock()
		l.state = CleaningUp
		l.mu.Unlock()
	case CleanedUp:
		l.Cleanup(nil)
	}
	if l.State() != s {
		t.Fatalf("could not reach %s, got %s", s, l.State())
	}
	return l
}

func TestInitialize(t *testing.T) {
	l := New("solana")
	if l.State() != Uninitialized {
		t.Fatalf("unexpected initial state %s", l.State())
	}

	cfgErr := &ConfigError{Module: "solana", Missing: []string{"HELIUS_API_KEY"}}
	if l.Initialize(func() error { return cfgErr }) {
		t.Fatal("initialize should fail")
	}
	if l.State() != Error {
		t.Fatalf("expected ERROR, got %s", l.State())
	}
	var ce *ConfigError
	if !errors.As(l.LastError(), &ce) || ce.Missing[0] != "HELIUS_API_KEY" {
		t.Errorf("unexpected last error %v", l.LastError())
	}

	// ERROR -> READY once the checks pass
	if !l.Initialize(func() error { return nil }) || l.State() != Ready {
		t.Fatalf("expected READY, got %s", l.State())
	}
	if l.LastError() != nil {
		t.Errorf("last error should be cleared")
	}
}

func TestRequire(t *testing.T) {
	cases := []State{Uninitialized, Error, CleanedUp}
	for _, s := range cases {
		l := reach(t, s)
		err := l.Require()
		var nr *NotReadyError
		if !errors.As(err, &nr) || nr.State != s || !errors.Is(err, ErrNotReady) {
			t.Errorf("[%s] unexpected error %v", s, err)
		}
	}
	if err := reach(t, Ready).Require(); err != nil {
		t.Errorf("READY should not fail: %v", err)
	}
}

func TestValidate(t *testing.T) {
	l := reach(t, Ready)
	if l.Validate(func() error { return errBoom }) {
		t.Error("validate should fail")
	}
	if l.State() != Ready {
		t.Errorf("soft failure changed state to %s", l.State())
	}
	if !l.Validate(func() error { return nil }) {
		t.Error("validate should pass")
	}

	called := false
	u := reach(t, Uninitialized)
	if u.Validate(func() error { called = true; return nil }) || called {
		t.Error("validate must only run when READY")
	}
}

func TestFail(t *testing.T) {
	l := reach(t, Ready)
	l.Fail(errBoom)
	if l.State() != Error || !errors.Is(l.LastError(), errBoom) {
		t.Errorf("expected ERROR with boom, got %s %v", l.State(), l.LastError())
	}
	// no effect out of READY
	u := reach(t, Uninitialized)
	u.Fail(errBoom)
	if u.State() != Uninitialized {
		t.Errorf("fail moved %s", u.State())
	}
}

func TestCleanupFromAnyState(t *testing.T) {
	states := []State{Uninitialized, Initializing, Ready, Error, CleaningUp, CleanedUp}
	for _, s := range states {
		l := reach(t, s)
		calls := 0
		release := func() { calls++ }
		l.Cleanup(release)
		l.Cleanup(release)
		if s != CleaningUp && l.State() != CleanedUp {
			t.Errorf("[%s] cleanup ended in %s", s, l.State())
		}
		if s != CleaningUp && s != CleanedUp && calls != 1 {
			t.Errorf("[%s] release called %d times", s, calls)
		}
		if l.Initialize(func() error { return nil }) {
			t.Errorf("[%s] initialize accepted after cleanup", s)
		}
	}
}

func TestCleanupSwallowsPanic(t *testing.T) {
	l := reach(t, Ready)
	l.Cleanup(func() { panic("release exploded") })
	if l.State() != CleanedUp {
		t.Errorf("expected CLEANED_UP, got %s", l.State())
	}
}

func TestStateString(t *testing.T) {
	if Ready.String() != "READY" || CleanedUp.String() != "CLEANED_UP" || State(42).String() != "State(42)" {
		t.Error("unexpected state names")
	}
	var s State
	if err := s.UnmarshalText([]byte("CLEANING_UP")); err != nil || s != CleaningUp {
		t.Errorf("unexpected state %s %v", s, err)
	}
	if err := s.UnmarshalText([]byte("ready")); err == nil {
		t.Error("lowercase state name accepted")
	}
}
