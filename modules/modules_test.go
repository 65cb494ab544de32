package modules

import (
	"context"
	"errors"
	"testing"

	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/lifecycle"
	"github.com/willx33/sol-tools/lib/pool"
)

func testRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()

	conf := config.Default()
	conf.DataDir = t.TempDir()
	p := pool.New(pool.Options{})
	t.Cleanup(p.Close)
	r, err := New(conf, p, names)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Cleanup)
	return r
}

func TestNewUnknown(t *testing.T) {
	_, err := New(config.Default(), nil, []string{"gmgn", "bitquery"})
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestInitialize(t *testing.T) {
	r := testRegistry(t, "sharp", "dune", "gmgn")

	if ns := r.Names(); len(ns) != 3 || ns[0] != "dune" || ns[2] != "sharp" {
		t.Errorf("unexpected names %v", ns)
	}
	ready := r.Initialize(context.Background())
	if len(ready) != 2 || ready[0] != "gmgn" || ready[1] != "sharp" {
		t.Errorf("unexpected ready modules %v", ready)
	}

	cases := map[string]struct {
		state   lifecycle.State
		missing int
		watcher bool
	}{
		"dune":  {lifecycle.Error, 1, false},
		"gmgn":  {lifecycle.Ready, 0, true},
		"sharp": {lifecycle.Ready, 0, false},
	}
	for _, s := range r.Status() {
		c := cases[s.Name]
		if s.State != c.state || len(s.Missing) != c.missing || s.Watcher != c.watcher {
			t.Errorf("%s: unexpected status %+v", s.Name, s)
		}
		if s.State == lifecycle.Error && s.LastError == "" {
			t.Errorf("%s: last error not reported", s.Name)
		}
	}

	r.Cleanup()
	for _, s := range r.Status() {
		if s.State != lifecycle.CleanedUp {
			t.Errorf("%s: expected CLEANED_UP, got %v", s.Name, s.State)
		}
	}
}

func TestLookups(t *testing.T) {
	r := testRegistry(t, "solana", "sharp", "telegram")

	if _, err := r.Get("dune"); !errors.Is(err, ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
	if _, err := r.Watcher("sharp"); !errors.Is(err, ErrNotWatcher) {
		t.Errorf("expected ErrNotWatcher, got %v", err)
	}
	if w, err := r.Watcher("telegram"); err != nil || w.Name() != "telegram" {
		t.Errorf("unexpected watcher %v %v", w, err)
	}
	if _, err := r.Analyzer("telegram"); !errors.Is(err, ErrNoAnalyzer) {
		t.Errorf("expected ErrNoAnalyzer, got %v", err)
	}
	if a, err := r.Analyzer("solana"); err != nil || a.Name() != "solana" {
		t.Errorf("unexpected analyzer %v %v", a, err)
	}
}
