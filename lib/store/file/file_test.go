package file

import (
	"errors"
	"testing"

	"github.com/willx33/sol-tools/lib/store"
)

func TestTargets(t *testing.T) {
	f, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	wallet := "So11111111111111111111111111111111111111112"

	id, err := f.AddTarget(store.Target{Addr: wallet, Kind: "wallet"}, "solana")
	if err != nil || len(id) != 16 {
		t.Fatalf("add: %x %v", id, err)
	}
	again, err := f.AddTarget(store.Target{Addr: wallet}, "solana")
	if err != nil || string(again) != string(id) {
		t.Errorf("re-adding should return the same id: %x %v", again, err)
	}
	if _, err = f.AddTarget(store.Target{Addr: "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4"}, "ethereum"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		modules []string
		lists   int
	}{
		{nil, 2},
		{[]string{"solana"}, 1},
		{[]string{"dune"}, 0},
	}
	for _, c := range cases {
		wl, err := f.GetTargets(c.modules)
		if err != nil || len(wl) != c.lists {
			t.Errorf("%v: got %+v %v", c.modules, wl, err)
		}
	}

	wl, _ := f.GetTargets([]string{"solana"})
	if len(wl[0].Targets) != 1 || wl[0].Targets[0].Kind != "wallet" || string(wl[0].Targets[0].ID) != string(id) {
		t.Errorf("unexpected watch list %+v", wl)
	}

	if err = f.RemoveTarget(store.Target{Addr: wallet}, "solana"); err != nil {
		t.Fatal(err)
	}
	if err = f.RemoveTarget(store.Target{Addr: wallet}, "solana"); !errors.Is(err, store.ErrTargetNotFound) {
		t.Errorf("expected ErrTargetNotFound, got %v", err)
	}
}

func TestSessionsAndCursors(t *testing.T) {
	f, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := "solana:wallet:So11111111111111111111111111111111111111112"

	if _, err = f.LoadSession(id); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}

	c := store.Cursors{DB: f}
	if cur, err := c.LoadCursor(id); err != nil || cur != "" {
		t.Errorf("expected empty cursor, got %q %v", cur, err)
	}
	if err = f.SaveSession(id, store.SessionState{Module: "solana", Target: "So111", Status: "RUNNING"}); err != nil {
		t.Fatal(err)
	}
	if err = c.SaveCursor(id, "5xSig"); err != nil {
		t.Fatal(err)
	}
	ss, err := f.LoadSession(id)
	if err != nil || ss.Cursor != "5xSig" || ss.Module != "solana" || ss.Updated.IsZero() {
		t.Errorf("unexpected session %+v %v", ss, err)
	}
	if cur, _ := c.LoadCursor(id); cur != "5xSig" {
		t.Errorf("unexpected cursor %q", cur)
	}
}
