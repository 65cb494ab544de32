//go:build integration

package mongo

import (
	"errors"
	"testing"

	"github.com/willx33/sol-tools/lib/store"
)

var uri string = "mongodb://localhost:27017"

const (
	module  = "ethereum"
	address = "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4"
)

func TestTargets(t *testing.T) {
	m, err := New(uri)
	if err != nil {
		t.Fatalf("err:%e", err)
	}
	defer m.CloseMongo()

	id, err := m.AddTarget(store.Target{Addr: address, Kind: "wallet"}, module)
	if err != nil {
		t.Fatalf("err:%e", err)
	}
	again, err := m.AddTarget(store.Target{Addr: address}, module)
	if err != nil || string(again) != string(id) {
		t.Errorf("re-adding should return id %x, got %x %v", id, again, err)
	}

	wl, err := m.GetTargets([]string{module})
	if err != nil || len(wl) != 1 || len(wl[0].Targets) != 1 {
		t.Errorf("expected one target but got:%+v %v", wl, err)
	}

	if err = m.RemoveTarget(store.Target{Addr: address}, module); err != nil {
		t.Errorf("err:%e", err)
	}
	if err = m.RemoveTarget(store.Target{Addr: address}, module); !errors.Is(err, store.ErrTargetNotFound) {
		t.Errorf("expected ErrTargetNotFound, got %v", err)
	}
}

func TestSessions(t *testing.T) {
	m, err := New(uri)
	if err != nil {
		t.Fatalf("err:%e", err)
	}
	defer m.CloseMongo()

	id := "ethereum:wallet:" + address
	defer m.DeleteSession(id)

	if err = m.SaveSession(id, store.SessionState{Module: module, Target: address, Cursor: "17000000"}); err != nil {
		t.Fatalf("err:%e", err)
	}
	ss, err := m.LoadSession(id)
	if err != nil || ss.Cursor != "17000000" {
		t.Errorf("unexpected session %+v %v", ss, err)
	}
	if _, err = m.LoadSession("missing"); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}
}
