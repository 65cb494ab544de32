// Package watchlist holds the targets watched by a module together with the monitor session of each one.
package watchlist

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/store"
)

// Status possible values, control whether a module keeps accepting targets
const (
	WORK int = 0
	STOP int = 1
)

// Entry is a watched target.
type Entry struct {
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Session string `json:"session,omitempty"` // id of the running session, empty until started
}

// WatchList contains the targets of a module.
type WatchList struct {
	l      sync.Mutex
	status int
	Module string
	Map    map[string]Entry // target address to entry
}

// New returns the watch list of module loaded with the targets stored for it.
func New(module string, ls []store.WatchList) *WatchList {
	w := &WatchList{Module: module, Map: map[string]Entry{}, status: WORK}
	for _, l := range ls {
		if l.Module != module {
			continue
		}
		for _, t := range l.Targets {
			w.Map[t.Addr] = Entry{Kind: t.Kind, Name: t.Name}
		}
	}
	log.Debug().Str("module", module).Int("targets", len(w.Map)).Msg("watch list loaded")
	return w
}

// Add sets the entry of target, replacing any previous one.
func (w *WatchList) Add(target string, e Entry) {
	w.l.Lock()
	defer w.l.Unlock()
	w.Map[target] = e
}

// Del deletes target returning its entry and an ok flag.
func (w *WatchList) Del(target string) (e Entry, ok bool) {
	w.l.Lock()
	defer w.l.Unlock()
	e, ok = w.Map[target]
	delete(w.Map, target)
	return
}

// Get returns the entry of target.
func (w *WatchList) Get(target string) (e Entry, ok bool) {
	w.l.Lock()
	defer w.l.Unlock()
	e, ok = w.Map[target]
	return
}

// Len returns the number of targets.
func (w *WatchList) Len() int {
	w.l.Lock()
	defer w.l.Unlock()
	return len(w.Map)
}

// ToStore returns the targets sorted by address, as saved to store.
func (w *WatchList) ToStore() store.WatchList {
	w.l.Lock()
	defer w.l.Unlock()
	wl := store.WatchList{Module: w.Module, Targets: make([]store.Target, 0, len(w.Map))}
	for a, e := range w.Map {
		wl.Targets = append(wl.Targets, store.Target{Name: e.Name, Addr: a, Kind: e.Kind})
	}
	sort.Slice(wl.Targets, func(i, j int) bool { return wl.Targets[i].Addr < wl.Targets[j].Addr })
	return wl
}

// Stop sets status to STOP
func (w *WatchList) Stop() {
	w.l.Lock()
	w.status = STOP
	w.l.Unlock()
}

// Start sets status to WORK
func (w *WatchList) Start() {
	w.l.Lock()
	w.status = WORK
	w.l.Unlock()
}

// Status returns the current status
func (w *WatchList) Status() int {
	w.l.Lock()
	defer w.l.Unlock()
	return w.status
}
