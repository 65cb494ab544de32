// Package file implements the store interface over JSON files in a directory. It is the default store and needs no
// running database.
package file

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/util"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// File keeps one JSON file per module watch list under targets/ and one per session under sessions/.
type File struct {
	mu  sync.Mutex
	dir string
}

// New returns a File store rooted at dir, creating it if needed.
func New(dir string) (*File, error) {
	for _, sub := range []string{"targets", "sessions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create store dir %s: %w", dir, err)
		}
	}
	return &File{dir: dir}, nil
}

// Close is a no-op, files are written synchronously.
func (f *File) Close() error { return nil }

func (f *File) path(sub, name string) string {
	return filepath.Join(f.dir, sub, unsafeName.ReplaceAllString(name, "_")+".json")
}

type fileTarget struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Addr string `json:"addr"`
	Kind string `json:"kind,omitempty"`
}

func (t fileTarget) target() store.Target {
	id, _ := hex.DecodeString(t.ID)
	return store.Target{ID: id, Name: t.Name, Addr: t.Addr, Kind: t.Kind}
}

func (f *File) readTargets(module string) ([]fileTarget, error) {
	var ts []fileTarget
	err := readJSON(f.path("targets", module), &ts)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return ts, err
}

// AddTarget saves a target if it is not already watched by module and returns its id.
func (f *File) AddTarget(t store.Target, module string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts, err := f.readTargets(module)
	if err != nil {
		return nil, err
	}
	for _, ft := range ts {
		if ft.Addr == t.Addr {
			log.Info().Str("module", module).Str("target", t.Addr).Msg("Target was already watched")
			return ft.target().ID, nil
		}
	}
	id := uuid.New()
	ts = append(ts, fileTarget{ID: hex.EncodeToString(id[:]), Name: t.Name, Addr: t.Addr, Kind: t.Kind})
	if err = writeJSON(f.path("targets", module), ts); err != nil {
		return nil, fmt.Errorf("could not insert target in store: %w", err)
	}
	return id[:], nil
}

// RemoveTarget deletes a target from the module watch list.
func (f *File) RemoveTarget(t store.Target, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts, err := f.readTargets(module)
	if err != nil {
		return err
	}
	for i, ft := range ts {
		if ft.Addr == t.Addr {
			ts = append(ts[:i], ts[i+1:]...)
			return writeJSON(f.path("targets", module), ts)
		}
	}
	return store.ErrTargetNotFound
}

// GetTargets returns the watch lists of the modules given, or of every module when none is given.
func (f *File) GetTargets(modules []string) ([]store.WatchList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(f.dir, "targets"))
	if err != nil {
		return nil, fmt.Errorf("error reading store: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(names)

	lists := []store.WatchList{}
	for _, m := range names {
		if len(modules) != 0 && !util.In(modules, m) {
			continue
		}
		ts, err := f.readTargets(m)
		if err != nil {
			return nil, err
		}
		wl := store.WatchList{Module: m}
		for _, ft := range ts {
			wl.Targets = append(wl.Targets, ft.target())
		}
		lists = append(lists, wl)
	}
	return lists, nil
}

// LoadSession loads the state of session id.
func (f *File) LoadSession(id string) (ss store.SessionState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err = readJSON(f.path("sessions", id), &ss); errors.Is(err, os.ErrNotExist) {
		err = store.ErrDataNotFound
	}
	return
}

// SaveSession saves the state of session id.
func (f *File) SaveSession(id string, ss store.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return writeJSON(f.path("sessions", id), ss)
}

func readJSON(name string, v interface{}) error {
	buf, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("corrupt store file %s: %w", name, err)
	}
	return nil
}

// writeJSON replaces name atomically.
func writeJSON(name string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err = os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}
