// Package store defines the interface for database implementations of the watch lists and monitor session state used
// by the api and watcher services.
package store

import (
	"errors"
	"time"
)

// DB defines required methods for the api and watcher services
type DB interface {
	// watch lists, per module
	AddTarget(Target, string) ([]byte, error)
	RemoveTarget(Target, string) error
	GetTargets([]string) ([]WatchList, error)
	// monitor sessions
	LoadSession(string) (SessionState, error)
	SaveSession(string, SessionState) error
}

// Errors returned
var (
	ErrTargetNotFound = errors.New("Target was not found in store")
	ErrDataNotFound   = errors.New("Data was not found in store")
)

// Cursors keeps monitor session cursors in a DB.
type Cursors struct {
	DB DB
}

// LoadCursor returns the stored cursor of session id, "" if there is none.
func (c Cursors) LoadCursor(id string) (string, error) {
	s, err := c.DB.LoadSession(id)
	if errors.Is(err, ErrDataNotFound) {
		return "", nil
	}
	return s.Cursor, err
}

// SaveCursor stores the cursor of session id.
func (c Cursors) SaveCursor(id, cursor string) error {
	s, err := c.DB.LoadSession(id)
	if err != nil && !errors.Is(err, ErrDataNotFound) {
		return err
	}
	s.Cursor = cursor
	s.Updated = time.Now().UTC()
	return c.DB.SaveSession(id, s)
}
