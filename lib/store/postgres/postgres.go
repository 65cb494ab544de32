// Package postgres implements the interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/store"
)

// Schema creates the tables used by the store.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	id      TEXT NOT NULL,
	module  TEXT NOT NULL,
	name    TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	kind    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (module, address)
);
CREATE TABLE IF NOT EXISTS sessions (
	id      TEXT PRIMARY KEY,
	module  TEXT NOT NULL,
	target  TEXT NOT NULL,
	kind    TEXT NOT NULL DEFAULT '',
	cursor  TEXT NOT NULL DEFAULT '',
	status  TEXT NOT NULL DEFAULT '',
	updated TIMESTAMPTZ NOT NULL
);`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and makes sure the schema
// exists.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot create schema in %s: %w", connection, err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

func selectTarget(module, addr string) sq.SelectBuilder {
	return psql.Select("id").From("targets").Where(sq.Eq{"module": module, "address": addr})
}

func insertTarget(id string, t store.Target, module string) sq.InsertBuilder {
	return psql.Insert("targets").Columns("id", "module", "name", "address", "kind").
		Values(id, module, t.Name, t.Addr, t.Kind)
}

func deleteTarget(module, addr string) sq.DeleteBuilder {
	return psql.Delete("targets").Where(sq.Eq{"module": module, "address": addr})
}

func selectTargets(modules []string) sq.SelectBuilder {
	b := psql.Select("module", "id", "name", "address", "kind").From("targets").OrderBy("module", "address")
	if len(modules) != 0 {
		b = b.Where(sq.Eq{"module": modules})
	}
	return b
}

func selectSession(id string) sq.SelectBuilder {
	return psql.Select("module", "target", "kind", "cursor", "status", "updated").From("sessions").
		Where(sq.Eq{"id": id})
}

func upsertSession(id string, ss store.SessionState) sq.InsertBuilder {
	return psql.Insert("sessions").Columns("id", "module", "target", "kind", "cursor", "status", "updated").
		Values(id, ss.Module, ss.Target, ss.Kind, ss.Cursor, ss.Status, ss.Updated).
		Suffix("ON CONFLICT (id) DO UPDATE SET module = EXCLUDED.module, target = EXCLUDED.target, " +
			"kind = EXCLUDED.kind, cursor = EXCLUDED.cursor, status = EXCLUDED.status, updated = EXCLUDED.updated")
}

// AddTarget saves a target if the module is not already watching it.
func (p *Postgres) AddTarget(t store.Target, module string) ([]byte, error) {
	var id string

	err := selectTarget(module, t.Addr).RunWith(p.db).QueryRow().Scan(&id)
	if err == nil {
		log.Info().Str("module", module).Str("target", t.Addr).Msg("Target was already watched")
		return hex.DecodeString(id)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("could not insert target in db: %w", err)
	}

	u := uuid.New()
	id = hex.EncodeToString(u[:])
	if _, err = insertTarget(id, t, module).RunWith(p.db).Exec(); err != nil {
		return nil, fmt.Errorf("could not insert target in db: %w", err)
	}

	return u[:], nil
}

// RemoveTarget deletes a target from the module watch list.
func (p *Postgres) RemoveTarget(t store.Target, module string) error {
	res, err := deleteTarget(module, t.Addr).RunWith(p.db).Exec()
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return store.ErrTargetNotFound
	}

	return nil
}

// GetTargets returns the watch lists of the modules given, or of every module when none is given.
func (p *Postgres) GetTargets(modules []string) ([]store.WatchList, error) {
	rows, err := selectTargets(modules).RunWith(p.db).Query()
	if err != nil {
		return nil, fmt.Errorf("error getting targets: %w", err)
	}
	defer rows.Close()

	lists := []store.WatchList{}

	for rows.Next() {
		var module, id string
		var t store.Target

		if err = rows.Scan(&module, &id, &t.Name, &t.Addr, &t.Kind); err != nil {
			return nil, err
		}
		t.ID, _ = hex.DecodeString(id)

		if len(lists) == 0 || lists[len(lists)-1].Module != module {
			lists = append(lists, store.WatchList{Module: module})
		}
		lists[len(lists)-1].Targets = append(lists[len(lists)-1].Targets, t)
	}

	return lists, rows.Err()
}

// LoadSession loads from db the state of session id.
func (p *Postgres) LoadSession(id string) (ss store.SessionState, err error) {
	var updated time.Time

	err = selectSession(id).RunWith(p.db).QueryRow().
		Scan(&ss.Module, &ss.Target, &ss.Kind, &ss.Cursor, &ss.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrDataNotFound
	}
	ss.Updated = updated.UTC()

	return
}

// SaveSession saves to db the state of session id.
func (p *Postgres) SaveSession(id string, ss store.SessionState) error {
	if ss.Updated.IsZero() {
		ss.Updated = time.Now().UTC()
	}
	_, err := upsertSession(id, ss).RunWith(p.db).Exec()

	return err
}
