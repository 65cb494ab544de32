// Package db implements the opening and graceful closing of database connections.
package db

import (
	"fmt"

	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/store/file"
	"github.com/willx33/sol-tools/lib/store/mongo"
	"github.com/willx33/sol-tools/lib/store/postgres"
)

const (
	FILE     string = "file"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// New returns a new database connection according to the options (database type). For the file store, connection is
// the directory holding the files.
func New(options, connection string) (store.DB, error) {
	switch options {
	case FILE:
		return file.New(connection)
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	}

	return nil, fmt.Errorf("unsupported database type %q", options)
}

// Close gracefully closes the database connection.
func Close(options string, dh store.DB) error {
	switch options {
	case FILE:
		return dh.(*file.File).Close()
	case MONGODB:
		return dh.(*mongo.Mongo).CloseMongo()
	case POSTGRES:
		return dh.(*postgres.Postgres).ClosePostgres()
	}

	return nil
}
