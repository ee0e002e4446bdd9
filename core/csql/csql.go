// Package csql wraps a postgres sql.DB together with the schema all tables live in.
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/iotplane/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

var schemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Open opens a postgres database with a schema. The schema gets created
// if it does not exist yet.
func Open(ctx context.Context, dataSourceName, schema string) (*DB, error) {
	if schema == "" {
		schema = "public"
	}
	if !schemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name '%s'", schema)
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach postgres: %w", err)
	}
	if schema != "public" {
		logger.Default().Infoln("selected database schema:", schema)
		if _, err = db.ExecContext(ctx, `CREATE schema IF NOT EXISTS `+schema+`;`); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// MustOpen is Open but panics on error
func MustOpen(ctx context.Context, dataSourceName, schema string) *DB {
	db, err := Open(ctx, dataSourceName, schema)
	if err != nil {
		panic(err)
	}
	return db
}

// Table returns the schema qualified, quoted name of table
func (db *DB) Table(table string) string {
	return db.Schema + `."` + table + `"`
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema(ctx context.Context) error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+db.Schema+` CASCADE;
	CREATE schema IF NOT EXISTS `+db.Schema+`;`)
	if err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
	return err
}
