// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens the control-plane database and provides the
// retrying transaction runner every state package goes through.
package database

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

// Open returns the control-plane database at the given path. The
// busy timeout keeps writer contention inside the driver; foreign
// keys guard referential integrity between machines, jobs and eggs.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
		"_journal_mode": {"WAL"},
	}.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening database at %q", path)
	}
	// A single writer connection sidesteps SQLITE_BUSY storms under
	// concurrent job updates.
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenInMemory returns a throwaway database for tests.
func OpenInMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, errors.Trace(err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSqlairDB wraps an open database for named-query use.
func NewSqlairDB(db *sql.DB) *sqlair.DB {
	return sqlair.NewDB(db)
}
