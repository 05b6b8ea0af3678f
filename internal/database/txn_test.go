// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/internal/database"
)

func Test(t *testing.T) {
	gc.TestingT(t)
}

type txnSuite struct{}

var _ = gc.Suite(&txnSuite{})

func (s *txnSuite) TestStdTxnCommits(c *gc.C) {
	db, err := database.OpenInMemory()
	c.Assert(err, jc.ErrorIsNil)
	defer db.Close()

	runner := database.NewTxnRunner(db)
	err = runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		return errors.Trace(err)
	})
	c.Assert(err, jc.ErrorIsNil)

	err = runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)")
		return errors.Trace(err)
	})
	c.Assert(err, jc.ErrorIsNil)

	var count int
	row := db.QueryRow("SELECT COUNT(*) FROM t")
	c.Assert(row.Scan(&count), jc.ErrorIsNil)
	c.Check(count, gc.Equals, 1)
}

func (s *txnSuite) TestStdTxnRollsBackOnError(c *gc.C) {
	db, err := database.OpenInMemory()
	c.Assert(err, jc.ErrorIsNil)
	defer db.Close()

	runner := database.NewTxnRunner(db)
	err = runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		return errors.Trace(err)
	})
	c.Assert(err, jc.ErrorIsNil)

	boom := errors.New("boom")
	err = runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
			return errors.Trace(err)
		}
		return boom
	})
	c.Assert(err, jc.ErrorIs, boom)

	var count int
	row := db.QueryRow("SELECT COUNT(*) FROM t")
	c.Assert(row.Scan(&count), jc.ErrorIsNil)
	c.Check(count, gc.Equals, 0)
}

func (s *txnSuite) TestIsErrRetryable(c *gc.C) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{sqlite3.ErrBusy, true},
		{errors.New("database is locked"), true},
		{errors.New("Deadlock found when trying to get lock"), true},
		{errors.New("WSREP has not yet prepared node for application use"), true},
		{errors.New("no such table: machines"), false},
		{errors.NotFoundf("machine"), false},
	}
	for i, t := range tests {
		c.Check(database.IsErrRetryable(t.err), gc.Equals, t.expected, gc.Commentf("test %d: %v", i, t.err))
	}
}
