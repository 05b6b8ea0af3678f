// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/mattn/go-sqlite3"
)

const (
	// defaultTxnAttempts bounds the optimistic retry loop around
	// write transactions. Multi-primary SQL backends surface
	// serialization conflicts that a short retry resolves.
	defaultTxnAttempts = 3

	defaultRetryDelay = 20 * time.Millisecond
)

// TxnRunner runs transactions with bounded retry on conflicts. It is
// safe for concurrent use.
type TxnRunner struct {
	db    *sqlair.DB
	std   *sql.DB
	clock clock.Clock
}

// NewTxnRunner returns a runner over the given database.
func NewTxnRunner(db *sql.DB) *TxnRunner {
	return &TxnRunner{
		db:    sqlair.NewDB(db),
		std:   db,
		clock: clock.WallClock,
	}
}

// Txn runs fn inside a transaction, retrying the whole transaction on
// retryable conflicts. fn must be idempotent up to its own writes.
func (r *TxnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.db.Begin(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// StdTxn is Txn for callers that want the raw database/sql handle.
func (r *TxnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.std.BeginTx(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

func (r *TxnRunner) withRetry(ctx context.Context, fn func() error) error {
	return retry.Call(retry.CallArgs{
		Func:         fn,
		IsFatalError: func(err error) bool { return !IsErrRetryable(err) },
		Attempts:     defaultTxnAttempts,
		Delay:        defaultRetryDelay,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        r.clock,
		Stop:         ctx.Done(),
	})
}

// IsErrRetryable reports whether the error is a transient database
// conflict worth retrying: lock contention from sqlite, or a
// deadlock/certification failure from a multi-primary SQL backend.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	if errors.Is(err, sqlite3.ErrBusy) || errors.Is(err, sqlite3.ErrLocked) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"database is locked",
		"bad connection",
		"checkpoint in progress",
		"deadlock found",
		"wsrep has not yet prepared node",
		"error during commit",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
