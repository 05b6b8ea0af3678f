// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists the control plane's aggregates: machines,
// the egg catalog, deployment jobs, boot events, workers, agents, and
// the capability model. It is the only package that speaks SQL.
package state

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/hatchery/internal/database"
)

var logger = loggo.GetLogger("hatchery.state")

const (
	// ErrJobConflict means a non-terminal job already exists for the
	// machine; at most one may run at a time.
	ErrJobConflict = errors.ConstError("deployment job already active")

	// ErrEggInUse blocks deleting an egg that a group or an active
	// job still references.
	ErrEggInUse = errors.ConstError("egg in use")

	// ErrStatusConflict means a compare-and-set status update lost
	// the race: the row was not in the expected prior status.
	ErrStatusConflict = errors.ConstError("status changed concurrently")
)

// State is the store over one database.
type State struct {
	runner *database.TxnRunner
}

// NewState returns a State over the given database, creating the
// schema if the database is fresh.
func NewState(ctx context.Context, db *sql.DB) (*State, error) {
	runner := database.NewTxnRunner(db)
	st := &State{runner: runner}
	if err := st.ensureSchema(ctx); err != nil {
		return nil, errors.Annotate(err, "ensuring schema")
	}
	return st, nil
}

// encodeStrings serialises a string slice for a TEXT column. Nil and
// empty encode identically.
func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		// Marshalling []string cannot fail.
		logger.Errorf("encoding string list: %v", err)
		return "[]"
	}
	return string(data)
}

func decodeStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		logger.Errorf("decoding string list %q: %v", data, err)
		return nil
	}
	return values
}
