// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/bootevent"
)

type eventRow struct {
	ID        int64     `db:"id"`
	MachineID string    `db:"machine_id"`
	MAC       string    `db:"mac"`
	IP        string    `db:"ip"`
	Type      string    `db:"event_type"`
	Details   string    `db:"details"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendBootEvent records one boot event. The table is append-only;
// the autoincrement id preserves arrival order per MAC.
func (st *State) AppendBootEvent(ctx context.Context, e bootevent.Event) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	type insertRow struct {
		MachineID string    `db:"machine_id"`
		MAC       string    `db:"mac"`
		IP        string    `db:"ip"`
		Type      string    `db:"event_type"`
		Details   string    `db:"details"`
		Status    string    `db:"status"`
		CreatedAt time.Time `db:"created_at"`
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO boot_event (machine_id, mac, ip, event_type, details, status, created_at)
VALUES ($insertRow.machine_id, $insertRow.mac, $insertRow.ip, $insertRow.event_type,
        $insertRow.details, $insertRow.status, $insertRow.created_at)`, insertRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := insertRow{
		MachineID: e.MachineID,
		MAC:       e.MAC,
		IP:        e.IP,
		Type:      string(e.Type),
		Details:   e.Details,
		Status:    e.Status,
		CreatedAt: e.Timestamp,
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// BootEvents returns the events for one MAC in arrival order.
func (st *State) BootEvents(ctx context.Context, mac string) ([]bootevent.Event, error) {
	stmt, err := sqlair.Prepare(`
SELECT &eventRow.* FROM boot_event WHERE mac = $eventRow.mac ORDER BY id`, eventRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []eventRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, eventRow{MAC: mac}).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	events := make([]bootevent.Event, len(rows))
	for i, row := range rows {
		events[i] = bootevent.Event{
			ID:        row.ID,
			MachineID: row.MachineID,
			MAC:       row.MAC,
			IP:        row.IP,
			Type:      bootevent.Type(row.Type),
			Details:   row.Details,
			Status:    row.Status,
			Timestamp: row.CreatedAt,
		}
	}
	return events, nil
}

// PruneBootEvents deletes events older than the cutoff and reports how
// many went.
func (st *State) PruneBootEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	type cutoffArg struct {
		Cutoff time.Time `db:"cutoff"`
	}
	stmt, err := sqlair.Prepare(`
DELETE FROM boot_event WHERE created_at < $cutoffArg.cutoff`, cutoffArg{})
	if err != nil {
		return 0, errors.Trace(err)
	}
	var pruned int64
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, cutoffArg{Cutoff: cutoff}).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		var err error
		pruned, err = outcome.Result().RowsAffected()
		return errors.Trace(err)
	})
	return pruned, errors.Trace(err)
}
