// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/machine"
)

// machineRow mirrors the machine table.
type machineRow struct {
	SystemID         string       `db:"system_id"`
	MACAddress       string       `db:"mac_address"`
	Status           string       `db:"status"`
	Hostname         string       `db:"hostname"`
	IP               string       `db:"ip"`
	BootMode         string       `db:"boot_mode"`
	Architecture     string       `db:"architecture"`
	CPUCount         int          `db:"cpu_count"`
	MemoryMB         int          `db:"memory_mb"`
	StorageGB        int          `db:"storage_gb"`
	BMCAddress       string       `db:"bmc_address"`
	PowerType        string       `db:"power_type"`
	Zone             string       `db:"zone"`
	Pool             string       `db:"pool"`
	Tags             string       `db:"tags"`
	HardwareInfo     string       `db:"hardware_info"`
	AssignedEggs     string       `db:"assigned_eggs"`
	BootConfig       string       `db:"boot_config"`
	ReimageRequested bool         `db:"reimage_requested"`
	LastBootAt       sql.NullTime `db:"last_boot_at"`
	LastSeenAt       sql.NullTime `db:"last_seen_at"`
	DeployedAt       sql.NullTime `db:"deployed_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func machineToRow(m machine.Machine) machineRow {
	return machineRow{
		SystemID:         m.SystemID,
		MACAddress:       m.MACAddress,
		Status:           string(m.Status),
		Hostname:         m.Hostname,
		IP:               m.IP,
		BootMode:         string(m.BootMode),
		Architecture:     string(m.Architecture),
		CPUCount:         m.CPUCount,
		MemoryMB:         m.MemoryMB,
		StorageGB:        m.StorageGB,
		BMCAddress:       m.BMCAddress,
		PowerType:        m.PowerType,
		Zone:             m.Zone,
		Pool:             m.Pool,
		Tags:             encodeStrings(m.Tags),
		HardwareInfo:     m.HardwareInfo,
		AssignedEggs:     encodeStrings(m.AssignedEggs),
		BootConfig:       m.BootConfig,
		ReimageRequested: m.ReimageRequested,
		LastBootAt:       nullableTime(m.LastBootAt),
		LastSeenAt:       nullableTime(m.LastSeenAt),
		DeployedAt:       nullableTime(m.DeployedAt),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func rowToMachine(r machineRow) machine.Machine {
	return machine.Machine{
		SystemID:         r.SystemID,
		MACAddress:       r.MACAddress,
		Status:           machine.Status(r.Status),
		Hostname:         r.Hostname,
		IP:               r.IP,
		BootMode:         machine.BootMode(r.BootMode),
		Architecture:     machine.Architecture(r.Architecture),
		CPUCount:         r.CPUCount,
		MemoryMB:         r.MemoryMB,
		StorageGB:        r.StorageGB,
		BMCAddress:       r.BMCAddress,
		PowerType:        r.PowerType,
		Zone:             r.Zone,
		Pool:             r.Pool,
		Tags:             decodeStrings(r.Tags),
		HardwareInfo:     r.HardwareInfo,
		AssignedEggs:     decodeStrings(r.AssignedEggs),
		BootConfig:       r.BootConfig,
		ReimageRequested: r.ReimageRequested,
		LastBootAt:       timePtr(r.LastBootAt),
		LastSeenAt:       timePtr(r.LastSeenAt),
		DeployedAt:       timePtr(r.DeployedAt),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// CreateMachine inserts a new machine. The MAC must already be
// normalized.
func (st *State) CreateMachine(ctx context.Context, m machine.Machine) error {
	if err := m.Validate(); err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO machine (*) VALUES ($machineRow.*)`, machineRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := machineToRow(m)
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// Machine returns the machine with the given system id.
func (st *State) Machine(ctx context.Context, systemID string) (machine.Machine, error) {
	stmt, err := sqlair.Prepare(`
SELECT &machineRow.* FROM machine WHERE system_id = $machineRow.system_id`, machineRow{})
	if err != nil {
		return machine.Machine{}, errors.Trace(err)
	}
	var row machineRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, machineRow{SystemID: systemID}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("machine %q", systemID)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return machine.Machine{}, errors.Trace(err)
	}
	return rowToMachine(row), nil
}

// MachineByMAC returns the machine with the given normalized MAC.
func (st *State) MachineByMAC(ctx context.Context, mac string) (machine.Machine, error) {
	stmt, err := sqlair.Prepare(`
SELECT &machineRow.* FROM machine WHERE mac_address = $machineRow.mac_address`, machineRow{})
	if err != nil {
		return machine.Machine{}, errors.Trace(err)
	}
	var row machineRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, machineRow{MACAddress: mac}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("machine with MAC %q", mac)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return machine.Machine{}, errors.Trace(err)
	}
	return rowToMachine(row), nil
}

// Machines returns all machines, optionally filtered by status.
func (st *State) Machines(ctx context.Context, status machine.Status) ([]machine.Machine, error) {
	query := `SELECT &machineRow.* FROM machine ORDER BY system_id`
	args := []any{}
	if status != "" {
		query = `
SELECT &machineRow.* FROM machine WHERE status = $machineRow.status ORDER BY system_id`
		args = append(args, machineRow{Status: string(status)})
	}
	stmt, err := sqlair.Prepare(query, machineRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []machineRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, args...).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	machines := make([]machine.Machine, len(rows))
	for i, row := range rows {
		machines[i] = rowToMachine(row)
	}
	return machines, nil
}

// UpdateMachine writes every mutable field of the machine. The status
// column is deliberately excluded; SetMachineStatus owns it.
func (st *State) UpdateMachine(ctx context.Context, m machine.Machine) error {
	stmt, err := sqlair.Prepare(`
UPDATE machine SET
    hostname = $machineRow.hostname,
    ip = $machineRow.ip,
    boot_mode = $machineRow.boot_mode,
    architecture = $machineRow.architecture,
    cpu_count = $machineRow.cpu_count,
    memory_mb = $machineRow.memory_mb,
    storage_gb = $machineRow.storage_gb,
    bmc_address = $machineRow.bmc_address,
    power_type = $machineRow.power_type,
    zone = $machineRow.zone,
    pool = $machineRow.pool,
    tags = $machineRow.tags,
    hardware_info = $machineRow.hardware_info,
    assigned_eggs = $machineRow.assigned_eggs,
    boot_config = $machineRow.boot_config,
    reimage_requested = $machineRow.reimage_requested,
    last_boot_at = $machineRow.last_boot_at,
    last_seen_at = $machineRow.last_seen_at,
    deployed_at = $machineRow.deployed_at,
    updated_at = $machineRow.updated_at
WHERE system_id = $machineRow.system_id`, machineRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := machineToRow(m)
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("machine %q", m.SystemID)
		}
		return nil
	}))
}

// SetMachineStatus moves the machine from the expected prior status to
// the new one. The update is compare-and-set: if the row is no longer
// in the prior status the call fails with ErrStatusConflict.
func (st *State) SetMachineStatus(ctx context.Context, systemID string, from, to machine.Status, now time.Time) error {
	if !machine.CanTransition(from, to) {
		return errors.NotValidf("transition %s -> %s", from, to)
	}
	type statusArgs struct {
		SystemID  string    `db:"system_id"`
		From      string    `db:"from_status"`
		To        string    `db:"to_status"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE machine SET status = $statusArgs.to_status, updated_at = $statusArgs.updated_at
WHERE system_id = $statusArgs.system_id AND status = $statusArgs.from_status`, statusArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	args := statusArgs{SystemID: systemID, From: string(from), To: string(to), UpdatedAt: now}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.Annotatef(ErrStatusConflict, "machine %q not in status %q", systemID, from)
		}
		return nil
	}))
}

// DeleteMachine removes a machine from the inventory.
func (st *State) DeleteMachine(ctx context.Context, systemID string) error {
	type idArg struct {
		SystemID string `db:"system_id"`
	}
	stmt, err := sqlair.Prepare(`
DELETE FROM machine WHERE system_id = $idArg.system_id`, idArg{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, idArg{SystemID: systemID}).Run())
	}))
}
