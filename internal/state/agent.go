// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/agent"
)

type agentRow struct {
	ID              string       `db:"id"`
	Name            string       `db:"name"`
	MachineID       string       `db:"machine_id"`
	EnrollmentKeyID string       `db:"enrollment_key_id"`
	AgentType       string       `db:"agent_type"`
	Capabilities    string       `db:"capabilities"`
	Tags            string       `db:"tags"`
	Status          string       `db:"status"`
	SuspendReason   string       `db:"suspend_reason"`
	CPUPercent      float64      `db:"cpu_percent"`
	MemPercent      float64      `db:"mem_percent"`
	DiskPercent     float64      `db:"disk_percent"`
	LastHeartbeatAt sql.NullTime `db:"last_heartbeat_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func agentToRow(a agent.Agent) agentRow {
	return agentRow{
		ID:              a.ID,
		Name:            a.Name,
		MachineID:       a.MachineID,
		EnrollmentKeyID: a.EnrollmentKeyID,
		AgentType:       a.AgentType,
		Capabilities:    encodeStrings(a.Capabilities),
		Tags:            encodeStrings(a.Tags),
		Status:          string(a.Status),
		SuspendReason:   a.SuspendReason,
		CPUPercent:      a.QuickStats.CPUPercent,
		MemPercent:      a.QuickStats.MemPercent,
		DiskPercent:     a.QuickStats.DiskPercent,
		LastHeartbeatAt: nullableTime(a.LastHeartbeatAt),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func rowToAgent(r agentRow) agent.Agent {
	return agent.Agent{
		ID:              r.ID,
		Name:            r.Name,
		MachineID:       r.MachineID,
		EnrollmentKeyID: r.EnrollmentKeyID,
		AgentType:       r.AgentType,
		Capabilities:    decodeStrings(r.Capabilities),
		Tags:            decodeStrings(r.Tags),
		Status:          agent.Status(r.Status),
		SuspendReason:   r.SuspendReason,
		QuickStats: agent.QuickStats{
			CPUPercent:  r.CPUPercent,
			MemPercent:  r.MemPercent,
			DiskPercent: r.DiskPercent,
		},
		LastHeartbeatAt: timePtr(r.LastHeartbeatAt),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// CreateAgent inserts an enrolled agent.
func (st *State) CreateAgent(ctx context.Context, a agent.Agent) error {
	stmt, err := sqlair.Prepare(`INSERT INTO agent (*) VALUES ($agentRow.*)`, agentRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := agentToRow(a)
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// Agent returns the agent with the given id.
func (st *State) Agent(ctx context.Context, id string) (agent.Agent, error) {
	stmt, err := sqlair.Prepare(`
SELECT &agentRow.* FROM agent WHERE id = $agentRow.id`, agentRow{})
	if err != nil {
		return agent.Agent{}, errors.Trace(err)
	}
	var row agentRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, agentRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("agent %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return agent.Agent{}, errors.Trace(err)
	}
	return rowToAgent(row), nil
}

// UpdateAgent rewrites an agent record.
func (st *State) UpdateAgent(ctx context.Context, a agent.Agent) error {
	stmt, err := sqlair.Prepare(`
UPDATE agent SET
    name = $agentRow.name,
    machine_id = $agentRow.machine_id,
    agent_type = $agentRow.agent_type,
    capabilities = $agentRow.capabilities,
    tags = $agentRow.tags,
    status = $agentRow.status,
    suspend_reason = $agentRow.suspend_reason,
    cpu_percent = $agentRow.cpu_percent,
    mem_percent = $agentRow.mem_percent,
    disk_percent = $agentRow.disk_percent,
    last_heartbeat_at = $agentRow.last_heartbeat_at,
    updated_at = $agentRow.updated_at
WHERE id = $agentRow.id`, agentRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := agentToRow(a)
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
			return errors.NotFoundf("agent %q", a.ID)
		}
		return nil
	}))
}

// AgentForMachine returns the agent bound to the given machine.
func (st *State) AgentForMachine(ctx context.Context, machineID string) (agent.Agent, error) {
	stmt, err := sqlair.Prepare(`
SELECT &agentRow.* FROM agent WHERE machine_id = $agentRow.machine_id`, agentRow{})
	if err != nil {
		return agent.Agent{}, errors.Trace(err)
	}
	var row agentRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, agentRow{MachineID: machineID}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("agent for machine %q", machineID)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return agent.Agent{}, errors.Trace(err)
	}
	return rowToAgent(row), nil
}

// Agents returns all agents, optionally filtered by status.
func (st *State) Agents(ctx context.Context, status agent.Status) ([]agent.Agent, error) {
	query := `SELECT &agentRow.* FROM agent ORDER BY id`
	args := []any{}
	if status != "" {
		query = `SELECT &agentRow.* FROM agent WHERE status = $agentRow.status ORDER BY id`
		args = append(args, agentRow{Status: string(status)})
	}
	stmt, err := sqlair.Prepare(query, agentRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []agentRow
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
	agents := make([]agent.Agent, len(rows))
	for i, row := range rows {
		agents[i] = rowToAgent(row)
	}
	return agents, nil
}

// MarkAgentsOffline flips active agents whose last heartbeat is older
// than the cutoff to offline and returns their ids. Suspended agents
// are left alone.
func (st *State) MarkAgentsOffline(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	type staleArgs struct {
		Cutoff time.Time `db:"cutoff"`
		Now    time.Time `db:"now"`
	}
	type idRow struct {
		ID string `db:"id"`
	}
	selectStmt, err := sqlair.Prepare(`
SELECT &idRow.id FROM agent
WHERE status = 'active'
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $staleArgs.cutoff)`, staleArgs{}, idRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	updateStmt, err := sqlair.Prepare(`
UPDATE agent SET status = 'offline', updated_at = $staleArgs.now
WHERE status = 'active'
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $staleArgs.cutoff)`, staleArgs{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	args := staleArgs{Cutoff: cutoff, Now: now}
	var stale []idRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, selectStmt, args).GetAll(&stale)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, updateStmt, args).Run())
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	ids := make([]string, len(stale))
	for i, row := range stale {
		ids[i] = row.ID
	}
	return ids, nil
}

type workerRow struct {
	ID              string       `db:"id"`
	Site            string       `db:"site"`
	Interface       string       `db:"interface"`
	BaseURL         string       `db:"base_url"`
	DHCPMode        string       `db:"dhcp_mode"`
	Capabilities    string       `db:"capabilities"`
	Status          string       `db:"status"`
	LastHeartbeatAt sql.NullTime `db:"last_heartbeat_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func workerToRow(w agent.Worker) workerRow {
	return workerRow{
		ID:              w.ID,
		Site:            w.Site,
		Interface:       w.Interface,
		BaseURL:         w.BaseURL,
		DHCPMode:        string(w.DHCPMode),
		Capabilities:    encodeStrings(w.Capabilities),
		Status:          string(w.Status),
		LastHeartbeatAt: nullableTime(w.LastHeartbeatAt),
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

func rowToWorker(r workerRow) agent.Worker {
	return agent.Worker{
		ID:              r.ID,
		Site:            r.Site,
		Interface:       r.Interface,
		BaseURL:         r.BaseURL,
		DHCPMode:        agent.DHCPMode(r.DHCPMode),
		Capabilities:    decodeStrings(r.Capabilities),
		Status:          agent.WorkerStatus(r.Status),
		LastHeartbeatAt: timePtr(r.LastHeartbeatAt),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// Worker returns the boot worker with the given id.
func (st *State) Worker(ctx context.Context, id string) (agent.Worker, error) {
	stmt, err := sqlair.Prepare(`
SELECT &workerRow.* FROM worker WHERE id = $workerRow.id`, workerRow{})
	if err != nil {
		return agent.Worker{}, errors.Trace(err)
	}
	var row workerRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, workerRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("worker %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return agent.Worker{}, errors.Trace(err)
	}
	return rowToWorker(row), nil
}

// UpsertWorker inserts or replaces a worker record; enrollment is
// idempotent per worker id.
func (st *State) UpsertWorker(ctx context.Context, w agent.Worker) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO worker (*) VALUES ($workerRow.*)
ON CONFLICT (id) DO UPDATE SET
    site = excluded.site,
    interface = excluded.interface,
    base_url = excluded.base_url,
    dhcp_mode = excluded.dhcp_mode,
    capabilities = excluded.capabilities,
    status = excluded.status,
    last_heartbeat_at = excluded.last_heartbeat_at,
    updated_at = excluded.updated_at`, workerRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := workerToRow(w)
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// Workers returns all registered boot workers.
func (st *State) Workers(ctx context.Context) ([]agent.Worker, error) {
	stmt, err := sqlair.Prepare(`SELECT &workerRow.* FROM worker ORDER BY id`, workerRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []workerRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	workers := make([]agent.Worker, len(rows))
	for i, row := range rows {
		workers[i] = rowToWorker(row)
	}
	return workers, nil
}

// MarkWorkersSuspect flips active workers whose last heartbeat is
// older than the cutoff to suspect and returns their ids.
func (st *State) MarkWorkersSuspect(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	type staleArgs struct {
		Cutoff time.Time `db:"cutoff"`
		Now    time.Time `db:"now"`
	}
	type idRow struct {
		ID string `db:"id"`
	}
	selectStmt, err := sqlair.Prepare(`
SELECT &idRow.id FROM worker
WHERE status = 'active'
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $staleArgs.cutoff)`, staleArgs{}, idRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	updateStmt, err := sqlair.Prepare(`
UPDATE worker SET status = 'suspect', updated_at = $staleArgs.now
WHERE status = 'active'
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $staleArgs.cutoff)`, staleArgs{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	args := staleArgs{Cutoff: cutoff, Now: now}
	var stale []idRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, selectStmt, args).GetAll(&stale)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, updateStmt, args).Run())
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	ids := make([]string, len(stale))
	for i, row := range stale {
		ids[i] = row.ID
	}
	return ids, nil
}

type enrollmentKeyRow struct {
	ID         string    `db:"id"`
	SecretHash string    `db:"secret_hash"`
	Scope      string    `db:"scope"`
	SingleUse  bool      `db:"single_use"`
	Consumed   bool      `db:"consumed"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// CreateEnrollmentKey stores a key hash; the secret itself never
// touches the database.
func (st *State) CreateEnrollmentKey(ctx context.Context, key agent.EnrollmentKey) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO enrollment_key (*) VALUES ($enrollmentKeyRow.*)`, enrollmentKeyRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := enrollmentKeyRow{
		ID:         key.ID,
		SecretHash: key.SecretHash,
		Scope:      key.Scope,
		SingleUse:  key.SingleUse,
		Consumed:   key.Consumed,
		ExpiresAt:  key.ExpiresAt,
		CreatedAt:  key.CreatedAt,
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// EnrollmentKey returns the key with the given id.
func (st *State) EnrollmentKey(ctx context.Context, id string) (agent.EnrollmentKey, error) {
	stmt, err := sqlair.Prepare(`
SELECT &enrollmentKeyRow.* FROM enrollment_key WHERE id = $enrollmentKeyRow.id`, enrollmentKeyRow{})
	if err != nil {
		return agent.EnrollmentKey{}, errors.Trace(err)
	}
	var row enrollmentKeyRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, enrollmentKeyRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("enrollment key %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return agent.EnrollmentKey{}, errors.Trace(err)
	}
	return agent.EnrollmentKey{
		ID:         row.ID,
		SecretHash: row.SecretHash,
		Scope:      row.Scope,
		SingleUse:  row.SingleUse,
		Consumed:   row.Consumed,
		ExpiresAt:  row.ExpiresAt,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// ConsumeEnrollmentKey marks a single-use key as spent.
func (st *State) ConsumeEnrollmentKey(ctx context.Context, id string) error {
	type idArg struct {
		ID string `db:"id"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE enrollment_key SET consumed = 1 WHERE id = $idArg.id`, idArg{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, idArg{ID: id}).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("enrollment key %q", id)
		}
		return nil
	}))
}
