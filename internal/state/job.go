// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/deployment"
)

type jobRow struct {
	ID                string       `db:"id"`
	MachineID         string       `db:"machine_id"`
	ImageID           string       `db:"image_id"`
	EggsToDeploy      string       `db:"eggs_to_deploy"`
	RenderedCloudInit string       `db:"rendered_cloud_init"`
	Status            string       `db:"status"`
	ProgressPercent   int          `db:"progress_percent"`
	CurrentPhase      string       `db:"current_phase"`
	LogOutput         string       `db:"log_output"`
	ErrorMessage      string       `db:"error_message"`
	StartedAt         sql.NullTime `db:"started_at"`
	CompletedAt       sql.NullTime `db:"completed_at"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

func jobToRow(j deployment.Job) jobRow {
	return jobRow{
		ID:                j.ID,
		MachineID:         j.MachineID,
		ImageID:           j.ImageID,
		EggsToDeploy:      encodeStrings(j.EggsToDeploy),
		RenderedCloudInit: j.RenderedCloudInit,
		Status:            string(j.Status),
		ProgressPercent:   j.ProgressPercent,
		CurrentPhase:      j.CurrentPhase,
		LogOutput:         j.LogOutput,
		ErrorMessage:      j.ErrorMessage,
		StartedAt:         nullableTime(j.StartedAt),
		CompletedAt:       nullableTime(j.CompletedAt),
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func rowToJob(r jobRow) deployment.Job {
	return deployment.Job{
		ID:                r.ID,
		MachineID:         r.MachineID,
		ImageID:           r.ImageID,
		EggsToDeploy:      decodeStrings(r.EggsToDeploy),
		RenderedCloudInit: r.RenderedCloudInit,
		Status:            deployment.Status(r.Status),
		ProgressPercent:   r.ProgressPercent,
		CurrentPhase:      r.CurrentPhase,
		LogOutput:         r.LogOutput,
		ErrorMessage:      r.ErrorMessage,
		StartedAt:         timePtr(r.StartedAt),
		CompletedAt:       timePtr(r.CompletedAt),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// CreateJob opens a deployment job. At most one non-terminal job may
// exist per machine; a second insert fails with ErrJobConflict.
func (st *State) CreateJob(ctx context.Context, j deployment.Job) error {
	if err := j.Validate(); err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`INSERT INTO deployment_job (*) VALUES ($jobRow.*)`, jobRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := jobToRow(j)
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	if err != nil && strings.Contains(err.Error(), "idx_job_active") {
		return errors.Annotatef(ErrJobConflict, "machine %q", j.MachineID)
	}
	return errors.Trace(err)
}

// Job returns the job with the given id.
func (st *State) Job(ctx context.Context, id string) (deployment.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM deployment_job WHERE id = $jobRow.id`, jobRow{})
	if err != nil {
		return deployment.Job{}, errors.Trace(err)
	}
	var row jobRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, jobRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("deployment job %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return deployment.Job{}, errors.Trace(err)
	}
	return rowToJob(row), nil
}

// ActiveJobForMachine returns the machine's non-terminal job, if any.
func (st *State) ActiveJobForMachine(ctx context.Context, machineID string) (deployment.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM deployment_job
WHERE machine_id = $jobRow.machine_id
  AND status NOT IN ('complete', 'failed')`, jobRow{})
	if err != nil {
		return deployment.Job{}, errors.Trace(err)
	}
	var row jobRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, jobRow{MachineID: machineID}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("active job for machine %q", machineID)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return deployment.Job{}, errors.Trace(err)
	}
	return rowToJob(row), nil
}

// PendingJobs returns pending jobs oldest first, so the orchestrator
// admits them in FIFO order.
func (st *State) PendingJobs(ctx context.Context) ([]deployment.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM deployment_job
WHERE status = 'pending' ORDER BY created_at, id`, jobRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []jobRow
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
	jobs := make([]deployment.Job, len(rows))
	for i, row := range rows {
		jobs[i] = rowToJob(row)
	}
	return jobs, nil
}

// InterruptedJobs returns jobs stranded mid-phase: non-terminal and
// past pending, with no process driving them. Only meaningful before
// the orchestrator starts admitting work.
func (st *State) InterruptedJobs(ctx context.Context) ([]deployment.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &jobRow.* FROM deployment_job
WHERE status NOT IN ('pending', 'complete', 'failed')
ORDER BY created_at, id`, jobRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []jobRow
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
	jobs := make([]deployment.Job, len(rows))
	for i, row := range rows {
		jobs[i] = rowToJob(row)
	}
	return jobs, nil
}

// RunningJobCount counts jobs holding a deployment slot: every
// non-terminal job past pending.
func (st *State) RunningJobCount(ctx context.Context) (int, error) {
	type countRow struct {
		Count int `db:"count"`
	}
	stmt, err := sqlair.Prepare(`
SELECT COUNT(*) AS &countRow.count FROM deployment_job
WHERE status NOT IN ('pending', 'complete', 'failed')`, countRow{})
	if err != nil {
		return 0, errors.Trace(err)
	}
	var row countRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt).Get(&row))
	})
	return row.Count, errors.Trace(err)
}

// AdvanceJob moves the job from one status to the next. Transitions
// are compare-and-set and must obey the phase order; progress never
// decreases.
func (st *State) AdvanceJob(ctx context.Context, id string, from, to deployment.Status, progress int, now time.Time) error {
	if !deployment.CanAdvance(from, to) {
		return errors.NotValidf("job transition %s -> %s", from, to)
	}
	type advanceArgs struct {
		ID        string       `db:"id"`
		From      string       `db:"from_status"`
		To        string       `db:"to_status"`
		Progress  int          `db:"progress_percent"`
		Completed sql.NullTime `db:"completed_at"`
		UpdatedAt time.Time    `db:"updated_at"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE deployment_job SET
    status = $advanceArgs.to_status,
    current_phase = $advanceArgs.to_status,
    progress_percent = MAX(progress_percent, $advanceArgs.progress_percent),
    completed_at = $advanceArgs.completed_at,
    updated_at = $advanceArgs.updated_at
WHERE id = $advanceArgs.id AND status = $advanceArgs.from_status`, advanceArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	args := advanceArgs{
		ID:        id,
		From:      string(from),
		To:        string(to),
		Progress:  progress,
		UpdatedAt: now,
	}
	if deployment.Status(args.To).Terminal() {
		args.Completed = sql.NullTime{Time: now, Valid: true}
	}
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
			return errors.Annotatef(ErrStatusConflict, "job %q not in status %q", id, from)
		}
		return nil
	}))
}

// UpdateJobProgress bumps progress and log output without changing
// status. Progress is clamped monotone in SQL.
func (st *State) UpdateJobProgress(ctx context.Context, id string, progress int, logLine string, now time.Time) error {
	type progressArgs struct {
		ID        string    `db:"id"`
		Progress  int       `db:"progress_percent"`
		LogLine   string    `db:"log_line"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE deployment_job SET
    progress_percent = MAX(progress_percent, $progressArgs.progress_percent),
    log_output = log_output || $progressArgs.log_line,
    updated_at = $progressArgs.updated_at
WHERE id = $progressArgs.id`, progressArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	if logLine != "" && !strings.HasSuffix(logLine, "\n") {
		logLine += "\n"
	}
	args := progressArgs{ID: id, Progress: progress, LogLine: logLine, UpdatedAt: now}
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
			return errors.NotFoundf("deployment job %q", id)
		}
		return nil
	}))
}

// FailJob moves the job to failed from whatever non-terminal status it
// is in and records the message.
func (st *State) FailJob(ctx context.Context, id, message string, now time.Time) error {
	type failArgs struct {
		ID        string    `db:"id"`
		Message   string    `db:"error_message"`
		Now       time.Time `db:"now"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE deployment_job SET
    status = 'failed',
    error_message = $failArgs.error_message,
    completed_at = $failArgs.now,
    updated_at = $failArgs.now
WHERE id = $failArgs.id AND status NOT IN ('complete', 'failed')`, failArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	args := failArgs{ID: id, Message: message, Now: now}
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
			return errors.Annotatef(ErrStatusConflict, "job %q already terminal", id)
		}
		return nil
	}))
}

// MarkJobStarted stamps started_at the first time a job leaves
// pending.
func (st *State) MarkJobStarted(ctx context.Context, id string, now time.Time) error {
	type startArgs struct {
		ID  string    `db:"id"`
		Now time.Time `db:"now"`
	}
	stmt, err := sqlair.Prepare(`
UPDATE deployment_job SET started_at = $startArgs.now, updated_at = $startArgs.now
WHERE id = $startArgs.id AND started_at IS NULL`, startArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, startArgs{ID: id, Now: now}).Run())
	}))
}
