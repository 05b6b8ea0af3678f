// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package deployment defines the provisioning job that the
// orchestrator runs against a single machine, and the phase/progress
// rules the job must obey.
package deployment

import (
	"time"

	"github.com/juju/errors"
)

// Status is the lifecycle state of a deployment job. The phase
// statuses double as progress markers: a job in status pxe_boot is
// executing that phase right now.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPowerOn   Status = "power_on"
	StatusPXEBoot   Status = "pxe_boot"
	StatusOSInstall Status = "os_install"
	StatusEggDeploy Status = "egg_deploy"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the job has finished, one way or the other.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Validate returns an error for unrecognised job statuses.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusPowerOn, StatusPXEBoot, StatusOSInstall,
		StatusEggDeploy, StatusComplete, StatusFailed:
		return nil
	}
	return errors.NotValidf("deployment status %q", string(s))
}

// phaseOrder fixes the forward direction of the workflow. Failed is
// reachable from every non-terminal status.
var phaseOrder = map[Status]int{
	StatusPending:   0,
	StatusPowerOn:   1,
	StatusPXEBoot:   2,
	StatusOSInstall: 3,
	StatusEggDeploy: 4,
	StatusComplete:  5,
}

// CanAdvance reports whether a job may move from one status to
// another. Phases only ever move forward; a terminal job stays put.
func CanAdvance(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromOrder, ok := phaseOrder[from]
	if !ok {
		return false
	}
	toOrder, ok := phaseOrder[to]
	if !ok {
		return false
	}
	return toOrder > fromOrder
}

// ProgressCeiling is the progress value a job reaches exactly when it
// completes.
const ProgressCeiling = 100

// PhaseBand returns the [low, high) progress band occupied by the
// given phase, so per-egg progress inside egg_deploy can be scaled
// into the right slice of the bar.
func PhaseBand(s Status) (low, high int) {
	switch s {
	case StatusPending:
		return 0, 5
	case StatusPowerOn:
		return 5, 15
	case StatusPXEBoot:
		return 15, 30
	case StatusOSInstall:
		return 30, 60
	case StatusEggDeploy:
		return 60, 90
	case StatusComplete:
		return 100, 100
	}
	return 0, 0
}

// Job is one run of the provisioning workflow for one machine.
type Job struct {
	ID        string
	MachineID string
	ImageID   string

	// EggsToDeploy is the resolved, ordered list captured when the
	// job was opened.
	EggsToDeploy []string

	// RenderedCloudInit is the fully merged artifact frozen at job
	// start; it never changes once the job leaves pending.
	RenderedCloudInit string

	Status          Status
	ProgressPercent int
	CurrentPhase    string
	LogOutput       string
	ErrorMessage    string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks job invariants that hold independent of storage.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.NotValidf("job with empty id")
	}
	if j.MachineID == "" {
		return errors.NotValidf("job %q without machine", j.ID)
	}
	if err := j.Status.Validate(); err != nil {
		return errors.Trace(err)
	}
	if j.ProgressPercent < 0 || j.ProgressPercent > ProgressCeiling {
		return errors.NotValidf("job %q progress %d", j.ID, j.ProgressPercent)
	}
	if j.Status == StatusComplete && j.ProgressPercent != ProgressCeiling {
		return errors.NotValidf("complete job %q at %d%%", j.ID, j.ProgressPercent)
	}
	return nil
}
