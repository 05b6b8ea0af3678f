// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent defines the enrolled identities that report in to the
// control plane: boot workers at each site, and the agents running on
// deployed machines.
package agent

import (
	"time"

	"github.com/juju/errors"
)

// Status is the liveness state of an agent.
type Status string

const (
	StatusActive    Status = "active"
	StatusOffline   Status = "offline"
	StatusSuspended Status = "suspended"
)

// Validate returns an error for unrecognised agent statuses.
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusOffline, StatusSuspended:
		return nil
	}
	return errors.NotValidf("agent status %q", string(s))
}

// MissedHeartbeatLimit is how many consecutive heartbeat intervals
// may elapse before an agent or worker is considered gone.
const MissedHeartbeatLimit = 5

// QuickStats is the lightweight load snapshot carried on every
// heartbeat.
type QuickStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Agent is the software reporting in from a deployed machine.
type Agent struct {
	ID              string
	Name            string
	MachineID       string
	EnrollmentKeyID string
	AgentType       string
	Capabilities    []string
	Tags            []string
	Status          Status
	SuspendReason   string
	QuickStats      QuickStats
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DHCPMode selects how a boot worker participates in site DHCP.
type DHCPMode string

const (
	DHCPModeFull     DHCPMode = "full"
	DHCPModeProxy    DHCPMode = "proxy"
	DHCPModeDisabled DHCPMode = "disabled"
)

// Validate returns an error for unrecognised DHCP modes.
func (m DHCPMode) Validate() error {
	switch m {
	case DHCPModeFull, DHCPModeProxy, DHCPModeDisabled:
		return nil
	}
	return errors.NotValidf("dhcp mode %q", string(m))
}

// WorkerStatus is the control plane's view of a boot worker.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerSuspect WorkerStatus = "suspect"
)

// Worker is a registered boot worker. It holds no authoritative
// machine state; the record exists so the control plane can address
// it and track liveness.
type Worker struct {
	ID              string
	Site            string
	Interface       string
	BaseURL         string
	DHCPMode        DHCPMode
	Capabilities    []string
	Status          WorkerStatus
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnrollmentKey admits a new agent (or worker) into the system. The
// secret is returned exactly once at creation time; the store keeps
// only its hash.
type EnrollmentKey struct {
	ID         string
	SecretHash string
	Scope      string
	SingleUse  bool
	Consumed   bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the key is no longer usable at the given
// time.
func (k *EnrollmentKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Usable reports whether the key can admit another enrollment now.
func (k *EnrollmentKey) Usable(now time.Time) bool {
	if k.Expired(now) {
		return false
	}
	return !(k.SingleUse && k.Consumed)
}
