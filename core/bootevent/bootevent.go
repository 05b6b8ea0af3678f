// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bootevent defines the append-only log of observable boot
// milestones. Events are the ground truth the machine state machine
// and the orchestrator act on.
package bootevent

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Type enumerates the milestones reported for a MAC during boot and
// deployment.
type Type string

const (
	TypeDHCPRequest        Type = "dhcp_request"
	TypeTFTPRequest        Type = "tftp_request"
	TypeBootStart          Type = "boot_start"
	TypeOSInstalled        Type = "os_installed"
	TypeEggStarted         Type = "egg_started"
	TypeEggComplete        Type = "egg_complete"
	TypeDeploymentComplete Type = "deployment_complete"
	TypeError              Type = "error"
)

// Validate returns an error for unrecognised event types.
func (t Type) Validate() error {
	switch t {
	case TypeDHCPRequest, TypeTFTPRequest, TypeBootStart, TypeOSInstalled,
		TypeEggStarted, TypeEggComplete, TypeDeploymentComplete, TypeError:
		return nil
	}
	return errors.NotValidf("boot event type %q", string(t))
}

// Event is one line of the boot log for a MAC.
type Event struct {
	ID        int64
	MachineID string
	MAC       string
	IP        string
	Type      Type
	Details   string
	Status    string
	Timestamp time.Time
}

// Validate checks the fields every accepted event must carry.
func (e *Event) Validate() error {
	if e.MAC == "" {
		return errors.NotValidf("boot event without MAC")
	}
	return errors.Trace(e.Type.Validate())
}

// Topic returns the pubsub topic events for a MAC are published on.
// Per-MAC topics keep each job's subscription to exactly its own
// machine's arrival order.
func Topic(mac string) string {
	return fmt.Sprintf("bootevent.%s", mac)
}

// RetentionPeriod is how long boot events are kept before the pruning
// worker removes them.
const RetentionPeriod = 90 * 24 * time.Hour
