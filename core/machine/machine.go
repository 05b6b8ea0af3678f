// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package machine holds the inventory view of a physical (or virtual)
// machine under management, together with the status graph that every
// machine walks from first DHCP sighting to deployment.
package machine

import (
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Status describes where a machine is in its provisioning lifecycle.
type Status string

const (
	StatusUnknown       Status = "unknown"
	StatusDiscovered    Status = "discovered"
	StatusCommissioning Status = "commissioning"
	StatusReady         Status = "ready"
	StatusDeploying     Status = "deploying"
	StatusDeployed      Status = "deployed"
	StatusFailed        Status = "failed"
)

// validTransitions is the edge set of the machine status graph. A
// transition not listed here is rejected outright; the hard-reset
// edge back to discovered is valid from every status and is handled
// in CanTransition.
var validTransitions = map[Status][]Status{
	StatusUnknown:       {StatusDiscovered},
	StatusDiscovered:    {StatusCommissioning},
	StatusCommissioning: {StatusReady, StatusFailed},
	StatusReady:         {StatusDeploying},
	StatusDeploying:     {StatusDeployed, StatusFailed},
	StatusDeployed:      {StatusReady},
	StatusFailed:        {StatusDeploying},
}

// CanTransition reports whether a machine may move from one status to
// another. Hard reset back to discovered is allowed from anywhere.
func CanTransition(from, to Status) bool {
	if to == StatusDiscovered && from != StatusUnknown {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an error if the status is not a recognised value.
func (s Status) Validate() error {
	switch s {
	case StatusUnknown, StatusDiscovered, StatusCommissioning, StatusReady,
		StatusDeploying, StatusDeployed, StatusFailed:
		return nil
	}
	return errors.NotValidf("machine status %q", string(s))
}

// Terminal reports whether the status admits no further automatic
// progress (operator action is needed to leave it).
func (s Status) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// BootMode is the firmware boot environment reported by the machine's
// PXE client.
type BootMode string

const (
	BootModeBIOS     BootMode = "bios"
	BootModeUEFI     BootMode = "uefi"
	BootModeUEFIHTTP BootMode = "uefi_http"
)

// Architecture is the CPU architecture of a machine or the
// requirement of an egg.
type Architecture string

const (
	ArchAMD64 Architecture = "amd64"
	ArchARM64 Architecture = "arm64"
)

// ParseArchitecture maps the client system architecture option
// (option 93) values seen from PXE firmware onto our architectures.
func ParseArchitecture(s string) (Architecture, error) {
	switch Architecture(s) {
	case ArchAMD64:
		return ArchAMD64, nil
	case ArchARM64:
		return ArchARM64, nil
	}
	return "", errors.NotValidf("architecture %q", s)
}

var macSeparators = regexp.MustCompile(`[:\-.]`)

// NormalizeMAC strips separators from a MAC address and lowercases
// it, yielding the canonical twelve hex digit form used as the PXE
// lookup key everywhere in the system.
func NormalizeMAC(mac string) (string, error) {
	normalized := strings.ToLower(macSeparators.ReplaceAllString(strings.TrimSpace(mac), ""))
	if len(normalized) != 12 {
		return "", errors.NotValidf("MAC address %q", mac)
	}
	for _, r := range normalized {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "", errors.NotValidf("MAC address %q", mac)
		}
	}
	return normalized, nil
}

// Machine is a node in the inventory. The control plane is the only
// writer; everything else sees read-only copies.
type Machine struct {
	SystemID     string
	MACAddress   string
	Status       Status
	Hostname     string
	IP           string
	BootMode     BootMode
	Architecture Architecture
	CPUCount     int
	MemoryMB     int
	StorageGB    int

	BMCAddress string
	PowerType  string

	Zone string
	Pool string
	Tags []string

	// HardwareInfo is the opaque inventory blob captured during
	// commissioning.
	HardwareInfo string

	AssignedEggs []string
	BootConfig   string

	// ReimageRequested forces the next PXE boot of a deployed machine
	// into a fresh install instead of chaining to local disk.
	ReimageRequested bool

	LastBootAt *time.Time
	LastSeenAt *time.Time
	DeployedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the invariants that hold for every persisted machine.
func (m *Machine) Validate() error {
	if m.SystemID == "" {
		return errors.NotValidf("machine with empty system id")
	}
	if _, err := NormalizeMAC(m.MACAddress); err != nil {
		return errors.Trace(err)
	}
	if err := m.Status.Validate(); err != nil {
		return errors.Trace(err)
	}
	if m.Status == StatusDeployed {
		if m.DeployedAt == nil {
			return errors.NotValidf("deployed machine %q without deployment time", m.SystemID)
		}
		if m.BootConfig == "" {
			return errors.NotValidf("deployed machine %q without boot config", m.SystemID)
		}
	}
	return nil
}
