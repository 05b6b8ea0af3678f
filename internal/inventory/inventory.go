// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package inventory runs the per-machine provisioning state machine.
// It is the single mutator of machine status; every transition takes
// the machine's keyed mutex and is compare-and-set against the store.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/state"
)

var logger = loggo.GetLogger("hatchery.inventory")

// ErrJobActive rejects commands that need the machine idle.
const ErrJobActive = errors.ConstError("machine has an active job")

// Store is the persistence the service needs. *state.State satisfies
// it.
type Store interface {
	CreateMachine(ctx context.Context, m machine.Machine) error
	Machine(ctx context.Context, systemID string) (machine.Machine, error)
	MachineByMAC(ctx context.Context, mac string) (machine.Machine, error)
	UpdateMachine(ctx context.Context, m machine.Machine) error
	SetMachineStatus(ctx context.Context, systemID string, from, to machine.Status, now time.Time) error

	CreateJob(ctx context.Context, j deployment.Job) error
	ActiveJobForMachine(ctx context.Context, machineID string) (deployment.Job, error)
	FailJob(ctx context.Context, id, message string, now time.Time) error

	AppendBootEvent(ctx context.Context, e bootevent.Event) error
}

// Renderer freezes the cloud-init artifact when a deploy opens.
// internal/eggs provides the real one.
type Renderer interface {
	ResolveAndRender(ctx context.Context, eggIDs []string, target machine.Machine) (ordered []string, cloudInit string, err error)
}

// Service is the machine lifecycle service.
type Service struct {
	store    Store
	renderer Renderer
	sink     audit.Sink
	clock    clock.Clock
	locks    *kmutex.Kmutex
}

// NewService returns a Service over the given store.
func NewService(store Store, renderer Renderer, sink audit.Sink, clk clock.Clock) *Service {
	return &Service{
		store:    store,
		renderer: renderer,
		sink:     sink,
		clock:    clk,
		locks:    kmutex.New(),
	}
}

func (s *Service) withLock(systemID string, fn func() error) error {
	s.locks.Lock(systemID)
	defer s.locks.Unlock(systemID)
	return fn()
}

// Discover records a first DHCP sighting. An unknown MAC creates a
// machine in discovered; a known MAC just refreshes last_seen_at.
// Either way the dhcp_request event is appended.
func (s *Service) Discover(ctx context.Context, mac, ip string) (machine.Machine, error) {
	normalized, err := machine.NormalizeMAC(mac)
	if err != nil {
		return machine.Machine{}, errors.Trace(err)
	}
	now := s.clock.Now()

	m, err := s.store.MachineByMAC(ctx, normalized)
	switch {
	case err == nil:
		if lockErr := s.withLock(m.SystemID, func() error {
			m.LastSeenAt = &now
			if ip != "" {
				m.IP = ip
			}
			m.UpdatedAt = now
			return errors.Trace(s.store.UpdateMachine(ctx, m))
		}); lockErr != nil {
			return machine.Machine{}, errors.Trace(lockErr)
		}
	case errors.IsNotFound(err):
		m = machine.Machine{
			SystemID:   fmt.Sprintf("m-%s", uuid.NewString()[:8]),
			MACAddress: normalized,
			Status:     machine.StatusDiscovered,
			IP:         ip,
			LastSeenAt: &now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.CreateMachine(ctx, m); err != nil {
			return machine.Machine{}, errors.Trace(err)
		}
		logger.Infof("discovered machine %s with MAC %s", m.SystemID, normalized)
	default:
		return machine.Machine{}, errors.Trace(err)
	}

	event := bootevent.Event{
		MachineID: m.SystemID,
		MAC:       normalized,
		IP:        ip,
		Type:      bootevent.TypeDHCPRequest,
		Timestamp: now,
	}
	if err := s.store.AppendBootEvent(ctx, event); err != nil {
		return machine.Machine{}, errors.Trace(err)
	}
	return m, nil
}

// Commission moves a discovered machine into commissioning.
func (s *Service) Commission(ctx context.Context, systemID string) error {
	return s.withLock(systemID, func() error {
		return errors.Trace(s.store.SetMachineStatus(ctx, systemID,
			machine.StatusDiscovered, machine.StatusCommissioning, s.clock.Now()))
	})
}

// CompleteCommissioning persists the hardware inventory captured by
// the commissioning run and moves the machine to ready.
func (s *Service) CompleteCommissioning(ctx context.Context, systemID, hardwareInfo string) error {
	return s.withLock(systemID, func() error {
		m, err := s.store.Machine(ctx, systemID)
		if err != nil {
			return errors.Trace(err)
		}
		now := s.clock.Now()
		if err := s.store.SetMachineStatus(ctx, systemID,
			machine.StatusCommissioning, machine.StatusReady, now); err != nil {
			return errors.Trace(err)
		}
		m.Status = machine.StatusReady
		m.HardwareInfo = hardwareInfo
		m.UpdatedAt = now
		return errors.Trace(s.store.UpdateMachine(ctx, m))
	})
}

// Deploy opens a deployment job for a ready machine: resolve the egg
// list against the machine, freeze the rendered cloud-init, insert the
// job, and move the machine to deploying. At most one non-terminal job
// may exist per machine.
func (s *Service) Deploy(ctx context.Context, systemID, imageID string, eggIDs []string) (deployment.Job, error) {
	var job deployment.Job
	err := s.withLock(systemID, func() error {
		m, err := s.store.Machine(ctx, systemID)
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := s.store.ActiveJobForMachine(ctx, systemID); err == nil {
			return errors.Annotatef(ErrJobActive, "machine %q", systemID)
		} else if !errors.IsNotFound(err) {
			return errors.Trace(err)
		}
		ordered, cloudInit, err := s.renderer.ResolveAndRender(ctx, eggIDs, m)
		if err != nil {
			return errors.Trace(err)
		}
		now := s.clock.Now()
		job = deployment.Job{
			ID:                fmt.Sprintf("j-%s", uuid.NewString()[:8]),
			MachineID:         systemID,
			ImageID:           imageID,
			EggsToDeploy:      ordered,
			RenderedCloudInit: cloudInit,
			Status:            deployment.StatusPending,
			CurrentPhase:      string(deployment.StatusPending),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			return errors.Trace(err)
		}
		from := m.Status
		if from == machine.StatusFailed {
			// Retry command: failed machines go straight back to
			// deploying with a new job.
			return errors.Trace(s.store.SetMachineStatus(ctx, systemID,
				machine.StatusFailed, machine.StatusDeploying, now))
		}
		if err := s.store.SetMachineStatus(ctx, systemID,
			machine.StatusReady, machine.StatusDeploying, now); err != nil {
			return errors.Trace(err)
		}
		s.sink.Append(audit.Event{
			Type:        audit.EventDeployStarted,
			Severity:    audit.SeverityInfo,
			ResourceRef: fmt.Sprintf("machine/%s", systemID),
			Details:     map[string]string{"job_id": job.ID, "image_id": imageID},
			Timestamp:   now,
		})
		return nil
	})
	if err != nil {
		return deployment.Job{}, errors.Trace(err)
	}
	return job, nil
}

// FinalizeDeployment records a completed job: deployed_at is stamped
// and the machine moves to deployed.
func (s *Service) FinalizeDeployment(ctx context.Context, systemID, bootConfig string) error {
	return s.withLock(systemID, func() error {
		m, err := s.store.Machine(ctx, systemID)
		if err != nil {
			return errors.Trace(err)
		}
		now := s.clock.Now()
		if err := s.store.SetMachineStatus(ctx, systemID,
			machine.StatusDeploying, machine.StatusDeployed, now); err != nil {
			return errors.Trace(err)
		}
		m.Status = machine.StatusDeployed
		m.DeployedAt = &now
		if bootConfig != "" {
			m.BootConfig = bootConfig
		}
		m.ReimageRequested = false
		m.UpdatedAt = now
		if err := s.store.UpdateMachine(ctx, m); err != nil {
			return errors.Trace(err)
		}
		s.sink.Append(audit.Event{
			Type:        audit.EventDeployCompleted,
			Severity:    audit.SeverityInfo,
			ResourceRef: fmt.Sprintf("machine/%s", systemID),
			Timestamp:   now,
		})
		return nil
	})
}

// MarkFailed moves a deploying machine to failed.
func (s *Service) MarkFailed(ctx context.Context, systemID string) error {
	return s.withLock(systemID, func() error {
		now := s.clock.Now()
		if err := s.store.SetMachineStatus(ctx, systemID,
			machine.StatusDeploying, machine.StatusFailed, now); err != nil {
			return errors.Trace(err)
		}
		s.sink.Append(audit.Event{
			Type:        audit.EventDeployFailed,
			Severity:    audit.SeverityWarning,
			ResourceRef: fmt.Sprintf("machine/%s", systemID),
			Timestamp:   now,
		})
		return nil
	})
}

// Release returns a deployed machine to ready. The orchestrator runs
// the rollback workflow before calling this.
func (s *Service) Release(ctx context.Context, systemID string) error {
	return s.withLock(systemID, func() error {
		m, err := s.store.Machine(ctx, systemID)
		if err != nil {
			return errors.Trace(err)
		}
		now := s.clock.Now()
		if err := s.store.SetMachineStatus(ctx, systemID,
			machine.StatusDeployed, machine.StatusReady, now); err != nil {
			return errors.Trace(err)
		}
		m.Status = machine.StatusReady
		m.DeployedAt = nil
		m.BootConfig = ""
		m.AssignedEggs = nil
		m.UpdatedAt = now
		return errors.Trace(s.store.UpdateMachine(ctx, m))
	})
}

// RequestReimage flags a deployed machine so its next PXE boot runs a
// fresh install instead of chaining to local disk.
func (s *Service) RequestReimage(ctx context.Context, systemID string) error {
	return s.withLock(systemID, func() error {
		m, err := s.store.Machine(ctx, systemID)
		if err != nil {
			return errors.Trace(err)
		}
		if m.Status != machine.StatusDeployed {
			return errors.NotValidf("re-image of machine %q in status %q", systemID, m.Status)
		}
		m.ReimageRequested = true
		m.UpdatedAt = s.clock.Now()
		return errors.Trace(s.store.UpdateMachine(ctx, m))
	})
}

// HardReset purges the machine's active job, if any, and forces the
// status back to discovered. Admin capability is checked by the
// caller; the event is always audited.
func (s *Service) HardReset(ctx context.Context, systemID, actor string) error {
	return s.withLock(systemID, func() error {
		m, err := s.store.Machine(ctx, systemID)
		if err != nil {
			return errors.Trace(err)
		}
		now := s.clock.Now()
		if job, err := s.store.ActiveJobForMachine(ctx, systemID); err == nil {
			if err := s.store.FailJob(ctx, job.ID, "hard reset", now); err != nil {
				return errors.Trace(err)
			}
		} else if !errors.IsNotFound(err) {
			return errors.Trace(err)
		}
		if m.Status != machine.StatusDiscovered {
			if err := s.store.SetMachineStatus(ctx, systemID, m.Status, machine.StatusDiscovered, now); err != nil {
				return errors.Trace(err)
			}
		}
		m.Status = machine.StatusDiscovered
		m.DeployedAt = nil
		m.BootConfig = ""
		m.ReimageRequested = false
		m.UpdatedAt = now
		if err := s.store.UpdateMachine(ctx, m); err != nil {
			return errors.Trace(err)
		}
		s.sink.Append(audit.Event{
			Type:        audit.EventMachineHardReset,
			Severity:    audit.SeverityWarning,
			Actor:       actor,
			ResourceRef: fmt.Sprintf("machine/%s", systemID),
			Timestamp:   now,
		})
		return nil
	})
}

// RecordBootEvent appends an event reported by a worker and stamps
// last_boot_at on boot_start.
func (s *Service) RecordBootEvent(ctx context.Context, e bootevent.Event) error {
	normalized, err := machine.NormalizeMAC(e.MAC)
	if err != nil {
		return errors.Trace(err)
	}
	e.MAC = normalized
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	if m, err := s.store.MachineByMAC(ctx, normalized); err == nil {
		e.MachineID = m.SystemID
		if e.Type == bootevent.TypeBootStart {
			if err := s.withLock(m.SystemID, func() error {
				now := s.clock.Now()
				m.LastBootAt = &now
				m.UpdatedAt = now
				return errors.Trace(s.store.UpdateMachine(ctx, m))
			}); err != nil {
				return errors.Trace(err)
			}
		}
	} else if !errors.IsNotFound(err) {
		return errors.Trace(err)
	}
	return errors.Trace(s.store.AppendBootEvent(ctx, e))
}

var _ Store = (*state.State)(nil)
