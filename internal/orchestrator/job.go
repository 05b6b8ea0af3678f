// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/power"
)

const (
	errCancelled    = errors.ConstError("job cancelled")
	errPhaseTimeout = errors.ConstError("phase timed out")
	errShuttingDown = errors.ConstError("orchestrator shutting down")
)

// powerOnAttempts bounds the BMC retry loop for the power_on phase.
const powerOnAttempts = 3

// jobRun is one in-flight deployment job.
type jobRun struct {
	o   *Orchestrator
	job deployment.Job

	events chan bootevent.Event

	cancelOnce sync.Once
	cancel     chan struct{}

	mu    sync.Mutex
	actor string
}

func newJobRun(o *Orchestrator, job deployment.Job) *jobRun {
	return &jobRun{
		o:      o,
		job:    job,
		events: make(chan bootevent.Event, 64),
		cancel: make(chan struct{}),
	}
}

func (r *jobRun) requestCancel(actor string) {
	r.mu.Lock()
	r.actor = actor
	r.mu.Unlock()
	r.cancelOnce.Do(func() { close(r.cancel) })
}

func (r *jobRun) cancelActor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actor
}

// run executes the workflow to a terminal status. It never returns an
// error to the tomb: a failed job is a settled outcome, not a reason
// to stop the orchestrator.
func (r *jobRun) run(ctx context.Context) {
	m, err := r.o.config.Store.Machine(ctx, r.job.MachineID)
	if err != nil {
		r.fail(ctx, errors.Annotate(err, "loading machine"))
		return
	}

	unsub := r.o.config.Hub.Subscribe(bootevent.Topic(m.MACAddress), func(_ string, data interface{}) {
		ev, ok := data.(bootevent.Event)
		if !ok {
			return
		}
		select {
		case r.events <- ev:
		default:
			logger.Warningf("job %s: boot event buffer full, dropping %s", r.job.ID, ev.Type)
		}
	})
	defer unsub()

	if err := r.execute(ctx, m); err != nil {
		switch {
		case errors.Is(err, errShuttingDown) || ctx.Err() != nil:
			// Leave the job where it is; it will be reconciled on the
			// next startup rather than failed by a clean shutdown.
			logger.Infof("job %s interrupted by shutdown in phase %s", r.job.ID, r.job.Status)
		case errors.Is(err, errCancelled):
			r.settleCancelled(m)
		default:
			r.fail(ctx, err)
		}
		return
	}
	logger.Infof("job %s for machine %s complete", r.job.ID, m.SystemID)
}

func (r *jobRun) execute(ctx context.Context, m machine.Machine) error {
	now := r.o.config.Clock.Now()
	if err := r.o.config.Store.MarkJobStarted(ctx, r.job.ID, now); err != nil {
		return errors.Annotate(err, "marking job started")
	}
	if err := r.advance(ctx, deployment.StatusPending, deployment.StatusPowerOn); err != nil {
		return errors.Trace(err)
	}
	if err := r.powerOn(ctx, m); err != nil {
		return errors.Annotate(err, "power_on")
	}

	if err := r.advance(ctx, deployment.StatusPowerOn, deployment.StatusPXEBoot); err != nil {
		return errors.Trace(err)
	}
	if err := r.waitEvent(ctx, r.o.config.Timeouts.PXEBoot, r.matchType(bootevent.TypeBootStart)); err != nil {
		return errors.Annotate(err, "pxe_boot")
	}

	if err := r.advance(ctx, deployment.StatusPXEBoot, deployment.StatusOSInstall); err != nil {
		return errors.Trace(err)
	}
	if err := r.waitEvent(ctx, r.o.config.Timeouts.OSInstall, r.matchType(bootevent.TypeOSInstalled)); err != nil {
		return errors.Annotate(err, "os_install")
	}

	if err := r.advance(ctx, deployment.StatusOSInstall, deployment.StatusEggDeploy); err != nil {
		return errors.Trace(err)
	}
	if err := r.deployEggs(ctx); err != nil {
		return errors.Annotate(err, "egg_deploy")
	}

	if err := r.waitEvent(ctx, r.o.config.Timeouts.Verify, r.matchType(bootevent.TypeDeploymentComplete)); err != nil {
		return errors.Annotate(err, "verify")
	}

	if err := r.advance(ctx, deployment.StatusEggDeploy, deployment.StatusComplete); err != nil {
		return errors.Trace(err)
	}
	// The deployed machine keeps booting the image the job installed.
	if err := r.o.config.Inventory.FinalizeDeployment(ctx, m.SystemID, r.job.ImageID); err != nil {
		return errors.Annotate(err, "finalizing deployment")
	}
	return nil
}

// advance moves the job to the next phase, with progress pinned to
// the low edge of the new phase's band.
func (r *jobRun) advance(ctx context.Context, from, to deployment.Status) error {
	progress := deployment.ProgressCeiling
	if to != deployment.StatusComplete {
		progress, _ = deployment.PhaseBand(to)
	}
	now := r.o.config.Clock.Now()
	if err := r.o.config.Store.AdvanceJob(ctx, r.job.ID, from, to, progress, now); err != nil {
		return errors.Annotatef(err, "advancing job to %s", to)
	}
	r.job.Status = to
	return nil
}

// powerOn arms a one-shot network boot and turns the machine on,
// cycling it if the BMC reports it already up. BMC hiccups are
// retried a few times before the phase fails.
func (r *jobRun) powerOn(ctx context.Context, m machine.Machine) error {
	driver, creds, err := r.o.powerFor(ctx, m)
	if err != nil {
		return errors.Trace(err)
	}
	return retry.Call(retry.CallArgs{
		Func: func() error {
			if err := driver.SetNextBoot(ctx, creds, power.BootDevicePXE, power.OneShot); err != nil && !errors.Is(err, power.ErrUnsupported) {
				return errors.Trace(err)
			}
			state, err := driver.Status(ctx, creds)
			if err != nil {
				if errors.Is(err, power.ErrUnsupported) {
					state = power.StateUnknown
				} else {
					return errors.Trace(err)
				}
			}
			if state == power.StateOn {
				return errors.Trace(driver.Cycle(ctx, creds))
			}
			return errors.Trace(driver.On(ctx, creds))
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, power.ErrAuth) || errors.Is(err, power.ErrUnsupported)
		},
		Attempts: powerOnAttempts,
		Delay:    5 * time.Second,
		Clock:    r.o.config.Clock,
		Stop:     r.cancel,
	})
}

// deployEggs waits for each frozen egg to report completion, in
// order, scaling progress through the egg_deploy band. An error event
// for an ignore_errors egg downgrades to a warning.
func (r *jobRun) deployEggs(ctx context.Context) error {
	total := len(r.job.EggsToDeploy)
	if total == 0 {
		return nil
	}
	low, high := deployment.PhaseBand(deployment.StatusEggDeploy)
	for i, eggID := range r.job.EggsToDeploy {
		err := r.waitEvent(ctx, r.o.config.Timeouts.EggDeploy, r.matchEgg(eggID))
		if err != nil {
			def, lookupErr := r.o.config.Store.Egg(ctx, eggID)
			tolerable := lookupErr == nil && def.IgnoreErrors &&
				!errors.Is(err, errCancelled) && !errors.Is(err, errShuttingDown)
			if !tolerable {
				return errors.Annotatef(err, "egg %q", eggID)
			}
			logger.Warningf("job %s: egg %s failed but is marked ignore_errors, continuing", r.job.ID, eggID)
			r.logProgress(ctx, low+(high-low)*(i+1)/total,
				fmt.Sprintf("egg %s failed (ignored): %v", eggID, err))
			continue
		}
		r.logProgress(ctx, low+(high-low)*(i+1)/total, fmt.Sprintf("egg %s deployed", eggID))
	}
	return nil
}

func (r *jobRun) logProgress(ctx context.Context, progress int, line string) {
	now := r.o.config.Clock.Now()
	if err := r.o.config.Store.UpdateJobProgress(ctx, r.job.ID, progress, line, now); err != nil {
		logger.Errorf("job %s: recording progress: %v", r.job.ID, err)
	}
}

// matchType accepts the first event of the wanted type. An error
// event fails the wait.
func (r *jobRun) matchType(want bootevent.Type) func(bootevent.Event) (bool, error) {
	return func(ev bootevent.Event) (bool, error) {
		switch ev.Type {
		case want:
			return true, nil
		case bootevent.TypeError:
			return false, errors.Errorf("boot error reported: %s", ev.Details)
		}
		return false, nil
	}
}

// matchEgg accepts completion of the named egg. Error events for
// other eggs are ignored here; only the awaited egg's outcome settles
// the wait.
func (r *jobRun) matchEgg(eggID string) func(bootevent.Event) (bool, error) {
	return func(ev bootevent.Event) (bool, error) {
		switch ev.Type {
		case bootevent.TypeEggComplete:
			return ev.Details == eggID, nil
		case bootevent.TypeError:
			if ev.Details == eggID || ev.Details == "" {
				return false, errors.Errorf("egg deployment error: %s", ev.Details)
			}
		}
		return false, nil
	}
}

// waitEvent blocks until match accepts an event, the phase times out,
// the job is cancelled, or the orchestrator shuts down.
func (r *jobRun) waitEvent(ctx context.Context, timeout time.Duration, match func(bootevent.Event) (bool, error)) error {
	timeoutCh := r.o.config.Clock.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return errShuttingDown
		case <-r.cancel:
			return errCancelled
		case <-timeoutCh:
			return errors.Annotatef(errPhaseTimeout, "after %v", timeout)
		case ev := <-r.events:
			done, err := match(ev)
			if err != nil {
				return errors.Trace(err)
			}
			if done {
				return nil
			}
		}
	}
}

func (r *jobRun) fail(ctx context.Context, cause error) {
	logger.Errorf("job %s failed: %v", r.job.ID, cause)
	now := r.o.config.Clock.Now()
	if err := r.o.config.Store.FailJob(ctx, r.job.ID, cause.Error(), now); err != nil {
		logger.Errorf("job %s: recording failure: %v", r.job.ID, err)
	}
	if err := r.o.config.Inventory.MarkFailed(ctx, r.job.MachineID); err != nil {
		logger.Errorf("job %s: marking machine failed: %v", r.job.ID, err)
	}
}

func (r *jobRun) settleCancelled(m machine.Machine) {
	// The run context may already be gone; settle on a fresh one.
	ctx := context.Background()
	actor := r.cancelActor()
	now := r.o.config.Clock.Now()
	if err := r.o.config.Store.FailJob(ctx, r.job.ID, fmt.Sprintf("cancelled by %s", actor), now); err != nil {
		logger.Errorf("job %s: recording cancellation: %v", r.job.ID, err)
	}
	if err := r.o.config.Inventory.MarkFailed(ctx, m.SystemID); err != nil {
		logger.Errorf("job %s: marking machine failed: %v", r.job.ID, err)
	}
	r.o.config.Sink.Append(audit.Event{
		Type:        audit.EventDeployCancelled,
		Severity:    audit.SeverityWarning,
		Actor:       actor,
		ResourceRef: fmt.Sprintf("deployment/%s", r.job.ID),
		Details:     map[string]string{"machine": m.SystemID},
		Timestamp:   now,
	})
}
