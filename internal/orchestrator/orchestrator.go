// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package orchestrator runs deployment jobs. It admits pending jobs
// in FIFO order under a global concurrency cap, walks each one
// through the provisioning phases by reacting to boot events, and
// settles the job and its machine when the workflow ends.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/power"
)

var logger = loggo.GetLogger("hatchery.orchestrator")

// DefaultMaxConcurrent is the global cap on simultaneously running
// deployment jobs.
const DefaultMaxConcurrent = 5

// DefaultPollInterval is how often the admission loop scans for
// pending jobs.
const DefaultPollInterval = 10 * time.Second

// ErrJobNotRunning is returned by Cancel for a job this orchestrator
// is not executing.
const ErrJobNotRunning = errors.ConstError("job not running")

// PhaseTimeouts bounds how long each phase may take before the job
// fails.
type PhaseTimeouts struct {
	PowerOn   time.Duration
	PXEBoot   time.Duration
	OSInstall time.Duration
	EggDeploy time.Duration
	Verify    time.Duration
}

// DefaultPhaseTimeouts are the production limits.
var DefaultPhaseTimeouts = PhaseTimeouts{
	PowerOn:   5 * time.Minute,
	PXEBoot:   10 * time.Minute,
	OSInstall: 30 * time.Minute,
	EggDeploy: 30 * time.Minute,
	Verify:    5 * time.Minute,
}

func (t *PhaseTimeouts) fillDefaults() {
	if t.PowerOn <= 0 {
		t.PowerOn = DefaultPhaseTimeouts.PowerOn
	}
	if t.PXEBoot <= 0 {
		t.PXEBoot = DefaultPhaseTimeouts.PXEBoot
	}
	if t.OSInstall <= 0 {
		t.OSInstall = DefaultPhaseTimeouts.OSInstall
	}
	if t.EggDeploy <= 0 {
		t.EggDeploy = DefaultPhaseTimeouts.EggDeploy
	}
	if t.Verify <= 0 {
		t.Verify = DefaultPhaseTimeouts.Verify
	}
}

// Store is the slice of persistent state the orchestrator drives.
type Store interface {
	Machine(ctx context.Context, systemID string) (machine.Machine, error)
	Egg(ctx context.Context, id string) (egg.Egg, error)
	PendingJobs(ctx context.Context) ([]deployment.Job, error)
	InterruptedJobs(ctx context.Context) ([]deployment.Job, error)
	AdvanceJob(ctx context.Context, id string, from, to deployment.Status, progress int, now time.Time) error
	UpdateJobProgress(ctx context.Context, id string, progress int, logLine string, now time.Time) error
	FailJob(ctx context.Context, id, message string, now time.Time) error
	MarkJobStarted(ctx context.Context, id string, now time.Time) error
}

// Inventory is the machine lifecycle surface the orchestrator settles
// results through.
type Inventory interface {
	FinalizeDeployment(ctx context.Context, systemID, bootConfig string) error
	MarkFailed(ctx context.Context, systemID string) error
	Release(ctx context.Context, systemID string) error
}

// PowerProvider hands out power drivers by power type.
type PowerProvider interface {
	Driver(powerType string) (power.Driver, error)
}

// CredentialsFunc resolves BMC credentials for a machine at call
// time. Credentials are never stored on the orchestrator.
type CredentialsFunc func(ctx context.Context, m machine.Machine) (power.Credentials, error)

// Config holds the orchestrator dependencies.
type Config struct {
	Store       Store
	Inventory   Inventory
	Power       PowerProvider
	Credentials CredentialsFunc
	Hub         *pubsub.SimpleHub
	Sink        audit.Sink
	Clock       clock.Clock

	// MaxConcurrent caps simultaneously running jobs; zero means the
	// default.
	MaxConcurrent int

	// PollInterval is the admission scan cadence; zero means the
	// default.
	PollInterval time.Duration

	Timeouts PhaseTimeouts
}

// Validate checks the config is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Inventory == nil {
		return errors.NotValidf("nil Inventory")
	}
	if c.Power == nil {
		return errors.NotValidf("nil Power")
	}
	if c.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Orchestrator is the deployment job runner.
type Orchestrator struct {
	tomb   tomb.Tomb
	config Config

	mu      sync.Mutex
	running map[string]*jobRun
}

// NewOrchestrator starts the admission loop.
func NewOrchestrator(config Config) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	config.Timeouts.fillDefaults()
	o := &Orchestrator{
		config:  config,
		running: make(map[string]*jobRun),
	}
	o.tomb.Go(o.loop)
	return o, nil
}

// Kill implements worker.Worker.
func (o *Orchestrator) Kill() {
	o.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (o *Orchestrator) Wait() error {
	return o.tomb.Wait()
}

func (o *Orchestrator) loop() error {
	if err := o.reconcile(); err != nil {
		return errors.Trace(err)
	}
	for {
		select {
		case <-o.tomb.Dying():
			return tomb.ErrDying
		case <-o.config.Clock.After(o.config.PollInterval):
			if err := o.admit(); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// reconcile settles jobs stranded mid-phase by an earlier process
// exit. Their boot events are gone with the process, so they cannot be
// resumed; they fail and the operator retries.
func (o *Orchestrator) reconcile() error {
	ctx := o.tomb.Context(context.Background())
	stranded, err := o.config.Store.InterruptedJobs(ctx)
	if err != nil {
		return errors.Annotate(err, "listing interrupted jobs")
	}
	now := o.config.Clock.Now()
	for _, job := range stranded {
		logger.Warningf("job %s was interrupted in phase %s, failing it", job.ID, job.Status)
		if err := o.config.Store.FailJob(ctx, job.ID, "interrupted by control plane restart", now); err != nil {
			return errors.Annotatef(err, "failing interrupted job %q", job.ID)
		}
		if err := o.config.Inventory.MarkFailed(ctx, job.MachineID); err != nil && !errors.IsNotFound(err) {
			logger.Errorf("marking machine %s failed: %v", job.MachineID, err)
		}
	}
	return nil
}

// Admit runs one admission pass immediately. The loop calls it on
// every tick; tests and the deployment API call it to start work
// without waiting for the poll.
func (o *Orchestrator) Admit() error {
	return o.admit()
}

func (o *Orchestrator) admit() error {
	ctx := o.tomb.Context(context.Background())
	pending, err := o.config.Store.PendingJobs(ctx)
	if err != nil {
		return errors.Annotate(err, "listing pending jobs")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, job := range pending {
		if len(o.running) >= o.config.MaxConcurrent {
			break
		}
		if _, ok := o.running[job.ID]; ok {
			continue
		}
		run := newJobRun(o, job)
		o.running[job.ID] = run
		o.tomb.Go(func() error {
			defer o.finish(run.job.ID)
			run.run(o.tomb.Context(context.Background()))
			return nil
		})
	}
	return nil
}

func (o *Orchestrator) finish(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, jobID)
}

// RunningJobs returns the ids of jobs currently executing.
func (o *Orchestrator) RunningJobs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// Cancel stops a running job at its next suspension point. The job is
// failed and its machine marked failed; a terminal job cannot be
// cancelled.
func (o *Orchestrator) Cancel(jobID, actor string) error {
	o.mu.Lock()
	run, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		return errors.Annotatef(ErrJobNotRunning, "job %q", jobID)
	}
	run.requestCancel(actor)
	return nil
}

// Release tears a deployed machine down. The agent protocol carries
// no command channel, so the installed eggs cannot be unwound in
// place; instead the boot order is restored to persistent network
// boot, abandoning the deployed image, the machine is powered off,
// and the inventory record returns to ready. Each power step retries
// with backoff like the deploy phases do.
func (o *Orchestrator) Release(ctx context.Context, systemID string) error {
	m, err := o.config.Store.Machine(ctx, systemID)
	if err != nil {
		return errors.Trace(err)
	}
	driver, creds, err := o.powerFor(ctx, m)
	if err != nil {
		return errors.Trace(err)
	}
	steps := []struct {
		name string
		call func() error
	}{
		{"restoring boot order", func() error {
			return driver.SetNextBoot(ctx, creds, power.BootDevicePXE, power.Persistent)
		}},
		{"powering off", func() error {
			return driver.Off(ctx, creds)
		}},
	}
	for _, step := range steps {
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				if err := step.call(); err != nil && !errors.Is(err, power.ErrUnsupported) {
					return errors.Trace(err)
				}
				return nil
			},
			IsFatalError: func(err error) bool {
				return errors.Is(err, power.ErrAuth)
			},
			Attempts: powerOnAttempts,
			Delay:    5 * time.Second,
			Clock:    o.config.Clock,
			Stop:     o.tomb.Dying(),
		})
		if err != nil {
			return errors.Annotatef(err, "%s for machine %q", step.name, systemID)
		}
	}
	if err := o.config.Inventory.Release(ctx, systemID); err != nil {
		return errors.Trace(err)
	}
	o.config.Sink.Append(audit.Event{
		Type:        audit.EventMachineReleased,
		Severity:    audit.SeverityInfo,
		ResourceRef: fmt.Sprintf("machine/%s", systemID),
		Timestamp:   o.config.Clock.Now(),
	})
	return nil
}

func (o *Orchestrator) powerFor(ctx context.Context, m machine.Machine) (power.Driver, power.Credentials, error) {
	driver, err := o.config.Power.Driver(m.PowerType)
	if err != nil {
		return nil, power.Credentials{}, errors.Trace(err)
	}
	creds, err := o.config.Credentials(ctx, m)
	if err != nil {
		return nil, power.Credentials{}, errors.Annotatef(err, "resolving power credentials for machine %q", m.SystemID)
	}
	return driver, creds, nil
}
