// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/database"
	"github.com/canonical/hatchery/internal/inventory"
	"github.com/canonical/hatchery/internal/power"
	"github.com/canonical/hatchery/internal/state"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type staticRenderer struct{}

func (staticRenderer) ResolveAndRender(_ context.Context, eggIDs []string, _ machine.Machine) ([]string, string, error) {
	return eggIDs, "#cloud-config\n{}\n", nil
}

// fakeDriver records power operations and reports a fixed state.
type fakeDriver struct {
	mu    sync.Mutex
	calls []string
	state power.State
	err   error
}

func (d *fakeDriver) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return d.err
}

func (d *fakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDriver) On(context.Context, power.Credentials) error {
	return d.record("on")
}

func (d *fakeDriver) Off(context.Context, power.Credentials) error {
	return d.record("off")
}

func (d *fakeDriver) Cycle(context.Context, power.Credentials) error {
	return d.record("cycle")
}

func (d *fakeDriver) Reset(context.Context, power.Credentials) error {
	return d.record("reset")
}

func (d *fakeDriver) Status(context.Context, power.Credentials) (power.State, error) {
	if err := d.record("status"); err != nil {
		return power.StateUnknown, err
	}
	return d.state, nil
}

func (d *fakeDriver) SetNextBoot(_ context.Context, _ power.Credentials, device power.BootDevice, persistence power.Persistence) error {
	return d.record("set-next-boot " + string(device) + " " + string(persistence))
}

type fakePowerProvider struct {
	driver *fakeDriver
}

func (p fakePowerProvider) Driver(string) (power.Driver, error) {
	return p.driver, nil
}

type orchestratorSuite struct {
	st        *state.State
	inventory *inventory.Service
	sink      *audit.RecordingSink
	clock     *testclock.Clock
	hub       *pubsub.SimpleHub
	driver    *fakeDriver
}

var _ = gc.Suite(&orchestratorSuite{})

func (s *orchestratorSuite) SetUpTest(c *gc.C) {
	db, err := database.OpenInMemory()
	c.Assert(err, jc.ErrorIsNil)
	s.st, err = state.NewState(context.Background(), db)
	c.Assert(err, jc.ErrorIsNil)
	s.sink = &audit.RecordingSink{}
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s.hub = pubsub.NewSimpleHub(nil)
	s.driver = &fakeDriver{state: power.StateOff}
	s.inventory = inventory.NewService(s.st, staticRenderer{}, s.sink, s.clock)
}

func (s *orchestratorSuite) newOrchestrator(c *gc.C, maxConcurrent int) *Orchestrator {
	o, err := NewOrchestrator(Config{
		Store:       s.st,
		Inventory:   s.inventory,
		Power:       fakePowerProvider{driver: s.driver},
		Credentials: s.credentials,
		Hub:         s.hub,
		Sink:        s.sink,
		Clock:       s.clock,

		MaxConcurrent: maxConcurrent,
	})
	c.Assert(err, jc.ErrorIsNil)
	return o
}

func (s *orchestratorSuite) credentials(_ context.Context, m machine.Machine) (power.Credentials, error) {
	return power.Credentials{Address: m.BMCAddress, Username: "admin", Password: "secret"}, nil
}

// readyMachine walks a machine to ready and returns it.
func (s *orchestratorSuite) readyMachine(c *gc.C, mac string) machine.Machine {
	m, err := s.inventory.Discover(context.Background(), mac, "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.inventory.Commission(context.Background(), m.SystemID), jc.ErrorIsNil)
	c.Assert(s.inventory.CompleteCommissioning(context.Background(), m.SystemID, "{}"), jc.ErrorIsNil)
	m, err = s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	m.PowerType = "ipmi"
	m.BMCAddress = "10.1.0.9"
	c.Assert(s.st.UpdateMachine(context.Background(), m), jc.ErrorIsNil)
	return m
}

func (s *orchestratorSuite) createEgg(c *gc.C, id string, ignoreErrors bool) {
	now := s.clock.Now()
	c.Assert(s.st.CreateEgg(context.Background(), egg.Egg{
		ID:           id,
		Name:         id,
		Type:         egg.TypeCloudInit,
		CloudInit:    &egg.CloudInitSpec{Content: "packages: [jq]\n"},
		IgnoreErrors: ignoreErrors,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}), jc.ErrorIsNil)
}

func (s *orchestratorSuite) publish(c *gc.C, mac string, ev bootevent.Event) {
	ev.MAC = mac
	select {
	case <-pubsub.Wait(s.hub.Publish(bootevent.Topic(mac), ev)):
	case <-time.After(5 * time.Second):
		c.Fatalf("publish of %s never completed", ev.Type)
	}
}

func (s *orchestratorSuite) waitJobStatus(c *gc.C, id string, want deployment.Status) {
	for i := 0; i < 500; i++ {
		j, err := s.st.Job(context.Background(), id)
		c.Assert(err, jc.ErrorIsNil)
		if j.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, _ := s.st.Job(context.Background(), id)
	c.Fatalf("job %s stuck in %s, wanted %s", id, j.Status, want)
}

func (s *orchestratorSuite) TestConfigValidation(c *gc.C) {
	_, err := NewOrchestrator(Config{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *orchestratorSuite) TestDeployLifecycle(c *gc.C) {
	s.createEgg(c, "e-1", false)
	s.createEgg(c, "e-2", false)
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", []string{"e-1", "e-2"})
	c.Assert(err, jc.ErrorIsNil)

	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Admit(), jc.ErrorIsNil)

	s.waitJobStatus(c, job.ID, deployment.StatusPXEBoot)
	c.Check(s.driver.Calls(), gc.DeepEquals, []string{
		"set-next-boot pxe one_shot", "status", "on",
	})

	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeBootStart})
	s.waitJobStatus(c, job.ID, deployment.StatusOSInstall)

	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeOSInstalled})
	s.waitJobStatus(c, job.ID, deployment.StatusEggDeploy)

	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeEggComplete, Details: "e-1"})
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeEggComplete, Details: "e-2"})
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeDeploymentComplete})
	s.waitJobStatus(c, job.ID, deployment.StatusComplete)

	got, err := s.st.Job(context.Background(), job.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ProgressPercent, gc.Equals, 100)
	c.Check(got.LogOutput, gc.Matches, "(?s).*egg e-1 deployed.*egg e-2 deployed.*")
	c.Assert(got.StartedAt, gc.NotNil)
	c.Assert(got.CompletedAt, gc.NotNil)

	gotMachine, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(gotMachine.Status, gc.Equals, machine.StatusDeployed)
	c.Check(gotMachine.BootConfig, gc.Equals, "img-1")
}

func (s *orchestratorSuite) TestDeployCyclesRunningMachine(c *gc.C) {
	s.driver.state = power.StateOn
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Admit(), jc.ErrorIsNil)

	s.waitJobStatus(c, job.ID, deployment.StatusPXEBoot)
	c.Check(s.driver.Calls(), gc.DeepEquals, []string{
		"set-next-boot pxe one_shot", "status", "cycle",
	})
}

func (s *orchestratorSuite) TestIgnoreErrorsEggContinues(c *gc.C) {
	s.createEgg(c, "e-1", false)
	s.createEgg(c, "e-2", true)
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", []string{"e-1", "e-2"})
	c.Assert(err, jc.ErrorIsNil)

	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Admit(), jc.ErrorIsNil)

	s.waitJobStatus(c, job.ID, deployment.StatusPXEBoot)
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeBootStart})
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeOSInstalled})
	s.waitJobStatus(c, job.ID, deployment.StatusEggDeploy)

	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeEggComplete, Details: "e-1"})
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeError, Details: "e-2"})
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeDeploymentComplete})
	s.waitJobStatus(c, job.ID, deployment.StatusComplete)

	got, err := s.st.Job(context.Background(), job.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.LogOutput, gc.Matches, "(?s).*egg e-2 failed \\(ignored\\).*")
}

func (s *orchestratorSuite) TestErrorEventFailsJob(c *gc.C) {
	s.createEgg(c, "e-1", false)
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", []string{"e-1"})
	c.Assert(err, jc.ErrorIsNil)

	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Admit(), jc.ErrorIsNil)

	s.waitJobStatus(c, job.ID, deployment.StatusPXEBoot)
	s.publish(c, m.MACAddress, bootevent.Event{Type: bootevent.TypeError, Details: "no bootable image"})
	s.waitJobStatus(c, job.ID, deployment.StatusFailed)

	got, err := s.st.Job(context.Background(), job.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ErrorMessage, gc.Matches, ".*no bootable image.*")

	gotMachine, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(gotMachine.Status, gc.Equals, machine.StatusFailed)
}

func (s *orchestratorSuite) TestCancelSettlesJob(c *gc.C) {
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Admit(), jc.ErrorIsNil)

	s.waitJobStatus(c, job.ID, deployment.StatusPXEBoot)
	c.Assert(o.Cancel(job.ID, "admin"), jc.ErrorIsNil)
	s.waitJobStatus(c, job.ID, deployment.StatusFailed)

	got, err := s.st.Job(context.Background(), job.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ErrorMessage, gc.Equals, "cancelled by admin")
	c.Check(s.sink.OfType(audit.EventDeployCancelled), gc.HasLen, 1)

	gotMachine, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(gotMachine.Status, gc.Equals, machine.StatusFailed)
}

func (s *orchestratorSuite) TestReconcileFailsInterruptedJobs(c *gc.C) {
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.st.AdvanceJob(context.Background(), job.ID,
		deployment.StatusPending, deployment.StatusPowerOn, 5, s.clock.Now()), jc.ErrorIsNil)

	// A fresh orchestrator finds the mid-phase job with nothing driving
	// it and settles it as failed.
	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()

	s.waitJobStatus(c, job.ID, deployment.StatusFailed)
	got, err := s.st.Job(context.Background(), job.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ErrorMessage, gc.Equals, "interrupted by control plane restart")

	gotMachine, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(gotMachine.Status, gc.Equals, machine.StatusFailed)
}

func (s *orchestratorSuite) TestCancelUnknownJob(c *gc.C) {
	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	err := o.Cancel("j-missing", "admin")
	c.Check(err, jc.ErrorIs, ErrJobNotRunning)
}

func (s *orchestratorSuite) TestConcurrencyCap(c *gc.C) {
	first := s.readyMachine(c, "aa:bb:cc:11:22:33")
	second := s.readyMachine(c, "aa:bb:cc:44:55:66")
	firstJob, err := s.inventory.Deploy(context.Background(), first.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	secondJob, err := s.inventory.Deploy(context.Background(), second.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	o := s.newOrchestrator(c, 1)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Admit(), jc.ErrorIsNil)

	s.waitJobStatus(c, firstJob.ID, deployment.StatusPXEBoot)
	c.Check(o.RunningJobs(), gc.DeepEquals, []string{firstJob.ID})

	got, err := s.st.Job(context.Background(), secondJob.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, deployment.StatusPending)

	// Finishing the first job frees the slot for the second.
	s.publish(c, first.MACAddress, bootevent.Event{Type: bootevent.TypeBootStart})
	s.publish(c, first.MACAddress, bootevent.Event{Type: bootevent.TypeOSInstalled})
	s.publish(c, first.MACAddress, bootevent.Event{Type: bootevent.TypeDeploymentComplete})
	s.waitJobStatus(c, firstJob.ID, deployment.StatusComplete)

	for i := 0; i < 500; i++ {
		c.Assert(o.Admit(), jc.ErrorIsNil)
		j, err := s.st.Job(context.Background(), secondJob.ID)
		c.Assert(err, jc.ErrorIsNil)
		if j.Status != deployment.StatusPending {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.waitJobStatus(c, secondJob.ID, deployment.StatusPXEBoot)
}

func (s *orchestratorSuite) TestReleaseRestoresBootAndPowersOff(c *gc.C) {
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.st.FailJob(context.Background(), job.ID, "cleanup", s.clock.Now()), jc.ErrorIsNil)
	c.Assert(s.inventory.FinalizeDeployment(context.Background(), m.SystemID, "img-1"), jc.ErrorIsNil)

	o := s.newOrchestrator(c, DefaultMaxConcurrent)
	defer func() {
		o.Kill()
		c.Check(o.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(o.Release(context.Background(), m.SystemID), jc.ErrorIsNil)

	c.Check(s.driver.Calls(), gc.DeepEquals, []string{
		"set-next-boot pxe persistent", "off",
	})
	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusReady)
}
