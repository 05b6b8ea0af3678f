// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/database"
	"github.com/canonical/hatchery/internal/state"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

// staticRenderer hands back a fixed artifact.
type staticRenderer struct {
	cloudInit string
	err       error
}

func (r *staticRenderer) ResolveAndRender(_ context.Context, eggIDs []string, _ machine.Machine) ([]string, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	return eggIDs, r.cloudInit, nil
}

type serviceSuite struct {
	st       *state.State
	sink     *audit.RecordingSink
	clock    *testclock.Clock
	renderer *staticRenderer
	service  *Service
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	db, err := database.OpenInMemory()
	c.Assert(err, jc.ErrorIsNil)
	s.st, err = state.NewState(context.Background(), db)
	c.Assert(err, jc.ErrorIsNil)
	s.sink = &audit.RecordingSink{}
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s.renderer = &staticRenderer{cloudInit: "#cloud-config\n{}\n"}
	s.service = NewService(s.st, s.renderer, s.sink, s.clock)
}

func (s *serviceSuite) discoverReady(c *gc.C) machine.Machine {
	m, err := s.service.Discover(context.Background(), "aa:bb:cc:11:22:33", "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.service.Commission(context.Background(), m.SystemID), jc.ErrorIsNil)
	c.Assert(s.service.CompleteCommissioning(context.Background(), m.SystemID, `{"cpus": 8}`), jc.ErrorIsNil)
	return m
}

func (s *serviceSuite) TestDiscoverCreatesMachine(c *gc.C) {
	m, err := s.service.Discover(context.Background(), "aa:bb:cc:11:22:33", "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.MACAddress, gc.Equals, "aabbcc112233")
	c.Check(m.Status, gc.Equals, machine.StatusDiscovered)

	events, err := s.st.BootEvents(context.Background(), "aabbcc112233")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Type, gc.Equals, bootevent.TypeDHCPRequest)
}

func (s *serviceSuite) TestDiscoverKnownMACRefreshes(c *gc.C) {
	first, err := s.service.Discover(context.Background(), "aa:bb:cc:11:22:33", "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)
	s.clock.Advance(time.Minute)
	second, err := s.service.Discover(context.Background(), "AA-BB-CC-11-22-33", "10.0.0.10")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second.SystemID, gc.Equals, first.SystemID)

	got, err := s.st.Machine(context.Background(), first.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.IP, gc.Equals, "10.0.0.10")
	c.Check(got.Status, gc.Equals, machine.StatusDiscovered)
	c.Assert(got.LastSeenAt, gc.NotNil)
	c.Check(*got.LastSeenAt, gc.Equals, s.clock.Now())
}

func (s *serviceSuite) TestCommissionToReady(c *gc.C) {
	m := s.discoverReady(c)
	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusReady)
	c.Check(got.HardwareInfo, gc.Equals, `{"cpus": 8}`)
}

func (s *serviceSuite) TestCommissionFromReadyRejected(c *gc.C) {
	m := s.discoverReady(c)
	err := s.service.Commission(context.Background(), m.SystemID)
	c.Check(err, jc.ErrorIs, state.ErrStatusConflict)
}

func (s *serviceSuite) TestDeployOpensJobAndFreezesCloudInit(c *gc.C) {
	m := s.discoverReady(c)
	job, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", []string{"e-1", "e-2"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(job.EggsToDeploy, gc.DeepEquals, []string{"e-1", "e-2"})
	c.Check(job.RenderedCloudInit, gc.Equals, "#cloud-config\n{}\n")

	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusDeploying)
	c.Check(s.sink.OfType(audit.EventDeployStarted), gc.HasLen, 1)
}

func (s *serviceSuite) TestDeployConflictsWithActiveJob(c *gc.C) {
	m := s.discoverReady(c)
	_, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.service.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Check(err, jc.ErrorIs, ErrJobActive)
}

func (s *serviceSuite) TestDeployRenderFailureLeavesMachineReady(c *gc.C) {
	m := s.discoverReady(c)
	s.renderer.err = errors.New("cycle detected")
	_, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", []string{"e-1"})
	c.Assert(err, gc.ErrorMatches, ".*cycle detected.*")

	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusReady)
}

func (s *serviceSuite) TestFinalizeDeployment(c *gc.C) {
	m := s.discoverReady(c)
	job, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.st.FailJob(context.Background(), job.ID, "cleanup", s.clock.Now()), jc.ErrorIsNil)

	c.Assert(s.service.FinalizeDeployment(context.Background(), m.SystemID, "bc-1"), jc.ErrorIsNil)
	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusDeployed)
	c.Check(got.BootConfig, gc.Equals, "bc-1")
	c.Assert(got.DeployedAt, gc.NotNil)
	c.Check(s.sink.OfType(audit.EventDeployCompleted), gc.HasLen, 1)
}

func (s *serviceSuite) deployAndFinalize(c *gc.C) machine.Machine {
	m := s.discoverReady(c)
	job, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.st.FailJob(context.Background(), job.ID, "done", s.clock.Now()), jc.ErrorIsNil)
	c.Assert(s.service.FinalizeDeployment(context.Background(), m.SystemID, "bc-1"), jc.ErrorIsNil)
	return m
}

func (s *serviceSuite) TestReleaseReturnsToReady(c *gc.C) {
	m := s.deployAndFinalize(c)
	c.Assert(s.service.Release(context.Background(), m.SystemID), jc.ErrorIsNil)
	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusReady)
	c.Check(got.DeployedAt, gc.IsNil)
	c.Check(got.BootConfig, gc.Equals, "")
}

func (s *serviceSuite) TestRequestReimage(c *gc.C) {
	m := s.deployAndFinalize(c)
	c.Assert(s.service.RequestReimage(context.Background(), m.SystemID), jc.ErrorIsNil)
	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ReimageRequested, jc.IsTrue)
}

func (s *serviceSuite) TestRequestReimageNotDeployed(c *gc.C) {
	m, err := s.service.Discover(context.Background(), "aa:bb:cc:11:22:33", "")
	c.Assert(err, jc.ErrorIsNil)
	err = s.service.RequestReimage(context.Background(), m.SystemID)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *serviceSuite) TestHardResetPurgesJob(c *gc.C) {
	m := s.discoverReady(c)
	job, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.service.HardReset(context.Background(), m.SystemID, "admin"), jc.ErrorIsNil)

	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusDiscovered)

	j, err := s.st.Job(context.Background(), job.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(j.Status.Terminal(), jc.IsTrue)
	c.Check(s.sink.OfType(audit.EventMachineHardReset), gc.HasLen, 1)
}

func (s *serviceSuite) TestMarkFailed(c *gc.C) {
	m := s.discoverReady(c)
	_, err := s.service.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.service.MarkFailed(context.Background(), m.SystemID), jc.ErrorIsNil)
	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, machine.StatusFailed)
	c.Check(s.sink.OfType(audit.EventDeployFailed), gc.HasLen, 1)
}

func (s *serviceSuite) TestRecordBootEventStampsLastBoot(c *gc.C) {
	m, err := s.service.Discover(context.Background(), "aa:bb:cc:11:22:33", "")
	c.Assert(err, jc.ErrorIsNil)
	s.clock.Advance(time.Minute)
	err = s.service.RecordBootEvent(context.Background(), bootevent.Event{
		MAC:  "AA:BB:CC:11:22:33",
		Type: bootevent.TypeBootStart,
	})
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.LastBootAt, gc.NotNil)
	c.Check(*got.LastBootAt, gc.Equals, s.clock.Now())

	events, err := s.st.BootEvents(context.Background(), "aabbcc112233")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(events, gc.HasLen, 2)
	c.Check(events[1].MachineID, gc.Equals, m.SystemID)
}
