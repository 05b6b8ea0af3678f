// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package machine_test

import (
	"testing"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/core/machine"
)

func Test(t *testing.T) {
	gc.TestingT(t)
}

type machineSuite struct{}

var _ = gc.Suite(&machineSuite{})

func (s *machineSuite) TestNormalizeMAC(c *gc.C) {
	for _, t := range []struct {
		in, out string
	}{
		{"aa:bb:cc:11:22:33", "aabbcc112233"},
		{"AA-BB-CC-11-22-33", "aabbcc112233"},
		{"aabb.cc11.2233", "aabbcc112233"},
		{" AABBCC112233 ", "aabbcc112233"},
	} {
		got, err := machine.NormalizeMAC(t.in)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(got, gc.Equals, t.out)
	}
}

func (s *machineSuite) TestNormalizeMACRejectsGarbage(c *gc.C) {
	for _, in := range []string{"", "aa:bb:cc", "zz:bb:cc:11:22:33", "aabbcc1122334455"} {
		_, err := machine.NormalizeMAC(in)
		c.Check(err, jc.Satisfies, errors.IsNotValid, gc.Commentf("input %q", in))
	}
}

func (s *machineSuite) TestTransitions(c *gc.C) {
	allowed := []struct {
		from, to machine.Status
	}{
		{machine.StatusUnknown, machine.StatusDiscovered},
		{machine.StatusDiscovered, machine.StatusCommissioning},
		{machine.StatusCommissioning, machine.StatusReady},
		{machine.StatusReady, machine.StatusDeploying},
		{machine.StatusDeploying, machine.StatusDeployed},
		{machine.StatusDeploying, machine.StatusFailed},
		{machine.StatusDeployed, machine.StatusReady},
		{machine.StatusFailed, machine.StatusDeploying},
		// Hard reset edges.
		{machine.StatusDeployed, machine.StatusDiscovered},
		{machine.StatusFailed, machine.StatusDiscovered},
		{machine.StatusDeploying, machine.StatusDiscovered},
	}
	for _, t := range allowed {
		c.Check(machine.CanTransition(t.from, t.to), jc.IsTrue,
			gc.Commentf("%s -> %s", t.from, t.to))
	}

	denied := []struct {
		from, to machine.Status
	}{
		{machine.StatusDiscovered, machine.StatusDeploying},
		{machine.StatusReady, machine.StatusDeployed},
		{machine.StatusDeployed, machine.StatusDeploying},
		{machine.StatusUnknown, machine.StatusReady},
		{machine.StatusFailed, machine.StatusDeployed},
	}
	for _, t := range denied {
		c.Check(machine.CanTransition(t.from, t.to), jc.IsFalse,
			gc.Commentf("%s -> %s", t.from, t.to))
	}
}

func (s *machineSuite) TestValidateDeployedNeedsBootConfig(c *gc.C) {
	now := time.Now()
	m := machine.Machine{
		SystemID:   "m-1",
		MACAddress: "aa:bb:cc:11:22:33",
		Status:     machine.StatusDeployed,
		DeployedAt: &now,
	}
	c.Assert(m.Validate(), gc.ErrorMatches, `deployed machine "m-1" without boot config not valid`)
	m.BootConfig = "default"
	c.Assert(m.Validate(), jc.ErrorIsNil)
}

func (s *machineSuite) TestStatusTerminal(c *gc.C) {
	c.Check(machine.StatusDeployed.Terminal(), jc.IsTrue)
	c.Check(machine.StatusFailed.Terminal(), jc.IsTrue)
	c.Check(machine.StatusDeploying.Terminal(), jc.IsFalse)
	c.Check(machine.StatusReady.Terminal(), jc.IsFalse)
}
