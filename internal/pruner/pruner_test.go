// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pruner

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/internal/database"
	"github.com/canonical/hatchery/internal/state"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type prunerSuite struct {
	st    *state.State
	clock *testclock.Clock
}

var _ = gc.Suite(&prunerSuite{})

func (s *prunerSuite) SetUpTest(c *gc.C) {
	db, err := database.OpenInMemory()
	c.Assert(err, jc.ErrorIsNil)
	s.st, err = state.NewState(context.Background(), db)
	c.Assert(err, jc.ErrorIsNil)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

func (s *prunerSuite) TestConfigValidation(c *gc.C) {
	_, err := NewWorker(Config{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *prunerSuite) TestPruneRemovesAgedEvents(c *gc.C) {
	now := s.clock.Now()
	append := func(t time.Time, details string) {
		c.Assert(s.st.AppendBootEvent(context.Background(), bootevent.Event{
			MAC:       "aabbcc112233",
			Type:      bootevent.TypeDHCPRequest,
			Details:   details,
			Timestamp: t,
		}), jc.ErrorIsNil)
	}
	append(now.Add(-bootevent.RetentionPeriod-time.Hour), "aged")
	append(now.Add(-time.Hour), "recent")

	w, err := NewWorker(Config{Store: s.st, Clock: s.clock})
	c.Assert(err, jc.ErrorIsNil)
	defer func() {
		w.Kill()
		c.Check(w.Wait(), jc.ErrorIsNil)
	}()
	c.Assert(w.Prune(), jc.ErrorIsNil)

	events, err := s.st.BootEvents(context.Background(), "aabbcc112233")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Details, gc.Equals, "recent")
}

func (s *prunerSuite) TestKillStopsLoop(c *gc.C) {
	w, err := NewWorker(Config{Store: s.st, Clock: s.clock})
	c.Assert(err, jc.ErrorIsNil)
	w.Kill()
	c.Check(w.Wait(), jc.ErrorIsNil)
}
