// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eggs_test

import (
	"strings"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"gopkg.in/yaml.v3"

	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/internal/eggs"
)

type renderSuite struct {
	engine *eggs.Engine
}

var _ = gc.Suite(&renderSuite{})

func (s *renderSuite) SetUpTest(c *gc.C) {
	engine, err := eggs.NewEngine(newFakeCatalog(), 0)
	c.Assert(err, jc.ErrorIsNil)
	s.engine = engine
}

func (s *renderSuite) TestRenderHeaderAndOrder(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("base", "packages:\n  - curl\nhostname: node-1"),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.HasPrefix(out, "#cloud-config\n"), jc.IsTrue)
	c.Check(strings.Index(out, "packages:") < strings.Index(out, "hostname:"), jc.IsTrue)
}

func (s *renderSuite) TestRenderSequencesConcatenate(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("one", "packages:\n  - curl"),
		cloudInitEgg("two", "packages:\n  - vim\n  - curl"),
	})
	c.Assert(err, jc.ErrorIsNil)

	var parsed map[string]any
	c.Assert(yaml.Unmarshal([]byte(out), &parsed), jc.ErrorIsNil)
	// Duplicates are preserved in encounter order.
	c.Check(parsed["packages"], gc.DeepEquals, []any{"curl", "vim", "curl"})
}

func (s *renderSuite) TestRenderMappingsShallowMerge(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("one", "chpasswd:\n  expire: true\n  list: old"),
		cloudInitEgg("two", "chpasswd:\n  expire: false"),
	})
	c.Assert(err, jc.ErrorIsNil)

	var parsed map[string]any
	c.Assert(yaml.Unmarshal([]byte(out), &parsed), jc.ErrorIsNil)
	c.Check(parsed["chpasswd"], gc.DeepEquals, map[string]any{
		"expire": false,
		"list":   "old",
	})
}

func (s *renderSuite) TestRenderScalarOverride(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("one", "hostname: first"),
		cloudInitEgg("two", "hostname: second"),
	})
	c.Assert(err, jc.ErrorIsNil)

	var parsed map[string]any
	c.Assert(yaml.Unmarshal([]byte(out), &parsed), jc.ErrorIsNil)
	c.Check(parsed["hostname"], gc.Equals, "second")
}

func (s *renderSuite) TestRenderSnapInjection(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("base", "packages:\n  - curl"),
		snapEgg("web", "nginx", ""),
	})
	c.Assert(err, jc.ErrorIsNil)

	var parsed map[string]any
	c.Assert(yaml.Unmarshal([]byte(out), &parsed), jc.ErrorIsNil)
	c.Check(parsed["snaps"], gc.DeepEquals, []any{
		map[string]any{"name": "nginx", "channel": "stable"},
	})
	c.Check(parsed["packages"], gc.DeepEquals, []any{"curl"})
}

func (s *renderSuite) TestRenderClassicSnap(c *gc.C) {
	classic := &egg.Egg{
		Name: "tooling",
		Type: egg.TypeSnap,
		Snap: &egg.SnapSpec{SnapName: "go", Channel: "1.23/stable", Classic: true},
	}
	out, err := s.engine.Render([]*egg.Egg{classic})
	c.Assert(err, jc.ErrorIsNil)

	var parsed map[string]any
	c.Assert(yaml.Unmarshal([]byte(out), &parsed), jc.ErrorIsNil)
	c.Check(parsed["snaps"], gc.DeepEquals, []any{
		map[string]any{"name": "go", "channel": "1.23/stable", "classic": true},
	})
}

func (s *renderSuite) TestRenderLXDImages(c *gc.C) {
	container := &egg.Egg{
		Name: "db",
		Type: egg.TypeLXDContainer,
		LXD:  &egg.LXDSpec{ImageAlias: "postgres", Profiles: []string{"default"}},
	}
	vm := &egg.Egg{
		Name: "win",
		Type: egg.TypeLXDVM,
		LXD:  &egg.LXDSpec{ImageURL: "https://images.example.com/win"},
	}
	out, err := s.engine.Render([]*egg.Egg{container, vm})
	c.Assert(err, jc.ErrorIsNil)

	var parsed map[string]any
	c.Assert(yaml.Unmarshal([]byte(out), &parsed), jc.ErrorIsNil)
	lxd, ok := parsed["lxd"].(map[string]any)
	c.Assert(ok, jc.IsTrue)
	images, ok := lxd["images"].([]any)
	c.Assert(ok, jc.IsTrue)
	c.Assert(images, gc.HasLen, 2)
	c.Check(images[0], gc.DeepEquals, map[string]any{
		"type": "container", "alias": "postgres", "profiles": []any{"default"},
	})
	c.Check(images[1], gc.DeepEquals, map[string]any{
		"type": "vm", "url": "https://images.example.com/win",
	})
}

func (s *renderSuite) TestRenderDeterministic(c *gc.C) {
	input := []*egg.Egg{
		cloudInitEgg("base", "packages:\n  - curl\nwrite_files:\n  - path: /etc/motd\n    content: hi"),
		snapEgg("web", "nginx", "stable"),
		cloudInitEgg("extra", "packages:\n  - vim\nhostname: node"),
	}
	first, err := s.engine.Render(input)
	c.Assert(err, jc.ErrorIsNil)
	for i := 0; i < 5; i++ {
		again, err := s.engine.Render(input)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(again, gc.Equals, first)
	}
}

func (s *renderSuite) TestRenderRejectsNonMapping(c *gc.C) {
	_, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("broken", "- just\n- a\n- list"),
	})
	c.Assert(err, jc.ErrorIs, eggs.ErrInvalidCloudInit)
}

func (s *renderSuite) TestRenderRejectsInvalidUTF8(c *gc.C) {
	_, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("broken", "key: \xff\xfe"),
	})
	c.Assert(err, jc.ErrorIs, eggs.ErrInvalidCloudInit)
}

func (s *renderSuite) TestRenderSizeLimit(c *gc.C) {
	engine, err := eggs.NewEngine(newFakeCatalog(), 256)
	c.Assert(err, jc.ErrorIsNil)

	_, err = engine.Render([]*egg.Egg{
		cloudInitEgg("big", "blob: "+strings.Repeat("x", 1024)),
	})
	c.Assert(err, jc.ErrorIs, eggs.ErrTooLarge)
}

func (s *renderSuite) TestRenderNoFlowStyle(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("flowy", "packages: [curl, vim]"),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.Contains(out, "["), jc.IsFalse)
	c.Check(strings.Contains(out, "{"), jc.IsFalse)
}

func (s *renderSuite) TestValidateRoundTrip(c *gc.C) {
	out, err := s.engine.Render([]*egg.Egg{
		cloudInitEgg("base", "packages:\n  - curl"),
		snapEgg("web", "nginx", ""),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(eggs.Validate(out), jc.ErrorIsNil)
}

func (s *renderSuite) TestValidateRejectsScalars(c *gc.C) {
	err := eggs.Validate("just a string")
	c.Assert(err, jc.ErrorIs, eggs.ErrInvalidCloudInit)
}

func (s *renderSuite) TestValidateRejectsBadSyntax(c *gc.C) {
	err := eggs.Validate("key: [unclosed")
	c.Assert(err, jc.ErrorIs, eggs.ErrInvalidCloudInit)
}
