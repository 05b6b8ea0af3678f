// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eggs_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/internal/eggs"
)

type resolveSuite struct{}

var _ = gc.Suite(&resolveSuite{})

func (s *resolveSuite) engine(c *gc.C, catalog *fakeCatalog) *eggs.Engine {
	engine, err := eggs.NewEngine(catalog, 0)
	c.Assert(err, jc.ErrorIsNil)
	return engine
}

func (s *resolveSuite) TestResolveDependencyOrder(c *gc.C) {
	catalog := newFakeCatalog()
	base := catalog.add(cloudInitEgg("base", "packages: [curl]"))
	web := catalog.add(snapEgg("web", "nginx", ""))
	web.Dependencies = []string{base.ID}

	engine := s.engine(c, catalog)
	resolved, err := engine.Resolve(context.Background(), eggs.EggRefs("web"), testMachine())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resolved, gc.HasLen, 2)
	c.Check(resolved[0].Name, gc.Equals, "base")
	c.Check(resolved[1].Name, gc.Equals, "web")
}

func (s *resolveSuite) TestResolveStableOnTies(c *gc.C) {
	catalog := newFakeCatalog()
	catalog.add(cloudInitEgg("charlie", "c: 1"))
	catalog.add(cloudInitEgg("alpha", "a: 1"))
	catalog.add(cloudInitEgg("bravo", "b: 1"))

	engine := s.engine(c, catalog)
	resolved, err := engine.Resolve(context.Background(),
		eggs.EggRefs("charlie", "alpha", "bravo"), testMachine())
	c.Assert(err, jc.ErrorIsNil)

	// No dependencies between them: declared order wins, repeatably.
	var names []string
	for _, e := range resolved {
		names = append(names, e.Name)
	}
	c.Check(names, gc.DeepEquals, []string{"charlie", "alpha", "bravo"})

	again, err := engine.Resolve(context.Background(),
		eggs.EggRefs("charlie", "alpha", "bravo"), testMachine())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(again, gc.DeepEquals, resolved)
}

func (s *resolveSuite) TestResolveGroupExpandsInDeclaredOrder(c *gc.C) {
	catalog := newFakeCatalog()
	catalog.add(cloudInitEgg("first", "a: 1"))
	catalog.add(cloudInitEgg("second", "b: 1"))
	catalog.addGroup(&egg.Group{
		Name: "bundle",
		Members: []egg.GroupMember{
			{EggID: "second", Order: 2},
			{EggID: "first", Order: 1},
		},
	})

	engine := s.engine(c, catalog)
	resolved, err := engine.Resolve(context.Background(),
		[]eggs.Ref{{Kind: eggs.RefGroup, ID: "bundle"}}, testMachine())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resolved, gc.HasLen, 2)
	c.Check(resolved[0].Name, gc.Equals, "first")
	c.Check(resolved[1].Name, gc.Equals, "second")
}

func (s *resolveSuite) TestResolveCycleFails(c *gc.C) {
	catalog := newFakeCatalog()
	a := catalog.add(cloudInitEgg("a", "a: 1"))
	b := catalog.add(cloudInitEgg("b", "b: 1"))
	a.Dependencies = []string{b.ID}
	b.Dependencies = []string{a.ID}

	engine := s.engine(c, catalog)
	_, err := engine.Resolve(context.Background(), eggs.EggRefs("a"), testMachine())
	c.Assert(err, jc.ErrorIs, eggs.ErrConfig)
	c.Assert(err, gc.ErrorMatches, ".*cycle.*")
}

func (s *resolveSuite) TestResolveArchMismatch(c *gc.C) {
	catalog := newFakeCatalog()
	e := catalog.add(cloudInitEgg("amd-only", "a: 1"))
	e.RequiredArch = "amd64"

	target := testMachine()
	target.Architecture = "arm64"

	engine := s.engine(c, catalog)
	_, err := engine.Resolve(context.Background(), eggs.EggRefs("amd-only"), target)
	c.Assert(err, jc.ErrorIs, eggs.ErrArchMismatch)
}

func (s *resolveSuite) TestResolveInsufficientResources(c *gc.C) {
	catalog := newFakeCatalog()
	e := catalog.add(cloudInitEgg("hungry", "a: 1"))
	e.MinRAMMB = 32768

	engine := s.engine(c, catalog)
	_, err := engine.Resolve(context.Background(), eggs.EggRefs("hungry"), testMachine())
	c.Assert(err, jc.ErrorIs, eggs.ErrInsufficientResources)

	e.MinRAMMB = 0
	e.MinDiskGB = 1000
	_, err = engine.Resolve(context.Background(), eggs.EggRefs("hungry"), testMachine())
	c.Assert(err, jc.ErrorIs, eggs.ErrInsufficientResources)
}

func (s *resolveSuite) TestResolveDepth256(c *gc.C) {
	catalog, root := chainCatalog(256)
	engine := s.engine(c, catalog)
	resolved, err := engine.Resolve(context.Background(), eggs.EggRefs(root), testMachine())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resolved, gc.HasLen, 256)
	// Deepest dependency deploys first.
	c.Check(resolved[0].Name, gc.Equals, "chain-255")
	c.Check(resolved[255].Name, gc.Equals, "chain-0")
}

func (s *resolveSuite) TestResolveDepth4096Rejected(c *gc.C) {
	catalog, root := chainCatalog(4096)
	engine := s.engine(c, catalog)
	_, err := engine.Resolve(context.Background(), eggs.EggRefs(root), testMachine())
	c.Assert(err, jc.ErrorIs, eggs.ErrDepthLimit)
}

func (s *resolveSuite) TestResolveInactiveEggRejected(c *gc.C) {
	catalog := newFakeCatalog()
	e := catalog.add(cloudInitEgg("stale", "a: 1"))
	e.IsActive = false

	engine := s.engine(c, catalog)
	_, err := engine.Resolve(context.Background(), eggs.EggRefs("stale"), testMachine())
	c.Assert(err, jc.ErrorIs, eggs.ErrConfig)
}

func (s *resolveSuite) TestResolveDiamondDependency(c *gc.C) {
	catalog := newFakeCatalog()
	base := catalog.add(cloudInitEgg("base", "a: 1"))
	left := catalog.add(cloudInitEgg("left", "b: 1"))
	right := catalog.add(cloudInitEgg("right", "c: 1"))
	top := catalog.add(cloudInitEgg("top", "d: 1"))
	left.Dependencies = []string{base.ID}
	right.Dependencies = []string{base.ID}
	top.Dependencies = []string{left.ID, right.ID}

	engine := s.engine(c, catalog)
	resolved, err := engine.Resolve(context.Background(), eggs.EggRefs("top"), testMachine())
	c.Assert(err, jc.ErrorIsNil)

	var names []string
	for _, e := range resolved {
		names = append(names, e.Name)
	}
	c.Check(names, gc.DeepEquals, []string{"base", "left", "right", "top"})
}
