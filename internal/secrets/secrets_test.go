// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package secrets_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/internal/secrets"
)

func Test(t *testing.T) {
	gc.TestingT(t)
}

type cachingSuite struct{}

var _ = gc.Suite(&cachingSuite{})

// countingStore counts backend reads so cache behaviour is visible.
type countingStore struct {
	secrets.Store
	gets int
}

func (s *countingStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.gets++
	return s.Store.Get(ctx, path)
}

func (s *cachingSuite) TestReadThroughCache(c *gc.C) {
	backend := &countingStore{Store: secrets.NewMemoryStore()}
	clk := testclock.NewClock(time.Now())
	store := secrets.NewCachingStore(backend, clk, time.Minute)

	ctx := context.Background()
	c.Assert(store.Put(ctx, "ca/key", []byte("pem")), jc.ErrorIsNil)

	for i := 0; i < 3; i++ {
		value, err := store.Get(ctx, "ca/key")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(string(value), gc.Equals, "pem")
	}
	c.Check(backend.gets, gc.Equals, 1)

	// Past the TTL the backend is consulted again.
	clk.Advance(2 * time.Minute)
	_, err := store.Get(ctx, "ca/key")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(backend.gets, gc.Equals, 2)
}

func (s *cachingSuite) TestWritesInvalidate(c *gc.C) {
	backend := &countingStore{Store: secrets.NewMemoryStore()}
	clk := testclock.NewClock(time.Now())
	store := secrets.NewCachingStore(backend, clk, time.Minute)

	ctx := context.Background()
	c.Assert(store.Put(ctx, "k", []byte("v1")), jc.ErrorIsNil)
	_, err := store.Get(ctx, "k")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(store.Put(ctx, "k", []byte("v2")), jc.ErrorIsNil)
	value, err := store.Get(ctx, "k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(value), gc.Equals, "v2")
}

func (s *cachingSuite) TestDeleteInvalidates(c *gc.C) {
	backend := &countingStore{Store: secrets.NewMemoryStore()}
	clk := testclock.NewClock(time.Now())
	store := secrets.NewCachingStore(backend, clk, time.Minute)

	ctx := context.Background()
	c.Assert(store.Put(ctx, "k", []byte("v")), jc.ErrorIsNil)
	_, err := store.Get(ctx, "k")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(store.Delete(ctx, "k"), jc.ErrorIsNil)
	_, err = store.Get(ctx, "k")
	c.Check(err, jc.Satisfies, func(e error) bool { return e != nil })
}

func (s *cachingSuite) TestMemoryStoreList(c *gc.C) {
	store := secrets.NewMemoryStore()
	ctx := context.Background()
	c.Assert(store.Put(ctx, "ca/private", []byte("a")), jc.ErrorIsNil)
	c.Assert(store.Put(ctx, "ca/public", []byte("b")), jc.ErrorIsNil)
	c.Assert(store.Put(ctx, "bmc/m-1", []byte("c")), jc.ErrorIsNil)

	paths, err := store.List(ctx, "ca/")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(paths, gc.DeepEquals, []string{"ca/private", "ca/public"})
}
