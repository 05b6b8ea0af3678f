// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eggs

import (
	"context"

	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
)

// CatalogStore is the value-returning read side of the egg store as
// the persistence layer exposes it.
type CatalogStore interface {
	Egg(ctx context.Context, id string) (egg.Egg, error)
	Group(ctx context.Context, id string) (egg.Group, error)
}

// StoreCatalog adapts a CatalogStore to the Catalog interface the
// engine resolves against.
type StoreCatalog struct {
	Store CatalogStore
}

// Egg implements Catalog.
func (c StoreCatalog) Egg(ctx context.Context, id string) (*egg.Egg, error) {
	e, err := c.Store.Egg(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &e, nil
}

// Group implements Catalog.
func (c StoreCatalog) Group(ctx context.Context, id string) (*egg.Group, error) {
	g, err := c.Store.Group(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &g, nil
}

// ResolveAndRender resolves the given egg ids against the target and
// renders the merged cloud-init in one step, returning the resolved
// order alongside the artifact so callers can freeze both on the job.
func (e *Engine) ResolveAndRender(ctx context.Context, eggIDs []string, target machine.Machine) ([]string, string, error) {
	ordered, err := e.Resolve(ctx, EggRefs(eggIDs...), &target)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	rendered, err := e.Render(ordered)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	ids := make([]string, len(ordered))
	for i, resolved := range ordered {
		ids[i] = resolved.ID
	}
	return ids, rendered, nil
}
