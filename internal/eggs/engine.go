// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package eggs implements the composition engine: dependency
// resolution of eggs against a target machine, and the deterministic
// merge of their cloud-init fragments into a single payload.
package eggs

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/hatchery/core/egg"
)

var logger = loggo.GetLogger("hatchery.eggs")

// DefaultMaxRenderedBytes caps the rendered cloud-init size unless
// configured otherwise.
const DefaultMaxRenderedBytes = 512 * 1024

// maxDependencyDepth bounds how deep a dependency chain may go.
// Catalogs in the field sit well under this; anything deeper is
// treated as a configuration defect rather than resolved.
const maxDependencyDepth = 2048

// Catalog is the read side of the egg store the engine resolves
// against.
type Catalog interface {
	// Egg returns the egg with the given id.
	Egg(ctx context.Context, id string) (*egg.Egg, error)

	// Group returns the group with the given id.
	Group(ctx context.Context, id string) (*egg.Group, error)
}

// RefKind says whether a reference names a single egg or a group.
type RefKind string

const (
	RefEgg   RefKind = "egg"
	RefGroup RefKind = "group"
)

// Ref is a caller-supplied reference to resolve.
type Ref struct {
	Kind RefKind
	ID   string
}

// EggRefs is a convenience for building a plain list of egg refs.
func EggRefs(ids ...string) []Ref {
	refs := make([]Ref, len(ids))
	for i, id := range ids {
		refs[i] = Ref{Kind: RefEgg, ID: id}
	}
	return refs
}

// Engine composes eggs for target machines.
type Engine struct {
	catalog          Catalog
	maxRenderedBytes int
}

// NewEngine returns an engine over the given catalog. A
// maxRenderedBytes of zero means the default limit.
func NewEngine(catalog Catalog, maxRenderedBytes int) (*Engine, error) {
	if catalog == nil {
		return nil, errors.NotValidf("nil catalog")
	}
	if maxRenderedBytes <= 0 {
		maxRenderedBytes = DefaultMaxRenderedBytes
	}
	return &Engine{
		catalog:          catalog,
		maxRenderedBytes: maxRenderedBytes,
	}, nil
}
