// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eggs

import (
	"github.com/juju/errors"
)

const (
	// ErrConfig means the egg set cannot be composed at all, for
	// example because the dependency graph has a cycle.
	ErrConfig = errors.ConstError("egg configuration error")

	// ErrArchMismatch means an egg requires an architecture the
	// target machine does not have.
	ErrArchMismatch = errors.ConstError("architecture mismatch")

	// ErrInsufficientResources means the target machine is below an
	// egg's RAM or disk floor.
	ErrInsufficientResources = errors.ConstError("insufficient resources")

	// ErrInvalidCloudInit means an egg's cloud-init fragment is not a
	// YAML mapping, or is not valid UTF-8.
	ErrInvalidCloudInit = errors.ConstError("invalid cloud-init")

	// ErrTooLarge means the rendered cloud-init exceeds the
	// configured size limit.
	ErrTooLarge = errors.ConstError("rendered cloud-init too large")

	// ErrDepthLimit means a dependency chain exceeds the supported
	// depth.
	ErrDepthLimit = errors.ConstError("dependency depth limit exceeded")
)
