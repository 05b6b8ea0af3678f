// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package egg defines the deployable units of the system. An egg is
// the smallest composable deployment primitive: a snap, a cloud-init
// fragment, or an LXD image. Groups bundle eggs into one atomic
// deployment.
package egg

import (
	"time"

	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/machine"
)

// Type discriminates the egg tagged union.
type Type string

const (
	TypeSnap         Type = "snap"
	TypeCloudInit    Type = "cloud_init"
	TypeLXDContainer Type = "lxd_container"
	TypeLXDVM        Type = "lxd_vm"
)

// Validate returns an error for unrecognised egg types.
func (t Type) Validate() error {
	switch t {
	case TypeSnap, TypeCloudInit, TypeLXDContainer, TypeLXDVM:
		return nil
	}
	return errors.NotValidf("egg type %q", string(t))
}

// ArchAny relaxes the architecture requirement of an egg.
const ArchAny = "any"

// SnapSpec is the payload of a snap egg.
type SnapSpec struct {
	SnapName string `yaml:"snap_name" json:"snap_name"`
	Channel  string `yaml:"channel" json:"channel"`
	Classic  bool   `yaml:"classic" json:"classic"`
}

// CloudInitSpec is the payload of a cloud-init egg. Content must be a
// YAML mapping; the engine rejects anything else at render time.
type CloudInitSpec struct {
	Content string `yaml:"content" json:"content"`
}

// LXDSpec is the payload of an lxd_container or lxd_vm egg.
type LXDSpec struct {
	ImageAlias string   `yaml:"image_alias" json:"image_alias"`
	ImageURL   string   `yaml:"image_url" json:"image_url"`
	Profiles   []string `yaml:"profiles" json:"profiles"`
}

// Egg is a deployable unit in the catalog.
type Egg struct {
	ID          string
	Name        string
	DisplayName string
	Version     string
	Category    string
	Type        Type

	Snap      *SnapSpec
	CloudInit *CloudInitSpec
	LXD       *LXDSpec

	// Dependencies lists egg ids that must be deployed before this
	// one. The catalog keeps the graph acyclic.
	Dependencies []string

	MinRAMMB     int
	MinDiskGB    int
	RequiredArch string

	// IgnoreErrors turns a deployment failure of this egg into a
	// warning instead of failing the whole job.
	IgnoreErrors bool

	IsActive  bool
	Checksum  string
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the egg's internal consistency: the payload present
// must match the declared type.
func (e *Egg) Validate() error {
	if e.Name == "" {
		return errors.NotValidf("egg with empty name")
	}
	if err := e.Type.Validate(); err != nil {
		return errors.Trace(err)
	}
	switch e.Type {
	case TypeSnap:
		if e.Snap == nil || e.Snap.SnapName == "" {
			return errors.NotValidf("snap egg %q without snap name", e.Name)
		}
	case TypeCloudInit:
		if e.CloudInit == nil || e.CloudInit.Content == "" {
			return errors.NotValidf("cloud-init egg %q without content", e.Name)
		}
	case TypeLXDContainer, TypeLXDVM:
		if e.LXD == nil || (e.LXD.ImageAlias == "" && e.LXD.ImageURL == "") {
			return errors.NotValidf("lxd egg %q without image", e.Name)
		}
	}
	switch e.RequiredArch {
	case "", ArchAny, string(machine.ArchAMD64), string(machine.ArchARM64):
	default:
		return errors.NotValidf("egg %q required architecture %q", e.Name, e.RequiredArch)
	}
	return nil
}

// SupportsArchitecture reports whether the egg may be deployed on a
// machine of the given architecture.
func (e *Egg) SupportsArchitecture(arch machine.Architecture) bool {
	return e.RequiredArch == "" || e.RequiredArch == ArchAny || e.RequiredArch == string(arch)
}

// GroupMember pairs an egg reference with its position inside a group.
type GroupMember struct {
	EggID string
	Order int
}

// Group is an ordered bundle of eggs composed as one deployment.
type Group struct {
	ID          string
	Name        string
	DisplayName string
	Members     []GroupMember
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BootImage is a bootable OS image: kernel, initrd and optional root
// squashfs held in the blob store.
type BootImage struct {
	ID           string
	Name         string
	Architecture machine.Architecture
	KernelPath   string
	InitrdPath   string
	SquashfsPath string
	KernelParams string
	Checksum     string
	SizeBytes    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BootConfig binds a default image, an optional egg group, and boot
// overrides under one name that machines can be pointed at.
type BootConfig struct {
	ID             string
	Name           string
	ImageID        string
	EggGroupID     string
	TimeoutSeconds int
	ScriptOverride string
	KernelParams   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
