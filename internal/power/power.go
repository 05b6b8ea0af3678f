// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package power drives baseboard management controllers through a
// uniform interface. Backends own their transport and normalise their
// failures; the orchestrator never sees a backend-specific error.
package power

import (
	"context"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("hatchery.power")

// Normalised power errors. Backend-specific failures are mapped onto
// these before they leave the package.
const (
	ErrTimeout     = errors.ConstError("power operation timed out")
	ErrAuth        = errors.ConstError("power authentication failed")
	ErrUnsupported = errors.ConstError("power operation unsupported")
	ErrBackend     = errors.ConstError("power backend failure")
)

// State is the reported power state of a machine.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// BootDevice selects what the machine boots next.
type BootDevice string

const (
	BootDevicePXE  BootDevice = "pxe"
	BootDeviceDisk BootDevice = "disk"
	BootDeviceBIOS BootDevice = "bios"
)

// Persistence says whether a boot-device selection outlives one boot.
type Persistence string

const (
	OneShot    Persistence = "one_shot"
	Persistent Persistence = "persistent"
)

// Credentials identify and authenticate against one BMC. They are
// injected per call and never logged.
type Credentials struct {
	Address  string
	Username string
	Password string
}

// Driver is the uniform power interface.
type Driver interface {
	On(ctx context.Context, creds Credentials) error
	Off(ctx context.Context, creds Credentials) error
	Cycle(ctx context.Context, creds Credentials) error
	Reset(ctx context.Context, creds Credentials) error
	Status(ctx context.Context, creds Credentials) (State, error)
	SetNextBoot(ctx context.Context, creds Credentials, device BootDevice, persistence Persistence) error
}

// defaultTimeout bounds every backend invocation.
const defaultTimeout = 30 * time.Second

// Registry hands out drivers by power type and serialises operations
// per BMC so concurrent jobs cannot interleave commands on one
// controller.
type Registry struct {
	drivers map[string]Driver
	bmcLock *kmutex.Kmutex
}

// NewRegistry returns a registry with the standard backends.
func NewRegistry() *Registry {
	return &Registry{
		drivers: map[string]Driver{
			"ipmi":    NewIPMIDriver(""),
			"redfish": NewRedfishDriver(nil),
			"wol":     NewWOLDriver(""),
		},
		bmcLock: kmutex.New(),
	}
}

// Driver returns the driver for the given power type.
func (r *Registry) Driver(powerType string) (Driver, error) {
	d, ok := r.drivers[powerType]
	if !ok {
		return nil, errors.NotFoundf("power driver %q", powerType)
	}
	return &serializedDriver{driver: d, lock: r.bmcLock}, nil
}

// serializedDriver wraps a Driver so calls against the same BMC
// address run one at a time.
type serializedDriver struct {
	driver Driver
	lock   *kmutex.Kmutex
}

func (d *serializedDriver) withLock(creds Credentials, fn func() error) error {
	d.lock.Lock(creds.Address)
	defer d.lock.Unlock(creds.Address)
	return fn()
}

func (d *serializedDriver) On(ctx context.Context, creds Credentials) error {
	return d.withLock(creds, func() error { return d.driver.On(ctx, creds) })
}

func (d *serializedDriver) Off(ctx context.Context, creds Credentials) error {
	return d.withLock(creds, func() error { return d.driver.Off(ctx, creds) })
}

func (d *serializedDriver) Cycle(ctx context.Context, creds Credentials) error {
	return d.withLock(creds, func() error { return d.driver.Cycle(ctx, creds) })
}

func (d *serializedDriver) Reset(ctx context.Context, creds Credentials) error {
	return d.withLock(creds, func() error { return d.driver.Reset(ctx, creds) })
}

func (d *serializedDriver) Status(ctx context.Context, creds Credentials) (State, error) {
	var state State
	err := d.withLock(creds, func() error {
		var err error
		state, err = d.driver.Status(ctx, creds)
		return err
	})
	return state, err
}

func (d *serializedDriver) SetNextBoot(ctx context.Context, creds Credentials, device BootDevice, persistence Persistence) error {
	return d.withLock(creds, func() error {
		return d.driver.SetNextBoot(ctx, creds, device, persistence)
	})
}
