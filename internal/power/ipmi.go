// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package power

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
)

// IPMIDriver drives BMCs over IPMI by shelling out to ipmitool.
type IPMIDriver struct {
	// tool is the ipmitool binary; defaults to "ipmitool" on PATH.
	tool string

	// runCommand is swapped out by tests.
	runCommand func(ctx context.Context, creds Credentials, args ...string) (string, error)
}

// NewIPMIDriver returns a driver invoking the given ipmitool binary.
func NewIPMIDriver(tool string) *IPMIDriver {
	if tool == "" {
		tool = "ipmitool"
	}
	d := &IPMIDriver{tool: tool}
	d.runCommand = d.execIPMITool
	return d
}

// execIPMITool invokes ipmitool with the lanplus interface. The
// password travels through IPMI_PASSWORD in the child environment so
// it never appears in the process table or the logs.
func (d *IPMIDriver) execIPMITool(ctx context.Context, creds Credentials, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	full := append([]string{
		"-I", "lanplus",
		"-H", creds.Address,
		"-U", creds.Username,
		"-E",
	}, args...)

	logger.Debugf("running %s %s", d.tool, shellquote.Join(full...))

	cmd := exec.CommandContext(ctx, d.tool, full...)
	cmd.Env = []string{"IPMI_PASSWORD=" + creds.Password}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.Annotatef(ErrTimeout, "ipmitool against %s", creds.Address)
	}
	if err != nil {
		return "", coerceIPMIError(err, stderr.String())
	}
	return out.String(), nil
}

// coerceIPMIError maps ipmitool failures onto the normalised power
// errors. Stderr text is kept as annotation; it never contains the
// password because of -E.
func coerceIPMIError(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "rakp 2") || strings.Contains(lower, "invalid user name") ||
		strings.Contains(lower, "insufficient privilege") || strings.Contains(lower, "password"):
		return errors.Annotate(ErrAuth, strings.TrimSpace(stderr))
	case strings.Contains(lower, "invalid command") || strings.Contains(lower, "unsupported"):
		return errors.Annotate(ErrUnsupported, strings.TrimSpace(stderr))
	default:
		return errors.Annotatef(ErrBackend, "ipmitool: %s (%v)", strings.TrimSpace(stderr), err)
	}
}

// On implements Driver.
func (d *IPMIDriver) On(ctx context.Context, creds Credentials) error {
	_, err := d.runCommand(ctx, creds, "chassis", "power", "on")
	return errors.Trace(err)
}

// Off implements Driver.
func (d *IPMIDriver) Off(ctx context.Context, creds Credentials) error {
	_, err := d.runCommand(ctx, creds, "chassis", "power", "off")
	return errors.Trace(err)
}

// Cycle implements Driver.
func (d *IPMIDriver) Cycle(ctx context.Context, creds Credentials) error {
	_, err := d.runCommand(ctx, creds, "chassis", "power", "cycle")
	return errors.Trace(err)
}

// Reset implements Driver.
func (d *IPMIDriver) Reset(ctx context.Context, creds Credentials) error {
	_, err := d.runCommand(ctx, creds, "chassis", "power", "reset")
	return errors.Trace(err)
}

// Status implements Driver.
func (d *IPMIDriver) Status(ctx context.Context, creds Credentials) (State, error) {
	out, err := d.runCommand(ctx, creds, "chassis", "power", "status")
	if err != nil {
		return StateUnknown, errors.Trace(err)
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "power is on"):
		return StateOn, nil
	case strings.Contains(lower, "power is off"):
		return StateOff, nil
	}
	return StateUnknown, nil
}

// SetNextBoot implements Driver.
func (d *IPMIDriver) SetNextBoot(ctx context.Context, creds Credentials, device BootDevice, persistence Persistence) error {
	var dev string
	switch device {
	case BootDevicePXE:
		dev = "pxe"
	case BootDeviceDisk:
		dev = "disk"
	case BootDeviceBIOS:
		dev = "bios"
	default:
		return errors.NotValidf("boot device %q", device)
	}
	args := []string{"chassis", "bootdev", dev}
	if persistence == Persistent {
		args = append(args, "options=persistent")
	}
	_, err := d.runCommand(ctx, creds, args...)
	return errors.Trace(err)
}
