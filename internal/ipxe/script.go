// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ipxe renders the boot scripts handed to PXE clients. Script
// selection is a pure function of machine state, the active job and
// the serving worker's base URL; every script terminates in either a
// boot directive or a shell fallback, never an open loop.
package ipxe

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
)

// scriptParams is what the templates see.
type scriptParams struct {
	BaseURL      string
	MAC          string
	MachineID    string
	KernelURL    string
	InitrdURL    string
	SquashfsURL  string
	KernelParams string
	CloudInitURL string
	Message      string
}

var discoveryTemplate = template.Must(template.New("discovery").Parse(`#!ipxe
echo Hatchery: unknown machine {{.MAC}}, booting discovery image
kernel {{.BaseURL}}/images/discovery/vmlinuz hatchery.mac={{.MAC}} hatchery.report={{.BaseURL}}/boot-event ip=dhcp
initrd {{.BaseURL}}/images/discovery/initrd.img
boot
`))

var installTemplate = template.Must(template.New("install").Parse(`#!ipxe
echo Hatchery: installing on {{.MachineID}}
kernel {{.KernelURL}} {{.KernelParams}}
initrd {{.InitrdURL}}
boot
`))

var localBootTemplate = template.Must(template.New("local").Parse(`#!ipxe
echo Hatchery: chaining to local disk
sanboot --no-describe --drive 0x80 || shell
`))

var errorTemplate = template.Must(template.New("error").Parse(`#!ipxe
echo Hatchery boot error: {{.Message}}
echo Dropping to iPXE shell for operator intervention
shell
`))

func render(t *template.Template, p scriptParams) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, p); err != nil {
		return "", errors.Annotatef(err, "rendering %s script", t.Name())
	}
	return buf.String(), nil
}

// Discovery returns the script served for MACs the control plane has
// never seen, or has just reset.
func Discovery(baseURL, mac string) (string, error) {
	return render(discoveryTemplate, scriptParams{BaseURL: baseURL, MAC: mac})
}

// Error returns the parking script served when no boot decision can
// be made; it ends in a shell so an operator can intervene rather
// than letting the machine loop.
func Error(reason string) (string, error) {
	return render(errorTemplate, scriptParams{Message: reason})
}

// LocalBoot returns the chain-to-local-disk script.
func LocalBoot() (string, error) {
	return render(localBootTemplate, scriptParams{})
}

// Install returns the OS installation script for the given image,
// pointing cloud-init at the worker's pass-through endpoint.
func Install(baseURL string, m *machine.Machine, image *egg.BootImage, extraParams string) (string, error) {
	if image == nil {
		return "", errors.NotValidf("nil boot image")
	}
	seedURL := baseURL + "/cloud-init/" + m.SystemID + "/"
	params := []string{
		"initrd=initrd.img",
		"ip=dhcp",
		"ds=nocloud-net;s=" + seedURL,
	}
	if image.SquashfsPath != "" {
		params = append(params, "root=live:"+baseURL+"/images/"+image.SquashfsPath)
	}
	if image.KernelParams != "" {
		params = append(params, image.KernelParams)
	}
	if extraParams != "" {
		params = append(params, extraParams)
	}
	return render(installTemplate, scriptParams{
		MachineID:    m.SystemID,
		KernelURL:    baseURL + "/images/" + image.KernelPath,
		InitrdURL:    baseURL + "/images/" + image.InitrdPath,
		KernelParams: strings.Join(params, " "),
	})
}

// Decision is everything script selection depends on.
type Decision struct {
	Machine    *machine.Machine
	ActiveJob  *deployment.Job
	Image      *egg.BootImage
	BootConfig *egg.BootConfig
	BaseURL    string
}

// ForMachine picks and renders the boot script for a known machine.
// The mapping follows the machine status graph: deploying machines
// boot according to their job's phase, deployed machines chain to
// local disk unless a re-image was requested, failed machines park in
// the shell.
func ForMachine(d Decision) (string, error) {
	m := d.Machine
	if m == nil {
		return "", errors.NotValidf("nil machine")
	}
	if d.BootConfig != nil && d.BootConfig.ScriptOverride != "" {
		return d.BootConfig.ScriptOverride, nil
	}

	extraParams := ""
	if d.BootConfig != nil {
		extraParams = d.BootConfig.KernelParams
	}

	switch m.Status {
	case machine.StatusDiscovered:
		return Discovery(d.BaseURL, m.MACAddress)
	case machine.StatusCommissioning:
		if d.Image == nil {
			return Error("no commissioning image configured")
		}
		return Install(d.BaseURL, m, d.Image, extraParams)
	case machine.StatusReady:
		return LocalBoot()
	case machine.StatusDeploying:
		if d.ActiveJob == nil {
			return Error("machine is deploying but no job is active")
		}
		switch d.ActiveJob.Status {
		case deployment.StatusPending, deployment.StatusPowerOn,
			deployment.StatusPXEBoot, deployment.StatusOSInstall:
			if d.Image == nil {
				return Error("deployment has no boot image")
			}
			return Install(d.BaseURL, m, d.Image, extraParams)
		default:
			// OS already installed; the remaining phases run from
			// local disk.
			return LocalBoot()
		}
	case machine.StatusDeployed:
		if m.ReimageRequested {
			if d.Image == nil {
				return Error("re-image requested but no image configured")
			}
			return Install(d.BaseURL, m, d.Image, extraParams)
		}
		return LocalBoot()
	case machine.StatusFailed:
		return Error("machine is in failed state")
	}
	return Error("machine state " + string(m.Status) + " has no boot path")
}
