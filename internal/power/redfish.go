// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package power

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/juju/errors"
)

// systemPath is the Redfish resource most single-node BMCs expose.
// Multi-system chassis are out of scope.
const systemPath = "/redfish/v1/Systems/1"

// RedfishDriver drives BMCs over the Redfish REST API.
type RedfishDriver struct {
	client *http.Client
}

// NewRedfishDriver returns a Redfish driver. A nil client gets a
// default that skips certificate verification, since BMCs almost
// universally present self-signed certificates.
func NewRedfishDriver(client *http.Client) *RedfishDriver {
	if client == nil {
		client = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	return &RedfishDriver{client: client}
}

func (d *RedfishDriver) do(ctx context.Context, creds Credentials, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reader = bytes.NewReader(payload)
	}
	url := fmt.Sprintf("https://%s%s", creds.Address, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			return nil, errors.Annotatef(ErrTimeout, "redfish against %s", creds.Address)
		}
		return nil, errors.Annotatef(ErrBackend, "redfish against %s: %v", creds.Address, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(ErrBackend, "reading redfish response: %v", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Annotatef(ErrAuth, "redfish %s returned %d", path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, errors.Annotatef(ErrUnsupported, "redfish %s returned %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, errors.Annotatef(ErrBackend, "redfish %s returned %d", path, resp.StatusCode)
	}
	return data, nil
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "Client.Timeout") ||
		strings.Contains(err.Error(), "context deadline exceeded")
}

func (d *RedfishDriver) reset(ctx context.Context, creds Credentials, resetType string) error {
	_, err := d.do(ctx, creds, http.MethodPost,
		systemPath+"/Actions/ComputerSystem.Reset",
		map[string]string{"ResetType": resetType})
	return errors.Trace(err)
}

// On implements Driver.
func (d *RedfishDriver) On(ctx context.Context, creds Credentials) error {
	return d.reset(ctx, creds, "On")
}

// Off implements Driver.
func (d *RedfishDriver) Off(ctx context.Context, creds Credentials) error {
	return d.reset(ctx, creds, "ForceOff")
}

// Cycle implements Driver.
func (d *RedfishDriver) Cycle(ctx context.Context, creds Credentials) error {
	return d.reset(ctx, creds, "PowerCycle")
}

// Reset implements Driver.
func (d *RedfishDriver) Reset(ctx context.Context, creds Credentials) error {
	return d.reset(ctx, creds, "ForceRestart")
}

// Status implements Driver.
func (d *RedfishDriver) Status(ctx context.Context, creds Credentials) (State, error) {
	data, err := d.do(ctx, creds, http.MethodGet, systemPath, nil)
	if err != nil {
		return StateUnknown, errors.Trace(err)
	}
	var system struct {
		PowerState string `json:"PowerState"`
	}
	if err := json.Unmarshal(data, &system); err != nil {
		return StateUnknown, errors.Annotatef(ErrBackend, "decoding redfish system: %v", err)
	}
	switch system.PowerState {
	case "On":
		return StateOn, nil
	case "Off":
		return StateOff, nil
	}
	return StateUnknown, nil
}

// SetNextBoot implements Driver.
func (d *RedfishDriver) SetNextBoot(ctx context.Context, creds Credentials, device BootDevice, persistence Persistence) error {
	var target string
	switch device {
	case BootDevicePXE:
		target = "Pxe"
	case BootDeviceDisk:
		target = "Hdd"
	case BootDeviceBIOS:
		target = "BiosSetup"
	default:
		return errors.NotValidf("boot device %q", device)
	}
	enabled := "Once"
	if persistence == Persistent {
		enabled = "Continuous"
	}
	_, err := d.do(ctx, creds, http.MethodPatch, systemPath, map[string]any{
		"Boot": map[string]string{
			"BootSourceOverrideTarget":  target,
			"BootSourceOverrideEnabled": enabled,
		},
	})
	return errors.Trace(err)
}
