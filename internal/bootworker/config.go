// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bootworker implements the site-local PXE boot service: a
// DHCP responder (full or proxy), a read-only TFTP server for the
// iPXE loaders, and an HTTP service that fetches boot decisions from
// the control plane. The worker holds no authoritative machine state
// and no blob store credentials.
package bootworker

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/agent"
)

// DefaultHTTPPort is the worker HTTP port when HTTP_PORT is unset.
const DefaultHTTPPort = 8080

// Config is the worker configuration, read from the environment.
type Config struct {
	ControlURL    string
	APIKey        string
	WorkerID      string
	Site          string
	DHCPMode      agent.DHCPMode
	DHCPInterface string
	HTTPPort      int
	TFTPRoot      string

	// Full DHCP mode only.
	Subnet     string
	RangeStart string
	RangeEnd   string
	Gateway    string

	// BaseURL is the URL machines reach this worker on; derived from
	// the interface address and HTTP port when unset.
	BaseURL string
}

// ConfigFromEnv reads the worker configuration from the process
// environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		ControlURL:    os.Getenv("CONTROL_URL"),
		APIKey:        os.Getenv("WORKER_API_KEY"),
		WorkerID:      os.Getenv("WORKER_ID"),
		Site:          os.Getenv("SITE"),
		DHCPMode:      agent.DHCPMode(os.Getenv("DHCP_MODE")),
		DHCPInterface: os.Getenv("DHCP_INTERFACE"),
		TFTPRoot:      os.Getenv("TFTP_ROOT"),
		Subnet:        os.Getenv("DHCP_SUBNET"),
		RangeStart:    os.Getenv("DHCP_RANGE_START"),
		RangeEnd:      os.Getenv("DHCP_RANGE_END"),
		Gateway:       os.Getenv("DHCP_GATEWAY"),
		BaseURL:       os.Getenv("BASE_URL"),
		HTTPPort:      DefaultHTTPPort,
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, errors.NotValidf("HTTP_PORT %q", port)
		}
		cfg.HTTPPort = p
	}
	return cfg, errors.Trace(cfg.Validate())
}

// Validate checks the configuration is complete for its DHCP mode.
func (c Config) Validate() error {
	if c.ControlURL == "" {
		return errors.NotValidf("missing CONTROL_URL")
	}
	if c.APIKey == "" {
		return errors.NotValidf("missing WORKER_API_KEY")
	}
	if c.WorkerID == "" {
		return errors.NotValidf("missing WORKER_ID")
	}
	if err := c.DHCPMode.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.DHCPMode != agent.DHCPModeDisabled && c.DHCPInterface == "" {
		return errors.NotValidf("missing DHCP_INTERFACE")
	}
	if c.TFTPRoot == "" {
		return errors.NotValidf("missing TFTP_ROOT")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.NotValidf("http port %d", c.HTTPPort)
	}
	if c.DHCPMode == agent.DHCPModeFull {
		for name, v := range map[string]string{
			"DHCP_SUBNET":      c.Subnet,
			"DHCP_RANGE_START": c.RangeStart,
			"DHCP_RANGE_END":   c.RangeEnd,
			"DHCP_GATEWAY":     c.Gateway,
		} {
			if v == "" {
				return errors.NotValidf("missing %s in full DHCP mode", name)
			}
		}
		if _, _, err := net.ParseCIDR(c.Subnet); err != nil {
			return errors.NotValidf("DHCP_SUBNET %q", c.Subnet)
		}
		for _, ip := range []string{c.RangeStart, c.RangeEnd, c.Gateway} {
			if net.ParseIP(ip) == nil {
				return errors.NotValidf("address %q", ip)
			}
		}
	}
	return nil
}

// baseURL returns the advertised URL, falling back to the given host.
func (c Config) baseURL(host string) string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("http://%s:%d", host, c.HTTPPort)
}
