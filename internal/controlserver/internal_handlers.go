// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/agentauth"
	"github.com/canonical/hatchery/internal/blobstore"
	"github.com/canonical/hatchery/internal/ipxe"
)

type bootScriptResponse struct {
	Script    string `json:"script"`
	MachineID string `json:"machine_id"`
	Status    string `json:"status"`
}

// handleBootScript picks the boot script for a MAC. Unknown MACs get
// 404; the worker falls back to its own discovery handling.
func (s *Server) handleBootScript(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	mac, err := machine.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		return errors.Trace(err)
	}
	ctx := r.Context()
	m, err := s.config.State.MachineByMAC(ctx, mac)
	if err != nil {
		return errors.Trace(err)
	}

	decision := ipxe.Decision{
		Machine: &m,
		BaseURL: s.config.BaseURL,
	}
	if base := r.URL.Query().Get("base"); base != "" {
		decision.BaseURL = base
	}

	job, err := s.config.State.ActiveJobForMachine(ctx, m.SystemID)
	switch {
	case err == nil:
		decision.ActiveJob = &job
	case !errors.IsNotFound(err):
		return errors.Trace(err)
	}

	imageID := ""
	if decision.ActiveJob != nil {
		imageID = decision.ActiveJob.ImageID
	} else if m.Status == machine.StatusCommissioning {
		imageID = s.config.CommissioningImageID
	}
	if imageID != "" {
		image, err := s.config.State.BootImage(ctx, imageID)
		if err != nil && !errors.IsNotFound(err) {
			return errors.Trace(err)
		}
		if err == nil {
			decision.Image = &image
		}
	}
	if m.BootConfig != "" {
		cfg, err := s.config.State.BootConfig(ctx, m.BootConfig)
		if err != nil && !errors.IsNotFound(err) {
			return errors.Trace(err)
		}
		if err == nil {
			decision.BootConfig = &cfg
		}
	}

	script, err := ipxe.ForMachine(decision)
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, bootScriptResponse{
		Script:    script,
		MachineID: m.SystemID,
		Status:    string(m.Status),
	})
}

// handleMetaData serves cloud-init meta-data for a machine.
func (s *Server) handleMetaData(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	m, err := s.config.State.Machine(r.Context(), mux.Vars(r)["machine"])
	if err != nil {
		return errors.Trace(err)
	}
	hostname := m.Hostname
	if hostname == "" {
		hostname = m.SystemID
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, err = fmt.Fprintf(w, "instance-id: %s\nlocal-hostname: %s\n", m.SystemID, hostname)
	return errors.Trace(err)
}

// handleUserData serves the cloud-config frozen on the machine's
// active job.
func (s *Server) handleUserData(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	systemID := mux.Vars(r)["machine"]
	job, err := s.config.State.ActiveJobForMachine(r.Context(), systemID)
	if err != nil {
		return errors.Trace(err)
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, err = w.Write([]byte(job.RenderedCloudInit))
	return errors.Trace(err)
}

type imageURLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// handleImageURL presigns a blob store read. Workers never hold blob
// store credentials; they get short-lived URLs instead.
func (s *Server) handleImageURL(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	path := mux.Vars(r)["path"]
	if path == "" {
		return errors.NotValidf("empty image path")
	}
	url, err := s.config.Blobs.Presign(r.Context(), path, blobstore.DefaultPresignTTL, blobstore.MethodGet)
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, imageURLResponse{
		URL:       url,
		ExpiresIn: int(blobstore.DefaultPresignTTL / time.Second),
	})
}

type bootEventRequest struct {
	MAC     string `json:"mac"`
	IP      string `json:"ip"`
	Type    string `json:"event_type"`
	Details string `json:"details"`
	Status  string `json:"status"`
}

// handleBootEvent records a boot milestone and republishes it to the
// orchestrator's per-MAC topic.
func (s *Server) handleBootEvent(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req bootEventRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	mac, err := machine.NormalizeMAC(req.MAC)
	if err != nil {
		return errors.Trace(err)
	}
	ev := bootevent.Event{
		MAC:       mac,
		IP:        req.IP,
		Type:      bootevent.Type(req.Type),
		Details:   req.Details,
		Status:    req.Status,
		Timestamp: s.config.Clock.Now(),
	}
	if ev.Type == bootevent.TypeDHCPRequest {
		// DHCP sightings register machines that were never seen before.
		if _, err := s.config.Inventory.Discover(r.Context(), mac, req.IP); err != nil {
			return errors.Trace(err)
		}
	} else if err := s.config.Inventory.RecordBootEvent(r.Context(), ev); err != nil {
		return errors.Trace(err)
	}
	s.config.Hub.Publish(bootevent.Topic(mac), ev)
	return writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// jobResponse is the wire form of a deployment job.
type jobResponse struct {
	ID              string     `json:"id"`
	MachineID       string     `json:"machine_id"`
	ImageID         string     `json:"image_id"`
	EggsToDeploy    []string   `json:"eggs_to_deploy"`
	Status          string     `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	LogOutput       string     `json:"log_output,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toJobResponse(j deployment.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		MachineID:       j.MachineID,
		ImageID:         j.ImageID,
		EggsToDeploy:    j.EggsToDeploy,
		Status:          string(j.Status),
		ProgressPercent: j.ProgressPercent,
		ErrorMessage:    j.ErrorMessage,
		LogOutput:       j.LogOutput,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CreatedAt:       j.CreatedAt,
	}
}

// machineResponse is the wire form of a machine.
type machineResponse struct {
	SystemID         string     `json:"system_id"`
	MACAddress       string     `json:"mac_address"`
	Status           string     `json:"status"`
	Hostname         string     `json:"hostname,omitempty"`
	IP               string     `json:"ip,omitempty"`
	Architecture     string     `json:"architecture,omitempty"`
	Zone             string     `json:"zone,omitempty"`
	Pool             string     `json:"pool,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	AssignedEggs     []string   `json:"assigned_eggs,omitempty"`
	BootConfig       string     `json:"boot_config,omitempty"`
	ReimageRequested bool       `json:"reimage_requested"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	DeployedAt       *time.Time `json:"deployed_at,omitempty"`
}

func toMachineResponse(m machine.Machine) machineResponse {
	return machineResponse{
		SystemID:         m.SystemID,
		MACAddress:       m.MACAddress,
		Status:           string(m.Status),
		Hostname:         m.Hostname,
		IP:               m.IP,
		Architecture:     string(m.Architecture),
		Zone:             m.Zone,
		Pool:             m.Pool,
		Tags:             m.Tags,
		AssignedEggs:     m.AssignedEggs,
		BootConfig:       m.BootConfig,
		ReimageRequested: m.ReimageRequested,
		LastSeenAt:       m.LastSeenAt,
		DeployedAt:       m.DeployedAt,
	}
}

// eggResponse is the wire form of a catalog egg.
type eggResponse struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	DisplayName  string             `json:"display_name,omitempty"`
	Version      string             `json:"version,omitempty"`
	Category     string             `json:"category,omitempty"`
	Type         string             `json:"type"`
	Snap         *egg.SnapSpec      `json:"snap,omitempty"`
	CloudInit    *egg.CloudInitSpec `json:"cloud_init,omitempty"`
	LXD          *egg.LXDSpec       `json:"lxd,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	IgnoreErrors bool               `json:"ignore_errors"`
	IsActive     bool               `json:"is_active"`
}

func toEggResponse(e egg.Egg) eggResponse {
	return eggResponse{
		ID:           e.ID,
		Name:         e.Name,
		DisplayName:  e.DisplayName,
		Version:      e.Version,
		Category:     e.Category,
		Type:         string(e.Type),
		Snap:         e.Snap,
		CloudInit:    e.CloudInit,
		LXD:          e.LXD,
		Dependencies: e.Dependencies,
		IgnoreErrors: e.IgnoreErrors,
		IsActive:     e.IsActive,
	}
}
