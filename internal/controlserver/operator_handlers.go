// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/core/permission"
	"github.com/canonical/hatchery/internal/agentauth"
	"github.com/canonical/hatchery/internal/eggs"
	"github.com/canonical/hatchery/internal/orchestrator"
	"github.com/canonical/hatchery/internal/sshca"
)

func (s *Server) handleCAPublicKey(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	key, err := s.config.CA.PublicKey(r.Context())
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

type signRequest struct {
	PublicKey       string   `json:"public_key"`
	Principals      []string `json:"principals"`
	ValiditySeconds int      `json:"validity_seconds"`
	MachineID       string   `json:"machine_id"`
}

type signResponse struct {
	Certificate string `json:"certificate"`
}

// handleCASign issues an SSH certificate. The caller must hold the
// shell capability on the target machine; the requested principals
// must be a subset of what their teams grant.
func (s *Server) handleCASign(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error {
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	ctx := r.Context()
	resource := permission.ResourceRef{Type: "machine", ID: req.MachineID}
	allowed, err := s.config.State.UserHasPermission(ctx, caller.Subject, resource, permission.PermShell)
	if err != nil {
		return errors.Trace(err)
	}
	if !allowed {
		return errors.Annotatef(errForbidden, "no shell capability on machine %q", req.MachineID)
	}
	principals, err := s.config.State.AllowedPrincipals(ctx, caller.Subject, resource)
	if err != nil {
		return errors.Trace(err)
	}
	cert, err := s.config.CA.Sign(ctx, sshca.Request{
		UserEmail:         caller.Subject,
		PublicKey:         req.PublicKey,
		Principals:        req.Principals,
		Validity:          time.Duration(req.ValiditySeconds) * time.Second,
		ResourceRef:       fmt.Sprintf("machine/%s", req.MachineID),
		AllowedPrincipals: principals,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, signResponse{Certificate: cert})
}

func (s *Server) handleMachineList(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	status := machine.Status(r.URL.Query().Get("status"))
	if status != "" {
		if err := status.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	machines, err := s.config.State.Machines(r.Context(), status)
	if err != nil {
		return errors.Trace(err)
	}
	out := make([]machineResponse, len(machines))
	for i, m := range machines {
		out[i] = toMachineResponse(m)
	}
	return writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMachineGet(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	m, err := s.config.State.Machine(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, toMachineResponse(m))
}

func (s *Server) handleMachineCommission(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	id := mux.Vars(r)["id"]
	if err := s.config.Inventory.Commission(r.Context(), id); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": string(machine.StatusCommissioning)})
}

func (s *Server) handleMachineRelease(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	id := mux.Vars(r)["id"]
	if err := s.config.Jobs.Release(r.Context(), id); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": string(machine.StatusReady)})
}

func (s *Server) handleMachineReimage(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	if err := s.config.Inventory.RequestReimage(r.Context(), mux.Vars(r)["id"]); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"reimage_requested": true})
}

func (s *Server) handleMachineHardReset(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error {
	if err := s.config.Inventory.HardReset(r.Context(), mux.Vars(r)["id"], caller.Subject); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": string(machine.StatusDiscovered)})
}

type deploymentCreateRequest struct {
	MachineID string   `json:"machine_id"`
	ImageID   string   `json:"image_id"`
	EggIDs    []string `json:"egg_ids"`
}

func (s *Server) handleDeploymentCreate(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req deploymentCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	job, err := s.config.Inventory.Deploy(r.Context(), req.MachineID, req.ImageID, req.EggIDs)
	if err != nil {
		return errors.Trace(err)
	}
	// Kick the orchestrator so the job does not wait for the next
	// admission poll.
	if err := s.config.Jobs.Admit(); err != nil {
		logger.Warningf("admitting new job %s: %v", job.ID, err)
	}
	return writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleDeploymentGet(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	job, err := s.config.State.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleDeploymentCancel is idempotent: cancelling a terminal job
// succeeds without effect.
func (s *Server) handleDeploymentCancel(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error {
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	job, err := s.config.State.Job(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	if job.Status.Terminal() {
		return writeJSON(w, http.StatusOK, toJobResponse(job))
	}
	err = s.config.Jobs.Cancel(id, caller.Subject)
	if errors.Is(err, orchestrator.ErrJobNotRunning) {
		// Not picked up yet; settle it directly.
		now := s.config.Clock.Now()
		if err := s.config.State.FailJob(ctx, id, fmt.Sprintf("cancelled by %s", caller.Subject), now); err != nil {
			return errors.Trace(err)
		}
		if err := s.config.Inventory.MarkFailed(ctx, job.MachineID); err != nil {
			logger.Warningf("marking machine %s failed after cancel: %v", job.MachineID, err)
		}
	} else if err != nil {
		return errors.Trace(err)
	}
	job, err = s.config.State.Job(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleDeploymentRetry opens a fresh job on the same machine; failed
// jobs are never resumed in place.
func (s *Server) handleDeploymentRetry(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	ctx := r.Context()
	job, err := s.config.State.Job(ctx, mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	if job.Status != deployment.StatusFailed {
		return errors.NotValidf("retrying job %q in status %q", job.ID, job.Status)
	}
	fresh, err := s.config.Inventory.Deploy(ctx, job.MachineID, job.ImageID, job.EggsToDeploy)
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.config.Jobs.Admit(); err != nil {
		logger.Warningf("admitting retry job %s: %v", fresh.ID, err)
	}
	return writeJSON(w, http.StatusCreated, toJobResponse(fresh))
}

func (s *Server) handleEggList(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	all, err := s.config.State.Eggs(r.Context())
	if err != nil {
		return errors.Trace(err)
	}
	out := make([]eggResponse, len(all))
	for i, e := range all {
		out[i] = toEggResponse(e)
	}
	return writeJSON(w, http.StatusOK, out)
}

type eggRequest struct {
	Name         string             `json:"name"`
	DisplayName  string             `json:"display_name"`
	Version      string             `json:"version"`
	Category     string             `json:"category"`
	Type         string             `json:"type"`
	Snap         *egg.SnapSpec      `json:"snap"`
	CloudInit    *egg.CloudInitSpec `json:"cloud_init"`
	LXD          *egg.LXDSpec       `json:"lxd"`
	Dependencies []string           `json:"dependencies"`
	IgnoreErrors bool               `json:"ignore_errors"`
	IsActive     *bool              `json:"is_active"`
}

func (r eggRequest) apply(e *egg.Egg) {
	e.Name = r.Name
	e.DisplayName = r.DisplayName
	e.Version = r.Version
	e.Category = r.Category
	e.Type = egg.Type(r.Type)
	e.Snap = r.Snap
	e.CloudInit = r.CloudInit
	e.LXD = r.LXD
	e.Dependencies = r.Dependencies
	e.IgnoreErrors = r.IgnoreErrors
	if r.IsActive != nil {
		e.IsActive = *r.IsActive
	}
}

func (s *Server) handleEggCreate(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req eggRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	now := s.config.Clock.Now()
	e := egg.Egg{
		ID:        fmt.Sprintf("egg-%s", uuid.NewString()[:8]),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(&e)
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := s.config.State.CreateEgg(r.Context(), e); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusCreated, toEggResponse(e))
}

func (s *Server) handleEggUpdate(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req eggRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	ctx := r.Context()
	e, err := s.config.State.Egg(ctx, mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	req.apply(&e)
	e.UpdatedAt = s.config.Clock.Now()
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := s.config.State.UpdateEgg(ctx, e); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, toEggResponse(e))
}

func (s *Server) handleEggDelete(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	if err := s.config.State.DeleteEgg(r.Context(), mux.Vars(r)["id"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type groupRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	EggIDs      []string `json:"egg_ids"`
}

type groupResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	EggIDs      []string `json:"egg_ids"`
}

func toGroupResponse(g egg.Group) groupResponse {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.EggID
	}
	return groupResponse{ID: g.ID, Name: g.Name, DisplayName: g.DisplayName, EggIDs: ids}
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	if req.Name == "" {
		return errors.NotValidf("group with empty name")
	}
	now := s.config.Clock.Now()
	g := egg.Group{
		ID:          fmt.Sprintf("grp-%s", uuid.NewString()[:8]),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Members:     make([]egg.GroupMember, len(req.EggIDs)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, id := range req.EggIDs {
		g.Members[i] = egg.GroupMember{EggID: id}
	}
	if err := s.config.State.CreateGroup(r.Context(), g); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusCreated, toGroupResponse(g))
}

func (s *Server) handleGroupGet(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	g, err := s.config.State.Group(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, toGroupResponse(g))
}

func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	if err := s.config.State.DeleteGroup(r.Context(), mux.Vars(r)["id"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type renderRequest struct {
	EggIDs    []string `json:"egg_ids"`
	GroupID   string   `json:"group_id"`
	MachineID string   `json:"machine_id"`
}

type renderResponse struct {
	CloudInit string   `json:"cloud_init"`
	Ordered   []string `json:"ordered"`
}

// handleEggRender is the dry-run composition endpoint: resolve and
// merge without opening a job.
func (s *Server) handleEggRender(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	ctx := r.Context()
	var target machine.Machine
	if req.MachineID != "" {
		m, err := s.config.State.Machine(ctx, req.MachineID)
		if err != nil {
			return errors.Trace(err)
		}
		target = m
	}
	refs := eggs.EggRefs(req.EggIDs...)
	if req.GroupID != "" {
		refs = append(refs, eggs.Ref{Kind: eggs.RefGroup, ID: req.GroupID})
	}
	if len(refs) == 0 {
		return errors.NotValidf("render request without egg refs")
	}
	ordered, err := s.config.Engine.Resolve(ctx, refs, &target)
	if err != nil {
		return errors.Trace(err)
	}
	rendered, err := s.config.Engine.Render(ordered)
	if err != nil {
		return errors.Trace(err)
	}
	ids := make([]string, len(ordered))
	for i, e := range ordered {
		ids[i] = e.ID
	}
	return writeJSON(w, http.StatusOK, renderResponse{CloudInit: rendered, Ordered: ids})
}
