// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/agent"
	"github.com/canonical/hatchery/internal/agentauth"
)

type workerEnrollRequest struct {
	SharedKey    string   `json:"shared_key"`
	WorkerID     string   `json:"worker_id"`
	Site         string   `json:"site"`
	Interface    string   `json:"interface"`
	BaseURL      string   `json:"base_url"`
	DHCPMode     string   `json:"dhcp_mode"`
	Capabilities []string `json:"capabilities"`
}

type enrollResponse struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

func (s *Server) handleWorkerEnroll(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req workerEnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	result, err := s.config.Auth.EnrollWorker(r.Context(), agentauth.WorkerEnrollRequest{
		SharedKey:    req.SharedKey,
		WorkerID:     req.WorkerID,
		Site:         req.Site,
		Interface:    req.Interface,
		BaseURL:      req.BaseURL,
		DHCPMode:     agent.DHCPMode(req.DHCPMode),
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, enrollResponse{
		ID:             result.AgentID,
		Token:          result.Token,
		TokenExpiresAt: result.TokenExpiresAt,
	})
}

type heartbeatResponse struct {
	Acknowledged          bool   `json:"acknowledged"`
	NextIntervalSeconds   int    `json:"next_heartbeat_interval_seconds"`
	Token                 string `json:"token,omitempty"`
	TokenRefreshSupported bool   `json:"token_refresh_supported"`
}

// handleWorkerHeartbeat records worker liveness. The session token is
// refreshed implicitly when it nears expiry.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	token := bearerToken(r)
	if token == "" {
		return errUnauthorized
	}
	result, fresh, err := s.config.Auth.WorkerHeartbeat(r.Context(), token)
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, heartbeatResponse{
		Acknowledged:          result.Acknowledged,
		NextIntervalSeconds:   int(result.NextHeartbeatInterval / time.Second),
		Token:                 fresh,
		TokenRefreshSupported: true,
	})
}

type createEnrollmentKeyRequest struct {
	Scope      string `json:"scope"`
	TTLSeconds int    `json:"ttl_seconds"`
	SingleUse  bool   `json:"single_use"`
}

type createEnrollmentKeyResponse struct {
	KeyID string `json:"key_id"`
	// Secret is returned exactly once; only its hash is stored.
	Secret string `json:"secret"`
}

func (s *Server) handleCreateEnrollmentKey(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error {
	var req createEnrollmentKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	id, secret, err := s.config.Auth.CreateEnrollmentKey(r.Context(), req.Scope, ttl, req.SingleUse)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("enrollment key %s created by %s", id, caller.Subject)
	return writeJSON(w, http.StatusCreated, createEnrollmentKeyResponse{KeyID: id, Secret: secret})
}

type agentEnrollRequest struct {
	KeyID        string   `json:"key_id"`
	KeySecret    string   `json:"key_secret"`
	Name         string   `json:"name"`
	AgentType    string   `json:"agent_type"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`
	MachineID    string   `json:"machine_id"`
}

func (s *Server) handleAgentEnroll(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	var req agentEnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	result, err := s.config.Auth.EnrollAgent(r.Context(), agentauth.EnrollRequest{
		KeyID:        req.KeyID,
		KeySecret:    req.KeySecret,
		Name:         req.Name,
		AgentType:    req.AgentType,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		MachineID:    req.MachineID,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, enrollResponse{
		ID:             result.AgentID,
		Token:          result.Token,
		TokenExpiresAt: result.TokenExpiresAt,
	})
}

type agentHeartbeatRequest struct {
	Stats agent.QuickStats `json:"stats"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	token := bearerToken(r)
	if token == "" {
		return errUnauthorized
	}
	var req agentHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	result, err := s.config.Auth.Heartbeat(r.Context(), token, req.Stats)
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, heartbeatResponse{
		Acknowledged:        result.Acknowledged,
		NextIntervalSeconds: int(result.NextHeartbeatInterval / time.Second),
	})
}

type tokenRefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	token := bearerToken(r)
	if token == "" {
		return errUnauthorized
	}
	fresh, expiresAt, err := s.config.Auth.RefreshToken(r.Context(), token)
	if err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, tokenRefreshResponse{Token: fresh, ExpiresAt: expiresAt})
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAgentSuspend(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error {
	var req suspendRequest
	if err := decodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	if err := s.config.Auth.Suspend(r.Context(), mux.Vars(r)["id"], caller.Subject, req.Reason); err != nil {
		return errors.Trace(err)
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"suspended": true})
}

type agentResponse struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	MachineID       string           `json:"machine_id,omitempty"`
	AgentType       string           `json:"agent_type,omitempty"`
	Status          string           `json:"status"`
	SuspendReason   string           `json:"suspend_reason,omitempty"`
	QuickStats      agent.QuickStats `json:"quick_stats"`
	LastHeartbeatAt *time.Time       `json:"last_heartbeat_at,omitempty"`
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request, _ agentauth.Claims) error {
	status := agent.Status(r.URL.Query().Get("status"))
	if status != "" {
		if err := status.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	agents, err := s.config.State.Agents(r.Context(), status)
	if err != nil {
		return errors.Trace(err)
	}
	out := make([]agentResponse, len(agents))
	for i, a := range agents {
		out[i] = agentResponse{
			ID:              a.ID,
			Name:            a.Name,
			MachineID:       a.MachineID,
			AgentType:       a.AgentType,
			Status:          string(a.Status),
			SuspendReason:   a.SuspendReason,
			QuickStats:      a.QuickStats,
			LastHeartbeatAt: a.LastHeartbeatAt,
		}
	}
	return writeJSON(w, http.StatusOK, out)
}
