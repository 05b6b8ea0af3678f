// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agentauth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/hatchery/core/agent"
	"github.com/canonical/hatchery/internal/audit"
)

var logger = loggo.GetLogger("hatchery.agentauth")

const (
	// ErrInvalidEnrollment means the presented key does not exist, is
	// consumed, or its secret does not match.
	ErrInvalidEnrollment = errors.ConstError("invalid enrollment")

	// ErrEnrollmentExpired means the key existed but its TTL elapsed.
	ErrEnrollmentExpired = errors.ConstError("enrollment expired")

	// ErrSuspended means the agent has been administratively
	// suspended and its credentials no longer work.
	ErrSuspended = errors.ConstError("agent suspended")
)

// DefaultHeartbeatInterval is handed back on every heartbeat ack.
const DefaultHeartbeatInterval = 30 * time.Second

// Store is the persistence the protocol needs.
type Store interface {
	CreateEnrollmentKey(ctx context.Context, key agent.EnrollmentKey) error
	EnrollmentKey(ctx context.Context, id string) (agent.EnrollmentKey, error)
	ConsumeEnrollmentKey(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, a agent.Agent) error
	Agent(ctx context.Context, id string) (agent.Agent, error)
	UpdateAgent(ctx context.Context, a agent.Agent) error

	Worker(ctx context.Context, id string) (agent.Worker, error)
	UpsertWorker(ctx context.Context, w agent.Worker) error
}

// Service implements the enrollment, heartbeat, and suspension flows
// for agents and workers.
type Service struct {
	store  Store
	tokens *TokenService
	sink   audit.Sink
	clock  clock.Clock

	// workerKeyHash is the hash of the long-lived shared key boot
	// workers enroll with.
	workerKeyHash string
}

// NewService wires the protocol together. workerKey is the long-lived
// shared key accepted from enrolling boot workers.
func NewService(store Store, tokens *TokenService, sink audit.Sink, clk clock.Clock, workerKey string) *Service {
	return &Service{
		store:         store,
		tokens:        tokens,
		sink:          sink,
		clock:         clk,
		workerKeyHash: hashSecret(workerKey),
	}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretsEqual(hash, candidate string) bool {
	return hmac.Equal([]byte(hash), []byte(hashSecret(candidate)))
}

// CreateEnrollmentKey mints a new key. The returned secret is shown
// exactly once; only its hash is stored.
func (s *Service) CreateEnrollmentKey(ctx context.Context, scope string, ttl time.Duration, singleUse bool) (id, secret string, err error) {
	if ttl <= 0 {
		return "", "", errors.NotValidf("enrollment key ttl %v", ttl)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", errors.Trace(err)
	}
	secret = hex.EncodeToString(raw)
	now := s.clock.Now()
	key := agent.EnrollmentKey{
		ID:         uuid.NewString(),
		SecretHash: hashSecret(secret),
		Scope:      scope,
		SingleUse:  singleUse,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.store.CreateEnrollmentKey(ctx, key); err != nil {
		return "", "", errors.Trace(err)
	}
	return key.ID, secret, nil
}

// EnrollRequest carries an agent's self-identification.
type EnrollRequest struct {
	KeyID        string
	KeySecret    string
	Name         string
	AgentType    string
	Capabilities []string
	Tags         []string
	MachineID    string
}

// EnrollResult is what a successfully enrolled agent receives.
type EnrollResult struct {
	AgentID        string
	Token          string
	TokenExpiresAt time.Time
}

// EnrollAgent validates the key and admits the agent.
func (s *Service) EnrollAgent(ctx context.Context, req EnrollRequest) (EnrollResult, error) {
	key, err := s.store.EnrollmentKey(ctx, req.KeyID)
	if err != nil {
		if errors.IsNotFound(err) {
			return EnrollResult{}, ErrInvalidEnrollment
		}
		return EnrollResult{}, errors.Trace(err)
	}
	now := s.clock.Now()
	if key.Expired(now) {
		return EnrollResult{}, ErrEnrollmentExpired
	}
	if !key.Usable(now) || !secretsEqual(key.SecretHash, req.KeySecret) {
		return EnrollResult{}, ErrInvalidEnrollment
	}

	a := agent.Agent{
		ID:              uuid.NewString(),
		Name:            req.Name,
		MachineID:       req.MachineID,
		EnrollmentKeyID: key.ID,
		AgentType:       req.AgentType,
		Capabilities:    req.Capabilities,
		Tags:            req.Tags,
		Status:          agent.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return EnrollResult{}, errors.Trace(err)
	}
	if key.SingleUse {
		if err := s.store.ConsumeEnrollmentKey(ctx, key.ID); err != nil {
			return EnrollResult{}, errors.Trace(err)
		}
	}
	token, expiresAt, err := s.tokens.Issue(KindAgent, a.ID)
	if err != nil {
		return EnrollResult{}, errors.Trace(err)
	}
	s.sink.Append(audit.Event{
		Type:        audit.EventAgentEnrolled,
		Severity:    audit.SeverityInfo,
		Actor:       a.Name,
		ResourceRef: fmt.Sprintf("agent/%s", a.ID),
		Details:     map[string]string{"key_id": key.ID, "agent_type": a.AgentType},
		Timestamp:   now,
	})
	return EnrollResult{AgentID: a.ID, Token: token, TokenExpiresAt: expiresAt}, nil
}

// HeartbeatResult acknowledges a heartbeat.
type HeartbeatResult struct {
	Acknowledged          bool
	NextHeartbeatInterval time.Duration
}

// Heartbeat records an agent check-in. An offline agent heartbeating
// again revives silently; a suspended one is refused.
func (s *Service) Heartbeat(ctx context.Context, token string, stats agent.QuickStats) (HeartbeatResult, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return HeartbeatResult{}, errors.Trace(err)
	}
	if claims.Kind != KindAgent {
		return HeartbeatResult{}, errors.Annotate(ErrTokenInvalid, "not an agent token")
	}
	a, err := s.store.Agent(ctx, claims.Subject)
	if err != nil {
		return HeartbeatResult{}, errors.Trace(err)
	}
	if a.Status == agent.StatusSuspended {
		return HeartbeatResult{}, ErrSuspended
	}
	now := s.clock.Now()
	a.Status = agent.StatusActive
	a.QuickStats = stats
	a.LastHeartbeatAt = &now
	a.UpdatedAt = now
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return HeartbeatResult{}, errors.Trace(err)
	}
	return HeartbeatResult{
		Acknowledged:          true,
		NextHeartbeatInterval: DefaultHeartbeatInterval,
	}, nil
}

// RefreshToken exchanges a token within its grace window for a fresh
// one. Suspended agents are refused.
func (s *Service) RefreshToken(ctx context.Context, token string) (newToken string, expiresAt time.Time, err error) {
	claims, err := s.tokens.VerifyForRefresh(token)
	if err != nil {
		return "", time.Time{}, errors.Trace(err)
	}
	if claims.Kind == KindAgent {
		a, err := s.store.Agent(ctx, claims.Subject)
		if err != nil {
			return "", time.Time{}, errors.Trace(err)
		}
		if a.Status == agent.StatusSuspended {
			return "", time.Time{}, ErrSuspended
		}
	}
	return s.tokens.Issue(claims.Kind, claims.Subject)
}

// Suspend marks the agent suspended and records the reason. Its
// token stops working at the next store lookup.
func (s *Service) Suspend(ctx context.Context, agentID, actor, reason string) error {
	a, err := s.store.Agent(ctx, agentID)
	if err != nil {
		return errors.Trace(err)
	}
	now := s.clock.Now()
	a.Status = agent.StatusSuspended
	a.SuspendReason = reason
	a.UpdatedAt = now
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return errors.Trace(err)
	}
	s.sink.Append(audit.Event{
		Type:        audit.EventAgentSuspended,
		Severity:    audit.SeverityWarning,
		Actor:       actor,
		ResourceRef: fmt.Sprintf("agent/%s", agentID),
		Details:     map[string]string{"reason": reason},
		Timestamp:   now,
	})
	return nil
}

// WorkerEnrollRequest carries a boot worker's identity.
type WorkerEnrollRequest struct {
	SharedKey    string
	WorkerID     string
	Site         string
	Interface    string
	BaseURL      string
	DHCPMode     agent.DHCPMode
	Capabilities []string
}

// EnrollWorker admits a boot worker with the long-lived shared key.
// Re-enrollment with the same worker id is idempotent: the record is
// refreshed and a new session token issued.
func (s *Service) EnrollWorker(ctx context.Context, req WorkerEnrollRequest) (EnrollResult, error) {
	if !secretsEqual(s.workerKeyHash, req.SharedKey) {
		return EnrollResult{}, ErrInvalidEnrollment
	}
	if req.WorkerID == "" {
		return EnrollResult{}, errors.NotValidf("worker enrollment without id")
	}
	if err := req.DHCPMode.Validate(); err != nil {
		return EnrollResult{}, errors.Trace(err)
	}
	now := s.clock.Now()
	w := agent.Worker{
		ID:           req.WorkerID,
		Site:         req.Site,
		Interface:    req.Interface,
		BaseURL:      req.BaseURL,
		DHCPMode:     req.DHCPMode,
		Capabilities: req.Capabilities,
		Status:       agent.WorkerActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, err := s.store.Worker(ctx, req.WorkerID); err == nil {
		w.CreatedAt = existing.CreatedAt
		w.LastHeartbeatAt = existing.LastHeartbeatAt
		logger.Debugf("re-enrolling worker %s", req.WorkerID)
	} else if !errors.IsNotFound(err) {
		return EnrollResult{}, errors.Trace(err)
	}
	if err := s.store.UpsertWorker(ctx, w); err != nil {
		return EnrollResult{}, errors.Trace(err)
	}
	token, expiresAt, err := s.tokens.Issue(KindWorker, w.ID)
	if err != nil {
		return EnrollResult{}, errors.Trace(err)
	}
	s.sink.Append(audit.Event{
		Type:        audit.EventWorkerEnrolled,
		Severity:    audit.SeverityInfo,
		Actor:       w.ID,
		ResourceRef: fmt.Sprintf("worker/%s", w.ID),
		Details:     map[string]string{"site": w.Site, "dhcp_mode": string(w.DHCPMode)},
		Timestamp:   now,
	})
	return EnrollResult{AgentID: w.ID, Token: token, TokenExpiresAt: expiresAt}, nil
}

// WorkerHeartbeat records a boot worker check-in. Heartbeats also
// refresh the worker's session implicitly: the result carries a fresh
// token when the current one is in its second half of life.
func (s *Service) WorkerHeartbeat(ctx context.Context, token string) (HeartbeatResult, string, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return HeartbeatResult{}, "", errors.Trace(err)
	}
	if claims.Kind != KindWorker {
		return HeartbeatResult{}, "", errors.Annotate(ErrTokenInvalid, "not a worker token")
	}
	w, err := s.store.Worker(ctx, claims.Subject)
	if err != nil {
		return HeartbeatResult{}, "", errors.Trace(err)
	}
	now := s.clock.Now()
	w.Status = agent.WorkerActive
	w.LastHeartbeatAt = &now
	w.UpdatedAt = now
	if err := s.store.UpsertWorker(ctx, w); err != nil {
		return HeartbeatResult{}, "", errors.Trace(err)
	}
	var refreshed string
	if claims.ExpiresAt.Sub(now) < s.tokens.TTL()/2 {
		refreshed, _, err = s.tokens.Issue(KindWorker, w.ID)
		if err != nil {
			return HeartbeatResult{}, "", errors.Trace(err)
		}
	}
	return HeartbeatResult{
		Acknowledged:          true,
		NextHeartbeatInterval: DefaultHeartbeatInterval,
	}, refreshed, nil
}
