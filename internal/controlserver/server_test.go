// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
	gc "gopkg.in/check.v1"

	"github.com/canonical/hatchery/core/bootevent"
	"github.com/canonical/hatchery/core/deployment"
	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/core/permission"
	"github.com/canonical/hatchery/internal/agentauth"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/blobstore"
	"github.com/canonical/hatchery/internal/database"
	"github.com/canonical/hatchery/internal/eggs"
	"github.com/canonical/hatchery/internal/inventory"
	"github.com/canonical/hatchery/internal/orchestrator"
	"github.com/canonical/hatchery/internal/secrets"
	"github.com/canonical/hatchery/internal/sshca"
	"github.com/canonical/hatchery/internal/state"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

// recordingJobs is an orchestrator stand-in.
type recordingJobs struct {
	mu        sync.Mutex
	admits    int
	cancels   []string
	inventory *inventory.Service
}

func (j *recordingJobs) Admit() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.admits++
	return nil
}

func (j *recordingJobs) Cancel(jobID, _ string) error {
	j.mu.Lock()
	j.cancels = append(j.cancels, jobID)
	j.mu.Unlock()
	return orchestrator.ErrJobNotRunning
}

func (j *recordingJobs) Release(ctx context.Context, systemID string) error {
	return j.inventory.Release(ctx, systemID)
}

type serverSuite struct {
	st        *state.State
	inventory *inventory.Service
	jobs      *recordingJobs
	tokens    *agentauth.TokenService
	auth      *agentauth.Service
	sink      *audit.RecordingSink
	clock     *testclock.Clock
	hub       *pubsub.SimpleHub
	blobs     *blobstore.MemoryStore
	server    *httptest.Server

	userToken   string
	adminToken  string
	workerToken string
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	db, err := database.OpenInMemory()
	c.Assert(err, jc.ErrorIsNil)
	s.st, err = state.NewState(context.Background(), db)
	c.Assert(err, jc.ErrorIsNil)
	s.sink = &audit.RecordingSink{}
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s.hub = pubsub.NewSimpleHub(nil)
	s.blobs = blobstore.NewMemoryStore()

	engine, err := eggs.NewEngine(eggs.StoreCatalog{Store: s.st}, 0)
	c.Assert(err, jc.ErrorIsNil)
	s.inventory = inventory.NewService(s.st, engine, s.sink, s.clock)
	s.jobs = &recordingJobs{inventory: s.inventory}

	s.tokens, err = agentauth.NewTokenService([]byte("signing-key"), s.clock, 0)
	c.Assert(err, jc.ErrorIsNil)
	s.auth = agentauth.NewService(s.st, s.tokens, s.sink, s.clock, "worker-shared-key")

	secretStore := secrets.NewMemoryStore()
	ca := sshca.NewCA(secretStore, s.sink, s.clock, 0)
	c.Assert(ca.Bootstrap(context.Background()), jc.ErrorIsNil)

	srv, err := NewServer(Config{
		State:      s.st,
		Inventory:  s.inventory,
		Jobs:       s.jobs,
		Auth:       s.auth,
		Tokens:     s.tokens,
		CA:         ca,
		Engine:     engine,
		Blobs:      s.blobs,
		Hub:        s.hub,
		Sink:       s.sink,
		Clock:      s.clock,
		BaseURL:    "http://control.example:8000",
		AdminUsers: []string{"root@example.com"},
		Registerer: prometheus.NewRegistry(),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.server = httptest.NewServer(srv)

	s.userToken, _, err = s.tokens.Issue(agentauth.KindUser, "alice@example.com")
	c.Assert(err, jc.ErrorIsNil)
	s.adminToken, _, err = s.tokens.Issue(agentauth.KindUser, "root@example.com")
	c.Assert(err, jc.ErrorIsNil)
	s.workerToken, _, err = s.tokens.Issue(agentauth.KindWorker, "bw-1")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *serverSuite) TearDownTest(c *gc.C) {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *serverSuite) do(c *gc.C, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, jc.ErrorIsNil)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	if buf.Len() > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		err = json.Unmarshal(buf.Bytes(), &decoded)
		if err != nil {
			// List endpoints return arrays; callers decode those
			// themselves from raw.
			decoded = map[string]interface{}{"raw": buf.String()}
		}
	} else {
		decoded = map[string]interface{}{"raw": buf.String()}
	}
	return resp, decoded
}

func (s *serverSuite) readyMachine(c *gc.C, mac string) machine.Machine {
	m, err := s.inventory.Discover(context.Background(), mac, "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.inventory.Commission(context.Background(), m.SystemID), jc.ErrorIsNil)
	c.Assert(s.inventory.CompleteCommissioning(context.Background(), m.SystemID, "{}"), jc.ErrorIsNil)
	m, err = s.st.Machine(context.Background(), m.SystemID)
	c.Assert(err, jc.ErrorIsNil)
	return m
}

func (s *serverSuite) TestAuthRequired(c *gc.C) {
	resp, body := s.do(c, "GET", "/machines", "", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusUnauthorized)
	c.Check(body["error"], gc.Equals, "unauthorized")
}

func (s *serverSuite) TestWorkerTokenRejectedOnUserRoute(c *gc.C) {
	resp, body := s.do(c, "GET", "/machines", s.workerToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusForbidden)
	c.Check(body["error"], gc.Equals, "forbidden")
}

func (s *serverSuite) TestAdminGuard(c *gc.C) {
	resp, _ := s.do(c, "POST", "/agents/enrollment-keys", s.userToken,
		createEnrollmentKeyRequest{Scope: "default", TTLSeconds: 3600})
	c.Check(resp.StatusCode, gc.Equals, http.StatusForbidden)
}

func (s *serverSuite) TestBootScriptUnknownMAC(c *gc.C) {
	resp, body := s.do(c, "GET", "/internal/boot-script/aa:bb:cc:00:00:01", s.workerToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
	c.Check(body["error"], gc.Equals, "not_found")
}

func (s *serverSuite) TestBootScriptDiscovered(c *gc.C) {
	m, err := s.inventory.Discover(context.Background(), "aa:bb:cc:11:22:33", "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)

	resp, body := s.do(c, "GET", "/internal/boot-script/aa:bb:cc:11:22:33?base=http://worker:8080", s.workerToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["machine_id"], gc.Equals, m.SystemID)
	c.Check(body["status"], gc.Equals, string(machine.StatusDiscovered))
	script, _ := body["script"].(string)
	c.Check(strings.HasPrefix(script, "#!ipxe"), jc.IsTrue)
	c.Check(script, gc.Matches, "(?s).*http://worker:8080.*")
}

func (s *serverSuite) TestBootEventRecordedAndPublished(c *gc.C) {
	m, err := s.inventory.Discover(context.Background(), "aa:bb:cc:11:22:33", "10.0.0.9")
	c.Assert(err, jc.ErrorIsNil)

	received := make(chan bootevent.Event, 1)
	unsub := s.hub.Subscribe(bootevent.Topic("aabbcc112233"), func(_ string, data interface{}) {
		if ev, ok := data.(bootevent.Event); ok {
			received <- ev
		}
	})
	defer unsub()

	resp, body := s.do(c, "POST", "/internal/boot-event", s.workerToken, bootEventRequest{
		MAC:  "AA:BB:CC:11:22:33",
		IP:   "10.0.0.9",
		Type: string(bootevent.TypeBootStart),
	})
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["acknowledged"], gc.Equals, true)

	select {
	case ev := <-received:
		c.Check(ev.Type, gc.Equals, bootevent.TypeBootStart)
	case <-time.After(5 * time.Second):
		c.Fatalf("boot event never published")
	}

	events, err := s.st.BootEvents(context.Background(), "aabbcc112233")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.Not(gc.HasLen), 0)
	last := events[len(events)-1]
	c.Check(last.Type, gc.Equals, bootevent.TypeBootStart)
	c.Check(last.MachineID, gc.Equals, m.SystemID)
}

func (s *serverSuite) TestImageURLPresigns(c *gc.C) {
	err := s.blobs.Put(context.Background(), "images/focal/kernel", strings.NewReader("kernel-bits"), 11)
	c.Assert(err, jc.ErrorIsNil)

	resp, body := s.do(c, "GET", "/internal/image-url/images/focal/kernel", s.workerToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	url, _ := body["url"].(string)
	c.Check(url, gc.Not(gc.Equals), "")
	c.Check(body["expires_in"], gc.Equals, float64(blobstore.DefaultPresignTTL/time.Second))
}

func (s *serverSuite) TestAgentEnrollmentFlow(c *gc.C) {
	resp, body := s.do(c, "POST", "/agents/enrollment-keys", s.adminToken,
		createEnrollmentKeyRequest{Scope: "default", TTLSeconds: 3600, SingleUse: true})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusCreated)
	keyID, _ := body["key_id"].(string)
	secret, _ := body["secret"].(string)
	c.Assert(keyID, gc.Not(gc.Equals), "")
	c.Assert(secret, gc.Not(gc.Equals), "")

	resp, body = s.do(c, "POST", "/agents/enroll", "", agentEnrollRequest{
		KeyID:     keyID,
		KeySecret: secret,
		Name:      "agent-7",
		AgentType: "machine",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	token, _ := body["token"].(string)
	c.Assert(token, gc.Not(gc.Equals), "")

	resp, body = s.do(c, "POST", "/agents/heartbeat", token, agentHeartbeatRequest{})
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["acknowledged"], gc.Equals, true)

	resp, _ = s.do(c, "GET", "/agents?status=active", s.adminToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
}

func (s *serverSuite) TestWorkerEnrollBadKey(c *gc.C) {
	resp, _ := s.do(c, "POST", "/workers/enroll", "", workerEnrollRequest{
		SharedKey: "wrong",
		WorkerID:  "bw-2",
		DHCPMode:  "proxy",
	})
	c.Check(resp.StatusCode, gc.Equals, http.StatusUnauthorized)
}

func (s *serverSuite) TestWorkerEnrollAndHeartbeat(c *gc.C) {
	resp, body := s.do(c, "POST", "/workers/enroll", "", workerEnrollRequest{
		SharedKey: "worker-shared-key",
		WorkerID:  "bw-2",
		Site:      "dc1",
		BaseURL:   "http://worker:8080",
		DHCPMode:  "proxy",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	token, _ := body["token"].(string)
	c.Assert(token, gc.Not(gc.Equals), "")

	resp, body = s.do(c, "POST", "/workers/heartbeat", token, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["acknowledged"], gc.Equals, true)
}

func (s *serverSuite) TestDeploymentCreateCancelIdempotent(c *gc.C) {
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")

	resp, body := s.do(c, "POST", "/deployments", s.userToken, deploymentCreateRequest{
		MachineID: m.SystemID,
		ImageID:   "img-1",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusCreated)
	jobID, _ := body["id"].(string)
	c.Assert(jobID, gc.Not(gc.Equals), "")
	c.Check(s.jobs.admits, gc.Equals, 1)

	resp, body = s.do(c, "POST", fmt.Sprintf("/deployments/%s/cancel", jobID), s.userToken, nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, string(deployment.StatusFailed))

	// Cancelling a terminal job succeeds without effect.
	resp, body = s.do(c, "POST", fmt.Sprintf("/deployments/%s/cancel", jobID), s.userToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, string(deployment.StatusFailed))
}

func (s *serverSuite) TestDeploymentRetry(c *gc.C) {
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")
	job, err := s.inventory.Deploy(context.Background(), m.SystemID, "img-1", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.st.FailJob(context.Background(), job.ID, "boom", s.clock.Now()), jc.ErrorIsNil)
	c.Assert(s.inventory.MarkFailed(context.Background(), m.SystemID), jc.ErrorIsNil)

	resp, body := s.do(c, "POST", fmt.Sprintf("/deployments/%s/retry", job.ID), s.userToken, nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusCreated)
	c.Check(body["id"], gc.Not(gc.Equals), job.ID)
	c.Check(body["status"], gc.Equals, string(deployment.StatusPending))
}

func (s *serverSuite) TestEggLifecycle(c *gc.C) {
	resp, body := s.do(c, "POST", "/eggs", s.userToken, map[string]interface{}{
		"name":       "base-tools",
		"type":       "cloud_init",
		"cloud_init": map[string]string{"content": "packages: [jq]\n"},
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusCreated)
	eggID, _ := body["id"].(string)
	c.Assert(eggID, gc.Not(gc.Equals), "")

	resp, body = s.do(c, "POST", "/eggs/render", s.userToken, renderRequest{EggIDs: []string{eggID}})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	rendered, _ := body["cloud_init"].(string)
	c.Check(rendered, gc.Matches, "(?s).*jq.*")

	resp, _ = s.do(c, "PUT", "/eggs/"+eggID, s.userToken, map[string]interface{}{
		"name":       "base-tools",
		"type":       "cloud_init",
		"cloud_init": map[string]string{"content": "packages: [jq, curl]\n"},
	})
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)

	resp, _ = s.do(c, "DELETE", "/eggs/"+eggID, s.userToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)
}

func (s *serverSuite) TestSSHSign(c *gc.C) {
	now := s.clock.Now()
	c.Assert(s.st.CreateTeam(context.Background(), permission.Team{
		ID: "t-1", Name: "ops", CreatedAt: now, UpdatedAt: now,
	}), jc.ErrorIsNil)
	c.Assert(s.st.AddMembership(context.Background(), permission.Membership{
		TeamID: "t-1", UserID: "alice@example.com", Role: permission.RoleMember,
	}), jc.ErrorIsNil)
	c.Assert(s.st.CreateAssignment(context.Background(), permission.Assignment{
		ID: "as-1", TeamID: "t-1",
		Resource:    permission.ResourceRef{Type: "machine", ID: "m-1"},
		Permissions: []permission.Permission{permission.PermShell},
		Principals:  []string{"ubuntu"},
		CreatedAt:   now, UpdatedAt: now,
	}), jc.ErrorIsNil)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, jc.ErrorIsNil)
	sshPub, err := ssh.NewPublicKey(pub)
	c.Assert(err, jc.ErrorIsNil)
	authorized := string(ssh.MarshalAuthorizedKey(sshPub))

	resp, body := s.do(c, "POST", "/ssh-ca/sign", s.userToken, signRequest{
		PublicKey:       authorized,
		Principals:      []string{"ubuntu"},
		ValiditySeconds: 3600,
		MachineID:       "m-1",
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	cert, _ := body["certificate"].(string)
	c.Check(strings.Contains(cert, "cert-v01@openssh.com"), jc.IsTrue)
}

func (s *serverSuite) TestSSHSignWithoutCapability(c *gc.C) {
	resp, body := s.do(c, "POST", "/ssh-ca/sign", s.userToken, signRequest{
		PublicKey:       "ssh-ed25519 AAAA test",
		Principals:      []string{"ubuntu"},
		ValiditySeconds: 3600,
		MachineID:       "m-1",
	})
	c.Check(resp.StatusCode, gc.Equals, http.StatusForbidden)
	c.Check(body["error"], gc.Equals, "forbidden")
}

func (s *serverSuite) TestMachineHardResetIsAdminOnly(c *gc.C) {
	m := s.readyMachine(c, "aa:bb:cc:11:22:33")

	resp, _ := s.do(c, "POST", fmt.Sprintf("/machines/%s/hard-reset", m.SystemID), s.userToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusForbidden)

	resp, body := s.do(c, "POST", fmt.Sprintf("/machines/%s/hard-reset", m.SystemID), s.adminToken, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(body["status"], gc.Equals, string(machine.StatusDiscovered))
}
