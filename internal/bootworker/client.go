// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bootworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// defaultHeartbeatInterval is used when the control plane does not
// hand one back.
const defaultHeartbeatInterval = 30 * time.Second

// Normalised client errors.
const (
	ErrControlUnavailable = errors.ConstError("control plane unavailable")
	ErrSessionRejected    = errors.ConstError("worker session rejected")
)

// retryAttempts bounds control round trips; delays back off
// exponentially and are capped at one minute.
const (
	retryAttempts = 5
	retryDelay    = time.Second
	retryMaxDelay = time.Minute
)

// ControlClient is the worker's authenticated HTTP client to the
// control plane. It enrolls with the shared worker key and carries
// the resulting session token, re-enrolling transparently when the
// session is rejected.
type ControlClient struct {
	config Config
	httpc  *http.Client
	clock  clock.Clock

	mu    sync.Mutex
	token string
}

// NewControlClient returns an unenrolled client. A nil httpc means a
// default client with a sane timeout.
func NewControlClient(config Config, httpc *http.Client, clk clock.Clock) *ControlClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ControlClient{config: config, httpc: httpc, clock: clk}
}

func (c *ControlClient) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *ControlClient) setSessionToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type workerEnrollBody struct {
	SharedKey    string   `json:"shared_key"`
	WorkerID     string   `json:"worker_id"`
	Site         string   `json:"site"`
	Interface    string   `json:"interface"`
	BaseURL      string   `json:"base_url"`
	DHCPMode     string   `json:"dhcp_mode"`
	Capabilities []string `json:"capabilities"`
}

type enrollReply struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Enroll establishes a session with the control plane.
func (c *ControlClient) Enroll(ctx context.Context) error {
	body := workerEnrollBody{
		SharedKey: c.config.APIKey,
		WorkerID:  c.config.WorkerID,
		Site:      c.config.Site,
		Interface: c.config.DHCPInterface,
		BaseURL:   c.config.BaseURL,
		DHCPMode:  string(c.config.DHCPMode),
	}
	var reply enrollReply
	if err := c.call(ctx, "POST", "/workers/enroll", "", body, &reply); err != nil {
		return errors.Annotate(err, "enrolling worker")
	}
	c.setSessionToken(reply.Token)
	logger.Infof("worker %s enrolled with control plane", c.config.WorkerID)
	return nil
}

type heartbeatReply struct {
	Acknowledged        bool   `json:"acknowledged"`
	NextIntervalSeconds int    `json:"next_heartbeat_interval_seconds"`
	Token               string `json:"token"`
}

// Heartbeat reports liveness and picks up refreshed session tokens.
func (c *ControlClient) Heartbeat(ctx context.Context) (time.Duration, error) {
	var reply heartbeatReply
	if err := c.authedCall(ctx, "POST", "/workers/heartbeat", nil, &reply); err != nil {
		return 0, errors.Trace(err)
	}
	if reply.Token != "" {
		c.setSessionToken(reply.Token)
	}
	interval := time.Duration(reply.NextIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return interval, nil
}

type bootScriptReply struct {
	Script    string `json:"script"`
	MachineID string `json:"machine_id"`
	Status    string `json:"status"`
}

// BootScript asks the control plane for the boot script of a MAC.
func (c *ControlClient) BootScript(ctx context.Context, mac, baseURL string) (bootScriptReply, error) {
	var reply bootScriptReply
	path := fmt.Sprintf("/internal/boot-script/%s?base=%s", mac, baseURL)
	if err := c.authedCall(ctx, "GET", path, nil, &reply); err != nil {
		return bootScriptReply{}, errors.Trace(err)
	}
	return reply, nil
}

// CloudInit fetches a machine's meta-data or user-data verbatim.
func (c *ControlClient) CloudInit(ctx context.Context, machineID, doc string) ([]byte, error) {
	path := fmt.Sprintf("/internal/cloud-init/%s/%s", machineID, doc)
	var raw []byte
	err := c.withSession(ctx, func(token string) error {
		req, err := c.newRequest(ctx, "GET", path, token, nil)
		if err != nil {
			return errors.Trace(err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return errors.Annotate(ErrControlUnavailable, err.Error())
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return errors.Trace(err)
		}
		raw, err = io.ReadAll(resp.Body)
		return errors.Trace(err)
	})
	return raw, errors.Trace(err)
}

type imageURLReply struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// ImageURL asks the control plane to presign a blob read. The worker
// never sees blob store credentials.
func (c *ControlClient) ImageURL(ctx context.Context, path string) (string, error) {
	var reply imageURLReply
	if err := c.authedCall(ctx, "GET", "/internal/image-url/"+path, nil, &reply); err != nil {
		return "", errors.Trace(err)
	}
	return reply.URL, nil
}

type bootEventBody struct {
	MAC     string `json:"mac"`
	IP      string `json:"ip"`
	Type    string `json:"event_type"`
	Details string `json:"details"`
	Status  string `json:"status"`
}

// ReportEvent forwards a boot milestone to the control plane.
func (c *ControlClient) ReportEvent(ctx context.Context, ev bootEventBody) error {
	return errors.Trace(c.authedCall(ctx, "POST", "/internal/boot-event", ev, nil))
}

// authedCall performs a session-authenticated call with bounded
// retry, re-enrolling once if the session is rejected.
func (c *ControlClient) authedCall(ctx context.Context, method, path string, body, reply interface{}) error {
	return c.withSession(ctx, func(token string) error {
		return c.call(ctx, method, path, token, body, reply)
	})
}

func (c *ControlClient) withSession(ctx context.Context, fn func(token string) error) error {
	token := c.sessionToken()
	if token == "" {
		if err := c.Enroll(ctx); err != nil {
			return errors.Trace(err)
		}
		token = c.sessionToken()
	}
	err := fn(token)
	if errors.Is(err, ErrSessionRejected) {
		logger.Infof("worker session rejected, re-enrolling")
		if err := c.Enroll(ctx); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(fn(c.sessionToken()))
	}
	return errors.Trace(err)
}

// call performs one HTTP exchange with transient retry.
func (c *ControlClient) call(ctx context.Context, method, path, token string, body, reply interface{}) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			req, err := c.newRequest(ctx, method, path, token, body)
			if err != nil {
				return errors.Trace(err)
			}
			resp, err := c.httpc.Do(req)
			if err != nil {
				return errors.Annotate(ErrControlUnavailable, err.Error())
			}
			defer resp.Body.Close()
			if err := checkStatus(resp); err != nil {
				return errors.Trace(err)
			}
			if reply == nil {
				return nil
			}
			return errors.Trace(json.NewDecoder(resp.Body).Decode(reply))
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrControlUnavailable)
		},
		Attempts:    retryAttempts,
		Delay:       retryDelay,
		MaxDelay:    retryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
}

func (c *ControlClient) newRequest(ctx context.Context, method, path, token string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.ControlURL+path, reader)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Annotatef(ErrSessionRejected, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errors.NotFoundf("resource (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return errors.Annotatef(ErrControlUnavailable, "status %d", resp.StatusCode)
	}
	return errors.Errorf("control plane returned status %d", resp.StatusCode)
}
