// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package controlserver exposes the control plane HTTP API: the
// worker-facing /internal surface, the agent protocol, and the
// operator surface for machines, deployments, eggs and SSH
// certificates.
package controlserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/hatchery/internal/agentauth"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/blobstore"
	"github.com/canonical/hatchery/internal/eggs"
	"github.com/canonical/hatchery/internal/inventory"
	"github.com/canonical/hatchery/internal/sshca"
	"github.com/canonical/hatchery/internal/state"
)

var logger = loggo.GetLogger("hatchery.controlserver")

// Jobs is the orchestrator surface the API drives.
type Jobs interface {
	Admit() error
	Cancel(jobID, actor string) error
	Release(ctx context.Context, systemID string) error
}

// Config holds the server dependencies.
type Config struct {
	State     *state.State
	Inventory *inventory.Service
	Jobs      Jobs
	Auth      *agentauth.Service
	Tokens    *agentauth.TokenService
	CA        *sshca.CA
	Engine    *eggs.Engine
	Blobs     blobstore.Store
	Hub       *pubsub.SimpleHub
	Sink      audit.Sink
	Clock     clock.Clock

	// BaseURL is the externally reachable URL of this control server,
	// used when a worker does not supply its own for script rendering.
	BaseURL string

	// CommissioningImageID is the boot image used for machines in the
	// commissioning state.
	CommissioningImageID string

	// AdminUsers are the user subjects allowed on admin endpoints.
	AdminUsers []string

	// EnrollmentsPerMinute throttles the enrollment endpoints; zero
	// means the default.
	EnrollmentsPerMinute float64

	// Registerer receives the server metrics; nil means the default
	// prometheus registerer.
	Registerer prometheus.Registerer
}

// DefaultEnrollmentsPerMinute is the enrollment rate limit.
const DefaultEnrollmentsPerMinute = 30

// Validate checks the config is complete.
func (c Config) Validate() error {
	if c.State == nil {
		return errors.NotValidf("nil State")
	}
	if c.Inventory == nil {
		return errors.NotValidf("nil Inventory")
	}
	if c.Jobs == nil {
		return errors.NotValidf("nil Jobs")
	}
	if c.Auth == nil {
		return errors.NotValidf("nil Auth")
	}
	if c.Tokens == nil {
		return errors.NotValidf("nil Tokens")
	}
	if c.CA == nil {
		return errors.NotValidf("nil CA")
	}
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Blobs == nil {
		return errors.NotValidf("nil Blobs")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Server is the control plane HTTP API.
type Server struct {
	config       Config
	router       *mux.Router
	admins       set.Strings
	enrollBucket *ratelimit.Bucket

	requestCount *prometheus.CounterVec
}

// NewServer builds the router. The caller owns the http.Server that
// serves it.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	perMinute := config.EnrollmentsPerMinute
	if perMinute <= 0 {
		perMinute = DefaultEnrollmentsPerMinute
	}
	s := &Server{
		config: config,
		admins: set.NewStrings(config.AdminUsers...),
		enrollBucket: ratelimit.NewBucketWithRate(
			perMinute/60, int64(perMinute)),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hatchery",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if err := registerer.Register(s.requestCount); err != nil {
		return nil, errors.Annotate(err, "registering metrics")
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// Worker-internal surface.
	r.Handle("/internal/boot-script/{mac}", s.worker(s.handleBootScript)).Methods("GET")
	r.Handle("/internal/cloud-init/{machine}/meta-data", s.worker(s.handleMetaData)).Methods("GET")
	r.Handle("/internal/cloud-init/{machine}/user-data", s.worker(s.handleUserData)).Methods("GET")
	r.Handle("/internal/image-url/{path:.*}", s.worker(s.handleImageURL)).Methods("GET")
	r.Handle("/internal/boot-event", s.worker(s.handleBootEvent)).Methods("POST")

	// Worker enrollment and liveness.
	r.Handle("/workers/enroll", s.limited(s.open(s.handleWorkerEnroll))).Methods("POST")
	r.Handle("/workers/heartbeat", s.open(s.handleWorkerHeartbeat)).Methods("POST")

	// Agent protocol.
	r.Handle("/agents/enrollment-keys", s.admin(s.handleCreateEnrollmentKey)).Methods("POST")
	r.Handle("/agents/enroll", s.limited(s.open(s.handleAgentEnroll))).Methods("POST")
	r.Handle("/agents/heartbeat", s.open(s.handleAgentHeartbeat)).Methods("POST")
	r.Handle("/agents/token/refresh", s.open(s.handleTokenRefresh)).Methods("POST")
	r.Handle("/agents/{id}/suspend", s.admin(s.handleAgentSuspend)).Methods("POST")
	r.Handle("/agents", s.admin(s.handleAgentList)).Methods("GET")

	// SSH certificates.
	r.Handle("/ssh-ca/public-key", s.user(s.handleCAPublicKey)).Methods("GET")
	r.Handle("/ssh-ca/sign", s.user(s.handleCASign)).Methods("POST")

	// Machines.
	r.Handle("/machines", s.user(s.handleMachineList)).Methods("GET")
	r.Handle("/machines/{id}", s.user(s.handleMachineGet)).Methods("GET")
	r.Handle("/machines/{id}/commission", s.user(s.handleMachineCommission)).Methods("POST")
	r.Handle("/machines/{id}/release", s.user(s.handleMachineRelease)).Methods("POST")
	r.Handle("/machines/{id}/reimage", s.user(s.handleMachineReimage)).Methods("POST")
	r.Handle("/machines/{id}/hard-reset", s.admin(s.handleMachineHardReset)).Methods("POST")

	// Deployments.
	r.Handle("/deployments", s.user(s.handleDeploymentCreate)).Methods("POST")
	r.Handle("/deployments/{id}", s.user(s.handleDeploymentGet)).Methods("GET")
	r.Handle("/deployments/{id}/cancel", s.user(s.handleDeploymentCancel)).Methods("POST")
	r.Handle("/deployments/{id}/retry", s.user(s.handleDeploymentRetry)).Methods("POST")

	// Egg catalog.
	r.Handle("/eggs", s.user(s.handleEggList)).Methods("GET")
	r.Handle("/eggs", s.user(s.handleEggCreate)).Methods("POST")
	r.Handle("/eggs/render", s.user(s.handleEggRender)).Methods("POST")
	r.Handle("/eggs/{id}", s.user(s.handleEggUpdate)).Methods("PUT")
	r.Handle("/eggs/{id}", s.user(s.handleEggDelete)).Methods("DELETE")
	r.Handle("/egg-groups", s.user(s.handleGroupCreate)).Methods("POST")
	r.Handle("/egg-groups/{id}", s.user(s.handleGroupGet)).Methods("GET")
	r.Handle("/egg-groups/{id}", s.user(s.handleGroupDelete)).Methods("DELETE")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// handlerFunc is an authenticated handler; caller is the verified
// token subject, empty on unauthenticated routes.
type handlerFunc func(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error

// open wraps a handler that does its own credential checking.
func (s *Server) open(h handlerFunc) http.Handler {
	return s.instrumented(func(w http.ResponseWriter, r *http.Request) error {
		return h(w, r, agentauth.Claims{})
	})
}

// worker requires a worker session token.
func (s *Server) worker(h handlerFunc) http.Handler {
	return s.authenticated(h, agentauth.KindWorker)
}

// user requires a user token.
func (s *Server) user(h handlerFunc) http.Handler {
	return s.authenticated(h, agentauth.KindUser)
}

// admin requires a user token whose subject is an administrator.
func (s *Server) admin(h handlerFunc) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, caller agentauth.Claims) error {
		if !s.admins.Contains(caller.Subject) {
			return errForbidden
		}
		return h(w, r, caller)
	}, agentauth.KindUser)
}

func (s *Server) authenticated(h handlerFunc, kind agentauth.Kind) http.Handler {
	return s.instrumented(func(w http.ResponseWriter, r *http.Request) error {
		token := bearerToken(r)
		if token == "" {
			return errUnauthorized
		}
		claims, err := s.config.Tokens.Verify(token)
		if err != nil {
			return errors.Trace(err)
		}
		if claims.Kind != kind {
			return errForbidden
		}
		return h(w, r, claims)
	})
}

// limited applies the enrollment rate limit.
func (s *Server) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.enrollBucket.TakeAvailable(1) == 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute/time.Second)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "enrollment rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrumented(h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		if err := h(sw, r); err != nil {
			code, apiCode, msg := classify(err)
			if code >= 500 {
				logger.Errorf("%s %s: %v", r.Method, route, err)
			}
			writeError(sw, code, apiCode, msg)
		}
		s.requestCount.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.code = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

const (
	errUnauthorized = errors.ConstError("authentication required")
	errForbidden    = errors.ConstError("forbidden")
)

// classify maps an error onto the wire taxonomy.
func classify(err error) (httpCode int, apiCode, message string) {
	switch {
	case errors.Is(err, errUnauthorized),
		errors.Is(err, agentauth.ErrTokenInvalid),
		errors.Is(err, agentauth.ErrTokenExpired),
		errors.Is(err, agentauth.ErrInvalidEnrollment),
		errors.Is(err, agentauth.ErrEnrollmentExpired):
		return http.StatusUnauthorized, "unauthorized", err.Error()
	case errors.Is(err, errForbidden),
		errors.Is(err, agentauth.ErrSuspended),
		errors.Is(err, sshca.ErrValidityExceeded),
		errors.Is(err, sshca.ErrPrincipalNotAllowed):
		return http.StatusForbidden, "forbidden", err.Error()
	case errors.IsNotFound(err):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, state.ErrStatusConflict),
		errors.Is(err, state.ErrJobConflict),
		errors.Is(err, state.ErrEggInUse),
		errors.Is(err, inventory.ErrJobActive),
		errors.IsAlreadyExists(err):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, eggs.ErrConfig),
		errors.Is(err, eggs.ErrArchMismatch),
		errors.Is(err, eggs.ErrInsufficientResources),
		errors.Is(err, eggs.ErrInvalidCloudInit),
		errors.Is(err, eggs.ErrTooLarge),
		errors.Is(err, eggs.ErrDepthLimit):
		return http.StatusBadRequest, "invalid", err.Error()
	case errors.IsNotValid(err), errors.IsBadRequest(err):
		return http.StatusBadRequest, "invalid", err.Error()
	}
	return http.StatusInternalServerError, "internal", "internal server error"
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, apiCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: apiCode, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return errors.Trace(json.NewEncoder(w).Encode(v))
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewBadRequest(err, "decoding request body")
	}
	return nil
}
