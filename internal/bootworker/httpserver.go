// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bootworker

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/ipxe"
)

// httpService answers the machine-facing HTTP routes: iPXE scripts,
// cloud-init pass-through, image redirects and boot event intake.
type httpService struct {
	config  Config
	client  *ControlClient
	cache   *scriptCache
	baseURL string
}

func newHTTPService(config Config, client *ControlClient, cache *scriptCache, baseURL string) *httpService {
	return &httpService{
		config:  config,
		client:  client,
		cache:   cache,
		baseURL: baseURL,
	}
}

func (s *httpService) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ipxe/{mac}.ipxe", s.handleScript).Methods("GET")
	r.HandleFunc("/cloud-init/{machine}/meta-data", s.handleCloudInit("meta-data")).Methods("GET")
	r.HandleFunc("/cloud-init/{machine}/user-data", s.handleCloudInit("user-data")).Methods("GET")
	r.HandleFunc("/images/{path:.*}", s.handleImage).Methods("GET")
	r.HandleFunc("/boot-event", s.handleBootEvent).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	return r
}

// handleScript serves the boot script for a MAC. The decision comes
// from the control plane; a fresh cached script covers a control
// outage, and everything else degrades to the error script.
func (s *httpService) handleScript(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["mac"]
	mac, err := machine.NormalizeMAC(raw)
	if err != nil {
		serveScript(w, mustErrorScript("malformed MAC "+raw))
		return
	}

	reply, err := s.client.BootScript(r.Context(), mac, s.baseURL)
	switch {
	case err == nil:
		s.cache.Put(mac, reply.Script)
		serveScript(w, reply.Script)
	case errors.IsNotFound(err):
		// Not registered yet; hand out discovery so the machine shows
		// up once its DHCP request lands.
		script, renderErr := ipxe.Discovery(s.baseURL, mac)
		if renderErr != nil {
			script = mustErrorScript("rendering discovery script")
		}
		serveScript(w, script)
	default:
		logger.Warningf("boot script for %s: %v", mac, err)
		if cached, ok := s.cache.Get(mac); ok {
			serveScript(w, cached)
			return
		}
		serveScript(w, mustErrorScript("control plane unreachable"))
	}
}

func (s *httpService) handleCloudInit(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := s.client.CloudInit(r.Context(), mux.Vars(r)["machine"], doc)
		if err != nil {
			if errors.IsNotFound(err) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			logger.Warningf("cloud-init %s for %s: %v", doc, mux.Vars(r)["machine"], err)
			http.Error(w, "control plane unreachable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(raw)
	}
}

// handleImage redirects the machine to a presigned blob URL. Images
// are never proxied through the worker and the worker never holds
// blob credentials.
func (s *httpService) handleImage(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	url, err := s.client.ImageURL(r.Context(), path)
	if err != nil {
		if errors.IsNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		logger.Warningf("image url for %s: %v", path, err)
		http.Error(w, "control plane unreachable", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

type bootEventPayload struct {
	MAC     string `json:"mac"`
	IP      string `json:"ip"`
	Type    string `json:"event_type"`
	Details string `json:"details"`
	Status  string `json:"status"`
}

// handleBootEvent forwards a machine-reported milestone verbatim.
func (s *httpService) handleBootEvent(w http.ResponseWriter, r *http.Request) {
	var payload bootEventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if payload.IP == "" {
		payload.IP = strings.Split(r.RemoteAddr, ":")[0]
	}
	err := s.client.ReportEvent(r.Context(), bootEventBody{
		MAC:     payload.MAC,
		IP:      payload.IP,
		Type:    payload.Type,
		Details: payload.Details,
		Status:  payload.Status,
	})
	if err != nil {
		logger.Warningf("forwarding boot event %s for %s: %v", payload.Type, payload.MAC, err)
		http.Error(w, "control plane unreachable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"acknowledged": true})
}

func serveScript(w http.ResponseWriter, script string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(script))
}

// mustErrorScript renders the parking script; the template takes no
// input that can fail at runtime.
func mustErrorScript(reason string) string {
	script, err := ipxe.Error(reason)
	if err != nil {
		return "#!ipxe\nshell\n"
	}
	return script
}
