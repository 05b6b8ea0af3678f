// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package audit emits the typed security and lifecycle events the
// control plane produces. Persistence of the stream is external; the
// default sink writes structured log lines.
package audit

import (
	"sync"
	"time"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("hatchery.audit")

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Well-known event types. Free-form types are allowed; these are the
// ones the core emits itself.
const (
	EventAgentEnrolled    = "agent.enrolled"
	EventAgentSuspended   = "agent.suspended"
	EventWorkerEnrolled   = "worker.enrolled"
	EventWorkerSuspect    = "worker.suspect"
	EventCertIssued       = "cert.issue"
	EventCertRejected     = "cert.csr_reject"
	EventDeployStarted    = "deployment.started"
	EventDeployCompleted  = "deployment.completed"
	EventDeployFailed     = "deployment.failed"
	EventDeployCancelled  = "deployment.cancelled"
	EventMachineReleased  = "machine.released"
	EventMachineHardReset = "machine.hard_reset"
	EventInvariantBroken  = "invariant.violation"
)

// Event is one audit record.
type Event struct {
	Type        string
	Severity    Severity
	Actor       string
	ResourceRef string
	Details     map[string]string
	Timestamp   time.Time
}

// Sink receives audit events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Append(e Event)
}

// LogSink writes events to the audit logger.
type LogSink struct{}

// Append implements Sink.
func (LogSink) Append(e Event) {
	logger.Infof("audit %s severity=%s actor=%q resource=%q details=%v",
		e.Type, e.Severity, e.Actor, e.ResourceRef, e.Details)
}

// RecordingSink captures events for tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// Append implements Sink.
func (s *RecordingSink) Append(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything appended so far.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns the captured events with the given type.
func (s *RecordingSink) OfType(eventType string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
