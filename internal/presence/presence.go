// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package presence watches heartbeat recency. Agents that miss five
// consecutive intervals go offline; boot workers go suspect. A later
// heartbeat revives either silently.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/canonical/hatchery/core/agent"
	"github.com/canonical/hatchery/internal/audit"
)

var logger = loggo.GetLogger("hatchery.presence")

// Store is the slice of state the watcher needs.
type Store interface {
	MarkAgentsOffline(ctx context.Context, cutoff, now time.Time) ([]string, error)
	MarkWorkersSuspect(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

// Config holds the watcher dependencies.
type Config struct {
	Store Store
	Sink  audit.Sink
	Clock clock.Clock

	// HeartbeatInterval is the expected agent check-in cadence; the
	// stale cutoff is MissedHeartbeatLimit intervals behind now.
	HeartbeatInterval time.Duration

	// SweepInterval is how often the watcher scans; defaults to the
	// heartbeat interval.
	SweepInterval time.Duration
}

// Validate checks the config is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.NotValidf("heartbeat interval %v", c.HeartbeatInterval)
	}
	return nil
}

// Watcher periodically sweeps for stale heartbeats.
type Watcher struct {
	tomb   tomb.Tomb
	config Config
}

// NewWatcher starts the sweep loop.
func NewWatcher(config Config) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.HeartbeatInterval
	}
	w := &Watcher{config: config}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill implements worker.Worker.
func (w *Watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

func (w *Watcher) loop() error {
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.config.Clock.After(w.config.SweepInterval):
			if err := w.sweep(); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// Sweep runs one pass immediately. The loop calls it on every tick;
// tests call it directly.
func (w *Watcher) Sweep() error {
	return w.sweep()
}

func (w *Watcher) sweep() error {
	ctx := w.tomb.Context(context.Background())
	now := w.config.Clock.Now()
	cutoff := now.Add(-time.Duration(agent.MissedHeartbeatLimit) * w.config.HeartbeatInterval)

	offline, err := w.config.Store.MarkAgentsOffline(ctx, cutoff, now)
	if err != nil {
		return errors.Annotate(err, "marking stale agents")
	}
	for _, id := range offline {
		logger.Infof("agent %s missed %d heartbeats, marking offline", id, agent.MissedHeartbeatLimit)
	}

	suspect, err := w.config.Store.MarkWorkersSuspect(ctx, cutoff, now)
	if err != nil {
		return errors.Annotate(err, "marking stale workers")
	}
	for _, id := range suspect {
		w.config.Sink.Append(audit.Event{
			Type:        audit.EventWorkerSuspect,
			Severity:    audit.SeverityWarning,
			ResourceRef: fmt.Sprintf("worker/%s", id),
			Details:     map[string]string{"missed_heartbeats": fmt.Sprint(agent.MissedHeartbeatLimit)},
			Timestamp:   now,
		})
	}
	return nil
}
