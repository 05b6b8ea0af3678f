// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pruner removes boot events older than the retention period
// so the append-only log stays bounded.
package pruner

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/canonical/hatchery/core/bootevent"
)

var logger = loggo.GetLogger("hatchery.pruner")

// DefaultInterval is how often the worker prunes.
const DefaultInterval = 24 * time.Hour

// Store is the slice of state the worker needs.
type Store interface {
	PruneBootEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the worker dependencies.
type Config struct {
	Store Store
	Clock clock.Clock

	// Retention is how long events are kept; zero means the standard
	// retention period.
	Retention time.Duration

	// Interval is the prune cadence; zero means daily.
	Interval time.Duration
}

// Validate checks the config is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker prunes aged boot events on a fixed cadence.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// NewWorker starts the prune loop.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Retention <= 0 {
		config.Retention = bootevent.RetentionPeriod
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	w := &Worker{config: config}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.config.Clock.After(w.config.Interval):
			if err := w.Prune(); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// Prune runs one pass immediately. The loop calls it on every tick;
// tests call it directly.
func (w *Worker) Prune() error {
	ctx := w.tomb.Context(context.Background())
	cutoff := w.config.Clock.Now().Add(-w.config.Retention)
	pruned, err := w.config.Store.PruneBootEvents(ctx, cutoff)
	if err != nil {
		return errors.Annotate(err, "pruning boot events")
	}
	if pruned > 0 {
		logger.Infof("pruned %d boot events older than %v", pruned, w.config.Retention)
	}
	return nil
}
