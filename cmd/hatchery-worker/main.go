// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command hatchery-worker runs a site boot worker: DHCP (full or
// proxy), TFTP for the iPXE loaders, and the machine-facing HTTP
// service. All configuration comes from the environment.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"github.com/canonical/hatchery/internal/bootworker"
)

var logger = loggo.GetLogger("hatchery.cmd.worker")

func main() {
	os.Exit(run())
}

func run() int {
	logConfig := os.Getenv("HATCHERY_LOG_CONFIG")
	if logConfig == "" {
		logConfig = "<root>=INFO"
	}
	if err := loggo.ConfigureLoggers(logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		return 2
	}

	cfg, err := bootworker.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	w, err := bootworker.NewWorker(cfg, clock.WallClock)
	if err != nil {
		logger.Errorf("starting boot worker: %v", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %v, shutting down", sig)
		w.Kill()
	}()

	if err := w.Wait(); err != nil {
		logger.Errorf("boot worker: %v", err)
		return 1
	}
	return 0
}
