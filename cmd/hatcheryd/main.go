// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command hatcheryd runs the Hatchery control plane: the HTTP API, the
// deployment orchestrator, the heartbeat-liveness watcher and the boot
// event pruner, all over one sqlite database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"

	"github.com/canonical/hatchery/core/machine"
	"github.com/canonical/hatchery/internal/agentauth"
	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/blobstore"
	"github.com/canonical/hatchery/internal/controlserver"
	"github.com/canonical/hatchery/internal/database"
	"github.com/canonical/hatchery/internal/eggs"
	"github.com/canonical/hatchery/internal/inventory"
	"github.com/canonical/hatchery/internal/orchestrator"
	"github.com/canonical/hatchery/internal/power"
	"github.com/canonical/hatchery/internal/presence"
	"github.com/canonical/hatchery/internal/pruner"
	"github.com/canonical/hatchery/internal/secrets"
	"github.com/canonical/hatchery/internal/sshca"
	"github.com/canonical/hatchery/internal/state"
)

var logger = loggo.GetLogger("hatchery.cmd.hatcheryd")

// config is the daemon configuration: flags for topology, environment
// variables for anything secret.
type config struct {
	dbPath               string
	listenAddr           string
	baseURL              string
	commissioningImageID string
	adminUsers           string
	logConfig            string
	maxConcurrentJobs    int

	signingKey string
	workerKey  string
}

func (c *config) addFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.dbPath, "db", envOr("HATCHERY_DB", "hatchery.db"), "path to the sqlite database")
	f.StringVar(&c.listenAddr, "listen", envOr("HATCHERY_LISTEN", ":8000"), "API listen address")
	f.StringVar(&c.baseURL, "base-url", os.Getenv("HATCHERY_BASE_URL"), "externally reachable URL of this server")
	f.StringVar(&c.commissioningImageID, "commissioning-image", os.Getenv("HATCHERY_COMMISSIONING_IMAGE"), "boot image for commissioning machines")
	f.StringVar(&c.adminUsers, "admin-users", os.Getenv("HATCHERY_ADMIN_USERS"), "comma-separated admin user subjects")
	f.StringVar(&c.logConfig, "log-config", envOr("HATCHERY_LOG_CONFIG", "<root>=INFO"), "loggo configuration string")
	f.IntVar(&c.maxConcurrentJobs, "max-concurrent-jobs", 0, "deployment concurrency cap (0 for default)")
}

func (c *config) validate() error {
	if c.signingKey == "" {
		return errors.NotValidf("missing HATCHERY_SIGNING_KEY")
	}
	if c.workerKey == "" {
		return errors.NotValidf("missing HATCHERY_WORKER_KEY")
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := &config{
		signingKey: os.Getenv("HATCHERY_SIGNING_KEY"),
		workerKey:  os.Getenv("HATCHERY_WORKER_KEY"),
	}
	f := gnuflag.NewFlagSet("hatcheryd", gnuflag.ContinueOnError)
	cfg.addFlags(f)
	if err := f.Parse(true, args); err != nil {
		return 2
	}
	if err := loggo.ConfigureLoggers(cfg.logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		return 2
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if err := serve(cfg); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func serve(cfg *config) error {
	ctx := context.Background()
	clk := clock.WallClock

	db, err := database.Open(cfg.dbPath)
	if err != nil {
		return errors.Annotate(err, "opening database")
	}
	defer db.Close()
	st, err := state.NewState(ctx, db)
	if err != nil {
		return errors.Annotate(err, "initialising state")
	}

	secretStore, err := openSecretStore(clk)
	if err != nil {
		return errors.Trace(err)
	}
	blobs, err := openBlobStore(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	sink := audit.LogSink{}
	hub := pubsub.NewSimpleHub(nil)

	tokens, err := agentauth.NewTokenService([]byte(cfg.signingKey), clk, 0)
	if err != nil {
		return errors.Annotate(err, "initialising token service")
	}
	auth := agentauth.NewService(st, tokens, sink, clk, cfg.workerKey)

	ca := sshca.NewCA(secretStore, sink, clk, 0)
	if err := ca.Bootstrap(ctx); err != nil {
		return errors.Annotate(err, "bootstrapping ssh ca")
	}

	engine, err := eggs.NewEngine(eggs.StoreCatalog{Store: st}, 0)
	if err != nil {
		return errors.Annotate(err, "initialising egg engine")
	}
	inv := inventory.NewService(st, engine, sink, clk)

	registry := power.NewRegistry()
	orch, err := orchestrator.NewOrchestrator(orchestrator.Config{
		Store:         st,
		Inventory:     inv,
		Power:         registry,
		Credentials:   bmcCredentials(secretStore),
		Hub:           hub,
		Sink:          sink,
		Clock:         clk,
		MaxConcurrent: cfg.maxConcurrentJobs,
	})
	if err != nil {
		return errors.Annotate(err, "starting orchestrator")
	}
	defer func() { _ = worker.Stop(orch) }()

	runner := worker.NewRunner(worker.RunnerParams{
		Clock:        clk,
		IsFatal:      func(error) bool { return false },
		RestartDelay: 3 * time.Second,
		Logger:       logger,
	})
	defer func() { _ = worker.Stop(runner) }()

	if err := runner.StartWorker("presence", func() (worker.Worker, error) {
		return presence.NewWatcher(presence.Config{
			Store:             st,
			Sink:              sink,
			Clock:             clk,
			HeartbeatInterval: agentauth.DefaultHeartbeatInterval,
		})
	}); err != nil {
		return errors.Trace(err)
	}
	if err := runner.StartWorker("pruner", func() (worker.Worker, error) {
		return pruner.NewWorker(pruner.Config{Store: st, Clock: clk})
	}); err != nil {
		return errors.Trace(err)
	}

	server, err := controlserver.NewServer(controlserver.Config{
		State:                st,
		Inventory:            inv,
		Jobs:                 orch,
		Auth:                 auth,
		Tokens:               tokens,
		CA:                   ca,
		Engine:               engine,
		Blobs:                blobs,
		Hub:                  hub,
		Sink:                 sink,
		Clock:                clk,
		BaseURL:              cfg.baseURL,
		CommissioningImageID: cfg.commissioningImageID,
		AdminUsers:           splitList(cfg.adminUsers),
	})
	if err != nil {
		return errors.Annotate(err, "building control server")
	}

	httpServer := &http.Server{Addr: cfg.listenAddr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("control API listening on %s", cfg.listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Trace(err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
	case err := <-errCh:
		return errors.Trace(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Trace(httpServer.Shutdown(shutdownCtx))
}

// openSecretStore picks vault when VAULT_ADDR is set, else the
// in-memory store. Vault reads go through a short read-through cache.
func openSecretStore(clk clock.Clock) (secrets.Store, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		logger.Warningf("VAULT_ADDR unset, secrets are held in memory only")
		return secrets.NewMemoryStore(), nil
	}
	vault, err := secrets.NewVaultStore(secrets.VaultConfig{
		Address: addr,
		Token:   os.Getenv("VAULT_TOKEN"),
		Mount:   os.Getenv("VAULT_MOUNT"),
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to vault")
	}
	return secrets.NewCachingStore(vault, clk, 0), nil
}

// openBlobStore picks s3 when S3_BUCKET is set, else the in-memory
// store. Blob credentials stay in this process; workers only ever see
// presigned URLs.
func openBlobStore(ctx context.Context) (blobstore.Store, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		logger.Warningf("S3_BUCKET unset, blobs are held in memory only")
		return blobstore.NewMemoryStore(), nil
	}
	store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Endpoint:  os.Getenv("S3_ENDPOINT"),
		Region:    os.Getenv("S3_REGION"),
		Bucket:    bucket,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		PathStyle: os.Getenv("S3_PATH_STYLE") == "true",
	})
	return store, errors.Annotate(err, "connecting to blob store")
}

// bmcSecret is the stored shape of one machine's BMC credentials.
type bmcSecret struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// bmcCredentials resolves BMC credentials from the secret store at
// call time, under bmc/<system-id>. The address falls back to the
// machine record when the secret omits it.
func bmcCredentials(store secrets.Store) orchestrator.CredentialsFunc {
	return func(ctx context.Context, m machine.Machine) (power.Credentials, error) {
		raw, err := store.Get(ctx, "bmc/"+m.SystemID)
		if err != nil {
			return power.Credentials{}, errors.Annotatef(err, "credentials for machine %q", m.SystemID)
		}
		var secret bmcSecret
		if err := json.Unmarshal(raw, &secret); err != nil {
			return power.Credentials{}, errors.Annotatef(err, "credentials for machine %q", m.SystemID)
		}
		creds := power.Credentials{
			Address:  secret.Address,
			Username: secret.Username,
			Password: secret.Password,
		}
		if creds.Address == "" {
			creds.Address = m.BMCAddress
		}
		return creds, nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
