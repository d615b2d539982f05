// Package app assembles the orchestrator: settings, the master config store,
// the service registry, config synthesis, the supervisor, the log store, the
// identity provider bootstrap, the health monitor and the control API. The
// CLI verbs all boot through here so the wiring exists in exactly one place.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"helm/internal/auth"
	"helm/internal/config"
	"helm/internal/idp"
	"helm/internal/logstore"
	"helm/internal/monitor"
	"helm/internal/registry"
	"helm/internal/server"
	"helm/internal/supervisor"
	"helm/internal/synth"
	"helm/pkg/logging"
)

const retentionPeriod = 24 * time.Hour

// Options select what the boot sequence wires up. The CLI verbs that only
// drive the supervisor skip the database connection.
type Options struct {
	// HelmDir is the orchestrator's installation directory. Peer services
	// are expected as siblings of it.
	HelmDir string
	// Version is stamped into the health endpoint and the dashboard.
	Version string
	// ConnectDatabase opens the central log store. When false, or when the
	// connection fails, the orchestrator runs degraded without it.
	ConnectDatabase bool
	// WatchServices re-reconciles the registry on sibling directory changes.
	WatchServices bool
	// StartServices brings every supervisable service up after boot.
	StartServices bool
}

// Application is the fully wired orchestrator.
type Application struct {
	opts     Options
	Settings config.Settings

	Store      *config.Store
	Registry   *registry.Registry
	Synth      *synth.Synthesizer
	Supervisor *supervisor.Supervisor
	Logs       *logstore.Store
	Monitor    *monitor.Monitor
	Server     *server.Server

	bootstrap    *idp.Bootstrap
	trigger      idp.Trigger
	freshInstall bool
	idpDegraded  atomic.Bool
}

// New boots the orchestrator up to the point where it can serve or act.
// Fatal conditions are a malformed master config, a broken registry
// (missing core service, duplicate port) and an unreadable settings file;
// an unreachable database or identity provider only degrades.
func New(ctx context.Context, opts Options) (*Application, error) {
	helmDir, err := filepath.Abs(opts.HelmDir)
	if err != nil {
		return nil, err
	}
	opts.HelmDir = helmDir

	settings, err := config.LoadSettings(helmDir)
	if err != nil {
		return nil, err
	}

	a := &Application{opts: opts, Settings: settings}

	a.Store = config.NewStore(helmDir)
	_, statErr := os.Stat(a.Store.Path())
	a.freshInstall = errors.Is(statErr, os.ErrNotExist)

	cfg, err := a.Store.Load()
	if err != nil {
		return nil, err
	}

	a.Registry = registry.New(helmDir)
	if err := a.Registry.Reconcile(); err != nil {
		return nil, err
	}

	// The full-reconcile trigger keys on the IDP installation directory: a
	// keycloak directory that is absent (or appeared together with a fresh
	// master config) has nothing provisioned in it yet.
	_, idpDirPresent := a.Registry.Get(registry.IDPService)
	idpInstalled := idpDirPresent && !a.freshInstall

	detected, _ := os.Hostname()
	a.trigger = idp.Evaluate(cfg, idpInstalled, detected)
	if a.trigger == idp.TriggerHostnameChange {
		logging.Info("App", "Hostname changed from %s to %s", cfg.System.Hostname, detected)
		if err := a.Store.SetHostname(detected); err != nil {
			return nil, err
		}
		cfg = a.Store.Get()
	}

	a.Synth = synth.New(helmDir)
	if err := a.Synth.SyncAll(cfg, a.Registry.All(), a.Registry.Thin()); err != nil {
		logging.Warn("App", "Config synthesis incomplete: %v", err)
	}

	mode := supervisor.ModeProduction
	if settings.DevMode {
		mode = supervisor.ModeDevelopment
	}
	a.Supervisor = supervisor.New(helmDir, a.Registry, a.Store, a.Synth, supervisor.Options{
		StartTimeout: settings.StartTimeout,
		StopTimeout:  settings.StopTimeout,
		DefaultMode:  mode,
	})
	a.Supervisor.AdoptAll()

	if opts.ConnectDatabase {
		a.Logs = openLogStore(ctx, settings)
	}

	client := idp.NewClient(idp.BackendURL(cfg), cfg.IdentityProvider.AdminUsername, cfg.IdentityProvider.AdminPassword)
	a.bootstrap = idp.NewBootstrap(a.Store, client)

	var rec monitor.Recorder
	if a.Logs != nil {
		rec = a.Logs
	}
	a.Monitor = monitor.New(a.Registry, a.Supervisor, rec, monitor.Options{
		Interval:    settings.ProbeInterval,
		HTTPTimeout: settings.ProbeTimeout,
	})

	var logAPI server.LogAPI
	if a.Logs != nil {
		logAPI = a.Logs
	}
	verifier := auth.NewVerifier(settings.CoreServiceURL)
	a.Server = server.New(a.Registry, a.Supervisor, a.Monitor, logAPI, verifier, settings, opts.Version,
		a.idpDegraded.Load)

	return a, nil
}

// openLogStore connects and migrates the central database. Any failure is
// logged and the orchestrator continues without it; the log endpoints answer
// 503 until the next boot finds the database again.
func openLogStore(ctx context.Context, settings config.Settings) *logstore.Store {
	url := settings.DatabaseURL
	if v := os.Getenv("DATABASE_URL"); v != "" {
		url = v
	}

	logs, err := logstore.Open(ctx, url)
	if err != nil {
		logging.Warn("App", "Log database unavailable, running degraded: %v", err)
		return nil
	}
	if err := logs.Migrate(ctx); err != nil {
		logging.Error("App", err, "Log database migration failed, running degraded")
		logs.Close()
		return nil
	}
	return logs
}

// BootstrapIDP runs the reconcile pass selected at boot. A failure leaves
// the orchestrator serving but flagged degraded.
func (a *Application) BootstrapIDP(ctx context.Context) error {
	if a.trigger == idp.TriggerNone {
		return nil
	}
	if err := a.bootstrap.Run(ctx, a.trigger); err != nil {
		a.idpDegraded.Store(true)
		return err
	}
	a.idpDegraded.Store(false)
	return nil
}

// ForceBootstrapIDP clears the stored client secret and runs the full
// reconcile pass regardless of what the boot evaluation decided.
func (a *Application) ForceBootstrapIDP(ctx context.Context) error {
	if err := a.Store.ClearClientSecret(); err != nil {
		return err
	}
	if err := a.bootstrap.Run(ctx, idp.TriggerMissingSecret); err != nil {
		a.idpDegraded.Store(true)
		return err
	}
	a.idpDegraded.Store(false)
	return nil
}

// FreshInstall reports whether this boot created the master config.
func (a *Application) FreshInstall() bool {
	return a.freshInstall
}

// IDPTrigger returns the reconcile pass the boot evaluation selected.
func (a *Application) IDPTrigger() idp.Trigger {
	return a.trigger
}

// Run is the serve loop: bootstrap the identity provider, optionally start
// the managed services, run the monitor and retention in the background, and
// serve the control API until ctx is cancelled. On the way out every managed
// process is shut down in reverse install order.
func (a *Application) Run(ctx context.Context) error {
	if err := a.BootstrapIDP(ctx); err != nil {
		logging.Error("App", err, "Identity provider bootstrap failed")
	}

	if a.opts.StartServices {
		// A fresh install without a converged identity provider has no
		// client secret to hand out, so the services stay down.
		if a.freshInstall && a.idpDegraded.Load() {
			logging.Warn("App", "Fresh install with failed IDP bootstrap, not starting services")
		} else if err := a.Supervisor.StartAll(ctx, a.Supervisor.DefaultMode()); err != nil {
			logging.Error("App", err, "Not all services started")
		}
	}

	go a.Monitor.Run(ctx)
	if a.Logs != nil {
		go a.Logs.RunRetention(ctx, retentionPeriod, a.Settings.RetentionHorizon())
	}
	if a.opts.WatchServices {
		if err := a.Registry.Watch(ctx); err != nil {
			logging.Warn("App", "Service directory watcher unavailable: %v", err)
		}
	}

	err := a.Server.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if stopErr := a.Supervisor.ShutdownAll(shutdownCtx); stopErr != nil {
		logging.Error("App", stopErr, "Shutdown left processes behind")
	}
	a.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database pool. Safe on a degraded application.
func (a *Application) Close() {
	if a.Logs != nil {
		a.Logs.Close()
		a.Logs = nil
	}
}

// Validate re-checks the invariants the admin most often breaks by hand and
// returns a human readable report. Used by the sync verb.
func (a *Application) Validate() []string {
	var problems []string
	cfg := a.Store.Get()
	if cfg.IdentityProvider.ClientSecret == "" {
		problems = append(problems, "identity provider client secret is not set (bootstrap pending)")
	}
	for _, entry := range a.Registry.All() {
		if _, err := os.Stat(entry.DirectoryPath); err != nil {
			problems = append(problems, fmt.Sprintf("%s: directory %s missing", entry.Name, entry.DirectoryPath))
		}
	}
	return problems
}
