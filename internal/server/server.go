// Package server is the HTTP control surface: catalog and status reads, the
// supervisor actions, log ingest and query, metrics, and the dashboard
// aggregate. Every endpoint except /health requires a bearer token from the
// identity service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"helm/internal/auth"
	"helm/internal/config"
	"helm/internal/logstore"
	"helm/internal/monitor"
	"helm/internal/registry"
	"helm/internal/supervisor"
	"helm/pkg/logging"
)

// Supervising is the supervisor surface the API drives.
type Supervising interface {
	Start(ctx context.Context, name string, mode supervisor.Mode) (supervisor.ProcessRecord, error)
	Stop(ctx context.Context, name string) (supervisor.ProcessRecord, error)
	Restart(ctx context.Context, name string, mode supervisor.Mode) (supervisor.ProcessRecord, error)
	DefaultMode() supervisor.Mode
}

// StatusSource is the monitor surface the API reads.
type StatusSource interface {
	Statuses() map[string]monitor.ServiceStatus
	Status(name string) (monitor.ServiceStatus, bool)
}

// LogAPI is the log store surface the API exposes.
type LogAPI interface {
	IngestBatch(ctx context.Context, batch logstore.Batch) (int, error)
	Query(ctx context.Context, f logstore.Filter) ([]logstore.Entry, int64, error)
	GetEntry(ctx context.Context, id int64) (logstore.Entry, error)
	MetricsSince(ctx context.Context, service string, since time.Time) ([]logstore.MetricSample, error)
	LevelCountsSince(ctx context.Context, since time.Time) ([]logstore.LevelCount, error)
	Ping(ctx context.Context) error
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (auth.Principal, error)
}

// Catalog is the registry surface the API reads.
type Catalog interface {
	Get(name string) (registry.ServiceEntry, bool)
	All() []registry.ServiceEntry
}

// Server wires the handlers.
type Server struct {
	catalog  Catalog
	sup      Supervising
	statuses StatusSource
	logs     LogAPI
	verifier TokenVerifier
	settings config.Settings
	version  string

	// idpDegraded is set by the boot sequence when the IDP bootstrap
	// failed; the API still serves reads but the dashboard shows it.
	idpDegraded func() bool
}

// New builds a server. logs may be nil when the database is unavailable;
// the log endpoints then answer 503.
func New(catalog Catalog, sup Supervising, statuses StatusSource, logs LogAPI, verifier TokenVerifier, settings config.Settings, version string, idpDegraded func() bool) *Server {
	if idpDegraded == nil {
		idpDegraded = func() bool { return false }
	}
	return &Server{
		catalog:  catalog,
		sup:      sup,
		statuses: statuses,
		logs:     logs,
		verifier: verifier,
		settings: settings,
		version:  version,
		idpDegraded: idpDegraded,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/services", s.handleListServices)
		r.Get("/services/status", s.handleAllStatus)
		r.Get("/services/{name}/status", s.handleServiceStatus)
		r.Get("/metrics/{name}", s.handleMetrics)
		r.Get("/logs", s.handleQueryLogs)
		r.Get("/logs/{id}", s.handleGetLog)
		r.Post("/logs/ingest", s.handleIngest)
		r.Get("/dashboard/status", s.handleDashboard)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/services/{name}/start", s.handleStart)
			r.Post("/services/{name}/stop", s.handleStop)
			r.Post("/services/{name}/restart", s.handleRestart)
		})
	})

	return r
}

// ListenAndServe runs the API until the context ends, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.settings.ListenHost, s.settings.ListenPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Control API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
