// Package monitor runs the periodic health loop: process liveness, port
// reachability, the HTTP /health contract, and resource sampling. It owns
// the ServiceStatus snapshots the API serves and feeds the log store with
// crash reports and metric history.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"helm/internal/logstore"
	"helm/internal/registry"
	"helm/internal/supervisor"
	"helm/pkg/logging"
)

// Health is the HTTP-probe verdict for a running service.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
	HealthUnknown     Health = "unknown"
)

// ServiceStatus joins the supervisor's view of a service with the latest
// probe results. One snapshot per service, replaced every tick.
type ServiceStatus struct {
	ServiceName   string            `json:"service_name"`
	Status        supervisor.Status `json:"status"`
	PID           int               `json:"pid,omitempty"`
	Port          int               `json:"port"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	LastChecked   time.Time         `json:"last_checked"`
	Health        Health            `json:"health"`
	HealthMessage string            `json:"health_message,omitempty"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryMB      float64           `json:"memory_mb"`
}

// Catalog is the registry view the monitor consumes.
type Catalog interface {
	All() []registry.ServiceEntry
}

// Supervised is the supervisor surface the monitor needs.
type Supervised interface {
	Status(name string) (supervisor.ProcessRecord, error)
	DetectCrash(name string) (supervisor.ProcessRecord, bool)
}

// Recorder persists probe results. Implemented by the log store; nil when
// the orchestrator runs without its database.
type Recorder interface {
	IngestBatch(ctx context.Context, batch logstore.Batch) (int, error)
	UpsertStatus(ctx context.Context, row logstore.StatusRow) error
	InsertMetrics(ctx context.Context, samples []logstore.MetricSample) error
}

// Options tune the probe loop. Zero values select the defaults.
type Options struct {
	Interval    time.Duration
	HTTPTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval == 0 {
		o.Interval = 5 * time.Second
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = 2 * time.Second
	}
	return o
}

const warnRateLimit = time.Minute

// Monitor is the probe loop.
type Monitor struct {
	catalog  Catalog
	sup      Supervised
	rec      Recorder
	opts     Options
	hostname string
	prober   *prober

	mu       sync.RWMutex
	statuses map[string]ServiceStatus
	procs    map[int]*process.Process
	lastWarn map[string]time.Time
}

// New wires a monitor. rec may be nil.
func New(catalog Catalog, sup Supervised, rec Recorder, opts Options) *Monitor {
	opts = opts.withDefaults()
	hostname, _ := os.Hostname()
	return &Monitor{
		catalog:  catalog,
		sup:      sup,
		rec:      rec,
		opts:     opts,
		hostname: hostname,
		prober:   newProber(opts.HTTPTimeout),
		statuses: map[string]ServiceStatus{},
		procs:    map[int]*process.Process{},
		lastWarn: map[string]time.Time{},
	}
}

// Run executes ticks until the context is cancelled. The first tick fires
// immediately so the dashboard is populated right after boot.
func (m *Monitor) Run(ctx context.Context) {
	m.Tick(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick probes every catalog entry once. Probes for one service run in
// sequence; services are probed concurrently.
func (m *Monitor) Tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range m.catalog.All() {
		entry := entry
		g.Go(func() error {
			m.probeService(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()
}

// Statuses returns a copy of every current snapshot.
func (m *Monitor) Statuses() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Status returns the snapshot for one service.
func (m *Monitor) Status(name string) (ServiceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

func (m *Monitor) probeService(ctx context.Context, entry registry.ServiceEntry) {
	status := ServiceStatus{
		ServiceName: entry.Name,
		Port:        entry.Port,
		LastChecked: time.Now().UTC(),
		Health:      HealthUnknown,
	}

	if entry.Name == registry.HelmService {
		// The orchestrator reports on itself: the process is trivially
		// alive, only the HTTP surface is probed.
		status.Status = supervisor.StatusRunning
		status.PID = os.Getpid()
	} else {
		rec, err := m.sup.Status(entry.Name)
		if err != nil {
			return
		}
		if rec.Status == supervisor.StatusRunning {
			if crashed, ok := m.sup.DetectCrash(entry.Name); ok {
				m.reportCrash(ctx, entry, crashed)
				rec = crashed
			}
		}
		status.Status = rec.Status
		status.PID = rec.PID
		status.StartedAt = rec.StartedAt
	}

	if status.Status == supervisor.StatusRunning {
		status.Health, status.HealthMessage = m.prober.probe(ctx, entry)
		status.CPUPercent, status.MemoryMB = m.sample(status.PID)
		m.warnIfUnhealthy(ctx, entry, status)
	}

	m.mu.Lock()
	m.statuses[entry.Name] = status
	m.mu.Unlock()

	m.record(ctx, status)
}

// sample reads CPU and RSS for the PID. Process handles are cached so the
// CPU percentage is averaged over the interval since the previous tick.
func (m *Monitor) sample(pid int) (cpu float64, memMB float64) {
	if pid <= 0 {
		return 0, 0
	}
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok {
		var err error
		p, err = process.NewProcess(int32(pid))
		if err != nil {
			m.mu.Unlock()
			return 0, 0
		}
		m.procs[pid] = p
	}
	m.mu.Unlock()

	cpu, _ = p.Percent(0)
	if info, err := p.MemoryInfo(); err == nil && info != nil {
		memMB = float64(info.RSS) / (1024 * 1024)
	}
	return cpu, memMB
}

// reportCrash writes the ERROR log entry for a process that died out from
// under the supervisor, with the tail of its stderr log attached.
func (m *Monitor) reportCrash(ctx context.Context, entry registry.ServiceEntry, rec supervisor.ProcessRecord) {
	logging.Error("Monitor", nil, "Service %s crashed: %s", entry.Name, rec.LastError)
	if m.rec == nil {
		return
	}

	fields := map[string]interface{}{"event": "crash"}
	if rec.LastExitCode != nil {
		fields["exit_code"] = *rec.LastExitCode
	}
	if tail := tailFile(rec.StderrLogPath, 2048); tail != "" {
		fields["stderr_tail"] = tail
	}

	batch := logstore.Batch{
		ServiceName: entry.Name,
		Logs: []logstore.IncomingEntry{{
			Level:    string(logstore.LevelError),
			Message:  fmt.Sprintf("process died unexpectedly: %s", rec.LastError),
			Context:  fields,
			Hostname: m.hostname,
		}},
	}
	if _, err := m.rec.IngestBatch(ctx, batch); err != nil {
		logging.Error("Monitor", err, "Failed to persist crash report for %s", entry.Name)
	}
}

// warnIfUnhealthy writes a rate-limited WARNING entry for a running service
// that fails its health probe, one per service per minute at most.
func (m *Monitor) warnIfUnhealthy(ctx context.Context, entry registry.ServiceEntry, status ServiceStatus) {
	if status.Health == HealthHealthy || m.rec == nil {
		return
	}

	m.mu.Lock()
	last := m.lastWarn[entry.Name]
	now := time.Now()
	if now.Sub(last) < warnRateLimit {
		m.mu.Unlock()
		return
	}
	m.lastWarn[entry.Name] = now
	m.mu.Unlock()

	batch := logstore.Batch{
		ServiceName: entry.Name,
		Logs: []logstore.IncomingEntry{{
			Level:    string(logstore.LevelWarning),
			Message:  fmt.Sprintf("health probe %s: %s", status.Health, status.HealthMessage),
			Hostname: m.hostname,
		}},
	}
	if _, err := m.rec.IngestBatch(ctx, batch); err != nil {
		logging.Error("Monitor", err, "Failed to persist health warning for %s", entry.Name)
	}
}

// record persists the snapshot and, for running services, the resource
// samples.
func (m *Monitor) record(ctx context.Context, status ServiceStatus) {
	if m.rec == nil {
		return
	}

	row := logstore.StatusRow{
		ServiceName:   status.ServiceName,
		Status:        string(status.Status),
		Port:          status.Port,
		StartedAt:     status.StartedAt,
		LastChecked:   status.LastChecked,
		Health:        string(status.Health),
		HealthMessage: status.HealthMessage,
		CPUPercent:    status.CPUPercent,
		MemoryMB:      status.MemoryMB,
	}
	if status.PID > 0 {
		pid := status.PID
		row.PID = &pid
	}
	if err := m.rec.UpsertStatus(ctx, row); err != nil {
		logging.Error("Monitor", err, "Failed to persist status for %s", status.ServiceName)
		return
	}

	if status.Status != supervisor.StatusRunning {
		return
	}
	samples := []logstore.MetricSample{
		{ServiceName: status.ServiceName, Timestamp: status.LastChecked, MetricName: "cpu_percent", Value: status.CPUPercent},
		{ServiceName: status.ServiceName, Timestamp: status.LastChecked, MetricName: "memory_mb", Value: status.MemoryMB},
	}
	if err := m.rec.InsertMetrics(ctx, samples); err != nil {
		logging.Error("Monitor", err, "Failed to persist metrics for %s", status.ServiceName)
	}
}
