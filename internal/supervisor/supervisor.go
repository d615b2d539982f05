// Package supervisor owns the lifecycle of the managed processes: spawning,
// stopping, adoption after an orchestrator restart, and the per-service
// ProcessRecord. All transitions for one service are serialized by its lock;
// operations on different services run concurrently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"helm/internal/config"
	"helm/internal/registry"
	"helm/internal/synth"
	"helm/pkg/logging"
)

const logsSubdir = "logs"

// Options tune the supervisor timeouts. Zero values select the defaults.
type Options struct {
	// StartTimeout bounds the whole start operation, spawn included.
	StartTimeout time.Duration
	// ReadinessWindow is how long start polls the service port after a
	// successful spawn before declaring the service running anyway.
	ReadinessWindow time.Duration
	// StopTimeout is the TERM grace period before KILL.
	StopTimeout time.Duration
	// DefaultMode is used when a start request does not name a mode.
	DefaultMode Mode
}

func (o Options) withDefaults() Options {
	if o.StartTimeout == 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.ReadinessWindow == 0 {
		o.ReadinessWindow = 3 * time.Second
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.DefaultMode == "" {
		o.DefaultMode = ModeDevelopment
	}
	return o
}

// Catalog is the registry view the supervisor consumes.
type Catalog interface {
	Get(name string) (registry.ServiceEntry, bool)
	All() []registry.ServiceEntry
	Thin() map[string]registry.ThinEntry
}

// Supervisor manages every catalog entry except the orchestrator itself.
type Supervisor struct {
	helmDir string
	reg     Catalog
	store   *config.Store
	synth   *synth.Synthesizer
	opts    Options

	mu     sync.Mutex
	states map[string]*serviceState
}

// New wires a supervisor over the registry and master config store.
func New(helmDir string, reg Catalog, store *config.Store, syn *synth.Synthesizer, opts Options) *Supervisor {
	return &Supervisor{
		helmDir: helmDir,
		reg:     reg,
		store:   store,
		synth:   syn,
		opts:    opts.withDefaults(),
		states:  map[string]*serviceState{},
	}
}

// DefaultMode returns the mode used when a request does not specify one.
func (s *Supervisor) DefaultMode() Mode {
	return s.opts.DefaultMode
}

func (s *Supervisor) state(name string) *serviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		st = newServiceState(name)
		s.states[name] = st
	}
	return st
}

func (s *Supervisor) entry(name string) (registry.ServiceEntry, *ProcessError) {
	entry, ok := s.reg.Get(name)
	if !ok {
		return registry.ServiceEntry{}, newError(KindUnknownService, name, "not in the service catalog")
	}
	if name == registry.HelmService {
		return registry.ServiceEntry{}, newError(KindNotSupervisable, name, "the orchestrator does not supervise itself")
	}
	return entry, nil
}

// Start brings one service up. Preconditions, the port check, the spawn and
// the readiness wait all happen under the per-service lock so concurrent
// requests for the same service serialize in arrival order.
func (s *Supervisor) Start(ctx context.Context, name string, mode Mode) (ProcessRecord, error) {
	entry, perr := s.entry(name)
	if perr != nil {
		return ProcessRecord{}, perr
	}
	if mode == "" {
		mode = s.opts.DefaultMode
	}

	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.rec.Status == StatusRunning && pidAlive(st.rec.PID) {
		return st.rec, newError(KindAlreadyRunning, name, "pid %d is alive", st.rec.PID)
	}

	if listener := portListenerPID(entry.Port); listener != 0 {
		filed, err := readPIDFile(s.helmDir, name)
		if err == nil && filed > 0 && listener == filed && belongsToService(filed, entry) {
			s.adoptLocked(st, entry, filed)
			return st.rec, nil
		}
		st.rec.Status = StatusError
		st.rec.LastError = string(KindPortInUse)
		return st.rec, newError(KindPortInUse, name, "port %d is held by foreign pid %d", entry.Port, listener)
	}

	if entry.ProcessKind != registry.KindExternalJava {
		if err := s.synth.WriteServiceConfig(s.store.Get(), entry, s.reg.Thin()); err != nil {
			return st.rec, wrapError(KindSpawnFailed, name, err)
		}
	}

	return s.spawnLocked(ctx, st, entry, mode)
}

// spawnLocked launches the process and waits for readiness. Caller holds the
// per-service lock.
func (s *Supervisor) spawnLocked(ctx context.Context, st *serviceState, entry registry.ServiceEntry, mode Mode) (ProcessRecord, error) {
	name := entry.Name

	stdoutPath := filepath.Join(s.helmDir, logsSubdir, name+".stdout.log")
	stderrPath := filepath.Join(s.helmDir, logsSubdir, name+".stderr.log")
	if err := os.MkdirAll(filepath.Join(s.helmDir, logsSubdir), 0o755); err != nil {
		return st.rec, wrapError(KindSpawnFailed, name, err)
	}
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return st.rec, wrapError(KindSpawnFailed, name, err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return st.rec, wrapError(KindSpawnFailed, name, err)
	}
	defer stderr.Close()

	argv, err := commandLine(entry, mode)
	if err != nil {
		return st.rec, wrapError(KindSpawnFailed, name, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = entry.DirectoryPath
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	// New session: the child survives the orchestrator and forms its own
	// process group, so TERM/KILL can target the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		st.rec.Status = StatusError
		st.rec.LastError = err.Error()
		return st.rec, wrapError(KindSpawnFailed, name, err)
	}
	pid := cmd.Process.Pid

	if err := writePIDFile(s.helmDir, name, pid); err != nil {
		logging.Error("Supervisor", err, "Failed to write pidfile for %s", name)
	}

	now := time.Now()
	st.rec.Status = StatusStarting
	st.rec.PID = pid
	st.rec.StartedAt = &now
	st.rec.StopRequested = false
	st.rec.Mode = mode
	st.rec.StdoutLogPath = stdoutPath
	st.rec.StderrLogPath = stderrPath
	st.rec.LastExitCode = nil
	st.rec.LastError = ""

	waitCh := make(chan int, 1)
	go func() {
		_ = cmd.Wait()
		waitCh <- cmd.ProcessState.ExitCode()
	}()

	logging.Info("Supervisor", "Started %s (pid %d, mode %s)", name, pid, mode)

	deadline := time.After(s.opts.StartTimeout)
	windowEnd := time.Now().Add(s.opts.ReadinessWindow)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case code := <-waitCh:
			st.rec.Status = StatusError
			st.rec.LastExitCode = &code
			st.rec.LastError = fmt.Sprintf("exited during startup with code %d", code)
			_ = removePIDFile(s.helmDir, name)
			return st.rec, newError(KindSpawnFailed, name, "exited during startup with code %d", code)
		case <-ctx.Done():
			return s.abortStartLocked(st, name, pid, waitCh)
		case <-deadline:
			return s.abortStartLocked(st, name, pid, waitCh)
		case <-ticker.C:
			if portOpen(entry.Port, 250*time.Millisecond) || time.Now().After(windowEnd) {
				st.rec.Status = StatusRunning
				s.watchExit(st, pid, waitCh)
				return st.rec, nil
			}
		}
	}
}

// abortStartLocked kills a spawn that missed its deadline. The child is never
// left running unreferenced.
func (s *Supervisor) abortStartLocked(st *serviceState, name string, pid int, waitCh chan int) (ProcessRecord, error) {
	killGroup(pid, syscall.SIGKILL)
	select {
	case code := <-waitCh:
		st.rec.LastExitCode = &code
	case <-time.After(2 * time.Second):
	}
	_ = removePIDFile(s.helmDir, name)
	st.rec.Status = StatusError
	st.rec.LastError = "start_timeout"
	return st.rec, newError(KindStartTimeout, name, "did not become ready within %s", s.opts.StartTimeout)
}

// watchExit reaps the child in the background and records its exit code. The
// status transition for an unexpected death is left to crash detection so the
// error is logged exactly once.
func (s *Supervisor) watchExit(st *serviceState, pid int, waitCh chan int) {
	go func() {
		code := <-waitCh
		st.mu.Lock()
		if st.rec.PID == pid {
			st.rec.LastExitCode = &code
		}
		st.mu.Unlock()
	}()
}

// Stop terminates one service with TERM, escalating to KILL after the grace
// period. Stopping a service that is not running is a no-op success.
func (s *Supervisor) Stop(ctx context.Context, name string) (ProcessRecord, error) {
	_, perr := s.entry(name)
	if perr != nil {
		return ProcessRecord{}, perr
	}

	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.rec.Status != StatusRunning && st.rec.Status != StatusStarting {
		return st.rec, nil
	}
	pid := st.rec.PID
	if !pidAlive(pid) {
		_ = removePIDFile(s.helmDir, name)
		st.rec.Status = StatusStopped
		st.rec.PID = 0
		return st.rec, nil
	}

	st.rec.Status = StatusStopping
	st.rec.StopRequested = true
	killGroup(pid, syscall.SIGTERM)
	logging.Info("Supervisor", "Stopping %s (pid %d)", name, pid)

	deadline := time.After(s.opts.StopTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	killed := false
	for pidAlive(pid) {
		select {
		case <-ctx.Done():
			st.rec.Status = StatusError
			st.rec.LastError = "stop cancelled"
			return st.rec, wrapError(KindStopFailed, name, ctx.Err())
		case <-deadline:
			if killed {
				st.rec.Status = StatusError
				st.rec.LastError = "survived KILL"
				return st.rec, newError(KindStopFailed, name, "pid %d survived KILL", pid)
			}
			logging.Warn("Supervisor", "%s did not exit within %s, sending KILL", name, s.opts.StopTimeout)
			killGroup(pid, syscall.SIGKILL)
			killed = true
			deadline = time.After(5 * time.Second)
		case <-ticker.C:
		}
	}

	_ = removePIDFile(s.helmDir, name)
	st.rec.Status = StatusStopped
	st.rec.PID = 0
	st.rec.StopRequested = false
	logging.Info("Supervisor", "Stopped %s", name)
	return st.rec, nil
}

// Restart is stop followed by start; a no-op stop still proceeds to start.
func (s *Supervisor) Restart(ctx context.Context, name string, mode Mode) (ProcessRecord, error) {
	if _, err := s.Stop(ctx, name); err != nil {
		return ProcessRecord{}, err
	}
	return s.Start(ctx, name, mode)
}

// Status returns the current record for one service.
func (s *Supervisor) Status(name string) (ProcessRecord, error) {
	if _, ok := s.reg.Get(name); !ok {
		return ProcessRecord{}, newError(KindUnknownService, name, "not in the service catalog")
	}
	return s.state(name).snapshot(), nil
}

// StatusAll returns the record of every catalog entry.
func (s *Supervisor) StatusAll() map[string]ProcessRecord {
	out := map[string]ProcessRecord{}
	for _, entry := range s.reg.All() {
		out[entry.Name] = s.state(entry.Name).snapshot()
	}
	return out
}

// AdoptAll reconstructs the running set from pidfiles after an orchestrator
// restart. A pidfile whose PID is dead or belongs to something else is
// removed.
func (s *Supervisor) AdoptAll() {
	for _, entry := range s.reg.All() {
		if entry.Name == registry.HelmService {
			continue
		}
		pid, err := readPIDFile(s.helmDir, entry.Name)
		if err != nil {
			logging.Warn("Supervisor", "Discarding pidfile for %s: %v", entry.Name, err)
			_ = removePIDFile(s.helmDir, entry.Name)
			continue
		}
		if pid == 0 {
			continue
		}
		if !pidAlive(pid) || !belongsToService(pid, entry) {
			logging.Info("Supervisor", "Stale pidfile for %s (pid %d), removing", entry.Name, pid)
			_ = removePIDFile(s.helmDir, entry.Name)
			continue
		}

		st := s.state(entry.Name)
		st.mu.Lock()
		s.adoptLocked(st, entry, pid)
		st.mu.Unlock()
	}
}

func (s *Supervisor) adoptLocked(st *serviceState, entry registry.ServiceEntry, pid int) {
	st.rec.Status = StatusRunning
	st.rec.PID = pid
	st.rec.StopRequested = false
	st.rec.StdoutLogPath = filepath.Join(s.helmDir, logsSubdir, entry.Name+".stdout.log")
	st.rec.StderrLogPath = filepath.Join(s.helmDir, logsSubdir, entry.Name+".stderr.log")
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if ms, err := p.CreateTime(); err == nil {
			t := time.UnixMilli(ms)
			st.rec.StartedAt = &t
		}
	}
	logging.Info("Supervisor", "Adopted running %s (pid %d)", entry.Name, pid)
}

// DetectCrash transitions a service whose process died out from under us to
// error. Returns the updated record and whether a crash was detected; the
// caller owns writing the ERROR log entry.
func (s *Supervisor) DetectCrash(name string) (ProcessRecord, bool) {
	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.rec.Status != StatusRunning || pidAlive(st.rec.PID) {
		return st.rec, false
	}
	st.rec.Status = StatusError
	if st.rec.LastExitCode != nil {
		st.rec.LastError = fmt.Sprintf("process died unexpectedly (exit code %d)", *st.rec.LastExitCode)
	} else {
		st.rec.LastError = "process died unexpectedly"
	}
	_ = removePIDFile(s.helmDir, name)
	return st.rec, true
}

// StartAll starts every supervisable service in install order, services
// sharing an order band concurrently. Already-running services count as
// success.
func (s *Supervisor) StartAll(ctx context.Context, mode Mode) error {
	return s.eachBand(ctx, false, func(ctx context.Context, name string) error {
		_, err := s.Start(ctx, name, mode)
		if IsKind(err, KindAlreadyRunning) {
			return nil
		}
		return err
	})
}

// ShutdownAll stops everything in reverse install order, band by band. Every
// failure is collected; the aggregate lists each failed service with its
// error kind.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	return s.eachBand(ctx, true, func(ctx context.Context, name string) error {
		_, err := s.Stop(ctx, name)
		return err
	})
}

// eachBand runs op for every supervisable service, grouped by install_order.
// A band must fully settle (success or error) before the next band starts.
func (s *Supervisor) eachBand(ctx context.Context, reverse bool, op func(context.Context, string) error) error {
	byOrder := map[int][]string{}
	orders := []int{}
	for _, entry := range s.reg.All() {
		if entry.Name == registry.HelmService {
			continue
		}
		if _, ok := byOrder[entry.InstallOrder]; !ok {
			orders = append(orders, entry.InstallOrder)
		}
		byOrder[entry.InstallOrder] = append(byOrder[entry.InstallOrder], entry.Name)
	}
	sort.Ints(orders)
	if reverse {
		for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
			orders[i], orders[j] = orders[j], orders[i]
		}
	}

	var (
		failMu sync.Mutex
		failed []error
	)
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			failed = append(failed, err)
			break
		}
		g, bandCtx := errgroup.WithContext(ctx)
		for _, name := range byOrder[order] {
			name := name
			g.Go(func() error {
				if err := op(bandCtx, name); err != nil {
					failMu.Lock()
					failed = append(failed, err)
					failMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	return nil
}

// commandLine resolves the argv for a spawn. A relative program path is
// resolved against the service directory, not the orchestrator's cwd.
func commandLine(entry registry.ServiceEntry, mode Mode) ([]string, error) {
	line := entry.RunEntrypoint
	if mode == ModeProduction && entry.WSGICommand != "" {
		line = entry.WSGICommand
	}
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return nil, fmt.Errorf("service %s has no run entrypoint", entry.Name)
	}
	if !filepath.IsAbs(argv[0]) {
		argv[0] = filepath.Join(entry.DirectoryPath, argv[0])
	}
	return argv, nil
}

// killGroup signals the child's whole process group, falling back to the
// single PID when the group is gone.
func killGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
