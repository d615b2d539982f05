package supervisor

import (
	"sync"
	"time"
)

// Status is the supervisor-owned lifecycle state of one service.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Mode selects how a managed process is spawned.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode validates a mode string, defaulting empty to fallback.
func ParseMode(s string, fallback Mode) (Mode, bool) {
	switch Mode(s) {
	case "":
		return fallback, true
	case ModeDevelopment, ModeProduction:
		return Mode(s), true
	default:
		return fallback, false
	}
}

// ProcessRecord is the mutable per-service state. Records are created lazily
// on first reference and never destroyed; across orchestrator restarts they
// are reconstructed from pidfiles by adoption.
type ProcessRecord struct {
	ServiceName   string     `json:"service_name"`
	Status        Status     `json:"status"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StopRequested bool       `json:"stop_requested"`
	Mode          Mode       `json:"mode"`
	StdoutLogPath string     `json:"stdout_log_path,omitempty"`
	StderrLogPath string     `json:"stderr_log_path,omitempty"`
	LastExitCode  *int       `json:"last_exit_code,omitempty"`
	LastError     string     `json:"last_error_message,omitempty"`
}

// serviceState pairs a record with its per-service lock. start/stop/restart
// hold the lock exclusively for the whole transition; snapshots copy under it.
type serviceState struct {
	mu  sync.Mutex
	rec ProcessRecord
}

func newServiceState(name string) *serviceState {
	return &serviceState{
		rec: ProcessRecord{ServiceName: name, Status: StatusStopped, Mode: ModeDevelopment},
	}
}

func (s *serviceState) snapshot() ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}
