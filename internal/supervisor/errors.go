package supervisor

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification carried by every
// supervisor failure. API handlers map kinds onto HTTP statuses.
type ErrorKind string

const (
	KindPortInUse       ErrorKind = "port_in_use"
	KindAlreadyRunning  ErrorKind = "already_running"
	KindSpawnFailed     ErrorKind = "spawn_failed"
	KindStartTimeout    ErrorKind = "start_timeout"
	KindStopFailed      ErrorKind = "stop_failed"
	KindUnknownService  ErrorKind = "unknown_service"
	KindNotSupervisable ErrorKind = "not_supervisable"
)

// ProcessError is a supervisor operation failure for one service.
type ProcessError struct {
	Kind    ErrorKind
	Service string
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Service, e.Kind, msg)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind from err, unwrapping as needed. Errors that
// did not originate in the supervisor report an empty kind.
func KindOf(err error) ErrorKind {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is or wraps a ProcessError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func newError(kind ErrorKind, service, format string, args ...interface{}) *ProcessError {
	return &ProcessError{Kind: kind, Service: service, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, service string, err error) *ProcessError {
	return &ProcessError{Kind: kind, Service: service, Err: err}
}
