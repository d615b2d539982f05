package registry

import (
	"fmt"
	"regexp"
)

// Source records where a catalog entry came from. When a service appears in
// more than one bucket the strongest source wins:
// core_required > default_optional > discovered.
type Source string

const (
	SourceCoreRequired    Source = "core_required"
	SourceDefaultOptional Source = "default_optional"
	SourceDiscovered      Source = "discovered"
)

func (s Source) rank() int {
	switch s {
	case SourceCoreRequired:
		return 3
	case SourceDefaultOptional:
		return 2
	case SourceDiscovered:
		return 1
	default:
		return 0
	}
}

// ProcessKind distinguishes the two supervision strategies.
type ProcessKind string

const (
	// KindManagedPython is a Flask-style service spawned as
	// <dir>/<interpreter> <script> with cwd set to the service directory.
	KindManagedPython ProcessKind = "managed_python"
	// KindExternalJava is the identity provider, started by its own
	// script; stdout/stderr are still captured by the supervisor.
	KindExternalJava ProcessKind = "external_java"
)

// ServiceEntry is one element of the catalog.
type ServiceEntry struct {
	Name          string      `json:"name"`
	DisplayName   string      `json:"display_name,omitempty"`
	Description   string      `json:"description,omitempty"`
	Source        Source      `json:"source"`
	Port          int         `json:"port"`
	Dependencies  []string    `json:"dependencies,omitempty"`
	InstallOrder  int         `json:"install_order"`
	GitURL        string      `json:"git_url,omitempty"`
	DirectoryPath string      `json:"directory_path"`
	ProcessKind   ProcessKind `json:"process_kind"`
	// RunEntrypoint is the relative command line that starts the service
	// in development mode, e.g. "pyenv/bin/python run.py" or
	// "bin/kc.sh start-dev".
	RunEntrypoint string `json:"run_entrypoint"`
	// WSGICommand, when set, replaces RunEntrypoint in production mode.
	WSGICommand string `json:"wsgi_command,omitempty"`
	Visible     bool   `json:"visible"`
	AdminOnly   bool   `json:"admin_only,omitempty"`
}

// URL returns the local base URL peers use to reach the service.
func (e ServiceEntry) URL() string {
	return fmt.Sprintf("http://localhost:%d", e.Port)
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidateEntry enforces the catalog invariants for a single entry.
func ValidateEntry(e ServiceEntry) error {
	if !nameRe.MatchString(e.Name) {
		return fmt.Errorf("service name %q is not a valid slug", e.Name)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("service %s: port %d out of range", e.Name, e.Port)
	}
	return nil
}

// SystemDependency is a non-service prerequisite from the manifest
// (identity provider, relational DB, optional graph DB).
type SystemDependency struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}
