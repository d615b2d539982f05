package registry

import (
	"encoding/json"
	"fmt"
	"os"
)

// manifestEntry is the static description of a known service in
// apps_registry.json. Runtime fields (directory, source) are filled in
// during reconciliation.
type manifestEntry struct {
	DisplayName  string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Port         int      `json:"port"`
	Dependencies []string `json:"dependencies,omitempty"`
	InstallOrder int      `json:"install_order,omitempty"`
	GitURL       string   `json:"git_url,omitempty"`
	Visible      *bool    `json:"visible,omitempty"`
	AdminOnly    bool     `json:"admin_only,omitempty"`
	WSGICommand  string   `json:"wsgi_command,omitempty"`
}

// Manifest is the parsed apps_registry.json: two named service buckets plus
// the system prerequisites.
type Manifest struct {
	CoreRequired       map[string]manifestEntry    `json:"core_required"`
	DefaultOptional    map[string]manifestEntry    `json:"default_optional"`
	SystemDependencies map[string]SystemDependency `json:"system_dependencies"`
}

// LoadManifest reads and parses the static manifest. A missing manifest is
// an installation error: without it the core_required set is unknown.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading service manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing service manifest %s: %w", path, err)
	}
	return m, nil
}

// lookup returns the manifest entry and its bucket for a service name.
func (m Manifest) lookup(name string) (manifestEntry, Source, bool) {
	// core_required wins when a name somehow appears in both buckets.
	if e, ok := m.CoreRequired[name]; ok {
		return e, SourceCoreRequired, true
	}
	if e, ok := m.DefaultOptional[name]; ok {
		return e, SourceDefaultOptional, true
	}
	return manifestEntry{}, "", false
}
