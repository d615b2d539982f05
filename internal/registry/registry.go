package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"helm/pkg/logging"
)

// Well-known service names with special handling during reconcile.
const (
	// HelmService is the orchestrator itself; it appears in the catalog so
	// peers can discover it, but the supervisor never manages it.
	HelmService = "helm"
	// IdentityService is the core auth service that mints tokens.
	IdentityService = "core"
	// IDPService is the external Keycloak process.
	IDPService = "keycloak"
)

const (
	helmPort = 5004
	idpPort  = 8080
)

// ErrMissingCoreService indicates a core_required service was not found on
// disk after reconcile. This is a fatal installation error.
var ErrMissingCoreService = errors.New("required core service missing")

// ErrDuplicatePort indicates two catalog entries claim the same port.
var ErrDuplicatePort = errors.New("duplicate service port")

// Registry is the authoritative service catalog: the static manifest merged
// with whatever the filesystem scan finds next to the helm directory.
type Registry struct {
	helmDir      string
	parentDir    string
	manifestPath string

	mu       sync.RWMutex
	manifest Manifest
	catalog  map[string]ServiceEntry
}

// New creates a registry rooted at the helm installation directory. Peer
// services are expected as siblings of helmDir.
func New(helmDir string) *Registry {
	return &Registry{
		helmDir:      helmDir,
		parentDir:    filepath.Dir(helmDir),
		manifestPath: filepath.Join(helmDir, "apps_registry.json"),
		catalog:      map[string]ServiceEntry{},
	}
}

// Reconcile rebuilds the catalog: load the manifest, scan the parent
// directory, promote discovered entries that the manifest knows about, and
// verify the invariants. On success the two on-disk projections are
// rewritten for external consumers.
func (r *Registry) Reconcile() error {
	manifest, err := LoadManifest(r.manifestPath)
	if err != nil {
		return err
	}

	catalog := map[string]ServiceEntry{}

	// The orchestrator itself is always present.
	catalog[HelmService] = ServiceEntry{
		Name:          HelmService,
		DisplayName:   "Helm",
		Description:   "Service orchestration and monitoring",
		Source:        SourceCoreRequired,
		Port:          helmPort,
		InstallOrder:  0,
		DirectoryPath: r.helmDir,
		ProcessKind:   KindManagedPython,
		RunEntrypoint: defaultInterpreter + " " + defaultRunScript,
		Visible:       true,
	}

	// The identity provider joins the catalog when its install directory
	// exists. It is started by its own script and supervised like any
	// other process.
	if idpDir, ok := findKeycloakDir(r.helmDir, r.parentDir); ok {
		catalog[IDPService] = ServiceEntry{
			Name:          IDPService,
			DisplayName:   "Keycloak",
			Description:   "Identity provider",
			Source:        SourceCoreRequired,
			Port:          idpPort,
			InstallOrder:  1,
			DirectoryPath: idpDir,
			ProcessKind:   KindExternalJava,
			RunEntrypoint: "bin/kc.sh start-dev",
			Visible:       false,
		}
	}

	for name, dir := range scanServices(r.parentDir) {
		entry := buildEntry(manifest, name, dir)
		if existing, ok := catalog[name]; ok && existing.Source.rank() >= entry.Source.rank() {
			continue
		}
		catalog[name] = entry
	}

	if err := validateCatalog(manifest, catalog); err != nil {
		return err
	}

	r.mu.Lock()
	r.manifest = manifest
	r.catalog = catalog
	r.mu.Unlock()

	if err := r.WriteProjections(); err != nil {
		return err
	}

	logging.Info("Registry", "Reconciled catalog: %d services", len(catalog))
	return nil
}

// buildEntry turns one scanned directory into a catalog entry, taking the
// manifest entry verbatim when the name is known and synthesizing a
// discovered entry otherwise.
func buildEntry(manifest Manifest, name, dir string) ServiceEntry {
	entry := ServiceEntry{
		Name:          name,
		Source:        SourceDiscovered,
		Port:          discoveredPort(name),
		InstallOrder:  discoveredOrder,
		DirectoryPath: dir,
		ProcessKind:   KindManagedPython,
		RunEntrypoint: defaultInterpreter + " " + defaultRunScript,
		Visible:       true,
	}

	if m, source, ok := manifest.lookup(name); ok {
		entry.Source = source
		entry.DisplayName = m.DisplayName
		entry.Description = m.Description
		entry.Port = m.Port
		entry.Dependencies = append([]string(nil), m.Dependencies...)
		entry.InstallOrder = m.InstallOrder
		entry.GitURL = m.GitURL
		entry.AdminOnly = m.AdminOnly
		entry.WSGICommand = m.WSGICommand
		if m.Visible != nil {
			entry.Visible = *m.Visible
		}
	}
	return entry
}

func validateCatalog(manifest Manifest, catalog map[string]ServiceEntry) error {
	for name := range manifest.CoreRequired {
		if _, ok := catalog[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingCoreService, name)
		}
	}

	byPort := map[int]string{}
	for _, entry := range catalog {
		if err := ValidateEntry(entry); err != nil {
			return err
		}
		if other, ok := byPort[entry.Port]; ok {
			return fmt.Errorf("%w: %d claimed by both %s and %s", ErrDuplicatePort, entry.Port, other, entry.Name)
		}
		byPort[entry.Port] = entry.Name
	}
	return nil
}

// Get returns the entry for a service name.
func (r *Registry) Get(name string) (ServiceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.catalog[name]
	return e, ok
}

// All returns the catalog sorted by install order, then name. The order is
// the startup order; shutdown walks it in reverse.
func (r *Registry) All() []ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]ServiceEntry, 0, len(r.catalog))
	for _, e := range r.catalog {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].InstallOrder != entries[j].InstallOrder {
			return entries[i].InstallOrder < entries[j].InstallOrder
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Names returns all service names in startup order.
func (r *Registry) Names() []string {
	entries := r.All()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// SystemDependencies returns the non-service prerequisites from the manifest.
func (r *Registry) SystemDependencies() map[string]SystemDependency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]SystemDependency, len(r.manifest.SystemDependencies))
	for k, v := range r.manifest.SystemDependencies {
		out[k] = v
	}
	return out
}
