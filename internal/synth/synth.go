// Package synth generates the per-service configuration files from the
// master config and the service catalog. Synthesis is a pure function of its
// inputs: running it twice writes byte-identical files, so it is re-run on
// every boot and whenever an admin triggers a reconcile.
package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"helm/internal/config"
	"helm/internal/registry"
	"helm/pkg/logging"
)

// EnvFileName is the key=value file written into each service directory.
const EnvFileName = ".env"

// Synthesizer writes env and conn files for managed services.
type Synthesizer struct {
	helmDir string
}

// New creates a synthesizer. helmDir is only used to locate the identity
// service's JWT keypair.
func New(helmDir string) *Synthesizer {
	return &Synthesizer{helmDir: helmDir}
}

// WriteServiceConfig synthesizes and writes both output files for one
// service. The service directory must exist; instance/ is created when a
// conn file is needed.
func (s *Synthesizer) WriteServiceConfig(cfg config.MasterConfig, entry registry.ServiceEntry, thin map[string]registry.ThinEntry) error {
	if _, err := os.Stat(entry.DirectoryPath); err != nil {
		return fmt.Errorf("service directory for %s: %w", entry.Name, err)
	}

	if entry.Name == registry.IdentityService {
		if err := EnsureJWTKeys(filepath.Join(entry.DirectoryPath, "keys")); err != nil {
			return fmt.Errorf("ensuring JWT keys for %s: %w", entry.Name, err)
		}
	}

	env := GenerateEnvFile(cfg, entry, thin)
	if err := os.WriteFile(filepath.Join(entry.DirectoryPath, EnvFileName), []byte(env), 0o600); err != nil {
		return fmt.Errorf("writing env file for %s: %w", entry.Name, err)
	}

	conn, ok := GenerateConnFile(cfg, entry)
	if ok {
		instanceDir := filepath.Join(entry.DirectoryPath, "instance")
		if err := os.MkdirAll(instanceDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(instanceDir, entry.Name+".conf")
		if err := os.WriteFile(path, []byte(conn), 0o600); err != nil {
			return fmt.Errorf("writing conn file for %s: %w", entry.Name, err)
		}
	}

	logging.Debug("Synth", "Synthesized config for %s", entry.Name)
	return nil
}

// SyncAll re-synthesizes every catalog entry that has a directory on disk.
// The identity provider is skipped: its configuration lives in its own
// store and is reconciled through the admin API instead.
func (s *Synthesizer) SyncAll(cfg config.MasterConfig, entries []registry.ServiceEntry, thin map[string]registry.ThinEntry) error {
	var failed []string
	for _, entry := range entries {
		if entry.ProcessKind == registry.KindExternalJava {
			continue
		}
		if err := s.WriteServiceConfig(cfg, entry, thin); err != nil {
			logging.Error("Synth", err, "Failed to synthesize config for %s", entry.Name)
			failed = append(failed, entry.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("config synthesis failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

// idpBackendURL is the direct address of the IDP process on this host,
// falling back to the frontend URL when no separate backend is configured.
func idpBackendURL(cfg config.MasterConfig) string {
	if cfg.IdentityProvider.BackendURL != "" {
		return cfg.IdentityProvider.BackendURL
	}
	return cfg.IdentityProvider.URL
}

// idpServerURL applies the URL rewriting rule: the identity service talks to
// the IDP backend directly; everyone else goes through the external proxy
// unless the host is still localhost.
func idpServerURL(cfg config.MasterConfig, serviceName string) string {
	backend := idpBackendURL(cfg)
	if serviceName == registry.IdentityService {
		return backend
	}
	hostname := cfg.System.Hostname
	if hostname == "localhost" || hostname == "" {
		return backend
	}
	return fmt.Sprintf("https://%s/keycloak", hostname)
}

// peerURL computes the externally usable URL for a peer service. The proxy
// service (nexus) is reached on 443 once the host has a real name or IP.
func peerURL(cfg config.MasterConfig, name string, thin registry.ThinEntry) string {
	hostname := cfg.System.Hostname
	if name == "nexus" && hostname != "localhost" && hostname != "" {
		return fmt.Sprintf("https://%s", hostname)
	}
	return thin.URL
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
