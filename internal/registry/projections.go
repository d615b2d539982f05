package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"helm/pkg/logging"
)

// Projection file names. The thick registry is read by supervisor tooling,
// the thin one by the managed services for peer discovery.
const (
	ThickRegistryFile = "thick-registry.json"
	ThinRegistryFile  = "thin-registry.json"
)

// ThinEntry is the peer-discovery projection of a catalog entry.
type ThinEntry struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// ThickEntry adds the fields the supervisor needs.
type ThickEntry struct {
	URL           string `json:"url"`
	Port          int    `json:"port"`
	DirectoryPath string `json:"directory_path"`
	RunEntrypoint string `json:"run_entrypoint"`
	Visible       bool   `json:"visible"`
	AdminOnly     bool   `json:"admin_only,omitempty"`
}

// Thin returns the peer-discovery view of the catalog.
func (r *Registry) Thin() map[string]ThinEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ThinEntry, len(r.catalog))
	for name, e := range r.catalog {
		out[name] = ThinEntry{URL: e.URL(), Port: e.Port}
	}
	return out
}

// Thick returns the supervisor view of the catalog.
func (r *Registry) Thick() map[string]ThickEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ThickEntry, len(r.catalog))
	for name, e := range r.catalog {
		out[name] = ThickEntry{
			URL:           e.URL(),
			Port:          e.Port,
			DirectoryPath: e.DirectoryPath,
			RunEntrypoint: e.RunEntrypoint,
			Visible:       e.Visible,
			AdminOnly:     e.AdminOnly,
		}
	}
	return out
}

// WriteProjections rewrites both registry files in the helm directory.
// encoding/json sorts map keys, so repeated writes with an unchanged catalog
// are byte-identical.
func (r *Registry) WriteProjections() error {
	if err := writeJSON(filepath.Join(r.helmDir, ThickRegistryFile), r.Thick()); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(r.helmDir, ThinRegistryFile), r.Thin()); err != nil {
		return err
	}
	logging.Debug("Registry", "Wrote registry projections to %s", r.helmDir)
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
