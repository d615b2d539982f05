package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"helm/pkg/logging"
)

const (
	configsSubdir  = "instance/configs"
	masterFileName = "master_config.json"
)

// ErrMalformedConfig wraps any parse or validation failure of the on-disk
// master document. It is fatal at startup: the orchestrator never silently
// recovers a broken config, the admin has to fix the file.
var ErrMalformedConfig = errors.New("malformed master config")

// ErrProtectedSection is returned when an update would remove the system or
// identity_provider sections.
var ErrProtectedSection = errors.New("system and identity_provider sections cannot be removed")

// Store owns the master configuration document. All reads snapshot the
// current document under a read lock; mutations hold the write lock for the
// duration of the file replace.
type Store struct {
	mu      sync.RWMutex
	helmDir string
	current MasterConfig
	loaded  bool
}

// NewStore creates a store rooted at the helm installation directory.
// No I/O happens until Load.
func NewStore(helmDir string) *Store {
	return &Store{helmDir: helmDir}
}

// Path returns the location of the persisted document.
func (s *Store) Path() string {
	return filepath.Join(s.helmDir, configsSubdir, masterFileName)
}

// Load reads the master document from disk, creating the default one if it
// does not exist yet. A document that exists but does not parse is a fatal
// condition surfaced as ErrMalformedConfig.
func (s *Store) Load() (MasterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		logging.Info("ConfigStore", "No master config at %s, creating defaults", s.Path())
		s.current = DefaultMasterConfig()
		s.loaded = true
		if err := s.writeLocked(s.current); err != nil {
			return MasterConfig{}, err
		}
		return s.current, nil
	}
	if err != nil {
		return MasterConfig{}, fmt.Errorf("reading master config: %w", err)
	}

	cfg, err := decodeMasterConfig(data)
	if err != nil {
		return MasterConfig{}, fmt.Errorf("%w: %s: %v", ErrMalformedConfig, s.Path(), err)
	}
	if cfg.Apps == nil {
		cfg.Apps = map[string]AppConfig{}
	}
	s.current = cfg
	s.loaded = true
	return cfg, nil
}

// Get returns a snapshot of the current document. Load must have succeeded.
func (s *Store) Get() MasterConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.current)
}

// Save atomically replaces the on-disk document with cfg.
func (s *Store) Save(cfg MasterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(cfg); err != nil {
		return err
	}
	s.current = cfg
	return nil
}

// Update deep-merges patch into the current document and persists the
// result. Removing the system or identity_provider sections is refused.
func (s *Store) Update(patch map[string]interface{}) (MasterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := patch["system"]; ok && v == nil {
		return MasterConfig{}, ErrProtectedSection
	}
	if v, ok := patch["identity_provider"]; ok && v == nil {
		return MasterConfig{}, ErrProtectedSection
	}

	raw, err := toMap(s.current)
	if err != nil {
		return MasterConfig{}, err
	}
	deepMerge(raw, patch)

	data, err := json.Marshal(raw)
	if err != nil {
		return MasterConfig{}, err
	}
	merged, err := decodeMasterConfig(data)
	if err != nil {
		return MasterConfig{}, fmt.Errorf("%w: patch produced invalid document: %v", ErrMalformedConfig, err)
	}
	if err := s.writeLocked(merged); err != nil {
		return MasterConfig{}, err
	}
	s.current = merged
	return snapshot(merged), nil
}

// ClearClientSecret removes only the identity provider client secret. The
// bootstrap reconciliation uses an absent secret as the signal to run a full
// re-bootstrap.
func (s *Store) ClearClientSecret() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.current
	cfg.IdentityProvider.ClientSecret = ""
	if err := s.writeLocked(cfg); err != nil {
		return err
	}
	s.current = cfg
	return nil
}

// SetHostname records a re-detected hostname and persists it.
func (s *Store) SetHostname(hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.current
	cfg.System.Hostname = hostname
	if err := s.writeLocked(cfg); err != nil {
		return err
	}
	s.current = cfg
	return nil
}

// SetClientSecret persists the secret fetched from the identity provider.
func (s *Store) SetClientSecret(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.current
	cfg.IdentityProvider.ClientSecret = secret
	if err := s.writeLocked(cfg); err != nil {
		return err
	}
	s.current = cfg
	return nil
}

// SetApp stores the configuration for one service.
func (s *Store) SetApp(name string, app AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.current
	apps := make(map[string]AppConfig, len(cfg.Apps)+1)
	for k, v := range cfg.Apps {
		apps[k] = v
	}
	apps[name] = app
	cfg.Apps = apps
	if err := s.writeLocked(cfg); err != nil {
		return err
	}
	s.current = cfg
	return nil
}

// writeLocked performs the atomic write-temp-then-rename replace. The caller
// holds the write lock.
func (s *Store) writeLocked(cfg MasterConfig) error {
	dir := filepath.Join(s.helmDir, configsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, masterFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing master config: %w", err)
	}
	return nil
}

// decodeMasterConfig parses the document strictly, after translating the
// legacy key layout (keycloak, databases.postgresql, databases.neo4j) that
// older installations still carry.
func decodeMasterConfig(data []byte) (MasterConfig, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return MasterConfig{}, err
	}
	migrateLegacyKeys(raw)

	translated, err := json.Marshal(raw)
	if err != nil {
		return MasterConfig{}, err
	}

	var cfg MasterConfig
	dec := json.NewDecoder(bytes.NewReader(translated))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return MasterConfig{}, err
	}
	return cfg, nil
}

func migrateLegacyKeys(raw map[string]json.RawMessage) {
	if kc, ok := raw["keycloak"]; ok {
		if _, exists := raw["identity_provider"]; !exists {
			raw["identity_provider"] = kc
		}
		delete(raw, "keycloak")
	}

	dbRaw, ok := raw["databases"]
	if !ok {
		return
	}
	var dbs map[string]json.RawMessage
	if err := json.Unmarshal(dbRaw, &dbs); err != nil {
		return // leave it for the strict decoder to reject
	}
	changed := false
	if pg, ok := dbs["postgresql"]; ok {
		if _, exists := dbs["relational"]; !exists {
			dbs["relational"] = pg
		}
		delete(dbs, "postgresql")
		changed = true
	}
	if neo, ok := dbs["neo4j"]; ok {
		if _, exists := dbs["graph"]; !exists {
			dbs["graph"] = neo
		}
		delete(dbs, "neo4j")
		changed = true
	}
	if changed {
		if data, err := json.Marshal(dbs); err == nil {
			raw["databases"] = data
		}
	}
}

func toMap(cfg MasterConfig) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMerge overlays patch onto dst in place. Nested objects merge key by
// key; any other value (including nil) replaces the destination.
func deepMerge(dst, patch map[string]interface{}) {
	for k, v := range patch {
		if sub, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(existing, sub)
				continue
			}
		}
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

func snapshot(cfg MasterConfig) MasterConfig {
	out := cfg
	out.Apps = make(map[string]AppConfig, len(cfg.Apps))
	for k, v := range cfg.Apps {
		out.Apps[k] = v
	}
	if cfg.Databases.Graph != nil {
		g := *cfg.Databases.Graph
		out.Databases.Graph = &g
	}
	return out
}
