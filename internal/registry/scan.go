package registry

import (
	"bufio"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"helm/pkg/logging"
)

const (
	// ServicePrefix is the directory naming convention for peer services:
	// a service named "codex" lives in <parent>/hivematrix-codex.
	ServicePrefix = "hivematrix-"

	defaultInterpreter = "pyenv/bin/python"
	defaultRunScript   = "run.py"

	discoveredPortBase  = 5000
	discoveredPortRange = 900
	discoveredOrder     = 99
)

// discoveredPort derives a stable port for a service that has no manifest
// entry. FNV-1a keeps the value identical across runs and platforms.
func discoveredPort(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return discoveredPortBase + int(h.Sum32()%discoveredPortRange)
}

// scanServices walks the parent directory for hivematrix-* entries that
// contain a run entrypoint and returns the derived service names mapped to
// their absolute directory paths.
func scanServices(parentDir string) map[string]string {
	found := map[string]string{}

	entries, err := os.ReadDir(parentDir)
	if err != nil {
		logging.Warn("Registry", "Cannot scan parent directory %s: %v", parentDir, err)
		return found
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ServicePrefix) {
			continue
		}
		name := strings.TrimPrefix(entry.Name(), ServicePrefix)
		if !nameRe.MatchString(name) {
			logging.Debug("Registry", "Skipping %s: not a valid service slug", entry.Name())
			continue
		}
		dir := filepath.Join(parentDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, defaultRunScript)); err != nil {
			logging.Debug("Registry", "Skipping %s: no %s entrypoint", entry.Name(), defaultRunScript)
			continue
		}
		found[name] = dir
	}
	return found
}

// findKeycloakDir locates the identity provider installation in the parent
// directory. The pinned version is read from keycloak_version.conf in the
// helm directory; any keycloak-* directory is accepted as a fallback so a
// manually upgraded install keeps working.
func findKeycloakDir(helmDir, parentDir string) (string, bool) {
	version := keycloakVersion(helmDir)
	pinned := filepath.Join(parentDir, "keycloak-"+version)
	if st, err := os.Stat(pinned); err == nil && st.IsDir() {
		return pinned, true
	}

	entries, err := os.ReadDir(parentDir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "keycloak-") {
			return filepath.Join(parentDir, entry.Name()), true
		}
	}
	return "", false
}

const defaultKeycloakVersion = "26.4.0"

func keycloakVersion(helmDir string) string {
	f, err := os.Open(filepath.Join(helmDir, "keycloak_version.conf"))
	if err != nil {
		return defaultKeycloakVersion
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "KEYCLOAK_VERSION="); ok {
			return strings.TrimSpace(v)
		}
	}
	return defaultKeycloakVersion
}
