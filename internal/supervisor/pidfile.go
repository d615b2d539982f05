package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const pidsSubdir = "pids"

// pidFilePath returns pids/<name>.pid under the helm directory.
func pidFilePath(helmDir, name string) string {
	return filepath.Join(helmDir, pidsSubdir, name+".pid")
}

// writePIDFile records the PID as a decimal line, atomically. The file is the
// only state that survives an orchestrator restart.
func writePIDFile(helmDir, name string, pid int) error {
	dir := filepath.Join(helmDir, pidsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, name+".pid.tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, pidFilePath(helmDir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// readPIDFile returns the recorded PID, or 0 when no pidfile exists.
func readPIDFile(helmDir, name string) (int, error) {
	data, err := os.ReadFile(pidFilePath(helmDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile for %s is corrupt: %q", name, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// removePIDFile deletes the pidfile; a missing file is not an error.
func removePIDFile(helmDir, name string) error {
	err := os.Remove(pidFilePath(helmDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
