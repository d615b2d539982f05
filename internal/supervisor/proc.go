package supervisor

import (
	"net"
	"strconv"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"helm/internal/registry"
)

// pidAlive reports whether a process with the given PID exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// belongsToService checks that the PID actually runs the given service, not
// some unrelated process that recycled the number. The executable or command
// line must reference the service directory.
func belongsToService(pid int, entry registry.ServiceEntry) bool {
	if entry.DirectoryPath == "" {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if exe, err := p.Exe(); err == nil && strings.HasPrefix(exe, entry.DirectoryPath) {
		return true
	}
	if cmdline, err := p.Cmdline(); err == nil && strings.Contains(cmdline, entry.DirectoryPath) {
		return true
	}
	return false
}

// portListenerPID returns the PID listening on the TCP port, or 0 when the
// port is free. An unattributable listener reports -1.
func portListenerPID(port int) int {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		if portOpen(port, 250*time.Millisecond) {
			return -1
		}
		return 0
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if c.Pid > 0 {
			return int(c.Pid)
		}
		return -1
	}
	return 0
}

// portOpen dials the local port once with a short timeout.
func portOpen(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
