package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"helm/internal/registry"
)

// prober performs the port and HTTP checks for one service.
type prober struct {
	timeout time.Duration
	client  *http.Client
}

func newProber(timeout time.Duration) *prober {
	return &prober{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// healthResponse is the contract every managed service exposes on /health.
type healthResponse struct {
	Service string            `json:"service"`
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
}

// probe runs the port and HTTP checks in sequence. The caller has already
// established that the process is alive.
func (p *prober) probe(ctx context.Context, entry registry.ServiceEntry) (Health, string) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(entry.Port))
	conn, err := net.DialTimeout("tcp", addr, p.timeout)
	if err != nil {
		return HealthUnreachable, fmt.Sprintf("port %d not accepting connections", entry.Port)
	}
	conn.Close()

	// The identity provider has no /health contract; an open port is the
	// best signal available.
	if entry.ProcessKind == registry.KindExternalJava {
		return HealthHealthy, ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL()+"/health", nil)
	if err != nil {
		return HealthUnreachable, err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return HealthUnreachable, fmt.Sprintf("health endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthUnreachable, fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return HealthUnreachable, fmt.Sprintf("reading health response: %v", err)
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return HealthUnreachable, "health endpoint returned malformed JSON"
	}

	switch health.Status {
	case "healthy":
		return HealthHealthy, ""
	case "degraded":
		return HealthDegraded, describeChecks(health.Checks)
	default:
		return HealthUnreachable, fmt.Sprintf("health endpoint reported %q", health.Status)
	}
}

// describeChecks summarizes the failing components of a degraded response.
func describeChecks(checks map[string]string) string {
	bad := []string{}
	for component, state := range checks {
		if state != "healthy" {
			bad = append(bad, component+"="+state)
		}
	}
	if len(bad) == 0 {
		return "degraded"
	}
	sort.Strings(bad)
	return strings.Join(bad, ", ")
}

// tailFile returns up to n trailing bytes of a file, for attaching stderr to
// crash reports.
func tailFile(path string, n int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	data := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(data, offset); err != nil && err != io.EOF {
		return ""
	}
	return strings.TrimSpace(string(data))
}
