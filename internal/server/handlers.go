package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"helm/internal/logstore"
	"helm/internal/monitor"
	"helm/internal/supervisor"
)

// handleHealth is the orchestrator's own health contract, served without
// authentication.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if s.logs != nil {
		if err := s.logs.Ping(r.Context()); err != nil {
			checks["database"] = "unreachable"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "unreachable"
	}
	if s.idpDegraded() {
		checks["identity_provider"] = "degraded"
	} else {
		checks["identity_provider"] = "healthy"
	}

	checks["supervisor"] = "healthy"
	for _, status := range s.statuses.Statuses() {
		if status.Status == supervisor.StatusError {
			checks["supervisor"] = "degraded"
			break
		}
	}

	status := "healthy"
	for _, state := range checks {
		if state != "healthy" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "helm",
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
		"version":   s.version,
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.All())
}

func (s *Server) handleAllStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]monitor.ServiceStatus{}
	for _, entry := range s.catalog.All() {
		out[entry.Name] = s.statusFor(entry.Name)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.catalog.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown_service", "no such service: "+name)
		return
	}
	writeJSON(w, http.StatusOK, s.statusFor(name))
}

// statusFor prefers the monitor snapshot; before the first probe a default
// stopped/unknown shape is served.
func (s *Server) statusFor(name string) monitor.ServiceStatus {
	if status, ok := s.statuses.Status(name); ok {
		return status
	}
	entry, _ := s.catalog.Get(name)
	return monitor.ServiceStatus{
		ServiceName: name,
		Port:        entry.Port,
		Status:      supervisor.StatusStopped,
		Health:      monitor.HealthUnknown,
	}
}

// actionRequest is the optional POST body of start/restart.
type actionRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) parseMode(r *http.Request) (supervisor.Mode, bool) {
	var req actionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || len(body) == 0 {
		return s.sup.DefaultMode(), true
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", false
	}
	return supervisor.ParseMode(req.Mode, s.sup.DefaultMode())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	mode, ok := s.parseMode(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid mode")
		return
	}
	rec, err := s.sup.Start(r.Context(), chi.URLParam(r, "name"), mode)
	s.respondAction(w, rec, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sup.Stop(r.Context(), chi.URLParam(r, "name"))
	s.respondAction(w, rec, err)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	mode, ok := s.parseMode(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid mode")
		return
	}
	rec, err := s.sup.Restart(r.Context(), chi.URLParam(r, "name"), mode)
	s.respondAction(w, rec, err)
}

func (s *Server) respondAction(w http.ResponseWriter, rec supervisor.ProcessRecord, err error) {
	if err != nil {
		status, kind := supervisorStatus(err)
		writeError(w, status, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// supervisorStatus maps a process error kind onto the HTTP contract.
func supervisorStatus(err error) (int, string) {
	kind := supervisor.KindOf(err)
	switch kind {
	case supervisor.KindAlreadyRunning:
		return http.StatusConflict, string(kind)
	case supervisor.KindPortInUse:
		return http.StatusUnprocessableEntity, string(kind)
	case supervisor.KindUnknownService:
		return http.StatusNotFound, string(kind)
	case supervisor.KindNotSupervisable:
		return http.StatusForbidden, string(kind)
	case supervisor.KindSpawnFailed, supervisor.KindStartTimeout, supervisor.KindStopFailed:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "log store is not available")
		return
	}

	var batch logstore.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_batch", "invalid JSON body")
		return
	}

	accepted, err := s.logs.IngestBatch(r.Context(), batch)
	if err != nil {
		if errors.Is(err, logstore.ErrMalformedBatch) {
			writeError(w, http.StatusBadRequest, "malformed_batch", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "log store is not available")
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_filter", err.Error())
		return
	}

	entries, total, err := s.logs.Query(r.Context(), filter)
	if err != nil {
		if errors.Is(err, logstore.ErrInvalidFilter) {
			writeError(w, http.StatusBadRequest, "bad_filter", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func filterFromQuery(r *http.Request) (logstore.Filter, error) {
	q := r.URL.Query()
	f := logstore.Filter{
		ServiceName: q.Get("service"),
		MinLevel:    logstore.Level(q.Get("level")),
		TraceID:     q.Get("trace_id"),
		UserID:      q.Get("user_id"),
	}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("from must be RFC3339")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("to must be RFC3339")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, errors.New("offset must be an integer")
		}
	}
	return f, nil
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "log store is not available")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "id must be an integer")
		return
	}
	entry, err := s.logs.GetEntry(r.Context(), id)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "log store is not available")
		return
	}

	name := chi.URLParam(r, "name")
	if _, ok := s.catalog.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown_service", "no such service: "+name)
		return
	}

	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		since = parsed
	}

	samples, err := s.logs.MetricsSince(r.Context(), name, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"service": name, "samples": samples})
}

// handleDashboard aggregates everything the UI needs in one call.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	statuses := map[string]monitor.ServiceStatus{}
	for _, entry := range s.catalog.All() {
		statuses[entry.Name] = s.statusFor(entry.Name)
	}

	var counts []logstore.LevelCount
	if s.logs != nil {
		var err error
		counts, err = s.logs.LevelCountsSince(r.Context(), time.Now().Add(-time.Hour))
		if err != nil {
			counts = nil
		}
	}

	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":     statuses,
		"log_activity": counts,
		"idp_degraded": s.idpDegraded(),
		"hostname":     hostname,
		"version":      s.version,
		"dev_mode":     s.settings.DevMode,
	})
}
