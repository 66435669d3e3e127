package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/linnixhq/linnixd/internal/hub"
	"github.com/linnixhq/linnixd/internal/snapshot"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := s.metrics.Snapshot()
	status := s.builder.Status(m.ProbesAttached, m.ProbesSkipped)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := snapshot.ProcessListOptions{
		Filter: q.Get("filter"),
		Sort:   q.Get("sort"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			opts.Limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.builder.Processes(opts))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePid(mux.Vars(r)["pid"])
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	p, ok := s.builder.Process(pid)
	if !ok {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProcessesLive(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWebSocket(w, r, hub.SubjectProcesses)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePid(mux.Vars(r)["pid"])
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.builder.Graph(pid))
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.builder.System(uint64(time.Now().UnixNano())))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWebSocket(w, r, hub.SubjectEvents)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWebSocket(w, r, hub.SubjectAlerts)
}

func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := s.builder.Alert(id)
	if !ok {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.builder.Timeline(limit))
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.builder.Metrics())
}

func parsePid(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
