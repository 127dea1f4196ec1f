package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/hedgebot/internal/history"
	"github.com/aristath/hedgebot/internal/store"
)

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Progress      store.Progress `json:"progress"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

// JobResponse is one ledger row as served by GET /api/jobs
type JobResponse struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Label      string    `json:"label"`
	Addresses  []string  `json:"addresses"`
	Mode       int       `json:"mode"`
	Status     string    `json:"status"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	Report     string    `json:"report"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "hedgebot",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.progress != nil {
		resp.Progress = s.progress.Progress()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleJobs returns the most recent ledger rows. ?limit= caps the count (default 50, max 500).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []JobResponse{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	runs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read job history")
		http.Error(w, "failed to read job history", http.StatusInternalServerError)
		return
	}

	out := make([]JobResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toJobResponse(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobsSummary(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, history.Summary{})
		return
	}
	summary, err := s.history.Summarize(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to summarize job history")
		http.Error(w, "failed to summarize job history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func toJobResponse(run history.Run) JobResponse {
	return JobResponse{
		ID:         run.ID,
		RunID:      run.RunID,
		Kind:       run.Kind,
		Label:      run.Label,
		Addresses:  run.Addresses,
		Mode:       int(run.Mode),
		Status:     string(run.Status),
		Succeeded:  run.Succeeded(),
		Error:      run.Error,
		Report:     run.Report,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
