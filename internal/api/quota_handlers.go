package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listQuotas(w http.ResponseWriter, _ *http.Request) {
	statuses := s.quota.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"providers": statuses, "count": len(statuses)})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": s.quota.Status(chi.URLParam(r, "provider")),
	})
}

// acquireProvider hands a satellite a permit for one metered provider call.
// 429 means the quota is spent for the period; 503 means the breaker is open
// or the half-open trial slot is taken, so the satellite should retry later.
func (s *Server) acquireProvider(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := s.quota.Acquire(r.Context(), provider); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider})
}

type providerReportRequest struct {
	Success   bool  `json:"success"`
	LatencyMS int64 `json:"latency_ms"`
}

func (s *Server) reportProviderCall(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req providerReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.quota.RecordCall(provider, req.Success, time.Duration(req.LatencyMS)*time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": s.quota.Status(provider),
	})
}
