package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/dispatch"
	"github.com/linkorbit/coordinator/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type submitJobRequest struct {
	TargetURL    string          `json:"target_url"`
	JobType      core.JobType    `json:"job_type"`
	Priority     *int            `json:"priority,omitempty"`
	Config       *core.JobConfig `json:"config,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	CronSchedule string          `json:"cron_schedule,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec := dispatch.JobSpec{
		TargetURL:    req.TargetURL,
		Type:         req.JobType,
		Priority:     req.Priority,
		ScheduledAt:  req.ScheduledAt,
		CronSchedule: req.CronSchedule,
	}
	if req.Config != nil {
		spec.Config = *req.Config
	}
	job, err := s.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, statusForError(err), "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{Limit: defaultJobLimit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := core.JobStatus(raw)
		switch status {
		case core.JobStatusQueued, core.JobStatusInProgress, core.JobStatusCompleted,
			core.JobStatusFailed, core.JobStatusCancelled:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxJobLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	prev, err := s.dispatcher.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":          jobID,
		"previous_status": string(prev),
	})
}

func (s *Server) pauseDispatch(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.PauseAll()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeDispatch(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.ResumeAll()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
