package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linkorbit/coordinator/internal/core"
)

type heartbeatRequest struct {
	CurrentJobID string `json:"current_job_id,omitempty"`
	Progress     int    `json:"progress_percentage,omitempty"`
}

type heartbeatResponse struct {
	Commands   []core.ControlCommand `json:"commands,omitempty"`
	AbortJobs  []string              `json:"abort_jobs,omitempty"`
	Assignment *core.CrawlJob        `json:"assignment,omitempty"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	satelliteID := chi.URLParam(r, "satellite_id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	commands, aborts, assignment := s.dispatcher.Heartbeat(r.Context(), satelliteID, req.CurrentJobID, req.Progress)
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Commands:   commands,
		AbortJobs:  aborts,
		Assignment: assignment,
	})
}

func (s *Server) listSatellites(w http.ResponseWriter, _ *http.Request) {
	workers := s.fleet.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"satellites": workers, "count": len(workers)})
}

func (s *Server) getSatellite(w http.ResponseWriter, r *http.Request) {
	worker, err := s.fleet.Get(chi.URLParam(r, "satellite_id"))
	if err != nil {
		writeError(w, statusForError(err), "satellite not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"satellite": worker})
}

type controlRequest struct {
	Command core.ControlCommand `json:"command"`
}

func (s *Server) controlSatellite(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, chi.URLParam(r, "satellite_id"))
}

func (s *Server) controlAllSatellites(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "all")
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, target string) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.fleet.Control(target, req.Command); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"target":  target,
		"command": string(req.Command),
	})
}

type progressRequest struct {
	Progress    int   `json:"progress_percentage"`
	URLsCrawled int64 `json:"urls_crawled"`
	LinksFound  int64 `json:"links_found"`
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	satelliteID := chi.URLParam(r, "satellite_id")
	jobID := chi.URLParam(r, "job_id")
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.dispatcher.Progress(r.Context(), satelliteID, jobID, req.Progress, req.URLsCrawled, req.LinksFound); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

type completeRequest struct {
	Success     bool              `json:"success"`
	Errors      []core.CrawlError `json:"errors,omitempty"`
	URLsCrawled int64             `json:"urls_crawled"`
	LinksFound  int64             `json:"links_found"`
}

func (s *Server) reportComplete(w http.ResponseWriter, r *http.Request) {
	satelliteID := chi.URLParam(r, "satellite_id")
	jobID := chi.URLParam(r, "job_id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.dispatcher.Complete(r.Context(), satelliteID, jobID, req.Success, req.Errors, req.URLsCrawled, req.LinksFound)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}
