// Package memory provides an in-memory job store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/store"
)

// JobStore implements store.JobStore with a mutex-guarded map.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]core.CrawlJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]core.CrawlJob)}
}

// Create stores a new job in queued status.
func (s *JobStore) Create(_ context.Context, job core.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrConflict)
	}
	if job.Status != core.JobStatusQueued {
		return fmt.Errorf("job %s must be created queued: %w", job.ID, store.ErrConflict)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (core.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.CrawlJob{}, core.ErrNotFound
	}
	return job.Clone(), nil
}

// List returns jobs matching the filter ordered by creation time, then id.
func (s *JobStore) List(_ context.Context, filter store.ListFilter) ([]core.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Claim atomically flips queued -> in_progress and records the assignment.
func (s *JobStore) Claim(_ context.Context, jobID, satelliteID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.ErrNotFound
	}
	if job.Status != core.JobStatusQueued {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, store.ErrConflict)
	}
	job.Status = core.JobStatusInProgress
	job.AssignedSatelliteID = satelliteID
	started := now
	job.StartedAt = &started
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress applies an in-flight progress report.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int, urlsCrawled, linksFound int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.ErrNotFound
	}
	if job.Status != core.JobStatusInProgress {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, store.ErrConflict)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.ProgressPercentage = progress
	job.URLsCrawled = urlsCrawled
	job.LinksFound = linksFound
	s.jobs[jobID] = job
	return nil
}

// Finish moves an in_progress job to a terminal state.
func (s *JobStore) Finish(_ context.Context, jobID string, status core.JobStatus, errs []core.CrawlError, now time.Time) (core.CrawlJob, error) {
	if status != core.JobStatusCompleted && status != core.JobStatusFailed {
		return core.CrawlJob{}, fmt.Errorf("finish to %s: %w", status, store.ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.CrawlJob{}, core.ErrNotFound
	}
	if !job.Status.CanTransition(status) {
		return core.CrawlJob{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, store.ErrConflict)
	}
	job.Status = status
	job.AssignedSatelliteID = ""
	completed := now
	job.CompletedAt = &completed
	if status == core.JobStatusCompleted {
		job.ProgressPercentage = 100
	}
	job.ErrorLog = append(job.ErrorLog, errs...)
	s.jobs[jobID] = job
	return job.Clone(), nil
}

// Requeue returns a lost in_progress job to the queue.
func (s *JobStore) Requeue(_ context.Context, jobID string, cause core.CrawlError) (core.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.CrawlJob{}, core.ErrNotFound
	}
	if job.Status != core.JobStatusInProgress {
		return core.CrawlJob{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, store.ErrConflict)
	}
	job.Status = core.JobStatusQueued
	job.AssignedSatelliteID = ""
	job.StartedAt = nil
	job.ProgressPercentage = 0
	job.RetryCount++
	job.ErrorLog = append(job.ErrorLog, cause)
	s.jobs[jobID] = job
	return job.Clone(), nil
}

// Cancel transitions a queued or in_progress job to cancelled. Cancelling a
// job already in a terminal state is a no-op, keeping the call idempotent.
func (s *JobStore) Cancel(_ context.Context, jobID string, now time.Time) (core.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", core.ErrNotFound
	}
	prev := job.Status
	if prev.Terminal() {
		return prev, nil
	}
	job.Status = core.JobStatusCancelled
	job.AssignedSatelliteID = ""
	completed := now
	job.CompletedAt = &completed
	s.jobs[jobID] = job
	return prev, nil
}

// Stats summarizes queue depth and terminal outcomes since the cutoff.
func (s *JobStore) Stats(_ context.Context, since time.Time) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st store.Stats
	var totalCompletion time.Duration
	type recentErr struct {
		at  time.Time
		err core.CrawlError
	}
	var recent []recentErr

	for _, job := range s.jobs {
		switch job.Status {
		case core.JobStatusQueued:
			st.Queued++
		case core.JobStatusInProgress:
			st.InProgress++
		case core.JobStatusCompleted:
			if job.CompletedAt != nil && job.CompletedAt.After(since) {
				st.CompletedInWindow++
				if job.StartedAt != nil {
					totalCompletion += job.CompletedAt.Sub(*job.StartedAt)
				}
			}
		case core.JobStatusFailed:
			if job.CompletedAt != nil && job.CompletedAt.After(since) {
				st.FailedInWindow++
			}
		}
		for _, e := range job.ErrorLog {
			if e.Timestamp.After(since) {
				recent = append(recent, recentErr{at: e.Timestamp, err: e})
			}
		}
	}
	if st.CompletedInWindow > 0 {
		st.AvgCompletion = totalCompletion / time.Duration(st.CompletedInWindow)
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].at.After(recent[j].at) })
	const maxRecent = 20
	for i, r := range recent {
		if i >= maxRecent {
			break
		}
		st.RecentErrors = append(st.RecentErrors, r.err)
	}
	return st, nil
}
