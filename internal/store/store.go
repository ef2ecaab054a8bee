// Package store defines the persistence interfaces for job records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/linkorbit/coordinator/internal/core"
)

// ErrConflict reports an update that would violate the job state machine,
// such as claiming a job that is no longer queued.
var ErrConflict = errors.New("conflicting job state")

// ListFilter narrows List results.
type ListFilter struct {
	Status core.JobStatus
	Limit  int
}

// Stats summarizes job history for telemetry.
type Stats struct {
	Queued            int
	InProgress        int
	CompletedInWindow int
	FailedInWindow    int
	AvgCompletion     time.Duration
	RecentErrors      []core.CrawlError
}

// JobStore persists crawl jobs, queryable by status and creation time.
// Claim is the atomic compare-and-set guaranteeing at-most-one satellite
// ever holds a given job.
type JobStore interface {
	// Create inserts a new job; the job must be in queued state.
	Create(ctx context.Context, job core.CrawlJob) error
	// Get fetches a job by id, or core.ErrNotFound.
	Get(ctx context.Context, jobID string) (core.CrawlJob, error)
	// List returns jobs matching the filter ordered by creation time.
	List(ctx context.Context, filter ListFilter) ([]core.CrawlJob, error)
	// Claim atomically flips queued -> in_progress and assigns the
	// satellite. It returns ErrConflict if the job is no longer queued.
	Claim(ctx context.Context, jobID, satelliteID string, now time.Time) error
	// UpdateProgress applies an in-flight progress report.
	UpdateProgress(ctx context.Context, jobID string, progress int, urlsCrawled, linksFound int64) error
	// Finish moves an in_progress job to completed or failed, appending any
	// final errors, and returns the finished job.
	Finish(ctx context.Context, jobID string, status core.JobStatus, errs []core.CrawlError, now time.Time) (core.CrawlJob, error)
	// Requeue returns a lost in_progress job to the queue, bumping the
	// retry count, clearing the assignment, and appending the timeout error.
	Requeue(ctx context.Context, jobID string, cause core.CrawlError) (core.CrawlJob, error)
	// Cancel transitions a queued or in_progress job to cancelled and
	// reports the prior status. Cancelling a terminal job is a no-op.
	Cancel(ctx context.Context, jobID string, now time.Time) (core.JobStatus, error)
	// Stats summarizes queue depth and terminal outcomes since the cutoff.
	Stats(ctx context.Context, since time.Time) (Stats, error)
}
