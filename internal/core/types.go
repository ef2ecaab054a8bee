// Package core defines types shared across coordinator subsystems.
package core

import "time"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store. Transitions are one-way:
// queued -> in_progress -> {completed, failed}, and queued|in_progress ->
// cancelled. Terminal states are never re-entered.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step in the
// job state machine.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusInProgress || next == JobStatusCancelled
	case JobStatusInProgress:
		return next == JobStatusCompleted || next == JobStatusFailed ||
			next == JobStatusCancelled || next == JobStatusQueued
	default:
		return false
	}
}

// JobType identifies the kind of work a satellite performs for a job.
type JobType string

// Supported job types.
const (
	JobTypeCrawl               JobType = "crawl"
	JobTypeLinkAnalysis        JobType = "link_analysis"
	JobTypeCompetitiveAnalysis JobType = "competitive_analysis"
	JobTypeDomainAnalysis      JobType = "domain_analysis"
)

// KnownJobType reports whether t is one of the supported job types.
func KnownJobType(t JobType) bool {
	switch t {
	case JobTypeCrawl, JobTypeLinkAnalysis, JobTypeCompetitiveAnalysis, JobTypeDomainAnalysis:
		return true
	default:
		return false
	}
}

// CrawlError is one entry in a job's append-only error log.
type CrawlError struct {
	Type      string            `json:"error_type"`
	Message   string            `json:"message"`
	URL       string            `json:"url,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// CrawlJob is the metadata persisted for each unit of requested work.
type CrawlJob struct {
	ID                  string       `json:"id"`
	TargetURL           string       `json:"target_url"`
	Type                JobType      `json:"job_type"`
	Status              JobStatus    `json:"status"`
	Priority            int          `json:"priority"`
	ProgressPercentage  int          `json:"progress_percentage"`
	URLsCrawled         int64        `json:"urls_crawled"`
	LinksFound          int64        `json:"links_found"`
	ErrorLog            []CrawlError `json:"error_log,omitempty"`
	Config              JobConfig    `json:"config"`
	ScheduledAt         *time.Time   `json:"scheduled_at,omitempty"`
	CronSchedule        string       `json:"cron_schedule,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	StartedAt           *time.Time   `json:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	AssignedSatelliteID string       `json:"assigned_satellite_id,omitempty"`
	RetryCount          int          `json:"retry_count"`
}

// Clone returns a deep copy so callers cannot mutate store state.
func (j CrawlJob) Clone() CrawlJob {
	cp := j
	if j.ErrorLog != nil {
		cp.ErrorLog = make([]CrawlError, len(j.ErrorLog))
		copy(cp.ErrorLog, j.ErrorLog)
	}
	cp.Config = j.Config.Clone()
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		cp.ScheduledAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// SatelliteStatus is the derived liveness state of a worker.
type SatelliteStatus string

// Satellite liveness states. Unresponsive is computed from the age of the
// last heartbeat on every read, never stored.
const (
	SatelliteActive       SatelliteStatus = "active"
	SatelliteIdle         SatelliteStatus = "idle"
	SatelliteUnresponsive SatelliteStatus = "unresponsive"
)

// SatelliteWorker is the externally visible view of a registered worker.
type SatelliteWorker struct {
	SatelliteID        string          `json:"satellite_id"`
	Status             SatelliteStatus `json:"status"`
	LastHeartbeat      time.Time       `json:"last_heartbeat"`
	CurrentJobID       string          `json:"current_job_id,omitempty"`
	CurrentJobProgress int             `json:"current_job_progress"`
	JobsCompleted24h   int             `json:"jobs_completed_24h"`
	Errors24h          int             `json:"errors_24h"`
	AvgJobDuration     time.Duration   `json:"avg_job_duration"`
}

// ControlCommand is an out-of-band instruction delivered to a satellite on
// its next heartbeat response. Delivery is at-least-once; satellites must
// handle repeats idempotently.
type ControlCommand string

// Supported control commands.
const (
	CommandPause    ControlCommand = "PAUSE"
	CommandResume   ControlCommand = "RESUME"
	CommandShutdown ControlCommand = "SHUTDOWN"
)

// KnownCommand reports whether c is a supported control command.
func KnownCommand(c ControlCommand) bool {
	switch c {
	case CommandPause, CommandResume, CommandShutdown:
		return true
	default:
		return false
	}
}

// BreakerState is the circuit breaker state for one external provider.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// QuotaStatus is the externally visible view of one provider's quota and
// breaker state.
type QuotaStatus struct {
	APIName             string        `json:"api_name"`
	Limit               int64         `json:"limit"`
	Unlimited           bool          `json:"unlimited"`
	Used                int64         `json:"used"`
	Remaining           *int64        `json:"remaining,omitempty"`
	PercentageUsed      float64       `json:"percentage_used"`
	PredictedExhaustion *time.Time    `json:"predicted_exhaustion_date,omitempty"`
	RecommendedAction   string        `json:"recommended_action,omitempty"`
	TotalCalls          int64         `json:"total_calls"`
	SuccessfulCalls     int64         `json:"successful_calls"`
	AvgResponseTime     time.Duration `json:"average_response_time"`
	BreakerState        BreakerState  `json:"circuit_breaker_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BreakerOpenedAt     *time.Time    `json:"breaker_opened_at,omitempty"`
}

// Clock abstracts time.Now so time-dependent logic can be tested.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque unique identifiers for jobs.
type IDGenerator interface {
	NewID() (string, error)
}
