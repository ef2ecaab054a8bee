// Package dispatch owns the priority job queue and the loop matching queued
// jobs to idle satellites. It is the only writer of job state transitions.
package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/fleet"
	"github.com/linkorbit/coordinator/internal/metrics"
	"github.com/linkorbit/coordinator/internal/quota"
	"github.com/linkorbit/coordinator/internal/store"
)

const (
	defaultTick       = 5 * time.Second
	defaultMaxRetries = 3
	defaultPriority   = 5

	// unresponsiveOpTimeout bounds the store work done from the fleet
	// manager's unresponsive callback.
	unresponsiveOpTimeout = 5 * time.Second
)

// Config controls the dispatch loop.
type Config struct {
	// Tick is the dispatch loop interval (default 5s).
	Tick time.Duration
	// MaxRetries is how many times a job lost to a dead satellite is
	// requeued before it fails (default 3).
	MaxRetries int
	// DefaultPriority is applied to submissions that omit one (default 5).
	// Lower values dispatch sooner.
	DefaultPriority int
	// JobProviders maps a job type to the metered providers its work
	// consumes. Jobs stay queued while any of their providers is exhausted
	// or circuit-broken.
	JobProviders map[core.JobType][]string
}

// JobSpec is a job submission request.
type JobSpec struct {
	TargetURL    string
	Type         core.JobType
	Priority     *int
	Config       core.JobConfig
	ScheduledAt  *time.Time
	CronSchedule string
}

// Dispatcher accepts submissions, holds eligible jobs in a priority queue,
// and assigns them to satellites reported idle by the fleet manager. All
// claim decisions run on the single dispatch goroutine, so a job is never
// offered to two satellites.
type Dispatcher struct {
	cfg    Config
	jobs   store.JobStore
	fleet  *fleet.Manager
	quota  *quota.Tracker
	clock  core.Clock
	ids    core.IDGenerator
	logger *zap.Logger

	paused atomic.Bool
	kick   chan struct{}

	mu     sync.Mutex
	queue  jobQueue
	seq    uint64
	aborts map[string][]string
	// pendingAssign holds claims the satellite has not yet acknowledged on
	// a heartbeat. An unacknowledged assignment is re-delivered, never
	// mistaken for a lost job.
	pendingAssign map[string]string
}

// New creates a Dispatcher and registers it for the fleet manager's
// unresponsive notifications.
func New(cfg Config, jobs store.JobStore, fl *fleet.Manager, qt *quota.Tracker, clock core.Clock, ids core.IDGenerator, logger *zap.Logger) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = defaultPriority
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:           cfg,
		jobs:          jobs,
		fleet:         fl,
		quota:         qt,
		clock:         clock,
		ids:           ids,
		logger:        logger,
		kick:          make(chan struct{}, 1),
		aborts:        make(map[string][]string),
		pendingAssign: make(map[string]string),
	}
	heap.Init(&d.queue)
	fl.SetOnUnresponsive(d.handleUnresponsive)
	return d
}

// Restore reloads queued jobs from the store after a restart.
func (d *Dispatcher) Restore(ctx context.Context) error {
	queued, err := d.jobs.List(ctx, store.ListFilter{Status: core.JobStatusQueued})
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	d.mu.Lock()
	for _, j := range queued {
		d.enqueueLocked(j)
	}
	depth := d.queue.Len()
	d.mu.Unlock()
	metrics.SetQueueDepth(depth)
	d.logger.Info("queue restored", zap.Int("jobs", len(queued)))
	return nil
}

// Submit validates a job request, persists it as queued, and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, spec JobSpec) (core.CrawlJob, error) {
	if spec.TargetURL == "" {
		return core.CrawlJob{}, &core.ValidationError{Field: "target_url", Reason: "must not be empty"}
	}
	if !core.KnownJobType(spec.Type) {
		return core.CrawlJob{}, &core.ValidationError{Field: "job_type", Reason: "unknown job type"}
	}
	if err := spec.Config.Validate(spec.Type); err != nil {
		return core.CrawlJob{}, err
	}
	if spec.CronSchedule != "" {
		if err := validSchedule(spec.CronSchedule); err != nil {
			return core.CrawlJob{}, &core.ValidationError{Field: "cron_schedule", Reason: err.Error()}
		}
	}
	priority := d.cfg.DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}

	id, err := d.ids.NewID()
	if err != nil {
		return core.CrawlJob{}, fmt.Errorf("generating job id: %w", err)
	}
	job := core.CrawlJob{
		ID:           id,
		TargetURL:    spec.TargetURL,
		Type:         spec.Type,
		Status:       core.JobStatusQueued,
		Priority:     priority,
		Config:       spec.Config.Clone(),
		ScheduledAt:  spec.ScheduledAt,
		CronSchedule: spec.CronSchedule,
		CreatedAt:    d.clock.Now(),
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		return core.CrawlJob{}, err
	}

	d.mu.Lock()
	d.enqueueLocked(job)
	depth := d.queue.Len()
	d.mu.Unlock()

	metrics.ObserveJob(string(core.JobStatusQueued))
	metrics.SetQueueDepth(depth)
	d.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("job_type", string(spec.Type)),
		zap.Int("priority", priority))
	d.Kick()
	return job, nil
}

// Cancel transitions a job to cancelled and reports its prior status. An
// in-flight job's satellite keeps its slot until it acknowledges the abort
// on a later heartbeat. Cancelling an already terminal job is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (core.JobStatus, error) {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	prev, err := d.jobs.Cancel(ctx, jobID, d.clock.Now())
	if err != nil {
		return "", err
	}
	if prev == core.JobStatusInProgress && job.AssignedSatelliteID != "" {
		sat := job.AssignedSatelliteID
		d.mu.Lock()
		undelivered := d.pendingAssign[sat] == jobID
		if undelivered {
			delete(d.pendingAssign, sat)
		} else {
			d.aborts[sat] = appendUnique(d.aborts[sat], jobID)
		}
		d.mu.Unlock()
		if undelivered {
			// The satellite never saw the assignment; free it right away.
			d.fleet.Unassign(sat, jobID)
		} else {
			d.logger.Info("abort requested",
				zap.String("job_id", jobID),
				zap.String("satellite_id", sat))
		}
	}
	if !prev.Terminal() {
		metrics.ObserveJob(string(core.JobStatusCancelled))
		d.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("previous_status", string(prev)))
	}
	return prev, nil
}

// PauseAll stops new assignments. Jobs already in flight keep running.
func (d *Dispatcher) PauseAll() {
	d.paused.Store(true)
	d.logger.Warn("dispatch paused")
}

// ResumeAll re-enables assignments and kicks the loop.
func (d *Dispatcher) ResumeAll() {
	d.paused.Store(false)
	d.logger.Info("dispatch resumed")
	d.Kick()
}

// Paused reports the process-wide pause flag.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Kick nudges the dispatch loop without waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of queue entries, including stale entries
// for jobs cancelled since they were enqueued.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Run drives the dispatch loop until ctx is cancelled. Each pass first
// expires overdue heartbeats, then matches queued jobs to idle satellites.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		d.fleet.CheckExpired()
		d.DispatchOnce(ctx)
	}
}

// DispatchOnce performs a single matching pass: pop eligible jobs in
// priority order and claim them onto idle satellites until either side runs
// out. Ineligible jobs (future scheduled_at, blocked provider) go back into
// the queue for the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	if d.paused.Load() {
		return
	}
	now := d.clock.Now()
	var stash []*queueItem
	defer func() {
		d.mu.Lock()
		for _, it := range stash {
			heap.Push(&d.queue, it)
		}
		depth := d.queue.Len()
		d.mu.Unlock()
		metrics.SetQueueDepth(depth)
	}()

	for {
		candidates := d.fleet.Candidates()
		if len(candidates) == 0 {
			return
		}

		d.mu.Lock()
		var it *queueItem
		if d.queue.Len() > 0 {
			it = heap.Pop(&d.queue).(*queueItem)
		}
		d.mu.Unlock()
		if it == nil {
			return
		}

		job, err := d.jobs.Get(ctx, it.jobID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue // deleted since enqueue; drop the stale entry
			}
			// Transient store failure: keep the entry and end the pass
			// rather than stranding a still-queued job.
			stash = append(stash, it)
			d.logger.Error("reading queued job", zap.String("job_id", it.jobID), zap.Error(err))
			return
		}
		if job.Status != core.JobStatusQueued {
			continue // cancelled or claimed since enqueue; drop the stale entry
		}
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			stash = append(stash, it)
			continue
		}
		if name, blocked := d.blockedProvider(job.Type); blocked {
			stash = append(stash, it)
			metrics.ObserveDispatch("deferred_quota")
			d.logger.Debug("job held for provider",
				zap.String("job_id", job.ID),
				zap.String("provider", name))
			continue
		}

		if !d.claim(ctx, job, candidates, now) {
			stash = append(stash, it)
			return
		}
	}
}

// claim books the job onto the first candidate that accepts it. It returns
// false when no candidate could take the job this pass.
func (d *Dispatcher) claim(ctx context.Context, job core.CrawlJob, candidates []string, now time.Time) bool {
	for _, sat := range candidates {
		if err := d.fleet.Assign(sat, job.ID); err != nil {
			continue
		}
		if err := d.jobs.Claim(ctx, job.ID, sat, now); err != nil {
			d.fleet.Unassign(sat, job.ID)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, core.ErrNotFound) {
				return true // job left the queued state underneath us; drop it
			}
			d.logger.Error("claiming job",
				zap.String("job_id", job.ID),
				zap.String("satellite_id", sat),
				zap.Error(err))
			return false
		}
		d.mu.Lock()
		d.pendingAssign[sat] = job.ID
		d.mu.Unlock()
		metrics.ObserveDispatch("assigned")
		metrics.ObserveJob(string(core.JobStatusInProgress))
		d.logger.Info("job assigned",
			zap.String("job_id", job.ID),
			zap.String("satellite_id", sat),
			zap.Int("priority", job.Priority))
		return true
	}
	metrics.ObserveDispatch("deferred_capacity")
	return false
}

// blockedProvider reports the first provider the job type depends on that is
// currently exhausted or circuit-broken.
func (d *Dispatcher) blockedProvider(t core.JobType) (string, bool) {
	for _, name := range d.cfg.JobProviders[t] {
		if d.quota.Blocked(name) {
			return name, true
		}
	}
	return "", false
}

// Heartbeat records a satellite's liveness report and returns the control
// commands, abort notices, and any undelivered assignment to include in the
// response. A satellite reporting no current job while the coordinator has
// an acknowledged assignment for it lost that job; the job is requeued.
func (d *Dispatcher) Heartbeat(ctx context.Context, satelliteID, currentJobID string, progress int) ([]core.ControlCommand, []string, *core.CrawlJob) {
	d.mu.Lock()
	pendingJob := d.pendingAssign[satelliteID]
	if pendingJob != "" && currentJobID == pendingJob {
		delete(d.pendingAssign, satelliteID) // acknowledged
		pendingJob = ""
	}
	d.mu.Unlock()

	var lostJob string
	if prev, err := d.fleet.Get(satelliteID); err == nil &&
		currentJobID == "" && prev.CurrentJobID != "" && prev.CurrentJobID != pendingJob {
		lostJob = prev.CurrentJobID
	}

	commands := d.fleet.Heartbeat(satelliteID, currentJobID, progress)

	if lostJob != "" {
		d.fleet.Unassign(satelliteID, lostJob)
		d.requeueLost(ctx, satelliteID, lostJob)
	}

	d.mu.Lock()
	aborts := d.aborts[satelliteID]
	delete(d.aborts, satelliteID)
	d.mu.Unlock()

	// A cancellation may have landed after the abort list was drained.
	if currentJobID != "" {
		if job, err := d.jobs.Get(ctx, currentJobID); err == nil && job.Status == core.JobStatusCancelled {
			aborts = appendUnique(aborts, currentJobID)
		}
	}

	var assignment *core.CrawlJob
	if pendingJob != "" && currentJobID == "" {
		job, err := d.jobs.Get(ctx, pendingJob)
		if err == nil && job.Status == core.JobStatusInProgress && job.AssignedSatelliteID == satelliteID {
			assignment = &job
		} else {
			// The claim was undone elsewhere; drop the stale marker.
			d.clearPending(satelliteID, pendingJob)
			d.fleet.Unassign(satelliteID, pendingJob)
		}
	}
	return commands, aborts, assignment
}

// Progress applies a satellite's in-flight report after verifying the job
// is actually assigned to that satellite.
func (d *Dispatcher) Progress(ctx context.Context, satelliteID, jobID string, progress int, urlsCrawled, linksFound int64) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != core.JobStatusInProgress || job.AssignedSatelliteID != satelliteID {
		return store.ErrConflict
	}
	if err := d.jobs.UpdateProgress(ctx, jobID, progress, urlsCrawled, linksFound); err != nil {
		return err
	}
	d.fleet.Progress(satelliteID, jobID, progress)
	return nil
}

// Complete finalizes a job a satellite reports as done or failed, releases
// the worker, and submits the next occurrence for recurring jobs.
func (d *Dispatcher) Complete(ctx context.Context, satelliteID, jobID string, success bool, finalErrors []core.CrawlError, urlsCrawled, linksFound int64) (core.CrawlJob, error) {
	now := d.clock.Now()
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return core.CrawlJob{}, err
	}
	if job.Status != core.JobStatusInProgress || job.AssignedSatelliteID != satelliteID {
		return core.CrawlJob{}, store.ErrConflict
	}

	status := core.JobStatusFailed
	progress := job.ProgressPercentage
	if success {
		status = core.JobStatusCompleted
		progress = 100
	}
	if err := d.jobs.UpdateProgress(ctx, jobID, progress, urlsCrawled, linksFound); err != nil {
		return core.CrawlJob{}, err
	}
	finished, err := d.jobs.Finish(ctx, jobID, status, finalErrors, now)
	if err != nil {
		return core.CrawlJob{}, err
	}

	var duration time.Duration
	if finished.StartedAt != nil {
		duration = now.Sub(*finished.StartedAt)
	}
	d.fleet.Release(satelliteID, jobID, success, duration)
	d.clearPending(satelliteID, jobID)
	metrics.ObserveJob(string(status))
	if success {
		metrics.ObserveJobDuration(duration)
	}
	d.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("satellite_id", satelliteID),
		zap.String("status", string(status)),
		zap.Duration("duration", duration))

	if finished.CronSchedule != "" {
		next, err := d.scheduleNext(ctx, finished, now)
		if err != nil {
			d.logger.Error("scheduling recurring job", zap.String("job_id", jobID), zap.Error(err))
		} else {
			d.logger.Info("recurring job scheduled",
				zap.String("job_id", next.ID),
				zap.Timep("scheduled_at", next.ScheduledAt))
		}
	}
	d.Kick()
	return finished, nil
}

// scheduleNext creates a fresh queued instance of a recurring job at its
// next occurrence. History stays on the finished record.
func (d *Dispatcher) scheduleNext(ctx context.Context, prev core.CrawlJob, now time.Time) (core.CrawlJob, error) {
	at, err := nextRun(prev.CronSchedule, now)
	if err != nil {
		return core.CrawlJob{}, err
	}
	id, err := d.ids.NewID()
	if err != nil {
		return core.CrawlJob{}, fmt.Errorf("generating job id: %w", err)
	}
	job := core.CrawlJob{
		ID:           id,
		TargetURL:    prev.TargetURL,
		Type:         prev.Type,
		Status:       core.JobStatusQueued,
		Priority:     prev.Priority,
		Config:       prev.Config.Clone(),
		ScheduledAt:  &at,
		CronSchedule: prev.CronSchedule,
		CreatedAt:    now,
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		return core.CrawlJob{}, err
	}
	d.mu.Lock()
	d.enqueueLocked(job)
	d.mu.Unlock()
	metrics.ObserveJob(string(core.JobStatusQueued))
	return job, nil
}

// handleUnresponsive is the fleet manager's callback for a satellite that
// went dark while holding a job.
func (d *Dispatcher) handleUnresponsive(satelliteID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), unresponsiveOpTimeout)
	defer cancel()
	d.requeueLost(ctx, satelliteID, jobID)
}

// requeueLost returns a job orphaned by a dead or amnesiac satellite to the
// queue with the retry count bumped. Once the retry budget is spent the job
// fails instead.
func (d *Dispatcher) requeueLost(ctx context.Context, satelliteID, jobID string) {
	d.clearPending(satelliteID, jobID)
	now := d.clock.Now()
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		d.logger.Warn("lost job not found", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != core.JobStatusInProgress || job.AssignedSatelliteID != satelliteID {
		return
	}

	cause := core.CrawlError{
		Type:      "satellite_timeout",
		Message:   (&core.SatelliteTimeoutError{SatelliteID: satelliteID, JobID: jobID}).Error(),
		Timestamp: now,
	}
	if job.RetryCount >= d.cfg.MaxRetries {
		if _, err := d.jobs.Finish(ctx, jobID, core.JobStatusFailed, []core.CrawlError{cause}, now); err != nil {
			d.logger.Error("failing job after retries", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		metrics.ObserveJob(string(core.JobStatusFailed))
		d.logger.Warn("job failed after retries",
			zap.String("job_id", jobID),
			zap.String("satellite_id", satelliteID),
			zap.Int("retry_count", job.RetryCount))
		return
	}

	requeued, err := d.jobs.Requeue(ctx, jobID, cause)
	if err != nil {
		d.logger.Error("requeueing lost job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	d.mu.Lock()
	d.enqueueLocked(requeued)
	d.mu.Unlock()
	metrics.ObserveJob(string(core.JobStatusQueued))
	d.logger.Warn("job requeued",
		zap.String("job_id", jobID),
		zap.String("satellite_id", satelliteID),
		zap.Int("retry_count", requeued.RetryCount))
	d.Kick()
}

// enqueueLocked pushes a queued job onto the heap. Caller holds d.mu.
func (d *Dispatcher) enqueueLocked(j core.CrawlJob) {
	eligible := j.CreatedAt
	if j.ScheduledAt != nil {
		eligible = *j.ScheduledAt
	}
	d.seq++
	heap.Push(&d.queue, &queueItem{
		jobID:      j.ID,
		priority:   j.Priority,
		eligibleAt: eligible,
		seq:        d.seq,
	})
}

// clearPending drops an undelivered-assignment marker once the job's fate
// is settled elsewhere.
func (d *Dispatcher) clearPending(satelliteID, jobID string) {
	d.mu.Lock()
	if d.pendingAssign[satelliteID] == jobID {
		delete(d.pendingAssign, satelliteID)
	}
	d.mu.Unlock()
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
