package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/clock/fake"
	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/fleet"
	"github.com/linkorbit/coordinator/internal/metrics"
	"github.com/linkorbit/coordinator/internal/quota"
	"github.com/linkorbit/coordinator/internal/store"
	"github.com/linkorbit/coordinator/internal/store/memory"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

type fixture struct {
	clock *fake.Clock
	jobs  *memory.JobStore
	fleet *fleet.Manager
	quota *quota.Tracker
	d     *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	metrics.Init()
	clk := fake.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	jobs := memory.NewJobStore()
	fl := fleet.New(fleet.Config{HeartbeatTimeout: 90 * time.Second}, clk, zap.NewNop())
	qt := quota.New(quota.Config{FailureThreshold: 5, Cooldown: time.Minute},
		map[string]quota.ProviderSpec{
			"link_index": {Limit: 100, ResetPeriod: 24 * time.Hour},
		}, clk, nil, zap.NewNop())
	d := New(cfg, jobs, fl, qt, clk, &seqIDs{}, zap.NewNop())
	return &fixture{clock: clk, jobs: jobs, fleet: fl, quota: qt, d: d}
}

func (f *fixture) submit(t *testing.T, spec JobSpec) core.CrawlJob {
	t.Helper()
	job, err := f.d.Submit(context.Background(), spec)
	require.NoError(t, err)
	return job
}

func (f *fixture) get(t *testing.T, jobID string) core.CrawlJob {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func crawlSpec(target string, priority int) JobSpec {
	return JobSpec{
		TargetURL: target,
		Type:      core.JobTypeCrawl,
		Priority:  &priority,
		Config:    core.JobConfig{MaxDepth: 2},
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	var verr *core.ValidationError

	_, err := f.d.Submit(ctx, JobSpec{Type: core.JobTypeCrawl, Config: core.JobConfig{MaxDepth: 1}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "target_url", verr.Field)

	_, err = f.d.Submit(ctx, JobSpec{TargetURL: "https://example.com", Type: "mining"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "job_type", verr.Field)

	spec := crawlSpec("https://example.com", 1)
	spec.CronSchedule = "not a schedule"
	_, err = f.d.Submit(ctx, spec)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "cron_schedule", verr.Field)
}

func TestDispatchPriorityOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	mid := f.submit(t, crawlSpec("https://mid.example.com", 5))
	urgent := f.submit(t, crawlSpec("https://urgent.example.com", 1))
	low := f.submit(t, crawlSpec("https://low.example.com", 9))

	f.d.DispatchOnce(ctx)

	require.Equal(t, core.JobStatusInProgress, f.get(t, urgent.ID).Status)
	require.Equal(t, "sat-1", f.get(t, urgent.ID).AssignedSatelliteID)
	require.Equal(t, core.JobStatusQueued, f.get(t, mid.ID).Status)
	require.Equal(t, core.JobStatusQueued, f.get(t, low.ID).Status)

	_, err := f.d.Complete(ctx, "sat-1", urgent.ID, true, nil, 10, 3)
	require.NoError(t, err)
	f.d.DispatchOnce(ctx)

	require.Equal(t, core.JobStatusInProgress, f.get(t, mid.ID).Status)
	require.Equal(t, core.JobStatusQueued, f.get(t, low.ID).Status)
}

func TestScheduledJobNotEligibleEarly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	at := f.clock.Now().Add(time.Hour)
	spec := crawlSpec("https://example.com", 1)
	spec.ScheduledAt = &at
	job := f.submit(t, spec)

	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusQueued, f.get(t, job.ID).Status)

	f.clock.Advance(time.Hour)
	f.fleet.Heartbeat("sat-1", "", 0)
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusInProgress, f.get(t, job.ID).Status)
}

func TestBlockedProviderHoldsDependentJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{
		JobProviders: map[core.JobType][]string{
			core.JobTypeLinkAnalysis: {"link_index"},
		},
	})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	for i := 0; i < 5; i++ {
		f.quota.RecordCall("link_index", false, 10*time.Millisecond)
	}
	require.True(t, f.quota.Blocked("link_index"))

	linkJob := f.submit(t, JobSpec{
		TargetURL: "https://example.com",
		Type:      core.JobTypeLinkAnalysis,
		Priority:  intp(1),
	})
	crawlJob := f.submit(t, crawlSpec("https://example.org", 5))

	f.d.DispatchOnce(ctx)

	// The blocked high-priority job stays queued; dispatch moves on.
	require.Equal(t, core.JobStatusQueued, f.get(t, linkJob.ID).Status)
	require.Equal(t, core.JobStatusInProgress, f.get(t, crawlJob.ID).Status)
}

func TestPauseAllStopsAssignment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))

	f.d.PauseAll()
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusQueued, f.get(t, job.ID).Status)

	f.d.ResumeAll()
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusInProgress, f.get(t, job.ID).Status)
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))

	prev, err := f.d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusQueued, prev)
	require.Equal(t, core.JobStatusCancelled, f.get(t, job.ID).Status)

	// The stale queue entry is dropped, not assigned.
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusCancelled, f.get(t, job.ID).Status)
	sat, err := f.fleet.Get("sat-1")
	require.NoError(t, err)
	require.Empty(t, sat.CurrentJobID)

	// Cancelling again is a no-op reporting the terminal status.
	prev, err = f.d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusCancelled, prev)
}

func TestCancelInFlightDeliversAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusInProgress, f.get(t, job.ID).Status)

	// The satellite acknowledges the assignment, then the job is cancelled.
	f.d.Heartbeat(ctx, "sat-1", job.ID, 10)
	prev, err := f.d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusInProgress, prev)

	_, aborts, _ := f.d.Heartbeat(ctx, "sat-1", job.ID, 40)
	require.Equal(t, []string{job.ID}, aborts)

	// The satellite stops and reports idle; it becomes a candidate again
	// and the cancelled job is not resurrected.
	_, aborts, assignment := f.d.Heartbeat(ctx, "sat-1", "", 0)
	require.Empty(t, aborts)
	require.Nil(t, assignment)
	require.Equal(t, core.JobStatusCancelled, f.get(t, job.ID).Status)
	require.Equal(t, []string{"sat-1"}, f.fleet.Candidates())
}

func TestCancelUndeliveredAssignmentFreesSatellite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))
	f.d.DispatchOnce(ctx)

	// Cancelled before the satellite ever heard about it: no abort notice,
	// and the satellite is immediately assignable again.
	_, err := f.d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"sat-1"}, f.fleet.Candidates())

	_, aborts, assignment := f.d.Heartbeat(ctx, "sat-1", "", 0)
	require.Empty(t, aborts)
	require.Nil(t, assignment)
}

func TestUnresponsiveSatelliteRequeuesExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxRetries: 3})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))
	f.d.DispatchOnce(ctx)
	require.Equal(t, "sat-1", f.get(t, job.ID).AssignedSatelliteID)

	f.clock.Advance(2 * time.Minute)
	f.fleet.CheckExpired()

	got := f.get(t, job.ID)
	require.Equal(t, core.JobStatusQueued, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Empty(t, got.AssignedSatelliteID)
	require.Len(t, got.ErrorLog, 1)
	require.Equal(t, "satellite_timeout", got.ErrorLog[0].Type)

	// A second sweep for the same outage must not requeue again.
	f.fleet.CheckExpired()
	require.Equal(t, 1, f.get(t, job.ID).RetryCount)
}

func TestRetryBudgetExhaustedFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxRetries: 1})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))
	f.d.DispatchOnce(ctx)

	f.clock.Advance(2 * time.Minute)
	f.fleet.CheckExpired()
	require.Equal(t, 1, f.get(t, job.ID).RetryCount)

	f.fleet.Heartbeat("sat-2", "", 0)
	f.d.DispatchOnce(ctx)
	require.Equal(t, "sat-2", f.get(t, job.ID).AssignedSatelliteID)

	f.clock.Advance(2 * time.Minute)
	f.fleet.CheckExpired()

	got := f.get(t, job.ID)
	require.Equal(t, core.JobStatusFailed, got.Status)
	require.Len(t, got.ErrorLog, 2)
}

func TestCronJobResubmitsNextOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	spec := crawlSpec("https://example.com", 3)
	spec.CronSchedule = "daily"
	job := f.submit(t, spec)

	f.d.DispatchOnce(ctx)
	done := f.clock.Now()
	finished, err := f.d.Complete(ctx, "sat-1", job.ID, true, nil, 42, 7)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusCompleted, finished.Status)

	queued, err := f.jobs.List(ctx, store.ListFilter{Status: core.JobStatusQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)

	next := queued[0]
	require.NotEqual(t, job.ID, next.ID)
	require.Equal(t, job.TargetURL, next.TargetURL)
	require.Equal(t, job.Priority, next.Priority)
	require.Equal(t, "daily", next.CronSchedule)
	require.NotNil(t, next.ScheduledAt)
	require.Equal(t, done.Add(24*time.Hour), *next.ScheduledAt)

	// The next occurrence is not dispatched ahead of its schedule.
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusQueued, f.get(t, next.ID).Status)
}

func TestHeartbeatDeliversAssignmentThenReconcilesLoss(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxRetries: 3})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))
	f.d.DispatchOnce(ctx)
	require.Equal(t, core.JobStatusInProgress, f.get(t, job.ID).Status)

	// The satellite has not heard about the claim yet: the heartbeat
	// response carries the assignment and the job is not requeued.
	_, _, assignment := f.d.Heartbeat(ctx, "sat-1", "", 0)
	require.NotNil(t, assignment)
	require.Equal(t, job.ID, assignment.ID)
	require.Equal(t, 0, f.get(t, job.ID).RetryCount)

	// Acknowledged, then the satellite restarts and reports in empty:
	// this time the job really was lost.
	f.d.Heartbeat(ctx, "sat-1", job.ID, 20)
	_, _, assignment = f.d.Heartbeat(ctx, "sat-1", "", 0)
	require.Nil(t, assignment)

	got := f.get(t, job.ID)
	require.Equal(t, core.JobStatusQueued, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, []string{"sat-1"}, f.fleet.Candidates())
}

func TestProgressRejectsWrongSatellite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fleet.Heartbeat("sat-1", "", 0)
	f.fleet.Heartbeat("sat-2", "", 0)

	job := f.submit(t, crawlSpec("https://example.com", 1))
	f.d.DispatchOnce(ctx)
	assigned := f.get(t, job.ID).AssignedSatelliteID

	other := "sat-1"
	if assigned == "sat-1" {
		other = "sat-2"
	}
	err := f.d.Progress(ctx, other, job.ID, 50, 5, 2)
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, f.d.Progress(ctx, assigned, job.ID, 50, 5, 2))
	require.Equal(t, 50, f.get(t, job.ID).ProgressPercentage)
}

// flakyJobStore fails a bounded number of Get calls to simulate a store blip.
type flakyJobStore struct {
	store.JobStore
	failGets int
}

func (s *flakyJobStore) Get(ctx context.Context, jobID string) (core.CrawlJob, error) {
	if s.failGets > 0 {
		s.failGets--
		return core.CrawlJob{}, fmt.Errorf("connection reset")
	}
	return s.JobStore.Get(ctx, jobID)
}

func TestTransientStoreErrorKeepsJobQueued(t *testing.T) {
	t.Parallel()
	metrics.Init()
	clk := fake.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	jobs := &flakyJobStore{JobStore: memory.NewJobStore()}
	fl := fleet.New(fleet.Config{HeartbeatTimeout: 90 * time.Second}, clk, zap.NewNop())
	qt := quota.New(quota.Config{FailureThreshold: 5, Cooldown: time.Minute}, nil, clk, nil, zap.NewNop())
	d := New(Config{}, jobs, fl, qt, clk, &seqIDs{}, zap.NewNop())
	ctx := context.Background()
	fl.Heartbeat("sat-1", "", 0)

	job, err := d.Submit(ctx, crawlSpec("https://example.com", 1))
	require.NoError(t, err)

	jobs.failGets = 1
	d.DispatchOnce(ctx)
	require.Equal(t, 1, d.QueueDepth(), "queue entry survives a store blip")
	got, err := jobs.JobStore.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusQueued, got.Status)

	d.DispatchOnce(ctx)
	got, err = jobs.JobStore.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusInProgress, got.Status)
	require.Equal(t, "sat-1", got.AssignedSatelliteID)
}

func intp(v int) *int { return &v }
