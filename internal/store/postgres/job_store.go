// Package postgres provides the durable Postgres-backed job history store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/store"
)

const jobColumns = `id, target_url, job_type, status, priority, progress, urls_crawled,
	links_found, error_log, config, scheduled_at, cron_schedule, created_at,
	started_at, completed_at, assigned_satellite_id, retry_count`

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore implements store.JobStore on Postgres.
type JobStore struct {
	pool pgxPool
}

// NewJobStore connects a pool and returns the store.
func NewJobStore(ctx context.Context, dsn string) (*JobStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

// Create inserts a new queued job row.
func (s *JobStore) Create(ctx context.Context, job core.CrawlJob) error {
	if job.Status != core.JobStatusQueued {
		return fmt.Errorf("job %s must be created queued: %w", job.ID, store.ErrConflict)
	}
	errLog, err := json.Marshal(job.ErrorLog)
	if err != nil {
		return fmt.Errorf("marshal error log: %w", err)
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.TargetURL, string(job.Type), string(job.Status), job.Priority,
		job.ProgressPercentage, job.URLsCrawled, job.LinksFound, errLog, cfg,
		job.ScheduledAt, job.CronSchedule, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.AssignedSatelliteID, job.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (core.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.CrawlJob{}, core.ErrNotFound
		}
		return core.CrawlJob{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// List returns jobs matching the filter ordered by creation time.
func (s *JobStore) List(ctx context.Context, filter store.ListFilter) ([]core.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	query += `;`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []core.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Claim atomically flips queued -> in_progress; the status predicate in the
// UPDATE is the compare-and-set.
func (s *JobStore) Claim(ctx context.Context, jobID, satelliteID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, assigned_satellite_id = $3, started_at = $4
		WHERE id = $1 AND status = $5;
	`, jobID, string(core.JobStatusInProgress), satelliteID, now, string(core.JobStatusQueued))
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s not queued: %w", jobID, store.ErrConflict)
	}
	return nil
}

// UpdateProgress applies an in-flight progress report.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int, urlsCrawled, linksFound int64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, urls_crawled = $3, links_found = $4
		WHERE id = $1 AND status = $5;
	`, jobID, progress, urlsCrawled, linksFound, string(core.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s not in progress: %w", jobID, store.ErrConflict)
	}
	return nil
}

// Finish moves an in_progress job to a terminal state.
func (s *JobStore) Finish(ctx context.Context, jobID string, status core.JobStatus, errs []core.CrawlError, now time.Time) (core.CrawlJob, error) {
	if status != core.JobStatusCompleted && status != core.JobStatusFailed {
		return core.CrawlJob{}, fmt.Errorf("finish to %s: %w", status, store.ErrConflict)
	}
	appended, err := json.Marshal(errs)
	if err != nil {
		return core.CrawlJob{}, fmt.Errorf("marshal errors: %w", err)
	}
	progressExpr := "progress"
	if status == core.JobStatusCompleted {
		progressExpr = "100"
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, assigned_satellite_id = '', completed_at = $3,
			progress = `+progressExpr+`, error_log = error_log || $4::jsonb
		WHERE id = $1 AND status = $5;
	`, jobID, string(status), now, appended, string(core.JobStatusInProgress))
	if err != nil {
		return core.CrawlJob{}, fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return core.CrawlJob{}, err
		}
		return core.CrawlJob{}, fmt.Errorf("job %s not in progress: %w", jobID, store.ErrConflict)
	}
	return s.Get(ctx, jobID)
}

// Requeue returns a lost in_progress job to the queue.
func (s *JobStore) Requeue(ctx context.Context, jobID string, cause core.CrawlError) (core.CrawlJob, error) {
	appended, err := json.Marshal([]core.CrawlError{cause})
	if err != nil {
		return core.CrawlJob{}, fmt.Errorf("marshal cause: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, assigned_satellite_id = '', started_at = NULL,
			progress = 0, retry_count = retry_count + 1, error_log = error_log || $3::jsonb
		WHERE id = $1 AND status = $4;
	`, jobID, string(core.JobStatusQueued), appended, string(core.JobStatusInProgress))
	if err != nil {
		return core.CrawlJob{}, fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return core.CrawlJob{}, err
		}
		return core.CrawlJob{}, fmt.Errorf("job %s not in progress: %w", jobID, store.ErrConflict)
	}
	return s.Get(ctx, jobID)
}

// Cancel transitions a queued or in_progress job to cancelled and reports
// the prior status. Terminal jobs are left untouched.
func (s *JobStore) Cancel(ctx context.Context, jobID string, now time.Time) (core.JobStatus, error) {
	prev, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if prev.Status.Terminal() {
		return prev.Status, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, assigned_satellite_id = '', completed_at = $3
		WHERE id = $1 AND status IN ($4, $5);
	`, jobID, string(core.JobStatusCancelled), now,
		string(core.JobStatusQueued), string(core.JobStatusInProgress))
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with a terminal transition; report what won.
		current, err := s.Get(ctx, jobID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	return prev.Status, nil
}

// Stats summarizes queue depth and terminal outcomes since the cutoff.
func (s *JobStore) Stats(ctx context.Context, since time.Time) (store.Stats, error) {
	var st store.Stats
	var avgSeconds *float64
	row := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'in_progress'),
			count(*) FILTER (WHERE status = 'completed' AND completed_at > $1),
			count(*) FILTER (WHERE status = 'failed' AND completed_at > $1),
			avg(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE status = 'completed' AND completed_at > $1 AND started_at IS NOT NULL)
		FROM jobs;
	`, since)
	if err := row.Scan(&st.Queued, &st.InProgress, &st.CompletedInWindow, &st.FailedInWindow, &avgSeconds); err != nil {
		return store.Stats{}, fmt.Errorf("job stats: %w", err)
	}
	if avgSeconds != nil {
		st.AvgCompletion = time.Duration(*avgSeconds * float64(time.Second))
	}

	// Error-log entries carry their own timestamps, so requeue errors on
	// still-queued jobs surface too, not just errors on finished jobs.
	rows, err := s.pool.Query(ctx, `
		SELECT e.entry FROM jobs, jsonb_array_elements(error_log) AS e(entry)
		WHERE (e.entry->>'timestamp')::timestamptz > $1
		ORDER BY (e.entry->>'timestamp')::timestamptz DESC LIMIT 20;
	`, since)
	if err != nil {
		return store.Stats{}, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return store.Stats{}, fmt.Errorf("scan error log: %w", err)
		}
		var entry core.CrawlError
		if err := json.Unmarshal(raw, &entry); err != nil {
			return store.Stats{}, fmt.Errorf("unmarshal error log: %w", err)
		}
		st.RecentErrors = append(st.RecentErrors, entry)
	}
	if err := rows.Err(); err != nil {
		return store.Stats{}, fmt.Errorf("recent errors: %w", err)
	}
	return st, nil
}

func scanJob(row pgx.Row) (core.CrawlJob, error) {
	var job core.CrawlJob
	var jobType, status string
	var errLog, cfg []byte
	if err := row.Scan(
		&job.ID, &job.TargetURL, &jobType, &status, &job.Priority,
		&job.ProgressPercentage, &job.URLsCrawled, &job.LinksFound, &errLog, &cfg,
		&job.ScheduledAt, &job.CronSchedule, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.AssignedSatelliteID, &job.RetryCount,
	); err != nil {
		return core.CrawlJob{}, err
	}
	job.Type = core.JobType(jobType)
	job.Status = core.JobStatus(status)
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &job.ErrorLog); err != nil {
			return core.CrawlJob{}, fmt.Errorf("unmarshal error log: %w", err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return core.CrawlJob{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return job, nil
}
