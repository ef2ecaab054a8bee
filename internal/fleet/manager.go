// Package fleet tracks registered satellite workers, their liveness, and
// their current assignment.
package fleet

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/metrics"
)

// Config controls liveness and rolling statistics.
type Config struct {
	// HeartbeatTimeout marks a satellite unresponsive once its last
	// heartbeat ages past this cutoff (typically three missed intervals).
	HeartbeatTimeout time.Duration
	// StatsWindow bounds the rolling completion/error counters (default 24h).
	StatsWindow time.Duration
}

type completion struct {
	at       time.Time
	duration time.Duration
}

type record struct {
	id            string
	lastHeartbeat time.Time
	currentJobID  string
	progress      int
	lastAssigned  time.Time
	pending       []core.ControlCommand
	completions   []completion
	errors        []time.Time

	// notifiedUnresponsive guards the exactly-once timeout notification per
	// transition; it clears when the satellite reports in again.
	notifiedUnresponsive bool
}

// Manager is the satellite registry. Liveness is derived from heartbeat age
// on every read, never stored.
type Manager struct {
	cfg    Config
	clock  core.Clock
	logger *zap.Logger

	mu         sync.RWMutex
	satellites map[string]*record

	onUnresponsive func(satelliteID, jobID string)
}

// New creates a Manager.
func New(cfg Config, clock core.Clock, logger *zap.Logger) *Manager {
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		satellites: make(map[string]*record),
	}
}

// SetOnUnresponsive registers the callback fired exactly once per transition
// to unresponsive for a satellite holding a job. The dispatcher uses it to
// requeue the orphaned job.
func (m *Manager) SetOnUnresponsive(fn func(satelliteID, jobID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnresponsive = fn
}

// Heartbeat upserts the worker record and returns any pending control
// commands for delivery. A previously unresponsive worker reporting in
// returns to idle/active automatically since liveness is derived.
func (m *Manager) Heartbeat(satelliteID, currentJobID string, progress int) []core.ControlCommand {
	now := m.clock.Now()

	m.mu.Lock()
	rec, ok := m.satellites[satelliteID]
	if !ok {
		rec = &record{id: satelliteID}
		m.satellites[satelliteID] = rec
		m.logger.Info("satellite registered", zap.String("satellite_id", satelliteID))
	}
	rec.lastHeartbeat = now
	rec.notifiedUnresponsive = false
	if currentJobID != "" && currentJobID == rec.currentJobID {
		rec.progress = progress
	}
	commands := rec.pending
	rec.pending = nil
	m.mu.Unlock()

	metrics.ObserveHeartbeat()
	return commands
}

// Liveness returns the derived state for one satellite.
func (m *Manager) Liveness(satelliteID string) (core.SatelliteStatus, error) {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.satellites[satelliteID]
	if !ok {
		return "", core.ErrNotFound
	}
	return m.liveness(rec, now), nil
}

// liveness is the pure liveness function. Caller holds m.mu.
func (m *Manager) liveness(rec *record, now time.Time) core.SatelliteStatus {
	if now.Sub(rec.lastHeartbeat) > m.cfg.HeartbeatTimeout {
		return core.SatelliteUnresponsive
	}
	if rec.currentJobID != "" {
		return core.SatelliteActive
	}
	return core.SatelliteIdle
}

// Control records a pending command for one satellite, or for every known
// satellite when target is "all". Commands are delivered on the next
// heartbeat response, at least once.
func (m *Manager) Control(target string, cmd core.ControlCommand) error {
	if !core.KnownCommand(cmd) {
		return &core.ValidationError{Field: "command", Reason: "unknown control command"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == "all" {
		for _, rec := range m.satellites {
			rec.pending = append(rec.pending, cmd)
		}
		return nil
	}
	rec, ok := m.satellites[target]
	if !ok {
		return core.ErrNotFound
	}
	rec.pending = append(rec.pending, cmd)
	return nil
}

// Assign books a job onto a satellite. It fails if the satellite is unknown,
// unresponsive, or already holds a job, keeping the at-most-one invariant.
func (m *Manager) Assign(satelliteID, jobID string) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.satellites[satelliteID]
	if !ok {
		return core.ErrNotFound
	}
	if m.liveness(rec, now) == core.SatelliteUnresponsive {
		return core.ErrDispatchDeferred
	}
	if rec.currentJobID != "" {
		return core.ErrDispatchDeferred
	}
	rec.currentJobID = jobID
	rec.progress = 0
	rec.lastAssigned = now
	return nil
}

// Unassign clears an assignment without touching the rolling statistics,
// used when a claim is rolled back or an aborted job is reconciled.
func (m *Manager) Unassign(satelliteID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.satellites[satelliteID]
	if !ok || rec.currentJobID != jobID {
		return
	}
	rec.currentJobID = ""
	rec.progress = 0
}

// Progress records a worker's in-flight progress report.
func (m *Manager) Progress(satelliteID, jobID string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.satellites[satelliteID]
	if !ok || rec.currentJobID != jobID {
		return
	}
	rec.progress = progress
}

// Release clears the satellite's current assignment and feeds the rolling
// completion/error statistics.
func (m *Manager) Release(satelliteID, jobID string, success bool, duration time.Duration) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.satellites[satelliteID]
	if !ok {
		return
	}
	if rec.currentJobID == jobID {
		rec.currentJobID = ""
		rec.progress = 0
	}
	if success {
		rec.completions = append(rec.completions, completion{at: now, duration: duration})
	} else {
		rec.errors = append(rec.errors, now)
	}
	rec.prune(now.Add(-m.cfg.StatsWindow))
}

// prune drops window entries older than cutoff. Caller holds m.mu.
func (r *record) prune(cutoff time.Time) {
	kept := r.completions[:0]
	for _, c := range r.completions {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	r.completions = kept
	keptErrs := r.errors[:0]
	for _, at := range r.errors {
		if at.After(cutoff) {
			keptErrs = append(keptErrs, at)
		}
	}
	r.errors = keptErrs
}

// CheckExpired scans for satellites whose heartbeat aged past the timeout
// while holding a job, fires the unresponsive callback exactly once per
// transition, and releases the orphaned assignment.
func (m *Manager) CheckExpired() {
	now := m.clock.Now()

	type orphan struct{ satelliteID, jobID string }
	var orphans []orphan

	m.mu.Lock()
	callback := m.onUnresponsive
	for _, rec := range m.satellites {
		if rec.notifiedUnresponsive {
			continue
		}
		if m.liveness(rec, now) != core.SatelliteUnresponsive {
			continue
		}
		rec.notifiedUnresponsive = true
		metrics.ObserveUnresponsive()
		m.logger.Warn("satellite unresponsive",
			zap.String("satellite_id", rec.id),
			zap.Time("last_heartbeat", rec.lastHeartbeat),
		)
		if rec.currentJobID != "" {
			orphans = append(orphans, orphan{satelliteID: rec.id, jobID: rec.currentJobID})
			rec.currentJobID = ""
			rec.progress = 0
		}
	}
	m.mu.Unlock()

	if callback == nil {
		return
	}
	for _, o := range orphans {
		callback(o.satelliteID, o.jobID)
	}
}

// Candidates returns available satellites for dispatch in deterministic
// order: least loaded first (always zero load with single-job capacity),
// then longest idle by last assignment, then id.
func (m *Manager) Candidates() []string {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	avail := make([]*record, 0, len(m.satellites))
	for _, rec := range m.satellites {
		if m.liveness(rec, now) != core.SatelliteIdle {
			continue
		}
		avail = append(avail, rec)
	}
	sort.Slice(avail, func(i, j int) bool {
		if !avail[i].lastAssigned.Equal(avail[j].lastAssigned) {
			return avail[i].lastAssigned.Before(avail[j].lastAssigned)
		}
		return avail[i].id < avail[j].id
	})

	out := make([]string, len(avail))
	for i, rec := range avail {
		out[i] = rec.id
	}
	return out
}

// Snapshot returns the externally visible view of the fleet, sorted by id.
func (m *Manager) Snapshot() []core.SatelliteWorker {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.StatsWindow)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.SatelliteWorker, 0, len(m.satellites))
	for _, rec := range m.satellites {
		out = append(out, m.view(rec, now, cutoff))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SatelliteID < out[j].SatelliteID })
	return out
}

// Get returns the view of one satellite.
func (m *Manager) Get(satelliteID string) (core.SatelliteWorker, error) {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.satellites[satelliteID]
	if !ok {
		return core.SatelliteWorker{}, core.ErrNotFound
	}
	return m.view(rec, now, now.Add(-m.cfg.StatsWindow)), nil
}

// view builds a worker view with window stats. Caller holds m.mu.
func (m *Manager) view(rec *record, now, cutoff time.Time) core.SatelliteWorker {
	var completed int
	var totalDur time.Duration
	for _, c := range rec.completions {
		if c.at.After(cutoff) {
			completed++
			totalDur += c.duration
		}
	}
	var errs int
	for _, at := range rec.errors {
		if at.After(cutoff) {
			errs++
		}
	}
	w := core.SatelliteWorker{
		SatelliteID:        rec.id,
		Status:             m.liveness(rec, now),
		LastHeartbeat:      rec.lastHeartbeat,
		CurrentJobID:       rec.currentJobID,
		CurrentJobProgress: rec.progress,
		JobsCompleted24h:   completed,
		Errors24h:          errs,
	}
	if completed > 0 {
		w.AvgJobDuration = totalDur / time.Duration(completed)
	}
	return w
}
