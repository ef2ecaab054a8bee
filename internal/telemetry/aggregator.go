package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/metrics"
	"github.com/linkorbit/coordinator/internal/store"
)

const (
	defaultInterval  = 30 * time.Second
	defaultKeepalive = 10 * time.Second

	// statsWindow bounds the completed/failed counters in each snapshot.
	statsWindow = 24 * time.Hour

	// queueDepthWarn is the queue depth above which a snapshot carries a
	// backlog alert.
	queueDepthWarn = 100

	// quotaWarnPercent triggers a provider consumption alert.
	quotaWarnPercent = 90
)

// JobSource supplies job statistics, typically the job store.
type JobSource interface {
	Stats(ctx context.Context, since time.Time) (store.Stats, error)
}

// FleetSource supplies the satellite fleet view.
type FleetSource interface {
	Snapshot() []core.SatelliteWorker
}

// QuotaSource supplies per-provider quota and breaker views.
type QuotaSource interface {
	Snapshot() []core.QuotaStatus
}

// DispatchSource supplies queue state from the dispatcher.
type DispatchSource interface {
	Paused() bool
	QueueDepth() int
}

// Publisher sends envelopes to an external system. The memory, kafka, and
// pubsub implementations live under internal/publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config controls snapshot cadence.
type Config struct {
	// Interval between full snapshots (default 30s).
	Interval time.Duration
	// Keepalive between keepalive envelopes (default 10s).
	Keepalive time.Duration
	// Topic is the publisher topic/kind label for snapshot envelopes.
	Topic string
}

// Aggregator periodically assembles a Snapshot from its sources and emits it
// through the hub and the publisher. Keepalive envelopes go out between
// snapshots so stream consumers can distinguish a quiet coordinator from a
// dead one.
type Aggregator struct {
	cfg      Config
	jobs     JobSource
	fleet    FleetSource
	quota    QuotaSource
	dispatch DispatchSource
	hub      *Hub
	pub      Publisher
	clock    core.Clock
	logger   *zap.Logger
}

// New creates an Aggregator. pub may be nil to disable external publishing.
func New(cfg Config, jobs JobSource, fleet FleetSource, quota QuotaSource, dispatch DispatchSource, hub *Hub, pub Publisher, clock core.Clock, logger *zap.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	if cfg.Topic == "" {
		cfg.Topic = "telemetry"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:      cfg,
		jobs:     jobs,
		fleet:    fleet,
		quota:    quota,
		dispatch: dispatch,
		hub:      hub,
		pub:      pub,
		clock:    clock,
		logger:   logger,
	}
}

// Run emits snapshots and keepalives until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	snapshots := time.NewTicker(a.cfg.Interval)
	defer snapshots.Stop()
	keepalives := time.NewTicker(a.cfg.Keepalive)
	defer keepalives.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshots.C:
			a.EmitSnapshot(ctx)
		case <-keepalives.C:
			a.emit(ctx, Envelope{Type: TypeKeepalive, Timestamp: a.clock.Now()})
		}
	}
}

// EmitSnapshot assembles and emits one full snapshot immediately.
func (a *Aggregator) EmitSnapshot(ctx context.Context) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		a.logger.Error("assembling telemetry snapshot", zap.Error(err))
		return
	}
	a.emit(ctx, Envelope{Type: TypeTelemetry, Timestamp: a.clock.Now(), Snapshot: &snap})
	metrics.ObserveTelemetrySnapshot()
}

// Snapshot assembles the aggregated view without emitting it. The API serves
// this directly for on-demand queries.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	now := a.clock.Now()
	jobStats, err := a.jobs.Stats(ctx, now.Add(-statsWindow))
	if err != nil {
		return Snapshot{}, fmt.Errorf("collecting job stats: %w", err)
	}

	snap := Snapshot{
		Jobs: JobStats{
			Queued:               jobStats.Queued,
			InProgress:           jobStats.InProgress,
			Completed24h:         jobStats.CompletedInWindow,
			Failed24h:            jobStats.FailedInWindow,
			AvgCompletionSeconds: jobStats.AvgCompletion.Seconds(),
			RecentErrors:         jobStats.RecentErrors,
		},
		Satellites:     a.fleet.Snapshot(),
		Providers:      a.quota.Snapshot(),
		DispatchPaused: a.dispatch.Paused(),
		QueueDepth:     a.dispatch.QueueDepth(),
	}
	snap.FleetUtilization = fleetUtilization(snap.Satellites)
	snap.Alerts = a.alerts(snap)
	return snap, nil
}

// fleetUtilization is the share of responsive satellites currently running a
// job, as a percentage. Unresponsive satellites count toward neither side.
func fleetUtilization(sats []core.SatelliteWorker) float64 {
	var busy, responsive int
	for _, s := range sats {
		switch s.Status {
		case core.SatelliteActive:
			busy++
			responsive++
		case core.SatelliteIdle:
			responsive++
		}
	}
	if responsive == 0 {
		return 0
	}
	return float64(busy) / float64(responsive) * 100
}

// alerts derives operator-facing warnings from an assembled snapshot.
func (a *Aggregator) alerts(snap Snapshot) []Alert {
	var alerts []Alert
	for _, sat := range snap.Satellites {
		if sat.Status == core.SatelliteUnresponsive {
			alerts = append(alerts, Alert{
				Severity: SeverityWarning,
				Kind:     "satellite_unresponsive",
				Subject:  sat.SatelliteID,
				Message:  fmt.Sprintf("satellite %s missed its heartbeat window", sat.SatelliteID),
			})
		}
	}
	for _, p := range snap.Providers {
		if p.BreakerState == core.BreakerOpen {
			alerts = append(alerts, Alert{
				Severity: SeverityCritical,
				Kind:     "breaker_open",
				Subject:  p.APIName,
				Message:  fmt.Sprintf("circuit breaker open for provider %s after %d consecutive failures", p.APIName, p.ConsecutiveFailures),
			})
		}
		if !p.Unlimited && p.PercentageUsed >= quotaWarnPercent {
			alerts = append(alerts, Alert{
				Severity: SeverityWarning,
				Kind:     "quota_consumption",
				Subject:  p.APIName,
				Message:  fmt.Sprintf("provider %s at %.1f%% of quota", p.APIName, p.PercentageUsed),
			})
		}
	}
	if snap.QueueDepth > queueDepthWarn {
		alerts = append(alerts, Alert{
			Severity: SeverityWarning,
			Kind:     "queue_backlog",
			Subject:  "dispatcher",
			Message:  fmt.Sprintf("%d jobs waiting for dispatch", snap.QueueDepth),
		})
	}
	return alerts
}

func (a *Aggregator) emit(ctx context.Context, env Envelope) {
	if a.hub != nil {
		a.hub.Publish(env)
	}
	if a.pub == nil {
		return
	}
	topic := a.cfg.Topic
	if env.Type == TypeKeepalive {
		topic = "keepalive"
	}
	if _, err := a.pub.Publish(ctx, topic, env); err != nil {
		a.logger.Warn("publishing telemetry envelope", zap.Error(err))
	}
}
