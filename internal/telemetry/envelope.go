// Package telemetry assembles periodic coordinator snapshots and fans them
// out to stream subscribers and the configured publisher.
package telemetry

import (
	"time"

	"github.com/linkorbit/coordinator/internal/core"
)

// EnvelopeType distinguishes full snapshots from keepalives on the wire.
type EnvelopeType string

// Envelope kinds.
const (
	TypeTelemetry EnvelopeType = "telemetry"
	TypeKeepalive EnvelopeType = "keepalive"
)

// Envelope is the unit written to subscribers and the publisher. Keepalive
// envelopes carry no snapshot; they only prove the coordinator is alive.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Snapshot  *Snapshot    `json:"snapshot,omitempty"`
}

// Snapshot is one aggregated view across the job store, the fleet, and the
// provider quota tracker.
type Snapshot struct {
	Jobs             JobStats               `json:"jobs"`
	Satellites       []core.SatelliteWorker `json:"satellites"`
	FleetUtilization float64                `json:"fleet_utilization_pct"`
	Providers        []core.QuotaStatus     `json:"providers"`
	DispatchPaused   bool                   `json:"dispatch_paused"`
	QueueDepth       int                    `json:"queue_depth"`
	Alerts           []Alert                `json:"alerts,omitempty"`
}

// JobStats summarizes job state and recent outcomes.
type JobStats struct {
	Queued               int               `json:"queued"`
	InProgress           int               `json:"in_progress"`
	Completed24h         int               `json:"completed_24h"`
	Failed24h            int               `json:"failed_24h"`
	AvgCompletionSeconds float64           `json:"avg_completion_seconds"`
	RecentErrors         []core.CrawlError `json:"recent_errors,omitempty"`
}

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert flags a condition an operator should look at.
type Alert struct {
	Severity string `json:"severity"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
}
