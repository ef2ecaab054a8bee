package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound reports an unknown job or satellite id.
	ErrNotFound = errors.New("not found")
	// ErrDispatchDeferred marks a dispatch attempt that found no eligible
	// satellite or a blocked provider. The job stays queued; this is not a
	// failure.
	ErrDispatchDeferred = errors.New("dispatch deferred")
	// ErrQuotaExceeded reports a provider whose metered quota is exhausted
	// for the current reset period.
	ErrQuotaExceeded = errors.New("provider quota exceeded")
)

// ValidationError rejects a malformed job submission. The job is never
// created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

// SatelliteTimeoutError records a liveness timeout for the satellite that
// held a job when it went dark.
type SatelliteTimeoutError struct {
	SatelliteID string
	JobID       string
}

func (e *SatelliteTimeoutError) Error() string {
	return fmt.Sprintf("satellite %s timed out while holding job %s", e.SatelliteID, e.JobID)
}

// ExternalAPIError reports a failed call against a metered provider.
type ExternalAPIError struct {
	Provider string
	Message  string
}

func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("provider %s call failed: %s", e.Provider, e.Message)
}
