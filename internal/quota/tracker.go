// Package quota tracks per-provider usage and wraps each metered provider in
// a circuit breaker. Dispatch decisions and satellite call permits both go
// through the Tracker.
package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/metrics"
)

// ProviderSpec configures one metered provider.
type ProviderSpec struct {
	// Limit is the metered call allowance per reset period; <= 0 means
	// unlimited.
	Limit int64
	// ResetPeriod is the quota rollover interval (default 24h).
	ResetPeriod time.Duration
	// RPS smooths permit issuing for the provider; <= 0 disables smoothing.
	RPS float64
}

// Config controls breaker thresholds shared by all providers.
type Config struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures (default 5).
	FailureThreshold int
	// Cooldown is how long an open breaker waits before admitting a single
	// half-open trial call (default 60s).
	Cooldown time.Duration
	// SuccessRateFloor opens the breaker when the rolling success rate drops
	// below this fraction, once enough calls have been observed.
	SuccessRateFloor float64
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = time.Minute
	defaultResetPeriod      = 24 * time.Hour

	// successRateMinCalls is the minimum rolling sample before the success
	// rate floor can open the breaker.
	successRateMinCalls = 20
)

type provider struct {
	mu sync.Mutex

	name        string
	limit       int64
	resetPeriod time.Duration
	periodStart time.Time

	used         int64
	totalCalls   int64
	successCalls int64
	totalLatency time.Duration

	breaker       core.BreakerState
	consecFails   int
	openedAt      time.Time
	trialInFlight bool
	trialStarted  time.Time

	limiter *rate.Limiter
}

// Tracker holds quota counters and breaker state for every provider name
// seen so far. Provider entries are created lazily on first use.
type Tracker struct {
	cfg    Config
	clock  core.Clock
	logger *zap.Logger
	store  StateStore

	mu        sync.RWMutex
	providers map[string]*provider
	specs     map[string]ProviderSpec
}

// New creates a Tracker. store may be nil, in which case quota state lives
// only in memory.
func New(cfg Config, specs map[string]ProviderSpec, clock core.Clock, store StateStore, logger *zap.Logger) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		store:     store,
		providers: make(map[string]*provider),
		specs:     make(map[string]ProviderSpec, len(specs)),
	}
	for name, spec := range specs {
		t.specs[name] = spec
	}
	t.restore()
	return t
}

func (t *Tracker) get(name string) *provider {
	t.mu.RLock()
	p, ok := t.providers[name]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok = t.providers[name]; ok {
		return p
	}
	spec := t.specs[name]
	if spec.ResetPeriod <= 0 {
		spec.ResetPeriod = defaultResetPeriod
	}
	p = &provider{
		name:        name,
		limit:       spec.Limit,
		resetPeriod: spec.ResetPeriod,
		periodStart: t.clock.Now(),
		breaker:     core.BreakerClosed,
	}
	if spec.RPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(spec.RPS), 1)
	}
	t.providers[name] = p
	return p
}

// maybeReset rolls the quota window forward across any elapsed reset
// boundaries. Breaker state survives quota resets. Caller holds p.mu.
func (p *provider) maybeReset(now time.Time) {
	if p.resetPeriod <= 0 {
		return
	}
	for !now.Before(p.periodStart.Add(p.resetPeriod)) {
		p.periodStart = p.periodStart.Add(p.resetPeriod)
		p.used = 0
		p.totalCalls = 0
		p.successCalls = 0
		p.totalLatency = 0
	}
}

// RecordCall updates the rolling window, consumes one quota unit for metered
// providers, and feeds the circuit breaker.
func (t *Tracker) RecordCall(name string, success bool, latency time.Duration) {
	now := t.clock.Now()
	p := t.get(name)

	p.mu.Lock()
	p.maybeReset(now)
	p.totalCalls++
	p.totalLatency += latency
	if success {
		p.successCalls++
	}
	if p.limit > 0 && p.used < p.limit {
		p.used++
	}

	if success {
		p.consecFails = 0
		if p.breaker == core.BreakerHalfOpen {
			p.breaker = core.BreakerClosed
			p.trialInFlight = false
			t.logger.Info("circuit breaker closed", zap.String("provider", name))
		}
	} else {
		p.consecFails++
		switch p.breaker {
		case core.BreakerHalfOpen:
			p.breaker = core.BreakerOpen
			p.openedAt = now
			p.trialInFlight = false
			t.logger.Warn("circuit breaker reopened after failed trial", zap.String("provider", name))
		case core.BreakerClosed:
			if p.consecFails >= t.cfg.FailureThreshold || t.belowSuccessFloor(p) {
				p.breaker = core.BreakerOpen
				p.openedAt = now
				t.logger.Warn("circuit breaker opened",
					zap.String("provider", name),
					zap.Int("consecutive_failures", p.consecFails),
				)
			}
		}
	}
	state := p.breaker
	p.mu.Unlock()

	metrics.ObserveProviderCall(name, success, latency)
	metrics.SetBreakerState(name, breakerGauge(state))
	t.persist(p)
}

// belowSuccessFloor reports whether the rolling success rate has dropped
// under the configured floor. Caller holds p.mu.
func (t *Tracker) belowSuccessFloor(p *provider) bool {
	if t.cfg.SuccessRateFloor <= 0 || p.totalCalls < successRateMinCalls {
		return false
	}
	return float64(p.successCalls)/float64(p.totalCalls) < t.cfg.SuccessRateFloor
}

// MayCall reports whether a call against the provider may proceed right now.
// An open breaker past its cooldown admits exactly one half-open trial call;
// concurrent callers in the same half-open period are rejected until the
// trial reports back through RecordCall or its slot times out.
func (t *Tracker) MayCall(name string) bool {
	now := t.clock.Now()
	p := t.get(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybeReset(now)

	if p.limit > 0 && p.used >= p.limit {
		return false
	}

	switch p.breaker {
	case core.BreakerClosed:
		return true
	case core.BreakerOpen:
		if now.Sub(p.openedAt) < t.cfg.Cooldown {
			return false
		}
		p.breaker = core.BreakerHalfOpen
		p.trialInFlight = true
		p.trialStarted = now
		t.logger.Info("circuit breaker half-open", zap.String("provider", name))
		return true
	case core.BreakerHalfOpen:
		// A trial whose caller never reported back releases the slot after
		// one cooldown, so a dead satellite cannot wedge the provider.
		if p.trialInFlight && now.Sub(p.trialStarted) < t.cfg.Cooldown {
			return false
		}
		p.trialInFlight = true
		p.trialStarted = now
		return true
	default:
		return false
	}
}

// Blocked is the read-only dispatch gate: it reports whether work needing
// the provider should stay queued. Unlike MayCall it never consumes the
// half-open trial slot.
func (t *Tracker) Blocked(name string) bool {
	now := t.clock.Now()
	p := t.get(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybeReset(now)

	if p.limit > 0 && p.used >= p.limit {
		return true
	}
	if p.breaker == core.BreakerOpen && now.Sub(p.openedAt) < t.cfg.Cooldown {
		return true
	}
	return false
}

// Acquire combines the breaker/quota check with per-provider request
// smoothing. It is the permit operation satellites call before each metered
// provider request.
func (t *Tracker) Acquire(ctx context.Context, name string) error {
	if !t.MayCall(name) {
		p := t.get(name)
		p.mu.Lock()
		exhausted := p.limit > 0 && p.used >= p.limit
		p.mu.Unlock()
		if exhausted {
			return core.ErrQuotaExceeded
		}
		return core.ErrDispatchDeferred
	}
	p := t.get(name)
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// Status returns the externally visible quota view for one provider.
func (t *Tracker) Status(name string) core.QuotaStatus {
	now := t.clock.Now()
	p := t.get(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybeReset(now)
	return p.status(now)
}

// status builds the view. Caller holds p.mu.
func (p *provider) status(now time.Time) core.QuotaStatus {
	st := core.QuotaStatus{
		APIName:             p.name,
		Limit:               p.limit,
		Unlimited:           p.limit <= 0,
		Used:                p.used,
		TotalCalls:          p.totalCalls,
		SuccessfulCalls:     p.successCalls,
		BreakerState:        p.breaker,
		ConsecutiveFailures: p.consecFails,
	}
	if p.totalCalls > 0 {
		st.AvgResponseTime = p.totalLatency / time.Duration(p.totalCalls)
	}
	if p.breaker != core.BreakerClosed && !p.openedAt.IsZero() {
		opened := p.openedAt
		st.BreakerOpenedAt = &opened
	}
	if p.limit > 0 {
		remaining := p.limit - p.used
		if remaining < 0 {
			remaining = 0
		}
		st.Remaining = &remaining
		st.PercentageUsed = float64(p.used) / float64(p.limit) * 100

		// Linear extrapolation of the consumption rate across the current
		// reset period.
		elapsed := now.Sub(p.periodStart)
		if p.used > 0 && elapsed > 0 && remaining > 0 {
			perUnit := elapsed / time.Duration(p.used)
			eta := now.Add(perUnit * time.Duration(remaining))
			st.PredictedExhaustion = &eta
		}
		switch {
		case st.PercentageUsed >= 100:
			st.RecommendedAction = "pause provider jobs until quota reset"
		case st.PercentageUsed >= 90:
			st.RecommendedAction = "throttle non-critical jobs"
		case st.PercentageUsed >= 75:
			st.RecommendedAction = "monitor consumption"
		}
	}
	return st
}

// Snapshot returns the quota view for every provider seen so far, sorted by
// name for deterministic output.
func (t *Tracker) Snapshot() []core.QuotaStatus {
	now := t.clock.Now()

	t.mu.RLock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	out := make([]core.QuotaStatus, 0, len(names))
	for _, name := range names {
		p := t.get(name)
		p.mu.Lock()
		p.maybeReset(now)
		out = append(out, p.status(now))
		p.mu.Unlock()
	}
	return out
}

func breakerGauge(state core.BreakerState) float64 {
	switch state {
	case core.BreakerHalfOpen:
		return 1
	case core.BreakerOpen:
		return 2
	default:
		return 0
	}
}
