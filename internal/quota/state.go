package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/core"
)

// PersistedState is the durable slice of one provider's quota record.
// Breaker state is persisted so a degraded provider stays degraded across a
// coordinator restart.
type PersistedState struct {
	Used                int64             `json:"used"`
	PeriodStart         time.Time         `json:"period_start"`
	TotalCalls          int64             `json:"total_calls"`
	SuccessfulCalls     int64             `json:"successful_calls"`
	TotalLatencyNanos   int64             `json:"total_latency_nanos"`
	BreakerState        core.BreakerState `json:"circuit_breaker_state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	BreakerOpenedAt     time.Time         `json:"breaker_opened_at"`
}

// StateStore persists provider quota records in a durable key-value store.
type StateStore interface {
	Load(ctx context.Context) (map[string]PersistedState, error)
	Save(ctx context.Context, name string, state PersistedState) error
}

const stateOpTimeout = 2 * time.Second

func (t *Tracker) restore() {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateOpTimeout)
	defer cancel()
	states, err := t.store.Load(ctx)
	if err != nil {
		t.logger.Warn("quota state restore failed", zap.Error(err))
		return
	}
	for name, st := range states {
		p := t.get(name)
		p.mu.Lock()
		p.used = st.Used
		if !st.PeriodStart.IsZero() {
			p.periodStart = st.PeriodStart
		}
		p.totalCalls = st.TotalCalls
		p.successCalls = st.SuccessfulCalls
		p.totalLatency = time.Duration(st.TotalLatencyNanos)
		if st.BreakerState != "" {
			p.breaker = st.BreakerState
		}
		p.consecFails = st.ConsecutiveFailures
		p.openedAt = st.BreakerOpenedAt
		p.mu.Unlock()
	}
	t.logger.Info("quota state restored", zap.Int("providers", len(states)))
}

// persist writes one provider record through the state store, best effort.
func (t *Tracker) persist(p *provider) {
	if t.store == nil {
		return
	}
	p.mu.Lock()
	st := PersistedState{
		Used:                p.used,
		PeriodStart:         p.periodStart,
		TotalCalls:          p.totalCalls,
		SuccessfulCalls:     p.successCalls,
		TotalLatencyNanos:   int64(p.totalLatency),
		BreakerState:        p.breaker,
		ConsecutiveFailures: p.consecFails,
		BreakerOpenedAt:     p.openedAt,
	}
	name := p.name
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stateOpTimeout)
	defer cancel()
	if err := t.store.Save(ctx, name, st); err != nil {
		t.logger.Warn("quota state save failed", zap.String("provider", name), zap.Error(err))
	}
}
