package store

import (
	"context"
	"sort"
	"time"
)

// Tenants implements TenantStore on top of two independent stores.
// Corruption in the statistics store never blocks state writes and vice versa.
type Tenants struct {
	state Store[TenantState]
	stats Store[TenantStats]
	now   func() time.Time
}

// NewTenants creates a TenantStore backed by the given state and statistics stores.
func NewTenants(state Store[TenantState], stats Store[TenantStats]) *Tenants {
	return &Tenants{state: state, stats: stats, now: time.Now}
}

func (t *Tenants) GetTenantState(ctx context.Context, id string) (TenantState, bool, error) {
	all, err := t.state.Load(ctx)
	if err != nil {
		return TenantState{}, false, err
	}
	s, ok := all[id]
	return s, ok, nil
}

func (t *Tenants) UpdateTenantState(ctx context.Context, id string, patch func(*TenantState)) (TenantState, error) {
	return t.state.Update(ctx, id, func(s *TenantState) {
		patch(s)
		s.UpdatedAt = t.now().UTC()
	})
}

func (t *Tenants) ListTenantStates(ctx context.Context) (map[string]TenantState, error) {
	return t.state.Load(ctx)
}

func (t *Tenants) ListRunningTenantIDs(ctx context.Context) ([]string, error) {
	all, err := t.state.Load(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, s := range all {
		if s.Intent == IntentRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *Tenants) GetTenantStats(ctx context.Context, id string) (TenantStats, error) {
	all, err := t.stats.Load(ctx)
	if err != nil {
		return TenantStats{}, err
	}
	if s, ok := all[id]; ok {
		return s, nil
	}
	return NewTenantStats(), nil
}

func (t *Tenants) UpdateTenantStats(ctx context.Context, id string, patch func(*TenantStats)) (TenantStats, error) {
	return t.stats.Update(ctx, id, func(s *TenantStats) {
		patch(s)
		now := t.now().UTC()
		s.LastActivity = &now
	})
}

func (t *Tenants) Degraded() bool {
	return t.state.Degraded() || t.stats.Degraded()
}

// StateDegraded reports whether only the state store is degraded.
func (t *Tenants) StateDegraded() bool {
	return t.state.Degraded()
}
