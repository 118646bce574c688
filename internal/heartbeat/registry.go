// Package heartbeat derives whether a tenant is actually executing from
// timestamped liveness signals rather than from stored intent.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"campaignplane/internal/store"
)

// DefaultTTL is the age after which a heartbeat is stale.
const DefaultTTL = 30 * time.Second

// Status is the derived run status of a tenant.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusCrashed Status = "CRASHED"
)

// Report is the result of DeriveStatus.
type Report struct {
	Status   Status               `json:"status"`
	Phase    store.HeartbeatPhase `json:"phase,omitempty"`
	LastBeat *time.Time           `json:"last_heartbeat,omitempty"`
	Age      time.Duration        `json:"age_ns,omitempty"`
	WorkerID string               `json:"worker_id,omitempty"`
}

// Registry writes and reads heartbeats through a store.Store.
//
// Every write rewrites the whole store, so Emit skips a write when the
// tenant's last beat from this registry has the same phase and is younger
// than the refresh interval (a third of the TTL).
type Registry struct {
	store    store.Store[store.Heartbeat]
	ttl      time.Duration
	refresh  time.Duration
	workerID string
	now      func() time.Time

	mu      sync.Mutex
	written map[string]store.Heartbeat
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. workerID is stamped on every emitted heartbeat.
func New(s store.Store[store.Heartbeat], ttl time.Duration, workerID string, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		store:    s,
		ttl:      ttl,
		refresh:  ttl / 3,
		workerID: workerID,
		now:      time.Now,
		written:  make(map[string]store.Heartbeat),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the staleness threshold.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Emit upserts the tenant's heartbeat with the current time and phase.
func (r *Registry) Emit(ctx context.Context, tenant string, phase store.HeartbeatPhase) error {
	ts := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.written[tenant]; ok && last.Phase == phase && ts.Sub(last.Timestamp) < r.refresh {
		return nil
	}

	hb, err := r.store.Update(ctx, tenant, func(hb *store.Heartbeat) {
		hb.TenantID = tenant
		hb.Timestamp = ts
		hb.Phase = phase
		hb.WorkerID = r.workerID
	})
	if err != nil {
		delete(r.written, tenant)
		return err
	}
	r.written[tenant] = hb
	return nil
}

// Clear removes the tenant's heartbeat.
func (r *Registry) Clear(ctx context.Context, tenant string) error {
	r.mu.Lock()
	delete(r.written, tenant)
	r.mu.Unlock()
	return r.store.Delete(ctx, tenant)
}

// Get returns the tenant's heartbeat if one exists.
func (r *Registry) Get(ctx context.Context, tenant string) (store.Heartbeat, bool, error) {
	all, err := r.store.Load(ctx)
	if err != nil {
		return store.Heartbeat{}, false, err
	}
	hb, ok := all[tenant]
	return hb, ok, nil
}

// DeriveStatus is the authority on whether a tenant is executing.
// RUNNING iff a heartbeat younger than the TTL exists; otherwise CRASHED if
// intent says running, else STOPPED.
func (r *Registry) DeriveStatus(ctx context.Context, tenant string, intent store.IntentStatus) (Report, error) {
	hb, ok, err := r.Get(ctx, tenant)
	if err != nil {
		return Report{}, err
	}
	return r.derive(hb, ok, intent), nil
}

func (r *Registry) derive(hb store.Heartbeat, ok bool, intent store.IntentStatus) Report {
	var rep Report
	if ok {
		ts := hb.Timestamp
		rep.LastBeat = &ts
		rep.Age = r.now().Sub(hb.Timestamp)
		rep.Phase = hb.Phase
		rep.WorkerID = hb.WorkerID
		if rep.Age < r.ttl {
			rep.Status = StatusRunning
			return rep
		}
	}
	if intent == store.IntentRunning {
		rep.Status = StatusCrashed
	} else {
		rep.Status = StatusStopped
	}
	return rep
}
