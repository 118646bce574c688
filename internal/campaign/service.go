// Package campaign implements the tenant control operations: registration,
// start, stop, session release, payload updates and status.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"campaignplane/internal/credentials"
	"campaignplane/internal/destinations"
	"campaignplane/internal/heartbeat"
	"campaignplane/internal/sessions"
	"campaignplane/internal/store"
	"campaignplane/internal/tracker"
	"campaignplane/internal/worker"
	"campaignplane/internal/worker/protocol"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrPlanInactive    = errors.New("plan is not active")
	ErrInvalidPlanMode = errors.New("invalid plan mode")
	ErrModeOverride    = errors.New("plan mode cannot be overridden at start")
	ErrNoResources     = errors.New("no sessions available")
	ErrNotStopped      = errors.New("tenant must be stopped first")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidTiming   = errors.New("starter plans require total_cycle_minutes > 0")
)

// DefaultTotalCycleMinutes is the starter window used when none is given.
const DefaultTotalCycleMinutes = 60

// SessionPool is the part of the session pool tenant control needs.
type SessionPool interface {
	Allocate(tenant string, count int, alreadyOwned []string) []string
	Release(tenant string, ids []string) int
	ListAssigned(tenant string) []string
	Locate(id string) (sessions.Location, bool)
}

// Heartbeats is the part of the heartbeat registry tenant control needs.
type Heartbeats interface {
	Clear(ctx context.Context, tenant string) error
	DeriveStatus(ctx context.Context, tenant string, intent store.IntentStatus) (heartbeat.Report, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Tenants    store.TenantStore
	Sessions   SessionPool
	Pairs      *credentials.Pool
	Heartbeats Heartbeats
	Tracker    *tracker.Tracker
	// Destinations resolves the plan-file destination list reported by Status.
	Destinations worker.DestinationSource
	// Dialer connects sessions for VerifySessions. Nil disables verification.
	Dialer protocol.Dialer
	// IsActive reports whether the scheduler has a cycle of the tenant in flight.
	IsActive func(tenant string) bool
	Logger   *slog.Logger
}

// Plan is the billing information of a tenant.
type Plan struct {
	Mode        store.PlanMode
	Status      store.PlanStatus
	MaxSessions int
}

// StartOptions are supplied by the caller of Start.
type StartOptions struct {
	// PlanStatus is the caller's view of the plan; a non-active value refuses the start.
	PlanStatus store.PlanStatus
	// Mode must match the stored plan mode when set.
	Mode              store.PlanMode
	TotalCycleMinutes int
}

// StartResult describes a successful Start.
type StartResult struct {
	AlreadyRunning bool
	Sessions       int
	Mode           store.PlanMode
}

// Status is the externally visible state of a tenant.
type Status struct {
	Heartbeat    heartbeat.Report
	Intent       store.IntentStatus
	Active       bool
	Sessions     int
	Destinations int
	StopReason   string
	// Idle is set when the tenant reports running but lacks sessions or a payload.
	Idle  bool
	Stats store.TenantStats
}

// Service implements tenant control.
type Service struct {
	deps Deps

	// allocMu serializes session and pair allocation so capacity checks see
	// each other's results.
	allocMu sync.Mutex
}

// New creates a Service.
func New(deps Deps) *Service {
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(0, 0)
	}
	if deps.IsActive == nil {
		deps.IsActive = func(string) bool { return false }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// Register creates a stopped tenant with defaults. It reports whether the
// tenant was created; registering an existing tenant changes nothing.
func (s *Service) Register(ctx context.Context, tenant string, p Plan) (bool, error) {
	_, ok, err := s.deps.Tenants.GetTenantState(ctx, tenant)
	if err != nil {
		return false, err
	}
	if err := s.writable(); err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if p.Mode != "" && !p.Mode.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidPlanMode, p.Mode)
	}

	_, err = s.deps.Tenants.UpdateTenantState(ctx, tenant, func(st *store.TenantState) {
		st.Intent = store.IntentStopped
		st.PlanMode = p.Mode
		st.PlanStatus = p.Status
		st.MaxSessions = p.MaxSessions
	})
	if err != nil {
		return false, err
	}
	s.deps.Logger.Info("tenant registered", "tenant_id", tenant, "plan_mode", p.Mode)
	return true, nil
}

// UpdatePlan replaces a tenant's plan. An expired plan is picked up by the
// scheduler on its next tick.
func (s *Service) UpdatePlan(ctx context.Context, tenant string, p Plan) error {
	if p.Mode != "" && !p.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlanMode, p.Mode)
	}
	if _, err := s.getWritable(ctx, tenant); err != nil {
		return err
	}
	_, err := s.deps.Tenants.UpdateTenantState(ctx, tenant, func(st *store.TenantState) {
		if p.Mode != "" {
			st.PlanMode = p.Mode
		}
		if p.Status != "" {
			st.PlanStatus = p.Status
		}
		if p.MaxSessions > 0 {
			st.MaxSessions = p.MaxSessions
		}
	})
	return err
}

// Start sets a tenant's intent to running, lazily assigning sessions and
// credential pairs on the first start.
func (s *Service) Start(ctx context.Context, tenant string, opts StartOptions) (StartResult, error) {
	st, err := s.getWritable(ctx, tenant)
	if err != nil {
		return StartResult{}, err
	}
	if opts.PlanStatus.Expired() {
		return StartResult{}, fmt.Errorf("%w: %s", ErrPlanInactive, opts.PlanStatus)
	}
	if st.PlanStatus.Expired() {
		return StartResult{}, fmt.Errorf("%w: %s", ErrPlanInactive, st.PlanStatus)
	}
	if st.Intent == store.IntentRunning {
		return StartResult{AlreadyRunning: true, Sessions: len(st.Sessions), Mode: st.PlanMode}, nil
	}
	if s.deps.IsActive(tenant) {
		return StartResult{}, fmt.Errorf("%w: previous cycle still draining", ErrNotStopped)
	}
	if !st.PlanMode.Valid() {
		return StartResult{}, fmt.Errorf("%w: %q", ErrInvalidPlanMode, st.PlanMode)
	}
	if opts.Mode != "" && opts.Mode != st.PlanMode {
		return StartResult{}, fmt.Errorf("%w: stored %q, requested %q", ErrModeOverride, st.PlanMode, opts.Mode)
	}

	minutes := 0
	if st.PlanMode == store.PlanStarter {
		minutes = opts.TotalCycleMinutes
		if minutes == 0 {
			minutes = st.TotalCycleMinutes
		}
		if minutes == 0 {
			minutes = DefaultTotalCycleMinutes
		}
		if minutes < 0 {
			return StartResult{}, ErrInvalidTiming
		}
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	sessions, pairs, fresh, err := s.allocate(ctx, tenant, st)
	if err != nil {
		return StartResult{}, err
	}

	// The allocation was computed from st; a session list changed since then
	// by a draining cycle must not be overwritten.
	changed := false
	_, err = s.deps.Tenants.UpdateTenantState(ctx, tenant, func(t *store.TenantState) {
		if !slices.Equal(t.Sessions, st.Sessions) {
			changed = true
			return
		}
		t.Intent = store.IntentRunning
		t.Sessions = sessions
		t.CredentialPairs = pairs
		t.StopReason = ""
		if minutes > 0 {
			t.TotalCycleMinutes = minutes
		}
	})
	if err == nil && changed {
		err = fmt.Errorf("%w: sessions changed while starting", ErrNotStopped)
	}
	if err != nil {
		if n := s.deps.Sessions.Release(tenant, fresh); n > 0 {
			s.deps.Logger.Warn("start failed, released fresh sessions", "tenant_id", tenant, "released", n)
		}
		return StartResult{}, err
	}

	s.deps.Logger.Info("tenant started",
		"tenant_id", tenant,
		"mode", st.PlanMode,
		"sessions", len(sessions),
	)
	return StartResult{Sessions: len(sessions), Mode: st.PlanMode}, nil
}

// allocate tops the tenant up to its plan's session count and gives every
// session a credential pair. fresh lists the sessions assigned by this call.
func (s *Service) allocate(ctx context.Context, tenant string, st store.TenantState) (sessions []string, pairs []int, fresh []string, err error) {
	sessions = st.Sessions
	if len(sessions) == 0 {
		want := st.MaxSessions
		if want <= 0 {
			want = 1
		}
		sessions = s.deps.Sessions.Allocate(tenant, want, nil)
		fresh = sessions
		if len(sessions) == 0 {
			return nil, nil, nil, ErrNoResources
		}
	}

	pairs = st.CredentialPairs
	if len(pairs) == len(sessions) {
		return sessions, pairs, fresh, nil
	}

	states, err := s.deps.Tenants.ListTenantStates(ctx)
	if err != nil {
		s.deps.Sessions.Release(tenant, fresh)
		return nil, nil, nil, err
	}
	assignments := credentials.AssignmentsFrom(states)
	if len(pairs) < len(sessions) {
		assignments[tenant] = pairs
		pairs = s.deps.Pairs.Extend(assignments, tenant, len(sessions)-len(pairs))
	} else {
		pairs = pairs[:len(sessions)]
	}

	// Sessions without a pair cannot run; hand them back.
	if len(pairs) < len(sessions) {
		extra := sessions[len(pairs):]
		s.deps.Sessions.Release(tenant, extra)
		s.deps.Logger.Warn("credential pairs exhausted, released sessions",
			"tenant_id", tenant, "released", len(extra))
		sessions = sessions[:len(pairs)]
		fresh = intersect(fresh, sessions)
	}
	if len(sessions) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: credential pairs at capacity", ErrNoResources)
	}
	return sessions, pairs, fresh, nil
}

// Stop sets a tenant's intent to stopped. A running cycle drains on its own.
func (s *Service) Stop(ctx context.Context, tenant string) (alreadyStopped bool, err error) {
	st, err := s.getWritable(ctx, tenant)
	if err != nil {
		return false, err
	}

	alreadyStopped = st.Intent != store.IntentRunning
	if !alreadyStopped {
		if _, err := s.deps.Tenants.UpdateTenantState(ctx, tenant, func(t *store.TenantState) {
			t.Intent = store.IntentStopped
			t.StopReason = "stopped by request"
		}); err != nil {
			return false, err
		}
	}

	if err := s.deps.Heartbeats.Clear(ctx, tenant); err != nil {
		s.deps.Logger.Warn("failed to clear heartbeat", "tenant_id", tenant, "error", err)
	}
	s.deps.Tracker.ResetTenant(st.Sessions)
	s.deps.Logger.Info("tenant stopped", "tenant_id", tenant, "already_stopped", alreadyStopped)
	return alreadyStopped, nil
}

// ReleaseSessions returns a stopped tenant's sessions to the unused pool and
// frees its credential pairs.
func (s *Service) ReleaseSessions(ctx context.Context, tenant string) (int, error) {
	st, err := s.getWritable(ctx, tenant)
	if err != nil {
		return 0, err
	}
	if st.Intent == store.IntentRunning || s.deps.IsActive(tenant) {
		return 0, ErrNotStopped
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	ids := union(st.Sessions, s.deps.Sessions.ListAssigned(tenant))
	n := s.deps.Sessions.Release(tenant, ids)
	if _, err := s.deps.Tenants.UpdateTenantState(ctx, tenant, func(t *store.TenantState) {
		t.Sessions = []string{}
		t.CredentialPairs = []int{}
	}); err != nil {
		return n, err
	}
	s.deps.Tracker.ResetTenant(ids)
	s.deps.Logger.Info("tenant sessions released", "tenant_id", tenant, "released", n)
	return n, nil
}

// UpdatePayload validates and stores a tenant's payload.
func (s *Service) UpdatePayload(ctx context.Context, tenant string, p store.Payload) error {
	if p.Kind == "" {
		p.Kind = store.PayloadLink
	}
	p.Ref = strings.TrimSpace(p.Ref)
	if p.Kind != store.PayloadLink {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidPayload, p.Kind)
	}
	if p.Ref == "" {
		return fmt.Errorf("%w: empty reference", ErrInvalidPayload)
	}
	if _, _, err := worker.ParseLink(p.Ref); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if _, err := s.getWritable(ctx, tenant); err != nil {
		return err
	}
	_, err := s.deps.Tenants.UpdateTenantState(ctx, tenant, func(t *store.TenantState) {
		t.Payload = p
	})
	return err
}

// UpdateDestinations replaces a tenant's fallback destination list.
func (s *Service) UpdateDestinations(ctx context.Context, tenant string, list []string) error {
	clean := make([]string, 0, len(list))
	for _, raw := range list {
		d, err := destinations.Parse(raw)
		if err != nil {
			return err
		}
		clean = append(clean, d.String())
	}
	if _, err := s.getWritable(ctx, tenant); err != nil {
		return err
	}
	_, err := s.deps.Tenants.UpdateTenantState(ctx, tenant, func(t *store.TenantState) {
		t.Destinations = clean
	})
	return err
}

// Status reports a tenant's heartbeat-derived status and statistics.
func (s *Service) Status(ctx context.Context, tenant string) (Status, error) {
	st, err := s.get(ctx, tenant)
	if err != nil {
		return Status{}, err
	}
	report, err := s.deps.Heartbeats.DeriveStatus(ctx, tenant, st.Intent)
	if err != nil {
		return Status{}, err
	}
	stats, err := s.deps.Tenants.GetTenantStats(ctx, tenant)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Heartbeat:    report,
		Intent:       st.Intent,
		Active:       s.deps.IsActive(tenant),
		Sessions:     len(st.Sessions),
		Destinations: s.destinationCount(st),
		StopReason:   st.StopReason,
		Idle:         report.Status == heartbeat.StatusRunning && (len(st.Sessions) == 0 || st.Payload.Empty()),
		Stats:        stats,
	}, nil
}

// destinationCount is the size of the list a cycle would use: the plan file
// of the tenant's mode, or the stored list when that file is empty.
func (s *Service) destinationCount(st store.TenantState) int {
	if s.deps.Destinations != nil && st.PlanMode.Valid() {
		list, err := s.deps.Destinations.Load(st.PlanMode)
		if err != nil {
			s.deps.Logger.Warn("failed to load destinations for status", "plan_mode", st.PlanMode, "error", err)
		} else if len(list) > 0 {
			return len(list)
		}
	}
	return len(st.Destinations)
}

// ResetRunningOnBoot stops every tenant left running by a previous process.
// Nothing resumes until an explicit Start.
func (s *Service) ResetRunningOnBoot(ctx context.Context) (int, error) {
	ids, err := s.deps.Tenants.ListRunningTenantIDs(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, id := range ids {
		_, err := s.deps.Tenants.UpdateTenantState(ctx, id, func(t *store.TenantState) {
			t.Intent = store.IntentStopped
			t.StopReason = "engine restarted"
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
			continue
		}
		if err := s.deps.Heartbeats.Clear(ctx, id); err != nil {
			s.deps.Logger.Warn("failed to clear heartbeat", "tenant_id", id, "error", err)
		}
		n++
	}
	if n > 0 {
		s.deps.Logger.Info("reset running tenants to stopped on boot", "count", n)
	}
	return n, errors.Join(errs...)
}

func (s *Service) get(ctx context.Context, tenant string) (store.TenantState, error) {
	st, ok, err := s.deps.Tenants.GetTenantState(ctx, tenant)
	if err != nil {
		return store.TenantState{}, err
	}
	if !ok {
		return store.TenantState{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenant)
	}
	return st, nil
}

// getWritable loads a tenant and fails before any side effect when its state
// cannot be written. The load refreshes the store's degraded flag.
func (s *Service) getWritable(ctx context.Context, tenant string) (store.TenantState, error) {
	st, ok, err := s.deps.Tenants.GetTenantState(ctx, tenant)
	if err != nil {
		return store.TenantState{}, err
	}
	if err := s.writable(); err != nil {
		return store.TenantState{}, err
	}
	if !ok {
		return store.TenantState{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenant)
	}
	return st, nil
}

// writable reports a degraded state store. Statistics corruption alone does
// not block control operations.
func (s *Service) writable() error {
	degraded := s.deps.Tenants.Degraded()
	if sd, ok := s.deps.Tenants.(interface{ StateDegraded() bool }); ok {
		degraded = sd.StateDegraded()
	}
	if degraded {
		return &store.DegradedStoreError{Store: "state"}
	}
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func intersect(a, b []string) []string {
	keep := make(map[string]bool, len(b))
	for _, id := range b {
		keep[id] = true
	}
	var out []string
	for _, id := range a {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}
