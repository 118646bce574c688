// Package scheduler decides when each running tenant executes its next cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"campaignplane/internal/logger"
	"campaignplane/internal/plan"
	"campaignplane/internal/store"
	"campaignplane/internal/tracker"
	"campaignplane/internal/worker"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Executor runs one cycle of a tenant.
type Executor interface {
	RunCycle(ctx context.Context, req worker.CycleRequest) (worker.CycleStats, error)
}

// Heartbeats is the part of the heartbeat registry the scheduler drives.
type Heartbeats interface {
	Emit(ctx context.Context, tenant string, phase store.HeartbeatPhase) error
	Clear(ctx context.Context, tenant string) error
}

// Config holds scheduler tuning.
type Config struct {
	TickInterval       time.Duration // default: 2s
	SessionConcurrency int           // concurrent sessions per tenant (default: 7)
	DrainTimeout       time.Duration // in-flight cycles are cancelled after this on shutdown (default: 30s)
	FallbackGap        time.Duration // gap used when the plan gap cannot be computed (default: 5m)
	ProbeInterval      time.Duration // how often a cycle re-reads its tenant's intent (default: 1s)
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Tenants      store.TenantStore
	Executor     Executor
	Heartbeats   Heartbeats
	Tracker      *tracker.Tracker
	Policy       *plan.Policy
	Destinations worker.DestinationSource
	Logger       *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock used for due times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// slot is the scheduling state of one tenant.
type slot struct {
	lock    sync.Mutex // held for the whole cycle
	active  atomic.Bool
	limiter *semaphore.Weighted

	mu      sync.Mutex
	nextRun time.Time
	baseGap time.Duration
}

func (sl *slot) due(now time.Time) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return !now.Before(sl.nextRun)
}

// Scheduler is the single authority for when a tenant runs next.
type Scheduler struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu    sync.Mutex
	slots map[string]*slot

	stopping     atomic.Bool
	cycleCtx     context.Context
	cancelCycles context.CancelFunc
	wg           sync.WaitGroup
	done         chan struct{}
}

// New creates a scheduler.
func New(cfg Config, deps Deps, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.SessionConcurrency <= 0 {
		cfg.SessionConcurrency = 7
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.FallbackGap <= 0 {
		cfg.FallbackGap = 5 * time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(0, 0)
	}
	if deps.Policy == nil {
		deps.Policy = plan.NewPolicy(plan.DefaultConfig(), nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:          cfg,
		deps:         deps,
		now:          time.Now,
		slots:        make(map[string]*slot),
		cycleCtx:     ctx,
		cancelCycles: cancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled, then lets in-flight cycles drain for up
// to DrainTimeout before cancelling them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.deps.Logger.Info("scheduler starting",
		"tick_interval", s.cfg.TickInterval,
		"session_concurrency", s.cfg.SessionConcurrency,
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.shutdown()
			close(s.done)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Done returns a channel that is closed when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// IsActive reports whether a cycle of tenant is executing.
func (s *Scheduler) IsActive(tenant string) bool {
	s.mu.Lock()
	sl, ok := s.slots[tenant]
	s.mu.Unlock()
	return ok && sl.active.Load()
}

// ActiveCount returns the number of tenants with a cycle in flight.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.active.Load() {
			n++
		}
	}
	return n
}

func (s *Scheduler) shutdown() {
	s.stopping.Store(true)
	s.deps.Logger.Info("scheduler stopping, draining in-flight cycles", "active", s.ActiveCount())

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		s.deps.Logger.Warn("drain timeout reached, cancelling cycles", "timeout", s.cfg.DrainTimeout)
		s.cancelCycles()
		<-drained
	}
	s.cancelCycles()

	// Nothing executes past this point.
	ctx := context.Background()
	s.mu.Lock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.deps.Heartbeats.Clear(ctx, id); err != nil {
			s.deps.Logger.Warn("failed to clear heartbeat", "tenant_id", id, "error", err)
		}
	}
	s.deps.Logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Logger.Error("scheduler tick panicked", "panic", r)
		}
	}()

	// One snapshot per tick: every tenant decision below reads from it.
	states, err := s.deps.Tenants.ListTenantStates(ctx)
	if err != nil {
		s.deps.Logger.Error("failed to list tenants", "error", err)
		return
	}

	var ids []string
	running := make(map[string]bool)
	for id, st := range states {
		if st.Intent == store.IntentRunning {
			ids = append(ids, id)
			running[id] = true
		}
	}
	sort.Strings(ids)
	s.dropStopped(ctx, running)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.tickTenant(ctx, id, states[id])
	}
}

// dropStopped forgets idle tenants that are no longer running.
func (s *Scheduler) dropStopped(ctx context.Context, running map[string]bool) {
	var dropped []string
	s.mu.Lock()
	for id, sl := range s.slots {
		if !running[id] && !sl.active.Load() {
			delete(s.slots, id)
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dropped {
		if err := s.deps.Heartbeats.Clear(ctx, id); err != nil {
			s.deps.Logger.Warn("failed to clear heartbeat", "tenant_id", id, "error", err)
		}
		s.deps.Logger.Info("tenant stopped, slot dropped", "tenant_id", id)
	}
}

func (s *Scheduler) tickTenant(ctx context.Context, tenant string, st store.TenantState) {
	log := s.deps.Logger.With("tenant_id", tenant)
	defer func() {
		if r := recover(); r != nil {
			log.Error("tenant tick panicked", "panic", r)
		}
	}()

	if st.PlanStatus.Expired() {
		s.expire(ctx, tenant, st, log)
		return
	}

	sl := s.slot(tenant)
	if sl.active.Load() {
		s.emit(ctx, tenant, store.PhaseRunning, log)
		return
	}
	if !sl.due(s.now()) {
		s.emit(ctx, tenant, store.PhaseSleeping, log)
		return
	}
	if !sl.lock.TryLock() {
		return
	}
	sl.active.Store(true)
	s.emit(ctx, tenant, store.PhaseRunning, log)

	s.wg.Add(1)
	go s.runCycle(tenant, sl)
}

func (s *Scheduler) slot(tenant string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[tenant]
	if !ok {
		sl = &slot{limiter: semaphore.NewWeighted(int64(s.cfg.SessionConcurrency))}
		s.slots[tenant] = sl
	}
	return sl
}

func (s *Scheduler) expire(ctx context.Context, tenant string, st store.TenantState, log *slog.Logger) {
	reason := fmt.Sprintf("plan %s", st.PlanStatus)
	_, err := s.deps.Tenants.UpdateTenantState(ctx, tenant, func(t *store.TenantState) {
		t.Intent = store.IntentStopped
		t.StopReason = reason
	})
	if err != nil {
		log.Error("failed to auto-stop tenant with expired plan", "error", err)
	} else {
		log.Info("tenant auto-stopped", "reason", reason)
	}

	if err := s.deps.Heartbeats.Clear(ctx, tenant); err != nil {
		log.Warn("failed to clear heartbeat", "error", err)
	}
	s.deps.Tracker.ResetTenant(st.Sessions)

	s.mu.Lock()
	if sl, ok := s.slots[tenant]; ok && !sl.active.Load() {
		delete(s.slots, tenant)
	}
	s.mu.Unlock()
}

func (s *Scheduler) runCycle(tenant string, sl *slot) {
	defer s.wg.Done()
	defer func() {
		sl.active.Store(false)
		sl.lock.Unlock()
	}()

	cycleID := uuid.NewString()
	ctx := logger.WithCycleID(logger.WithTenantID(s.cycleCtx, tenant), cycleID)
	log := logger.FromContext(ctx, s.deps.Logger)

	stats, err := s.execute(ctx, worker.CycleRequest{
		TenantID:  tenant,
		CycleID:   cycleID,
		Limiter:   sl.limiter,
		IsRunning: s.probe(tenant),
	})
	if err != nil {
		log.Error("cycle failed", "error", err)
	}

	// Bookkeeping survives cancellation of the cycle.
	bg := context.WithoutCancel(ctx)
	s.record(bg, tenant, stats, err, log)

	st, ok, loadErr := s.deps.Tenants.GetTenantState(bg, tenant)
	if loadErr != nil {
		log.Error("failed to reload tenant after cycle", "error", loadErr)
	}
	gap := s.nextGap(sl, st)
	sl.mu.Lock()
	sl.nextRun = s.now().Add(gap)
	sl.mu.Unlock()

	if ok && st.Intent == store.IntentRunning && !s.stopping.Load() {
		s.emit(bg, tenant, store.PhaseIdle, log)
		log.Info("next cycle scheduled", "in", gap)
		return
	}
	if err := s.deps.Heartbeats.Clear(bg, tenant); err != nil {
		log.Warn("failed to clear heartbeat", "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, req worker.CycleRequest) (stats worker.CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.deps.Executor.RunCycle(ctx, req)
}

// record folds a finished cycle into the tenant's statistics.
func (s *Scheduler) record(ctx context.Context, tenant string, stats worker.CycleStats, cycleErr error, log *slog.Logger) {
	lastErr := ""
	switch {
	case cycleErr != nil:
		lastErr = cycleErr.Error()
	case len(stats.Errors) > 0:
		lastErr = stats.Errors[len(stats.Errors)-1]
	}

	_, err := s.deps.Tenants.UpdateTenantStats(ctx, tenant, func(t *store.TenantStats) {
		t.TotalAttempts += int64(stats.Success + stats.Failures)
		t.TotalSuccess += int64(stats.Success)
		t.TotalFailures += int64(stats.Failures)
		t.TotalRateLimitWaits += int64(stats.RateLimitWaits)
		t.TotalDelivered += int64(stats.Success)
		if cycleErr == nil {
			t.TotalCycles++
		}
		t.LastCycleError = lastErr
	})
	if err != nil {
		if errors.Is(err, store.ErrDegraded) {
			log.Warn("statistics store degraded, cycle stats dropped", "error", err)
			return
		}
		log.Error("failed to record cycle stats", "error", err)
	}
}

// nextGap computes the pause before a tenant's next cycle. Enterprise
// tenants keep a base gap drawn once per slot.
func (s *Scheduler) nextGap(sl *slot, st store.TenantState) time.Duration {
	if !st.PlanMode.Valid() || len(st.Sessions) == 0 {
		return s.cfg.FallbackGap
	}

	destinations := len(st.Destinations)
	if s.deps.Destinations != nil {
		if d, err := s.deps.Destinations.Load(st.PlanMode); err == nil && len(d) > 0 {
			destinations = len(d)
		}
	}

	sl.mu.Lock()
	if st.PlanMode == store.PlanEnterprise && sl.baseGap == 0 {
		sl.baseGap = s.deps.Policy.EnterpriseBaseGap()
	}
	base := sl.baseGap
	sl.mu.Unlock()

	gap, err := s.deps.Policy.NextCycleGap(st.PlanMode, len(st.Sessions), destinations, base)
	if err != nil {
		return s.cfg.FallbackGap
	}
	return gap
}

// probe returns the liveness predicate of a tenant's cycle. It re-reads the
// stored intent at most once per ProbeInterval.
func (s *Scheduler) probe(tenant string) func() bool {
	var (
		mu      sync.Mutex
		checked time.Time
		alive   = true
	)
	return func() bool {
		if s.stopping.Load() {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if !checked.IsZero() && now.Sub(checked) < s.cfg.ProbeInterval {
			return alive
		}
		checked = now
		st, ok, err := s.deps.Tenants.GetTenantState(context.Background(), tenant)
		alive = err == nil && ok && st.Intent == store.IntentRunning && !st.PlanStatus.Expired()
		return alive
	}
}

func (s *Scheduler) emit(ctx context.Context, tenant string, phase store.HeartbeatPhase, log *slog.Logger) {
	if err := s.deps.Heartbeats.Emit(ctx, tenant, phase); err != nil {
		log.Warn("failed to emit heartbeat", "phase", phase, "error", err)
	}
}
