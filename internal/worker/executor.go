// Package worker runs delivery cycles for one tenant at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaignplane/internal/credentials"
	"campaignplane/internal/logger"
	"campaignplane/internal/observability"
	"campaignplane/internal/plan"
	"campaignplane/internal/store"
	"campaignplane/internal/tracker"
	"campaignplane/internal/worker/protocol"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const tracerName = "campaign-worker"

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrNoSessions         = errors.New("tenant has no sessions")
	ErrNoDestinations     = errors.New("no destinations configured")
	ErrNoPayload          = errors.New("no payload configured")
	ErrUnsupportedPayload = errors.New("unsupported payload kind")

	// ErrSessionMissing means the session left the tenant's partition, e.g. an operator ban.
	ErrSessionMissing = errors.New("session file not found")
)

// PreconditionError reports why a cycle refused to start.
type PreconditionError struct {
	TenantID string
	Err      error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("tenant %s: cycle precondition failed: %v", e.TenantID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// Config holds executor tuning.
type Config struct {
	TransientRetryWait time.Duration // wait before retrying a transient failure (default: 5s)
	RateLimitMaxWait   time.Duration // longer rate-limit waits count as failures (default: 5m)
	PairRate           float64       // deliveries per second per credential pair, 0 = unlimited
	PairBurst          int
	SleepSlice         time.Duration // liveness is re-checked at least this often while pausing (default: 1s)
	DisconnectTimeout  time.Duration // default: 10s
}

// SessionPool is the part of the session pool a cycle needs.
type SessionPool interface {
	Path(tenant, id string) (string, bool)
	Replace(tenant, banned string) (string, bool)
	Ban(id string) bool
	Release(tenant string, ids []string) int
}

// PairSource resolves credential pair indexes.
type PairSource interface {
	Pair(index int) (credentials.Pair, bool)
}

// DestinationSource returns the destination list of a plan mode.
type DestinationSource interface {
	Load(mode store.PlanMode) ([]string, error)
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Tenants      store.TenantStore
	Sessions     SessionPool
	Pairs        PairSource
	Destinations DestinationSource
	Tracker      *tracker.Tracker
	Policy       *plan.Policy
	Dialer       protocol.Dialer
	Instruments  *observability.Instruments
	Logger       *slog.Logger
}

// CycleRequest asks for one cycle of a tenant.
type CycleRequest struct {
	TenantID string
	CycleID  string
	// Limiter bounds the tenant's concurrently executing sessions. Nil means unbounded.
	Limiter *semaphore.Weighted
	// IsRunning is polled between deliveries and while pausing; once it
	// returns false no new delivery is issued. Nil means always running.
	IsRunning func() bool
}

// CycleStats summarizes one cycle. It is not persisted by the executor.
type CycleStats struct {
	Attempts       int
	Success        int
	Failures       int
	RateLimitWaits int
	Skipped        int
	Errors         []string
	Banned         []string
	Replacements   map[string]string
	Drained        bool
}

func (s *CycleStats) add(o CycleStats) {
	s.Attempts += o.Attempts
	s.Success += o.Success
	s.Failures += o.Failures
	s.RateLimitWaits += o.RateLimitWaits
	s.Skipped += o.Skipped
	s.Errors = append(s.Errors, o.Errors...)
	s.Drained = s.Drained || o.Drained
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the pacing sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// Executor runs cycles. It is safe for concurrent use across tenants.
type Executor struct {
	cfg  Config
	deps Deps

	limiters *pairLimiters
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// New creates an executor.
func New(cfg Config, deps Deps, opts ...Option) *Executor {
	if cfg.TransientRetryWait <= 0 {
		cfg.TransientRetryWait = 5 * time.Second
	}
	if cfg.RateLimitMaxWait <= 0 {
		cfg.RateLimitMaxWait = 5 * time.Minute
	}
	if cfg.SleepSlice <= 0 {
		cfg.SleepSlice = time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 10 * time.Second
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

	e := &Executor{
		cfg:      cfg,
		deps:     deps,
		limiters: newPairLimiters(rate.Limit(cfg.PairRate), cfg.PairBurst),
		sleep:    sleepContext,
		logger:   deps.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// cyclePlan is everything a cycle needs, resolved before any session starts.
type cyclePlan struct {
	tenant   string
	mode     store.PlanMode
	sessions []string
	pairs    []int
	parts    [][]string
	timing   plan.TimingPolicy
	source   string
	message  string
}

func (c *cyclePlan) pair(i int) int {
	if i < len(c.pairs) {
		return c.pairs[i]
	}
	return 0
}

// RunCycle runs one cycle of a tenant and returns its statistics. Errors
// are returned only when the cycle could not start; per-session failures
// are reported in CycleStats.
func (e *Executor) RunCycle(ctx context.Context, req CycleRequest) (stats CycleStats, err error) {
	ctx = logger.WithTenantID(ctx, req.TenantID)
	if req.CycleID != "" {
		ctx = logger.WithCycleID(ctx, req.CycleID)
	}
	log := logger.FromContext(ctx, e.logger)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "run_cycle",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("cycle.id", req.CycleID),
		),
	)
	defer span.End()

	finish := e.deps.Instruments.CycleStarted(ctx, req.TenantID)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		finish(err)
	}()

	c, err := e.prepare(ctx, req.TenantID, log)
	if err != nil {
		return CycleStats{}, err
	}
	span.SetAttributes(
		attribute.String("plan.mode", string(c.mode)),
		attribute.Int("sessions", len(c.sessions)),
		attribute.Int64("delay_ms", c.timing.Delay.Milliseconds()),
	)
	log.Info("cycle starting",
		"mode", c.mode,
		"sessions", len(c.sessions),
		"delay", c.timing.Delay,
	)

	alive := func() bool {
		if ctx.Err() != nil {
			return false
		}
		return req.IsRunning == nil || req.IsRunning()
	}

	results := make([]sessionResult, len(c.sessions))
	var g errgroup.Group
	for i := range c.sessions {
		if len(c.parts[i]) == 0 {
			continue
		}
		g.Go(func() error {
			results[i] = e.runSession(ctx, req.Limiter, c, i, alive)
			return nil
		})
	}
	_ = g.Wait()

	var banned []string
	for i, r := range results {
		stats.add(r.stats)
		if r.banned {
			banned = append(banned, c.sessions[i])
			continue
		}
		if r.ran {
			e.deps.Tracker.AdvanceCycle(c.sessions[i])
		}
	}
	if len(banned) > 0 {
		stats.Banned = banned
		stats.Replacements = e.retire(ctx, c.tenant, banned, &stats, log)
	}

	span.SetAttributes(
		attribute.Int("success", stats.Success),
		attribute.Int("failures", stats.Failures),
		attribute.Int("skipped", stats.Skipped),
	)
	log.Info("cycle finished",
		"success", stats.Success,
		"failures", stats.Failures,
		"rate_limit_waits", stats.RateLimitWaits,
		"skipped", stats.Skipped,
		"banned", len(stats.Banned),
		"drained", stats.Drained,
	)
	return stats, nil
}

func (e *Executor) prepare(ctx context.Context, tenant string, log *slog.Logger) (*cyclePlan, error) {
	st, ok, err := e.deps.Tenants.GetTenantState(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenant, err)
	}
	if !ok {
		return nil, &PreconditionError{TenantID: tenant, Err: ErrTenantNotFound}
	}
	if !st.PlanMode.Valid() {
		return nil, &PreconditionError{TenantID: tenant, Err: fmt.Errorf("%w: %q", plan.ErrInvalidMode, st.PlanMode)}
	}
	if len(st.Sessions) == 0 {
		return nil, &PreconditionError{TenantID: tenant, Err: ErrNoSessions}
	}

	dests, err := e.deps.Destinations.Load(st.PlanMode)
	if err != nil {
		return nil, &PreconditionError{TenantID: tenant, Err: err}
	}
	if len(dests) == 0 {
		dests = st.Destinations
	}
	if len(dests) == 0 {
		return nil, &PreconditionError{TenantID: tenant, Err: ErrNoDestinations}
	}

	if st.Payload.Empty() {
		return nil, &PreconditionError{TenantID: tenant, Err: ErrNoPayload}
	}
	if st.Payload.Kind != store.PayloadLink {
		return nil, &PreconditionError{TenantID: tenant, Err: fmt.Errorf("%w: %q", ErrUnsupportedPayload, st.Payload.Kind)}
	}
	source, message, err := ParseLink(st.Payload.Ref)
	if err != nil {
		return nil, &PreconditionError{TenantID: tenant, Err: err}
	}

	parts := Partition(st.PlanMode, dests, len(st.Sessions))
	timing, err := e.deps.Policy.Timing(st.PlanMode, len(st.Sessions), longest(parts), st.TotalCycleMinutes)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant, err)
	}
	if timing.HighLoad {
		log.Warn("high load: single session with many destinations, using slower pacing",
			"destinations", len(dests))
	}

	return &cyclePlan{
		tenant:   tenant,
		mode:     st.PlanMode,
		sessions: append([]string(nil), st.Sessions...),
		pairs:    append([]int(nil), st.CredentialPairs...),
		parts:    parts,
		timing:   timing,
		source:   source,
		message:  message,
	}, nil
}

type sessionResult struct {
	stats  CycleStats
	ran    bool
	banned bool
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeBanned
	outcomeAborted
)

func (e *Executor) runSession(ctx context.Context, limiter *semaphore.Weighted, c *cyclePlan, i int, alive func() bool) (res sessionResult) {
	session := c.sessions[i]
	dests := c.parts[i]
	log := logger.FromContext(ctx, e.logger).With("session_id", session)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "session_cycle",
		trace.WithAttributes(
			attribute.String("session.id", session),
			attribute.Int("session.index", i),
			attribute.Int("destinations", len(dests)),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session %s panicked: %v", session, r)
			log.Error("session task panicked", "panic", r)
			span.RecordError(err)
			res.stats.Errors = append(res.stats.Errors, err.Error())
		}
	}()

	if off := c.timing.Offset(i); off > 0 {
		log.Debug("waiting for start offset", "offset", off)
		if !e.pause(ctx, off, alive) {
			res.stats.Drained = true
			return res
		}
	}

	if limiter != nil {
		if err := limiter.Acquire(ctx, 1); err != nil {
			res.stats.Drained = true
			return res
		}
		defer limiter.Release(1)
	}
	if !alive() {
		res.stats.Drained = true
		return res
	}

	client, err := e.connect(ctx, c.tenant, session, c.pair(i), log)
	if err != nil {
		span.RecordError(err)
		res.stats.Errors = append(res.stats.Errors, fmt.Sprintf("%s: %s", session, shortReason(err)))
		if protocol.Classify(err) == protocol.ClassAccountFatal || errors.Is(err, ErrSessionMissing) {
			log.Error("session rejected at connect", "error", err)
			res.banned = true
		} else {
			log.Warn("session connect failed", "error", err)
		}
		return res
	}
	defer e.disconnect(ctx, client, log)
	res.ran = true

	bucket := e.limiters.get(c.pair(i))
	cycle := e.deps.Tracker.Cycle(session)

loop:
	for j, dest := range dests {
		if !alive() {
			res.stats.Drained = true
			break
		}
		if e.deps.Tracker.ShouldSkip(session, dest, cycle) {
			res.stats.Skipped++
			e.deps.Instruments.Delivery(ctx, c.tenant, observability.OutcomeSkipped)
			log.Debug("skipping quarantined destination", "destination", dest)
			continue
		}

		r := bucket.Reserve()
		if !e.pause(ctx, r.Delay(), alive) {
			r.Cancel()
			res.stats.Drained = true
			break
		}

		switch e.deliver(ctx, client, c, session, dest, &res.stats, alive, log) {
		case outcomeBanned:
			res.banned = true
			break loop
		case outcomeAborted:
			res.stats.Drained = true
			break loop
		}

		if j < len(dests)-1 {
			if !e.pause(ctx, c.timing.JitteredDelay(e.deps.Policy.Float()), alive) {
				res.stats.Drained = true
				break
			}
		}
	}

	span.SetAttributes(
		attribute.Int("success", res.stats.Success),
		attribute.Int("failures", res.stats.Failures),
		attribute.Bool("banned", res.banned),
	)
	return res
}

func (e *Executor) connect(ctx context.Context, tenant, session string, pairIndex int, log *slog.Logger) (protocol.Client, error) {
	path, ok := e.deps.Sessions.Path(tenant, session)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionMissing, session)
	}
	pair, ok := e.deps.Pairs.Pair(pairIndex)
	if !ok {
		return nil, fmt.Errorf("credential pair %d not configured", pairIndex)
	}

	client, err := e.deps.Dialer.Dial(ctx, protocol.SessionSpec{
		TenantID:    tenant,
		SessionID:   session,
		SessionPath: path,
		AppID:       pair.AppID,
		AppHash:     pair.AppHash,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		e.disconnect(ctx, client, log)
		return nil, fmt.Errorf("connect: %w", err)
	}
	authorized, err := client.IsAuthorized(ctx)
	if err != nil {
		e.disconnect(ctx, client, log)
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	if !authorized {
		e.disconnect(ctx, client, log)
		return nil, protocol.ErrSessionUnauthorized
	}
	return client, nil
}

func (e *Executor) disconnect(ctx context.Context, client protocol.Client, log *slog.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DisconnectTimeout)
	defer cancel()
	if err := client.Disconnect(dctx); err != nil {
		log.Warn("disconnect failed", "error", err)
	}
}

// deliver makes one delivery attempt with at most one retry and records
// its outcome in stats and the tracker.
func (e *Executor) deliver(ctx context.Context, client protocol.Client, c *cyclePlan, session, dest string, stats *CycleStats, alive func() bool, log *slog.Logger) outcome {
	log = log.With("destination", dest)
	attempt := func() error {
		_, err := client.Deliver(ctx, session, c.source, dest, c.message)
		return err
	}

	stats.Attempts++
	err := attempt()
	if err != nil && ctx.Err() != nil {
		return outcomeAborted
	}

	if cls := protocol.Classify(err); cls == protocol.ClassRateLimited || cls == protocol.ClassTransient {
		wait := protocol.RetryWait(err, e.cfg.TransientRetryWait)
		if cls == protocol.ClassRateLimited {
			stats.RateLimitWaits++
			e.deps.Instruments.RateLimitWait(ctx, c.tenant)
		}
		if wait > e.cfg.RateLimitMaxWait {
			log.Warn("retry wait exceeds maximum, not retrying", "wait", wait, "max", e.cfg.RateLimitMaxWait)
		} else {
			log.Info("retrying delivery", "class", cls, "wait", wait)
			if !e.pause(ctx, wait, alive) {
				return outcomeAborted
			}
			err = attempt()
			if err != nil && ctx.Err() != nil {
				return outcomeAborted
			}
		}
	}

	cls := protocol.Classify(err)
	if cls == protocol.ClassNone {
		stats.Success++
		e.deps.Tracker.RecordSuccess(session, dest)
		e.deps.Instruments.Delivery(ctx, c.tenant, observability.OutcomeSuccess)
		log.Info("delivered")
		return outcomeDone
	}

	stats.Failures++
	e.deps.Instruments.Delivery(ctx, c.tenant, observability.OutcomeFailure)

	switch cls {
	case protocol.ClassAccountFatal:
		e.deps.Tracker.RecordFailure(session, dest)
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", session, shortReason(err)))
		log.Error("session account rejected, aborting session", "error", err)
		return outcomeBanned
	case protocol.ClassDestinationFatal:
		e.deps.Tracker.Quarantine(session, dest)
		log.Warn("destination rejected session, quarantined", "error", err)
	case protocol.ClassUnclassified:
		n := e.deps.Tracker.RecordFailure(session, dest)
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s -> %s: %s", session, dest, shortReason(err)))
		log.Error("delivery failed", "error", err, "class", cls, "consecutive_failures", n)
	default:
		n := e.deps.Tracker.RecordFailure(session, dest)
		log.Warn("delivery failed after retry", "error", err, "class", cls, "consecutive_failures", n)
	}
	return outcomeDone
}

// retire replaces banned sessions in place and persists the tenant's new
// session list. A slot without a replacement is dropped with its pair.
//
// Replacements are only taken while the state store is writable. When it is
// degraded the sessions are banned and their slots stay in state, so the next
// cycle retires them again once writes are possible.
func (e *Executor) retire(ctx context.Context, tenant string, banned []string, stats *CycleStats, log *slog.Logger) map[string]string {
	persist := context.WithoutCancel(ctx)
	if err := e.stateWritable(persist, tenant); err != nil {
		for _, id := range banned {
			e.deps.Sessions.Ban(id)
			e.deps.Tracker.ResetSession(id)
			e.deps.Instruments.SessionBanned(ctx, tenant)
			log.Warn("session banned, replacement deferred", "session_id", id, "error", err)
		}
		stats.Errors = append(stats.Errors, fmt.Sprintf("replace sessions: %s", shortReason(err)))
		return nil
	}

	replacements := make(map[string]string, len(banned))
	var fresh []string
	for _, id := range banned {
		repl, ok := e.deps.Sessions.Replace(tenant, id)
		if ok {
			replacements[id] = repl
			fresh = append(fresh, repl)
		} else {
			replacements[id] = ""
		}
		e.deps.Tracker.ResetSession(id)
		e.deps.Instruments.SessionBanned(ctx, tenant)
		log.Warn("session banned", "session_id", id, "replacement", repl)
	}

	_, err := e.deps.Tenants.UpdateTenantState(persist, tenant, func(s *store.TenantState) {
		applyReplacements(s, replacements)
	})
	if err != nil {
		n := e.deps.Sessions.Release(tenant, fresh)
		log.Error("failed to persist session replacements, released them", "error", err, "released", n)
		stats.Errors = append(stats.Errors, fmt.Sprintf("persist replacements: %s", shortReason(err)))
		return nil
	}
	return replacements
}

// stateWritable reloads the tenant so the store's degraded flag is current.
func (e *Executor) stateWritable(ctx context.Context, tenant string) error {
	if _, _, err := e.deps.Tenants.GetTenantState(ctx, tenant); err != nil {
		return err
	}
	degraded := e.deps.Tenants.Degraded()
	if sd, ok := e.deps.Tenants.(interface{ StateDegraded() bool }); ok {
		degraded = sd.StateDegraded()
	}
	if degraded {
		return &store.DegradedStoreError{Store: "state"}
	}
	return nil
}

func applyReplacements(s *store.TenantState, replacements map[string]string) {
	sessions := make([]string, 0, len(s.Sessions))
	var pairs []int
	for i, id := range s.Sessions {
		hasPair := i < len(s.CredentialPairs)
		repl, retired := replacements[id]
		if retired {
			s.BannedSessions = appendUnique(s.BannedSessions, id)
			if repl == "" {
				continue
			}
			id = repl
		}
		sessions = append(sessions, id)
		if hasPair {
			pairs = append(pairs, s.CredentialPairs[i])
		}
	}
	s.Sessions = sessions
	if pairs == nil {
		pairs = []int{}
	}
	s.CredentialPairs = pairs
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

// pause sleeps d in slices, checking alive between them. It reports whether
// the cycle is still live afterwards.
func (e *Executor) pause(ctx context.Context, d time.Duration, alive func() bool) bool {
	for d > 0 {
		if !alive() {
			return false
		}
		step := min(d, e.cfg.SleepSlice)
		if err := e.sleep(ctx, step); err != nil {
			return false
		}
		d -= step
	}
	return alive()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
