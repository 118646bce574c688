// Package plan holds the timing rules of each plan mode and computes the
// per-cycle TimingPolicy the executor runs with.
package plan

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"campaignplane/internal/store"
)

var (
	ErrInvalidMode      = errors.New("invalid plan mode")
	ErrInfeasibleTiming = errors.New("infeasible timing")
)

// InfeasibleTimingError reports a starter cycle whose sessions cannot finish
// inside their share of the window.
type InfeasibleTimingError struct {
	SessionRuntime   time.Duration
	WindowPerSession time.Duration
}

func (e *InfeasibleTimingError) Error() string {
	return fmt.Sprintf("starter mode infeasible: session runtime %s must be less than per-session window %s; increase total_cycle_minutes or reduce destinations",
		e.SessionRuntime, e.WindowPerSession)
}

func (e *InfeasibleTimingError) Is(target error) bool { return target == ErrInfeasibleTiming }

// Constraints are the pacing bounds of one plan mode.
type Constraints struct {
	DelayMin    time.Duration `mapstructure:"delay_min"`
	DelayMax    time.Duration `mapstructure:"delay_max"`
	GapMin      time.Duration `mapstructure:"gap_min"`
	GapMax      time.Duration `mapstructure:"gap_max"`
	Window      time.Duration `mapstructure:"window"`
	GapVariance time.Duration `mapstructure:"gap_variance"`
	HighLoad    bool          `mapstructure:"-"`
}

// Config groups the constraints of every mode.
type Config struct {
	Starter Constraints `mapstructure:"starter"`

	// StarterHighLoad applies to a single starter session serving more than
	// HighLoadDestinations destinations.
	StarterHighLoad      Constraints `mapstructure:"starter_high_load"`
	HighLoadDestinations int         `mapstructure:"high_load_destinations"`

	Enterprise Constraints `mapstructure:"enterprise"`

	// Jitter is the fraction by which each per-message delay is randomly stretched or shrunk.
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		Starter: Constraints{
			DelayMin: 30 * time.Second,
			DelayMax: 60 * time.Second,
			GapMin:   60 * time.Minute,
			GapMax:   120 * time.Minute,
			Window:   60 * time.Minute,
		},
		StarterHighLoad: Constraints{
			DelayMin: 45 * time.Second,
			DelayMax: 90 * time.Second,
			GapMin:   120 * time.Minute,
			GapMax:   180 * time.Minute,
			Window:   60 * time.Minute,
			HighLoad: true,
		},
		HighLoadDestinations: 100,
		Enterprise: Constraints{
			DelayMin:    15 * time.Second,
			DelayMax:    30 * time.Second,
			GapMin:      20 * time.Minute,
			GapMax:      45 * time.Minute,
			GapVariance: 5 * time.Minute,
		},
		Jitter: 0.15,
	}
}

// Validate checks the bounds of every mode.
func (c Config) Validate() error {
	for name, k := range map[string]Constraints{
		"starter":           c.Starter,
		"starter_high_load": c.StarterHighLoad,
		"enterprise":        c.Enterprise,
	} {
		if k.DelayMin <= 0 || k.DelayMin > k.DelayMax {
			return fmt.Errorf("plan %s: delay_min must be positive and <= delay_max", name)
		}
		if k.GapMin <= 0 || k.GapMin > k.GapMax {
			return fmt.Errorf("plan %s: gap_min must be positive and <= gap_max", name)
		}
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return errors.New("plan jitter must be in [0, 1)")
	}
	return nil
}

// TimingPolicy is computed once per cycle and passed through the executor.
type TimingPolicy struct {
	Mode   store.PlanMode
	Delay  time.Duration
	Jitter float64
	Window time.Duration
	// Offsets holds one start offset per session in starter mode and is nil otherwise.
	Offsets  []time.Duration
	HighLoad bool
}

// Offset returns the start offset of session i.
func (t TimingPolicy) Offset(i int) time.Duration {
	if i < 0 || i >= len(t.Offsets) {
		return 0
	}
	return t.Offsets[i]
}

// JitteredDelay maps u in [0,1) onto Delay stretched by up to ±Jitter.
func (t TimingPolicy) JitteredDelay(u float64) time.Duration {
	f := 1 + t.Jitter*(2*u-1)
	return time.Duration(float64(t.Delay) * f)
}

// CheckFeasibility fails when destinations × delay does not fit strictly
// inside window / sessions.
func CheckFeasibility(sessions, destinations int, delay, window time.Duration) error {
	if sessions <= 0 {
		return nil
	}
	runtime := time.Duration(destinations) * delay
	perSession := window / time.Duration(sessions)
	if runtime >= perSession {
		return &InfeasibleTimingError{SessionRuntime: runtime, WindowPerSession: perSession}
	}
	return nil
}

// Policy draws random pacing values from a Config. It is safe for concurrent use.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a policy. A nil rng is seeded from the clock.
func NewPolicy(cfg Config, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{cfg: cfg, rng: rng}
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config { return p.cfg }

// Constraints selects the bounds for a plan mode and load.
func (p *Policy) Constraints(mode store.PlanMode, sessions, destinations int) (Constraints, error) {
	switch mode {
	case store.PlanStarter:
		if sessions == 1 && destinations > p.cfg.HighLoadDestinations {
			return p.cfg.StarterHighLoad, nil
		}
		return p.cfg.Starter, nil
	case store.PlanEnterprise:
		return p.cfg.Enterprise, nil
	default:
		return Constraints{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// Timing computes the policy of one cycle. destinationsPerSession is the
// largest list any single session will run. totalCycleMinutes overrides the
// starter window when positive. Starter cycles that cannot fit fail with
// *InfeasibleTimingError.
func (p *Policy) Timing(mode store.PlanMode, sessions, destinationsPerSession, totalCycleMinutes int) (TimingPolicy, error) {
	c, err := p.Constraints(mode, sessions, destinationsPerSession)
	if err != nil {
		return TimingPolicy{}, err
	}

	t := TimingPolicy{
		Mode:     mode,
		Delay:    p.uniform(c.DelayMin, c.DelayMax),
		Jitter:   p.cfg.Jitter,
		HighLoad: c.HighLoad,
	}
	if mode != store.PlanStarter {
		return t, nil
	}

	t.Window = c.Window
	if totalCycleMinutes > 0 {
		t.Window = time.Duration(totalCycleMinutes) * time.Minute
	}
	if err := CheckFeasibility(sessions, destinationsPerSession, t.Delay, t.Window); err != nil {
		return TimingPolicy{}, err
	}

	// Fresh offsets every cycle, each leaving room for the session's longest run.
	longest := time.Duration(float64(time.Duration(destinationsPerSession)*t.Delay) * (1 + t.Jitter))
	latest := t.Window - longest
	if latest < 0 {
		latest = 0
	}
	t.Offsets = make([]time.Duration, sessions)
	for i := range t.Offsets {
		t.Offsets[i] = p.uniform(0, latest)
	}
	return t, nil
}

// EnterpriseBaseGap draws a base gap for a tenant.
func (p *Policy) EnterpriseBaseGap() time.Duration {
	return p.uniform(p.cfg.Enterprise.GapMin, p.cfg.Enterprise.GapMax)
}

// NextCycleGap returns the pause before the next cycle. Starter gaps are
// uniform in the mode's range. Enterprise gaps are base ± variance clamped
// to the range; a zero base draws a fresh one.
func (p *Policy) NextCycleGap(mode store.PlanMode, sessions, destinations int, base time.Duration) (time.Duration, error) {
	c, err := p.Constraints(mode, sessions, destinations)
	if err != nil {
		return 0, err
	}
	if mode == store.PlanStarter {
		return p.uniform(c.GapMin, c.GapMax), nil
	}

	if base <= 0 {
		base = p.uniform(c.GapMin, c.GapMax)
	}
	gap := base + p.uniform(-c.GapVariance, c.GapVariance)
	if gap < c.GapMin {
		gap = c.GapMin
	}
	if gap > c.GapMax {
		gap = c.GapMax
	}
	return gap, nil
}

// Float returns a uniform value in [0,1).
func (p *Policy) Float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

func (p *Policy) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)+1))
}
