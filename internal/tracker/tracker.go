// Package tracker quarantines (session, destination) pairs that keep failing.
//
// The clock is a per-session cycle counter advanced once per completed cycle,
// not wall time.
package tracker

import "sync"

const (
	DefaultThreshold      = 2
	DefaultCooldownCycles = 3
)

type key struct {
	session     string
	destination string
}

type entry struct {
	failures    int
	quarantined bool
	until       int
}

// Tracker is safe for concurrent use by many session tasks.
type Tracker struct {
	threshold int
	cooldown  int

	mu      sync.Mutex
	entries map[key]*entry
	cycles  map[string]int
}

// New creates a tracker. Non-positive values select the defaults.
func New(threshold, cooldownCycles int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldownCycles <= 0 {
		cooldownCycles = DefaultCooldownCycles
	}
	return &Tracker{
		threshold: threshold,
		cooldown:  cooldownCycles,
		entries:   make(map[key]*entry),
		cycles:    make(map[string]int),
	}
}

// RecordSuccess resets the consecutive failure count. A quarantine already
// in effect keeps running until its cooldown elapses.
func (t *Tracker) RecordSuccess(session, destination string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key{session, destination}]; ok {
		e.failures = 0
		if !e.quarantined {
			delete(t.entries, key{session, destination})
		}
	}
}

// RecordFailure increments the failure count and returns it. Reaching the
// threshold quarantines the pair until the session's current cycle plus the cooldown.
func (t *Tracker) RecordFailure(session, destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(session, destination)
	e.failures++
	if e.failures >= t.threshold && !e.quarantined {
		t.quarantine(session, e)
	}
	return e.failures
}

// Quarantine forces the pair into quarantine immediately.
func (t *Tracker) Quarantine(session, destination string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(session, destination)
	if e.failures < t.threshold {
		e.failures = t.threshold
	}
	if !e.quarantined {
		t.quarantine(session, e)
	}
}

func (t *Tracker) quarantine(session string, e *entry) {
	e.quarantined = true
	e.until = t.cycles[session] + t.cooldown
}

// ShouldSkip reports whether the pair is quarantined at cycle. Once cycle
// reaches the quarantine end the pair is cleared and may be retried.
func (t *Tracker) ShouldSkip(session, destination string, cycle int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{session, destination}
	e, ok := t.entries[k]
	if !ok || !e.quarantined {
		return false
	}
	if cycle < e.until {
		return true
	}
	delete(t.entries, k)
	return false
}

// Failures returns the consecutive failure count of a pair.
func (t *Tracker) Failures(session, destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key{session, destination}]; ok {
		return e.failures
	}
	return 0
}

// AdvanceCycle moves a session's clock forward by one and returns the new value.
func (t *Tracker) AdvanceCycle(session string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles[session]++
	return t.cycles[session]
}

// Cycle returns a session's current cycle number.
func (t *Tracker) Cycle(session string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles[session]
}

// ResetSession purges every entry and the cycle counter of a session.
func (t *Tracker) ResetSession(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset(session)
}

// ResetTenant purges all state of the given sessions.
func (t *Tracker) ResetTenant(sessions []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sessions {
		t.reset(s)
	}
}

func (t *Tracker) reset(session string) {
	for k := range t.entries {
		if k.session == session {
			delete(t.entries, k)
		}
	}
	delete(t.cycles, session)
}

// Quarantined returns the number of pairs currently in quarantine.
func (t *Tracker) Quarantined() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.quarantined {
			n++
		}
	}
	return n
}

func (t *Tracker) entry(session, destination string) *entry {
	k := key{session, destination}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	return e
}
