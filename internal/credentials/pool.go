// Package credentials bin-packs sessions onto app-level credential pairs.
//
// Usage is never stored. It is recomputed from tenant assignments on every
// call so that it cannot drift from the source of truth after a crash.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"campaignplane/internal/store"
	"campaignplane/internal/store/filestore"
)

// DefaultCapacity is the number of sessions a single pair may serve.
const DefaultCapacity = 7

var (
	// ErrNoPairs is returned when the pairs file holds no usable pair.
	ErrNoPairs = errors.New("no credential pairs configured")

	ErrInvalidPair   = errors.New("invalid credential pair")
	ErrDuplicatePair = errors.New("credential pair already exists")
	ErrPairNotFound  = errors.New("credential pair not found")
	ErrPairInUse     = errors.New("credential pair in use")
)

// Pair is an app-level API identity.
type Pair struct {
	AppID   string `json:"app_id"`
	AppHash string `json:"app_hash"`
}

// Assignments maps a tenant ID to one pair index per session slot.
type Assignments map[string][]int

// AssignmentsFrom extracts pair assignments from tenant states.
func AssignmentsFrom(states map[string]store.TenantState) Assignments {
	a := make(Assignments, len(states))
	for id, s := range states {
		if len(s.CredentialPairs) > 0 {
			a[id] = s.CredentialPairs
		}
	}
	return a
}

// Pool is an ordered list of credential pairs. Tenants reference pairs by
// index, so pairs are only ever appended or removed from positions nothing
// at or after is assigned.
type Pool struct {
	mu       sync.RWMutex
	pairs    []Pair
	capacity int
	// path is where Add and Remove persist the list. Empty keeps it in memory.
	path string
}

// NewPool creates an in-memory pool. A non-positive capacity selects DefaultCapacity.
func NewPool(pairs []Pair, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{pairs: append([]Pair(nil), pairs...), capacity: capacity}
}

// OpenPool loads the pairs file at path and persists later changes back to it.
func OpenPool(path string, capacity int) (*Pool, error) {
	pairs, err := LoadPairs(path)
	if err != nil {
		return nil, err
	}
	p := NewPool(pairs, capacity)
	p.path = path
	return p, nil
}

// LoadPairs reads {"pairs":[{"app_id":..,"app_hash":..}]} from path.
func LoadPairs(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential pairs: %w", err)
	}
	var doc pairsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding credential pairs: %w", err)
	}
	var pairs []Pair
	for _, p := range doc.Pairs {
		if p.AppID != "" && p.AppHash != "" {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	return pairs, nil
}

type pairsFile struct {
	Pairs []Pair `json:"pairs"`
}

// Validate checks that the app ID is numeric and the hash hexadecimal.
func (p Pair) Validate() error {
	if p.AppID == "" || p.AppHash == "" {
		return fmt.Errorf("%w: app_id and app_hash are required", ErrInvalidPair)
	}
	if strings.Trim(p.AppID, "0123456789") != "" {
		return fmt.Errorf("%w: app_id must be numeric", ErrInvalidPair)
	}
	if strings.Trim(strings.ToLower(p.AppHash), "0123456789abcdef") != "" {
		return fmt.Errorf("%w: app_hash must be hexadecimal", ErrInvalidPair)
	}
	return nil
}

// Len returns the number of pairs.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pairs)
}

// Capacity returns the per-pair session limit.
func (p *Pool) Capacity() int { return p.capacity }

// Pairs returns a copy of the ordered pair list.
func (p *Pool) Pairs() []Pair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Pair(nil), p.pairs...)
}

// Pair resolves a pair index.
func (p *Pool) Pair(index int) (Pair, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.pairs) {
		return Pair{}, false
	}
	return p.pairs[index], true
}

// Add appends a pair and returns its index.
func (p *Pool) Add(pair Pair) (int, error) {
	pair.AppID = strings.TrimSpace(pair.AppID)
	pair.AppHash = strings.TrimSpace(pair.AppHash)
	if err := pair.Validate(); err != nil {
		return -1, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.pairs {
		if existing.AppID == pair.AppID {
			return -1, fmt.Errorf("%w: app_id %s", ErrDuplicatePair, pair.AppID)
		}
	}
	next := append(append([]Pair(nil), p.pairs...), pair)
	if err := p.persist(next); err != nil {
		return -1, err
	}
	p.pairs = next
	return len(next) - 1, nil
}

// Remove deletes the pair with appID. Removing shifts the indexes of later
// pairs, so it is refused while that pair or any later one is assigned.
// The last pair is never removed.
func (p *Pool) Remove(appID string, assignments Assignments) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, existing := range p.pairs {
		if existing.AppID == appID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: app_id %s", ErrPairNotFound, appID)
	}
	if len(p.pairs) == 1 {
		return fmt.Errorf("%w: cannot remove the last pair", ErrPairInUse)
	}
	for i, n := range p.usage(assignments) {
		if i >= idx && n > 0 {
			return fmt.Errorf("%w: pair %d serves %d sessions", ErrPairInUse, i, n)
		}
	}

	next := append(append([]Pair(nil), p.pairs[:idx]...), p.pairs[idx+1:]...)
	if err := p.persist(next); err != nil {
		return err
	}
	p.pairs = next
	return nil
}

func (p *Pool) persist(pairs []Pair) error {
	if p.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(pairsFile{Pairs: pairs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credential pairs: %w", err)
	}
	if err := filestore.WriteFile(p.path, append(data, '\n')); err != nil {
		return fmt.Errorf("saving credential pairs: %w", err)
	}
	return nil
}

// Usage counts the sessions referencing each pair across all tenants.
// Indices outside the pool are ignored.
func (p *Pool) Usage(assignments Assignments) map[int]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usage(assignments)
}

func (p *Pool) usage(assignments Assignments) map[int]int {
	usage := make(map[int]int)
	for _, indices := range assignments {
		for _, idx := range indices {
			if idx >= 0 && idx < len(p.pairs) {
				usage[idx]++
			}
		}
	}
	return usage
}

// FindCapacity returns the first pair that can hold needed more sessions.
func (p *Pool) FindCapacity(assignments Assignments, needed int) (int, Pair, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	usage := p.usage(assignments)
	for idx, pair := range p.pairs {
		if usage[idx]+needed <= p.capacity {
			return idx, pair, true
		}
	}
	return -1, Pair{}, false
}

// Assign produces one pair index per session for tenant, filling the first
// pair with spare capacity before spilling into the next. The tenant's own
// previous entries are excluded from usage. The result is shorter than count
// when every pair is full.
func (p *Pool) Assign(assignments Assignments, tenant string, count int) []int {
	others := make(Assignments, len(assignments))
	for id, indices := range assignments {
		if id != tenant {
			others[id] = indices
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	usage := p.usage(others)

	out := make([]int, 0, count)
	for idx := range p.pairs {
		for usage[idx] < p.capacity && len(out) < count {
			usage[idx]++
			out = append(out, idx)
		}
		if len(out) == count {
			break
		}
	}
	return out
}

// Extend assigns pairs for extra additional sessions while keeping the
// tenant's existing indices in place.
func (p *Pool) Extend(assignments Assignments, tenant string, extra int) []int {
	current := append([]int(nil), assignments[tenant]...)
	if extra <= 0 {
		return current
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	usage := p.usage(assignments)
	for idx := range p.pairs {
		for usage[idx] < p.capacity && extra > 0 {
			usage[idx]++
			current = append(current, idx)
			extra--
		}
		if extra == 0 {
			break
		}
	}
	return current
}
