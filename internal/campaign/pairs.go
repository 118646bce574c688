package campaign

import (
	"context"

	"campaignplane/internal/credentials"
)

// PairUsage is a credential pair and the number of session slots using it.
type PairUsage struct {
	Index    int
	Pair     credentials.Pair
	Sessions int
}

// ListPairs returns the pair list with current usage.
func (s *Service) ListPairs(ctx context.Context) ([]PairUsage, error) {
	states, err := s.deps.Tenants.ListTenantStates(ctx)
	if err != nil {
		return nil, err
	}
	usage := s.deps.Pairs.Usage(credentials.AssignmentsFrom(states))
	pairs := s.deps.Pairs.Pairs()
	out := make([]PairUsage, len(pairs))
	for i, p := range pairs {
		out[i] = PairUsage{Index: i, Pair: p, Sessions: usage[i]}
	}
	return out, nil
}

// AddPair appends a credential pair. New capacity is used by the next Start.
func (s *Service) AddPair(ctx context.Context, p credentials.Pair) (int, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	idx, err := s.deps.Pairs.Add(p)
	if err != nil {
		return -1, err
	}
	s.deps.Logger.Info("credential pair added", "app_id", p.AppID, "index", idx)
	return idx, nil
}

// RemovePair deletes a credential pair that no session slot depends on.
// Usage is read from a writable state store so a stale snapshot cannot
// hide an assignment.
func (s *Service) RemovePair(ctx context.Context, appID string) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	states, err := s.deps.Tenants.ListTenantStates(ctx)
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.deps.Pairs.Remove(appID, credentials.AssignmentsFrom(states)); err != nil {
		return err
	}
	s.deps.Logger.Info("credential pair removed", "app_id", appID)
	return nil
}
