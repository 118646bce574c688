package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"campaignplane/internal/credentials"
	"campaignplane/internal/sessions"
	"campaignplane/internal/worker/protocol"

	"golang.org/x/sync/errgroup"
)

// ErrVerifyUnavailable is returned when no protocol dialer is configured.
var ErrVerifyUnavailable = errors.New("session verification unavailable")

const (
	verifyTimeout     = 15 * time.Second
	verifyConcurrency = 4
)

// Health is the outcome of verifying one session.
type Health string

const (
	HealthActive       Health = "active"
	HealthUnauthorized Health = "unauthorized"
	HealthBanned       Health = "banned"
	HealthMissing      Health = "missing"
	HealthInUse        Health = "in_use"
	HealthUnreachable  Health = "unreachable"
)

// SessionHealth reports where a session lives and whether it can log in.
type SessionHealth struct {
	SessionID string
	Partition sessions.Partition
	Tenant    string
	Health    Health
	Reason    string
	CheckedAt time.Time
}

// VerifySessions locates each session and, unless it is banned or owned by a
// tenant with a cycle in flight, connects it to check authorization. Nothing
// is moved; an operator bans a failing session explicitly.
func (s *Service) VerifySessions(ctx context.Context, ids []string) ([]SessionHealth, error) {
	if s.deps.Dialer == nil {
		return nil, ErrVerifyUnavailable
	}
	out := make([]SessionHealth, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			out[i] = s.verify(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}

func (s *Service) verify(ctx context.Context, id string) SessionHealth {
	res := SessionHealth{SessionID: id, CheckedAt: time.Now().UTC()}
	loc, ok := s.deps.Sessions.Locate(id)
	if !ok {
		res.Health = HealthMissing
		res.Reason = "session file not found"
		return res
	}
	res.Partition = loc.Partition
	res.Tenant = loc.Tenant

	switch {
	case loc.Partition == sessions.PartitionBanned:
		res.Health = HealthBanned
		res.Reason = "session is banned"
		return res
	case loc.Tenant != "" && s.deps.IsActive(loc.Tenant):
		res.Health = HealthInUse
		res.Reason = "tenant cycle in flight"
		return res
	}

	pair, err := s.pairFor(ctx, loc.Tenant, id)
	if err != nil {
		res.Health = HealthUnreachable
		res.Reason = err.Error()
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	client, err := s.deps.Dialer.Dial(ctx, protocol.SessionSpec{
		TenantID:    loc.Tenant,
		SessionID:   id,
		SessionPath: loc.Path,
		AppID:       pair.AppID,
		AppHash:     pair.AppHash,
	})
	if err != nil {
		return unhealthy(res, err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
		defer dcancel()
		if err := client.Disconnect(dctx); err != nil {
			s.deps.Logger.Warn("disconnect after verify failed", "session", id, "error", err)
		}
	}()

	if err := client.Connect(ctx); err != nil {
		return unhealthy(res, err)
	}
	authorized, err := client.IsAuthorized(ctx)
	if err != nil {
		return unhealthy(res, err)
	}
	if !authorized {
		res.Health = HealthUnauthorized
		res.Reason = "session is not logged in"
		return res
	}
	res.Health = HealthActive
	return res
}

// pairFor picks the pair a tenant session runs with, or the first pair for
// a session that has no owner.
func (s *Service) pairFor(ctx context.Context, tenant, id string) (credentials.Pair, error) {
	index := 0
	if tenant != "" {
		st, ok, err := s.deps.Tenants.GetTenantState(ctx, tenant)
		if err != nil {
			return credentials.Pair{}, err
		}
		if ok {
			if i := slices.Index(st.Sessions, id); i >= 0 && i < len(st.CredentialPairs) {
				index = st.CredentialPairs[i]
			}
		}
	}
	pair, ok := s.deps.Pairs.Pair(index)
	if !ok {
		return credentials.Pair{}, fmt.Errorf("credential pair %d not configured", index)
	}
	return pair, nil
}

func unhealthy(res SessionHealth, err error) SessionHealth {
	res.Reason = err.Error()
	if protocol.Classify(err) == protocol.ClassAccountFatal {
		res.Health = HealthBanned
		if errors.Is(err, protocol.ErrSessionUnauthorized) {
			res.Health = HealthUnauthorized
		}
		return res
	}
	res.Health = HealthUnreachable
	return res
}
