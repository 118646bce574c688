package worker

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campaignplane/internal/credentials"
	"campaignplane/internal/plan"
	"campaignplane/internal/sessions"
	"campaignplane/internal/store"
	"campaignplane/internal/store/filestore"
	"campaignplane/internal/tracker"
	"campaignplane/internal/worker/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/semaphore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNetwork records every delivery and lets tests script failures.
type fakeNetwork struct {
	mu           sync.Mutex
	deliveries   map[string][]string // session -> destinations attempted
	attempts     map[string]int      // session|destination -> attempts
	unauthorized map[string]bool
	disconnects  int
	inflight     int
	maxInflight  int

	// fail returns the error for the n-th attempt (1-based) of a delivery.
	fail func(session, dest string, n int) error
	// onDeliver runs before each delivery returns.
	onDeliver func(session, dest string)
	hold      time.Duration
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		deliveries:   make(map[string][]string),
		attempts:     make(map[string]int),
		unauthorized: make(map[string]bool),
	}
}

func (n *fakeNetwork) Dial(ctx context.Context, spec protocol.SessionSpec) (protocol.Client, error) {
	return &fakeClient{net: n, session: spec.SessionID}, nil
}

func (n *fakeNetwork) attemptsFor(session, dest string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[session+"|"+dest]
}

func (n *fakeNetwork) delivered(session string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.deliveries[session]...)
}

type fakeClient struct {
	net     *fakeNetwork
	session string
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) IsAuthorized(ctx context.Context) (bool, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return !c.net.unauthorized[c.session], nil
}

func (c *fakeClient) Deliver(ctx context.Context, sessionID, sourceRef, destinationID, payloadRef string) (protocol.Receipt, error) {
	n := c.net
	n.mu.Lock()
	n.inflight++
	if n.inflight > n.maxInflight {
		n.maxInflight = n.inflight
	}
	key := sessionID + "|" + destinationID
	n.attempts[key]++
	attempt := n.attempts[key]
	n.deliveries[sessionID] = append(n.deliveries[sessionID], destinationID)
	hold := n.hold
	n.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	n.mu.Lock()
	n.inflight--
	n.mu.Unlock()

	if n.onDeliver != nil {
		n.onDeliver(sessionID, destinationID)
	}
	if n.fail != nil {
		if err := n.fail(sessionID, destinationID, attempt); err != nil {
			return protocol.Receipt{}, err
		}
	}
	return protocol.Receipt{MessageID: payloadRef, DeliveredAt: time.Now()}, nil
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.disconnects++
	return nil
}

type staticDestinations map[store.PlanMode][]string

func (s staticDestinations) Load(mode store.PlanMode) ([]string, error) {
	return s[mode], nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	total time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.total += d
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) slept() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

type harness struct {
	dir     string
	tenants *store.Tenants
	pool    *sessions.Pool
	net     *fakeNetwork
	tracker *tracker.Tracker
	dests   staticDestinations
	sleeps  *sleepRecorder
	cfg     plan.Config
}

func newHarness(t *testing.T, unused ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "sessions")
	pool, err := sessions.New(root, nil)
	require.NoError(t, err)
	for _, id := range unused {
		require.NoError(t, os.WriteFile(filepath.Join(root, "unused", id+".session"), []byte(id), 0o600))
	}

	return &harness{
		dir:     dir,
		tenants: store.NewTenants(
			filestore.New("state", filepath.Join(dir, "state.json"), store.NewTenantState, nil),
			filestore.New("stats", filepath.Join(dir, "stats.json"), store.NewTenantStats, nil),
		),
		pool:    pool,
		net:     newFakeNetwork(),
		tracker: tracker.New(0, 0),
		dests:   staticDestinations{},
		sleeps:  &sleepRecorder{},
		cfg:     plan.DefaultConfig(),
	}
}

func (h *harness) executor() *Executor {
	pairs := credentials.NewPool([]credentials.Pair{
		{AppID: "1", AppHash: "a"},
		{AppID: "2", AppHash: "b"},
	}, credentials.DefaultCapacity)
	return New(Config{}, Deps{
		Tenants:      h.tenants,
		Sessions:     h.pool,
		Pairs:        pairs,
		Destinations: h.dests,
		Tracker:      h.tracker,
		Policy:       plan.NewPolicy(h.cfg, rand.New(rand.NewSource(1))),
		Dialer:       h.net,
	}, WithSleep(h.sleeps.sleep))
}

// seed assigns count sessions from the unused pool to tenant.
func (h *harness) seed(t *testing.T, tenant string, mode store.PlanMode, count int, patch func(*store.TenantState)) []string {
	t.Helper()
	owned := h.pool.Allocate(tenant, count, nil)
	require.Len(t, owned, count)
	_, err := h.tenants.UpdateTenantState(context.Background(), tenant, func(s *store.TenantState) {
		s.Intent = store.IntentRunning
		s.PlanMode = mode
		s.Sessions = owned
		s.CredentialPairs = make([]int, count)
		s.Payload = store.Payload{Kind: store.PayloadLink, Ref: "https://t.me/source/42"}
		if mode == store.PlanStarter {
			s.TotalCycleMinutes = 60
		}
		if patch != nil {
			patch(s)
		}
	})
	require.NoError(t, err)
	return owned
}

func destinationList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "-100" + string(rune('0'+i/10)) + string(rune('0'+i%10)) + "00"
	}
	return out
}

func TestRunCycle_EnterprisePartitionsDestinations(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s3")
	owned := h.seed(t, "alice", store.PlanEnterprise, 3, nil)
	dests := destinationList(10)
	h.dests[store.PlanEnterprise] = dests

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Success)
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, 3, h.net.disconnects)

	var all []string
	sizes := []int{}
	for _, s := range owned {
		got := h.net.delivered(s)
		sizes = append(sizes, len(got))
		all = append(all, got...)
	}
	assert.Equal(t, []int{4, 3, 3}, sizes)
	sort.Strings(all)
	assert.Equal(t, dests, all)

	for _, s := range owned {
		assert.Equal(t, 1, h.tracker.Cycle(s))
	}
}

func TestRunCycle_StarterSessionsReceiveEveryDestination(t *testing.T) {
	h := newHarness(t, "s1", "s2")
	owned := h.seed(t, "bob", store.PlanStarter, 2, nil)
	dests := destinationList(3)
	h.dests[store.PlanStarter] = dests

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "bob"})
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Success)
	for _, s := range owned {
		assert.Equal(t, dests, h.net.delivered(s))
	}
}

func TestRunCycle_LegacyDestinationsFallback(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "carol", store.PlanEnterprise, 1, func(s *store.TenantState) {
		s.Destinations = []string{"-1001234"}
	})

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, []string{"-1001234"}, h.net.delivered("s1"))
}

func TestRunCycle_Preconditions(t *testing.T) {
	tests := []struct {
		name  string
		patch func(*store.TenantState)
		dests []string
		want  error
	}{
		{
			name:  "no sessions",
			patch: func(s *store.TenantState) { s.Sessions = nil },
			dests: []string{"-1001"},
			want:  ErrNoSessions,
		},
		{
			name: "no destinations",
			want: ErrNoDestinations,
		},
		{
			name:  "no payload",
			patch: func(s *store.TenantState) { s.Payload.Ref = "" },
			dests: []string{"-1001"},
			want:  ErrNoPayload,
		},
		{
			name:  "unsupported payload kind",
			patch: func(s *store.TenantState) { s.Payload.Kind = "text" },
			dests: []string{"-1001"},
			want:  ErrUnsupportedPayload,
		},
		{
			name:  "malformed link",
			patch: func(s *store.TenantState) { s.Payload.Ref = "t.me/source" },
			dests: []string{"-1001"},
			want:  ErrInvalidLink,
		},
		{
			name:  "invalid plan mode",
			patch: func(s *store.TenantState) { s.PlanMode = "gold" },
			dests: []string{"-1001"},
			want:  plan.ErrInvalidMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "s1")
			h.seed(t, "dave", store.PlanEnterprise, 1, tt.patch)
			h.dests[store.PlanEnterprise] = tt.dests

			_, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "dave"})
			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "dave", pe.TenantID)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.net.delivered("s1"))
		})
	}
}

func TestRunCycle_UnknownTenant(t *testing.T) {
	h := newHarness(t)
	_, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "nobody"})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestRunCycle_StarterInfeasibleTimingFailsFast(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s3")
	h.cfg.Starter.DelayMin = 2 * time.Second
	h.cfg.Starter.DelayMax = 2 * time.Second
	h.seed(t, "erin", store.PlanStarter, 3, func(s *store.TenantState) { s.TotalCycleMinutes = 1 })
	h.dests[store.PlanStarter] = destinationList(40)

	_, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "erin"})
	require.ErrorIs(t, err, plan.ErrInfeasibleTiming)

	var ie *plan.InfeasibleTimingError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 80*time.Second, ie.SessionRuntime)
	assert.Equal(t, 20*time.Second, ie.WindowPerSession)
	assert.Empty(t, h.net.delivered("s1"))
}

func TestRunCycle_RateLimitIsRetriedOnceAfterWait(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "frank", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = []string{"-1001"}
	h.net.fail = func(_, _ string, n int) error {
		if n == 1 {
			return &protocol.RateLimitedError{Wait: 3 * time.Second}
		}
		return nil
	}

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "frank"})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.RateLimitWaits)
	assert.Equal(t, 2, h.net.attemptsFor("s1", "-1001"))
	assert.Equal(t, 3*time.Second, h.sleeps.slept())
}

func TestRunCycle_SecondRateLimitCountsAsFailure(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "gina", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = []string{"-1001"}
	h.net.fail = func(_, _ string, _ int) error {
		return &protocol.RateLimitedError{Wait: time.Second}
	}

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "gina"})
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Success)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 2, h.net.attemptsFor("s1", "-1001"))
	assert.Equal(t, 1, h.tracker.Failures("s1", "-1001"))
}

func TestRunCycle_LongRateLimitIsNotRetried(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "hank", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = []string{"-1001"}
	h.net.fail = func(_, _ string, _ int) error {
		return &protocol.RateLimitedError{Wait: 10 * time.Minute}
	}

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "hank"})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, h.net.attemptsFor("s1", "-1001"))
	assert.Zero(t, h.sleeps.slept())
}

func TestRunCycle_TransientRetriedOnce(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "ivy", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = []string{"-1001"}
	h.net.fail = func(_, _ string, n int) error {
		if n == 1 {
			return protocol.ErrTransientNetwork
		}
		return nil
	}

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "ivy"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 0, stats.RateLimitWaits)
	assert.Equal(t, 5*time.Second, h.sleeps.slept())
}

func TestRunCycle_AccountBanReplacesSessionInPlace(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s9")
	h.seed(t, "jack", store.PlanEnterprise, 2, func(s *store.TenantState) {
		s.CredentialPairs = []int{0, 1}
	})
	h.dests[store.PlanEnterprise] = destinationList(4)
	h.net.fail = func(session, _ string, _ int) error {
		if session == "s1" {
			return protocol.ErrAccountBanned
		}
		return nil
	}

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "jack"})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1"}, stats.Banned)
	assert.Equal(t, map[string]string{"s1": "s9"}, stats.Replacements)
	assert.Len(t, h.net.delivered("s1"), 1, "banned session must stop after the first failure")
	assert.Equal(t, 2, stats.Success)

	st, ok, err := h.tenants.GetTenantState(context.Background(), "jack")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"s9", "s2"}, st.Sessions)
	assert.Equal(t, []int{0, 1}, st.CredentialPairs)
	assert.Equal(t, []string{"s1"}, st.BannedSessions)

	assert.Equal(t, []string{"s1"}, h.pool.ListBanned())
	assert.ElementsMatch(t, []string{"s2", "s9"}, h.pool.ListAssigned("jack"))
	assert.Equal(t, 0, h.tracker.Cycle("s1"))
}

func TestRunCycle_BanWithoutReplacementDropsSlot(t *testing.T) {
	h := newHarness(t, "s1", "s2")
	h.seed(t, "kate", store.PlanEnterprise, 2, func(s *store.TenantState) {
		s.CredentialPairs = []int{0, 1}
	})
	h.dests[store.PlanEnterprise] = destinationList(2)
	h.net.unauthorized["s1"] = true

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "kate"})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1"}, stats.Banned)
	assert.Empty(t, h.net.delivered("s1"))

	st, _, err := h.tenants.GetTenantState(context.Background(), "kate")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, st.Sessions)
	assert.Equal(t, []int{1}, st.CredentialPairs)
	assert.Equal(t, []string{"s1"}, st.BannedSessions)
}

func TestRunCycle_OperatorBannedSessionIsRetired(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s9")
	h.seed(t, "lena", store.PlanEnterprise, 2, nil)
	h.dests[store.PlanEnterprise] = destinationList(2)
	require.True(t, h.pool.Ban("s1"))

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "lena"})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1"}, stats.Banned)
	assert.Equal(t, map[string]string{"s1": "s9"}, stats.Replacements)

	st, _, err := h.tenants.GetTenantState(context.Background(), "lena")
	require.NoError(t, err)
	assert.Equal(t, []string{"s9", "s2"}, st.Sessions)
	assert.Equal(t, []string{"s1"}, h.pool.ListBanned())
}

func TestRunCycle_BanWhileStateDegradedKeepsPoolConsistent(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s7", "s8", "s9")
	h.seed(t, "jack", store.PlanEnterprise, 2, func(s *store.TenantState) {
		s.CredentialPairs = []int{0, 1}
	})
	h.dests[store.PlanEnterprise] = destinationList(4)

	statePath := filepath.Join(h.dir, "state.json")
	good, err := os.ReadFile(statePath)
	require.NoError(t, err)

	var once sync.Once
	h.net.onDeliver = func(session, _ string) {
		if session == "s1" {
			once.Do(func() {
				assert.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o644))
			})
		}
	}
	h.net.fail = func(session, _ string, _ int) error {
		if session == "s1" {
			return protocol.ErrAccountBanned
		}
		return nil
	}

	exec := h.executor()
	for cycle := 0; cycle < 3; cycle++ {
		stats, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "jack"})
		require.NoError(t, err, "cycle %d", cycle)
		assert.Equal(t, []string{"s1"}, stats.Banned, "cycle %d", cycle)
		assert.Empty(t, stats.Replacements, "cycle %d", cycle)

		st, _, err := h.tenants.GetTenantState(context.Background(), "jack")
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, st.Sessions, "last good snapshot is served")
		assert.Equal(t, []string{"s2"}, h.pool.ListAssigned("jack"), "cycle %d", cycle)
		assert.Equal(t, []string{"s7", "s8", "s9"}, h.pool.ListUnused(), "cycle %d", cycle)
	}
	assert.Equal(t, []string{"s1"}, h.pool.ListBanned())

	// Once the file is repaired the queued slot is retired on the next cycle.
	require.NoError(t, os.WriteFile(statePath, good, 0o644))
	stats, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "jack"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "s7"}, stats.Replacements)

	st, _, err := h.tenants.GetTenantState(context.Background(), "jack")
	require.NoError(t, err)
	assert.Equal(t, []string{"s7", "s2"}, st.Sessions)
	assert.ElementsMatch(t, st.Sessions, h.pool.ListAssigned("jack"))
	assert.Equal(t, []string{"s8", "s9"}, h.pool.ListUnused())
}

// rejectingUpdates fails every state write after the tenant was loaded.
type rejectingUpdates struct {
	*store.Tenants
}

func (r rejectingUpdates) UpdateTenantState(ctx context.Context, id string, patch func(*store.TenantState)) (store.TenantState, error) {
	return store.TenantState{}, errors.New("disk full")
}

func TestRunCycle_FailedReplacementPersistReleasesSession(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s9")
	h.seed(t, "jack", store.PlanEnterprise, 2, func(s *store.TenantState) {
		s.CredentialPairs = []int{0, 1}
	})
	h.dests[store.PlanEnterprise] = destinationList(2)
	h.net.unauthorized["s1"] = true

	exec := h.executor()
	exec.deps.Tenants = rejectingUpdates{h.tenants}

	stats, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "jack"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, stats.Banned)
	assert.Empty(t, stats.Replacements)
	assert.Contains(t, stats.Errors, "persist replacements: disk full")

	assert.Equal(t, []string{"s2"}, h.pool.ListAssigned("jack"))
	assert.Equal(t, []string{"s9"}, h.pool.ListUnused())
	assert.Equal(t, []string{"s1"}, h.pool.ListBanned())
}

func TestRunCycle_DestinationFatalQuarantinesForSession(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "liam", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = []string{"-1001", "-1002"}
	h.net.fail = func(_, dest string, _ int) error {
		if dest == "-1001" {
			return protocol.ErrDestinationWriteForbidden
		}
		return nil
	}
	exec := h.executor()

	first, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "liam"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failures)
	assert.Equal(t, 1, first.Success)
	assert.Equal(t, 1, h.net.attemptsFor("s1", "-1001"), "destination-fatal errors are not retried")

	second, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "liam"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, second.Success)
	assert.Equal(t, 1, h.net.attemptsFor("s1", "-1001"))
}

func TestRunCycle_UnclassifiedQuarantinesAfterTwoCycles(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "mia", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = []string{"-1001"}
	h.net.fail = func(_, _ string, _ int) error {
		return &protocol.UnclassifiedError{Detail: "boom"}
	}
	exec := h.executor()

	for i := 0; i < 2; i++ {
		stats, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "mia"})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failures)
		assert.NotEmpty(t, stats.Errors)
	}

	third, err := exec.RunCycle(context.Background(), CycleRequest{TenantID: "mia"})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Skipped)
	assert.Equal(t, 2, h.net.attemptsFor("s1", "-1001"))
}

func TestRunCycle_DrainsWhenIntentFlips(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "noah", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = destinationList(5)

	var running atomic.Bool
	running.Store(true)
	h.net.onDeliver = func(_, _ string) { running.Store(false) }

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{
		TenantID:  "noah",
		IsRunning: running.Load,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Success)
	assert.True(t, stats.Drained)
	assert.Len(t, h.net.delivered("s1"), 1)
}

func TestRunCycle_CancelledMidCycleStopsAndDisconnects(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "olga", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = destinationList(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.net.onDeliver = func(_, _ string) { cancel() }

	stats, err := h.executor().RunCycle(ctx, CycleRequest{TenantID: "olga"})
	require.NoError(t, err)
	assert.True(t, stats.Drained)
	assert.Len(t, h.net.delivered("s1"), 1)
	assert.Equal(t, 1, h.net.disconnects)
}

func TestRunCycle_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, "s1")
	h.seed(t, "olga", store.PlanEnterprise, 1, nil)
	h.dests[store.PlanEnterprise] = destinationList(3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.executor().RunCycle(ctx, CycleRequest{TenantID: "olga"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.net.delivered("s1"))
}

func TestRunCycle_SessionLimiterBoundsConcurrency(t *testing.T) {
	h := newHarness(t, "s1", "s2", "s3")
	h.seed(t, "pete", store.PlanEnterprise, 3, nil)
	h.dests[store.PlanEnterprise] = destinationList(6)
	h.net.hold = 5 * time.Millisecond

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{
		TenantID: "pete",
		Limiter:  semaphore.NewWeighted(1),
	})
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Success)
	assert.Equal(t, 1, h.net.maxInflight)
}

func TestRunCycle_SessionPanicIsContained(t *testing.T) {
	h := newHarness(t, "s1", "s2")
	h.seed(t, "quinn", store.PlanEnterprise, 2, nil)
	h.dests[store.PlanEnterprise] = destinationList(2)
	h.net.onDeliver = func(session, _ string) {
		if session == "s1" {
			panic("client exploded")
		}
	}

	stats, err := h.executor().RunCycle(context.Background(), CycleRequest{TenantID: "quinn"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "panicked")
}

func TestApplyReplacements_ShortPairList(t *testing.T) {
	s := store.TenantState{
		Sessions:        []string{"a", "b", "c"},
		CredentialPairs: []int{2},
	}
	applyReplacements(&s, map[string]string{"a": "", "c": "z"})

	assert.Equal(t, []string{"b", "z"}, s.Sessions)
	assert.Equal(t, []int{}, s.CredentialPairs)
	assert.Equal(t, []string{"a", "c"}, s.BannedSessions)
}

func TestPause_StopsWhenNotAlive(t *testing.T) {
	calls := 0
	e := New(Config{SleepSlice: time.Second}, Deps{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		calls++
		return nil
	}))

	alive := true
	ok := e.pause(context.Background(), 10*time.Second, func() bool {
		if calls == 3 {
			alive = false
		}
		return alive
	})
	assert.False(t, ok)
	assert.Equal(t, 3, calls)
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepContext(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
