package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"campaignplane/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T) *Map[store.TenantStats] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.json")
	return New("stats", path, store.NewTenantStats, nil)
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	m := newTestMap(t)

	records, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, m.Degraded())
}

func TestUpdate_CreatesAndPersists(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	got, err := m.Update(ctx, "t1", func(s *store.TenantStats) { s.TotalSuccess += 3 })
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalSuccess)

	reopened := New("stats", m.Path(), store.NewTenantStats, nil)
	records, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), records["t1"].TotalSuccess)
}

func TestDegradation_RoundTrip(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	_, err := m.Update(ctx, "t1", func(s *store.TenantStats) { s.TotalCycles = 1 })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(m.Path(), []byte("{not json"), 0o644))

	_, err = m.Update(ctx, "t1", func(s *store.TenantStats) { s.TotalCycles++ })
	var degraded *store.DegradedStoreError
	require.True(t, errors.As(err, &degraded), "expected DegradedStoreError, got %v", err)
	assert.True(t, errors.Is(err, store.ErrDegraded))
	assert.Equal(t, "stats", degraded.Store)
	assert.True(t, m.Degraded())

	// Reads keep serving the last good snapshot.
	records, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), records["t1"].TotalCycles)

	err = m.Save(ctx, map[string]store.TenantStats{})
	assert.True(t, errors.Is(err, store.ErrDegraded))

	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"t1":{"total_cycles":5}}`), 0o644))
	records, err = m.Load(ctx)
	require.NoError(t, err)
	assert.False(t, m.Degraded())
	assert.Equal(t, int64(5), records["t1"].TotalCycles)

	got, err := m.Update(ctx, "t1", func(s *store.TenantStats) { s.TotalCycles++ })
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.TotalCycles)
}

func TestDegraded_NoSnapshotReturnsEmpty(t *testing.T) {
	m := newTestMap(t)
	require.NoError(t, os.WriteFile(m.Path(), []byte("garbage"), 0o644))

	records, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, m.Degraded())
}

func TestUpdate_ConcurrentNoLostUpdates(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Update(ctx, "t1", func(s *store.TenantStats) { s.TotalAttempts++ }); err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	records, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), records["t1"].TotalAttempts)
}

func TestDelete(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	_, err := m.Update(ctx, "t1", func(s *store.TenantStats) {})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "t1"))
	require.NoError(t, m.Delete(ctx, "missing"))

	records, err := m.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, records, "t1")
}

func TestSave_LeavesNoTemporaryFiles(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, map[string]store.TenantStats{"a": {TotalSuccess: 1}}))

	entries, err := os.ReadDir(filepath.Dir(m.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stats.json", entries[0].Name())
}
