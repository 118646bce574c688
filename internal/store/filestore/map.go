// Package filestore implements store.Store on a single JSON file per store.
//
// Writes go to a temporary file in the same directory which is synced and
// renamed over the target, so readers only ever observe a complete file.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"campaignplane/internal/store"
)

// Map is a JSON-file backed store of records keyed by tenant ID.
type Map[R any] struct {
	name    string
	path    string
	initial func() R
	logger  *slog.Logger

	// mu is the single writer lock. Every read-modify-write holds it.
	mu sync.Mutex

	snapMu   sync.RWMutex
	lastGood []byte
	cause    error

	degraded atomic.Bool
}

var _ store.Store[store.TenantState] = (*Map[store.TenantState])(nil)

// New creates a file store. initial builds the record used when Update
// touches a tenant that does not exist yet.
func New[R any](name, path string, initial func() R, logger *slog.Logger) *Map[R] {
	if logger == nil {
		logger = slog.Default()
	}
	if initial == nil {
		initial = func() R {
			var zero R
			return zero
		}
	}
	return &Map[R]{
		name:    name,
		path:    path,
		initial: initial,
		logger:  logger.With("store", name),
	}
}

func (m *Map[R]) Name() string { return m.name }

func (m *Map[R]) Path() string { return m.path }

func (m *Map[R]) Degraded() bool { return m.degraded.Load() }

// Load reads every record. A missing file is an empty store.
func (m *Map[R]) Load(ctx context.Context) (map[string]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.load(), nil
}

func (m *Map[R]) load() map[string]R {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.markHealthy(nil)
		return map[string]R{}
	}
	if err != nil {
		return m.markDegraded(fmt.Errorf("reading %s: %w", m.path, err))
	}

	records, err := decode[R](data)
	if err != nil {
		return m.markDegraded(fmt.Errorf("decoding %s: %w", m.path, err))
	}
	m.markHealthy(data)
	return records
}

// Save atomically replaces the whole file.
func (m *Map[R]) Save(ctx context.Context, records map[string]R) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.degradedErr(); err != nil {
		return err
	}
	return m.write(records)
}

// Update reloads the file, applies patch to the record and writes the result.
func (m *Map[R]) Update(ctx context.Context, id string, patch func(*R)) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.load()
	if err := m.degradedErr(); err != nil {
		return zero, err
	}

	rec, ok := records[id]
	if !ok {
		rec = m.initial()
	}
	patch(&rec)
	records[id] = rec

	if err := m.write(records); err != nil {
		return zero, err
	}
	return rec, nil
}

func (m *Map[R]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.load()
	if err := m.degradedErr(); err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return nil
	}
	delete(records, id)
	return m.write(records)
}

func (m *Map[R]) degradedErr() error {
	if !m.degraded.Load() {
		return nil
	}
	m.snapMu.RLock()
	cause := m.cause
	m.snapMu.RUnlock()
	return &store.DegradedStoreError{Store: m.name, Cause: cause}
}

func (m *Map[R]) markHealthy(data []byte) {
	m.snapMu.Lock()
	m.lastGood = data
	m.cause = nil
	m.snapMu.Unlock()

	if m.degraded.Swap(false) {
		m.logger.Info("store recovered, writes re-enabled")
	}
}

// markDegraded flips the store read-only and returns a copy of the last good snapshot.
func (m *Map[R]) markDegraded(cause error) map[string]R {
	m.snapMu.Lock()
	m.cause = cause
	last := m.lastGood
	m.snapMu.Unlock()

	if !m.degraded.Swap(true) {
		m.logger.Error("store degraded, writes blocked", "error", cause)
	}

	if last == nil {
		return map[string]R{}
	}
	records, err := decode[R](last)
	if err != nil {
		return map[string]R{}
	}
	return records
}

func (m *Map[R]) write(records map[string]R) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", m.name, err)
	}
	data = append(data, '\n')

	if err := writeAtomic(m.path, data); err != nil {
		return err
	}

	m.snapMu.Lock()
	m.lastGood = data
	m.snapMu.Unlock()
	return nil
}

func decode[R any](data []byte) (map[string]R, error) {
	records := map[string]R{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = map[string]R{}
	}
	return records, nil
}

// WriteFile replaces path with data using the same temp-file, sync and
// rename sequence as the stores. Readers see the old or the new content.
func WriteFile(path string, data []byte) error {
	return writeAtomic(path, data)
}

// writeAtomic writes data to a temporary sibling of path, syncs it and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary store file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming store file into place: %w", err)
	}

	// Make the rename durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
