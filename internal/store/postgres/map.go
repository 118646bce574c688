package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"campaignplane/internal/store"

	"github.com/lib/pq"
)

// Map stores the records of one logical store as rows of the records table.
// Writers serialize on a transaction-scoped advisory lock keyed by the store ID.
type Map[R any] struct {
	db      *sql.DB
	name    string
	initial func() R
	logger  *slog.Logger

	mu       sync.RWMutex
	lastGood map[string]json.RawMessage
	cause    error

	degraded atomic.Bool
}

// NewMap returns the store named name on this database.
func NewMap[R any](s *Store, name string, initial func() R, logger *slog.Logger) *Map[R] {
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
		db:      s.db,
		name:    name,
		initial: initial,
		logger:  logger.With("store", name),
	}
}

var _ store.Store[store.TenantState] = (*Map[store.TenantState])(nil)

func (m *Map[R]) Name() string { return m.name }

func (m *Map[R]) Degraded() bool { return m.degraded.Load() }

func (m *Map[R]) Load(ctx context.Context) (map[string]R, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT record_id, data FROM records WHERE store_id = $1", m.name)
	if err != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", m.name, err)
	}
	defer rows.Close()

	raw := map[string]json.RawMessage{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan store %s: %w", m.name, err)
		}
		raw[id] = json.RawMessage(data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", m.name, err)
	}

	records, err := decodeAll[R](raw)
	if err != nil {
		return m.markDegraded(err), nil
	}

	m.mu.Lock()
	m.lastGood = raw
	m.cause = nil
	m.mu.Unlock()
	if m.degraded.Swap(false) {
		m.logger.Info("store recovered, writes re-enabled")
	}
	return records, nil
}

func (m *Map[R]) Save(ctx context.Context, records map[string]R) error {
	if err := m.degradedErr(); err != nil {
		return err
	}

	tx, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(records))
	for id, rec := range records {
		if err := upsert(ctx, tx, m.name, id, rec); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM records WHERE store_id = $1 AND NOT (record_id = ANY($2))",
		m.name, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune store %s: %w", m.name, err)
	}
	return tx.Commit()
}

func (m *Map[R]) Update(ctx context.Context, id string, patch func(*R)) (R, error) {
	var zero R
	if err := m.degradedErr(); err != nil {
		return zero, err
	}

	tx, err := m.lock(ctx)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()

	rec := m.initial()
	var data []byte
	err = tx.QueryRowContext(ctx,
		"SELECT data FROM records WHERE store_id = $1 AND record_id = $2",
		m.name, id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return zero, fmt.Errorf("failed to read %s/%s: %w", m.name, id, err)
	default:
		if err := json.Unmarshal(data, &rec); err != nil {
			m.markDegraded(fmt.Errorf("decoding %s/%s: %w", m.name, id, err))
			return zero, m.degradedErr()
		}
	}

	patch(&rec)
	if err := upsert(ctx, tx, m.name, id, rec); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return rec, nil
}

func (m *Map[R]) Delete(ctx context.Context, id string) error {
	if err := m.degradedErr(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, "DELETE FROM records WHERE store_id = $1 AND record_id = $2", m.name, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", m.name, id, err)
	}
	return nil
}

func (m *Map[R]) lock(ctx context.Context) (*sql.Tx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", m.name); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to lock store %s: %w", m.name, err)
	}
	return tx, nil
}

func (m *Map[R]) degradedErr() error {
	if !m.degraded.Load() {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &store.DegradedStoreError{Store: m.name, Cause: m.cause}
}

func (m *Map[R]) markDegraded(cause error) map[string]R {
	m.mu.Lock()
	m.cause = cause
	last := m.lastGood
	m.mu.Unlock()

	if !m.degraded.Swap(true) {
		m.logger.Error("store degraded, writes blocked", "error", cause)
	}
	records, err := decodeAll[R](last)
	if err != nil {
		return map[string]R{}
	}
	return records
}

func upsert[R any](ctx context.Context, tx *sql.Tx, storeID, id string, rec R) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", storeID, id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (store_id, record_id, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (store_id, record_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, storeID, id, data)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", storeID, id, err)
	}
	return nil
}

func decodeAll[R any](raw map[string]json.RawMessage) (map[string]R, error) {
	records := make(map[string]R, len(raw))
	for id, data := range raw {
		var rec R
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", id, err)
		}
		records[id] = rec
	}
	return records, nil
}
