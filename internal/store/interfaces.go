package store

import "context"

// Store is a persistent map of records keyed by tenant ID.
//
// Load never fails because of corrupt data: a decode failure flips the store
// into degraded mode and returns the last good snapshot (empty if none).
// While degraded, Save and Update fail with *DegradedStoreError. The next
// successful Load clears the flag.
type Store[R any] interface {
	// Name identifies the store in logs and errors.
	Name() string

	// Load returns every record.
	Load(ctx context.Context) (map[string]R, error)

	// Save atomically replaces all records.
	Save(ctx context.Context, records map[string]R) error

	// Update applies patch to one record under the store's writer lock.
	// Missing records start from the store's initial record.
	Update(ctx context.Context, id string, patch func(*R)) (R, error)

	// Delete removes one record under the writer lock. Missing records are not an error.
	Delete(ctx context.Context, id string) error

	// Degraded reports whether mutations are currently blocked.
	Degraded() bool
}

// TenantStore is the contract the engine consumes from tenant persistence.
type TenantStore interface {
	// GetTenantState returns the state of one tenant. ok is false if the tenant is unknown.
	GetTenantState(ctx context.Context, id string) (state TenantState, ok bool, err error)

	// UpdateTenantState patches a tenant's state. Fails with *DegradedStoreError when degraded.
	UpdateTenantState(ctx context.Context, id string, patch func(*TenantState)) (TenantState, error)

	// ListTenantStates returns every tenant's state.
	ListTenantStates(ctx context.Context) (map[string]TenantState, error)

	// ListRunningTenantIDs returns tenants whose intent is running, sorted.
	ListRunningTenantIDs(ctx context.Context) ([]string, error)

	// GetTenantStats returns a tenant's statistics, zeroed if none exist.
	GetTenantStats(ctx context.Context, id string) (TenantStats, error)

	// UpdateTenantStats patches a tenant's statistics.
	UpdateTenantStats(ctx context.Context, id string, patch func(*TenantStats)) (TenantStats, error)

	// Degraded reports whether either underlying store is degraded.
	Degraded() bool
}
