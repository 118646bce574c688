// Package store contains the persistence layer for campaignplane.
package store

import "time"

// IntentStatus is the operator-requested run state of a tenant.
// It is intent only; whether a tenant is actually executing is derived from heartbeats.
type IntentStatus string

const (
	IntentStopped IntentStatus = "stopped"
	IntentRunning IntentStatus = "running"
)

// PlanMode selects how a tenant's destinations are spread across its sessions.
type PlanMode string

const (
	// PlanStarter gives every session the complete destination list with wide random pacing.
	PlanStarter PlanMode = "starter"
	// PlanEnterprise partitions destinations disjointly across sessions with tight pacing.
	PlanEnterprise PlanMode = "enterprise"
)

// Valid reports whether m is a known plan mode.
func (m PlanMode) Valid() bool {
	return m == PlanStarter || m == PlanEnterprise
}

// PlanStatus mirrors the billing state of the tenant's plan.
type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanExpired  PlanStatus = "expired"
	PlanInactive PlanStatus = "inactive"
)

// Expired reports whether the plan no longer allows execution.
// An empty status is treated as active.
func (s PlanStatus) Expired() bool {
	return s == PlanExpired || s == PlanInactive
}

// PayloadLink is the only supported payload kind.
const PayloadLink = "link"

// Payload describes what a tenant delivers each cycle.
type Payload struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"` // e.g. "t.me/source/123"
}

// Empty reports whether no payload has been configured.
func (p Payload) Empty() bool {
	return p.Ref == ""
}

// TenantState is the persisted per-tenant configuration and intent.
type TenantState struct {
	Intent            IntentStatus `json:"intent"`
	PlanMode          PlanMode     `json:"plan_mode,omitempty"`
	PlanStatus        PlanStatus   `json:"plan_status,omitempty"`
	MaxSessions       int          `json:"max_sessions,omitempty"`
	TotalCycleMinutes int          `json:"total_cycle_minutes,omitempty"`

	// Sessions is ordered; Sessions[i] uses credential pair CredentialPairs[i].
	Sessions        []string `json:"sessions"`
	BannedSessions  []string `json:"banned_sessions"`
	CredentialPairs []int    `json:"credential_pairs"`

	Payload Payload `json:"payload"`

	// Destinations is only consulted when the plan-scoped destination file is empty.
	Destinations []string `json:"destinations,omitempty"`

	StopReason string    `json:"stop_reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewTenantState returns the fixed initial record for a tenant seen for the first time.
func NewTenantState() TenantState {
	return TenantState{
		Intent:          IntentStopped,
		Sessions:        []string{},
		BannedSessions:  []string{},
		CredentialPairs: []int{},
		Payload:         Payload{Kind: PayloadLink},
	}
}

// TenantStats is the aggregate delivery history of a tenant.
type TenantStats struct {
	TotalAttempts       int64      `json:"total_attempts"`
	TotalSuccess        int64      `json:"total_success"`
	TotalFailures       int64      `json:"total_failures"`
	TotalRateLimitWaits int64      `json:"total_rate_limit_waits"`
	TotalDelivered      int64      `json:"total_delivered"`
	TotalCycles         int64      `json:"total_cycles"`
	LastActivity        *time.Time `json:"last_activity,omitempty"`
	LastCycleError      string     `json:"last_cycle_error,omitempty"`
}

// NewTenantStats returns zeroed statistics.
func NewTenantStats() TenantStats {
	return TenantStats{}
}

// HeartbeatPhase is the execution phase reported by a heartbeat.
type HeartbeatPhase string

const (
	PhaseRunning  HeartbeatPhase = "running"
	PhaseSleeping HeartbeatPhase = "sleeping"
	PhaseIdle     HeartbeatPhase = "idle"
)

// Heartbeat is a liveness signal written by the scheduler that owns a tenant's execution.
type Heartbeat struct {
	TenantID  string         `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	Phase     HeartbeatPhase `json:"phase"`
	WorkerID  string         `json:"worker_id,omitempty"`
}

// NewHeartbeat returns an empty heartbeat record.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Phase: PhaseIdle}
}
