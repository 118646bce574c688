// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the ops API.
package api

import "time"

// RegisterRequest is the request body for registering a tenant.
type RegisterRequest struct {
	PlanMode    string `json:"plan_mode"`
	PlanStatus  string `json:"plan_status,omitempty"`
	MaxSessions int    `json:"max_sessions,omitempty"`
}

// RegisterResponse is the response body after registering a tenant.
type RegisterResponse struct {
	TenantID string `json:"tenant_id"`
	Created  bool   `json:"created"`
}

// PlanRequest replaces a tenant's plan. Empty fields are left unchanged.
type PlanRequest struct {
	PlanMode    string `json:"plan_mode,omitempty"`
	PlanStatus  string `json:"plan_status,omitempty"`
	MaxSessions int    `json:"max_sessions,omitempty"`
}

// StartRequest is the request body for starting a tenant.
type StartRequest struct {
	// PlanStatus is the caller's current view of the tenant's billing plan.
	PlanStatus        string `json:"plan_status,omitempty"`
	PlanMode          string `json:"plan_mode,omitempty"`
	TotalCycleMinutes int    `json:"total_cycle_minutes,omitempty"`
}

// StartResponse is the response body after starting a tenant.
type StartResponse struct {
	TenantID       string `json:"tenant_id"`
	AlreadyRunning bool   `json:"already_running"`
	Sessions       int    `json:"sessions"`
	PlanMode       string `json:"plan_mode"`
}

// StopResponse is the response body after stopping a tenant.
type StopResponse struct {
	TenantID       string `json:"tenant_id"`
	AlreadyStopped bool   `json:"already_stopped"`
}

// ReleaseResponse is the response body after releasing a tenant's sessions.
type ReleaseResponse struct {
	TenantID string `json:"tenant_id"`
	Released int    `json:"released"`
}

// PayloadRequest sets a tenant's payload.
type PayloadRequest struct {
	Kind string `json:"kind,omitempty"`
	Ref  string `json:"ref"`
}

// DestinationsRequest replaces a tenant's fallback destination list.
type DestinationsRequest struct {
	Destinations []string `json:"destinations"`
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

// StatusResponse is the heartbeat-derived status of a tenant.
type StatusResponse struct {
	TenantID string `json:"tenant_id"`
	// Status is RUNNING, STOPPED or CRASHED.
	Status              string     `json:"status"`
	Phase               string     `json:"phase,omitempty"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatAgeSeconds float64    `json:"heartbeat_age_seconds,omitempty"`
	WorkerID            string     `json:"worker_id,omitempty"`

	Intent       string `json:"intent"`
	Active       bool   `json:"active"`
	Idle         bool   `json:"idle"`
	Sessions     int    `json:"sessions"`
	Destinations int    `json:"destinations"`
	StopReason   string `json:"stop_reason,omitempty"`

	Stats TenantStats `json:"stats"`
}

// SessionsResponse summarizes the session pool.
type SessionsResponse struct {
	Unused   int            `json:"unused"`
	Banned   int            `json:"banned"`
	Assigned map[string]int `json:"assigned"`

	UnusedIDs []string `json:"unused_ids,omitempty"`
	BannedIDs []string `json:"banned_ids,omitempty"`
}

// BanResponse is the response body after banning a session.
type BanResponse struct {
	SessionID string `json:"session_id"`
	Banned    bool   `json:"banned"`
}

// VerifyRequest lists the sessions to verify. Empty means the path session.
type VerifyRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// SessionHealth is the verification result of one session.
type SessionHealth struct {
	SessionID string    `json:"session_id"`
	Location  string    `json:"location,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Health    string    `json:"health"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// VerifyResponse carries one result per requested session, in request order.
type VerifyResponse struct {
	Results []SessionHealth `json:"results"`
}

// PairRequest adds a credential pair.
type PairRequest struct {
	AppID   string `json:"app_id"`
	AppHash string `json:"app_hash"`
}

// Pair is a credential pair and its current usage.
type Pair struct {
	Index    int    `json:"index"`
	AppID    string `json:"app_id"`
	AppHash  string `json:"app_hash"`
	Sessions int    `json:"sessions"`
}

// PairsResponse lists the credential pairs in index order.
type PairsResponse struct {
	Pairs []Pair `json:"pairs"`
	Count int    `json:"count"`
}

// AddPairResponse is the response body after adding a credential pair.
type AddPairResponse struct {
	Index int    `json:"index"`
	AppID string `json:"app_id"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
