// Package protocol defines the messaging-protocol capability the engine
// depends on, and the error taxonomy it must be able to distinguish.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Receipt confirms a delivery.
type Receipt struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// SessionSpec identifies the session a client is dialed for.
type SessionSpec struct {
	TenantID    string
	SessionID   string
	SessionPath string
	AppID       string
	AppHash     string
}

// Client is one connected protocol session.
type Client interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	Deliver(ctx context.Context, sessionID, sourceRef, destinationID, payloadRef string) (Receipt, error)
	Disconnect(ctx context.Context) error
}

// Dialer creates clients.
type Dialer interface {
	Dial(ctx context.Context, spec SessionSpec) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, spec SessionSpec) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, spec SessionSpec) (Client, error) {
	return f(ctx, spec)
}

var (
	ErrAccountBanned             = errors.New("account banned")
	ErrDestinationWriteForbidden = errors.New("destination write forbidden")
	ErrDestinationRestricted     = errors.New("destination restricted")
	ErrSessionUnauthorized       = errors.New("session unauthorized")
	ErrTransientNetwork          = errors.New("transient network error")
)

// RateLimitedError asks the caller to wait before retrying.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, wait %s", e.Wait)
}

// UnclassifiedError carries a failure the taxonomy does not cover.
type UnclassifiedError struct {
	Detail string
	Err    error
}

func (e *UnclassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unclassified: %s: %v", e.Detail, e.Err)
	}
	return "unclassified: " + e.Detail
}

func (e *UnclassifiedError) Unwrap() error { return e.Err }

// Class is the handling category of a delivery error.
type Class int

const (
	ClassNone Class = iota
	// ClassRateLimited and ClassTransient are retried once.
	ClassRateLimited
	ClassTransient
	// ClassAccountFatal retires the session.
	ClassAccountFatal
	// ClassDestinationFatal quarantines the destination for this session only.
	ClassDestinationFatal
	// ClassUnclassified counts toward the quarantine threshold.
	ClassUnclassified
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassAccountFatal:
		return "account_fatal"
	case ClassDestinationFatal:
		return "destination_fatal"
	default:
		return "unclassified"
	}
}

// Classify maps an error onto its handling class.
func Classify(err error) Class {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return ClassNone
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.Is(err, ErrAccountBanned), errors.Is(err, ErrSessionUnauthorized):
		return ClassAccountFatal
	case errors.Is(err, ErrDestinationWriteForbidden), errors.Is(err, ErrDestinationRestricted):
		return ClassDestinationFatal
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassUnclassified
	}
}

// RetryWait returns how long to wait before the single retry of err.
func RetryWait(err error, transient time.Duration) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait
	}
	return transient
}
