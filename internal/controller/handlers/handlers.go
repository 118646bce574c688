// Package handlers contains HTTP handlers for the ops API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"campaignplane/internal/campaign"
	"campaignplane/internal/credentials"
	"campaignplane/internal/destinations"
	"campaignplane/internal/logger"
	"campaignplane/internal/sessions"
	"campaignplane/internal/store"
	"campaignplane/pkg/api"
)

// Control is the tenant control surface the handlers drive.
type Control interface {
	Register(ctx context.Context, tenant string, p campaign.Plan) (bool, error)
	UpdatePlan(ctx context.Context, tenant string, p campaign.Plan) error
	Start(ctx context.Context, tenant string, opts campaign.StartOptions) (campaign.StartResult, error)
	Stop(ctx context.Context, tenant string) (bool, error)
	ReleaseSessions(ctx context.Context, tenant string) (int, error)
	UpdatePayload(ctx context.Context, tenant string, p store.Payload) error
	UpdateDestinations(ctx context.Context, tenant string, list []string) error
	Status(ctx context.Context, tenant string) (campaign.Status, error)
}

// SessionAdmin is the session pool surface the handlers expose.
type SessionAdmin interface {
	Counts() sessions.Counts
	ListUnused() []string
	ListBanned() []string
	Ban(id string) bool
}

// PairAdmin manages the credential pair list.
type PairAdmin interface {
	ListPairs(ctx context.Context) ([]campaign.PairUsage, error)
	AddPair(ctx context.Context, p credentials.Pair) (int, error)
	RemovePair(ctx context.Context, appID string) error
}

// SessionVerifier checks that sessions can still log in.
type SessionVerifier interface {
	VerifySessions(ctx context.Context, ids []string) ([]campaign.SessionHealth, error)
}

// Degradable is a store whose health gates readiness.
type Degradable interface {
	Name() string
	Degraded() bool
}

// Deps are the handler dependencies.
type Deps struct {
	Control  Control
	Sessions SessionAdmin
	Pairs    PairAdmin
	Verifier SessionVerifier
	Stores   []Degradable
	Logger   *slog.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	control  Control
	sessions SessionAdmin
	pairs    PairAdmin
	verifier SessionVerifier
	stores   []Degradable
	logger   *slog.Logger
}

// New creates a new Handlers instance.
func New(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handlers{
		control:  deps.Control,
		sessions: deps.Sessions,
		pairs:    deps.Pairs,
		verifier: deps.Verifier,
		stores:   deps.Stores,
		logger:   deps.Logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// fail maps a control error onto an HTTP status.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.respondJson(w, code, api.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    strconv.Itoa(code),
		Details: err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrDegraded):
		return http.StatusServiceUnavailable
	case errors.Is(err, campaign.ErrVerifyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, campaign.ErrTenantNotFound), errors.Is(err, credentials.ErrPairNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrPlanInactive):
		return http.StatusForbidden
	case errors.Is(err, campaign.ErrNoResources),
		errors.Is(err, campaign.ErrNotStopped),
		errors.Is(err, credentials.ErrDuplicatePair),
		errors.Is(err, credentials.ErrPairInUse):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrInvalidPlanMode),
		errors.Is(err, campaign.ErrModeOverride),
		errors.Is(err, campaign.ErrInvalidPayload),
		errors.Is(err, campaign.ErrInvalidTiming),
		errors.Is(err, destinations.ErrInvalidDestination),
		errors.Is(err, credentials.ErrInvalidPair):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
