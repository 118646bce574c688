package handlers

import (
	"net/http"

	"campaignplane/internal/campaign"
	"campaignplane/internal/store"
	"campaignplane/pkg/api"
)

// RegisterTenant handles POST /tenants/{id}/register.
// Registering an existing tenant returns 200 and changes nothing.
func (h *Handlers) RegisterTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.RegisterRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.control.Register(r.Context(), id, campaign.Plan{
		Mode:        store.PlanMode(req.PlanMode),
		Status:      store.PlanStatus(req.PlanStatus),
		MaxSessions: req.MaxSessions,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondJson(w, status, api.RegisterResponse{TenantID: id, Created: created})
}

// UpdatePlan handles PUT /tenants/{id}/plan.
func (h *Handlers) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.PlanRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	err := h.control.UpdatePlan(r.Context(), id, campaign.Plan{
		Mode:        store.PlanMode(req.PlanMode),
		Status:      store.PlanStatus(req.PlanStatus),
		MaxSessions: req.MaxSessions,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartTenant handles POST /tenants/{id}/start.
func (h *Handlers) StartTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.StartRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.control.Start(r.Context(), id, campaign.StartOptions{
		PlanStatus:        store.PlanStatus(req.PlanStatus),
		Mode:              store.PlanMode(req.PlanMode),
		TotalCycleMinutes: req.TotalCycleMinutes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.StartResponse{
		TenantID:       id,
		AlreadyRunning: res.AlreadyRunning,
		Sessions:       res.Sessions,
		PlanMode:       string(res.Mode),
	})
}

// StopTenant handles POST /tenants/{id}/stop.
func (h *Handlers) StopTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	already, err := h.control.Stop(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.StopResponse{TenantID: id, AlreadyStopped: already})
}

// ReleaseSessions handles POST /tenants/{id}/release.
func (h *Handlers) ReleaseSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.control.ReleaseSessions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.ReleaseResponse{TenantID: id, Released: n})
}

// UpdatePayload handles PUT /tenants/{id}/payload.
func (h *Handlers) UpdatePayload(w http.ResponseWriter, r *http.Request) {
	var req api.PayloadRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.control.UpdatePayload(r.Context(), r.PathValue("id"), store.Payload{Kind: req.Kind, Ref: req.Ref}); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateDestinations handles PUT /tenants/{id}/destinations.
func (h *Handlers) UpdateDestinations(w http.ResponseWriter, r *http.Request) {
	var req api.DestinationsRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.control.UpdateDestinations(r.Context(), r.PathValue("id"), req.Destinations); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /tenants/{id}/status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.control.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := api.StatusResponse{
		TenantID:      id,
		Status:        string(st.Heartbeat.Status),
		Phase:         string(st.Heartbeat.Phase),
		LastHeartbeat: st.Heartbeat.LastBeat,
		WorkerID:      st.Heartbeat.WorkerID,
		Intent:        string(st.Intent),
		Active:        st.Active,
		Idle:          st.Idle,
		Sessions:      st.Sessions,
		Destinations:  st.Destinations,
		StopReason:    st.StopReason,
		Stats: api.TenantStats{
			TotalAttempts:       st.Stats.TotalAttempts,
			TotalSuccess:        st.Stats.TotalSuccess,
			TotalFailures:       st.Stats.TotalFailures,
			TotalRateLimitWaits: st.Stats.TotalRateLimitWaits,
			TotalDelivered:      st.Stats.TotalDelivered,
			TotalCycles:         st.Stats.TotalCycles,
			LastActivity:        st.Stats.LastActivity,
			LastCycleError:      st.Stats.LastCycleError,
		},
	}
	if st.Heartbeat.LastBeat != nil {
		resp.HeartbeatAgeSeconds = st.Heartbeat.Age.Seconds()
	}
	h.respondJson(w, http.StatusOK, resp)
}
