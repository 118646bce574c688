package handlers

import (
	"net/http"

	"campaignplane/internal/logger"
	"campaignplane/pkg/api"
)

// ListSessions handles GET /sessions. ?ids=true adds the unused and banned IDs.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	c := h.sessions.Counts()
	resp := api.SessionsResponse{
		Unused:   c.Unused,
		Banned:   c.Banned,
		Assigned: c.Assigned,
	}
	if r.URL.Query().Get("ids") == "true" {
		resp.UnusedIDs = h.sessions.ListUnused()
		resp.BannedIDs = h.sessions.ListBanned()
	}
	h.respondJson(w, http.StatusOK, resp)
}

// BanSession handles POST /sessions/{id}/ban.
// The owning tenant keeps the ID in its list until its next cycle retires it.
func (h *Handlers) BanSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.sessions.Ban(id) {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return
	}
	logger.FromContext(r.Context(), h.logger).Warn("session banned by operator", "session", id)
	h.respondJson(w, http.StatusOK, api.BanResponse{SessionID: id, Banned: true})
}

// VerifySession handles POST /sessions/{id}/verify.
func (h *Handlers) VerifySession(w http.ResponseWriter, r *http.Request) {
	h.verify(w, r, []string{r.PathValue("id")})
}

// VerifySessions handles POST /sessions/verify with a list of session IDs.
func (h *Handlers) VerifySessions(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.SessionIDs) == 0 {
		h.httpError(w, "session_ids is required", http.StatusBadRequest)
		return
	}
	h.verify(w, r, req.SessionIDs)
}

func (h *Handlers) verify(w http.ResponseWriter, r *http.Request, ids []string) {
	results, err := h.verifier.VerifySessions(r.Context(), ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := api.VerifyResponse{Results: make([]api.SessionHealth, len(results))}
	for i, res := range results {
		resp.Results[i] = api.SessionHealth{
			SessionID: res.SessionID,
			Location:  string(res.Partition),
			TenantID:  res.Tenant,
			Health:    string(res.Health),
			Reason:    res.Reason,
			CheckedAt: res.CheckedAt,
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}
