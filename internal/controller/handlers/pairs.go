package handlers

import (
	"net/http"
	"strings"

	"campaignplane/internal/credentials"
	"campaignplane/internal/logger"
	"campaignplane/pkg/api"
)

// ListPairs handles GET /credentials.
func (h *Handlers) ListPairs(w http.ResponseWriter, r *http.Request) {
	list, err := h.pairs.ListPairs(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := api.PairsResponse{Pairs: make([]api.Pair, len(list)), Count: len(list)}
	for i, p := range list {
		resp.Pairs[i] = api.Pair{
			Index:    p.Index,
			AppID:    p.Pair.AppID,
			AppHash:  p.Pair.AppHash,
			Sessions: p.Sessions,
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}

// AddPair handles POST /credentials.
func (h *Handlers) AddPair(w http.ResponseWriter, r *http.Request) {
	var req api.PairRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	idx, err := h.pairs.AddPair(r.Context(), credentials.Pair{AppID: req.AppID, AppHash: req.AppHash})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, api.AddPairResponse{Index: idx, AppID: strings.TrimSpace(req.AppID)})
}

// RemovePair handles DELETE /credentials/{app_id}.
func (h *Handlers) RemovePair(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")
	if err := h.pairs.RemovePair(r.Context(), appID); err != nil {
		h.fail(w, r, err)
		return
	}
	logger.FromContext(r.Context(), h.logger).Warn("credential pair removed by operator", "app_id", appID)
	w.WriteHeader(http.StatusNoContent)
}
