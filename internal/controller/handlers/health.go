package handlers

import (
	"net/http"
	"strings"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe.
// It reports 503 while any store is degraded and refusing writes.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	var degraded []string
	for _, s := range h.stores {
		if s.Degraded() {
			degraded = append(degraded, s.Name())
		}
	}
	if len(degraded) > 0 {
		h.httpError(w, "Store degraded: "+strings.Join(degraded, ", "), http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}
