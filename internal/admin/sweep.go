// ABOUTME: Admin handler that runs one maintenance pass on demand
// ABOUTME: The same pass the server runs on its sweep interval

package admin

import "net/http"

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		h.sendJSONError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.internalError(w, "sweep failed", err)
		return
	}
	h.logger.Info("manual sweep", "actor", actor(r.Context()))
	h.sendJSON(w, http.StatusOK, report)
}
