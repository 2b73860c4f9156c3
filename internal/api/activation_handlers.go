package api

import (
	"net/http"

	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/provision"
)

// requestActivation handles POST /api/activations
func (h *Handler) requestActivation(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if !h.decode(w, r, &req) {
		return
	}

	log.Debug("Activation requested", "service_id", req.ServiceID, "type", req.Type)
	res := h.svc.RequestActivation(r.Context(), req)
	status := statusForCode(res.Code)
	if status == http.StatusInternalServerError {
		log.Error("Activation request failed", "service_id", req.ServiceID, "error", res.Error)
	}
	h.writeJSON(w, status, res)
}

// getActivation handles GET /api/activations/{id}
func (h *Handler) getActivation(w http.ResponseWriter, r *http.Request) {
	act, err := h.svc.Activation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, act)
}

// serviceStatus handles GET /api/services/{id}/status
func (h *Handler) serviceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.ServiceStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// resyncService handles POST /api/services/{id}/resync
func (h *Handler) resyncService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	queued, err := h.svc.Resync(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, map[string]any{"service_id": id, "queued": queued})
}

// releaseCustomer handles POST /api/customers/{id}/release
func (h *Handler) releaseCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("id")
	res, err := h.svc.ReleaseAllForCustomer(r.Context(), customerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	log.Info("Customer release requested", "customer_id", customerID, "released", res.ReleasedCount)
	h.writeJSON(w, http.StatusOK, res)
}
