package api

import (
	"net/http"

	"github.com/martinsuchenak/netprov/internal/model"
)

// defaultDrainBatch is the batch size of an operator-triggered drain
const defaultDrainBatch = 100

// listPlans handles GET /api/plans
func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.ListPlans(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}

// savePlan handles PUT /api/plans/{id}
func (h *Handler) savePlan(w http.ResponseWriter, r *http.Request) {
	var plan model.ServicePlan
	if !h.decode(w, r, &plan) {
		return
	}
	plan.ID = r.PathValue("id")

	if err := h.svc.SavePlan(r.Context(), &plan); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// listRetry handles GET /api/retry?status=&limit=
func (h *Handler) listRetry(w http.ResponseWriter, r *http.Request) {
	status := model.RetryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.RetryPending, model.RetrySucceeded, model.RetryFailed:
	default:
		h.writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	ops, err := h.svc.RetryOperations(r.Context(), status, limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ops)
}

// drainRetry handles POST /api/retry/drain?batch=
func (h *Handler) drainRetry(w http.ResponseWriter, r *http.Request) {
	batch, ok := queryInt(r, "batch", defaultDrainBatch)
	if !ok || batch == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid batch")
		return
	}

	res, err := h.svc.DrainRetries(r.Context(), batch)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// listEvents handles GET /api/events?service_id=&activation_id=&device_id=&kind=&limit=
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	events, err := h.svc.Events(r.Context(), &model.EventFilter{
		Kind:         q.Get("kind"),
		DeviceID:     q.Get("device_id"),
		ServiceID:    q.Get("service_id"),
		ActivationID: q.Get("activation_id"),
		Limit:        limit,
	})
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}
