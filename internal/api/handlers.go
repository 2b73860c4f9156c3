package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
	"github.com/martinsuchenak/netprov/internal/saga"
	"github.com/martinsuchenak/netprov/internal/storage"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// Handler handles HTTP requests
type Handler struct {
	svc *provision.Service
}

// NewHandler creates a new API handler
func NewHandler(svc *provision.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Activations
	mux.HandleFunc("POST /api/activations", h.requestActivation)
	mux.HandleFunc("GET /api/activations/{id}", h.getActivation)

	// Customer services
	mux.HandleFunc("GET /api/services/{id}/status", h.serviceStatus)
	mux.HandleFunc("POST /api/services/{id}/resync", h.resyncService)
	mux.HandleFunc("POST /api/customers/{id}/release", h.releaseCustomer)

	// Plans
	mux.HandleFunc("GET /api/plans", h.listPlans)
	mux.HandleFunc("PUT /api/plans/{id}", h.savePlan)

	// Devices and their pools
	mux.HandleFunc("GET /api/devices", h.listDevices)
	mux.HandleFunc("POST /api/devices", h.createDevice)
	mux.HandleFunc("GET /api/devices/{id}", h.getDevice)
	mux.HandleFunc("POST /api/devices/{id}/deactivate", h.deactivateDevice)
	mux.HandleFunc("POST /api/devices/{id}/probe", h.probeDevice)
	mux.HandleFunc("POST /api/devices/{id}/subnets", h.createSubnet)
	mux.HandleFunc("GET /api/devices/{id}/subnets", h.listSubnets)
	mux.HandleFunc("GET /api/devices/{id}/utilization", h.utilization)
	mux.HandleFunc("POST /api/addresses/{id}/block", h.blockAddress)
	mux.HandleFunc("POST /api/addresses/{id}/unblock", h.unblockAddress)

	// Retry queue and audit trail
	mux.HandleFunc("GET /api/retry", h.listRetry)
	mux.HandleFunc("POST /api/retry/drain", h.drainRetry)
	mux.HandleFunc("GET /api/events", h.listEvents)
}

// statusFor maps a domain error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provision.ErrInvalidRequest), errors.Is(err, storage.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, ipam.ErrAddressInUse),
		errors.Is(err, ipam.ErrExhausted), errors.Is(err, saga.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ipam.ErrInvalidSubnet), errors.Is(err, saga.ErrInvalidPlan):
		return http.StatusUnprocessableEntity
	case errors.Is(err, driver.ErrUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusForCode maps an activation result code to an HTTP status
func statusForCode(code string) int {
	switch code {
	case "":
		return http.StatusCreated
	case provision.CodeInvalidRequest:
		return http.StatusBadRequest
	case provision.CodeNotFound:
		return http.StatusNotFound
	case model.FailureNoCapacity, model.FailureNoAvailableSubnet, model.FailureInvalidState:
		return http.StatusConflict
	case model.FailureInvalidPlan, model.FailureStepFailed:
		return http.StatusUnprocessableEntity
	case model.FailureUnreachable:
		return http.StatusServiceUnavailable
	case model.FailureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Warn("Invalid request body", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail writes err with the status its kind maps to
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.internalError(w, err)
		return
	}
	log.Debug("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	h.writeError(w, status, err.Error())
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal Server Error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}
