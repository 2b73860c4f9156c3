package api

import (
	"net/http"

	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
)

// deviceRequest carries the credentials model.Device never serializes
type deviceRequest struct {
	model.Device
	Secret        string `json:"secret"`
	SNMPCommunity string `json:"snmp_community"`
}

// listDevices handles GET /api/devices
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	filter := &model.DeviceFilter{
		Status:   model.DeviceStatus(r.URL.Query().Get("status")),
		Location: r.URL.Query().Get("location"),
	}

	log.Debug("Listing devices", "status", filter.Status, "location", filter.Location)
	devices, err := h.svc.Devices(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, devices)
}

// getDevice handles GET /api/devices/{id}
func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.svc.Device(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

// createDevice handles POST /api/devices
func (h *Handler) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	device := req.Device
	device.Secret = req.Secret
	device.SNMPCommunity = req.SNMPCommunity
	device.ID = ""
	device.ActiveSubscribers = 0

	if err := h.svc.RegisterDevice(r.Context(), &device); err != nil {
		log.Warn("Device registration rejected", "name", device.Name, "error", err)
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, device)
}

// deactivateDevice handles POST /api/devices/{id}/deactivate
func (h *Handler) deactivateDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.svc.DeactivateDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

// probeDevice handles POST /api/devices/{id}/probe
func (h *Handler) probeDevice(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ProbeDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// createSubnet handles POST /api/devices/{id}/subnets
func (h *Handler) createSubnet(w http.ResponseWriter, r *http.Request) {
	var req ipam.SubnetRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.DeviceID = r.PathValue("id")
	if req.CIDR == "" {
		h.writeError(w, http.StatusBadRequest, "cidr is required")
		return
	}

	subnet, err := h.svc.CreateSubnet(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, subnet)
}

// listSubnets handles GET /api/devices/{id}/subnets
func (h *Handler) listSubnets(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.Device(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	subnets, err := h.svc.Subnets(r.Context(), id)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, subnets)
}

// utilization handles GET /api/devices/{id}/utilization
func (h *Handler) utilization(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.Device(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	usage, err := h.svc.Utilization(r.Context(), id)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, usage)
}

type blockRequest struct {
	Reason string `json:"reason"`
}

// blockAddress handles POST /api/addresses/{id}/block
func (h *Handler) blockAddress(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// unblockAddress handles POST /api/addresses/{id}/unblock
func (h *Handler) unblockAddress(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	var req blockRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	id := r.PathValue("id")
	var err error
	if blocked {
		err = h.svc.BlockAddress(r.Context(), id, req.Reason)
	} else {
		err = h.svc.UnblockAddress(r.Context(), id, req.Reason)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
