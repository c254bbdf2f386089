package http

import (
	"encoding/json"
	"net/http"

	"github.com/ericyarmo/buds-relay/internal/authn"
	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/service"
)

type saltResponse struct {
	Salt    string `json:"salt"`
	Created bool   `json:"created"`
}

func (h *Handler) handleAccountSalt(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, domain.ErrAuthFailed)
		return
	}
	salt, created, err := h.identity.GetOrCreateSalt(r.Context(), p.Phone)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, saltResponse{Salt: salt, Created: created})
}

type registerDeviceRequest struct {
	DeviceID      string  `json:"device_id"`
	DeviceName    string  `json:"device_name"`
	OwnerDID      string  `json:"owner_did"`
	Phone         string  `json:"phone"`
	PubkeyX25519  string  `json:"pubkey_x25519"`
	PubkeyEd25519 string  `json:"pubkey_ed25519"`
	PushToken     *string `json:"push_token,omitempty"`
}

type deviceResponse struct {
	DeviceID      string `json:"device_id"`
	OwnerDID      string `json:"owner_did"`
	DeviceName    string `json:"device_name"`
	PubkeyX25519  string `json:"pubkey_x25519"`
	PubkeyEd25519 string `json:"pubkey_ed25519"`
	Status        string `json:"status"`
	RegisteredAt  int64  `json:"registered_at"`
	LastSeenAt    int64  `json:"last_seen_at"`
}

func deviceToResponse(d domain.Device) deviceResponse {
	return deviceResponse{
		DeviceID:      d.DeviceID.String(),
		OwnerDID:      d.OwnerDID,
		DeviceName:    d.DeviceName,
		PubkeyX25519:  d.PubkeyX25519,
		PubkeyEd25519: d.PubkeyEd25519,
		Status:        d.Status,
		RegisteredAt:  d.RegisteredAt,
		LastSeenAt:    d.LastSeenAt,
	}
}

func (h *Handler) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, domain.ErrAuthFailed)
		return
	}
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	device, err := h.identity.RegisterDevice(r.Context(), p.Phone, service.RegisterDeviceInput{
		DeviceID:      req.DeviceID,
		DeviceName:    req.DeviceName,
		OwnerDID:      req.OwnerDID,
		Phone:         req.Phone,
		PubkeyX25519:  req.PubkeyX25519,
		PubkeyEd25519: req.PubkeyEd25519,
		PushToken:     req.PushToken,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, deviceToResponse(*device))
}

type deviceListRequest struct {
	DIDs []string `json:"dids"`
}

func (h *Handler) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	var req deviceListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	devices, err := h.identity.ListDevices(r.Context(), req.DIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceToResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

type heartbeatRequest struct {
	DeviceID string `json:"device_id"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	if err := h.identity.Heartbeat(r.Context(), req.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lookupRequest struct {
	Phone string `json:"phone"`
}

func (h *Handler) handleLookupDID(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	did, err := h.identity.LookupDID(r.Context(), req.Phone)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"did": did})
}

type batchLookupRequest struct {
	Phones []string `json:"phones"`
}

func (h *Handler) handleLookupBatch(w http.ResponseWriter, r *http.Request) {
	var req batchLookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	dids, err := h.identity.BatchLookupDID(r.Context(), req.Phones)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dids": dids})
}
