package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/service"
)

type sendRequest struct {
	MessageID        string            `json:"message_id"`
	ReceiptCID       string            `json:"receipt_cid"`
	SenderDID        string            `json:"sender_did"`
	SenderDeviceID   string            `json:"sender_device_id"`
	RecipientDIDs    []string          `json:"recipient_dids"`
	EncryptedPayload string            `json:"encrypted_payload"`
	WrappedKeys      map[string]string `json:"wrapped_keys"`
	Signature        string            `json:"signature"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (h *Handler) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	msg, err := h.messages.Send(r.Context(), service.SendInput{
		MessageID:        req.MessageID,
		ReceiptCID:       req.ReceiptCID,
		SenderDID:        req.SenderDID,
		SenderDeviceID:   req.SenderDeviceID,
		RecipientDIDs:    req.RecipientDIDs,
		EncryptedPayload: req.EncryptedPayload,
		WrappedKeys:      req.WrappedKeys,
		Signature:        req.Signature,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{
		MessageID: msg.MessageID.String(),
		CreatedAt: msg.CreatedAt,
		ExpiresAt: msg.ExpiresAt,
	})
}

type inboxEnvelope struct {
	MessageID        string          `json:"message_id"`
	ReceiptCID       string          `json:"receipt_cid"`
	SenderDID        string          `json:"sender_did"`
	SenderDeviceID   string          `json:"sender_device_id"`
	RecipientDIDs    json.RawMessage `json:"recipient_dids"`
	WrappedKeys      json.RawMessage `json:"wrapped_keys"`
	Signature        string          `json:"signature"`
	EncryptedPayload string          `json:"encrypted_payload"`
	CreatedAt        int64           `json:"created_at"`
	ExpiresAt        int64           `json:"expires_at"`
}

type inboxResponse struct {
	Messages []inboxEnvelope `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	callerDID, err := h.callerDID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// A did override is accepted only when it names the caller; inboxes
	// are never readable across identities.
	if did := r.URL.Query().Get("did"); did != "" && did != callerDID {
		writeError(w, r, fmt.Errorf("%w: did does not match authenticated caller", domain.ErrForbidden))
		return
	}
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, r, domain.Invalid("since must be a millisecond timestamp"))
			return
		}
		since = v
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, r, domain.Invalid("limit must be a positive integer"))
			return
		}
		limit = v
	}

	entries, hasMore, err := h.messages.Inbox(r.Context(), callerDID, since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]inboxEnvelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, inboxEnvelope{
			MessageID:        e.Message.MessageID.String(),
			ReceiptCID:       e.Message.ReceiptCID,
			SenderDID:        e.Message.SenderDID,
			SenderDeviceID:   e.Message.SenderDeviceID.String(),
			RecipientDIDs:    json.RawMessage(e.Message.RecipientDIDs),
			WrappedKeys:      json.RawMessage(e.Message.WrappedKeys),
			Signature:        e.Message.Signature,
			EncryptedPayload: base64.StdEncoding.EncodeToString(e.Payload),
			CreatedAt:        e.Message.CreatedAt,
			ExpiresAt:        e.Message.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, inboxResponse{Messages: out, HasMore: hasMore})
}

type markDeliveredRequest struct {
	MessageID    string `json:"message_id"`
	RecipientDID string `json:"recipient_did"`
}

func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	callerDID, err := h.callerDID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req markDeliveredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	// Only the recipient may ack their own delivery row.
	if req.RecipientDID != "" && req.RecipientDID != callerDID {
		writeError(w, r, fmt.Errorf("%w: recipient_did does not match authenticated caller", domain.ErrForbidden))
		return
	}
	if err := h.messages.MarkDelivered(r.Context(), req.MessageID, callerDID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	callerDID, err := h.callerDID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.messages.Delete(r.Context(), chi.URLParam(r, "messageID"), callerDID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
