package http

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/service"
	"github.com/ericyarmo/buds-relay/internal/validate"
)

type appendReceiptRequest struct {
	ReceiptData string  `json:"receipt_data"`
	Signature   string  `json:"signature"`
	ReceiptCID  string  `json:"receipt_cid,omitempty"`
	ParentCID   *string `json:"parent_cid,omitempty"`
}

type receiptEnvelope struct {
	JarID          string  `json:"jar_id"`
	SequenceNumber int64   `json:"sequence_number"`
	ReceiptCID     string  `json:"receipt_cid"`
	ReceiptData    string  `json:"receipt_data"`
	Signature      string  `json:"signature"`
	SenderDID      string  `json:"sender_did"`
	ReceivedAt     int64   `json:"received_at"`
	ParentCID      *string `json:"parent_cid,omitempty"`
}

func receiptToEnvelope(r domain.JarReceipt) receiptEnvelope {
	return receiptEnvelope{
		JarID:          r.JarID,
		SequenceNumber: r.SequenceNumber,
		ReceiptCID:     r.ReceiptCID,
		ReceiptData:    base64.StdEncoding.EncodeToString(r.ReceiptData),
		Signature:      base64.StdEncoding.EncodeToString(r.Signature),
		SenderDID:      r.SenderDID,
		ReceivedAt:     r.ReceivedAt,
		ParentCID:      r.ParentCID,
	}
}

func (h *Handler) handleReceiptAppend(w http.ResponseWriter, r *http.Request) {
	var req appendReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.Invalid("body must be JSON"))
		return
	}
	var fields []string
	data, ok := validate.DecodeBase64(req.ReceiptData)
	if !ok {
		fields = append(fields, "receipt_data must be non-empty base64")
	}
	sig, ok := validate.DecodeBase64(req.Signature)
	if !ok || len(sig) != 64 {
		fields = append(fields, "signature must be base64 of 64 bytes")
	}
	if req.ReceiptCID != "" && !validate.CID(req.ReceiptCID) {
		fields = append(fields, "receipt_cid is malformed")
	}
	if req.ParentCID != nil && !validate.CID(*req.ParentCID) {
		fields = append(fields, "parent_cid is malformed")
	}
	if len(fields) > 0 {
		writeError(w, r, domain.Invalid(fields...))
		return
	}

	row, created, err := h.receipts.StoreReceipt(r.Context(), service.StoreReceiptInput{
		JarID:       chi.URLParam(r, "jarID"),
		ReceiptData: data,
		Signature:   sig,
		ClaimedCID:  req.ReceiptCID,
		ParentCID:   req.ParentCID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, receiptToEnvelope(*row))
}

// handleReceiptBackfill serves both query modes: after&limit for tailing,
// from&to for gap fills.
func (h *Handler) handleReceiptBackfill(w http.ResponseWriter, r *http.Request) {
	callerDID, err := h.callerDID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jarID := chi.URLParam(r, "jarID")
	q := r.URL.Query()

	parse := func(name string) (int64, bool, error) {
		raw := q.Get(name)
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, false, domain.Invalidf("%s must be a non-negative integer", name)
		}
		return v, true, nil
	}

	from, hasFrom, err := parse("from")
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, hasTo, err := parse("to")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var rows []domain.JarReceipt
	switch {
	case hasFrom || hasTo:
		if !hasFrom || !hasTo {
			writeError(w, r, domain.Invalid("from and to must be supplied together"))
			return
		}
		rows, err = h.receipts.GetReceiptsRange(r.Context(), jarID, callerDID, from, to)
	default:
		after, _, aErr := parse("after")
		if aErr != nil {
			writeError(w, r, aErr)
			return
		}
		limit, _, lErr := parse("limit")
		if lErr != nil {
			writeError(w, r, lErr)
			return
		}
		rows, err = h.receipts.GetReceiptsAfter(r.Context(), jarID, callerDID, after, int(limit))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]receiptEnvelope, 0, len(rows))
	for _, row := range rows {
		out = append(out, receiptToEnvelope(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func (h *Handler) handleJarList(w http.ResponseWriter, r *http.Request) {
	callerDID, err := h.callerDID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jars, err := h.receipts.ListJars(r.Context(), callerDID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jars": jars})
}
