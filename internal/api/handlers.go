package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clearlane/payguard/internal/consent"
)

// Handler exposes the payment pipeline over HTTP.
type Handler struct {
	Service *PaymentService
}

// Pay is POST /v1/payments.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	resp, err := h.Service.Pay(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusForResponse(resp), resp)
}

type confirmRequest struct {
	ConsentToken string `json:"consent_token"`
	AgentID      string `json:"agent_id"`
}

// Confirm is POST /v1/payments/{transactionID}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ConsentToken == "" {
		writeError(w, http.StatusBadRequest, "consent_token is required")
		return
	}

	resp, err := h.Service.Confirm(r.Context(), transactionID, req.ConsentToken, req.AgentID)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrNotConfirmable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusForResponse(resp), resp)
}

// Cancel is POST /v1/payments/{transactionID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	record, err := h.Service.Cancel(transactionID)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// GetTransaction is GET /v1/transactions/{transactionID}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	record, ok := h.Service.Engine.GetTransaction(transactionID)
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// AuditPack is GET /v1/transactions/{transactionID}/pack. It streams a zip
// archive with the record, its ledger trail and the chain validation.
func (h *Handler) AuditPack(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	baseURL := "http://" + r.Host
	data, err := h.Service.BuildAuditPack(transactionID, baseURL)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+transactionID+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetHistory is GET /v1/users/{userID}/transactions.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)

	records := h.Service.Engine.GetTransactionHistory(userID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"transactions": records,
		"count":        len(records),
	})
}

type issueConsentRequest struct {
	UserID  string        `json:"user_id"`
	AgentID string        `json:"agent_id"`
	Scope   consent.Scope `json:"scope"`
}

// IssueConsent is POST /v1/consent.
func (h *Handler) IssueConsent(w http.ResponseWriter, r *http.Request) {
	var req issueConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Scope.MerchantVPA == "" || req.Scope.MaxAmount <= 0 {
		writeError(w, http.StatusBadRequest, "user_id, scope.merchant_vpa and a positive scope.max_amount are required")
		return
	}

	grant, err := h.Service.IssueConsent(req.UserID, req.AgentID, req.Scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

type feedbackRequest struct {
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Feedback      string `json:"feedback"`
}

// Feedback is POST /v1/feedback.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Feedback == "" {
		writeError(w, http.StatusBadRequest, "user_id and feedback are required")
		return
	}

	entry, err := h.Service.RecordFeedback(req.UserID, req.TransactionID, req.Feedback)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// LedgerByUser is GET /v1/ledger/users/{userID}.
func (h *Handler) LedgerByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

	entries, err := h.Service.Ledger.EntriesByUser(userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": entries,
		"count":   len(entries),
	})
}

// LedgerByTransaction is GET /v1/ledger/transactions/{transactionID}.
func (h *Handler) LedgerByTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	entries, err := h.Service.Ledger.EntriesByTransaction(transactionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": transactionID,
		"entries":        entries,
		"count":          len(entries),
	})
}

// LedgerRecent is GET /v1/ledger/recent.
func (h *Handler) LedgerRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

	entries, err := h.Service.Ledger.RecentEntries(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// LedgerValidate is GET /v1/ledger/validate.
func (h *Handler) LedgerValidate(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.Ledger.ValidateChain()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !result.IsValid {
		// The chain itself is the payload; the status makes broken chains
		// impossible to miss from a probe.
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// Healthz is GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForResponse maps a pipeline outcome to an HTTP status. Refusals are
// not server errors; they come back 200 with the decision in the body,
// except validation failures which are the caller's fault.
func statusForResponse(resp PaymentResponse) int {
	if resp.ErrorCode == "INVALID_INTENT" {
		return http.StatusUnprocessableEntity
	}
	if resp.ErrorCode == "CONSENT_REJECTED" {
		return http.StatusForbidden
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}
