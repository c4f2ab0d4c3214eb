package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clearlane/payguard/internal/auth"
	"github.com/clearlane/payguard/internal/route"
)

func newTestRouter(t *testing.T, devToken string) http.Handler {
	t.Helper()
	svc := newTestService(t)
	return NewRouter(&Handler{Service: svc}, auth.NewTokenAuthenticator(devToken))
}

func postJSON(t *testing.T, router http.Handler, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func payBody(amount float64, merchant string) map[string]any {
	return map[string]any{
		"user_id":  "user_normal",
		"agent_id": "agent_1",
		"intent": map[string]any{
			"intent_type":      "PAYMENT",
			"amount":           amount,
			"currency":         "INR",
			"merchant_vpa":     merchant,
			"confidence_score": 0.95,
		},
	}
}

func TestPayEndpointCompletesPayment(t *testing.T) {
	router := newTestRouter(t, "")

	w := postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != route.StateCompleted || resp.ReferenceNumber == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPayEndpointRequiresUserID(t *testing.T) {
	router := newTestRouter(t, "")

	body := payBody(100, "canteen@vit")
	delete(body, "user_id")

	w := postJSON(t, router, "/v1/payments", body, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestPayEndpointInvalidIntentIs422(t *testing.T) {
	router := newTestRouter(t, "")

	body := map[string]any{
		"user_id": "user_normal",
		"intent": map[string]any{
			"intent_type":      "PAYMENT",
			"confidence_score": 0.9,
		},
	}
	w := postJSON(t, router, "/v1/payments", body, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestBearerGate(t *testing.T) {
	router := newTestRouter(t, "sekrit")

	w := postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", w.Code)
	}

	w = postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token should be 401, got %d", w.Code)
	}

	w = postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "sekrit")
	if w.Code != http.StatusOK {
		t.Fatalf("valid token should pass, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthzIsOpen(t *testing.T) {
	router := newTestRouter(t, "sekrit")

	w := getJSON(t, router, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", w.Code)
	}
}

func TestTransactionLookupEndpoints(t *testing.T) {
	router := newTestRouter(t, "")

	w := postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "")
	var resp PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = getJSON(t, router, "/v1/transactions/"+resp.TransactionID)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup status %d", w.Code)
	}

	w = getJSON(t, router, "/v1/transactions/txn_nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown transaction should be 404, got %d", w.Code)
	}

	w = getJSON(t, router, "/v1/users/user_normal/transactions")
	if w.Code != http.StatusOK {
		t.Fatalf("history status %d", w.Code)
	}
	var history struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.Count != 1 {
		t.Fatalf("history count: %d", history.Count)
	}
}

func TestConsentEndpointAndConfirmFlow(t *testing.T) {
	router := newTestRouter(t, "")

	body := payBody(300, "canteen@vit")
	body["user_id"] = "user_new_device"

	w := postJSON(t, router, "/v1/payments", body, "")
	var resp PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != route.StateEscalated {
		t.Fatalf("expected escalation: %+v", resp)
	}

	w = postJSON(t, router, "/v1/consent", map[string]any{
		"user_id":  "user_new_device",
		"agent_id": "agent_1",
		"scope": map[string]any{
			"merchant_vpa": "canteen@vit",
			"max_amount":   300,
			"currency":     "INR",
			"action":       "payment",
		},
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("consent status %d: %s", w.Code, w.Body.String())
	}
	var grant struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &grant); err != nil {
		t.Fatalf("decode: %v", err)
	}

	path := fmt.Sprintf("/v1/payments/%s/confirm", resp.TransactionID)
	w = postJSON(t, router, path, map[string]any{
		"consent_token": grant.Token,
		"agent_id":      "agent_1",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status %d: %s", w.Code, w.Body.String())
	}

	var confirmed PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &confirmed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if confirmed.State != route.StateCompleted {
		t.Fatalf("state after confirm: %+v", confirmed)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	router := newTestRouter(t, "")

	postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "")

	w := getJSON(t, router, "/v1/ledger/recent")
	if w.Code != http.StatusOK {
		t.Fatalf("recent status %d", w.Code)
	}
	var recent struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if recent.Count == 0 {
		t.Fatalf("pipeline should have left ledger entries")
	}

	w = getJSON(t, router, "/v1/ledger/validate")
	if w.Code != http.StatusOK {
		t.Fatalf("validate status %d: %s", w.Code, w.Body.String())
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	router := newTestRouter(t, "")

	w := postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "")
	var resp PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = postJSON(t, router, "/v1/feedback", map[string]any{
		"user_id":        "user_normal",
		"transaction_id": resp.TransactionID,
		"feedback":       "correct decision",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("feedback status %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, router, "/v1/feedback", map[string]any{
		"user_id":        "user_normal",
		"transaction_id": "txn_nope",
		"feedback":       "?",
	}, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("feedback on unknown txn should be 404, got %d", w.Code)
	}

	w = getJSON(t, router, "/v1/ledger/users/user_normal")
	if w.Code != http.StatusOK {
		t.Fatalf("ledger by user status %d", w.Code)
	}
	var byUser struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &byUser); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if byUser.Count == 0 {
		t.Fatalf("user trail should not be empty")
	}
}

func TestAuditPackEndpoint(t *testing.T) {
	router := newTestRouter(t, "")

	w := postJSON(t, router, "/v1/payments", payBody(100, "canteen@vit"), "")
	var resp PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = getJSON(t, router, "/v1/transactions/"+resp.TransactionID+"/pack")
	if w.Code != http.StatusOK {
		t.Fatalf("pack status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatalf("pack should not be empty")
	}

	w = getJSON(t, router, "/v1/transactions/txn_nope/pack")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown transaction pack should be 404, got %d", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	router := newTestRouter(t, "")

	body := payBody(300, "canteen@vit")
	body["user_id"] = "user_new_device"
	w := postJSON(t, router, "/v1/payments", body, "")

	var resp PaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = postJSON(t, router, "/v1/payments/"+resp.TransactionID+"/cancel", map[string]any{}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status %d: %s", w.Code, w.Body.String())
	}

	// Cancelling a settled transaction is rejected.
	w = postJSON(t, router, "/v1/payments/"+resp.TransactionID+"/cancel", map[string]any{}, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("double cancel should conflict, got %d", w.Code)
	}
}
