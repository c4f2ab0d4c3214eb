package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_UsageAndUnknown(t *testing.T) {
	var out, errOut bytes.Buffer

	if code := run([]string{"payguard"}, &out, &errOut); code != 2 {
		t.Fatalf("expected 2, got %d", code)
	}

	out.Reset()
	errOut.Reset()
	if code := run([]string{"payguard", "nope"}, &out, &errOut); code != 2 {
		t.Fatalf("expected 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "Usage:") {
		t.Fatalf("expected usage output")
	}
}

func TestHandlePay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transaction_id":"txn_1","decision":"APPROVE","state":"COMPLETED","risk_score":0,"reference_number":"UPIABC123DEF456"}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := handlePay([]string{"--addr", srv.URL, "--token", "tok", "--user", "user_normal", "--merchant", "canteen@vit", "--amount", "100"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "state=COMPLETED") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}
	if !strings.Contains(out.String(), "reference=UPIABC123DEF456") {
		t.Fatalf("expected reference output, got: %s", out.String())
	}
}

func TestHandlePay_MissingFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := handlePay([]string{"--user", "u"}, &out, &errOut); code != 2 {
		t.Fatalf("expected 2, got %d", code)
	}
}

func TestHandlePay_JSONOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"decision":"DENY"}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := handlePay([]string{"--addr", srv.URL, "--json", "--user", "u", "--merchant", "m@p", "--amount", "1"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
	if strings.TrimSpace(out.String()) != `{"decision":"DENY"}` {
		t.Fatalf("unexpected json stdout: %s", out.String())
	}
}

func TestHandleTxn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/txn_1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"transaction_id":"txn_1","state":"COMPLETED"}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := handleTxn([]string{"--addr", srv.URL, "txn_1"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "txn_1") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}

	out.Reset()
	errOut.Reset()
	if code := handleTxn([]string{"--addr", srv.URL, "txn_missing"}, &out, &errOut); code != 1 {
		t.Fatalf("expected 1 for missing txn, got %d", code)
	}
}

func TestHandlePack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/txn_1/pack" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04fake"))
	}))
	defer srv.Close()

	outPath := filepath.Join(t.TempDir(), "pack.zip")

	var out, errOut bytes.Buffer
	code := handlePack([]string{"--addr", srv.URL, "--out", outPath, "txn_1"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d stderr=%s", code, errOut.String())
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("output is not a zip: %q", data)
	}
}

func TestHandleLedgerValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ledger/validate" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"is_valid":true,"total_entries":7}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := handleLedger([]string{"validate", "--addr", srv.URL}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "valid=true entries=7") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}
}

func TestHandleLedgerValidate_Broken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"is_valid":false,"total_entries":7,"broken_at":3,"error":"hash mismatch"}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := handleLedger([]string{"validate", "--addr", srv.URL}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
	if !strings.Contains(out.String(), "broken_at=3") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}
}

func TestHandleConsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/consent" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"abc.def.ghi","grant_id":"grant_1","expires_at":"2026-03-01T10:05:00Z"}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := handleConsent([]string{"--addr", srv.URL, "--user", "user_normal", "--merchant", "canteen@vit", "--max-amount", "200"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "grant_1") || !strings.Contains(out.String(), "abc.def.ghi") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}
}

func TestHandleCheck_Approve(t *testing.T) {
	var out, errOut bytes.Buffer
	code := handleCheck([]string{"--merchant", "canteen@vit", "--amount", "100"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected 0, got %d stderr=%s stdout=%s", code, errOut.String(), out.String())
	}
	if !strings.Contains(out.String(), "decision=APPROVE") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}
}

func TestHandleCheck_Deny(t *testing.T) {
	var out, errOut bytes.Buffer
	code := handleCheck([]string{"--merchant", "canteen@vit", "--amount", "600"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected 1, got %d stdout=%s", code, out.String())
	}
	if !strings.Contains(out.String(), "decision=DENY") {
		t.Fatalf("unexpected stdout: %s", out.String())
	}
}

func TestHandleCheck_UnknownUser(t *testing.T) {
	var out, errOut bytes.Buffer
	code := handleCheck([]string{"--user", "user_nope", "--merchant", "canteen@vit", "--amount", "100"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}
