package api

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/clearlane/payguard/internal/consent"
	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/execution"
	"github.com/clearlane/payguard/internal/ledger"
	"github.com/clearlane/payguard/internal/policy"
	"github.com/clearlane/payguard/internal/route"
	"github.com/clearlane/payguard/internal/schema"
)

func newTestService(t *testing.T) *PaymentService {
	t.Helper()

	led, err := ledger.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	contexts := ctxdata.NewSeededProvider()
	pol := policy.NewEngine(policy.Config{Ledger: led})
	eng := execution.NewEngine(execution.Config{Ledger: led, Sink: contexts})
	cons, err := consent.NewManager(consent.Config{
		Secret: []byte("service-test-secret-abcdefghijkl"),
		Ledger: led,
	})
	if err != nil {
		t.Fatalf("new consent manager: %v", err)
	}

	return NewPaymentService(contexts, pol, route.NewRouter(nil), eng, cons, led, nil)
}

func paymentIntent(amount float64, merchant string) schema.PaymentIntent {
	in := schema.NewIntent(schema.IntentPayment)
	in.Amount = amount
	in.MerchantVPA = merchant
	in.Confidence = 0.95
	return in
}

func TestPayApprovedAndExecuted(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID:  "user_normal",
		AgentID: "agent_1",
		Intent:  paymentIntent(100, "canteen@vit"),
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if resp.Decision != policy.DecisionApprove {
		t.Fatalf("decision: got %s, violations %v", resp.Decision, resp.Violations)
	}
	if resp.State != route.StateCompleted {
		t.Fatalf("state: got %s want COMPLETED (%s)", resp.State, resp.Error)
	}
	if resp.ReferenceNumber == "" {
		t.Fatalf("completed payment should carry a reference number")
	}

	// The pipeline leaves a full audit trail for the transaction.
	entries, err := svc.Ledger.EntriesByTransaction(resp.TransactionID)
	if err != nil {
		t.Fatalf("ledger query: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected execution entries for the transaction")
	}
}

func TestPaySettlementUpdatesGroundTruth(t *testing.T) {
	svc := newTestService(t)

	before, err := svc.Contexts.UserContext(context.Background(), "user_normal")
	if err != nil {
		t.Fatalf("user context: %v", err)
	}
	balance := before.WalletBalance

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID: "user_normal",
		Intent: paymentIntent(100, "canteen@vit"),
	})
	if err != nil || resp.State != route.StateCompleted {
		t.Fatalf("pay: %v %+v", err, resp)
	}

	after, err := svc.Contexts.UserContext(context.Background(), "user_normal")
	if err != nil {
		t.Fatalf("user context: %v", err)
	}
	if after.WalletBalance != balance-100 {
		t.Fatalf("balance: got %v want %v", after.WalletBalance, balance-100)
	}
}

func TestPayDeniedOverCeiling(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID: "user_normal",
		Intent: paymentIntent(600, "canteen@vit"),
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if resp.Decision != policy.DecisionDeny || resp.State != route.StateDenied {
		t.Fatalf("got %s/%s", resp.Decision, resp.State)
	}

	// Denied attempts stay queryable.
	rec, ok := svc.Engine.GetTransaction(resp.TransactionID)
	if !ok || rec.State != route.StateDenied {
		t.Fatalf("denied record should persist: %v %v", rec, ok)
	}
}

func TestPayRejectsInvalidIntent(t *testing.T) {
	svc := newTestService(t)

	in := schema.NewIntent(schema.IntentPayment)
	in.Confidence = 0.9 // no amount, no merchant

	resp, err := svc.Pay(context.Background(), PaymentRequest{UserID: "user_normal", Intent: in})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if resp.ErrorCode != "INVALID_INTENT" {
		t.Fatalf("error code: %s", resp.ErrorCode)
	}
	if resp.TransactionID != "" {
		t.Fatalf("rejected intent should not create a transaction")
	}
}

func TestPayEscalatedThenConfirmed(t *testing.T) {
	svc := newTestService(t)

	// New device triggers behavioral escalation above the device ceiling.
	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID:  "user_new_device",
		AgentID: "agent_1",
		Intent:  paymentIntent(300, "canteen@vit"),
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if resp.State != route.StateEscalated || !resp.RequiresAction {
		t.Fatalf("expected escalation, got %+v", resp)
	}

	grant, err := svc.IssueConsent("user_new_device", "agent_1", consent.Scope{
		MerchantVPA: "canteen@vit",
		MaxAmount:   300,
		Currency:    schema.CurrencyINR,
		Action:      "payment",
	})
	if err != nil {
		t.Fatalf("issue consent: %v", err)
	}

	confirmed, err := svc.Confirm(context.Background(), resp.TransactionID, grant.Token, "agent_1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.State != route.StateCompleted {
		t.Fatalf("state after confirm: %s (%s)", confirmed.State, confirmed.Error)
	}
	if confirmed.ReferenceNumber == "" {
		t.Fatalf("confirmed payment should settle with a reference")
	}
}

func TestConcurrentConfirmsSettleOnce(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID:  "user_new_device",
		AgentID: "agent_1",
		Intent:  paymentIntent(300, "canteen@vit"),
	})
	if err != nil || resp.State != route.StateEscalated {
		t.Fatalf("setup: %v %+v", err, resp)
	}

	// Each caller holds its own valid grant; the pending claim, not the
	// grant, must be what keeps the settlement single.
	const callers = 8
	tokens := make([]string, callers)
	for i := range tokens {
		grant, err := svc.IssueConsent("user_new_device", "agent_1", consent.Scope{
			MerchantVPA: "canteen@vit",
			MaxAmount:   300,
			Currency:    schema.CurrencyINR,
			Action:      "payment",
		})
		if err != nil {
			t.Fatalf("issue consent: %v", err)
		}
		tokens[i] = grant.Token
	}

	responses := make([]PaymentResponse, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = svc.Confirm(context.Background(), resp.TransactionID, tokens[i], "agent_1")
		}(i)
	}
	wg.Wait()

	settled := 0
	for i := 0; i < callers; i++ {
		switch {
		case errs[i] == nil && responses[i].State == route.StateCompleted:
			settled++
		case errors.Is(errs[i], ErrNotConfirmable):
		default:
			t.Fatalf("caller %d: unexpected outcome %v %+v", i, errs[i], responses[i])
		}
	}
	if settled != 1 {
		t.Fatalf("exactly one confirm should settle, got %d", settled)
	}
}

func TestConfirmClearsEscalationReason(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID:  "user_new_device",
		AgentID: "agent_1",
		Intent:  paymentIntent(300, "canteen@vit"),
	})
	if err != nil || resp.State != route.StateEscalated {
		t.Fatalf("setup: %v %+v", err, resp)
	}

	rec, _ := svc.Engine.GetTransaction(resp.TransactionID)
	if rec.ErrorMessage == "" {
		t.Fatalf("escalated record should carry the escalation reason")
	}

	grant, err := svc.IssueConsent("user_new_device", "agent_1", consent.Scope{
		MerchantVPA: "canteen@vit",
		MaxAmount:   300,
		Currency:    schema.CurrencyINR,
		Action:      "payment",
	})
	if err != nil {
		t.Fatalf("issue consent: %v", err)
	}
	confirmed, err := svc.Confirm(context.Background(), resp.TransactionID, grant.Token, "agent_1")
	if err != nil || confirmed.State != route.StateCompleted {
		t.Fatalf("confirm: %v %+v", err, confirmed)
	}

	if rec.ErrorMessage != "" {
		t.Fatalf("settled record still carries %q", rec.ErrorMessage)
	}
}

func TestConfirmRejectsWrongMerchantConsent(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID:  "user_new_device",
		AgentID: "agent_1",
		Intent:  paymentIntent(300, "canteen@vit"),
	})
	if err != nil || resp.State != route.StateEscalated {
		t.Fatalf("setup: %v %+v", err, resp)
	}

	grant, err := svc.IssueConsent("user_new_device", "agent_1", consent.Scope{
		MerchantVPA: "sketchy@pay",
		MaxAmount:   300,
		Currency:    schema.CurrencyINR,
		Action:      "payment",
	})
	if err != nil {
		t.Fatalf("issue consent: %v", err)
	}

	confirmed, err := svc.Confirm(context.Background(), resp.TransactionID, grant.Token, "agent_1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.ErrorCode != "CONSENT_REJECTED" {
		t.Fatalf("mis-scoped consent should be rejected: %+v", confirmed)
	}

	rec, _ := svc.Engine.GetTransaction(resp.TransactionID)
	if rec.State != route.StateEscalated {
		t.Fatalf("transaction should stay escalated, got %s", rec.State)
	}
}

func TestConfirmUnknownTransaction(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Confirm(context.Background(), "txn_missing", "token", "agent_1")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestConfirmOnlyWorksOnEscalated(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID: "user_normal",
		Intent: paymentIntent(600, "canteen@vit"),
	})
	if err != nil || resp.State != route.StateDenied {
		t.Fatalf("setup: %v %+v", err, resp)
	}

	_, err = svc.Confirm(context.Background(), resp.TransactionID, "token", "agent_1")
	if !errors.Is(err, ErrNotConfirmable) {
		t.Fatalf("expected ErrNotConfirmable, got %v", err)
	}
}

func TestCancelPendingEscalation(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Pay(context.Background(), PaymentRequest{
		UserID: "user_new_device",
		Intent: paymentIntent(300, "canteen@vit"),
	})
	if err != nil || resp.State != route.StateEscalated {
		t.Fatalf("setup: %v %+v", err, resp)
	}

	rec, err := svc.Cancel(resp.TransactionID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.State != route.StateCancelled {
		t.Fatalf("state: %s", rec.State)
	}

	// A cancelled transaction cannot be confirmed afterwards.
	if _, err := svc.Confirm(context.Background(), resp.TransactionID, "token", "agent_1"); !errors.Is(err, ErrNotConfirmable) {
		t.Fatalf("expected ErrNotConfirmable, got %v", err)
	}
}

func TestPayNonPaymentIntentSkipsExecution(t *testing.T) {
	svc := newTestService(t)

	in := schema.NewIntent(schema.IntentBalanceInquiry)
	in.Confidence = 0.9

	resp, err := svc.Pay(context.Background(), PaymentRequest{UserID: "user_normal", Intent: in})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if resp.Decision != policy.DecisionApprove {
		t.Fatalf("decision: %s", resp.Decision)
	}
	if resp.ReferenceNumber != "" {
		t.Fatalf("inquiry should not settle anything")
	}
}
