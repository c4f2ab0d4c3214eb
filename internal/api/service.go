package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clearlane/payguard/internal/consent"
	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/execution"
	"github.com/clearlane/payguard/internal/ledger"
	"github.com/clearlane/payguard/internal/pack"
	"github.com/clearlane/payguard/internal/policy"
	"github.com/clearlane/payguard/internal/route"
	"github.com/clearlane/payguard/internal/schema"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotConfirmable      = errors.New("transaction is not awaiting confirmation")
)

// PaymentRequest is one agent-submitted payment attempt.
type PaymentRequest struct {
	UserID       string               `json:"user_id"`
	AgentID      string               `json:"agent_id"`
	Intent       schema.PaymentIntent `json:"intent"`
	ConsentToken string               `json:"consent_token,omitempty"`
}

// PaymentResponse reports the full outcome of a payment attempt: what policy
// decided, where the transaction landed, and the settlement result if it
// executed.
type PaymentResponse struct {
	TransactionID   string             `json:"transaction_id,omitempty"`
	Decision        policy.Decision    `json:"decision,omitempty"`
	State           route.State        `json:"state,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	RiskScore       float64            `json:"risk_score"`
	Violations      []policy.Violation `json:"violations,omitempty"`
	ReferenceNumber string             `json:"reference_number,omitempty"`
	RequiresAction  bool               `json:"requires_action,omitempty"`
	Error           string             `json:"error,omitempty"`
	ErrorCode       string             `json:"error_code,omitempty"`
}

// pendingConfirmation keeps what Confirm needs to resume an escalated
// transaction: the original intent for integrity hashing and the risk score
// for the approval hash.
type pendingConfirmation struct {
	intent schema.PaymentIntent
	result policy.Result
}

// PaymentService orchestrates one payment attempt end to end: validation,
// ground truth, policy, routing, consent, execution. Every stage leaves an
// audit trail.
type PaymentService struct {
	Contexts ctxdata.Provider
	Policy   *policy.Engine
	Router   *route.Router
	Engine   *execution.Engine
	Consent  *consent.Manager
	Ledger   *ledger.Ledger
	Logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingConfirmation
}

func NewPaymentService(contexts ctxdata.Provider, pol *policy.Engine, router *route.Router, eng *execution.Engine, cons *consent.Manager, led *ledger.Ledger, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		Contexts: contexts,
		Policy:   pol,
		Router:   router,
		Engine:   eng,
		Consent:  cons,
		Ledger:   led,
		Logger:   logger,
		pending:  make(map[string]pendingConfirmation),
	}
}

// Pay runs the full pipeline for one intent. It never returns a Go error
// for a payment that was merely refused; refusals are ordinary outcomes and
// come back in the response.
func (s *PaymentService) Pay(ctx context.Context, req PaymentRequest) (PaymentResponse, error) {
	req.Intent.ApplyDefaults()

	s.appendAudit(ledger.EventIntentReceived, map[string]any{
		"intent_id":   req.Intent.IntentID,
		"intent_type": string(req.Intent.IntentType),
		"agent_id":    req.AgentID,
	}, req.UserID, "")

	if err := req.Intent.Validate(); err != nil {
		s.appendAudit(ledger.EventIntentRejected, map[string]any{
			"intent_id": req.Intent.IntentID,
			"error":     err.Error(),
		}, req.UserID, "")
		return PaymentResponse{Error: err.Error(), ErrorCode: "INVALID_INTENT"}, nil
	}
	s.appendAudit(ledger.EventIntentValidated, map[string]any{
		"intent_id": req.Intent.IntentID,
	}, req.UserID, "")

	user, merchant := s.fetchContexts(ctx, req)

	result := s.Policy.Evaluate(req.Intent, user, merchant)

	// Inquiries and history lookups carry no money and get no transaction.
	if !req.Intent.IsPayment() {
		return PaymentResponse{
			Decision:  result.Decision,
			Reason:    result.Reason,
			RiskScore: result.RiskScore,
		}, nil
	}

	record := s.Router.Route(req.Intent, result, req.UserID)
	s.Engine.Track(record)

	resp := PaymentResponse{
		TransactionID:  record.TransactionID,
		Decision:       result.Decision,
		State:          record.State,
		Reason:         result.Reason,
		RiskScore:      result.RiskScore,
		Violations:     result.Violations,
		RequiresAction: result.RequiresAction(),
	}

	switch record.State {
	case route.StateApproved:
		if req.ConsentToken != "" {
			if err := s.consumeConsent(req.ConsentToken, req.AgentID, record); err != nil {
				resp.State = record.State
				resp.Error = err.Error()
				resp.ErrorCode = "CONSENT_REJECTED"
				return resp, nil
			}
		}
		exec := s.Engine.Execute(ctx, record, req.Intent)
		resp.State = exec.State
		resp.ReferenceNumber = exec.ReferenceNumber
		resp.Error = exec.ErrorMessage
		resp.ErrorCode = exec.ErrorCode
	case route.StateEscalated:
		// Parked until the user confirms with a consent grant.
		s.mu.Lock()
		s.pending[record.TransactionID] = pendingConfirmation{intent: req.Intent, result: result}
		s.mu.Unlock()
	}

	return resp, nil
}

// Confirm resumes an escalated transaction. The consent grant is the user's
// answer to the escalation; without a valid one the transaction stays put.
func (s *PaymentService) Confirm(ctx context.Context, transactionID, consentToken, agentID string) (PaymentResponse, error) {
	record, ok := s.Engine.GetTransaction(transactionID)
	if !ok {
		return PaymentResponse{}, ErrTransactionNotFound
	}

	// Claim the pending entry atomically. Only the claimant may touch the
	// record; a concurrent Confirm for the same transaction loses the
	// claim here instead of racing on the record during settlement.
	s.mu.Lock()
	pend, ok := s.pending[record.TransactionID]
	if ok {
		delete(s.pending, record.TransactionID)
	}
	s.mu.Unlock()
	if !ok {
		return PaymentResponse{}, fmt.Errorf("%w: %s", ErrNotConfirmable, transactionID)
	}

	if err := s.consumeConsent(consentToken, agentID, record); err != nil {
		// Put the claim back so the user can retry with a proper grant.
		s.mu.Lock()
		s.pending[record.TransactionID] = pend
		s.mu.Unlock()
		return PaymentResponse{
			TransactionID: record.TransactionID,
			State:         record.State,
			Error:         err.Error(),
			ErrorCode:     "CONSENT_REJECTED",
		}, nil
	}

	if err := record.TransitionTo(route.StateApproved); err != nil {
		return PaymentResponse{}, err
	}
	approved := pend.result
	approved.Decision = policy.DecisionApprove
	record.ApprovalHash = route.ApprovalHash(approved)
	// The escalation reason has been answered; a settled record should
	// not carry it.
	record.ErrorMessage = ""

	exec := s.Engine.Execute(ctx, record, pend.intent)
	return PaymentResponse{
		TransactionID:   record.TransactionID,
		Decision:        policy.DecisionApprove,
		State:           exec.State,
		RiskScore:       pend.result.RiskScore,
		ReferenceNumber: exec.ReferenceNumber,
		Error:           exec.ErrorMessage,
		ErrorCode:       exec.ErrorCode,
	}, nil
}

// Cancel abandons a transaction that has not reached a terminal state.
func (s *PaymentService) Cancel(transactionID string) (*route.TransactionRecord, error) {
	record, ok := s.Engine.GetTransaction(transactionID)
	if !ok {
		return nil, ErrTransactionNotFound
	}

	// Drop any pending confirmation before touching the record so a
	// racing Confirm cannot claim it mid-cancel.
	s.mu.Lock()
	delete(s.pending, record.TransactionID)
	s.mu.Unlock()

	if err := record.TransitionTo(route.StateCancelled); err != nil {
		return nil, err
	}

	s.Logger.Info("transaction cancelled", "transaction_id", transactionID)
	return record, nil
}

// RecordFeedback appends a user's verdict on a decision to the audit trail.
// Feedback never changes an outcome; it exists so rule tuning has ground
// truth to work from.
func (s *PaymentService) RecordFeedback(userID, transactionID, feedback string) (ledger.Entry, error) {
	if transactionID != "" {
		if _, ok := s.Engine.GetTransaction(transactionID); !ok {
			return ledger.Entry{}, ErrTransactionNotFound
		}
	}
	return s.Ledger.Append(ledger.EventUserFeedback, map[string]any{
		"feedback": feedback,
	}, ledger.AppendOptions{UserID: userID, TransactionID: transactionID})
}

// BuildAuditPack assembles the downloadable audit archive for one
// transaction: record, ledger trail and chain validation.
func (s *PaymentService) BuildAuditPack(transactionID, baseURL string) ([]byte, error) {
	record, ok := s.Engine.GetTransaction(transactionID)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	entries, err := s.Ledger.EntriesByTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	chain, err := s.Ledger.ValidateChain()
	if err != nil {
		return nil, err
	}
	return pack.BuildZip(pack.Input{
		Record:  record,
		Entries: entries,
		Chain:   chain,
	}, baseURL)
}

// IssueConsent signs a grant for a later payment or an escalation answer.
func (s *PaymentService) IssueConsent(userID, agentID string, scope consent.Scope) (consent.Grant, error) {
	return s.Consent.Issue(userID, agentID, scope)
}

func (s *PaymentService) consumeConsent(token, agentID string, record *route.TransactionRecord) error {
	_, err := s.Consent.Consume(token, agentID, record.MerchantVPA, record.Amount)
	if err != nil {
		s.Logger.Warn("consent rejected",
			"transaction_id", record.TransactionID,
			"error", err)
	}
	return err
}

// fetchContexts loads ground truth. A missing record becomes a nil context;
// the policy layer decides what that means per rule.
func (s *PaymentService) fetchContexts(ctx context.Context, req PaymentRequest) (*ctxdata.UserContext, *ctxdata.MerchantContext) {
	user, err := s.Contexts.UserContext(ctx, req.UserID)
	if err != nil && !errors.Is(err, ctxdata.ErrNotFound) {
		s.Logger.Error("user context fetch failed", "user_id", req.UserID, "error", err)
	}

	var merchant *ctxdata.MerchantContext
	if req.Intent.MerchantVPA != "" {
		merchant, err = s.Contexts.MerchantContext(ctx, req.Intent.MerchantVPA)
		if err != nil && !errors.Is(err, ctxdata.ErrNotFound) {
			s.Logger.Error("merchant context fetch failed", "merchant_vpa", req.Intent.MerchantVPA, "error", err)
		}
	}

	s.appendAudit(ledger.EventContextFetched, map[string]any{
		"intent_id":      req.Intent.IntentID,
		"user_found":     user != nil,
		"merchant_found": merchant != nil,
	}, req.UserID, "")

	return user, merchant
}

func (s *PaymentService) appendAudit(eventType ledger.EventType, payload map[string]any, userID, transactionID string) {
	if s.Ledger == nil {
		return
	}
	if _, err := s.Ledger.Append(eventType, payload, ledger.AppendOptions{
		UserID:        userID,
		TransactionID: transactionID,
	}); err != nil {
		s.Logger.Error("audit append failed", "event", eventType, "error", err)
	}
}
