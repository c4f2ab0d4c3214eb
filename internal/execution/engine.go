// Package execution settles approved transactions exactly once and keeps the
// permanent transaction log.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/ledger"
	"github.com/clearlane/payguard/internal/route"
	"github.com/clearlane/payguard/internal/schema"
)

// Error codes carried on a failed execution result.
const (
	CodeInvalidState = "INVALID_STATE"
	CodeDuplicate    = "DUPLICATE_TRANSACTION"
	CodeHashMismatch = "HASH_MISMATCH"
	CodeSettlement   = "SETTLEMENT_FAILED"
)

// Result reports the outcome of one execution attempt. State is where the
// record ended up; callers never need to reach back into the record for it.
type Result struct {
	Success         bool        `json:"success"`
	TransactionID   string      `json:"transaction_id"`
	State           route.State `json:"state"`
	Message         string      `json:"message,omitempty"`
	ReferenceNumber string      `json:"reference_number,omitempty"`
	ExecutionHash   string      `json:"execution_hash,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`

	// OriginalTransactionID is set on a duplicate, pointing at the
	// execution the retry collided with.
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
}

type auditLog interface {
	Append(eventType ledger.EventType, payload map[string]any, opts ledger.AppendOptions) (ledger.Entry, error)
}

// Config wires an Engine. Zero values get safe defaults; a nil Ledger
// disables audit writes (tests), a nil Sink disables settlement callbacks.
type Config struct {
	Ledger auditLog
	Sink   ctxdata.SettlementSink
	Logger *slog.Logger

	// FailureRate is the simulated settlement failure probability in
	// [0,1]. Zero means settlement always succeeds.
	FailureRate float64
}

// Engine executes approved transaction records. It owns the idempotency
// store and the in-memory transaction log.
type Engine struct {
	audit       auditLog
	sink        ctxdata.SettlementSink
	logger      *slog.Logger
	failureRate float64

	idem *IdempotencyStore

	mu      sync.Mutex
	records map[string]*route.TransactionRecord
	byUser  map[string][]*route.TransactionRecord

	now  func() time.Time
	rand func() float64
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		audit:       cfg.Ledger,
		sink:        cfg.Sink,
		logger:      logger,
		failureRate: cfg.FailureRate,
		idem:        NewIdempotencyStore(),
		records:     make(map[string]*route.TransactionRecord),
		byUser:      make(map[string][]*route.TransactionRecord),
		now:         time.Now,
		rand:        rand.Float64,
	}
}

// Track stores a routed record in the transaction log without executing it.
// Denied, cooled and escalated records go through here so history queries
// cover every attempt, not just settlements.
func (e *Engine) Track(record *route.TransactionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[record.TransactionID]; ok {
		return
	}
	e.records[record.TransactionID] = record
	e.byUser[record.UserID] = append(e.byUser[record.UserID], record)
}

// Execute settles an approved record. Preconditions run in a fixed order:
// state check, then duplicate check, then integrity check. Only a record
// that clears all three reaches settlement.
func (e *Engine) Execute(ctx context.Context, record *route.TransactionRecord, intent schema.PaymentIntent) Result {
	e.Track(record)

	// An invalid-state refusal must not touch the record: the caller may
	// hold a completed record (already settled) or an escalated one that a
	// later confirmation still needs.
	if record.State != route.StateApproved {
		return Result{
			TransactionID: record.TransactionID,
			State:         record.State,
			ErrorCode:     CodeInvalidState,
			ErrorMessage:  fmt.Sprintf("cannot execute from state %s", record.State),
		}
	}

	key := Key(record.UserID, record.MerchantVPA, record.Amount, e.now())
	original, reserved := e.idem.Reserve(key, record.TransactionID)
	if !reserved {
		e.logger.Warn("duplicate execution blocked",
			"transaction_id", record.TransactionID,
			"original", original)
		_ = record.TransitionTo(route.StateCancelled)
		record.ErrorMessage = "duplicate of " + original
		return Result{
			TransactionID:         record.TransactionID,
			State:                 record.State,
			ErrorCode:             CodeDuplicate,
			ErrorMessage:          "identical transaction already executed",
			OriginalTransactionID: original,
		}
	}

	if record.ApprovalHash == "" || route.IntentHash(intent) != record.IntentHash {
		e.idem.Release(key)
		return e.fail(record, CodeHashMismatch, "record does not match the approved intent", true)
	}

	_ = record.TransitionTo(route.StateExecuting)
	e.appendAudit(ledger.EventExecutionStarted, map[string]any{
		"transaction_id": record.TransactionID,
		"amount":         record.Amount,
		"merchant_vpa":   record.MerchantVPA,
	}, record)

	if !e.settle() {
		e.idem.Release(key)
		return e.fail(record, CodeSettlement, "settlement declined by payment rail", true)
	}

	executedAt := e.now().UTC()
	record.ExecutedAt = &executedAt
	record.ExecutionHash = route.ExecutionHash(record)
	_ = record.TransitionTo(route.StateCompleted)

	reference := newReferenceNumber()
	e.appendAudit(ledger.EventExecutionCompleted, map[string]any{
		"transaction_id":   record.TransactionID,
		"amount":           record.Amount,
		"merchant_vpa":     record.MerchantVPA,
		"reference_number": reference,
		"execution_hash":   record.ExecutionHash,
	}, record)

	e.notifySink(ctx, record)

	e.logger.Info("transaction completed",
		"transaction_id", record.TransactionID,
		"reference", reference,
		"amount", record.Amount)

	return Result{
		Success:         true,
		TransactionID:   record.TransactionID,
		State:           record.State,
		Message:         "transaction completed successfully",
		ReferenceNumber: reference,
		ExecutionHash:   record.ExecutionHash,
	}
}

// GetTransaction looks up one record by ID.
func (e *Engine) GetTransaction(transactionID string) (*route.TransactionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[transactionID]
	return rec, ok
}

// GetTransactionHistory returns a user's records, most recent first. A
// non-positive limit returns everything.
func (e *Engine) GetTransactionHistory(userID string, limit int) []*route.TransactionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := e.byUser[userID]
	out := make([]*route.TransactionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (e *Engine) fail(record *route.TransactionRecord, code, message string, audit bool) Result {
	_ = record.TransitionTo(route.StateFailed)
	record.ErrorMessage = message

	if audit {
		e.appendAudit(ledger.EventExecutionFailed, map[string]any{
			"transaction_id": record.TransactionID,
			"error_code":     code,
			"error":          message,
		}, record)
	}

	e.logger.Warn("execution failed",
		"transaction_id", record.TransactionID,
		"code", code,
		"error", message)

	return Result{
		TransactionID: record.TransactionID,
		State:         record.State,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
}

func (e *Engine) settle() bool {
	if e.failureRate <= 0 {
		return true
	}
	return e.rand() >= e.failureRate
}

func (e *Engine) appendAudit(eventType ledger.EventType, payload map[string]any, record *route.TransactionRecord) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(eventType, payload, ledger.AppendOptions{
		UserID:        record.UserID,
		TransactionID: record.TransactionID,
	}); err != nil {
		e.logger.Error("audit append failed", "event", eventType, "error", err)
	}
}

func (e *Engine) notifySink(ctx context.Context, record *route.TransactionRecord) {
	if e.sink == nil {
		return
	}
	err := e.sink.RecordSettlement(ctx, ctxdata.Settlement{
		TransactionID: record.TransactionID,
		UserID:        record.UserID,
		MerchantVPA:   record.MerchantVPA,
		Amount:        record.Amount,
		Status:        string(record.State),
		Timestamp:     e.now().UTC(),
	})
	if err != nil {
		e.logger.Error("settlement callback failed",
			"transaction_id", record.TransactionID, "error", err)
	}
}

func newReferenceNumber() string {
	return "UPI" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
