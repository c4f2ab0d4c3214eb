package route

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/clearlane/payguard/internal/crypto"
	"github.com/clearlane/payguard/internal/policy"
	"github.com/clearlane/payguard/internal/schema"
)

const recordHashLen = 16

// Router converts a policy result into a state-tracked transaction record.
// It is stateless per call and safe for concurrent use.
type Router struct {
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Route always constructs a fresh PENDING record, then dispatches purely on
// the policy decision. An unrecognized decision is a fault and lands in
// DENIED rather than silently approving.
func (rt *Router) Route(intent schema.PaymentIntent, result policy.Result, userID string) *TransactionRecord {
	merchant := intent.MerchantVPA
	if merchant == "" {
		merchant = "unknown"
	}

	record := &TransactionRecord{
		TransactionID: newTransactionID(),
		IntentID:      intent.IntentID,
		UserID:        userID,
		MerchantVPA:   merchant,
		Amount:        intent.Amount,
		State:         StatePending,
		IntentHash:    IntentHash(intent),
		CreatedAt:     time.Now().UTC(),
	}

	switch result.Decision {
	case policy.DecisionApprove:
		_ = record.TransitionTo(StateApproved)
		// The approval hash binds execution to this specific policy outcome,
		// so a stale or substituted approval cannot be replayed.
		record.ApprovalHash = ApprovalHash(result)
	case policy.DecisionDeny:
		_ = record.TransitionTo(StateDenied)
		record.ErrorMessage = result.Reason
	case policy.DecisionCooldown:
		_ = record.TransitionTo(StateCooldown)
		record.ErrorMessage = result.Reason
	case policy.DecisionEscalate:
		_ = record.TransitionTo(StateEscalated)
		record.ErrorMessage = result.Reason
	default:
		rt.logger.Error("unknown policy decision", "decision", result.Decision)
		_ = record.TransitionTo(StateDenied)
		record.ErrorMessage = fmt.Sprintf("unknown decision type: %s", result.Decision)
	}

	rt.logger.Info("routed decision",
		"decision", result.Decision,
		"state", record.State,
		"transaction_id", record.TransactionID)

	return record
}

// IntentHash is the deterministic digest of the identifying intent fields.
func IntentHash(intent schema.PaymentIntent) string {
	payload := fmt.Sprintf("%s:%v:%s", intent.IntentID, intent.Amount, intent.MerchantVPA)
	return crypto.ShortDigestHex([]byte(payload), recordHashLen)
}

// ApprovalHash digests the decision and risk score of a policy result.
func ApprovalHash(result policy.Result) string {
	payload := fmt.Sprintf("%s:%v", result.Decision, result.RiskScore)
	return crypto.ShortDigestHex([]byte(payload), recordHashLen)
}

// ExecutionHash digests the completed transaction for downstream integrity
// checks.
func ExecutionHash(r *TransactionRecord) string {
	payload := fmt.Sprintf("%s:%s:%v:%s", r.TransactionID, r.IntentHash, r.Amount, r.MerchantVPA)
	return crypto.ShortDigestHex([]byte(payload), recordHashLen)
}
