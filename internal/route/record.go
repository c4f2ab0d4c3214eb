// Package route maps policy decisions onto transaction records and owns the
// transaction state machine.
package route

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "PENDING"
	StateApproved  State = "APPROVED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateDenied    State = "DENIED"
	StateCooldown  State = "COOLDOWN"
	StateEscalated State = "ESCALATED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDenied, StateCancelled:
		return true
	}
	return false
}

// Transition is one entry in a record's state history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// TransactionRecord is the permanent record of one payment attempt. Failed
// and denied records persist; nothing ever deletes one.
type TransactionRecord struct {
	TransactionID string  `json:"transaction_id"`
	IntentID      string  `json:"intent_id"`
	UserID        string  `json:"user_id"`
	MerchantVPA   string  `json:"merchant_vpa"`
	Amount        float64 `json:"amount"`

	State   State        `json:"state"`
	History []Transition `json:"state_history"`

	IntentHash    string `json:"intent_hash"`
	ApprovalHash  string `json:"approval_hash,omitempty"`
	ExecutionHash string `json:"execution_hash,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

func newTransactionID() string {
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// TransitionTo moves the record to a new state and appends to the history.
// It is the only writer of State and the only appender to History.
func (r *TransactionRecord) TransitionTo(next State) error {
	if r.State.IsTerminal() {
		return fmt.Errorf("cannot transition out of terminal state %s", r.State)
	}
	r.History = append(r.History, Transition{
		From: r.State,
		To:   next,
		At:   time.Now().UTC(),
	})
	r.State = next
	return nil
}
