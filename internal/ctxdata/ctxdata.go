// Package ctxdata models the ground-truth account and merchant state the
// policy engine reads. The core only ever reads these records; the provider
// that owns them updates balances and velocity counters after settlement.
package ctxdata

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("context not found")

// UserContext is ground truth about the paying user. Never derived from or
// exposed to the upstream interpreter.
type UserContext struct {
	UserID string `json:"user_id"`

	WalletBalance   float64 `json:"wallet_balance"`
	DailySpendToday float64 `json:"daily_spend_today"`

	TransactionsLast5Min int `json:"transactions_last_5min"`
	TransactionsToday    int `json:"transactions_today"`

	DeviceFingerprint string `json:"device_fingerprint"`
	IsKnownDevice     bool   `json:"is_known_device"`
	SessionAgeSeconds int    `json:"session_age_seconds"`

	Location            string     `json:"location,omitempty"`
	LastTransactionTime *time.Time `json:"last_transaction_time,omitempty"`
	AccountAgeDays      int        `json:"account_age_days"`
}

// MerchantContext is reputation and risk data about the payee.
type MerchantContext struct {
	MerchantVPA string `json:"merchant_vpa"`

	ReputationScore float64 `json:"reputation_score"`
	IsWhitelisted   bool    `json:"is_whitelisted"`

	TotalTransactions      int `json:"total_transactions"`
	SuccessfulTransactions int `json:"successful_transactions"`

	RefundRate   float64 `json:"refund_rate"`
	FraudReports int     `json:"fraud_reports"`

	MerchantCategory string     `json:"merchant_category,omitempty"`
	RegistrationDate *time.Time `json:"registration_date,omitempty"`
}

// Provider fetches ground truth by identifier. Implementations return
// ErrNotFound for a clearly-absent record, never a partially-populated one.
type Provider interface {
	UserContext(ctx context.Context, userID string) (*UserContext, error)
	MerchantContext(ctx context.Context, merchantVPA string) (*MerchantContext, error)
}

// Settlement is the notification emitted after a completed execution. The
// provider consumes it to keep balances and velocity counters current.
type Settlement struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	MerchantVPA   string    `json:"merchant_vpa"`
	Amount        float64   `json:"amount"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// SettlementSink receives completed transactions. The execution engine never
// mutates context itself; this is the only channel back into ground truth.
type SettlementSink interface {
	RecordSettlement(ctx context.Context, s Settlement) error
}
