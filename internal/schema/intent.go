// Package schema defines the validated payment intent that bridges the
// untrusted interpreter and the deterministic control plane. Validation here
// is the first trust gate: nothing downstream re-derives trust from raw text.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IntentType string

const (
	IntentPayment            IntentType = "PAYMENT"
	IntentBalanceInquiry     IntentType = "BALANCE_INQUIRY"
	IntentTransactionHistory IntentType = "TRANSACTION_HISTORY"
)

const CurrencyINR = "INR"

// PaymentIntent is immutable once validated. The confidence score comes from
// the untrusted interpreter and is treated as a signal, never as authority.
type PaymentIntent struct {
	IntentID    string         `json:"intent_id"`
	IntentType  IntentType     `json:"intent_type"`
	Amount      float64        `json:"amount,omitempty"`
	Currency    string         `json:"currency"`
	MerchantVPA string         `json:"merchant_vpa,omitempty"`
	Confidence  float64        `json:"confidence_score"`
	Timestamp   time.Time      `json:"timestamp"`
	RawInput    string         `json:"raw_input,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FieldError describes a single schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every schema violation found in one pass.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Field+": "+fe.Message)
	}
	return "intent validation failed: " + strings.Join(msgs, "; ")
}

// NewIntent fills defaults for a freshly interpreted intent.
func NewIntent(intentType IntentType) PaymentIntent {
	return PaymentIntent{
		IntentID:   uuid.NewString(),
		IntentType: intentType,
		Currency:   CurrencyINR,
		Timestamp:  time.Now().UTC(),
	}
}

// ApplyDefaults fills the generated fields of an externally submitted
// intent. It never touches anything the caller set.
func (in *PaymentIntent) ApplyDefaults() {
	if in.IntentID == "" {
		in.IntentID = uuid.NewString()
	}
	if in.Currency == "" {
		in.Currency = CurrencyINR
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
}

// Validate enforces the intent schema. It collects all violations rather than
// stopping at the first so the caller can report the full picture.
func (in *PaymentIntent) Validate() error {
	var errs []FieldError

	switch in.IntentType {
	case IntentPayment, IntentBalanceInquiry, IntentTransactionHistory:
	default:
		errs = append(errs, FieldError{Field: "intent_type", Message: fmt.Sprintf("unknown intent type %q", in.IntentType)})
	}

	if in.IntentID == "" {
		errs = append(errs, FieldError{Field: "intent_id", Message: "must not be empty"})
	}

	// A zero amount means "absent"; when present it must be strictly positive.
	if in.Amount < 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be strictly positive"})
	}

	if in.Confidence < 0 || in.Confidence > 1 {
		errs = append(errs, FieldError{Field: "confidence_score", Message: "must be within [0, 1]"})
	}

	if in.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "must not be empty"})
	} else if in.Currency != CurrencyINR {
		errs = append(errs, FieldError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", in.Currency)})
	}

	if in.MerchantVPA != "" {
		if err := ValidateVPA(in.MerchantVPA); err != nil {
			errs = append(errs, FieldError{Field: "merchant_vpa", Message: err.Error()})
		}
	}

	if in.IntentType == IntentPayment {
		if in.Amount <= 0 {
			errs = append(errs, FieldError{Field: "amount", Message: "required for payment intents"})
		}
		if in.MerchantVPA == "" {
			errs = append(errs, FieldError{Field: "merchant_vpa", Message: "required for payment intents"})
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidateVPA checks the local-part@provider shape: exactly one separator
// splitting two non-empty parts.
func ValidateVPA(vpa string) error {
	parts := strings.Split(vpa, "@")
	if len(parts) != 2 {
		return fmt.Errorf("must contain exactly one '@' separator")
	}
	if parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("identifier and provider must be non-empty")
	}
	return nil
}

// IsPayment reports whether policy rules for money movement apply.
func (in *PaymentIntent) IsPayment() bool {
	return in.IntentType == IntentPayment
}
