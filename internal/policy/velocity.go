package policy

import (
	"fmt"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/schema"
)

// Layer 2 velocity controls. Violations here put the user in a cooldown
// rather than denying outright: the request may be legitimate, just too fast.
const (
	MaxTransactionsPer5Min = 10
	switchingVelocityFloor = 5
)

func velocityRules() []Rule {
	return []Rule{
		transactionVelocityRule{baseRule{"transaction_velocity", CategoryVelocity, SeverityHigh}},
		merchantSwitchingRule{baseRule{"merchant_switching", CategoryVelocity, SeverityMedium}},
	}
}

type transactionVelocityRule struct{ baseRule }

func (r transactionVelocityRule) Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || user == nil {
		return nil
	}
	if user.TransactionsLast5Min >= MaxTransactionsPer5Min {
		return r.violation(
			fmt.Sprintf("%d transactions in the last 5 minutes (limit %d)", user.TransactionsLast5Min, MaxTransactionsPer5Min),
			map[string]any{
				"current_count":      user.TransactionsLast5Min,
				"limit":              MaxTransactionsPer5Min,
				"cooldown_suggested": "5 minutes",
			})
	}
	return nil
}

type merchantSwitchingRule struct{ baseRule }

func (r merchantSwitchingRule) Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, merchant *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || user == nil {
		return nil
	}
	// High velocity paired with a merchant nobody has transacted with is the
	// signature of a drain attempt hopping across fresh accounts.
	if user.TransactionsLast5Min >= switchingVelocityFloor {
		if merchant != nil && merchant.TotalTransactions == 0 {
			return r.violation("high transaction velocity with a new merchant", map[string]any{
				"transactions_5min": user.TransactionsLast5Min,
				"merchant":          intent.MerchantVPA,
				"merchant_history":  0,
			})
		}
	}
	return nil
}
