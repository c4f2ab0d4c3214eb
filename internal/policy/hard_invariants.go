package policy

import (
	"fmt"
	"strings"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/schema"
)

// Layer 1 hard limits. A violation of any of these denies the transaction
// outright, regardless of every other layer.
const (
	MaxTransactionAmount = 500.0
	DailySpendLimit      = 2000.0
)

func hardInvariantRules() []Rule {
	return []Rule{
		merchantCheckRule{baseRule{"merchant_check", CategoryHardInvariant, SeverityCritical}},
		amountLimitRule{baseRule{"amount_limit", CategoryHardInvariant, SeverityCritical}},
		dailySpendLimitRule{baseRule{"daily_spend_limit", CategoryHardInvariant, SeverityCritical}},
		balanceCheckRule{baseRule{"balance_check", CategoryHardInvariant, SeverityCritical}},
	}
}

type merchantCheckRule struct{ baseRule }

func (r merchantCheckRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() {
		return nil
	}
	if intent.MerchantVPA == "" || strings.EqualFold(intent.MerchantVPA, "unknown") {
		return r.violation("payment requires a valid merchant VPA", map[string]any{
			"merchant_vpa": intent.MerchantVPA,
		})
	}
	return nil
}

type amountLimitRule struct{ baseRule }

func (r amountLimitRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || intent.Amount == 0 {
		return nil
	}
	if intent.Amount > MaxTransactionAmount {
		return r.violation(
			fmt.Sprintf("amount %.2f exceeds per-transaction limit of %.2f", intent.Amount, MaxTransactionAmount),
			map[string]any{
				"requested_amount": intent.Amount,
				"max_allowed":      MaxTransactionAmount,
			})
	}
	return nil
}

type dailySpendLimitRule struct{ baseRule }

func (r dailySpendLimitRule) Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || intent.Amount == 0 {
		return nil
	}
	if user == nil {
		// Cannot verify the ceiling without ground truth; fail closed.
		return r.violation("cannot verify daily spend without user context", map[string]any{
			"reason": "missing_context",
		})
	}

	projected := user.DailySpendToday + intent.Amount
	if projected > DailySpendLimit {
		remaining := DailySpendLimit - user.DailySpendToday
		if remaining < 0 {
			remaining = 0
		}
		return r.violation(
			fmt.Sprintf("transaction would exceed daily limit: spent %.2f today, %.2f remaining", user.DailySpendToday, remaining),
			map[string]any{
				"daily_spent":      user.DailySpendToday,
				"requested_amount": intent.Amount,
				"projected_total":  projected,
				"daily_limit":      DailySpendLimit,
				"remaining":        remaining,
			})
	}
	return nil
}

type balanceCheckRule struct{ baseRule }

func (r balanceCheckRule) Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || intent.Amount == 0 {
		return nil
	}
	if user == nil {
		return r.violation("cannot verify balance without user context", map[string]any{
			"reason": "missing_context",
		})
	}

	if intent.Amount > user.WalletBalance {
		return r.violation(
			fmt.Sprintf("insufficient balance: required %.2f, available %.2f", intent.Amount, user.WalletBalance),
			map[string]any{
				"required":  intent.Amount,
				"available": user.WalletBalance,
				"shortfall": intent.Amount - user.WalletBalance,
			})
	}
	return nil
}
