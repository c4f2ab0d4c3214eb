package policy

import (
	"fmt"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/schema"
)

// Layer 4 behavioral thresholds.
const (
	NewDeviceMaxAmount    = 200.0
	MinMerchantReputation = 0.3
	fraudReportThreshold  = 5
)

func behavioralRules() []Rule {
	return []Rule{
		deviceValidationRule{baseRule{"device_validation", CategoryBehavioral, SeverityHigh}},
		merchantReputationRule{baseRule{"merchant_reputation", CategoryBehavioral, SeverityHigh}},
		fraudReportRule{baseRule{"fraud_reports", CategoryBehavioral, SeverityHigh}},
	}
}

type deviceValidationRule struct{ baseRule }

func (r deviceValidationRule) Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || user == nil {
		return nil
	}
	if !user.IsKnownDevice && intent.Amount > NewDeviceMaxAmount {
		fingerprint := user.DeviceFingerprint
		if len(fingerprint) > 8 {
			fingerprint = fingerprint[:8] + "..."
		}
		return r.violation(
			fmt.Sprintf("new device: amount %.2f exceeds new-device limit of %.2f", intent.Amount, NewDeviceMaxAmount),
			map[string]any{
				"is_known_device":    false,
				"device_fingerprint": fingerprint,
				"requested_amount":   intent.Amount,
				"new_device_limit":   NewDeviceMaxAmount,
			})
	}
	return nil
}

type merchantReputationRule struct{ baseRule }

func (r merchantReputationRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, merchant *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || merchant == nil {
		return nil
	}
	if merchant.ReputationScore < MinMerchantReputation {
		return r.violation(
			fmt.Sprintf("merchant reputation %.2f below threshold %.2f (%d fraud reports)",
				merchant.ReputationScore, MinMerchantReputation, merchant.FraudReports),
			map[string]any{
				"merchant_vpa":     merchant.MerchantVPA,
				"reputation_score": merchant.ReputationScore,
				"threshold":        MinMerchantReputation,
				"fraud_reports":    merchant.FraudReports,
				"refund_rate":      merchant.RefundRate,
				"is_whitelisted":   merchant.IsWhitelisted,
			})
	}
	return nil
}

type fraudReportRule struct{ baseRule }

func (r fraudReportRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, merchant *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || merchant == nil {
		return nil
	}
	if merchant.FraudReports >= fraudReportThreshold {
		return r.violation(
			fmt.Sprintf("merchant has %d fraud reports", merchant.FraudReports),
			map[string]any{
				"merchant_vpa":  merchant.MerchantVPA,
				"fraud_reports": merchant.FraudReports,
				"refund_rate":   merchant.RefundRate,
			})
	}
	return nil
}
