package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/schema"
)

// Layer 3 defends against manipulation of the upstream interpreter: prompt
// injection, transaction splitting, and low-confidence interpretations.
const MinConfidenceThreshold = 0.7

var suspiciousKeywords = []string{
	"ignore previous",
	"disregard",
	"override",
	"system prompt",
	"you are now",
	"pretend",
	"act as",
	"bypass",
	"skip validation",
	"admin mode",
	"debug mode",
	"unlimited",
	"no limit",
	"maximum amount",
	"all my money",
	"entire balance",
	"everything",
}

var splitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d+)\s*times?\b`),
	regexp.MustCompile(`\brepeat\b`),
	regexp.MustCompile(`\beach\b.*\btimes?\b`),
	regexp.MustCompile(`\bsplit\b`),
	regexp.MustCompile(`\bdivide\b`),
	regexp.MustCompile(`\bseparate\b.*\bpayments?\b`),
}

func threatDefenseRules() []Rule {
	return []Rule{
		confidenceThresholdRule{baseRule{"confidence_threshold", CategoryThreatDefense, SeverityHigh}},
		promptInjectionRule{baseRule{"prompt_injection", CategoryThreatDefense, SeverityCritical}},
		intentSplittingRule{baseRule{"intent_splitting", CategoryThreatDefense, SeverityHigh}},
	}
}

type confidenceThresholdRule struct{ baseRule }

func (r confidenceThresholdRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() {
		return nil
	}
	if intent.Confidence < MinConfidenceThreshold {
		return r.violation(
			fmt.Sprintf("interpreter confidence %.2f below threshold %.2f", intent.Confidence, MinConfidenceThreshold),
			map[string]any{
				"confidence": intent.Confidence,
				"threshold":  MinConfidenceThreshold,
				"raw_input":  intent.RawInput,
			})
	}
	return nil
}

type promptInjectionRule struct{ baseRule }

func (r promptInjectionRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if intent.RawInput == "" {
		return nil
	}

	lower := strings.ToLower(intent.RawInput)
	var detected []string
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			detected = append(detected, kw)
		}
	}

	if len(detected) > 0 {
		return r.violation(
			"potential prompt injection detected: "+strings.Join(detected, ", "),
			map[string]any{
				"detected_keywords": detected,
				"raw_input":         intent.RawInput,
			})
	}
	return nil
}

type intentSplittingRule struct{ baseRule }

func (r intentSplittingRule) Evaluate(intent schema.PaymentIntent, _ *ctxdata.UserContext, _ *ctxdata.MerchantContext) *Violation {
	if !intent.IsPayment() || intent.RawInput == "" {
		return nil
	}

	lower := strings.ToLower(intent.RawInput)
	for _, pattern := range splitPatterns {
		if pattern.MatchString(lower) {
			return r.violation(
				"potential transaction splitting detected; multiple payments must be requested separately",
				map[string]any{
					"pattern_matched": pattern.String(),
					"raw_input":       intent.RawInput,
				})
		}
	}
	return nil
}
