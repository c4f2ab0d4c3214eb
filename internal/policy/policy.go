package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/ledger"
	"github.com/clearlane/payguard/internal/schema"
)

type Decision string

const (
	DecisionApprove  Decision = "APPROVE"
	DecisionDeny     Decision = "DENY"
	DecisionCooldown Decision = "COOLDOWN"
	DecisionEscalate Decision = "ESCALATE"
)

// Result is the complete outcome of one evaluation. The risk score is a
// relative signal in [0,1], not a probability.
type Result struct {
	Decision    Decision      `json:"decision"`
	Reason      string        `json:"reason"`
	RiskScore   float64       `json:"risk_score"`
	Violations  []Violation   `json:"violations,omitempty"`
	PassedRules []string      `json:"passed_rules,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// RequiresAction reports whether the caller must take a follow-up step
// (wait out a cooldown or complete an escalation) before retrying.
func (r Result) RequiresAction() bool {
	return r.Decision == DecisionCooldown || r.Decision == DecisionEscalate
}

// auditLog is the slice of the ledger surface the engine writes to.
type auditLog interface {
	Append(eventType ledger.EventType, payload map[string]any, opts ledger.AppendOptions) (ledger.Entry, error)
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// Rules overrides the default layered rule set. Mainly for tests.
	Rules []Rule
	// RiskCeiling normalizes the summed severity weights. The default is
	// ruleCount * 0.3; treat it as a tuning knob, not a derived quantity.
	RiskCeiling float64
	Ledger      auditLog
	Logger      *slog.Logger
}

// Engine evaluates intents through the four rule layers. It is stateless per
// call and safe for concurrent use.
type Engine struct {
	rules       []Rule
	riskCeiling float64
	ledger      auditLog
	logger      *slog.Logger
	now         func() time.Time
}

func NewEngine(cfg Config) *Engine {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	ceiling := cfg.RiskCeiling
	if ceiling <= 0 {
		ceiling = float64(len(rules)) * 0.3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		rules:       rules,
		riskCeiling: ceiling,
		ledger:      cfg.Ledger,
		logger:      logger,
		now:         time.Now,
	}
}

// Evaluate runs every registered rule and reduces the violations to one
// decision. All rules run even after a failure so the full violation set and
// risk picture are available for audit.
func (e *Engine) Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, merchant *ctxdata.MerchantContext) Result {
	start := e.now()

	// No payment policy applies to inquiries and history lookups.
	if !intent.IsPayment() {
		return Result{
			Decision:    DecisionApprove,
			Reason:      fmt.Sprintf("%s intent - no payment policy required", intent.IntentType),
			PassedRules: []string{"non_payment_intent"},
			Elapsed:     e.now().Sub(start),
		}
	}

	var violations []Violation
	var passed []string
	for _, rule := range e.rules {
		if v := rule.Evaluate(intent, user, merchant); v != nil {
			violations = append(violations, *v)
			e.logger.Warn("policy rule failed", "rule", rule.Name(), "message", v.Message)
		} else {
			passed = append(passed, rule.Name())
		}
	}

	decision, reason := reduce(violations)
	risk := e.riskScore(violations)
	elapsed := e.now().Sub(start)

	result := Result{
		Decision:    decision,
		Reason:      reason,
		RiskScore:   risk,
		Violations:  violations,
		PassedRules: passed,
		Elapsed:     elapsed,
	}

	if e.ledger != nil {
		_, err := e.ledger.Append(ledger.EventPolicyEvaluated, map[string]any{
			"intent_id":    intent.IntentID,
			"intent_type":  string(intent.IntentType),
			"amount":       intent.Amount,
			"merchant_vpa": intent.MerchantVPA,
			"decision":     string(decision),
			"reason":       reason,
			"risk_score":   risk,
			"violations":   violationNames(violations),
			"elapsed_ms":   float64(elapsed) / float64(time.Millisecond),
		}, ledger.AppendOptions{})
		if err != nil {
			e.logger.Error("policy audit append failed", "error", err)
		}
	}

	e.logger.Info("policy evaluation complete", "decision", decision, "risk_score", risk)
	return result
}

// reduce applies the strict layer ordering: hard invariants deny, then
// velocity cools down, then threat/behavioral escalate. Only a clean pass
// across all layers approves.
func reduce(violations []Violation) (Decision, string) {
	if len(violations) == 0 {
		return DecisionApprove, "all policy checks passed"
	}

	for _, v := range violations {
		if v.Category == CategoryHardInvariant {
			return DecisionDeny, "hard limit violated: " + v.Message
		}
	}
	for _, v := range violations {
		if v.Category == CategoryVelocity {
			return DecisionCooldown, "rate limit exceeded: " + v.Message
		}
	}
	for _, v := range violations {
		if v.Category == CategoryThreatDefense || v.Category == CategoryBehavioral {
			return DecisionEscalate, "suspicious activity: " + v.Message
		}
	}

	// A violation with an unrecognized category is itself a fault.
	return DecisionDeny, "unknown violation category"
}

func (e *Engine) riskScore(violations []Violation) float64 {
	if len(violations) == 0 {
		return 0
	}

	total := 0.0
	for _, v := range violations {
		w, ok := severityWeights[v.Severity]
		if !ok {
			w = 0.5
		}
		total += w
	}

	score := total / e.riskCeiling
	if score > 1 {
		return 1
	}
	return score
}

func violationNames(violations []Violation) []string {
	names := make([]string, 0, len(violations))
	for _, v := range violations {
		names = append(names, v.RuleName)
	}
	return names
}
