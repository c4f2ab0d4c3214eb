// Package policy is the deterministic decision layer. Every payment intent is
// evaluated against four layers of rules over ground-truth context; the
// upstream interpreter can suggest structured input but cannot influence the
// outcome of any rule.
package policy

import (
	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/schema"
)

type Category string

const (
	CategoryHardInvariant Category = "HARD_INVARIANT"
	CategoryVelocity      Category = "VELOCITY"
	CategoryThreatDefense Category = "THREAT_DEFENSE"
	CategoryBehavioral    Category = "BEHAVIORAL"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityWeights feed the risk score. A violation of unknown severity counts
// as 0.5 so a misconfigured rule can never hide risk.
var severityWeights = map[Severity]float64{
	SeverityCritical: 1.0,
	SeverityHigh:     0.7,
	SeverityMedium:   0.4,
	SeverityLow:      0.2,
}

// Violation describes a single failed rule.
type Violation struct {
	RuleName string         `json:"rule_name"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Rule is a side-effect-free predicate over (intent, contexts). Evaluate
// returns nil when the rule passes. Rules must complete in bounded time and
// must fail closed when they need a context that is missing, except rules
// that simply do not apply to the intent type.
type Rule interface {
	Name() string
	Category() Category
	Severity() Severity
	Evaluate(intent schema.PaymentIntent, user *ctxdata.UserContext, merchant *ctxdata.MerchantContext) *Violation
}

// baseRule carries the identity fields every rule shares.
type baseRule struct {
	name     string
	category Category
	severity Severity
}

func (r baseRule) Name() string       { return r.name }
func (r baseRule) Category() Category { return r.category }
func (r baseRule) Severity() Severity { return r.severity }

func (r baseRule) violation(message string, details map[string]any) *Violation {
	return &Violation{
		RuleName: r.name,
		Category: r.category,
		Message:  message,
		Severity: r.severity,
		Details:  details,
	}
}

// DefaultRules returns the full layered rule set in evaluation order.
func DefaultRules() []Rule {
	var rules []Rule
	rules = append(rules, hardInvariantRules()...)
	rules = append(rules, velocityRules()...)
	rules = append(rules, threatDefenseRules()...)
	rules = append(rules, behavioralRules()...)
	return rules
}
