// Package pricing resolves billable costs for generation and LLM operations.
// Rules are keyed by (taskType, provider, model) with wildcard fallback, and
// task types share pricing through an alias chain.
package pricing

import "fmt"

// UnitType is the pricing basis for a rule.
type UnitType string

const (
	UnitPerCall          UnitType = "per_call"
	UnitPerSecond        UnitType = "per_second"
	UnitPerMinute        UnitType = "per_minute"
	UnitPerToken         UnitType = "per_token"
	UnitPer1KTokens      UnitType = "per_1k_tokens"
	UnitPerMillionTokens UnitType = "per_million_tokens"
)

// TokenBased reports whether the unit prices token counts.
func (u UnitType) TokenBased() bool {
	switch u {
	case UnitPerToken, UnitPer1KTokens, UnitPerMillionTokens:
		return true
	default:
		return false
	}
}

// divisor returns the token count divisor for token-based units.
func (u UnitType) divisor() float64 {
	switch u {
	case UnitPer1KTokens:
		return 1_000
	case UnitPerMillionTokens:
		return 1_000_000
	default:
		return 1
	}
}

// Rule identifies one billable operation. Provider and Model are optional;
// empty values make the rule a provider-level or fully generic default.
type Rule struct {
	TaskType string   `json:"task_type" mapstructure:"task_type"`
	Provider string   `json:"provider,omitempty" mapstructure:"provider"`
	Model    string   `json:"model,omitempty" mapstructure:"model"`
	Unit     UnitType `json:"unit" mapstructure:"unit"`

	// Cost is the flat cost in credits for non-token units.
	Cost float64 `json:"cost,omitempty" mapstructure:"cost"`

	// CostInput and CostOutput are the per-unit token rates. Both must be
	// positive when Unit is token-based.
	CostInput  float64 `json:"cost_input,omitempty" mapstructure:"cost_input"`
	CostOutput float64 `json:"cost_output,omitempty" mapstructure:"cost_output"`
}

// key returns the registry identity of the rule's (taskType, provider, model)
// triple, wildcards included.
func (r Rule) key() string {
	return ruleKey(r.TaskType, r.Provider, r.Model)
}

func ruleKey(taskType, provider, model string) string {
	return taskType + "|" + provider + "|" + model
}

// Validate checks the rule's internal consistency. Token-based rules must
// carry positive input and output rates; this is enforced at registration
// time, never patched at runtime.
func (r Rule) Validate() error {
	if r.TaskType == "" {
		return fmt.Errorf("pricing rule requires a task type")
	}
	switch r.Unit {
	case UnitPerCall, UnitPerSecond, UnitPerMinute, UnitPerToken, UnitPer1KTokens, UnitPerMillionTokens:
	default:
		return fmt.Errorf("pricing rule %s: unknown unit type %q", r.key(), r.Unit)
	}
	if r.Unit.TokenBased() {
		if r.CostInput <= 0 || r.CostOutput <= 0 {
			return fmt.Errorf("pricing rule %s: token-based unit requires positive cost_input and cost_output", r.key())
		}
		return nil
	}
	if r.Cost < 0 {
		return fmt.Errorf("pricing rule %s: cost must not be negative", r.key())
	}
	return nil
}
