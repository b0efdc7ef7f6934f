package pricing

import (
	"fmt"
	"sync/atomic"

	"genforge/internal/core"
)

// taskAliases maps a task type to the chain of task types tried during
// resolution. Each alias goes through the full 3-level lookup before the
// next alias is consulted. Task types without an entry resolve only against
// themselves.
var taskAliases = map[string][]string{
	"vision_analysis": {"vision_analysis", "analysis", "llm_chat"},
	"analysis":        {"analysis", "llm_chat"},
	"prompt_expand":   {"prompt_expand", "llm_chat"},
}

// AliasChain returns the resolution chain for a task type, starting with the
// task type itself.
func AliasChain(taskType string) []string {
	if chain, ok := taskAliases[taskType]; ok {
		return chain
	}
	return []string{taskType}
}

// ruleSet is an immutable snapshot of the active pricing rules.
type ruleSet struct {
	rules map[string]Rule
}

// Registry holds the active pricing rules. The rule set is swapped atomically
// so the billing path reads without locking while administrators replace
// rules at runtime.
type Registry struct {
	ptr atomic.Pointer[ruleSet]
}

// NewRegistry creates a registry seeded with the given rules.
func NewRegistry(rules []Rule) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and atomically installs a new rule set. At most one rule
// may exist per (taskType, provider, model) triple, wildcard triples included.
func (r *Registry) Replace(rules []Rule) error {
	set := &ruleSet{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		k := rule.key()
		if _, exists := set.rules[k]; exists {
			return fmt.Errorf("duplicate pricing rule for %s", k)
		}
		set.rules[k] = rule
	}
	r.ptr.Store(set)
	return nil
}

// Rules returns a copy of the active rule set.
func (r *Registry) Rules() []Rule {
	set := r.ptr.Load()
	out := make([]Rule, 0, len(set.rules))
	for _, rule := range set.rules {
		out = append(out, rule)
	}
	return out
}

// Resolve finds the most specific active rule for (taskType, provider, model).
//
// Lookup order per alias in the task's chain:
//  1. exact (taskType, provider, model)
//  2. provider-level default (taskType, provider, "")
//  3. fully generic default (taskType, "", "")
//
// Exhausting every alias is a fatal configuration error, not a retryable one:
// the request must abort rather than silently charge zero.
func (r *Registry) Resolve(taskType, provider, model string) (Rule, error) {
	set := r.ptr.Load()
	for _, alias := range AliasChain(taskType) {
		for _, k := range []string{
			ruleKey(alias, provider, model),
			ruleKey(alias, provider, ""),
			ruleKey(alias, "", ""),
		} {
			if rule, ok := set.rules[k]; ok {
				return rule, nil
			}
		}
	}
	return Rule{}, core.NewPricingNotFoundError(taskType, provider, model)
}
