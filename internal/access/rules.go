// Package access evaluates allow/deny policy for message scopes.
//
// A scope is a key such as "chat:42", "user:7", or "bot:main". Rules carry a
// scope pattern, an effect, and a priority. Evaluation picks the matching
// rule with the highest specificity, breaking ties by priority; when nothing
// matches, the configured default effect applies. The evaluator is a pure
// function over its rule list, so it carries no hidden state.
package access

import (
	"sort"
	"strings"
)

// Effect is the outcome of a policy evaluation.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Rule is one policy entry.
type Rule struct {
	// Scope is an exact scope ("chat:42"), a kind wildcard ("chat:*"),
	// or the catch-all "*".
	Scope string `yaml:"scope" json:"scope"`
	// Effect is applied when the rule matches.
	Effect Effect `yaml:"effect" json:"effect"`
	// Priority breaks ties between rules of equal specificity.
	Priority int `yaml:"priority" json:"priority"`
}

// Config configures the evaluator.
type Config struct {
	// DefaultEffect applies when no rule matches ("allow" or "deny").
	DefaultEffect Effect `yaml:"default_effect"`
	Rules         []Rule `yaml:"rules"`
}

// DefaultConfig returns a default-allow configuration with no rules.
func DefaultConfig() Config {
	return Config{DefaultEffect: Allow}
}

// Evaluator evaluates scopes against an immutable, pre-sorted rule list.
type Evaluator struct {
	rules         []Rule
	defaultEffect Effect
}

// NewEvaluator creates an evaluator. The rule slice is copied and sorted
// once by (specificity desc, priority desc); the evaluator never mutates
// shared state afterwards.
func NewEvaluator(cfg Config) *Evaluator {
	effect := cfg.DefaultEffect
	if effect != Deny {
		effect = Allow
	}

	rules := make([]Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		si, sj := specificity(rules[i].Scope), specificity(rules[j].Scope)
		if si != sj {
			return si > sj
		}
		return rules[i].Priority > rules[j].Priority
	})

	return &Evaluator{rules: rules, defaultEffect: effect}
}

// Evaluate returns the effect for a scope.
func (e *Evaluator) Evaluate(scope string) Effect {
	scope = normalize(scope)
	for _, rule := range e.rules {
		if matches(rule.Scope, scope) {
			return rule.Effect
		}
	}
	return e.defaultEffect
}

// EvaluateAll returns Deny if any of the scopes evaluates to Deny. This is
// how a turn checks its chat, sender, and bot scopes in one shot.
func (e *Evaluator) EvaluateAll(scopes ...string) Effect {
	for _, scope := range scopes {
		if e.Evaluate(scope) == Deny {
			return Deny
		}
	}
	return Allow
}

// specificity ranks patterns: exact scopes beat kind wildcards, which beat
// the catch-all.
func specificity(pattern string) int {
	pattern = normalize(pattern)
	switch {
	case pattern == "*" || pattern == "":
		return 0
	case strings.HasSuffix(pattern, ":*"):
		return 1
	default:
		return 2
	}
}

func matches(pattern, scope string) bool {
	pattern = normalize(pattern)
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(scope, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == scope
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
