package risk

import (
	"strings"

	"predarb/pkg/types"
)

// Rule is a pattern-based correlation override: any market pair where one
// key contains PatternA and the other PatternB (in either order) is
// assigned the given correlation. Patterns are case-insensitive
// substrings of the "venue:id" key.
type Rule struct {
	PatternA    string
	PatternB    string
	Correlation float64 // [-1,1]
}

// RuleSet evaluates rules in order; the first hit wins. Immutable after
// construction, safe for concurrent use.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet compiles rules, dropping empty patterns and clamping
// correlations into [-1,1].
func NewRuleSet(rules []Rule) *RuleSet {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.PatternA == "" || r.PatternB == "" {
			continue
		}
		r.PatternA = strings.ToLower(r.PatternA)
		r.PatternB = strings.ToLower(r.PatternB)
		r.Correlation = max(-1, min(1, r.Correlation))
		compiled = append(compiled, r)
	}
	return &RuleSet{rules: compiled}
}

// Correlated implements the Config.Correlated hook.
func (rs *RuleSet) Correlated(a, b types.MarketKey) (float64, bool) {
	ka := strings.ToLower(string(a))
	kb := strings.ToLower(string(b))
	for _, r := range rs.rules {
		if (strings.Contains(ka, r.PatternA) && strings.Contains(kb, r.PatternB)) ||
			(strings.Contains(ka, r.PatternB) && strings.Contains(kb, r.PatternA)) {
			return r.Correlation, true
		}
	}
	return 0, false
}

// Len reports how many rules survived compilation.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}
