package risk

import (
	"testing"

	"predarb/pkg/types"
)

func TestRuleSetMatchesEitherOrder(t *testing.T) {
	t.Parallel()
	rs := NewRuleSet([]Rule{
		{PatternA: "fed-cut", PatternB: "fed-hike", Correlation: -0.9},
		{PatternA: "polymarket:", PatternB: "kalshi:", Correlation: 0.5},
	})
	if rs.Len() != 2 {
		t.Fatalf("Len = %d, want 2", rs.Len())
	}

	a := types.MarketKey("polymarket:fed-cut-march")
	b := types.MarketKey("kalshi:fed-hike-march")

	c, ok := rs.Correlated(a, b)
	if !ok || c != -0.9 {
		t.Errorf("Correlated(a,b) = %v,%v, want -0.9 from the first rule", c, ok)
	}
	c, ok = rs.Correlated(b, a)
	if !ok || c != -0.9 {
		t.Errorf("Correlated(b,a) = %v,%v, rules should be order-insensitive", c, ok)
	}

	if _, ok := rs.Correlated("manifold:x", "manifold:y"); ok {
		t.Errorf("unrelated pair should not match")
	}
}

func TestRuleSetDropsAndClamps(t *testing.T) {
	t.Parallel()
	rs := NewRuleSet([]Rule{
		{PatternA: "", PatternB: "x", Correlation: 1},
		{PatternA: "a", PatternB: "b", Correlation: 3},
	})
	if rs.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after dropping the empty pattern", rs.Len())
	}
	c, ok := rs.Correlated("v:a", "v:b")
	if !ok || c != 1 {
		t.Errorf("correlation = %v,%v, want clamped to 1", c, ok)
	}
}

func TestCorrelatedOverrideBeatsHeuristic(t *testing.T) {
	t.Parallel()
	rs := NewRuleSet([]Rule{{PatternA: "m1", PatternB: "m2", Correlation: 1}})
	m := New(Config{Correlated: rs.Correlated})

	legs := []types.Leg{
		mkLeg("polymarket:m1", types.ActionBuy, 0.5, 10_000),
		mkLeg("kalshi:m2", types.ActionBuy, 0.5, 10_000),
	}
	a := m.ModelRisk(Input{Legs: legs, Size: 100})

	// (1+1)/2*100 = 100: a perfectly correlated pair maxes the dimension,
	// versus 65 for the default unrelated-pair heuristic.
	if a.Correlation != 100 {
		t.Errorf("correlation risk = %v, want 100 under the override", a.Correlation)
	}
}
