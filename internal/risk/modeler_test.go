package risk

import (
	"math"
	"testing"

	"predarb/pkg/types"
)

func mkLeg(market string, action types.Action, price, liquidity float64) types.Leg {
	return types.Leg{
		Market:    types.MarketKey(market),
		Outcome:   "Yes",
		Action:    action,
		Price:     price,
		Liquidity: liquidity,
	}
}

func TestModelRiskSingleLiquidLeg(t *testing.T) {
	t.Parallel()
	m := New(Config{})

	a := m.ModelRisk(Input{
		Legs: []types.Leg{mkLeg("polymarket:m1", types.ActionBuy, 0.5, 10_000)},
		Size: 100,
	})

	if a.FillProbability != 1.0 {
		t.Errorf("fill probability = %v, want 1.0 for a deep book", a.FillProbability)
	}
	if a.Execution != 0 {
		t.Errorf("execution risk = %v, want 0 when every leg fills", a.Execution)
	}
	// Platform: polymarket 10 + chain withdrawal 5 + counterparty 3.
	if a.Platform != 18 {
		t.Errorf("platform risk = %v, want 18", a.Platform)
	}
	// Liquidity ratio 100 lands in the deepest bucket.
	if a.Liquidity != 10 {
		t.Errorf("liquidity risk = %v, want 10", a.Liquidity)
	}
	if a.Level != types.RiskLow {
		t.Errorf("level = %v (score %v), want low", a.Level, a.Score)
	}
}

func TestModelRiskDimensionsStayInRange(t *testing.T) {
	t.Parallel()
	m := New(Config{})

	a := m.ModelRisk(Input{
		Legs: []types.Leg{
			mkLeg("limitless:x1", types.ActionSell, 0.97, 50),
			mkLeg("unknown:u1", types.ActionBuy, 0.03, 10),
		},
		Size: 100_000,
	})

	for name, v := range map[string]float64{
		"execution": a.Execution, "timing": a.Timing, "platform": a.Platform,
		"liquidity": a.Liquidity, "correlation": a.Correlation, "score": a.Score,
	} {
		if v < 0 || v > 100 {
			t.Errorf("%s = %v, out of [0,100]", name, v)
		}
	}
	if a.Level != types.RiskExtreme && a.Level != types.RiskHigh {
		t.Errorf("level = %v (score %v); starved books should rate badly", a.Level, a.Score)
	}
}

func TestPartialFillRisk(t *testing.T) {
	t.Parallel()

	// (1−0.9)·0.8 + (1−0.8)·0.9 = 0.26.
	got := partialFillRisk([]float64{0.9, 0.8})
	if math.Abs(got-0.26) > 1e-9 {
		t.Errorf("partial fill risk = %v, want 0.26", got)
	}
	if partialFillRisk([]float64{1, 1}) != 0 {
		t.Error("certain fills carry no partial risk")
	}
}

func TestFillProbabilityAdjustments(t *testing.T) {
	t.Parallel()
	m := New(Config{})

	// Deep book, reliable venue, mid price: certainty.
	full := m.CalculateFillProbability(
		[]types.Leg{mkLeg("polymarket:m1", types.ActionBuy, 0.5, 10_000)}, 100)
	if full != 1.0 {
		t.Errorf("baseline probability = %v, want 1.0", full)
	}

	// Sell side takes a 0.9 haircut.
	sell := m.CalculateFillProbability(
		[]types.Leg{mkLeg("polymarket:m1", types.ActionSell, 0.5, 10_000)}, 100)
	if math.Abs(sell-0.9) > 1e-9 {
		t.Errorf("sell probability = %v, want 0.9", sell)
	}

	// Extreme price takes a 0.8 haircut.
	extreme := m.CalculateFillProbability(
		[]types.Leg{mkLeg("polymarket:m1", types.ActionBuy, 0.97, 10_000)}, 100)
	if math.Abs(extreme-0.8) > 1e-9 {
		t.Errorf("extreme-price probability = %v, want 0.8", extreme)
	}

	// Liquidity below the per-leg size caps the ratio.
	thin := m.CalculateFillProbability(
		[]types.Leg{mkLeg("polymarket:m1", types.ActionBuy, 0.5, 50)}, 100)
	if math.Abs(thin-0.5) > 1e-9 {
		t.Errorf("thin probability = %v, want 0.5", thin)
	}
}

func TestCorrelationHedgedPairScoresLow(t *testing.T) {
	t.Parallel()

	sameEvent := func(a, b types.MarketKey) bool { return true }
	m := New(Config{SameEvent: sameEvent})

	yes := mkLeg("polymarket:m1", types.ActionBuy, 0.40, 5000)
	yes.Normalized = types.NormalizedOutcome{Class: types.OutcomeYes}
	no := mkLeg("kalshi:k1", types.ActionBuy, 0.45, 5000)
	no.Outcome = "No"
	no.Normalized = types.NormalizedOutcome{Class: types.OutcomeNo}

	a := m.ModelRisk(Input{Legs: []types.Leg{yes, no}, Size: 200})
	// Correlation −0.95 maps to 2.5 on the 0..100 scale.
	if math.Abs(a.Correlation-2.5) > 1e-9 {
		t.Errorf("hedged correlation = %v, want 2.5", a.Correlation)
	}

	// Same event, same direction concentrates risk instead.
	yes2 := yes
	yes2.Market = "kalshi:k1"
	b := m.ModelRisk(Input{Legs: []types.Leg{yes, yes2}, Size: 200})
	if math.Abs(b.Correlation-90) > 1e-9 {
		t.Errorf("same-direction correlation = %v, want 90", b.Correlation)
	}
}

func TestCorrelationLinkedCrossVenue(t *testing.T) {
	t.Parallel()

	m := New(Config{
		Linked: func(a, b types.MarketKey) bool { return true },
	})
	legs := []types.Leg{
		mkLeg("polymarket:m1", types.ActionBuy, 0.4, 5000),
		mkLeg("kalshi:k1", types.ActionBuy, 0.5, 5000),
	}
	a := m.ModelRisk(Input{Legs: legs, Size: 200})
	// Correlation 0.7 maps to 85.
	if math.Abs(a.Correlation-85) > 1e-9 {
		t.Errorf("linked correlation = %v, want 85", a.Correlation)
	}
}

func TestOptimizeSequenceBuysFirst(t *testing.T) {
	t.Parallel()
	m := New(Config{})

	legs := []types.Leg{
		mkLeg("kalshi:k1", types.ActionSell, 0.55, 9000),
		mkLeg("polymarket:m1", types.ActionBuy, 0.45, 2000),
		mkLeg("manifold:f1", types.ActionBuy, 0.50, 8000),
	}
	ordered := m.OptimizeSequence(legs)

	if len(ordered) != len(legs) {
		t.Fatalf("sequence length changed: %d", len(ordered))
	}
	if ordered[0].Action != types.ActionBuy || ordered[1].Action != types.ActionBuy {
		t.Errorf("buys must lead: %+v", ordered)
	}
	if ordered[2].Action != types.ActionSell {
		t.Errorf("sell must trail: %+v", ordered)
	}
	// Deeper book executes first within the buy side.
	if ordered[0].Market != "manifold:f1" {
		t.Errorf("deepest buy should lead, got %v", ordered[0].Market)
	}

	// Permutation: same multiset of markets.
	seen := make(map[types.MarketKey]int)
	for _, l := range legs {
		seen[l.Market]++
	}
	for _, l := range ordered {
		seen[l.Market]--
	}
	for k, n := range seen {
		if n != 0 {
			t.Errorf("leg %v count off by %d", k, n)
		}
	}
	// Input untouched.
	if legs[0].Action != types.ActionSell {
		t.Error("input slice was mutated")
	}
}

func TestCalculatePositionLimit(t *testing.T) {
	t.Parallel()
	m := New(Config{})

	legs := []types.Leg{mkLeg("polymarket:m1", types.ActionBuy, 0.5, 1000)}

	limit := m.CalculatePositionLimit(legs, 30, 100_000)
	if limit <= 0 || limit >= 100_000 {
		t.Fatalf("limit = %v, want interior solution", limit)
	}
	if got := m.ModelRisk(Input{Legs: legs, Size: limit}).Score; got > 30+1e-6 {
		t.Errorf("risk at limit = %v, exceeds bound 30", got)
	}
	// Slightly above the limit breaches the bound.
	if got := m.ModelRisk(Input{Legs: legs, Size: limit * 1.05}).Score; got <= 30 {
		t.Errorf("risk just above limit = %v, should exceed 30", got)
	}

	// A generous bound allows the whole balance.
	if got := m.CalculatePositionLimit(legs, 100, 500); got != 500 {
		t.Errorf("generous bound limit = %v, want full balance", got)
	}
	// An impossible bound allows nothing.
	if got := m.CalculatePositionLimit(legs, 0, 500); got != 0 {
		t.Errorf("impossible bound limit = %v, want 0", got)
	}
}

func TestEstimateSlippageVenueFactor(t *testing.T) {
	t.Parallel()
	m := New(Config{})

	poly := m.EstimateSlippage(mkLeg("polymarket:m1", types.ActionBuy, 0.5, 10_000), 100)
	lim := m.EstimateSlippage(mkLeg("limitless:x1", types.ActionBuy, 0.5, 10_000), 100)
	if math.Abs(lim-poly*1.4) > 1e-9 {
		t.Errorf("limitless = %v, want 1.4× polymarket's %v", lim, poly)
	}
}
