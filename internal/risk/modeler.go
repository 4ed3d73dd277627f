// Package risk models execution risk for multi-leg arbitrage plans across
// five dimensions: execution (fill probability), timing (slippage and
// volatility while legging in), platform (venue trust), liquidity (book
// depth vs order size), and correlation (how the legs move together).
//
// Each dimension scores 0..100; the aggregate is a weighted sum classified
// into low / medium / high / extreme. The modeler is pure given its
// configuration, so assessments are reproducible.
package risk

import (
	"math"
	"sort"

	"predarb/internal/venue"
	"predarb/pkg/types"
)

// Weights are the dimension weights for the aggregate score. They should
// sum to 1.
type Weights struct {
	Execution   float64
	Timing      float64
	Platform    float64
	Liquidity   float64
	Correlation float64
}

// DefaultWeights is the standard 0.30/0.20/0.15/0.25/0.10 split.
func DefaultWeights() Weights {
	return Weights{
		Execution:   0.30,
		Timing:      0.20,
		Platform:    0.15,
		Liquidity:   0.25,
		Correlation: 0.10,
	}
}

// Config tunes the modeler. The two predicates are pluggable so the caller
// can wire in linker identity without this package depending on it; nil
// predicates fall back to market-key equality and venue comparison.
type Config struct {
	Weights Weights
	Venues  venue.Tables

	// SameEvent reports whether two markets resolve on the same underlying
	// event. Default: identical market key.
	SameEvent func(a, b types.MarketKey) bool
	// Linked reports whether two markets are known equivalents on
	// different venues. Default: never.
	Linked func(a, b types.MarketKey) bool
	// Correlated returns an explicit pairwise correlation in [-1,1],
	// overriding the built-in heuristic. Default: no overrides.
	Correlated func(a, b types.MarketKey) (float64, bool)
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.Venues.Fees == nil {
		c.Venues = venue.Defaults()
	}
	if c.SameEvent == nil {
		c.SameEvent = func(a, b types.MarketKey) bool { return a == b }
	}
	if c.Linked == nil {
		c.Linked = func(a, b types.MarketKey) bool { return false }
	}
	if c.Correlated == nil {
		c.Correlated = func(a, b types.MarketKey) (float64, bool) { return 0, false }
	}
	return c
}

// Input is one risk-assessment request: the legs and the total USD size
// split evenly across them.
type Input struct {
	Legs []types.Leg
	Size float64
}

// Assessment is the full risk picture for an input.
type Assessment struct {
	Execution   float64
	Timing      float64
	Platform    float64
	Liquidity   float64
	Correlation float64

	Score float64
	Level types.RiskLevel

	FillProbability float64 // probability every leg fills
	PartialFillRisk float64 // probability exactly one leg fails
	AvgSlippage     float64
	MaxSlippage     float64
}

// Per-venue average execution latency, milliseconds. Feeds the volatility
// surrogate: slower venues leave the position unhedged longer.
var execTimeMs = map[string]float64{
	"polymarket": 800,
	"kalshi":     1200,
	"manifold":   1500,
	"limitless":  2500,
}

const defaultExecTimeMs = 2000

const (
	extremePriceLow         = 0.05
	extremePriceHigh        = 0.95
	extremePricePenalty     = 0.8
	sellSidePenalty         = 0.9
	withdrawalRiskChain     = 5.0 // on-chain venues: bridge/settlement exposure
	withdrawalRiskCustodial = 2.0
	counterpartyRisk        = 3.0
)

// onChain marks venues that settle on a blockchain.
var onChain = map[string]bool{"polymarket": true, "limitless": true}

// Modeler is safe for concurrent use.
type Modeler struct {
	cfg Config
}

// New creates a Modeler.
func New(cfg Config) *Modeler {
	return &Modeler{cfg: cfg.withDefaults()}
}

// ModelRisk scores the input across all five dimensions.
func (m *Modeler) ModelRisk(in Input) Assessment {
	perLeg := perLegSize(in)

	probs := m.fillProbabilities(in.Legs, perLeg)
	fillAll := product(probs)
	partial := partialFillRisk(probs)

	avgSlip, maxSlip := m.slippageStats(in.Legs, perLeg)

	a := Assessment{
		Execution:       clamp100((1-fillAll)*50 + partial*30),
		Timing:          clamp100(avgSlip*200 + m.volatilitySurrogate(in.Legs)*100),
		Platform:        clamp100(m.platformRisk(in.Legs)),
		Liquidity:       clamp100(m.liquidityRisk(in.Legs, perLeg)),
		Correlation:     clamp100(m.correlationRisk(in.Legs)),
		FillProbability: fillAll,
		PartialFillRisk: partial,
		AvgSlippage:     avgSlip,
		MaxSlippage:     maxSlip,
	}

	w := m.cfg.Weights
	a.Score = a.Execution*w.Execution +
		a.Timing*w.Timing +
		a.Platform*w.Platform +
		a.Liquidity*w.Liquidity +
		a.Correlation*w.Correlation
	a.Level = LevelFor(a.Score)
	return a
}

// LevelFor maps an aggregate score to a risk level.
func LevelFor(score float64) types.RiskLevel {
	switch {
	case score < 20:
		return types.RiskLow
	case score < 40:
		return types.RiskMedium
	case score < 60:
		return types.RiskHigh
	default:
		return types.RiskExtreme
	}
}

// CalculateFillProbability returns the probability that every leg fills at
// the given total size.
func (m *Modeler) CalculateFillProbability(legs []types.Leg, size float64) float64 {
	return product(m.fillProbabilities(legs, perLegSize(Input{Legs: legs, Size: size})))
}

// EstimateSlippage is the venue-adjusted price-impact estimate for one leg.
func (m *Modeler) EstimateSlippage(leg types.Leg, size float64) float64 {
	if leg.Liquidity <= 0 || size <= 0 {
		return 0.5
	}
	slip := math.Sqrt(size/leg.Liquidity)*2 + spreadForPrice(leg.Price)/2
	slip = math.Min(slip, 0.5)
	return slip * m.cfg.Venues.Slippage(leg.Market.Venue())
}

// OptimizeSequence orders legs for execution: buys before sells, and within
// each side, better liquidity-to-size ratio and lower slippage first. The
// result is a permutation of the input; the input is not mutated.
func (m *Modeler) OptimizeSequence(legs []types.Leg) []types.Leg {
	out := append([]types.Leg(nil), legs...)
	size := 100.0

	rank := func(l types.Leg) float64 {
		ratio := 0.0
		if size > 0 {
			ratio = l.Liquidity / size
		}
		return ratio - m.EstimateSlippage(l, size)*100
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action == types.ActionBuy
		}
		return rank(out[i]) > rank(out[j])
	})
	return out
}

// CalculatePositionLimit binary-searches the largest total size in
// [0, balance] whose aggregate risk stays at or under maxRisk. Returns 0
// when even a trivial size breaches the bound.
func (m *Modeler) CalculatePositionLimit(legs []types.Leg, maxRisk, balance float64) float64 {
	if balance <= 0 || len(legs) == 0 {
		return 0
	}
	riskAt := func(size float64) float64 {
		return m.ModelRisk(Input{Legs: legs, Size: size}).Score
	}
	if riskAt(1) > maxRisk {
		return 0
	}
	lo, hi := 1.0, balance
	if riskAt(balance) <= maxRisk {
		return balance
	}
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if riskAt(mid) <= maxRisk {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// ————————————————————————————————————————————————————————————————————————
// dimensions
// ————————————————————————————————————————————————————————————————————————

func (m *Modeler) fillProbabilities(legs []types.Leg, perLeg float64) []float64 {
	probs := make([]float64, 0, len(legs))
	for _, leg := range legs {
		p := 1.0
		if perLeg > 0 && leg.Liquidity >= 0 {
			p = math.Min(1, leg.Liquidity/perLeg)
		}
		p *= m.cfg.Venues.Reliability(leg.Market.Venue())
		if leg.Action == types.ActionSell {
			p *= sellSidePenalty
		}
		if leg.Price < extremePriceLow || leg.Price > extremePriceHigh {
			p *= extremePricePenalty
		}
		probs = append(probs, p)
	}
	return probs
}

// partialFillRisk is the probability that exactly one leg fails while the
// rest fill: the worst outcome for an arbitrage, a naked position.
func partialFillRisk(probs []float64) float64 {
	var risk float64
	for i := range probs {
		term := 1 - probs[i]
		for j := range probs {
			if j != i {
				term *= probs[j]
			}
		}
		risk += term
	}
	return risk
}

func (m *Modeler) slippageStats(legs []types.Leg, perLeg float64) (avg, max float64) {
	if len(legs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, leg := range legs {
		slip := m.EstimateSlippage(leg, perLeg)
		sum += slip
		if slip > max {
			max = slip
		}
	}
	return sum / float64(len(legs)), max
}

// volatilitySurrogate models price drift while legs execute sequentially:
// sqrt(avgExecTimeSeconds) × 0.5% per leg-second.
func (m *Modeler) volatilitySurrogate(legs []types.Leg) float64 {
	if len(legs) == 0 {
		return 0
	}
	var sum float64
	for _, leg := range legs {
		t, ok := execTimeMs[leg.Market.Venue()]
		if !ok {
			t = defaultExecTimeMs
		}
		sum += t
	}
	avg := sum / float64(len(legs))
	return math.Sqrt(avg/1000) * 0.005
}

func (m *Modeler) platformRisk(legs []types.Leg) float64 {
	if len(legs) == 0 {
		return 0
	}
	seen := make(map[string]bool)
	var sum float64
	var n int
	for _, leg := range legs {
		v := leg.Market.Venue()
		if seen[v] {
			continue
		}
		seen[v] = true
		risk := m.cfg.Venues.Risk(v)
		if onChain[v] {
			risk += withdrawalRiskChain
		} else {
			risk += withdrawalRiskCustodial
		}
		risk += counterpartyRisk
		sum += risk
		n++
	}
	return sum / float64(n)
}

// liquidityRisk buckets the worst liquidity-to-size ratio across legs.
func (m *Modeler) liquidityRisk(legs []types.Leg, perLeg float64) float64 {
	if len(legs) == 0 || perLeg <= 0 {
		return 0
	}
	worst := math.Inf(1)
	for _, leg := range legs {
		ratio := leg.Liquidity / perLeg
		if ratio < worst {
			worst = ratio
		}
	}
	switch {
	case worst >= 10:
		return 10
	case worst >= 5:
		return 25
	case worst >= 2:
		return 50
	case worst >= 1:
		return 75
	default:
		return 95
	}
}

// correlationRisk averages pairwise leg correlation mapped onto 0..100.
// Strong positive correlation concentrates risk; a hedged pair offsets it.
func (m *Modeler) correlationRisk(legs []types.Leg) float64 {
	if len(legs) < 2 {
		return 30 // single leg: baseline idiosyncratic exposure
	}
	var sum float64
	var pairs int
	for i := 0; i < len(legs); i++ {
		for j := i + 1; j < len(legs); j++ {
			sum += m.pairCorrelation(legs[i], legs[j])
			pairs++
		}
	}
	avg := sum / float64(pairs)
	return (avg + 1) / 2 * 100
}

// pairCorrelation estimates how two legs' values move together, in [-1,1].
func (m *Modeler) pairCorrelation(a, b types.Leg) float64 {
	if c, ok := m.cfg.Correlated(a.Market, b.Market); ok {
		return c
	}
	switch {
	case m.cfg.SameEvent(a.Market, b.Market):
		if hedged(a, b) {
			return -0.95
		}
		return 0.8
	case m.cfg.Linked(a.Market, b.Market):
		return 0.7
	default:
		return 0.3
	}
}

// hedged reports whether two same-event legs offset: opposite outcome
// classes bought, or the same outcome bought and sold.
func hedged(a, b types.Leg) bool {
	if a.Normalized.Class != types.OutcomeOther && b.Normalized.Class != types.OutcomeOther &&
		a.Normalized.Class != b.Normalized.Class && a.Action == b.Action {
		return true
	}
	return a.Action != b.Action &&
		(a.Normalized.Class == b.Normalized.Class || a.Outcome == b.Outcome)
}

// ————————————————————————————————————————————————————————————————————————
// helpers
// ————————————————————————————————————————————————————————————————————————

func perLegSize(in Input) float64 {
	if len(in.Legs) == 0 {
		return 0
	}
	size := in.Size
	if size <= 0 {
		size = 100
	}
	return size / float64(len(in.Legs))
}

func product(vals []float64) float64 {
	p := 1.0
	for _, v := range vals {
		p *= v
	}
	return p
}

func clamp100(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func spreadForPrice(price float64) float64 {
	if price < extremePriceLow || price > extremePriceHigh {
		return 0.04
	}
	return 0.02
}
