// Package score assigns composite quality scores to opportunities and
// derives sizing: slippage estimates, Kelly fractions, optimal position
// size, and a step-by-step execution plan with exact money totals.
//
// Scoring is pure: identical inputs always produce identical output for a
// fixed venue table, so scores are comparable across scan cycles.
package score

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/venue"
	"predarb/pkg/types"
)

// SignalSource provides per-market derived signals (order-book pressure).
// The feature engine satisfies this; a nil source disables enrichment.
type SignalSource interface {
	SignalsFor(key types.MarketKey) (types.Signals, bool)
}

// Weights are the maximum contribution of each scoring dimension.
// They should sum to 100.
type Weights struct {
	Edge       float64
	Liquidity  float64
	Confidence float64
	Execution  float64
}

// DefaultWeights is the standard 40/25/25/10 split.
func DefaultWeights() Weights {
	return Weights{Edge: 40, Liquidity: 25, Confidence: 25, Execution: 10}
}

// Config tunes the scorer.
type Config struct {
	Weights       Weights
	MinLiquidity  float64 // engine liquidity floor, used for the thin-book penalty
	LiquidityNorm float64 // liquidity for a full liquidity score, default 50_000
	Venues        venue.Tables
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.LiquidityNorm == 0 {
		c.LiquidityNorm = 50_000
	}
	if c.Venues.Fees == nil {
		c.Venues = venue.Defaults()
	}
	return c
}

const (
	maxSlippage       = 0.50 // base model clamp before the venue factor
	slippageTarget    = 0.02 // sizing keeps average slippage under this
	kellyCap          = 0.25
	kellySafety       = 0.25
	probeSize         = 100.0 // USD notional used for the slippage penalty probe
	sellDiscount      = 0.90  // execution score haircut when any leg sells
	crossVenuePenalty = 3.0   // per venue beyond the first
	maxSlipPenalty    = 5.0
	maxConfPenalty    = 5.0
	thinBookPenalty   = 5.0
)

// Scorer is stateless apart from its configuration; safe for concurrent use.
type Scorer struct {
	cfg     Config
	signals SignalSource
}

// New creates a Scorer. signals may be nil.
func New(cfg Config, signals SignalSource) *Scorer {
	return &Scorer{cfg: cfg.withDefaults(), signals: signals}
}

// Score computes the composite score and breakdown for an opportunity,
// returning a copy with Score, Breakdown, KellyFraction, and
// EstimatedSlippage populated.
func (s *Scorer) Score(opp types.Opportunity) types.Opportunity {
	return s.score(opp, false)
}

// ScoreWithImbalance is Score with order-book pressure enrichment: legs
// buying into heavy sell pressure (or selling into buy pressure) execute
// easier and nudge the execution score up, and vice versa.
func (s *Scorer) ScoreWithImbalance(opp types.Opportunity) types.Opportunity {
	return s.score(opp, true)
}

func (s *Scorer) score(opp types.Opportunity, useSignals bool) types.Opportunity {
	w := s.cfg.Weights

	edgeScore := math.Min(opp.EdgePct/10, 1) * w.Edge
	liqScore := math.Min(opp.TotalLiquidity/s.cfg.LiquidityNorm, 1) * w.Liquidity
	confScore := opp.Confidence * w.Confidence

	execScore := w.Execution
	hasSell := false
	for _, v := range legVenues(opp.Legs) {
		execScore *= s.cfg.Venues.Reliability(v)
	}
	for _, leg := range opp.Legs {
		if leg.Action == types.ActionSell {
			hasSell = true
		}
	}
	if hasSell {
		execScore *= sellDiscount
	}
	if useSignals && s.signals != nil {
		execScore *= s.imbalanceFactor(opp.Legs)
	}

	penalty := 0.0
	if s.cfg.MinLiquidity > 0 && opp.TotalLiquidity < 5*s.cfg.MinLiquidity {
		penalty += thinBookPenalty
	}
	if extra := len(legVenues(opp.Legs)) - 1; extra > 0 {
		penalty += crossVenuePenalty * float64(extra)
	}
	if slip := s.averageSlippage(opp.Legs, probeSize); slip > slippageTarget {
		penalty += math.Min(maxSlipPenalty, (slip-slippageTarget)*100)
	}
	if opp.Type == types.OpportunityEdge && opp.Confidence < 0.7 {
		penalty += math.Min(maxConfPenalty, (0.7-opp.Confidence)*10)
	}

	total := edgeScore + liqScore + confScore + execScore - penalty
	total = math.Max(0, math.Min(100, total))

	opp.Breakdown = types.ScoreBreakdown{
		Edge:       edgeScore,
		Liquidity:  liqScore,
		Confidence: confScore,
		Execution:  execScore,
		Penalty:    penalty,
		Total:      total,
	}
	opp.Score = total
	opp.KellyFraction = s.CalculateKelly(opp.EdgePct/100, opp.Confidence)
	opp.EstimatedSlippage = s.averageSlippage(opp.Legs, probeSize)
	return opp
}

// imbalanceFactor shifts execution quality by at most ±10% based on
// order-book pressure alignment with each leg's direction.
func (s *Scorer) imbalanceFactor(legs []types.Leg) float64 {
	var total float64
	var n int
	for _, leg := range legs {
		sig, ok := s.signals.SignalsFor(leg.Market)
		if !ok {
			continue
		}
		// A buy fills easier against sell pressure; a sell against buy
		// pressure. alignment ∈ [-1, 1].
		alignment := sig.SellPressure - sig.BuyPressure
		if leg.Action == types.ActionSell {
			alignment = -alignment
		}
		total += alignment
		n++
	}
	if n == 0 {
		return 1
	}
	return 1 + 0.1*(total/float64(n))
}

// EstimateSlippage models fractional price impact for a given order size:
// sqrt(size/liquidity)*2 + spread/2, clamped to 50%. Venue factors are
// applied by the per-leg helpers.
func (s *Scorer) EstimateSlippage(liquidity, size, spread float64) float64 {
	if liquidity <= 0 || size <= 0 {
		return maxSlippage
	}
	slip := math.Sqrt(size/liquidity)*2 + spread/2
	return math.Min(slip, maxSlippage)
}

// legSlippage is the venue-adjusted slippage for one leg at a notional size.
func (s *Scorer) legSlippage(leg types.Leg, size float64) float64 {
	base := s.EstimateSlippage(leg.Liquidity, size, spreadForPrice(leg.Price))
	return base * s.cfg.Venues.Slippage(leg.Market.Venue())
}

func (s *Scorer) averageSlippage(legs []types.Leg, size float64) float64 {
	if len(legs) == 0 {
		return 0
	}
	var sum float64
	for _, leg := range legs {
		sum += s.legSlippage(leg, size)
	}
	return sum / float64(len(legs))
}

// spreadForPrice is a spread surrogate when the book isn't available:
// extreme prices trade wider.
func spreadForPrice(price float64) float64 {
	if price < 0.05 || price > 0.95 {
		return 0.04
	}
	return 0.02
}

// CalculateKelly returns the recommended bankroll fraction for an edge
// (fractional, not percent) at a confidence. An optional observed win rate
// replaces the edge-implied win probability.
func (s *Scorer) CalculateKelly(edge, confidence float64, winRate ...float64) float64 {
	p := 0.5 + (edge*confidence)/2
	if len(winRate) > 0 && winRate[0] > 0 {
		p = winRate[0]
	}
	full := 2*p - 1
	if full <= 0 {
		return 0
	}
	k := full * kellySafety * confidence
	return math.Min(k, kellyCap)
}

// GetOptimalSize returns the recommended USD notional: the smallest of the
// Kelly size, 5% of total liquidity, the largest size keeping average
// slippage under 2%, and 10% of bankroll.
func (s *Scorer) GetOptimalSize(opp types.Opportunity, bankroll float64) float64 {
	if bankroll <= 0 || len(opp.Legs) == 0 {
		return 0
	}
	kelly := s.CalculateKelly(opp.EdgePct/100, opp.Confidence)
	candidates := []float64{
		kelly * bankroll,
		0.05 * opp.TotalLiquidity,
		s.maxSizeForSlippage(opp.Legs, bankroll),
		0.10 * bankroll,
	}
	size := candidates[0]
	for _, c := range candidates[1:] {
		if c < size {
			size = c
		}
	}
	return math.Max(0, size)
}

// maxSizeForSlippage binary-searches the largest size whose average
// venue-adjusted slippage stays under the 2% target.
func (s *Scorer) maxSizeForSlippage(legs []types.Leg, ceiling float64) float64 {
	if s.averageSlippage(legs, 1) > slippageTarget {
		return 0
	}
	lo, hi := 1.0, ceiling
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if s.averageSlippage(legs, mid) <= slippageTarget {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// EstimateExecution lays out the fills needed to realize an opportunity at
// the given total size, buys before sells, with exact decimal money totals.
func (s *Scorer) EstimateExecution(opp types.Opportunity, size float64) types.ExecutionPlan {
	legs := append([]types.Leg(nil), opp.Legs...)
	sort.SliceStable(legs, func(i, j int) bool {
		if legs[i].Action != legs[j].Action {
			return legs[i].Action == types.ActionBuy
		}
		// Thinner books move first.
		return legs[i].Liquidity < legs[j].Liquidity
	})

	perLeg := size
	if len(legs) > 0 {
		perLeg = size / float64(len(legs))
	}

	plan := types.ExecutionPlan{TimeSensitivity: timeSensitivity(opp.Type)}
	totalCost := decimal.Zero
	for i, leg := range legs {
		cost := decimal.NewFromFloat(perLeg).Round(2)
		step := types.ExecutionStep{
			Seq:     i + 1,
			Market:  leg.Market,
			Action:  leg.Action,
			Outcome: leg.Outcome,
			Price:   leg.Price,
			Size:    perLeg,
			Cost:    cost,
		}
		plan.Steps = append(plan.Steps, step)
		if leg.Action == types.ActionBuy {
			totalCost = totalCost.Add(cost)
		}
	}
	plan.TotalCost = totalCost
	plan.EstimatedProfit = decimal.NewFromFloat(size * opp.EdgePct / 100).Round(2)
	plan.RiskClass = riskClassFor(s.averageSlippage(legs, perLeg), len(legVenues(legs)))
	plan.Warnings = s.planWarnings(opp, legs, perLeg)
	return plan
}

func (s *Scorer) planWarnings(opp types.Opportunity, legs []types.Leg, perLeg float64) []string {
	var warnings []string
	for _, leg := range legs {
		if leg.Liquidity > 0 && perLeg > 0.10*leg.Liquidity {
			warnings = append(warnings,
				fmt.Sprintf("size is over 10%% of book on %s", leg.Market))
		}
		if leg.Action == types.ActionSell {
			warnings = append(warnings,
				fmt.Sprintf("requires selling on %s; fills are slower", leg.Market))
		}
	}
	if slip := s.averageSlippage(legs, perLeg); slip > slippageTarget {
		warnings = append(warnings,
			fmt.Sprintf("estimated slippage %.1f%% exceeds %.0f%% target",
				slip*100, slippageTarget*100))
	}
	if opp.MatchVerification != nil && len(opp.MatchVerification.Warnings) > 0 {
		warnings = append(warnings, "match verification raised warnings; confirm markets are equivalent")
	}
	return warnings
}

func riskClassFor(avgSlippage float64, venues int) types.RiskLevel {
	score := avgSlippage*500 + float64(venues-1)*15
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

// timeSensitivity is how long prices typically persist for each family:
// one-venue mispricings close fastest.
func timeSensitivity(t types.OpportunityType) time.Duration {
	switch t {
	case types.OpportunityInternal:
		return 2 * time.Minute
	case types.OpportunityCross:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// legVenues returns the distinct venues across legs, first-seen order.
func legVenues(legs []types.Leg) []string {
	seen := make(map[string]bool, len(legs))
	var venues []string
	for _, leg := range legs {
		v := leg.Market.Venue()
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		venues = append(venues, v)
	}
	return venues
}
