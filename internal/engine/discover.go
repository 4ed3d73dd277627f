// discover.go implements the three opportunity families.
//
//   - internal: YES + NO on one binary market sum to under $1.
//   - cross_platform: the same event is priced differently on two venues,
//     captured either as a YES spread or as buying YES cheap + NO dear.
//   - edge: an external fair-value estimate disagrees with the market.
package engine

import (
	"context"
	"math"
	"time"

	"predarb/pkg/types"
)

const (
	internalConfidence = 0.9
	edgeEpsilon        = 1e-9
	// Cross-venue sell legs are the riskier shape; when both strategies
	// price out the same, prefer the all-buy construction.
	preferBuyOnTie = true
)

// discoverInternal scans binary markets for YES+NO < 1.
func (e *Engine) discoverInternal(markets []types.Market) []types.Opportunity {
	var out []types.Opportunity
	for _, m := range markets {
		if !m.IsBinary() {
			continue
		}
		yes, yesNorm, okY := e.normalizer.FindYes(m.Outcomes)
		no, noNorm, okN := e.normalizer.FindNo(m.Outcomes)
		if !okY || !okN || yes.Name == no.Name {
			continue
		}

		sum := yes.Price + no.Price
		if sum >= 1 {
			continue
		}
		fee := e.cfg.VenueTables.Fee(m.Venue)
		netEdge := (1-sum)*100 - sum*fee*100
		if netEdge < e.cfg.MinEdgePct {
			continue
		}
		liq := min(yes.Volume24h, no.Volume24h)
		if liq < e.cfg.MinLiquidity {
			continue
		}

		out = append(out, types.Opportunity{
			Type: types.OpportunityInternal,
			Legs: []types.Leg{
				e.mkLeg(m, yes, yesNorm, types.ActionBuy),
				e.mkLeg(m, no, noNorm, types.ActionBuy),
			},
			EdgePct:        netEdge,
			ProfitPer100:   netEdge,
			Confidence:     internalConfidence,
			TotalLiquidity: liq,
			DiscoveredAt:   time.Now(),
			ExpiresAt:      time.Now().Add(e.cfg.OpportunityTTL),
			Status:         types.StatusActive,
		})
	}
	return out
}

// quote is one market's normalized YES/NO view inside a match group.
type quote struct {
	market  types.Market
	yes     types.Outcome
	yesNorm types.NormalizedOutcome
	no      types.Outcome
	noNorm  types.NormalizedOutcome
	hasNo   bool
}

// discoverCross turns verified match groups into cross-venue opportunities.
func (e *Engine) discoverCross(ctx context.Context, markets []types.Market) []types.Opportunity {
	groups := e.matcher.FindMatches(ctx, markets)

	var out []types.Opportunity
	for _, g := range groups {
		if g.NeedsReview || len(g.Venues()) < 2 {
			continue
		}

		var quotes []quote
		for _, m := range g.Markets {
			yes, yesNorm, ok := e.normalizer.FindYes(m.Outcomes)
			if !ok {
				continue
			}
			q := quote{market: m, yes: yes, yesNorm: yesNorm}
			if no, noNorm, ok := e.normalizer.FindNo(m.Outcomes); ok && no.Name != yes.Name {
				q.no, q.noNorm, q.hasNo = no, noNorm, true
			}
			quotes = append(quotes, q)
		}

		if opp, ok := e.bestCrossPair(quotes); ok {
			opp.Confidence = g.Similarity
			opp.MatchVerification = g.Verification
			out = append(out, opp)
		}
	}
	return out
}

// bestCrossPair evaluates both strategies over every cross-venue pair in
// the group and keeps the single best fee-adjusted edge.
func (e *Engine) bestCrossPair(quotes []quote) (types.Opportunity, bool) {
	var (
		best    types.Opportunity
		bestNet = -1.0
		found   bool
	)

	consider := func(legs []types.Leg, netEdge, liq float64) {
		if netEdge < e.cfg.MinEdgePct || liq < e.cfg.MinLiquidity {
			return
		}
		allBuy := true
		for _, l := range legs {
			if l.Action != types.ActionBuy {
				allBuy = false
			}
		}
		// Floating-point noise should not decide between strategies.
		better := netEdge > bestNet+edgeEpsilon
		if !better && preferBuyOnTie && allBuy && math.Abs(netEdge-bestNet) <= edgeEpsilon {
			better = true
		}
		if !better {
			return
		}
		bestNet = netEdge
		best = types.Opportunity{
			Type:           types.OpportunityCross,
			Legs:           legs,
			EdgePct:        netEdge,
			ProfitPer100:   netEdge,
			TotalLiquidity: liq,
			DiscoveredAt:   time.Now(),
			ExpiresAt:      time.Now().Add(e.cfg.OpportunityTTL),
			Status:         types.StatusActive,
		}
		found = true
	}

	for i := range quotes {
		for j := range quotes {
			a, b := quotes[i], quotes[j]
			if i == j || a.market.Venue == b.market.Venue {
				continue
			}
			feeA := e.cfg.VenueTables.Fee(a.market.Venue)
			feeB := e.cfg.VenueTables.Fee(b.market.Venue)
			liq := min(marketDepth(a.market), marketDepth(b.market))

			// YES spread: buy cheap on a, sell dear on b.
			if b.yes.Price > a.yes.Price {
				net := (b.yes.Price-a.yes.Price)*100 -
					(a.yes.Price*feeA+b.yes.Price*feeB)*100
				consider([]types.Leg{
					e.mkLeg(a.market, a.yes, a.yesNorm, types.ActionBuy),
					e.mkLeg(b.market, b.yes, b.yesNorm, types.ActionSell),
				}, net, liq)
			}

			// Buy YES on a plus NO on b: pays $1 whichever way it resolves.
			if b.hasNo {
				cost := a.yes.Price + b.no.Price
				if cost < 1 {
					net := (1-cost)*100 -
						(a.yes.Price*feeA+b.no.Price*feeB)*100
					consider([]types.Leg{
						e.mkLeg(a.market, a.yes, a.yesNorm, types.ActionBuy),
						e.mkLeg(b.market, b.no, b.noNorm, types.ActionBuy),
					}, net, liq)
				}
			}
		}
	}
	return best, found
}

// discoverEdge emits single-leg opportunities where an external fair-value
// estimate disagrees with the market price. Inert without a provider.
func (e *Engine) discoverEdge(ctx context.Context, markets []types.Market) []types.Opportunity {
	if e.fairValue == nil {
		return nil
	}

	var out []types.Opportunity
	for _, m := range markets {
		if !m.IsBinary() {
			continue
		}
		fair, conf, ok := e.fairValue.FairValue(ctx, m)
		if !ok || fair <= 0 || fair >= 1 {
			continue
		}
		yes, yesNorm, okY := e.normalizer.FindYes(m.Outcomes)
		no, noNorm, okN := e.normalizer.FindNo(m.Outcomes)
		if !okY || !okN {
			continue
		}

		// Buy whichever side the fair value says is cheap.
		leg := e.mkLeg(m, yes, yesNorm, types.ActionBuy)
		if fair < yes.Price {
			leg = e.mkLeg(m, no, noNorm, types.ActionBuy)
		}
		fee := e.cfg.VenueTables.Fee(m.Venue)
		netEdge := math.Abs(fair-yes.Price)*100 - leg.Price*fee*100
		if netEdge < e.cfg.MinEdgePct {
			continue
		}
		liq := marketDepth(m)
		if liq < e.cfg.MinLiquidity {
			continue
		}

		out = append(out, types.Opportunity{
			Type:           types.OpportunityEdge,
			Legs:           []types.Leg{leg},
			EdgePct:        netEdge,
			ProfitPer100:   netEdge,
			Confidence:     conf,
			TotalLiquidity: liq,
			DiscoveredAt:   time.Now(),
			ExpiresAt:      time.Now().Add(e.cfg.OpportunityTTL),
			Status:         types.StatusActive,
		})
	}
	return out
}

func (e *Engine) mkLeg(m types.Market, o types.Outcome, norm types.NormalizedOutcome, action types.Action) types.Leg {
	liq := m.Liquidity
	if liq == 0 {
		liq = o.Volume24h
	}
	return types.Leg{
		Market:     m.Key(),
		Outcome:    o.Name,
		Normalized: norm,
		Action:     action,
		Price:      o.Price,
		Liquidity:  liq,
		Volume24h:  o.Volume24h,
	}
}

// marketDepth is the liquidity proxy used for floors: book liquidity when
// the venue reports it, trailing volume otherwise.
func marketDepth(m types.Market) float64 {
	if m.Liquidity > 0 {
		return m.Liquidity
	}
	return m.Volume24h
}
