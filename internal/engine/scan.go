// scan.go implements the pull path: fetch markets from every configured
// venue, run the enabled discovery families, score, and merge into the
// active set.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"predarb/internal/breaker"
	"predarb/pkg/types"
)

// ScanOptions tunes one scan cycle.
type ScanOptions struct {
	// SortBy orders the returned slice: "score" (default), "edge", or
	// "liquidity".
	SortBy string
}

// Scan runs one discovery cycle and returns the resulting opportunities,
// sorted per opts. Venue failures degrade to empty venue lists; the only
// error is caller cancellation.
func (e *Engine) Scan(ctx context.Context, opts ScanOptions) ([]types.Opportunity, error) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	started := time.Now()

	markets := e.fetchMarkets(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	markets = e.sanitize(markets)

	var candidates []types.Opportunity
	if e.cfg.IncludeInternal {
		candidates = append(candidates, e.discoverInternal(markets)...)
	}
	if e.cfg.IncludeCross {
		candidates = append(candidates, e.discoverCross(ctx, markets)...)
	}
	if e.cfg.IncludeEdge {
		candidates = append(candidates, e.discoverEdge(ctx, markets)...)
	}

	for i := range candidates {
		candidates[i] = e.finishOpportunity(candidates[i])
	}

	results := e.mergeCandidates(ctx, candidates)
	e.expireStale(ctx, time.Now())

	e.mu.Lock()
	e.counters.scans++
	e.counters.lastScanAt = started
	e.counters.lastScanTook = time.Since(started)
	e.mu.Unlock()

	sortOpportunities(results, opts.SortBy)
	return results, nil
}

// fetchMarkets fans out one search per venue with a per-venue deadline.
// A failed venue contributes nothing this cycle.
func (e *Engine) fetchMarkets(ctx context.Context) []types.Market {
	var (
		mu      sync.Mutex
		markets []types.Market
	)
	var g errgroup.Group
	for _, v := range e.cfg.Venues {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
			defer cancel()

			found, err := e.feed.SearchMarkets(vctx, e.cfg.SearchQuery, v)
			if err != nil {
				e.logger.Warn("venue fetch failed, skipping this cycle",
					"venue", v, "error", err)
				if e.breaker != nil {
					e.breaker.RecordTrade(breaker.TradeResult{Success: false})
				}
				return nil
			}
			mu.Lock()
			markets = append(markets, found...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Venue fan-out order is nondeterministic; restore a stable order so
	// matching and discovery are reproducible run to run.
	sort.SliceStable(markets, func(i, j int) bool {
		if markets[i].Venue != markets[j].Venue {
			return markets[i].Venue < markets[j].Venue
		}
		return markets[i].ID < markets[j].ID
	})
	return markets
}

// sanitize drops markets that violate basic invariants instead of letting
// them poison discovery.
func (e *Engine) sanitize(markets []types.Market) []types.Market {
	out := markets[:0]
	for _, m := range markets {
		if m.Venue == "" || m.ID == "" {
			e.logger.Warn("dropping market with malformed key", "venue", m.Venue, "id", m.ID)
			continue
		}
		valid := len(m.Outcomes) > 0
		for _, o := range m.Outcomes {
			if o.Price <= 0 || o.Price >= 1 {
				valid = false
				break
			}
		}
		if !valid {
			e.logger.Warn("dropping market with invalid prices", "market", m.Key())
			continue
		}
		out = append(out, m)
	}
	return out
}

// finishOpportunity scores a candidate and fills its sizing fields.
func (e *Engine) finishOpportunity(opp types.Opportunity) types.Opportunity {
	opp = e.scorer.ScoreWithImbalance(opp)
	optimal := e.scorer.GetOptimalSize(opp, e.cfg.Bankroll)
	if optimal > 0 && len(opp.Legs) > 0 {
		perLeg := optimal / float64(len(opp.Legs))
		for i := range opp.Legs {
			opp.Legs[i].RecommendedSize = perLeg
		}
	}
	return opp
}

// mergeCandidates folds scored candidates into the active set: a candidate
// matching an active opportunity's fingerprint refreshes it in place,
// anything else is a new discovery. Returns copies of the merged set.
func (e *Engine) mergeCandidates(ctx context.Context, candidates []types.Opportunity) []types.Opportunity {
	var (
		results    []types.Opportunity
		discovered []types.Opportunity
		updated    []types.Opportunity
	)

	e.mu.Lock()
	for _, cand := range candidates {
		fp := fingerprint(cand)
		if id, ok := e.byPrint[fp]; ok {
			existing := e.active[id]
			refreshInPlace(existing, cand)
			e.counters.updated++
			updated = append(updated, existing.Clone())
			results = append(results, existing.Clone())
			continue
		}

		cand.ID = newID()
		cand.Status = types.StatusActive
		opp := cand.Clone()
		e.insertLocked(&opp)
		e.counters.discovered++
		discovered = append(discovered, opp.Clone())
		results = append(results, opp.Clone())
	}
	e.mu.Unlock()

	// Emission order is the scored order within the cycle; analytics and
	// events run outside the lock.
	for _, opp := range discovered {
		e.analytics.RecordDiscovery(ctx, opp)
		e.emit(types.EventDiscovered, opp)
	}
	for _, opp := range updated {
		e.emit(types.EventUpdated, opp)
	}
	return results
}

// refreshInPlace carries a re-discovered candidate's fresh pricing onto the
// already-active opportunity, extending its lifetime.
func refreshInPlace(existing *types.Opportunity, cand types.Opportunity) {
	existing.Legs = append(existing.Legs[:0], cand.Legs...)
	existing.EdgePct = cand.EdgePct
	existing.ProfitPer100 = cand.ProfitPer100
	existing.Score = cand.Score
	existing.Breakdown = cand.Breakdown
	existing.Confidence = cand.Confidence
	existing.KellyFraction = cand.KellyFraction
	existing.EstimatedSlippage = cand.EstimatedSlippage
	existing.TotalLiquidity = cand.TotalLiquidity
	existing.MatchVerification = cand.MatchVerification
	existing.ExpiresAt = cand.ExpiresAt
}

// expireStale walks the active set and retires anything past its deadline.
func (e *Engine) expireStale(ctx context.Context, now time.Time) {
	var expired []types.Opportunity

	e.mu.Lock()
	for id, opp := range e.active {
		if now.Before(opp.ExpiresAt) {
			continue
		}
		opp.Status = types.StatusExpired
		expired = append(expired, opp.Clone())
		e.removeLocked(id)
		e.counters.expired++
	}
	e.mu.Unlock()

	for _, opp := range expired {
		e.analytics.RecordExpiry(ctx, opp)
		e.emit(types.EventExpired, opp)
	}
}

func sortOpportunities(opps []types.Opportunity, key string) {
	sort.SliceStable(opps, func(i, j int) bool {
		switch key {
		case "edge":
			return opps[i].EdgePct > opps[j].EdgePct
		case "liquidity":
			return opps[i].TotalLiquidity > opps[j].TotalLiquidity
		default:
			return opps[i].Score > opps[j].Score
		}
	})
}
