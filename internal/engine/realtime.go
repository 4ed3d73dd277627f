// realtime.go implements the push path: a price-update subscription that
// re-prices only the affected active opportunities, plus the periodic
// scan loop. The handler does pure arithmetic under the engine lock and
// performs all I/O (analytics, events) after releasing it.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"predarb/pkg/types"
)

// StartRealtime subscribes to venue price updates and starts the periodic
// scan loop. Returns an error if realtime mode is already running or the
// subscription fails.
func (e *Engine) StartRealtime(ctx context.Context) error {
	e.rtMu.Lock()
	defer e.rtMu.Unlock()
	if e.rtCancel != nil {
		return fmt.Errorf("start realtime: already running")
	}

	rtCtx, cancel := context.WithCancel(ctx)
	updates, err := e.feed.Subscribe(rtCtx, e.cfg.Venues)
	if err != nil {
		cancel()
		return fmt.Errorf("start realtime: %w", err)
	}

	done := make(chan struct{})
	e.rtCancel = cancel
	e.rtDone = done

	go func() {
		defer close(done)
		e.runRealtime(rtCtx, updates)
	}()

	e.logger.Info("realtime mode started",
		"venues", e.cfg.Venues, "scanInterval", e.cfg.ScanInterval)
	return nil
}

// StopRealtime cancels the subscription, interrupts any in-flight venue
// fetches, and joins the scan task. Safe to call when not running.
func (e *Engine) StopRealtime() {
	e.rtMu.Lock()
	defer e.rtMu.Unlock()
	if e.rtCancel == nil {
		return
	}
	e.rtCancel()

	select {
	case <-e.rtDone:
	case <-time.After(e.cfg.StopGrace):
		e.logger.Warn("realtime loop exceeded stop grace, still waiting",
			"grace", e.cfg.StopGrace)
		<-e.rtDone
	}

	e.rtCancel = nil
	e.rtDone = nil
	e.logger.Info("realtime mode stopped")
}

func (e *Engine) runRealtime(ctx context.Context, updates <-chan types.PriceUpdate) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	if _, err := e.Scan(ctx, ScanOptions{}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Scan(ctx, ScanOptions{}); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				e.logger.Warn("price update stream closed")
				return
			}
			e.handlePriceUpdate(ctx, u)
		}
	}
}

// handlePriceUpdate re-prices every active opportunity touching the
// updated market. Updates for one opportunity are applied in arrival
// order; an opportunity whose refreshed edge falls below the floor is
// expired early.
func (e *Engine) handlePriceUpdate(ctx context.Context, u types.PriceUpdate) {
	if u.Price <= 0 || u.Price >= 1 {
		e.logger.Warn("dropping invalid price update", "market", u.Key(), "price", u.Price)
		return
	}
	key := u.Key()

	e.mu.RLock()
	ids := make([]string, 0, len(e.byMarket[key]))
	for id := range e.byMarket[key] {
		ids = append(ids, id)
	}
	var bookLiq float64
	for _, id := range ids {
		for _, leg := range e.active[id].Legs {
			if leg.Market == key && leg.Liquidity > bookLiq {
				bookLiq = leg.Liquidity
			}
		}
	}
	e.mu.RUnlock()

	if e.breaker != nil && bookLiq > 0 {
		e.breaker.RecordQuote(key, u.Price, bookLiq, 0)
	}

	for _, id := range ids {
		e.repriceOne(ctx, id, key, u)
	}
}

func (e *Engine) repriceOne(ctx context.Context, id string, key types.MarketKey, u types.PriceUpdate) {
	var (
		updated types.Opportunity
		expired bool
		touched bool
	)

	e.mu.Lock()
	opp, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	touched = applyUpdate(opp, key, u)
	if touched {
		e.recomputeEdge(opp)
		rescored := e.scorer.Score(*opp)
		*opp = rescored

		if opp.EdgePct < e.cfg.MinEdgePct {
			opp.Status = types.StatusExpired
			updated = opp.Clone()
			e.removeLocked(id)
			e.counters.expired++
			expired = true
		} else {
			e.counters.updated++
			updated = opp.Clone()
		}
	}
	e.mu.Unlock()

	if !touched {
		return
	}
	if expired {
		e.analytics.RecordExpiry(ctx, updated)
		e.emit(types.EventExpired, updated)
		return
	}
	e.emit(types.EventUpdated, updated)
}

// applyUpdate writes the new price onto the matching legs. A market-level
// update (no outcome id) is treated as the YES price; NO books move
// independently, so NO legs only change on outcome-tagged updates.
func applyUpdate(opp *types.Opportunity, key types.MarketKey, u types.PriceUpdate) bool {
	touched := false
	for i := range opp.Legs {
		leg := &opp.Legs[i]
		if leg.Market != key {
			continue
		}
		if u.OutcomeID != "" {
			if strings.EqualFold(leg.Outcome, u.OutcomeID) {
				leg.Price = u.Price
				touched = true
			}
		} else if leg.Normalized.Class == types.OutcomeYes {
			leg.Price = u.Price
			touched = true
		}
	}
	return touched
}

// recomputeEdge rederives the fee-adjusted edge from current leg prices.
// The edge family keeps its discovered edge: re-querying the fair-value
// provider would mean I/O on the hot path.
func (e *Engine) recomputeEdge(opp *types.Opportunity) {
	if opp.Type == types.OpportunityEdge {
		return
	}

	var buyCost, sellProceeds, fees float64
	hasSell := false
	for _, leg := range opp.Legs {
		fees += leg.Price * e.cfg.VenueTables.Fee(leg.Market.Venue())
		if leg.Action == types.ActionSell {
			sellProceeds += leg.Price
			hasSell = true
		} else {
			buyCost += leg.Price
		}
	}

	var gross float64
	if hasSell {
		gross = sellProceeds - buyCost
	} else {
		gross = 1 - buyCost
	}
	opp.EdgePct = gross*100 - fees*100
	opp.ProfitPer100 = opp.EdgePct
}
