// Package analytics records opportunity lifecycles and answers aggregate
// performance queries. Every write is best-effort: a persistence failure
// is logged and swallowed so the discovery path never stalls on the
// database. Reads always come from the store; nothing in memory is
// authoritative.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"predarb/internal/store"
	"predarb/pkg/types"
)

// Store is the persistence surface analytics depends on.
type Store interface {
	SaveOpportunity(ctx context.Context, opp types.Opportunity) error
	GetOpportunity(ctx context.Context, id string) (types.Opportunity, error)
	QueryOpportunities(ctx context.Context, f store.OpportunityFilter) ([]types.Opportunity, error)
	DeleteOpportunitiesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	BumpPairStats(ctx context.Context, a, b string, d store.PairDelta) error
	GetPlatformPairs(ctx context.Context) ([]store.PairStats, error)
	SaveAttribution(ctx context.Context, a store.Attribution) error
	LoadAttributions(ctx context.Context, since time.Time) ([]store.Attribution, error)
}

// Analytics is the recording and reporting layer. A nil store turns every
// write into a no-op and every query into an empty result.
type Analytics struct {
	store  Store
	logger *slog.Logger
}

// New creates an Analytics layer over a store.
func New(st Store, logger *slog.Logger) *Analytics {
	return &Analytics{
		store:  st,
		logger: logger.With("component", "analytics"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Recording
// ————————————————————————————————————————————————————————————————————————

// ExecutionReport carries what the executor observed while taking an
// opportunity.
type ExecutionReport struct {
	ExecutedAt      time.Time
	ExecutionTimeMS int64
	FillRate        float64
	ActualSlippage  float64
}

// RecordDiscovery persists a newly discovered opportunity, seeds its
// attribution record, and bumps the venue-pair counters.
func (a *Analytics) RecordDiscovery(ctx context.Context, opp types.Opportunity) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveOpportunity(ctx, opp); err != nil {
		a.logger.Warn("record discovery failed", "id", opp.ID, "error", err)
	}
	if err := a.store.SaveAttribution(ctx, store.Attribution{
		OpportunityID:    opp.ID,
		EdgeSource:       string(opp.Type),
		DiscoveredAt:     opp.DiscoveredAt,
		ExpectedSlippage: opp.EstimatedSlippage,
	}); err != nil {
		a.logger.Warn("record attribution failed", "id", opp.ID, "error", err)
	}
	a.bumpPairs(ctx, opp, store.PairDelta{Opportunities: 1, Edge: opp.EdgePct})
}

// RecordTaken marks an opportunity as taken and stamps the execution
// details onto its attribution record.
func (a *Analytics) RecordTaken(ctx context.Context, opp types.Opportunity, exec ExecutionReport) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveOpportunity(ctx, opp); err != nil {
		a.logger.Warn("record taken failed", "id", opp.ID, "error", err)
	}
	executedAt := exec.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	if err := a.store.SaveAttribution(ctx, store.Attribution{
		OpportunityID:    opp.ID,
		EdgeSource:       string(opp.Type),
		DiscoveredAt:     opp.DiscoveredAt,
		ExecutedAt:       &executedAt,
		ExpectedSlippage: opp.EstimatedSlippage,
		ActualSlippage:   exec.ActualSlippage,
		FillRate:         exec.FillRate,
		ExecutionTimeMS:  exec.ExecutionTimeMS,
	}); err != nil {
		a.logger.Warn("record attribution failed", "id", opp.ID, "error", err)
	}
	a.bumpPairs(ctx, opp, store.PairDelta{Taken: 1})
}

// RecordExpiry persists the expired terminal state.
func (a *Analytics) RecordExpiry(ctx context.Context, opp types.Opportunity) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveOpportunity(ctx, opp); err != nil {
		a.logger.Warn("record expiry failed", "id", opp.ID, "error", err)
	}
}

// RecordOutcome persists the closed opportunity with its realized PnL and
// updates wins and profit on the venue-pair counters.
func (a *Analytics) RecordOutcome(ctx context.Context, opp types.Opportunity) {
	if a.store == nil || opp.Outcome == nil {
		return
	}
	if err := a.store.SaveOpportunity(ctx, opp); err != nil {
		a.logger.Warn("record outcome failed", "id", opp.ID, "error", err)
	}

	closedAt := opp.Outcome.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	if err := a.store.SaveAttribution(ctx, store.Attribution{
		OpportunityID:    opp.ID,
		EdgeSource:       string(opp.Type),
		DiscoveredAt:     opp.DiscoveredAt,
		ClosedAt:         &closedAt,
		ExpectedSlippage: opp.EstimatedSlippage,
	}); err != nil {
		a.logger.Warn("record attribution failed", "id", opp.ID, "error", err)
	}

	delta := store.PairDelta{Profit: opp.Outcome.RealizedPnL}
	if opp.Outcome.RealizedPnL > 0 {
		delta.Wins = 1
	}
	a.bumpPairs(ctx, opp, delta)
}

// bumpPairs applies a delta to every distinct venue pair the legs span.
func (a *Analytics) bumpPairs(ctx context.Context, opp types.Opportunity, d store.PairDelta) {
	venues := distinctVenues(opp)
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			if err := a.store.BumpPairStats(ctx, venues[i], venues[j], d); err != nil {
				a.logger.Warn("bump pair stats failed",
					"pair", venues[i]+"/"+venues[j], "error", err)
			}
		}
	}
}

func distinctVenues(opp types.Opportunity) []string {
	seen := make(map[string]bool)
	var venues []string
	for _, leg := range opp.Legs {
		v := leg.Market.Venue()
		if !seen[v] {
			seen[v] = true
			venues = append(venues, v)
		}
	}
	sort.Strings(venues)
	return venues
}

// ————————————————————————————————————————————————————————————————————————
// Queries
// ————————————————————————————————————————————————————————————————————————

// Stats summarizes discovered opportunities over a window.
type Stats struct {
	Window      time.Duration
	Total       int
	ByType      map[types.OpportunityType]int
	ByStatus    map[types.OpportunityStatus]int
	Taken       int
	Wins        int
	Losses      int
	WinRate     float64 // wins / closed-with-pnl, 0 when nothing closed
	TotalProfit float64
	AvgEdgePct  float64
	AvgScore    float64
	BestEdgePct float64
}

// GetOpportunity loads one stored opportunity.
func (a *Analytics) GetOpportunity(ctx context.Context, id string) (types.Opportunity, error) {
	if a.store == nil {
		return types.Opportunity{}, store.ErrNotFound
	}
	return a.store.GetOpportunity(ctx, id)
}

// GetOpportunities returns stored opportunities matching the filter.
func (a *Analytics) GetOpportunities(ctx context.Context, f store.OpportunityFilter) ([]types.Opportunity, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.QueryOpportunities(ctx, f)
}

// GetStats computes summary statistics over the trailing window.
func (a *Analytics) GetStats(ctx context.Context, window time.Duration) (Stats, error) {
	stats := Stats{
		Window:   window,
		ByType:   make(map[types.OpportunityType]int),
		ByStatus: make(map[types.OpportunityStatus]int),
	}
	if a.store == nil {
		return stats, nil
	}

	opps, err := a.store.QueryOpportunities(ctx, store.OpportunityFilter{
		Since: time.Now().Add(-window),
	})
	if err != nil {
		return stats, fmt.Errorf("get stats: %w", err)
	}

	var edgeSum, scoreSum float64
	for _, opp := range opps {
		stats.Total++
		stats.ByType[opp.Type]++
		stats.ByStatus[opp.Status]++
		edgeSum += opp.EdgePct
		scoreSum += opp.Score
		if opp.EdgePct > stats.BestEdgePct {
			stats.BestEdgePct = opp.EdgePct
		}
		if opp.Outcome == nil {
			continue
		}
		if opp.Outcome.Taken {
			stats.Taken++
		}
		if !opp.Outcome.ClosedAt.IsZero() {
			stats.TotalProfit += opp.Outcome.RealizedPnL
			if opp.Outcome.RealizedPnL > 0 {
				stats.Wins++
			} else {
				stats.Losses++
			}
		}
	}
	if stats.Total > 0 {
		stats.AvgEdgePct = edgeSum / float64(stats.Total)
		stats.AvgScore = scoreSum / float64(stats.Total)
	}
	if closed := stats.Wins + stats.Losses; closed > 0 {
		stats.WinRate = float64(stats.Wins) / float64(closed)
	}
	return stats, nil
}

// GetPlatformPairs returns the durable venue-pair statistics.
func (a *Analytics) GetPlatformPairs(ctx context.Context) ([]store.PairStats, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.GetPlatformPairs(ctx)
}

// StrategyStats ranks one opportunity family by realized performance.
type StrategyStats struct {
	Type        types.OpportunityType
	Samples     int // closed opportunities
	Wins        int
	WinRate     float64
	TotalProfit float64
	AvgProfit   float64
	AvgEdgePct  float64
}

// GetBestStrategies ranks opportunity families by average realized profit
// over the window, dropping families with fewer than minSamples closed
// opportunities.
func (a *Analytics) GetBestStrategies(ctx context.Context, window time.Duration, minSamples int) ([]StrategyStats, error) {
	if a.store == nil {
		return nil, nil
	}
	opps, err := a.store.QueryOpportunities(ctx, store.OpportunityFilter{
		Since: time.Now().Add(-window),
	})
	if err != nil {
		return nil, fmt.Errorf("get best strategies: %w", err)
	}

	byType := make(map[types.OpportunityType]*StrategyStats)
	for _, opp := range opps {
		if opp.Outcome == nil || opp.Outcome.ClosedAt.IsZero() {
			continue
		}
		st := byType[opp.Type]
		if st == nil {
			st = &StrategyStats{Type: opp.Type}
			byType[opp.Type] = st
		}
		st.Samples++
		st.TotalProfit += opp.Outcome.RealizedPnL
		st.AvgEdgePct += opp.EdgePct
		if opp.Outcome.RealizedPnL > 0 {
			st.Wins++
		}
	}

	var out []StrategyStats
	for _, st := range byType {
		if st.Samples < minSamples {
			continue
		}
		st.WinRate = float64(st.Wins) / float64(st.Samples)
		st.AvgProfit = st.TotalProfit / float64(st.Samples)
		st.AvgEdgePct /= float64(st.Samples)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgProfit != out[j].AvgProfit {
			return out[i].AvgProfit > out[j].AvgProfit
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// Cleanup deletes opportunity records older than the retention period.
func (a *Analytics) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if a.store == nil {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	n, err := a.store.DeleteOpportunitiesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		a.logger.Info("cleaned up old opportunities", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
