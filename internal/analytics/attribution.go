// attribution.go answers performance-attribution queries: where realized
// profit came from, sliced by edge source, time of day, and the edge,
// liquidity, and confidence buckets the opportunity was discovered in.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"predarb/internal/store"
	"predarb/pkg/types"
)

// BucketStats aggregates closed opportunities sharing one bucket key.
type BucketStats struct {
	Key         string
	Count       int // discovered in this bucket
	Taken       int
	Wins        int
	TotalProfit float64
	AvgProfit   float64 // over closed opportunities
}

// DecayPoint measures how much edge survives a given discovery-to-execution
// delay.
type DecayPoint struct {
	Label        string // delay bucket
	Samples      int
	AvgProfit    float64
	AvgSlippage  float64 // actual, from attribution
	EdgeRetained float64 // avg realized pnl per $100 / avg discovered edge
}

// AttributionReport is the full performance-attribution breakdown for a
// trailing window.
type AttributionReport struct {
	Window       time.Duration
	ByEdgeSource []BucketStats
	ByHour       []BucketStats // UTC hour of discovery, 00..23
	ByWeekday    []BucketStats
	ByEdge       []BucketStats
	ByLiquidity  []BucketStats
	ByConfidence []BucketStats
	DecayCurve   []DecayPoint
}

func edgeBucket(edgePct float64) string {
	switch {
	case edgePct < 1:
		return "<1%"
	case edgePct < 2:
		return "1-2%"
	case edgePct < 5:
		return "2-5%"
	case edgePct < 10:
		return "5-10%"
	default:
		return ">=10%"
	}
}

func liquidityBucket(liquidity float64) string {
	switch {
	case liquidity < 1_000:
		return "<1k"
	case liquidity < 10_000:
		return "1k-10k"
	case liquidity < 100_000:
		return "10k-100k"
	default:
		return ">=100k"
	}
}

func confidenceBucket(conf float64) string {
	switch {
	case conf < 0.5:
		return "<0.5"
	case conf < 0.7:
		return "0.5-0.7"
	case conf < 0.9:
		return "0.7-0.9"
	default:
		return ">=0.9"
	}
}

func delayBucket(delay time.Duration) string {
	switch {
	case delay < time.Minute:
		return "<1m"
	case delay < 5*time.Minute:
		return "1-5m"
	case delay < 15*time.Minute:
		return "5-15m"
	case delay < time.Hour:
		return "15-60m"
	default:
		return ">=1h"
	}
}

// GetAttribution computes the attribution report over the trailing window.
func (a *Analytics) GetAttribution(ctx context.Context, window time.Duration) (AttributionReport, error) {
	report := AttributionReport{Window: window}
	if a.store == nil {
		return report, nil
	}
	since := time.Now().Add(-window)

	opps, err := a.store.QueryOpportunities(ctx, store.OpportunityFilter{Since: since})
	if err != nil {
		return report, fmt.Errorf("get attribution: %w", err)
	}
	attrs, err := a.store.LoadAttributions(ctx, since)
	if err != nil {
		return report, fmt.Errorf("get attribution: %w", err)
	}
	attrByID := make(map[string]store.Attribution, len(attrs))
	for _, at := range attrs {
		attrByID[at.OpportunityID] = at
	}

	type acc struct {
		stats  BucketStats
		closed int
	}
	buckets := map[string]map[string]*acc{
		"source": {}, "hour": {}, "weekday": {},
		"edge": {}, "liquidity": {}, "confidence": {},
	}
	add := func(dim, key string, opp types.Opportunity) {
		m := buckets[dim]
		b := m[key]
		if b == nil {
			b = &acc{stats: BucketStats{Key: key}}
			m[key] = b
		}
		b.stats.Count++
		if opp.Outcome == nil {
			return
		}
		if opp.Outcome.Taken {
			b.stats.Taken++
		}
		if !opp.Outcome.ClosedAt.IsZero() {
			b.closed++
			b.stats.TotalProfit += opp.Outcome.RealizedPnL
			if opp.Outcome.RealizedPnL > 0 {
				b.stats.Wins++
			}
		}
	}

	type decayAcc struct {
		point   DecayPoint
		edgeSum float64
	}
	decay := map[string]*decayAcc{}

	for _, opp := range opps {
		add("source", string(opp.Type), opp)
		add("hour", fmt.Sprintf("%02d", opp.DiscoveredAt.UTC().Hour()), opp)
		add("weekday", opp.DiscoveredAt.UTC().Weekday().String(), opp)
		add("edge", edgeBucket(opp.EdgePct), opp)
		add("liquidity", liquidityBucket(opp.TotalLiquidity), opp)
		add("confidence", confidenceBucket(opp.Confidence), opp)

		at, ok := attrByID[opp.ID]
		if !ok || at.ExecutedAt == nil || opp.Outcome == nil || opp.Outcome.ClosedAt.IsZero() {
			continue
		}
		key := delayBucket(at.ExecutedAt.Sub(opp.DiscoveredAt))
		d := decay[key]
		if d == nil {
			d = &decayAcc{point: DecayPoint{Label: key}}
			decay[key] = d
		}
		d.point.Samples++
		d.point.AvgProfit += opp.Outcome.RealizedPnL
		d.point.AvgSlippage += at.ActualSlippage
		d.edgeSum += opp.EdgePct
	}

	finish := func(dim string) []BucketStats {
		var out []BucketStats
		for _, b := range buckets[dim] {
			if b.closed > 0 {
				b.stats.AvgProfit = b.stats.TotalProfit / float64(b.closed)
			}
			out = append(out, b.stats)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return out
	}
	report.ByEdgeSource = finish("source")
	report.ByHour = finish("hour")
	report.ByWeekday = finish("weekday")
	report.ByEdge = finish("edge")
	report.ByLiquidity = finish("liquidity")
	report.ByConfidence = finish("confidence")

	order := []string{"<1m", "1-5m", "5-15m", "15-60m", ">=1h"}
	for _, key := range order {
		d, ok := decay[key]
		if !ok {
			continue
		}
		n := float64(d.point.Samples)
		d.point.AvgProfit /= n
		d.point.AvgSlippage /= n
		if avgEdge := d.edgeSum / n; avgEdge > 0 {
			d.point.EdgeRetained = d.point.AvgProfit / avgEdge
		}
		report.DecayCurve = append(report.DecayCurve, d.point)
	}
	return report, nil
}
