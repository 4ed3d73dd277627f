package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"predarb/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mkLink(a, b string, conf float64) types.Link {
	ka, kb := types.MarketKey(a), types.MarketKey(b)
	return types.Link{
		ID:         types.LinkID(ka, kb),
		MarketA:    ka,
		MarketB:    kb,
		Confidence: conf,
		Source:     types.LinkManual,
		CreatedAt:  time.Now().Truncate(time.Millisecond),
	}
}

func TestLinkRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	link := mkLink("polymarket:m1", "kalshi:k1", 0.95)
	link.Metadata = map[string]string{"reviewer": "ops"}
	if err := db.SaveLink(ctx, link); err != nil {
		t.Fatalf("save: %v", err)
	}

	links, err := db.LoadLinks(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("got %d links", len(links))
	}
	got := links[0]
	if got.ID != link.ID || got.MarketA != link.MarketA || got.MarketB != link.MarketB {
		t.Errorf("link identity mismatch: %+v", got)
	}
	if got.Confidence != 0.95 || got.Source != types.LinkManual {
		t.Errorf("link fields mismatch: %+v", got)
	}
	if got.Metadata["reviewer"] != "ops" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestLinkUpsertAndConfidenceUpdate(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	link := mkLink("polymarket:m1", "kalshi:k1", 0.8)
	if err := db.SaveLink(ctx, link); err != nil {
		t.Fatalf("save: %v", err)
	}
	link.Confidence = 0.9
	if err := db.SaveLink(ctx, link); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	if err := db.UpdateLinkConfidence(ctx, link.ID, 0.99); err != nil {
		t.Fatalf("update confidence: %v", err)
	}
	links, _ := db.LoadLinks(ctx)
	if len(links) != 1 || links[0].Confidence != 0.99 {
		t.Errorf("links = %+v", links)
	}

	if err := db.UpdateLinkConfidence(ctx, "missing", 0.5); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteLink(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	link := mkLink("polymarket:m1", "kalshi:k1", 0.8)
	if err := db.SaveLink(ctx, link); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.DeleteLink(ctx, link.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	links, _ := db.LoadLinks(ctx)
	if len(links) != 0 {
		t.Errorf("links survived delete: %+v", links)
	}
	// Deleting again is a no-op.
	if err := db.DeleteLink(ctx, link.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func mkOpportunity(id string, oppType types.OpportunityType, discovered time.Time) types.Opportunity {
	return types.Opportunity{
		ID:   id,
		Type: oppType,
		Legs: []types.Leg{{
			Market:          "polymarket:m1",
			Outcome:         "Yes",
			Action:          types.ActionBuy,
			Price:           0.45,
			RecommendedSize: 100,
		}},
		EdgePct:        4.2,
		ProfitPer100:   4.2,
		Score:          61.5,
		Confidence:     0.9,
		TotalLiquidity: 5000,
		Status:         types.StatusActive,
		DiscoveredAt:   discovered,
		ExpiresAt:      discovered.Add(5 * time.Minute),
	}
}

func TestOpportunityRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	opp := mkOpportunity("opp-1", types.OpportunityCross, now)
	if err := db.SaveOpportunity(ctx, opp); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.GetOpportunity(ctx, "opp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != types.OpportunityCross || got.EdgePct != 4.2 || got.Score != 61.5 {
		t.Errorf("fields mismatch: %+v", got)
	}
	if len(got.Legs) != 1 || got.Legs[0].Market != "polymarket:m1" {
		t.Errorf("legs mismatch: %+v", got.Legs)
	}
	if !got.DiscoveredAt.Equal(now) {
		t.Errorf("discovered_at = %v, want %v", got.DiscoveredAt, now)
	}
	if got.Outcome != nil {
		t.Errorf("outcome should be nil for a fresh opportunity: %+v", got.Outcome)
	}

	if _, err := db.GetOpportunity(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpportunityOutcomeUpsert(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	opp := mkOpportunity("opp-1", types.OpportunityInternal, now)
	if err := db.SaveOpportunity(ctx, opp); err != nil {
		t.Fatalf("save: %v", err)
	}

	opp.Status = types.StatusClosed
	opp.Outcome = &types.OpportunityOutcome{
		Taken:       true,
		FillPrices:  map[types.MarketKey]float64{"polymarket:m1": 0.46},
		RealizedPnL: 3.1,
		ClosedAt:    now.Add(time.Hour),
		Notes:       "partial fill",
	}
	if err := db.SaveOpportunity(ctx, opp); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.GetOpportunity(ctx, "opp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusClosed {
		t.Errorf("status = %v", got.Status)
	}
	if got.Outcome == nil || !got.Outcome.Taken || got.Outcome.RealizedPnL != 3.1 {
		t.Fatalf("outcome = %+v", got.Outcome)
	}
	if got.Outcome.FillPrices["polymarket:m1"] != 0.46 {
		t.Errorf("fill prices = %v", got.Outcome.FillPrices)
	}
	if got.Outcome.Notes != "partial fill" {
		t.Errorf("notes = %q", got.Outcome.Notes)
	}
}

func TestQueryOpportunitiesFilters(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for i, typ := range []types.OpportunityType{
		types.OpportunityInternal, types.OpportunityCross, types.OpportunityCross,
	} {
		opp := mkOpportunity(
			string(rune('a'+i)), typ, base.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			opp.Status = types.StatusExpired
		}
		if err := db.SaveOpportunity(ctx, opp); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	cross, err := db.QueryOpportunities(ctx, OpportunityFilter{Type: types.OpportunityCross})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(cross) != 2 {
		t.Errorf("cross-platform count = %d", len(cross))
	}

	active, err := db.QueryOpportunities(ctx, OpportunityFilter{Status: types.StatusActive})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active count = %d", len(active))
	}

	recent, err := db.QueryOpportunities(ctx, OpportunityFilter{
		Since: base.Add(90 * time.Second),
		Limit: 1,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("since+limit count = %d", len(recent))
	}

	// Newest first.
	all, _ := db.QueryOpportunities(ctx, OpportunityFilter{})
	if len(all) != 3 || all[0].DiscoveredAt.Before(all[1].DiscoveredAt) {
		t.Errorf("ordering wrong: %+v", all)
	}
}

func TestDeleteOpportunitiesBefore(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	db.SaveOpportunity(ctx, mkOpportunity("old", types.OpportunityInternal, old))
	db.SaveOpportunity(ctx, mkOpportunity("new", types.OpportunityInternal, fresh))

	n, err := db.DeleteOpportunitiesBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if _, err := db.GetOpportunity(ctx, "new"); err != nil {
		t.Errorf("fresh row should survive: %v", err)
	}
}

func TestBumpPairStatsNormalizesOrderAndAverages(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.BumpPairStats(ctx, "polymarket", "kalshi", PairDelta{
		Opportunities: 1, Edge: 4.0,
	}); err != nil {
		t.Fatalf("bump: %v", err)
	}
	// Reversed order must hit the same row.
	if err := db.BumpPairStats(ctx, "kalshi", "polymarket", PairDelta{
		Opportunities: 1, Edge: 6.0,
	}); err != nil {
		t.Fatalf("bump reversed: %v", err)
	}
	if err := db.BumpPairStats(ctx, "kalshi", "polymarket", PairDelta{
		Taken: 1, Wins: 1, Profit: 12.5,
	}); err != nil {
		t.Fatalf("bump taken: %v", err)
	}

	pairs, err := db.GetPlatformPairs(ctx)
	if err != nil {
		t.Fatalf("get pairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pair rows = %d, want 1", len(pairs))
	}
	p := pairs[0]
	if p.PlatformA != "kalshi" || p.PlatformB != "polymarket" {
		t.Errorf("pair order = %s/%s", p.PlatformA, p.PlatformB)
	}
	if p.TotalOpportunities != 2 || p.Taken != 1 || p.Wins != 1 {
		t.Errorf("counts = %+v", p)
	}
	if p.TotalProfit != 12.5 {
		t.Errorf("profit = %v", p.TotalProfit)
	}
	if p.AvgEdge < 4.99 || p.AvgEdge > 5.01 {
		t.Errorf("avg edge = %v, want 5.0", p.AvgEdge)
	}
}

func TestAttributionRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	discovered := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	a := Attribution{
		OpportunityID:    "opp-1",
		EdgeSource:       "stale_quote",
		DiscoveredAt:     discovered,
		ExpectedSlippage: 0.01,
	}
	if err := db.SaveAttribution(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	executed := discovered.Add(30 * time.Second)
	a.ExecutedAt = &executed
	a.ActualSlippage = 0.015
	a.FillRate = 0.92
	a.ExecutionTimeMS = 840
	if err := db.SaveAttribution(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.LoadAttributions(ctx, discovered.Add(-time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d", len(got))
	}
	r := got[0]
	if r.EdgeSource != "stale_quote" || r.ActualSlippage != 0.015 || r.FillRate != 0.92 {
		t.Errorf("row = %+v", r)
	}
	if r.ExecutedAt == nil || !r.ExecutedAt.Equal(executed) {
		t.Errorf("executed_at = %v", r.ExecutedAt)
	}

	// A later close-only write must not erase the execution stamp.
	closed := executed.Add(time.Hour)
	if err := db.SaveAttribution(ctx, Attribution{
		OpportunityID: "opp-1",
		EdgeSource:    "stale_quote",
		DiscoveredAt:  discovered,
		ClosedAt:      &closed,
	}); err != nil {
		t.Fatalf("close stamp: %v", err)
	}
	got, err = db.LoadAttributions(ctx, discovered.Add(-time.Minute))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	r = got[0]
	if r.ExecutedAt == nil || r.FillRate != 0.92 || r.ExecutionTimeMS != 840 {
		t.Errorf("execution stamp lost: %+v", r)
	}
	if r.ClosedAt == nil || !r.ClosedAt.Equal(closed) {
		t.Errorf("closed_at = %v", r.ClosedAt)
	}

	// Since filter excludes older rows.
	none, _ := db.LoadAttributions(ctx, time.Now())
	if len(none) != 0 {
		t.Errorf("since filter leaked rows: %+v", none)
	}
}

func TestCorrelationRules(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	rule := CorrelationRule{
		ID:          "rule-1",
		PatternA:    "democrat wins presidency",
		PatternB:    "republican wins presidency",
		Type:        "inverse",
		Correlation: -1.0,
		Description: "mutually exclusive outcomes",
	}
	if err := db.SaveCorrelationRule(ctx, rule); err != nil {
		t.Fatalf("save: %v", err)
	}

	rules, err := db.LoadCorrelationRules(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 || rules[0].Correlation != -1.0 || rules[0].Type != "inverse" {
		t.Errorf("rules = %+v", rules)
	}
	if rules[0].CreatedAt().IsZero() {
		t.Error("created_at should be backfilled on save")
	}
}
