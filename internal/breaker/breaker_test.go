package breaker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"predarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New(cfg, testLogger())
	clock := &fakeClock{t: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestDailyLossTripAndCooldownReset(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{
		MaxDailyLossPct: 3,
		Cooldown:        time.Minute,
		AutoReset:       true,
	})

	for _, pnl := range []float64{-1, -1, -0.5} {
		b.RecordTrade(TradeResult{Success: true, PnLPct: pnl})
	}
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("2.5% daily loss is under the 3% bound; trading must be allowed")
	}

	b.RecordTrade(TradeResult{Success: true, PnLPct: -0.7})
	ok, reason := b.CanTrade()
	if ok {
		t.Fatal("3.2% daily loss must trip the breaker")
	}
	if !strings.Contains(reason, string(CondLoss)) {
		t.Errorf("reason = %q, want loss category", reason)
	}
	if snap := b.GetState(); snap.State != StateOpen || snap.Condition != CondLoss {
		t.Errorf("snapshot = %+v", snap)
	}

	clock.advance(61 * time.Second)
	if ok, _ := b.CanTrade(); !ok {
		t.Error("cooldown elapsed with autoReset; trading must resume")
	}
	if snap := b.GetState(); snap.State != StateClosed {
		t.Errorf("state after auto-reset = %v", snap.State)
	}
}

func TestConsecutiveFailuresTrip(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxConsecFailures: 3})

	b.RecordTrade(TradeResult{Success: false})
	b.RecordTrade(TradeResult{Success: false})
	// A success resets the streak.
	b.RecordTrade(TradeResult{Success: true})
	b.RecordTrade(TradeResult{Success: false})
	b.RecordTrade(TradeResult{Success: false})
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("two failures after a success should not trip a 3-failure bound")
	}

	b.RecordTrade(TradeResult{Success: false})
	if ok, _ := b.CanTrade(); ok {
		t.Fatal("third consecutive failure must trip")
	}
	if !b.CheckCondition(CondFailures) {
		t.Error("failures condition should report satisfied")
	}

	b.Reset()
	if ok, _ := b.CanTrade(); !ok {
		t.Error("explicit reset must close the breaker")
	}
	if b.CheckCondition(CondFailures) {
		t.Error("reset must clear the failure streak")
	}
}

func TestManualTripRequiresExplicitReset(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Cooldown: time.Minute, AutoReset: false})

	b.Trip("operator hold")
	if ok, _ := b.CanTrade(); ok {
		t.Fatal("manual trip must block")
	}
	clock.advance(time.Hour)
	if ok, _ := b.CanTrade(); ok {
		t.Fatal("without autoReset the cooldown must not clear the trip")
	}
	if !b.CheckCondition(CondManual) {
		t.Error("manual condition should report satisfied while open")
	}

	b.Reset()
	if ok, _ := b.CanTrade(); !ok {
		t.Error("explicit reset must clear a manual trip")
	}
}

func TestMarketScopedLiquidityTrip(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MinLiquidity: 1000})

	thin := types.MarketKey("kalshi:k1")
	deep := types.MarketKey("polymarket:m1")
	b.RecordQuote(thin, 0.5, 400, 1)
	b.RecordQuote(deep, 0.5, 9000, 1)

	if ok, _ := b.CanTrade(thin); ok {
		t.Error("thin market must be blocked")
	}
	if ok, _ := b.CanTrade(deep); !ok {
		t.Error("a market-scoped trip must not block other markets")
	}
	if ok, _ := b.CanTrade(); !ok {
		t.Error("the global scope stays closed")
	}

	snap := b.GetState()
	if trip, ok := snap.OpenMarkets[thin]; !ok || trip.Condition != CondLiquidity {
		t.Errorf("open markets = %+v", snap.OpenMarkets)
	}

	b.ResetMarket(thin)
	b.RecordQuote(thin, 0.5, 5000, 1)
	if ok, _ := b.CanTrade(thin); !ok {
		t.Error("after reset with healthy liquidity the market should trade")
	}
}

func TestSpreadCeilingTrip(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxSpreadPct: 5})

	wide := types.MarketKey("manifold:f1")
	b.RecordQuote(wide, 0.5, 5000, 8)
	if ok, _ := b.CanTrade(wide); ok {
		t.Error("8% spread above a 5% ceiling must trip")
	}
	if !b.CheckCondition(CondSpread) {
		t.Error("spread condition should report satisfied")
	}
}

func TestVolatilityTripAndWindowPruning(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{
		MaxVolatilityPct: 10,
		VolatilityWindow: 5 * time.Minute,
	})

	m := types.MarketKey("polymarket:m1")
	b.RecordQuote(m, 0.50, 5000, 1)
	clock.advance(time.Minute)
	b.RecordQuote(m, 0.52, 5000, 1) // 4% move, fine
	if ok, _ := b.CanTrade(m); !ok {
		t.Fatal("a 4% move is under the 10% bound")
	}

	clock.advance(time.Minute)
	b.RecordQuote(m, 0.62, 5000, 1) // 24% from the low
	if ok, _ := b.CanTrade(m); ok {
		t.Fatal("a 24% move must trip volatility")
	}

	// Old observations age out of the window; after reset the surviving
	// prices are close together.
	b.ResetMarket(m)
	clock.advance(10 * time.Minute)
	b.RecordQuote(m, 0.63, 5000, 1)
	if ok, _ := b.CanTrade(m); !ok {
		t.Error("stale prices outside the window must not count")
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{})

	for i := 0; i < maxHistory+20; i++ {
		b.TripMarket(types.MarketKey(fmt.Sprintf("polymarket:m%d", i)), "test")
	}
	if got := len(b.GetState().History); got != maxHistory {
		t.Errorf("history length = %d, want %d", got, maxHistory)
	}
}

func TestHourlyWindowResetsOnBoundary(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{MaxHourlyLossPct: 2})

	b.RecordTrade(TradeResult{Success: true, PnLPct: -1.5})
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("1.5% hourly loss is under the bound")
	}

	// Cross the top of the hour; the counter resets naturally.
	clock.advance(61 * time.Minute)
	b.RecordTrade(TradeResult{Success: true, PnLPct: -1.5})
	if ok, _ := b.CanTrade(); !ok {
		t.Error("losses in a fresh hour start from zero")
	}
	if got := b.GetState().HourlyLossPct; got != 1.5 {
		t.Errorf("hourly loss = %v, want 1.5", got)
	}
}

func TestMonitoringLoopTripsWithoutCallers(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxConsecFailures: 1, PollInterval: 5 * time.Millisecond}, testLogger())

	// Seed a satisfied condition without going through RecordTrade's
	// inline evaluation.
	b.mu.Lock()
	b.failures = 3
	b.mu.Unlock()

	b.StartMonitoring(context.Background())
	defer b.StopMonitoring()

	deadline := time.After(time.Second)
	for {
		if b.GetState().State == StateOpen {
			return
		}
		select {
		case <-deadline:
			t.Fatal("monitoring loop never tripped the breaker")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPresetsAreOrdered(t *testing.T) {
	t.Parallel()

	c, m, a := Conservative(), Moderate(), Aggressive()
	if !(c.MaxDailyLossPct < m.MaxDailyLossPct && m.MaxDailyLossPct < a.MaxDailyLossPct) {
		t.Error("loss tolerance should grow from conservative to aggressive")
	}
	if !(c.MaxConsecFailures < m.MaxConsecFailures && m.MaxConsecFailures < a.MaxConsecFailures) {
		t.Error("failure tolerance should grow from conservative to aggressive")
	}
	if c.AutoReset {
		t.Error("conservative preset waits for a human")
	}
}
