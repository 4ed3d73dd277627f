// Package breaker gates execution behind market-condition and performance
// checks. A breaker tracks one global scope plus one scope per market:
// loss windows, consecutive failures, and manual trips open the global
// scope; volatility, liquidity-floor, and spread-ceiling violations open
// only the offending market's scope.
//
// State machine per scope: closed (trading allowed) → open on a satisfied
// condition or manual trip; open → closed after the cooldown when autoReset
// is on, otherwise only via Reset. CanTrade re-evaluates conditions on
// demand; the monitoring loop additionally polls on its own cadence so
// trips happen even when nobody is asking.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predarb/pkg/types"
)

// State of one breaker scope.
type State string

const (
	StateClosed State = "closed" // trading allowed
	StateOpen   State = "open"   // tripped
)

// Condition identifies what tripped (or can trip) a scope.
type Condition string

const (
	CondVolatility Condition = "volatility"
	CondLiquidity  Condition = "liquidity"
	CondSpread     Condition = "spread"
	CondLoss       Condition = "loss"
	CondFailures   Condition = "failures"
	CondManual     Condition = "manual"
)

// Trip is one recorded state transition to open.
type Trip struct {
	At        time.Time
	Scope     string // "global" or the market key
	Condition Condition
	Reason    string
}

// Config enables and tunes conditions. A zero threshold disables that
// condition.
type Config struct {
	MaxVolatilityPct  float64       // max (high−low)/low move within VolatilityWindow, percent
	VolatilityWindow  time.Duration // default 5m
	MinLiquidity      float64       // per-market floor, USD
	MaxSpreadPct      float64       // per-market ceiling, percent
	MaxHourlyLossPct  float64
	MaxDailyLossPct   float64
	MaxWeeklyLossPct  float64
	MaxConsecFailures int

	Cooldown     time.Duration // how long a trip lasts when AutoReset is on
	AutoReset    bool
	PollInterval time.Duration // monitoring cadence, default 10s
}

func (c Config) withDefaults() Config {
	if c.VolatilityWindow == 0 {
		c.VolatilityWindow = 5 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// Conservative trips early and stays tripped until someone looks.
func Conservative() Config {
	return Config{
		MaxVolatilityPct:  5,
		MinLiquidity:      2000,
		MaxSpreadPct:      4,
		MaxHourlyLossPct:  1,
		MaxDailyLossPct:   2,
		MaxWeeklyLossPct:  5,
		MaxConsecFailures: 2,
		Cooldown:          30 * time.Minute,
		AutoReset:         false,
	}
}

// Moderate is the default posture.
func Moderate() Config {
	return Config{
		MaxVolatilityPct:  10,
		MinLiquidity:      1000,
		MaxSpreadPct:      6,
		MaxHourlyLossPct:  2,
		MaxDailyLossPct:   3,
		MaxWeeklyLossPct:  8,
		MaxConsecFailures: 3,
		Cooldown:          15 * time.Minute,
		AutoReset:         true,
	}
}

// Aggressive tolerates churn and recovers fast.
func Aggressive() Config {
	return Config{
		MaxVolatilityPct:  20,
		MinLiquidity:      500,
		MaxSpreadPct:      10,
		MaxHourlyLossPct:  4,
		MaxDailyLossPct:   6,
		MaxWeeklyLossPct:  15,
		MaxConsecFailures: 5,
		Cooldown:          5 * time.Minute,
		AutoReset:         true,
	}
}

// TradeResult reports one executed trade back to the breaker.
type TradeResult struct {
	Success bool
	PnLPct  float64 // realized pnl in percent of deployed capital
}

const maxHistory = 100

type pricePoint struct {
	price float64
	at    time.Time
}

type marketObs struct {
	prices    []pricePoint
	liquidity float64
	spreadPct float64
	hasQuote  bool
}

type scopeState struct {
	state     State
	trippedAt time.Time
	condition Condition
	reason    string
}

type lossWindow struct {
	period  time.Duration
	start   time.Time // truncated period start
	lossPct float64
}

// add accumulates a loss (positive number, percent), resetting on a natural
// period boundary.
func (w *lossWindow) add(now time.Time, lossPct float64) {
	w.roll(now)
	w.lossPct += lossPct
}

func (w *lossWindow) current(now time.Time) float64 {
	w.roll(now)
	return w.lossPct
}

func (w *lossWindow) roll(now time.Time) {
	start := now.Truncate(w.period)
	if !start.Equal(w.start) {
		w.start = start
		w.lossPct = 0
	}
}

// Breaker is safe for concurrent use. CanTrade never blocks on the
// monitoring loop.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time // test hook

	mu       sync.Mutex
	global   scopeState
	markets  map[types.MarketKey]*scopeState
	obs      map[types.MarketKey]*marketObs
	history  []Trip
	failures int
	hourly   lossWindow
	daily    lossWindow
	weekly   lossWindow

	monCancel context.CancelFunc
	monDone   chan struct{}
}

// New builds a Breaker from a config (typically one of the presets).
func New(cfg Config, logger *slog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:     cfg,
		logger:  logger.With("component", "breaker"),
		now:     time.Now,
		global:  scopeState{state: StateClosed},
		markets: make(map[types.MarketKey]*scopeState),
		obs:     make(map[types.MarketKey]*marketObs),
		hourly:  lossWindow{period: time.Hour},
		daily:   lossWindow{period: 24 * time.Hour},
		weekly:  lossWindow{period: 7 * 24 * time.Hour},
	}
}

// CanTrade reports whether execution is currently allowed, checking the
// global scope and, when markets are named, each market scope. The second
// return is the blocking reason when trading is disallowed.
func (b *Breaker) CanTrade(markets ...types.MarketKey) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evaluateLocked(now)

	if !b.scopeAllowsLocked(&b.global, now) {
		return false, fmt.Sprintf("global breaker open: %s (%s)", b.global.condition, b.global.reason)
	}
	for _, m := range markets {
		scope, ok := b.markets[m]
		if !ok {
			continue
		}
		if !b.scopeAllowsLocked(scope, now) {
			return false, fmt.Sprintf("market %s breaker open: %s (%s)", m, scope.condition, scope.reason)
		}
	}
	return true, ""
}

// CheckCondition reports whether the named condition is currently
// satisfied, i.e. would trip. Market conditions are satisfied if any
// observed market violates them.
func (b *Breaker) CheckCondition(c Condition) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	switch c {
	case CondLoss:
		_, breached := b.lossBreachLocked(now)
		return breached
	case CondFailures:
		return b.cfg.MaxConsecFailures > 0 && b.failures >= b.cfg.MaxConsecFailures
	case CondManual:
		return b.global.state == StateOpen && b.global.condition == CondManual
	case CondVolatility, CondLiquidity, CondSpread:
		for key := range b.obs {
			if cond, _ := b.marketViolationLocked(key, now); cond == c {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// RecordTrade feeds one execution result into the loss and failure
// counters and trips the global scope when a bound is crossed.
func (b *Breaker) RecordTrade(result TradeResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if result.Success {
		b.failures = 0
	} else {
		b.failures++
	}
	if result.PnLPct < 0 {
		loss := -result.PnLPct
		b.hourly.add(now, loss)
		b.daily.add(now, loss)
		b.weekly.add(now, loss)
	}
	b.evaluateLocked(now)
}

// RecordQuote feeds market observations for the volatility, liquidity, and
// spread conditions.
func (b *Breaker) RecordQuote(market types.MarketKey, price, liquidity, spreadPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	o, ok := b.obs[market]
	if !ok {
		o = &marketObs{}
		b.obs[market] = o
	}
	o.prices = append(o.prices, pricePoint{price: price, at: now})
	o.liquidity = liquidity
	o.spreadPct = spreadPct
	o.hasQuote = true
	b.pruneLocked(o, now)

	if cond, reason := b.marketViolationLocked(market, now); cond != "" {
		b.tripMarketLocked(market, cond, reason, now)
	}
}

// Trip opens the global scope manually.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripGlobalLocked(CondManual, reason, b.now())
}

// TripMarket opens a single market's scope manually.
func (b *Breaker) TripMarket(market types.MarketKey, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripMarketLocked(market, CondManual, reason, b.now())
}

// Reset closes the global scope and clears the counters that tripped it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetGlobalLocked()
}

// ResetMarket closes one market scope.
func (b *Breaker) ResetMarket(market types.MarketKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.markets, market)
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State               State
	Condition           Condition
	Reason              string
	TrippedAt           time.Time
	OpenMarkets         map[types.MarketKey]Trip
	ConsecutiveFailures int
	HourlyLossPct       float64
	DailyLossPct        float64
	WeeklyLossPct       float64
	History             []Trip
}

// GetState returns a snapshot safe to hand elsewhere.
func (b *Breaker) GetState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	snap := Snapshot{
		State:               b.global.state,
		Condition:           b.global.condition,
		Reason:              b.global.reason,
		TrippedAt:           b.global.trippedAt,
		OpenMarkets:         make(map[types.MarketKey]Trip),
		ConsecutiveFailures: b.failures,
		HourlyLossPct:       b.hourly.current(now),
		DailyLossPct:        b.daily.current(now),
		WeeklyLossPct:       b.weekly.current(now),
		History:             append([]Trip(nil), b.history...),
	}
	for key, scope := range b.markets {
		if scope.state == StateOpen {
			snap.OpenMarkets[key] = Trip{
				At:        scope.trippedAt,
				Scope:     string(key),
				Condition: scope.condition,
				Reason:    scope.reason,
			}
		}
	}
	return snap
}

// StartMonitoring launches the polling loop. Call StopMonitoring (or
// cancel the parent context) to stop it.
func (b *Breaker) StartMonitoring(ctx context.Context) {
	b.mu.Lock()
	if b.monCancel != nil {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.monCancel = cancel
	b.monDone = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.poll()
			}
		}
	}()
}

// StopMonitoring stops the polling loop and waits for it to exit.
func (b *Breaker) StopMonitoring() {
	b.mu.Lock()
	cancel, done := b.monCancel, b.monDone
	b.monCancel, b.monDone = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Breaker) poll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	b.evaluateLocked(now)
	for key, o := range b.obs {
		b.pruneLocked(o, now)
		if cond, reason := b.marketViolationLocked(key, now); cond != "" {
			b.tripMarketLocked(key, cond, reason, now)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// locked internals
// ————————————————————————————————————————————————————————————————————————

// evaluateLocked checks the global conditions and trips when satisfied.
func (b *Breaker) evaluateLocked(now time.Time) {
	if b.global.state == StateOpen {
		return
	}
	if reason, breached := b.lossBreachLocked(now); breached {
		b.tripGlobalLocked(CondLoss, reason, now)
		return
	}
	if b.cfg.MaxConsecFailures > 0 && b.failures >= b.cfg.MaxConsecFailures {
		b.tripGlobalLocked(CondFailures,
			fmt.Sprintf("%d consecutive failures", b.failures), now)
	}
}

func (b *Breaker) lossBreachLocked(now time.Time) (string, bool) {
	if b.cfg.MaxHourlyLossPct > 0 && b.hourly.current(now) >= b.cfg.MaxHourlyLossPct {
		return fmt.Sprintf("hourly loss %.2f%% >= %.2f%%", b.hourly.lossPct, b.cfg.MaxHourlyLossPct), true
	}
	if b.cfg.MaxDailyLossPct > 0 && b.daily.current(now) >= b.cfg.MaxDailyLossPct {
		return fmt.Sprintf("daily loss %.2f%% >= %.2f%%", b.daily.lossPct, b.cfg.MaxDailyLossPct), true
	}
	if b.cfg.MaxWeeklyLossPct > 0 && b.weekly.current(now) >= b.cfg.MaxWeeklyLossPct {
		return fmt.Sprintf("weekly loss %.2f%% >= %.2f%%", b.weekly.lossPct, b.cfg.MaxWeeklyLossPct), true
	}
	return "", false
}

// marketViolationLocked checks the per-market conditions for one market.
func (b *Breaker) marketViolationLocked(market types.MarketKey, now time.Time) (Condition, string) {
	o, ok := b.obs[market]
	if !ok || !o.hasQuote {
		return "", ""
	}
	if b.cfg.MinLiquidity > 0 && o.liquidity < b.cfg.MinLiquidity {
		return CondLiquidity, fmt.Sprintf("liquidity %.0f below floor %.0f", o.liquidity, b.cfg.MinLiquidity)
	}
	if b.cfg.MaxSpreadPct > 0 && o.spreadPct > b.cfg.MaxSpreadPct {
		return CondSpread, fmt.Sprintf("spread %.2f%% above ceiling %.2f%%", o.spreadPct, b.cfg.MaxSpreadPct)
	}
	if b.cfg.MaxVolatilityPct > 0 && len(o.prices) >= 2 {
		low, high := o.prices[0].price, o.prices[0].price
		for _, p := range o.prices {
			if p.price < low {
				low = p.price
			}
			if p.price > high {
				high = p.price
			}
		}
		if low > 0 {
			movePct := (high - low) / low * 100
			if movePct > b.cfg.MaxVolatilityPct {
				return CondVolatility, fmt.Sprintf("move %.1f%% above %.1f%% in window", movePct, b.cfg.MaxVolatilityPct)
			}
		}
	}
	return "", ""
}

func (b *Breaker) pruneLocked(o *marketObs, now time.Time) {
	cutoff := now.Add(-b.cfg.VolatilityWindow)
	i := 0
	for ; i < len(o.prices); i++ {
		if o.prices[i].at.After(cutoff) {
			break
		}
	}
	o.prices = o.prices[i:]
}

// scopeAllowsLocked applies the cooldown transition and reports whether
// the scope permits trading.
func (b *Breaker) scopeAllowsLocked(scope *scopeState, now time.Time) bool {
	if scope.state == StateClosed {
		return true
	}
	if b.cfg.AutoReset && b.cfg.Cooldown > 0 && now.Sub(scope.trippedAt) >= b.cfg.Cooldown {
		if scope == &b.global {
			b.resetGlobalLocked()
		} else {
			scope.state = StateClosed
		}
		return true
	}
	return false
}

func (b *Breaker) tripGlobalLocked(cond Condition, reason string, now time.Time) {
	if b.global.state == StateOpen {
		return
	}
	b.global = scopeState{state: StateOpen, trippedAt: now, condition: cond, reason: reason}
	b.recordTripLocked(Trip{At: now, Scope: "global", Condition: cond, Reason: reason})
	b.logger.Warn("breaker tripped", "scope", "global", "condition", cond, "reason", reason)
}

func (b *Breaker) tripMarketLocked(market types.MarketKey, cond Condition, reason string, now time.Time) {
	scope, ok := b.markets[market]
	if !ok {
		scope = &scopeState{state: StateClosed}
		b.markets[market] = scope
	}
	if scope.state == StateOpen {
		return
	}
	*scope = scopeState{state: StateOpen, trippedAt: now, condition: cond, reason: reason}
	b.recordTripLocked(Trip{At: now, Scope: string(market), Condition: cond, Reason: reason})
	b.logger.Warn("breaker tripped", "scope", market, "condition", cond, "reason", reason)
}

// resetGlobalLocked closes the global scope and clears the counters that
// feed its conditions, so a reset doesn't immediately retrip.
func (b *Breaker) resetGlobalLocked() {
	b.global = scopeState{state: StateClosed}
	b.failures = 0
	now := b.now()
	b.hourly = lossWindow{period: time.Hour, start: now.Truncate(time.Hour)}
	b.daily = lossWindow{period: 24 * time.Hour, start: now.Truncate(24 * time.Hour)}
	b.weekly = lossWindow{period: 7 * 24 * time.Hour, start: now.Truncate(7 * 24 * time.Hour)}
}

func (b *Breaker) recordTripLocked(t Trip) {
	b.history = append(b.history, t)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
}
