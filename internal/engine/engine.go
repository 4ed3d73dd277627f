// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. The feed supplies venue markets and live price updates.
//  2. The normalizer and matcher turn raw markets into identity groups.
//  3. Three discovery families produce candidate opportunities.
//  4. The scorer ranks candidates; the risk modeler and circuit breaker
//     gate anything an executor wants to act on.
//  5. Analytics records every lifecycle transition.
//
// The engine owns the active-opportunity set. It discovers, re-scores, and
// expires; it never executes. Executors consult CanExecute and report back
// through RecordOutcome.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"predarb/internal/analytics"
	"predarb/internal/breaker"
	"predarb/internal/features"
	"predarb/internal/feed"
	"predarb/internal/linker"
	"predarb/internal/match"
	"predarb/internal/outcome"
	"predarb/internal/risk"
	"predarb/internal/score"
	"predarb/internal/store"
	"predarb/internal/venue"
	"predarb/pkg/types"
)

const eventBuffer = 256

// FairValueSource supplies an external probability estimate for a market's
// YES outcome. Optional; without one the edge family is inert.
type FairValueSource interface {
	FairValue(ctx context.Context, m types.Market) (value, confidence float64, ok bool)
}

// Config enumerates every engine option.
type Config struct {
	MinEdgePct   float64  // discovery floor, percentage points
	MinLiquidity float64  // USD liquidity floor per opportunity
	Venues       []string // venues to scan

	Realtime       bool
	ScanInterval   time.Duration // default 30s
	OpportunityTTL time.Duration // default 5m

	SemanticMatching    bool
	DisableTextMatch    bool // zero value keeps text matching on
	SimilarityThreshold float64

	IncludeInternal bool
	IncludeCross    bool
	IncludeEdge     bool

	SearchQuery  string        // feed search query, "" for everything
	VenueTimeout time.Duration // per-venue fetch deadline, default 15s
	StopGrace    time.Duration // realtime shutdown grace, default 5s
	Bankroll     float64       // sizing basis, default 10_000

	VenueTables venue.Tables // zero value uses the built-in defaults
}

func (c Config) withDefaults() Config {
	if c.ScanInterval == 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.OpportunityTTL == 0 {
		c.OpportunityTTL = 5 * time.Minute
	}
	if c.VenueTimeout == 0 {
		c.VenueTimeout = 15 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Bankroll == 0 {
		c.Bankroll = 10_000
	}
	if c.VenueTables.Fees == nil {
		c.VenueTables = venue.Defaults()
	}
	return c
}

// Options carries the optional collaborators. Every field may be left nil.
type Options struct {
	Linker    *linker.Linker
	Analytics *analytics.Analytics
	Breaker   *breaker.Breaker
	Embedder  match.Embedder
	Features  features.Engine
	FairValue FairValueSource
	// Correlated overrides pairwise leg correlation in risk modeling,
	// typically a risk.RuleSet loaded from the store.
	Correlated func(a, b types.MarketKey) (float64, bool)
	Logger     *slog.Logger
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Active          int
	TotalDiscovered int64
	TotalUpdated    int64
	TotalExpired    int64
	TotalTaken      int64
	TotalClosed     int64
	ScanCount       int64
	LastScanAt      time.Time
	LastScanTook    time.Duration
	Links           linker.Stats
}

// Engine composes discovery, scoring, lifecycle, and event emission.
type Engine struct {
	cfg        Config
	feed       feed.MarketFeed
	normalizer *outcome.Normalizer
	matcher    *match.Matcher
	scorer     *score.Scorer
	risk       *risk.Modeler
	linker     *linker.Linker
	analytics  *analytics.Analytics
	breaker    *breaker.Breaker
	fairValue  FairValueSource
	logger     *slog.Logger

	// mu guards active, byMarket, byPrint, and counters. Never held across
	// feed, store, or matcher calls.
	mu       sync.RWMutex
	active   map[string]*types.Opportunity
	byMarket map[types.MarketKey]map[string]bool // market key → active opp ids
	byPrint  map[string]string                   // fingerprint → opp id
	counters struct {
		discovered, updated, expired, taken, closed, scans int64
		lastScanAt                                         time.Time
		lastScanTook                                       time.Duration
	}

	// scanMu serializes scan cycles; realtime updates do not take it.
	scanMu sync.Mutex

	events chan types.EngineEvent

	rtMu     sync.Mutex
	rtCancel context.CancelFunc
	rtDone   chan struct{}
}

// New wires an engine. The feed is required; everything in opts is
// optional.
func New(cfg Config, fd feed.MarketFeed, opts Options) (*Engine, error) {
	cfg = cfg.withDefaults()
	if fd == nil {
		return nil, fmt.Errorf("engine: a market feed is required")
	}
	if len(cfg.Venues) == 0 {
		return nil, fmt.Errorf("engine: no venues configured")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lk := opts.Linker
	if lk == nil {
		var err error
		lk, err = linker.New(context.Background(), nil, logger)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	matcher := match.New(match.Config{
		Semantic:            cfg.SemanticMatching,
		DisableText:         cfg.DisableTextMatch,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}, opts.Embedder, logger)

	var signals score.SignalSource
	if opts.Features != nil {
		signals = features.SignalSource{Engine: opts.Features}
	}
	scorer := score.New(score.Config{
		MinLiquidity: cfg.MinLiquidity,
		Venues:       cfg.VenueTables,
	}, signals)

	modeler := risk.New(risk.Config{
		Venues:     cfg.VenueTables,
		Linked:     func(a, b types.MarketKey) bool { return lk.AreLinked(a, b) },
		Correlated: opts.Correlated,
	})

	an := opts.Analytics
	if an == nil {
		an = analytics.New(nil, logger)
	}

	return &Engine{
		cfg:        cfg,
		feed:       fd,
		normalizer: outcome.NewNormalizer(),
		matcher:    matcher,
		scorer:     scorer,
		risk:       modeler,
		linker:     lk,
		analytics:  an,
		breaker:    opts.Breaker,
		fairValue:  opts.FairValue,
		logger:     logger.With("component", "engine"),
		active:     make(map[string]*types.Opportunity),
		byMarket:   make(map[types.MarketKey]map[string]bool),
		byPrint:    make(map[string]string),
		events:     make(chan types.EngineEvent, eventBuffer),
	}, nil
}

// Events returns the engine's event channel. Events are dropped, not
// blocked on, when the subscriber falls behind.
func (e *Engine) Events() <-chan types.EngineEvent {
	return e.events
}

// Close releases matcher resources. Call after StopRealtime.
func (e *Engine) Close() {
	e.matcher.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Active-set access
// ————————————————————————————————————————————————————————————————————————

// GetActive returns defensive copies of the active opportunities, best
// score first.
func (e *Engine) GetActive() []types.Opportunity {
	e.mu.RLock()
	out := make([]types.Opportunity, 0, len(e.active))
	for _, opp := range e.active {
		out = append(out, opp.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of one active opportunity.
func (e *Engine) Get(id string) (types.Opportunity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	opp, ok := e.active[id]
	if !ok {
		return types.Opportunity{}, false
	}
	return opp.Clone(), true
}

// Stats returns current engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	s := Stats{
		Active:          len(e.active),
		TotalDiscovered: e.counters.discovered,
		TotalUpdated:    e.counters.updated,
		TotalExpired:    e.counters.expired,
		TotalTaken:      e.counters.taken,
		TotalClosed:     e.counters.closed,
		ScanCount:       e.counters.scans,
		LastScanAt:      e.counters.lastScanAt,
		LastScanTook:    e.counters.lastScanTook,
	}
	e.mu.RUnlock()
	s.Links = e.linker.Stats()
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Links
// ————————————————————————————————————————————————————————————————————————

// LinkMarkets records a manual equivalence between two markets, feeding
// both the durable linker and the matcher's manual sweep.
func (e *Engine) LinkMarkets(ctx context.Context, a, b types.MarketKey) error {
	if _, err := e.linker.Link(ctx, a, b, 1.0, types.LinkManual); err != nil {
		return err
	}
	e.matcher.AddManualLink(a, b)
	return nil
}

// UnlinkMarkets removes a manual equivalence.
func (e *Engine) UnlinkMarkets(ctx context.Context, a, b types.MarketKey) error {
	if err := e.linker.Unlink(ctx, a, b); err != nil {
		return err
	}
	e.matcher.RemoveManualLink(a, b)
	return nil
}

// GetLinkedMarkets returns the identity component containing a market.
func (e *Engine) GetLinkedMarkets(k types.MarketKey) types.MarketIdentity {
	return e.linker.GetIdentity(k)
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle transitions
// ————————————————————————————————————————————————————————————————————————

// MarkTaken transitions an active opportunity to taken and records the
// execution report.
func (e *Engine) MarkTaken(ctx context.Context, id string, exec analytics.ExecutionReport) error {
	e.mu.Lock()
	opp, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("mark taken: opportunity %s is not active", id)
	}
	if !opp.Status.CanTransition(types.StatusTaken) {
		e.mu.Unlock()
		return fmt.Errorf("mark taken: illegal transition from %s", opp.Status)
	}
	opp.Status = types.StatusTaken
	if opp.Outcome == nil {
		opp.Outcome = &types.OpportunityOutcome{}
	}
	opp.Outcome.Taken = true
	taken := opp.Clone()
	e.removeLocked(id)
	e.counters.taken++
	e.mu.Unlock()

	e.analytics.RecordTaken(ctx, taken, exec)
	e.emit(types.EventTaken, taken)
	return nil
}

// RecordOutcome closes a taken opportunity with its realized result and
// feeds the loss windows of the circuit breaker.
func (e *Engine) RecordOutcome(ctx context.Context, opp types.Opportunity, pnlPct float64, fillPrices map[types.MarketKey]float64, notes string) error {
	if !opp.Status.CanTransition(types.StatusClosed) {
		return fmt.Errorf("record outcome: illegal transition from %s", opp.Status)
	}
	opp.Status = types.StatusClosed
	if opp.Outcome == nil {
		opp.Outcome = &types.OpportunityOutcome{Taken: true}
	}
	opp.Outcome.RealizedPnL = pnlPct
	opp.Outcome.FillPrices = fillPrices
	opp.Outcome.ClosedAt = time.Now()
	opp.Outcome.Notes = notes

	e.mu.Lock()
	e.removeLocked(opp.ID)
	e.counters.closed++
	e.mu.Unlock()

	e.analytics.RecordOutcome(ctx, opp)
	if e.breaker != nil {
		e.breaker.RecordTrade(breaker.TradeResult{Success: pnlPct >= 0, PnLPct: pnlPct})
	}
	e.emit(types.EventClosed, opp)
	return nil
}

// CanExecute asks the circuit breaker whether every market an opportunity
// touches may be traded. Without a breaker the answer is always yes.
func (e *Engine) CanExecute(id string) (bool, string) {
	opp, ok := e.Get(id)
	if !ok {
		return false, "opportunity not active"
	}
	if e.breaker == nil {
		return true, ""
	}
	keys := make([]types.MarketKey, 0, len(opp.Legs))
	for _, leg := range opp.Legs {
		keys = append(keys, leg.Market)
	}
	return e.breaker.CanTrade(keys...)
}

// ————————————————————————————————————————————————————————————————————————
// Delegated calculators
// ————————————————————————————————————————————————————————————————————————

// EstimateExecution builds the step-by-step plan for taking an active
// opportunity at a given size.
func (e *Engine) EstimateExecution(id string, size float64) (types.ExecutionPlan, error) {
	opp, ok := e.Get(id)
	if !ok {
		return types.ExecutionPlan{}, fmt.Errorf("estimate execution: opportunity %s is not active", id)
	}
	return e.scorer.EstimateExecution(opp, size), nil
}

// ModelRisk assesses an active opportunity at a given size.
func (e *Engine) ModelRisk(id string, size float64) (risk.Assessment, error) {
	opp, ok := e.Get(id)
	if !ok {
		return risk.Assessment{}, fmt.Errorf("model risk: opportunity %s is not active", id)
	}
	return e.risk.ModelRisk(risk.Input{Legs: opp.Legs, Size: size}), nil
}

// GetAnalytics exposes the reporting layer.
func (e *Engine) GetAnalytics() *analytics.Analytics {
	return e.analytics
}

// GetPlatformPairs returns durable venue-pair statistics.
func (e *Engine) GetPlatformPairs(ctx context.Context) ([]store.PairStats, error) {
	return e.analytics.GetPlatformPairs(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Internals shared by scan and realtime paths
// ————————————————————————————————————————————————————————————————————————

// removeLocked drops an opportunity from every index. Caller holds mu.
func (e *Engine) removeLocked(id string) {
	opp, ok := e.active[id]
	if !ok {
		return
	}
	delete(e.active, id)
	for _, leg := range opp.Legs {
		if ids := e.byMarket[leg.Market]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(e.byMarket, leg.Market)
			}
		}
	}
	delete(e.byPrint, fingerprint(*opp))
}

// insertLocked adds an opportunity to every index. Caller holds mu.
func (e *Engine) insertLocked(opp *types.Opportunity) {
	e.active[opp.ID] = opp
	for _, leg := range opp.Legs {
		ids := e.byMarket[leg.Market]
		if ids == nil {
			ids = make(map[string]bool)
			e.byMarket[leg.Market] = ids
		}
		ids[opp.ID] = true
	}
	e.byPrint[fingerprint(*opp)] = opp.ID
}

// emit delivers an event without ever blocking the engine.
func (e *Engine) emit(kind types.EngineEventType, opp types.Opportunity) {
	evt := types.EngineEvent{Type: kind, Opportunity: opp, At: time.Now()}
	select {
	case e.events <- evt:
	default:
		e.logger.Warn("event channel full, dropping event", "type", kind, "id", opp.ID)
	}
}

// fingerprint identifies "the same trade" across scan cycles: the family
// plus every (market, outcome, action) triple, order-independent.
func fingerprint(opp types.Opportunity) string {
	parts := make([]string, 0, len(opp.Legs))
	for _, leg := range opp.Legs {
		parts = append(parts, string(leg.Market)+"|"+leg.Outcome+"|"+string(leg.Action))
	}
	sort.Strings(parts)
	return string(opp.Type) + "::" + strings.Join(parts, "::")
}

func newID() string {
	return uuid.NewString()
}
