package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// OpportunityType enumerates the three arbitrage families.
type OpportunityType string

const (
	OpportunityInternal OpportunityType = "internal"       // YES+NO < 1 on one market
	OpportunityCross    OpportunityType = "cross_platform" // same event priced apart across venues
	OpportunityEdge     OpportunityType = "edge"           // market price vs external fair value
)

// OpportunityStatus is the lifecycle state of an opportunity.
// Legal transitions: active → {taken, expired, closed}, taken → closed.
type OpportunityStatus string

const (
	StatusActive  OpportunityStatus = "active"
	StatusTaken   OpportunityStatus = "taken"
	StatusExpired OpportunityStatus = "expired"
	StatusClosed  OpportunityStatus = "closed"
)

// CanTransition reports whether a status change is legal.
func (s OpportunityStatus) CanTransition(to OpportunityStatus) bool {
	switch s {
	case StatusActive:
		return to == StatusTaken || to == StatusExpired || to == StatusClosed
	case StatusTaken:
		return to == StatusClosed
	default:
		return false
	}
}

// Action is the direction of a leg.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Leg is one position in a multi-leg arbitrage plan.
type Leg struct {
	Market          MarketKey
	Outcome         string // venue outcome label as quoted
	Normalized      NormalizedOutcome
	Action          Action
	Price           float64
	Liquidity       float64
	Volume24h       float64
	RecommendedSize float64 // USD, filled in by the scorer
}

// ExecutionStep is one ordered action in an execution plan.
type ExecutionStep struct {
	Seq     int
	Market  MarketKey
	Action  Action
	Outcome string
	Price   float64
	Size    float64         // USD notional
	Cost    decimal.Decimal // Size rounded to cents, what the step ties up
}

// RiskLevel classifies an aggregate risk score.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"     // score < 20
	RiskMedium  RiskLevel = "medium"  // score < 40
	RiskHigh    RiskLevel = "high"    // score < 60
	RiskExtreme RiskLevel = "extreme" // everything above
)

// ExecutionPlan is the ordered set of fills required to realize an
// opportunity, with decimal money totals so the numbers shown to an
// executor add up exactly.
type ExecutionPlan struct {
	Steps           []ExecutionStep
	TotalCost       decimal.Decimal
	EstimatedProfit decimal.Decimal
	TimeSensitivity time.Duration // how quickly the prices are expected to move away
	RiskClass       RiskLevel
	Warnings        []string
}

// ScoreBreakdown records how a composite score was assembled.
type ScoreBreakdown struct {
	Edge       float64 // 0..40
	Liquidity  float64 // 0..25
	Confidence float64 // 0..25
	Execution  float64 // 0..10
	Penalty    float64 // subtracted from the sum
	Total      float64 // clamped to [0,100]
}

// OpportunityOutcome is the realized result reported back by an executor.
type OpportunityOutcome struct {
	Taken       bool
	FillPrices  map[MarketKey]float64
	RealizedPnL float64 // USD
	ClosedAt    time.Time
	Notes       string
}

// Opportunity is a fully-specified, time-bounded, priced arbitrage plan.
// The engine owns it from discovery until a terminal state; afterwards the
// analytics layer holds the durable record.
type Opportunity struct {
	ID   string
	Type OpportunityType
	Legs []Leg

	EdgePct           float64 // fee-adjusted edge, percentage points
	ProfitPer100      float64 // USD profit per $100 deployed
	Score             float64 // in [0,100]
	Breakdown         ScoreBreakdown
	Confidence        float64 // in [0,1]
	KellyFraction     float64 // in [0,0.25]
	EstimatedSlippage float64 // fractional, e.g. 0.012 = 1.2%
	TotalLiquidity    float64 // USD

	Plan              *ExecutionPlan
	MatchVerification *VerificationReport

	DiscoveredAt time.Time
	ExpiresAt    time.Time
	Status       OpportunityStatus
	Outcome      *OpportunityOutcome
}

// Clone returns a deep copy safe to hand to subscribers.
func (o Opportunity) Clone() Opportunity {
	c := o
	c.Legs = append([]Leg(nil), o.Legs...)
	if o.Plan != nil {
		p := *o.Plan
		p.Steps = append([]ExecutionStep(nil), o.Plan.Steps...)
		p.Warnings = append([]string(nil), o.Plan.Warnings...)
		c.Plan = &p
	}
	if o.MatchVerification != nil {
		v := *o.MatchVerification
		v.Warnings = append([]string(nil), o.MatchVerification.Warnings...)
		c.MatchVerification = &v
	}
	if o.Outcome != nil {
		out := *o.Outcome
		if o.Outcome.FillPrices != nil {
			out.FillPrices = make(map[MarketKey]float64, len(o.Outcome.FillPrices))
			for k, v := range o.Outcome.FillPrices {
				out.FillPrices[k] = v
			}
		}
		c.Outcome = &out
	}
	return c
}

// ————————————————————————————————————————————————————————————————————————
// Engine events
// ————————————————————————————————————————————————————————————————————————

// EngineEventType tags events emitted on the engine's event channel.
type EngineEventType string

const (
	EventDiscovered EngineEventType = "opportunity" // newly discovered
	EventUpdated    EngineEventType = "updated"     // re-scored after a price update
	EventExpired    EngineEventType = "expired"
	EventTaken      EngineEventType = "taken"
	EventClosed     EngineEventType = "closed"
)

// EngineEvent is delivered to subscribers. Opportunity is a defensive copy;
// subscribers must never assume mutations are observed by the engine.
type EngineEvent struct {
	Type        EngineEventType
	Opportunity Opportunity
	At          time.Time
}
