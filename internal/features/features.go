// Package features defines the feature-engine capability: rolling tick and
// order-book indicators computed outside the core and consumed by scoring
// enrichment and the circuit breaker. The core only depends on the
// interface; a Null engine is always a legal substitute, and absent data
// must never filter an opportunity.
package features

import (
	"predarb/pkg/types"
)

// Engine supplies derived market features. Implementations return
// ok=false when they have nothing for the market; consumers treat that as
// "no signal, do not filter".
type Engine interface {
	GetFeatures(venue, marketID, outcome string) (types.Features, bool)
}

// Null is the absent feature engine.
type Null struct{}

// GetFeatures always reports no data.
func (Null) GetFeatures(venue, marketID, outcome string) (types.Features, bool) {
	return types.Features{}, false
}

// SignalSource adapts an Engine to per-market signal lookups keyed by
// canonical market key, the shape the scorer consumes.
type SignalSource struct {
	Engine Engine
}

// SignalsFor returns the engine's signals for a market, if any.
func (s SignalSource) SignalsFor(key types.MarketKey) (types.Signals, bool) {
	if s.Engine == nil {
		return types.Signals{}, false
	}
	f, ok := s.Engine.GetFeatures(key.Venue(), key.MarketID(), "")
	if !ok {
		return types.Signals{}, false
	}
	return f.Signals, true
}
