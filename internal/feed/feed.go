// Package feed defines the market-data capability the engine consumes.
// Venue adapters live behind this interface; the core never talks to a
// venue SDK directly. The httpfeed subpackage is a generic REST plus
// WebSocket reference adapter, and staticfeed is an in-memory fixture.
package feed

import (
	"context"

	"predarb/pkg/types"
)

// MarketFeed supplies markets and live price updates.
//
// Subscribe returns a channel that stays open until ctx is cancelled.
// Implementations may buffer or coalesce updates but must preserve the
// delivery order of updates for any single (venue, marketID).
type MarketFeed interface {
	SearchMarkets(ctx context.Context, query, venue string) ([]types.Market, error)
	Subscribe(ctx context.Context, venues []string) (<-chan types.PriceUpdate, error)
}
