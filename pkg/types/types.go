// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — venue markets,
// normalized outcomes, match groups, link records, and price updates. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Market keys
// ————————————————————————————————————————————————————————————————————————

// MarketKey is the canonical cross-component identifier for a market:
// "<venue>:<marketID>", lowercased. Every reference that crosses a package
// boundary uses a MarketKey rather than a raw (venue, id) pair.
type MarketKey string

// NewMarketKey builds the canonical key for a venue market.
func NewMarketKey(venue, marketID string) MarketKey {
	venue = strings.ToLower(strings.TrimSpace(venue))
	marketID = strings.ToLower(strings.TrimSpace(marketID))
	return MarketKey(venue + ":" + marketID)
}

// Venue returns the venue half of the key, or "" if the key is malformed.
func (k MarketKey) Venue() string {
	venue, _, ok := strings.Cut(string(k), ":")
	if !ok {
		return ""
	}
	return venue
}

// MarketID returns the market-id half of the key, or "" if malformed.
func (k MarketKey) MarketID() string {
	_, id, ok := strings.Cut(string(k), ":")
	if !ok {
		return ""
	}
	return id
}

// Valid reports whether the key has both a venue and a market id.
func (k MarketKey) Valid() bool {
	venue, id, ok := strings.Cut(string(k), ":")
	return ok && venue != "" && id != ""
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// Outcome is a single tradeable outcome of a market.
type Outcome struct {
	Name      string  // venue-specific label, e.g. "Yes", "Trump", "Over 3.5"
	Price     float64 // last price in (0,1), interpreted as implied probability
	Volume24h float64 // trailing 24-hour volume in USD
}

// Market is a venue market as delivered by the feed. Markets are transient
// inputs: the engine reads them during a scan cycle and never owns them.
type Market struct {
	Venue     string    // free-form venue identifier, e.g. "polymarket"
	ID        string    // venue-native market id
	Question  string    // the prediction question text
	Slug      string    // optional human-readable URL slug
	Outcomes  []Outcome // two entries for a binary market
	Volume24h float64   // market-level trailing 24h volume in USD
	Liquidity float64   // total USD liquidity on the book
	EndDate   time.Time // scheduled resolution time (zero if unknown)
}

// Key returns the canonical MarketKey for this market.
func (m Market) Key() MarketKey {
	return NewMarketKey(m.Venue, m.ID)
}

// IsBinary reports whether the market has exactly two outcomes.
func (m Market) IsBinary() bool {
	return len(m.Outcomes) == 2
}

// ————————————————————————————————————————————————————————————————————————
// Outcome normalization
// ————————————————————————————————————————————————————————————————————————

// OutcomeClass is the canonical outcome vocabulary.
type OutcomeClass string

const (
	OutcomeYes   OutcomeClass = "YES"
	OutcomeNo    OutcomeClass = "NO"
	OutcomeOther OutcomeClass = "OTHER"
)

// NormalizedOutcome is the result of mapping a venue outcome label onto the
// canonical {YES, NO, OTHER} set. IsInverse is true when the label carried
// inverse semantics ("not X") and the class has already been flipped.
type NormalizedOutcome struct {
	Class      OutcomeClass
	IsInverse  bool
	Confidence float64 // in [0,1]
}

// ————————————————————————————————————————————————————————————————————————
// Matching
// ————————————————————————————————————————————————————————————————————————

// MatchMethod records how two markets were decided to be the same event.
type MatchMethod string

const (
	MatchManual   MatchMethod = "manual"   // hand-curated link
	MatchSlug     MatchMethod = "slug"     // identical non-empty slug
	MatchSemantic MatchMethod = "semantic" // embedding cosine similarity
	MatchText     MatchMethod = "text"     // token-overlap fallback
)

// EntitySet holds the entities extracted from one question during match
// verification, grouped by class.
type EntitySet struct {
	Years      []string
	Dates      []string
	Thresholds []string
	Persons    []string
	Teams      []string
	Numbers    []string
}

// VerificationReport is the outcome of entity-level verification between two
// candidate markets. A critical-class mismatch (year, date, threshold,
// person, team) lowers Confidence and flags the pair for review.
type VerificationReport struct {
	EntitiesA  EntitySet
	EntitiesB  EntitySet
	Warnings   []string
	Confidence float64 // in [0,1]
	Verified   bool
}

// MatchGroup is a set of markets believed to represent one underlying event.
// If NeedsReview is set, no cross-venue opportunity may be emitted from the
// group until a human (or a manual link) resolves the mismatch.
type MatchGroup struct {
	CanonicalID  string // stable across restarts for the same inputs
	Markets      []Market
	Method       MatchMethod
	Similarity   float64 // in [0,1]
	Verification *VerificationReport
	NeedsReview  bool
}

// Venues returns the distinct venues present in the group, in first-seen order.
func (g MatchGroup) Venues() []string {
	seen := make(map[string]bool, len(g.Markets))
	var venues []string
	for _, m := range g.Markets {
		v := strings.ToLower(m.Venue)
		if !seen[v] {
			seen[v] = true
			venues = append(venues, v)
		}
	}
	return venues
}

// ————————————————————————————————————————————————————————————————————————
// Links
// ————————————————————————————————————————————————————————————————————————

// LinkSource records the provenance of a market link.
type LinkSource string

const (
	LinkManual   LinkSource = "manual"
	LinkAuto     LinkSource = "auto"
	LinkSemantic LinkSource = "semantic"
	LinkSlug     LinkSource = "slug"
)

// Link is a persistent, undirected equivalence edge between two markets.
// The reflexive-transitive closure of all links defines market identities.
type Link struct {
	ID         string // LinkID(MarketA, MarketB)
	MarketA    MarketKey
	MarketB    MarketKey
	Confidence float64
	Source     LinkSource
	CreatedAt  time.Time
	Metadata   map[string]string
}

// LinkID derives the canonical id for an undirected link: the two keys
// sorted and joined by "|", so (a,b) and (b,a) produce the same id.
func LinkID(a, b MarketKey) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// MarketIdentity is the derived identity component containing a market:
// every key transitively linked to it, sorted by confidence descending.
// Primary is the highest-confidence member (insertion order breaks ties).
type MarketIdentity struct {
	Primary MarketKey
	Members []MarketKey
}

// ————————————————————————————————————————————————————————————————————————
// Price updates
// ————————————————————————————————————————————————————————————————————————

// PriceUpdate is a real-time price tick from a venue feed. Feeds may buffer
// or coalesce updates, but never reorder them for a given (venue, marketID).
type PriceUpdate struct {
	Venue         string
	MarketID      string
	OutcomeID     string   // optional; "" when the venue reports market-level prices
	Price         float64  // in (0,1)
	PreviousPrice *float64 // nil when the feed has no prior observation
	Timestamp     time.Time
}

// Key returns the canonical MarketKey the update applies to.
func (u PriceUpdate) Key() MarketKey {
	return NewMarketKey(u.Venue, u.MarketID)
}

// ————————————————————————————————————————————————————————————————————————
// Feature-engine signals
// ————————————————————————————————————————————————————————————————————————

// Signals are the derived indicators a feature engine exposes per market.
// A zero Signals value means "no signal, do not filter".
type Signals struct {
	LiquidityScore float64 // 0..100
	TrendStrength  float64 // 0..1
	BuyPressure    float64 // 0..1
	SellPressure   float64 // 0..1
}

// TickFeatures are rolling tick-level indicators.
type TickFeatures struct {
	Volatility float64 // rolling std dev of returns
	Spread     float64 // current bid-ask spread
	LastPrice  float64
}

// OrderBookFeatures are depth-level indicators.
type OrderBookFeatures struct {
	BidDepth  float64 // USD within the top levels, bid side
	AskDepth  float64
	Imbalance float64 // (bid-ask)/(bid+ask), in [-1,1]
}

// Features bundles everything a feature engine knows about one market.
// Tick and OrderBook are nil when the engine has no data.
type Features struct {
	Tick      *TickFeatures
	OrderBook *OrderBookFeatures
	Signals   Signals
}
