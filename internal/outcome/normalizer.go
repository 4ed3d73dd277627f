// Package outcome maps venue-specific outcome labels onto the canonical
// {YES, NO, OTHER} vocabulary.
//
// Venues disagree wildly on labels: "Yes"/"No", "Will happen"/"Won't happen",
// "Over"/"Under", team names, "1"/"0". The Normalizer recognizes the common
// families, detects inverse phrasing ("not X" means the opposite of X), and
// reports a confidence so downstream matching can prefer strong labels.
package outcome

import (
	"strings"
	"sync"

	"predarb/pkg/types"
)

// yesLabels and noLabels are exact-match tables after lowercasing and
// trimming. Matching one of these yields high confidence.
var yesLabels = map[string]bool{
	"yes": true, "y": true, "true": true, "will happen": true,
	"correct": true, "win": true, "over": true, "above": true,
	"higher": true, "more": true, "pass": true, "approve": true,
	"confirm": true, "success": true, "1": true, "long": true, "up": true,
}

var noLabels = map[string]bool{
	"no": true, "n": true, "false": true, "won't happen": true,
	"will not happen": true, "incorrect": true, "lose": true, "under": true,
	"below": true, "lower": true, "less": true, "fail": true,
	"reject": true, "deny": true, "failure": true, "0": true,
	"short": true, "down": true,
}

// inversePrefixes flip the meaning of whatever follows them.
var inversePrefixes = []string{
	"not ", "no ", "won't ", "will not ", "isn't ", "doesn't ", "never ",
}

const (
	confExact    = 0.95 // exact table match
	confInverse  = 0.85 // matched through an inverse prefix
	confFallback = 0.5  // unrecognized label
	// highConfidence is the FindYes/FindNo first-pass threshold.
	highConfidence = 0.9
)

// Normalizer classifies outcome labels. Custom aliases registered with
// AddAlias take priority over the built-in tables. Safe for concurrent use.
type Normalizer struct {
	mu      sync.RWMutex
	aliases map[string]types.OutcomeClass
}

// NewNormalizer creates a Normalizer with the built-in label tables.
func NewNormalizer() *Normalizer {
	return &Normalizer{aliases: make(map[string]types.OutcomeClass)}
}

// AddAlias registers a custom label→class mapping that overrides the
// built-in tables. The label is matched case-insensitively.
func (n *Normalizer) AddAlias(label string, class types.OutcomeClass) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aliases[canon(label)] = class
}

// Normalize classifies one label. Unrecognized labels come back as OTHER
// with confidence 0.5; an inverse prefix flips the matched class.
func (n *Normalizer) Normalize(label string) types.NormalizedOutcome {
	c := canon(label)

	n.mu.RLock()
	alias, hasAlias := n.aliases[c]
	n.mu.RUnlock()
	if hasAlias {
		return types.NormalizedOutcome{Class: alias, Confidence: 1.0}
	}

	if class, ok := lookup(c); ok {
		return types.NormalizedOutcome{Class: class, Confidence: confExact}
	}

	// Inverse phrasing: "not over" means NO for an "over" question.
	for _, prefix := range inversePrefixes {
		rest, found := strings.CutPrefix(c, prefix)
		if !found {
			continue
		}
		if class, ok := lookup(strings.TrimSpace(rest)); ok {
			return types.NormalizedOutcome{
				Class:      invert(class),
				IsInverse:  true,
				Confidence: confInverse,
			}
		}
	}

	return types.NormalizedOutcome{Class: types.OutcomeOther, Confidence: confFallback}
}

// FindYes locates the YES outcome of a market. It tries, in order:
// a high-confidence YES label, any YES label, and finally the first
// outcome of a binary market.
func (n *Normalizer) FindYes(outcomes []types.Outcome) (types.Outcome, types.NormalizedOutcome, bool) {
	return n.find(outcomes, types.OutcomeYes, 0)
}

// FindNo is symmetric to FindYes, falling back to the second outcome of a
// binary market.
func (n *Normalizer) FindNo(outcomes []types.Outcome) (types.Outcome, types.NormalizedOutcome, bool) {
	return n.find(outcomes, types.OutcomeNo, 1)
}

func (n *Normalizer) find(outcomes []types.Outcome, want types.OutcomeClass, fallbackIdx int) (types.Outcome, types.NormalizedOutcome, bool) {
	normalized := make([]types.NormalizedOutcome, len(outcomes))
	for i, o := range outcomes {
		normalized[i] = n.Normalize(o.Name)
	}

	for i, no := range normalized {
		if no.Class == want && no.Confidence >= highConfidence {
			return outcomes[i], no, true
		}
	}
	for i, no := range normalized {
		if no.Class == want {
			return outcomes[i], no, true
		}
	}
	if len(outcomes) == 2 {
		no := types.NormalizedOutcome{Class: want, Confidence: confFallback}
		return outcomes[fallbackIdx], no, true
	}

	return types.Outcome{}, types.NormalizedOutcome{}, false
}

// AreEquivalent reports whether two labels mean the same outcome.
// Recognized labels compare by class; unrecognized ones by case-insensitive
// equality.
func (n *Normalizer) AreEquivalent(a, b string) bool {
	na, nb := n.Normalize(a), n.Normalize(b)
	if na.Class != types.OutcomeOther && nb.Class != types.OutcomeOther {
		return na.Class == nb.Class
	}
	return canon(a) == canon(b)
}

// AreInverse reports whether two labels mean opposite outcomes.
func (n *Normalizer) AreInverse(a, b string) bool {
	na, nb := n.Normalize(a), n.Normalize(b)
	if na.Class == types.OutcomeOther || nb.Class == types.OutcomeOther {
		return false
	}
	return na.Class == invert(nb.Class)
}

// ImpliedProbability converts a quoted price into a probability, clamped
// to [0,1].
func ImpliedProbability(price float64) float64 {
	switch {
	case price < 0:
		return 0
	case price > 1:
		return 1
	default:
		return price
	}
}

// Overround is the bookmaker margin of a full outcome set: the amount by
// which implied probabilities sum past 1. Negative overround is what the
// internal-arbitrage path hunts for.
func Overround(prices []float64) float64 {
	var sum float64
	for _, p := range prices {
		sum += ImpliedProbability(p)
	}
	return sum - 1
}

func lookup(label string) (types.OutcomeClass, bool) {
	if yesLabels[label] {
		return types.OutcomeYes, true
	}
	if noLabels[label] {
		return types.OutcomeNo, true
	}
	return types.OutcomeOther, false
}

func invert(class types.OutcomeClass) types.OutcomeClass {
	switch class {
	case types.OutcomeYes:
		return types.OutcomeNo
	case types.OutcomeNo:
		return types.OutcomeYes
	default:
		return types.OutcomeOther
	}
}

func canon(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
