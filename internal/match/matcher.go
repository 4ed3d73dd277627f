package match

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"predarb/internal/cache"
	"predarb/pkg/types"
)

// Embedder is the optional semantic-matching capability. A nil Embedder is
// always legal: the matcher falls back to token overlap.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the matcher.
type Config struct {
	Semantic            bool          // enable embedding-based matching
	DisableText         bool          // turn off token-overlap matching
	SimilarityThreshold float64       // cosine threshold, default 0.82
	TokenOverlap        float64       // jaccard threshold, default 0.6
	EmbedCacheSize      int           // default 4096 questions
	EmbedCacheTTL       time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.82
	}
	if c.TokenOverlap == 0 {
		c.TokenOverlap = 0.6
	}
	if c.EmbedCacheSize == 0 {
		c.EmbedCacheSize = 4096
	}
	if c.EmbedCacheTTL == 0 {
		c.EmbedCacheTTL = time.Hour
	}
	return c
}

// Result is the outcome of a pairwise comparison. NeedsReview is set when
// the pair looked alike but entity verification surfaced a critical
// mismatch — such pairs still form a group, flagged for human review.
type Result struct {
	Matches      bool
	Similarity   float64
	Method       types.MatchMethod
	Verification *types.VerificationReport
	NeedsReview  bool
}

// Matcher groups venue markets that represent the same event.
// Safe for concurrent use.
type Matcher struct {
	cfg      Config
	embedder Embedder
	vectors  *cache.Cache[string, []float32]
	logger   *slog.Logger

	mu     sync.RWMutex
	manual map[string]bool // pair id → linked
}

// New creates a Matcher. embedder may be nil, which disables semantic
// matching regardless of config.
func New(cfg Config, embedder Embedder, logger *slog.Logger) *Matcher {
	cfg = cfg.withDefaults()
	return &Matcher{
		cfg:      cfg,
		embedder: embedder,
		vectors: cache.New[string, []float32](cache.Options[string, []float32]{
			Capacity:      cfg.EmbedCacheSize,
			SweepInterval: 5 * time.Minute,
		}),
		logger: logger.With("component", "matcher"),
		manual: make(map[string]bool),
	}
}

// Close releases the embedding cache sweeper.
func (m *Matcher) Close() {
	m.vectors.Stop()
}

// AddManualLink registers a hand-curated equivalence between two markets.
func (m *Matcher) AddManualLink(a, b types.MarketKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual[pairID(a, b)] = true
}

// RemoveManualLink removes a hand-curated equivalence.
func (m *Matcher) RemoveManualLink(a, b types.MarketKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.manual, pairID(a, b))
}

// HasManualLink reports whether a direct manual link exists for the pair.
func (m *Matcher) HasManualLink(a, b types.MarketKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manual[pairID(a, b)]
}

// FindMatches buckets markets by canonical id and verifies cross-venue
// buckets pairwise. Markets are processed in received order so the result
// is reproducible for identical inputs. Single-venue buckets are still
// emitted; the internal-arbitrage path consumes them.
func (m *Matcher) FindMatches(ctx context.Context, markets []types.Market) []types.MatchGroup {
	type bucket struct {
		id      string
		markets []types.Market
	}

	index := make(map[string]int)
	var buckets []bucket
	for _, market := range markets {
		if !market.Key().Valid() {
			continue
		}
		id := canonicalID(market.Question)
		if pos, ok := index[id]; ok {
			buckets[pos].markets = append(buckets[pos].markets, market)
			continue
		}
		index[id] = len(buckets)
		buckets = append(buckets, bucket{id: id, markets: []types.Market{market}})
	}

	embedFailed := false // log the backend outage once per cycle
	var groups []types.MatchGroup
	grouped := make(map[types.MarketKey]int) // key → index into groups

	for _, b := range buckets {
		remaining := b.markets
		for len(remaining) > 0 {
			base := remaining[0]
			group := types.MatchGroup{
				CanonicalID: b.id,
				Markets:     []types.Market{base},
				Method:      types.MatchText,
				Similarity:  1.0,
			}

			var next []types.Market
			for _, candidate := range remaining[1:] {
				res := m.areMatching(ctx, base, candidate, &embedFailed)
				if !res.Matches && !res.NeedsReview {
					next = append(next, candidate)
					continue
				}
				group.Markets = append(group.Markets, candidate)
				if res.Similarity < group.Similarity {
					group.Similarity = res.Similarity
				}
				if methodRank(res.Method) > methodRank(group.Method) {
					group.Method = res.Method
				}
				if res.Verification != nil {
					if group.Verification == nil || res.Verification.Confidence < group.Verification.Confidence {
						group.Verification = res.Verification
					}
				}
				if res.NeedsReview {
					group.NeedsReview = true
				}
			}

			for _, gm := range group.Markets {
				grouped[gm.Key()] = len(groups)
			}
			groups = append(groups, group)
			remaining = next
		}
	}

	groups = m.appendManualGroups(markets, groups, grouped)
	return groups
}

// appendManualGroups sweeps hand-curated pairs that text bucketing missed:
// two markets with completely different phrasing can still be the same event.
func (m *Matcher) appendManualGroups(markets []types.Market, groups []types.MatchGroup, grouped map[types.MarketKey]int) []types.MatchGroup {
	byKey := make(map[types.MarketKey]types.Market, len(markets))
	for _, market := range markets {
		byKey[market.Key()] = market
	}

	m.mu.RLock()
	pairs := make([]string, 0, len(m.manual))
	for pair := range m.manual {
		pairs = append(pairs, pair)
	}
	m.mu.RUnlock()
	sort.Strings(pairs) // map iteration order must not leak into the output

	for _, pair := range pairs {
		a, b, ok := splitPairID(pair)
		if !ok {
			continue
		}
		ma, okA := byKey[a]
		mb, okB := byKey[b]
		if !okA || !okB {
			continue
		}
		gi, inA := grouped[a]
		gj, inB := grouped[b]
		if inA && inB && gi == gj {
			continue // already matched by an earlier method
		}

		group := types.MatchGroup{
			CanonicalID: canonicalID(ma.Question),
			Markets:     []types.Market{ma, mb},
			Method:      types.MatchManual,
			Similarity:  1.0,
		}
		grouped[a] = len(groups)
		grouped[b] = len(groups)
		groups = append(groups, group)
	}

	return groups
}

// AreMatching runs the full pairwise decision for two markets.
func (m *Matcher) AreMatching(ctx context.Context, a, b types.Market) Result {
	failed := false
	return m.areMatching(ctx, a, b, &failed)
}

func (m *Matcher) areMatching(ctx context.Context, a, b types.Market, embedFailed *bool) Result {
	// Manual link wins outright; no verification needed.
	if m.HasManualLink(a.Key(), b.Key()) {
		return Result{Matches: true, Similarity: 1.0, Method: types.MatchManual}
	}

	// Identical non-empty slugs are venue-assigned identity.
	if a.Slug != "" && a.Slug == b.Slug {
		return Result{Matches: true, Similarity: 1.0, Method: types.MatchSlug}
	}

	if m.cfg.Semantic && m.embedder != nil && !*embedFailed {
		res, ok := m.semanticMatch(ctx, a, b, embedFailed)
		if ok {
			return res
		}
		// Embedding backend unavailable: fall through to text matching.
	}

	if m.cfg.DisableText {
		return Result{}
	}
	return m.textMatch(a, b)
}

// semanticMatch embeds both questions and compares cosine similarity.
// Returns ok=false only when the embedding backend failed, in which case
// the caller falls back to text matching.
func (m *Matcher) semanticMatch(ctx context.Context, a, b types.Market, embedFailed *bool) (Result, bool) {
	va, err := m.embedQuestion(ctx, a.Question)
	if err == nil {
		var vb []float32
		vb, err = m.embedQuestion(ctx, b.Question)
		if err == nil {
			sim := cosine(va, vb)
			if sim < m.cfg.SimilarityThreshold {
				return Result{Similarity: sim, Method: types.MatchSemantic}, true
			}
			report := verifyPair(a.Question, b.Question)
			return Result{
				Matches:      report.Verified,
				Similarity:   sim,
				Method:       types.MatchSemantic,
				Verification: &report,
				NeedsReview:  needsReview(report),
			}, true
		}
	}

	if !*embedFailed {
		*embedFailed = true
		m.logger.Warn("embedding backend unavailable, falling back to text matching",
			"error", err)
	}
	return Result{}, false
}

// textMatch is the dependency-free fallback: jaccard overlap of token sets,
// verified, with low-confidence verifications rejected outright. The
// overlap gate runs on year-stripped tokens, mirroring canonicalID: a year
// disagreement is entity verification's call, and letting it dilute the
// overlap would drop mismatched-year pairs before they can be flagged.
func (m *Matcher) textMatch(a, b types.Market) Result {
	tokensA := stripYears(tokenize(normalizeQuestion(a.Question)))
	tokensB := stripYears(tokenize(normalizeQuestion(b.Question)))
	sim := jaccard(tokensA, tokensB)
	if sim < m.cfg.TokenOverlap {
		return Result{Similarity: sim, Method: types.MatchText}
	}

	report := verifyPair(a.Question, b.Question)
	matches := report.Verified && report.Confidence >= 0.5
	return Result{
		Matches:      matches,
		Similarity:   sim,
		Method:       types.MatchText,
		Verification: &report,
		NeedsReview:  needsReview(report),
	}
}

// VerifyMatch exposes entity verification directly.
func (m *Matcher) VerifyMatch(a, b types.Market) types.VerificationReport {
	return verifyPair(a.Question, b.Question)
}

func (m *Matcher) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	key := normalizeQuestion(question)
	return m.vectors.GetOrCompute(key, m.cfg.EmbedCacheTTL, func() ([]float32, error) {
		return m.embedder.Embed(ctx, question)
	})
}

// cosine computes cosine similarity between two vectors; 0 for mismatched
// or empty inputs.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func methodRank(m types.MatchMethod) int {
	switch m {
	case types.MatchManual:
		return 3
	case types.MatchSlug:
		return 2
	case types.MatchSemantic:
		return 1
	default:
		return 0
	}
}

func pairID(a, b types.MarketKey) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

func splitPairID(id string) (types.MarketKey, types.MarketKey, bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '|' {
			return types.MarketKey(id[:i]), types.MarketKey(id[i+1:]), true
		}
	}
	return "", "", false
}
