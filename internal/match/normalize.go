// Package match decides whether two venue markets represent the same
// underlying event.
//
// The pipeline: question text is normalized and tokenized, markets are
// bucketed by a stable canonical id for fast grouping, and candidate pairs
// go through manual-link, slug, semantic (embedding cosine), and token-overlap
// matching. Any non-exact match is verified by comparing extracted entities
// (years, dates, thresholds, persons, teams); a critical mismatch flags the
// pair for review, which suppresses cross-venue opportunities downstream.
package match

import (
	"strings"
)

// abbreviations expands domain shorthand token-by-token so that
// "Dec Fed meeting" and "December Federal Reserve meeting" tokenize alike.
// Values may expand to multiple tokens.
var abbreviations = map[string]string{
	"jan": "january", "feb": "february", "mar": "march", "apr": "april",
	"jun": "june", "jul": "july", "aug": "august", "sep": "september",
	"sept": "september", "oct": "october", "nov": "november", "dec": "december",

	"us": "united states", "usa": "united states", "uk": "united kingdom",
	"fed": "federal reserve", "fomc": "federal reserve",
	"gdp": "gross domestic product", "cpi": "consumer price index",
	"bp": "basis points", "bps": "basis points",
	"btc": "bitcoin", "eth": "ethereum",
}

// stopWords are dropped during tokenization. "will" is deliberately here:
// nearly every prediction question starts with it.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "will": true, "be": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "and": true, "or": true, "is": true,
	"are": true, "was": true, "were": true, "do": true, "does": true,
	"did": true, "it": true, "its": true, "this": true, "that": true,
	"than": true, "as": true, "with": true, "from": true, "before": true,
	"after": true, "if": true, "who": true, "what": true, "when": true,
	"where": true, "how": true, "which": true,
}

const canonicalIDTokens = 8

// normalizeQuestion lowercases the question, spells out numeric suffixes,
// strips punctuation, and collapses whitespace.
func normalizeQuestion(q string) string {
	q = strings.ToLower(q)
	q = strings.ReplaceAll(q, "%", " percent ")
	q = strings.ReplaceAll(q, "$", " dollar ")

	var b strings.Builder
	b.Grow(len(q))
	for _, r := range q {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	expanded := make([]string, 0, len(fields))
	for _, tok := range fields {
		if exp, ok := abbreviations[tok]; ok {
			expanded = append(expanded, strings.Fields(exp)...)
			continue
		}
		expanded = append(expanded, tok)
	}

	return strings.Join(expanded, " ")
}

// tokenize splits a normalized question, dropping stop words and
// single-character tokens.
func tokenize(normalized string) []string {
	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len(tok) <= 1 || stopWords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// canonicalID derives a stable, dependency-free bucket id for a question:
// the first 8 significant tokens joined by underscores. Year tokens are
// skipped so that "2024 election" and "2028 election" share a bucket and
// entity verification gets the chance to flag the mismatch.
func canonicalID(question string) string {
	all := tokenize(normalizeQuestion(question))
	tokens := make([]string, 0, len(all))
	for _, tok := range all {
		if isYearToken(tok) {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) == canonicalIDTokens {
			break
		}
	}
	return strings.Join(tokens, "_")
}

// stripYears drops year tokens from a token list.
func stripYears(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if isYearToken(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isYearToken(tok string) bool {
	if len(tok) != 4 || tok[0] != '2' || tok[1] != '0' {
		return false
	}
	return tok[2] >= '2' && tok[2] <= '3' && tok[3] >= '0' && tok[3] <= '9'
}

// jaccard computes token-set overlap between two token lists.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	var intersection int
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
