package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"predarb/pkg/types"
)

// Entity extraction is table-driven: each rule pairs a precompiled pattern
// with the entity class its matches belong to. Patterns run against the
// lowercased raw question (not the normalized form) so thresholds like
// "3.5%" survive intact.

type entityClass int

const (
	classYear entityClass = iota
	classDate
	classThreshold
	classPerson
	classTeam
	classNumber
)

type entityRule struct {
	class   entityClass
	pattern *regexp.Regexp
}

const monthAlt = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

// persons and teams are fixed domain lists: the entities that actually show
// up in political, macro, and sports prediction markets.
var personAlt = strings.Join([]string{
	"trump", "biden", "harris", "vance", "desantis", "newsom", "obama",
	"putin", "zelensky", "xi", "modi", "musk", "powell", "yellen",
	"macron", "starmer", "netanyahu",
}, "|")

var teamAlt = strings.Join([]string{
	"chiefs", "eagles", "bills", "cowboys", "49ers", "ravens", "packers",
	"lakers", "celtics", "warriors", "knicks", "heat", "nuggets",
	"yankees", "dodgers", "mets", "astros", "braves",
	"real madrid", "barcelona", "manchester city", "manchester united",
	"liverpool", "arsenal", "chelsea",
}, "|")

var entityRules = []entityRule{
	{classYear, regexp.MustCompile(`\b(20[23][0-9])\b`)},
	{classDate, regexp.MustCompile(`\b` + monthAlt + `\.?(?:\s+\d{1,2}(?:st|nd|rd|th)?)?\b`)},
	{classThreshold, regexp.MustCompile(`\b\d+(?:\.\d+)?\s*(?:%|percent|bps?|basis\s+points)`)},
	{classThreshold, regexp.MustCompile(`\$\s*\d+(?:\.\d+)?\s*(?:k|m|b|illion)?\b`)},
	{classPerson, regexp.MustCompile(`\b(?:` + personAlt + `)\b`)},
	{classTeam, regexp.MustCompile(`\b(?:` + teamAlt + `)\b`)},
	{classNumber, regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)},
}

const maxFreeNumbers = 10

// extractEntities pulls the recognized entity sets out of one question.
func extractEntities(question string) types.EntitySet {
	q := strings.ToLower(question)

	var set types.EntitySet
	for _, rule := range entityRules {
		matches := rule.pattern.FindAllString(q, -1)
		for _, raw := range matches {
			m := strings.TrimSpace(raw)
			switch rule.class {
			case classYear:
				set.Years = appendUnique(set.Years, m)
			case classDate:
				set.Dates = appendUnique(set.Dates, canonicalDate(m))
			case classThreshold:
				set.Thresholds = appendUnique(set.Thresholds, m)
			case classPerson:
				set.Persons = appendUnique(set.Persons, m)
			case classTeam:
				set.Teams = appendUnique(set.Teams, m)
			case classNumber:
				if len(set.Numbers) < maxFreeNumbers {
					set.Numbers = appendUnique(set.Numbers, m)
				}
			}
		}
	}
	return set
}

// criticalClasses and their confidence penalties: a non-empty vs non-empty
// disagreement on any of these flags the pair for review.
var criticalPenalties = []struct {
	name    string
	penalty float64
	get     func(types.EntitySet) []string
	numeric bool
}{
	// Years compare exactly: the 10% numeric tolerance exists for
	// thresholds, and under it every election year agrees with every other.
	{"year", 0.5, func(s types.EntitySet) []string { return s.Years }, false},
	{"date", 0.4, func(s types.EntitySet) []string { return s.Dates }, false},
	{"threshold", 0.4, func(s types.EntitySet) []string { return s.Thresholds }, true},
	{"person", 0.3, func(s types.EntitySet) []string { return s.Persons }, false},
	{"team", 0.3, func(s types.EntitySet) []string { return s.Teams }, false},
}

// verifyPair compares the entity sets of two questions. Confidence starts at
// 1.0 and each critical mismatch subtracts its penalty. Two or more warnings,
// or confidence below 0.7, fails verification.
func verifyPair(questionA, questionB string) types.VerificationReport {
	report := types.VerificationReport{
		EntitiesA:  extractEntities(questionA),
		EntitiesB:  extractEntities(questionB),
		Confidence: 1.0,
	}

	for _, c := range criticalPenalties {
		a, b := c.get(report.EntitiesA), c.get(report.EntitiesB)
		if len(a) == 0 || len(b) == 0 {
			continue
		}
		if classAgrees(a, b, c.numeric) {
			continue
		}
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s mismatch: %v vs %v", c.name, a, b))
		report.Confidence -= c.penalty
	}

	// Free numbers are advisory: a disagreement costs a little confidence
	// but never blocks on its own.
	if len(report.EntitiesA.Numbers) > 0 && len(report.EntitiesB.Numbers) > 0 &&
		!classAgrees(report.EntitiesA.Numbers, report.EntitiesB.Numbers, true) {
		report.Confidence -= 0.1
	}

	if report.Confidence < 0 {
		report.Confidence = 0
	}
	report.Verified = len(report.Warnings) < 2 && report.Confidence >= 0.7
	return report
}

// needsReview reports whether the verification surfaced a critical mismatch.
func needsReview(report types.VerificationReport) bool {
	return len(report.Warnings) > 0
}

// classAgrees reports whether two non-empty entity sets share at least one
// value. Numeric classes consider two values the same when they are within
// 10% relative difference (and denominated alike for thresholds).
func classAgrees(a, b []string, numeric bool) bool {
	for _, va := range a {
		for _, vb := range b {
			if va == vb {
				return true
			}
			if numeric && numericallyClose(va, vb) {
				return true
			}
		}
	}
	return false
}

// numericallyClose compares two entity strings by magnitude and unit kind.
func numericallyClose(a, b string) bool {
	av, akind, aok := parseQuantity(a)
	bv, bkind, bok := parseQuantity(b)
	if !aok || !bok || akind != bkind {
		return false
	}
	larger := av
	if bv > larger {
		larger = bv
	}
	if larger == 0 {
		return av == bv
	}
	diff := av - bv
	if diff < 0 {
		diff = -diff
	}
	return diff/larger <= 0.10
}

var quantityRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// parseQuantity reads the magnitude out of a threshold or number entity.
// Percent-family units normalize to percent (1bp = 0.01%); dollar amounts
// expand k/m/b multipliers.
func parseQuantity(s string) (value float64, kind string, ok bool) {
	num := quantityRe.FindString(s)
	if num == "" {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", false
	}

	switch {
	case strings.Contains(s, "basis") || strings.Contains(s, "bp"):
		return v / 100, "pct", true
	case strings.Contains(s, "%") || strings.Contains(s, "percent"):
		return v, "pct", true
	case strings.Contains(s, "$"):
		switch {
		case strings.Contains(s, "b"):
			v *= 1e9
		case strings.Contains(s, "m"):
			v *= 1e6
		case strings.Contains(s, "k"):
			v *= 1e3
		}
		return v, "usd", true
	default:
		return v, "plain", true
	}
}

// canonicalDate expands an abbreviated month so "dec 15" and "december 15"
// compare equal.
func canonicalDate(d string) string {
	fields := strings.Fields(strings.TrimSuffix(d, "."))
	if len(fields) == 0 {
		return d
	}
	month := strings.TrimSuffix(fields[0], ".")
	if full, ok := abbreviations[month]; ok && !strings.Contains(full, " ") {
		fields[0] = full
	}
	if len(fields) > 1 {
		fields[1] = strings.TrimRight(fields[1], "stndrh")
	}
	return strings.Join(fields, " ")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
