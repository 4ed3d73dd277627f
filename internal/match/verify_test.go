package match

import (
	"testing"
)

func TestExtractEntitiesClasses(t *testing.T) {
	t.Parallel()

	set := extractEntities("Will Trump win the 2028 election by Dec 15 with over 3.5% margin?")

	if len(set.Years) != 1 || set.Years[0] != "2028" {
		t.Errorf("years = %v", set.Years)
	}
	if len(set.Persons) != 1 || set.Persons[0] != "trump" {
		t.Errorf("persons = %v", set.Persons)
	}
	if len(set.Dates) != 1 || set.Dates[0] != "december 15" {
		t.Errorf("dates = %v", set.Dates)
	}
	if len(set.Thresholds) != 1 || set.Thresholds[0] != "3.5%" {
		t.Errorf("thresholds = %v", set.Thresholds)
	}
}

func TestExtractEntitiesDollarThresholds(t *testing.T) {
	t.Parallel()

	set := extractEntities("Will BTC close above $100k in 2026?")
	if len(set.Thresholds) != 1 {
		t.Fatalf("thresholds = %v", set.Thresholds)
	}
	v, kind, ok := parseQuantity(set.Thresholds[0])
	if !ok || kind != "usd" || v != 100_000 {
		t.Errorf("parseQuantity(%q) = (%v, %q, %v)", set.Thresholds[0], v, kind, ok)
	}
}

func TestVerifyPairIdenticalQuestions(t *testing.T) {
	t.Parallel()

	q := "Will X win the 2028 election?"
	report := verifyPair(q, q)
	if !report.Verified {
		t.Error("identical questions must verify")
	}
	if report.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", report.Confidence)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("warnings = %v", report.Warnings)
	}
}

func TestVerifyPairYearMismatch(t *testing.T) {
	t.Parallel()

	report := verifyPair(
		"Will X win the 2028 election?",
		"Will X win the 2024 election?",
	)
	if report.Verified {
		t.Error("a year mismatch must fail verification")
	}
	if report.Confidence > 0.5+1e-9 {
		t.Errorf("confidence = %v, want <= 0.5 after year penalty", report.Confidence)
	}
	if !needsReview(report) {
		t.Error("year mismatch flags the pair for review")
	}
}

func TestVerifyPairPersonMismatchStillVerifiedButFlagged(t *testing.T) {
	t.Parallel()

	report := verifyPair(
		"Will Trump sign the bill?",
		"Will Biden sign the bill?",
	)
	// Single person warning: confidence 0.7, one warning — verified,
	// but critical mismatch still flags review.
	if !report.Verified {
		t.Errorf("report = %+v; one 0.3 penalty should stay verified", report)
	}
	if !needsReview(report) {
		t.Error("person mismatch must flag review")
	}
}

func TestVerifyPairTwoWarningsFail(t *testing.T) {
	t.Parallel()

	report := verifyPair(
		"Will Trump win the Chiefs game bet?",
		"Will Biden win the Eagles game bet?",
	)
	if len(report.Warnings) < 2 {
		t.Fatalf("expected person + team warnings, got %v", report.Warnings)
	}
	if report.Verified {
		t.Error("two warnings must fail verification")
	}
}

func TestNumericallyCloseWithinTenPercent(t *testing.T) {
	t.Parallel()

	if !numericallyClose("100 percent", "95%") {
		t.Error("95 vs 100 percent is within 10%")
	}
	if numericallyClose("100 percent", "80%") {
		t.Error("80 vs 100 percent is not within 10%")
	}
	// 50bp equals 0.5%.
	if !numericallyClose("50bp", "0.5%") {
		t.Error("basis points should normalize to percent")
	}
	if numericallyClose("5%", "$5") {
		t.Error("different unit kinds never agree")
	}
}

func TestVerifyPairThresholdTolerance(t *testing.T) {
	t.Parallel()

	report := verifyPair(
		"Will inflation exceed 3%?",
		"Will inflation exceed 3.1%?",
	)
	if !report.Verified {
		t.Errorf("thresholds within 10%% should agree: %+v", report)
	}
}

func TestCanonicalDate(t *testing.T) {
	t.Parallel()

	if got := canonicalDate("dec 15th"); got != "december 15" {
		t.Errorf("canonicalDate = %q", got)
	}
	if got := canonicalDate("january 3"); got != "january 3" {
		t.Errorf("canonicalDate = %q", got)
	}
}

func TestVerifyPairAdjacentYearsMismatch(t *testing.T) {
	t.Parallel()

	// Years a fraction of a percent apart must still compare as distinct;
	// the relative-difference tolerance is for thresholds, not years.
	report := verifyPair(
		"Will the merger close in 2030?",
		"Will the merger close in 2031?",
	)
	if report.Verified {
		t.Error("adjacent years must fail verification")
	}
	if !needsReview(report) {
		t.Error("adjacent years flag the pair for review")
	}
}
