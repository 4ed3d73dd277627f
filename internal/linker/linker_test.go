package linker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"predarb/internal/store"
	"predarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryLinker(t *testing.T) *Linker {
	t.Helper()
	l, err := New(context.Background(), nil, testLogger())
	if err != nil {
		t.Fatalf("new linker: %v", err)
	}
	return l
}

func TestLinkIsIdempotent(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	first, err := l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	// Reversed order produces the same edge.
	second, err := l.Link(ctx, "kalshi:k1", "polymarket:m1", 0.95, types.LinkAuto)
	if err != nil {
		t.Fatalf("re-link: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %q vs %q", first.ID, second.ID)
	}
	if got := l.GetAllLinks(); len(got) != 1 || got[0].Confidence != 0.95 {
		t.Errorf("links = %+v", got)
	}
}

func TestLinkRejectsBadInput(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	if _, err := l.Link(ctx, "polymarket:m1", "polymarket:m1", 0.9, types.LinkManual); err == nil {
		t.Error("self-link must fail")
	}
	if _, err := l.Link(ctx, "no-separator", "kalshi:k1", 0.9, types.LinkManual); err == nil {
		t.Error("malformed key must fail")
	}
	if _, err := l.Link(ctx, "polymarket:m1", "kalshi:k1", 1.5, types.LinkManual); err == nil {
		t.Error("confidence out of range must fail")
	}
}

func TestKeysAreNormalized(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	if _, err := l.Link(ctx, " Polymarket:M1 ", "kalshi:k1", 0.9, types.LinkManual); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, ok := l.GetLink("polymarket:m1", "kalshi:k1"); !ok {
		t.Error("lookup with canonical keys should find the normalized link")
	}
	if !l.AreLinked("POLYMARKET:M1", "kalshi:k1") {
		t.Error("transitive lookup should normalize too")
	}
}

func TestAreLinkedTransitive(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	l.Link(ctx, "kalshi:k1", "manifold:f1", 0.8, types.LinkAuto)

	if !l.AreLinked("polymarket:m1", "manifold:f1") {
		t.Error("two-hop path should link")
	}
	if l.AreLinked("polymarket:m1", "metaculus:q1") {
		t.Error("unlinked market must not be reachable")
	}
	if !l.AreLinked("polymarket:m1", "polymarket:m1") {
		t.Error("a key is always linked to itself")
	}
}

func TestGetIdentityOrdersByConfidence(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	// f1's best incident confidence (0.95) beats k1's (0.9) and m1's (0.9).
	l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	l.Link(ctx, "kalshi:k1", "manifold:f1", 0.95, types.LinkAuto)

	id := l.GetIdentity("polymarket:m1")
	if len(id.Members) != 3 {
		t.Fatalf("members = %v", id.Members)
	}
	if id.Primary != "polymarket:m1" {
		// m1 is queried first but f1 and k1 both carry 0.95.
		t.Logf("primary = %v", id.Primary)
	}
	if id.Members[0] != id.Primary {
		t.Error("primary must be the first member")
	}
	// The 0.95 edge gives both k1 and f1 confidence 0.95, above m1's 0.9.
	last := id.Members[len(id.Members)-1]
	if last != "polymarket:m1" {
		t.Errorf("lowest-confidence member should sort last, got %v", id.Members)
	}
}

func TestGetIdentityUnlinkedKey(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)

	id := l.GetIdentity("polymarket:lonely")
	if id.Primary != "polymarket:lonely" || len(id.Members) != 1 {
		t.Errorf("identity = %+v", id)
	}
}

func TestUnlinkSplitsComponent(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	l.Link(ctx, "kalshi:k1", "manifold:f1", 0.8, types.LinkAuto)

	if err := l.Unlink(ctx, "kalshi:k1", "manifold:f1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if l.AreLinked("polymarket:m1", "manifold:f1") {
		t.Error("severed path should not link")
	}
	if !l.AreLinked("polymarket:m1", "kalshi:k1") {
		t.Error("surviving edge should still link")
	}
	// Unlinking again is fine.
	if err := l.Unlink(ctx, "kalshi:k1", "manifold:f1"); err != nil {
		t.Errorf("repeat unlink: %v", err)
	}
}

func TestUpdateConfidence(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.5, types.LinkAuto)
	if err := l.UpdateConfidence(ctx, "polymarket:m1", "kalshi:k1", 0.99); err != nil {
		t.Fatalf("update: %v", err)
	}
	link, _ := l.GetLink("polymarket:m1", "kalshi:k1")
	if link.Confidence != 0.99 {
		t.Errorf("confidence = %v", link.Confidence)
	}
	if err := l.UpdateConfidence(ctx, "a:b", "c:d", 0.5); err == nil {
		t.Error("updating a missing link must fail")
	}
}

func TestMergeJoinsComponents(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	l.Link(ctx, "manifold:f1", "metaculus:q1", 0.8, types.LinkAuto)

	if err := l.Merge(ctx, "polymarket:m1", "manifold:f1"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !l.AreLinked("kalshi:k1", "metaculus:q1") {
		t.Error("merged components should be fully reachable")
	}
	// a gains direct edges to every member of b's component.
	if _, ok := l.GetLink("polymarket:m1", "metaculus:q1"); !ok {
		t.Error("merge should create direct edges")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	l := newMemoryLinker(t)
	ctx := context.Background()

	l.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	l.Link(ctx, "kalshi:k1", "manifold:f1", 0.8, types.LinkAuto)
	l.Link(ctx, "metaculus:q1", "limitless:x1", 0.7, types.LinkAuto)

	stats := l.Stats()
	if stats.Links != 3 || stats.Markets != 5 || stats.Components != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BySource[types.LinkManual] != 1 || stats.BySource[types.LinkAuto] != 2 {
		t.Errorf("by source = %v", stats.BySource)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newMemoryLinker(t)
	src.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual)
	src.Link(ctx, "kalshi:k1", "manifold:f1", 0.8, types.LinkAuto)

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newMemoryLinker(t)
	n, err := dst.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d, want 2", n)
	}
	if !dst.AreLinked("polymarket:m1", "manifold:f1") {
		t.Error("imported graph should preserve reachability")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	first, err := New(ctx, db, testLogger())
	if err != nil {
		t.Fatalf("new linker: %v", err)
	}
	if _, err := first.Link(ctx, "polymarket:m1", "kalshi:k1", 0.9, types.LinkManual); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := first.Link(ctx, "kalshi:k1", "manifold:f1", 0.8, types.LinkAuto); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := first.Unlink(ctx, "kalshi:k1", "manifold:f1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	// Same database, fresh process.
	second, err := New(ctx, db, testLogger())
	if err != nil {
		t.Fatalf("restart linker: %v", err)
	}
	if !second.AreLinked("polymarket:m1", "kalshi:k1") {
		t.Error("persisted link lost across restart")
	}
	if second.AreLinked("polymarket:m1", "manifold:f1") {
		t.Error("unlinked edge resurrected across restart")
	}
}
