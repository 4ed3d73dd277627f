// Package linker maintains the persistent undirected graph of market
// equivalences. Nodes are canonical market keys; edges are curated or
// discovered links with a confidence and provenance. Transitive closure over
// the graph defines a market's identity: every key known to represent the
// same underlying event.
//
// The graph lives in memory for lookups and is mirrored to the store on
// every mutation. On construction the adjacency set is rebuilt from
// persisted links, so restarts keep hand-curated work.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"predarb/pkg/types"
)

// Store is the persistence surface the linker needs. A nil Store yields a
// purely in-memory graph, which tests and one-shot tools use.
type Store interface {
	SaveLink(ctx context.Context, link types.Link) error
	DeleteLink(ctx context.Context, id string) error
	UpdateLinkConfidence(ctx context.Context, id string, confidence float64) error
	LoadLinks(ctx context.Context) ([]types.Link, error)
}

// Stats summarizes the graph.
type Stats struct {
	Links      int
	Markets    int
	Components int
	BySource   map[types.LinkSource]int
}

// Linker is safe for concurrent use.
type Linker struct {
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	links map[string]types.Link                          // link id → link
	adj   map[types.MarketKey]map[types.MarketKey]string // node → neighbor → link id
}

// New builds a Linker, loading any persisted links from store.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Linker, error) {
	l := &Linker{
		store:  store,
		logger: logger.With("component", "linker"),
		links:  make(map[string]types.Link),
		adj:    make(map[types.MarketKey]map[types.MarketKey]string),
	}
	if store == nil {
		return l, nil
	}

	persisted, err := store.LoadLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted links: %w", err)
	}
	for _, link := range persisted {
		l.insert(link)
	}
	if len(persisted) > 0 {
		l.logger.Info("restored link graph", "links", len(persisted))
	}
	return l, nil
}

// Link records an undirected equivalence between two markets. Linking the
// same pair again updates confidence and source in place. Self-links and
// malformed keys are rejected.
func (l *Linker) Link(ctx context.Context, a, b types.MarketKey, confidence float64, source types.LinkSource) (types.Link, error) {
	a, b = normalizeKey(a), normalizeKey(b)
	if !a.Valid() || !b.Valid() {
		return types.Link{}, fmt.Errorf("link %q–%q: malformed market key", a, b)
	}
	if a == b {
		return types.Link{}, fmt.Errorf("link %q: cannot link a market to itself", a)
	}
	if confidence < 0 || confidence > 1 {
		return types.Link{}, fmt.Errorf("link %q–%q: confidence %v out of [0,1]", a, b, confidence)
	}

	link := types.Link{
		ID:         types.LinkID(a, b),
		MarketA:    a,
		MarketB:    b,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  time.Now(),
	}

	l.mu.Lock()
	if existing, ok := l.links[link.ID]; ok {
		link.CreatedAt = existing.CreatedAt
		link.Metadata = existing.Metadata
	}
	l.insert(link)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveLink(ctx, link); err != nil {
			// The in-memory graph stays authoritative for this process.
			l.logger.Error("persist link failed", "link", link.ID, "error", err)
			return link, fmt.Errorf("persist link: %w", err)
		}
	}
	return link, nil
}

// Unlink removes the direct edge between a and b. Removing an absent edge
// is a no-op.
func (l *Linker) Unlink(ctx context.Context, a, b types.MarketKey) error {
	id := types.LinkID(normalizeKey(a), normalizeKey(b))

	l.mu.Lock()
	link, ok := l.links[id]
	if ok {
		delete(l.links, id)
		l.removeEdge(link.MarketA, link.MarketB)
		l.removeEdge(link.MarketB, link.MarketA)
	}
	l.mu.Unlock()

	if !ok || l.store == nil {
		return nil
	}
	if err := l.store.DeleteLink(ctx, id); err != nil {
		l.logger.Error("delete persisted link failed", "link", id, "error", err)
		return fmt.Errorf("delete persisted link: %w", err)
	}
	return nil
}

// GetLink returns the direct edge between a and b, if one exists.
func (l *Linker) GetLink(a, b types.MarketKey) (types.Link, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	link, ok := l.links[types.LinkID(normalizeKey(a), normalizeKey(b))]
	return link, ok
}

// GetLinks returns every edge incident to k, highest confidence first.
func (l *Linker) GetLinks(k types.MarketKey) []types.Link {
	k = normalizeKey(k)

	l.mu.RLock()
	defer l.mu.RUnlock()

	neighbors := l.adj[k]
	out := make([]types.Link, 0, len(neighbors))
	for _, id := range neighbors {
		out = append(out, l.links[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AreLinked reports whether a path of links connects a and b.
func (l *Linker) AreLinked(a, b types.MarketKey) bool {
	a, b = normalizeKey(a), normalizeKey(b)
	if a == b {
		return true
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	visited := map[types.MarketKey]bool{a: true}
	queue := []types.MarketKey{a}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for neighbor := range l.adj[node] {
			if neighbor == b {
				return true
			}
			if !visited[neighbor] {
				visited[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}
	return false
}

// GetIdentity returns the full identity component containing k: every
// transitively linked key, sorted by best incident-link confidence
// descending, with BFS discovery order breaking ties. The first member is
// the primary. An unlinked key is its own identity.
func (l *Linker) GetIdentity(k types.MarketKey) types.MarketIdentity {
	k = normalizeKey(k)

	l.mu.RLock()
	defer l.mu.RUnlock()

	type member struct {
		key   types.MarketKey
		conf  float64
		order int
	}

	members := []member{{key: k, conf: l.bestConfidenceLocked(k), order: 0}}
	visited := map[types.MarketKey]bool{k: true}
	queue := []types.MarketKey{k}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		// Deterministic neighbor visit order.
		neighbors := make([]types.MarketKey, 0, len(l.adj[node]))
		for n := range l.adj[node] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, neighbor := range neighbors {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			members = append(members, member{
				key:   neighbor,
				conf:  l.bestConfidenceLocked(neighbor),
				order: len(members),
			})
			queue = append(queue, neighbor)
		}
	}

	sort.SliceStable(members, func(i, j int) bool {
		if members[i].conf != members[j].conf {
			return members[i].conf > members[j].conf
		}
		return members[i].order < members[j].order
	})

	identity := types.MarketIdentity{Primary: members[0].key}
	for _, m := range members {
		identity.Members = append(identity.Members, m.key)
	}
	return identity
}

// UpdateConfidence adjusts the confidence of the direct link between a and b.
func (l *Linker) UpdateConfidence(ctx context.Context, a, b types.MarketKey, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", confidence)
	}
	id := types.LinkID(normalizeKey(a), normalizeKey(b))

	l.mu.Lock()
	link, ok := l.links[id]
	if ok {
		link.Confidence = confidence
		l.links[id] = link
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("no link between %q and %q", a, b)
	}
	if l.store != nil {
		if err := l.store.UpdateLinkConfidence(ctx, id, confidence); err != nil {
			l.logger.Error("persist confidence update failed", "link", id, "error", err)
			return fmt.Errorf("persist confidence update: %w", err)
		}
	}
	return nil
}

// Merge folds b's identity component into a's by linking a directly to
// every member of b's component, carrying each member's confidence.
func (l *Linker) Merge(ctx context.Context, a, b types.MarketKey) error {
	a, b = normalizeKey(a), normalizeKey(b)
	if !a.Valid() || !b.Valid() {
		return fmt.Errorf("merge %q–%q: malformed market key", a, b)
	}
	if a == b {
		return nil
	}

	identity := l.GetIdentity(b)
	for _, member := range identity.Members {
		if member == a {
			continue
		}
		conf := 1.0
		if member != b {
			l.mu.RLock()
			conf = l.bestConfidenceLocked(member)
			l.mu.RUnlock()
		}
		if _, err := l.Link(ctx, a, member, conf, types.LinkManual); err != nil {
			return fmt.Errorf("merge %q into %q: %w", b, a, err)
		}
	}
	return nil
}

// GetAllLinks returns every edge, sorted by id for reproducible output.
func (l *Linker) GetAllLinks() []types.Link {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Link, 0, len(l.links))
	for _, link := range l.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Export writes the full link set as a JSON array, for hand editing or
// seeding another deployment.
func (l *Linker) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l.GetAllLinks()); err != nil {
		return fmt.Errorf("export links: %w", err)
	}
	return nil
}

// Import reads a JSON array of links and upserts each one, returning the
// number imported. Malformed entries abort the import; already-applied
// entries stay applied.
func (l *Linker) Import(ctx context.Context, r io.Reader) (int, error) {
	var links []types.Link
	if err := json.NewDecoder(r).Decode(&links); err != nil {
		return 0, fmt.Errorf("decode links: %w", err)
	}

	var imported int
	for _, link := range links {
		source := link.Source
		if source == "" {
			source = types.LinkManual
		}
		if _, err := l.Link(ctx, link.MarketA, link.MarketB, link.Confidence, source); err != nil {
			return imported, fmt.Errorf("import link %q–%q: %w", link.MarketA, link.MarketB, err)
		}
		imported++
	}
	l.logger.Info("imported links", "count", imported)
	return imported, nil
}

// Stats returns graph-level counters.
func (l *Linker) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		Links:    len(l.links),
		Markets:  len(l.adj),
		BySource: make(map[types.LinkSource]int),
	}
	for _, link := range l.links {
		stats.BySource[link.Source]++
	}

	visited := make(map[types.MarketKey]bool, len(l.adj))
	for node := range l.adj {
		if visited[node] {
			continue
		}
		stats.Components++
		queue := []types.MarketKey{node}
		visited[node] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for neighbor := range l.adj[cur] {
				if !visited[neighbor] {
					visited[neighbor] = true
					queue = append(queue, neighbor)
				}
			}
		}
	}
	return stats
}

// ————————————————————————————————————————————————————————————————————————
// internals
// ————————————————————————————————————————————————————————————————————————

// insert records a link in both the id map and the adjacency set.
// Caller holds the write lock (or is still single-threaded in New).
func (l *Linker) insert(link types.Link) {
	l.links[link.ID] = link
	l.addEdge(link.MarketA, link.MarketB, link.ID)
	l.addEdge(link.MarketB, link.MarketA, link.ID)
}

func (l *Linker) addEdge(from, to types.MarketKey, id string) {
	if l.adj[from] == nil {
		l.adj[from] = make(map[types.MarketKey]string)
	}
	l.adj[from][to] = id
}

func (l *Linker) removeEdge(from, to types.MarketKey) {
	delete(l.adj[from], to)
	if len(l.adj[from]) == 0 {
		delete(l.adj, from)
	}
}

// bestConfidenceLocked returns the highest confidence among k's incident
// links, or 1.0 for a node with no links (a key is always itself).
func (l *Linker) bestConfidenceLocked(k types.MarketKey) float64 {
	neighbors := l.adj[k]
	if len(neighbors) == 0 {
		return 1.0
	}
	best := 0.0
	for _, id := range neighbors {
		if conf := l.links[id].Confidence; conf > best {
			best = conf
		}
	}
	return best
}

func normalizeKey(k types.MarketKey) types.MarketKey {
	return types.MarketKey(strings.ToLower(strings.TrimSpace(string(k))))
}
