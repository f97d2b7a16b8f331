package pricegraph

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crossdex/arbd/types"
)

// edgeKey identifies one quote slot: the graph is a multigraph, so the
// venue address is part of the key.
type edgeKey struct {
	from     common.Address
	to       common.Address
	exchange common.Address
}

// Graph holds the freshest known edge per (from, to, exchange) triple.
// Upserts are last-observed-wins keyed by ObservedAt, so concurrent writers
// are safe without external coordination. Expired edges are filtered lazily
// at read time; there is no eviction goroutine.
type Graph struct {
	mu        sync.RWMutex
	staleness time.Duration
	edges     map[edgeKey]*types.Edge
	outgoing  map[common.Address]map[edgeKey]struct{}

	now func() time.Time
}

func New(staleness time.Duration) *Graph {
	return &Graph{
		staleness: staleness,
		edges:     make(map[edgeKey]*types.Edge),
		outgoing:  make(map[common.Address]map[edgeKey]struct{}),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (g *Graph) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// UpsertEdge replaces the stored edge for the same triple. An update older
// than the stored observation is dropped; the return value reports whether
// the edge was applied.
func (g *Graph) UpsertEdge(e *types.Edge) bool {
	key := edgeKey{from: e.From, to: e.To, exchange: e.Exchange}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.edges[key]; ok && e.ObservedAt.Before(prev.ObservedAt) {
		return false
	}
	g.edges[key] = e
	out, ok := g.outgoing[e.From]
	if !ok {
		out = make(map[edgeKey]struct{})
		g.outgoing[e.From] = out
	}
	out[key] = struct{}{}
	return true
}

// EdgesFrom returns the non-expired outgoing edges for a token. A token whose
// edges have all expired yields an empty slice; the node itself is kept.
func (g *Graph) EdgesFrom(token common.Address) []*types.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	var out []*types.Edge
	for key := range g.outgoing[token] {
		e := g.edges[key]
		if e.Expired(now, g.staleness) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EdgesBetween returns the non-expired edges from one token to another,
// one per venue quoting the pair.
func (g *Graph) EdgesBetween(from, to common.Address) []*types.Edge {
	var out []*types.Edge
	for _, e := range g.EdgesFrom(from) {
		if e.To == to {
			out = append(out, e)
		}
	}
	return out
}

// Tokens returns every token that has ever had an outgoing edge, expired
// or not. Callers that need reachability must consult EdgesFrom.
func (g *Graph) Tokens() []common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[common.Address]struct{}, len(g.outgoing))
	var out []common.Address
	for from, keys := range g.outgoing {
		if _, ok := seen[from]; !ok {
			seen[from] = struct{}{}
			out = append(out, from)
		}
		for key := range keys {
			if _, ok := seen[key.to]; !ok {
				seen[key.to] = struct{}{}
				out = append(out, key.to)
			}
		}
	}
	return out
}

// FreshEdges returns all non-expired edges. The slice is a snapshot; the
// edges themselves are shared and must be treated as read-only.
func (g *Graph) FreshEdges() []*types.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	out := make([]*types.Edge, 0, len(g.edges))
	for _, e := range g.edges {
		if e.Expired(now, g.staleness) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the number of stored edges, including expired ones.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Staleness returns the configured staleness window.
func (g *Graph) Staleness() time.Duration {
	return g.staleness
}
