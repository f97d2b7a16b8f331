package pathfinder

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/pricegraph"
	"github.com/crossdex/arbd/types"
)

// relaxEpsilon guards the cycle-detection pass against float rounding noise.
const relaxEpsilon = 1e-12

// Path is a candidate arbitrage cycle starting and ending at StartToken.
type Path struct {
	StartToken common.Address
	Edges      []*types.Edge
}

// CompoundRate multiplies the fee-adjusted rate around the cycle. A value
// above 1 is an arbitrage in rate space.
func (p *Path) CompoundRate() float64 {
	rate := 1.0
	for _, e := range p.Edges {
		rate *= e.EffectiveRate()
	}
	return rate
}

// Weight is the summed log-space weight of the cycle. Negative iff
// CompoundRate exceeds 1.
func (p *Path) Weight() float64 {
	w := 0.0
	for _, e := range p.Edges {
		w += e.Weight()
	}
	return w
}

func (p *Path) signature() uint64 {
	h := xxhash.New()
	for _, e := range p.Edges {
		h.Write(e.From.Bytes())
		h.Write(e.To.Bytes())
		h.Write(e.Exchange.Bytes())
	}
	return h.Sum64()
}

// Finder runs Bellman-Ford over the price graph in log-weight space and
// reconstructs negative cycles through a chosen base token.
type Finder struct {
	graph   *pricegraph.Graph
	maxHops int
	logger  *zap.Logger
}

func New(graph *pricegraph.Graph, maxHops int, logger *zap.Logger) *Finder {
	return &Finder{
		graph:   graph,
		maxHops: maxHops,
		logger:  logger,
	}
}

// FindCycles returns every distinct negative cycle reachable from base that
// closes back to base within maxHops. Self-loops and zero-liquidity edges
// are excluded before the relaxation runs; expired edges never reach the
// finder because the graph filters them at read time. Ranking by profit is
// the scanner's job, not the finder's.
func (f *Finder) FindCycles(base common.Address) []*Path {
	edges := f.usableEdges()
	if len(edges) == 0 {
		return nil
	}

	nodes := make(map[common.Address]struct{})
	for _, e := range edges {
		nodes[e.From] = struct{}{}
		nodes[e.To] = struct{}{}
	}
	if _, ok := nodes[base]; !ok {
		return nil
	}

	dist := make(map[common.Address]float64, len(nodes))
	pred := make(map[common.Address]*types.Edge, len(nodes))
	for n := range nodes {
		dist[n] = math.Inf(1)
	}
	dist[base] = 0

	// Relax all edges up to |nodes|-1 passes, stopping early once a full
	// pass changes nothing.
	for i := 0; i < len(nodes)-1; i++ {
		relaxed := false
		for _, e := range edges {
			du := dist[e.From]
			if math.IsInf(du, 1) {
				continue
			}
			if next := du + e.Weight(); next < dist[e.To] {
				dist[e.To] = next
				pred[e.To] = e
				relaxed = true
			}
		}
		if !relaxed {
			break
		}
	}

	var paths []*Path
	seen := make(map[uint64]struct{})
	for _, e := range edges {
		du := dist[e.From]
		if math.IsInf(du, 1) {
			continue
		}
		if du+e.Weight() >= dist[e.To]-relaxEpsilon {
			continue
		}
		p := f.reconstruct(base, e.To, pred, len(nodes))
		if p == nil {
			continue
		}
		sig := p.signature()
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		paths = append(paths, p)
	}

	if len(paths) > 0 && f.logger != nil {
		f.logger.Debug("negative cycles found",
			zap.Int("count", len(paths)),
			zap.String("base", base.Hex()))
	}
	return paths
}

// reconstruct follows predecessor pointers from a node that still relaxes
// until the cycle closes, then rotates it to start at base. Cycles that do
// not pass through base or do not close within maxHops are rejected.
func (f *Finder) reconstruct(base, from common.Address, pred map[common.Address]*types.Edge, nodeCount int) *Path {
	// A node that relaxes after |nodes|-1 passes is reachable from a
	// negative cycle but not necessarily on it; walking back |nodes|
	// predecessors lands inside the cycle.
	x := from
	for i := 0; i < nodeCount; i++ {
		e := pred[x]
		if e == nil {
			return nil
		}
		x = e.From
	}

	var reversed []*types.Edge
	cur := x
	for hop := 0; hop < f.maxHops; hop++ {
		e := pred[cur]
		if e == nil {
			return nil
		}
		reversed = append(reversed, e)
		cur = e.From
		if cur == x {
			break
		}
	}
	if cur != x {
		// Did not close within maxHops.
		return nil
	}

	ordered := make([]*types.Edge, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		ordered = append(ordered, reversed[i])
	}

	start := -1
	for i, e := range ordered {
		if e.From == base {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	rotated := append(append([]*types.Edge{}, ordered[start:]...), ordered[:start]...)
	return &Path{StartToken: base, Edges: rotated}
}

func (f *Finder) usableEdges() []*types.Edge {
	fresh := f.graph.FreshEdges()
	out := fresh[:0]
	for _, e := range fresh {
		if e.From == e.To {
			continue
		}
		if e.LiquidityUSD <= 0 || e.Price <= 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}
