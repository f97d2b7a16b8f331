package pricegraph

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdex/arbd/types"
)

var (
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	uni   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	sushi = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func edge(from, to, ex common.Address, price float64, at time.Time) *types.Edge {
	return &types.Edge{
		From:         from,
		To:           to,
		Exchange:     ex,
		Price:        price,
		LiquidityUSD: 1_000_000,
		FeeBps:       30,
		ObservedAt:   at,
	}
}

func TestUpsertDropsOutOfOrderUpdates(t *testing.T) {
	g := New(time.Minute)
	now := time.Now()

	require.True(t, g.UpsertEdge(edge(weth, usdc, uni, 2500, now)))
	// Older observation for the same triple must not win.
	assert.False(t, g.UpsertEdge(edge(weth, usdc, uni, 2400, now.Add(-time.Second))))

	edges := g.EdgesFrom(weth)
	require.Len(t, edges, 1)
	assert.Equal(t, 2500.0, edges[0].Price)

	// Newer observation replaces.
	require.True(t, g.UpsertEdge(edge(weth, usdc, uni, 2510, now.Add(time.Second))))
	edges = g.EdgesFrom(weth)
	require.Len(t, edges, 1)
	assert.Equal(t, 2510.0, edges[0].Price)
}

func TestMultigraphKeepsOneEdgePerVenue(t *testing.T) {
	g := New(time.Minute)
	now := time.Now()

	g.UpsertEdge(edge(weth, usdc, uni, 2500, now))
	g.UpsertEdge(edge(weth, usdc, sushi, 2490, now))

	assert.Len(t, g.EdgesBetween(weth, usdc), 2)
	assert.Equal(t, 2, g.Len())
}

func TestExpiredEdgesFilteredAtReadTime(t *testing.T) {
	g := New(time.Minute)
	base := time.Unix(1_700_000_000, 0)
	g.SetClock(func() time.Time { return base })

	g.UpsertEdge(edge(weth, usdc, uni, 2500, base.Add(-90*time.Second)))
	g.UpsertEdge(edge(weth, usdc, sushi, 2490, base.Add(-10*time.Second)))

	edges := g.EdgesFrom(weth)
	require.Len(t, edges, 1)
	assert.Equal(t, sushi, edges[0].Exchange)

	// A fully expired node is unreachable, not deleted.
	g.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	assert.Empty(t, g.EdgesFrom(weth))
	assert.Equal(t, 2, g.Len())
	assert.Contains(t, g.Tokens(), weth)
}

func TestFreshEdgesSnapshot(t *testing.T) {
	g := New(time.Minute)
	base := time.Unix(1_700_000_000, 0)
	g.SetClock(func() time.Time { return base })

	g.UpsertEdge(edge(weth, usdc, uni, 2500, base))
	g.UpsertEdge(edge(usdc, weth, uni, 1/2500.0, base.Add(-2*time.Minute)))

	assert.Len(t, g.FreshEdges(), 1)
}
