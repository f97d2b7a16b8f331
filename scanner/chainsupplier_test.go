package scanner

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdex/arbd/types"
)

var (
	uniFactory  = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	uniInitCode = common.FromHex("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f")
)

// fakeCaller answers every eth_call with fixed pair reserves.
type fakeCaller struct {
	reserve0 *big.Int
	reserve1 *big.Int
	calledAt common.Address
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calledAt = *call.To
	out := make([]byte, 0, 96)
	out = append(out, common.LeftPadBytes(f.reserve0.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(f.reserve1.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(0).Bytes(), 32)...)
	return out, nil
}

func chainSupplierFixture(t *testing.T, reserve0, reserve1 *big.Int) (*ChainSupplier, *fakeCaller, *types.Exchange) {
	t.Helper()
	u := types.NewUniverse()
	require.NoError(t, u.RegisterToken(&types.Token{Address: weth, Symbol: "WETH", Decimals: 18, ChainID: 1}))
	require.NoError(t, u.RegisterToken(&types.Token{Address: usdc, Symbol: "USDC", Decimals: 6, ChainID: 1}))
	venue := &types.Exchange{Address: uniEx, Name: "uniswap", FeeBps: 30, Active: true}
	require.NoError(t, u.RegisterExchange(venue))

	caller := &fakeCaller{reserve0: reserve0, reserve1: reserve1}
	sup, err := NewChainSupplier("onchain", caller, u)
	require.NoError(t, err)
	sup.RegisterFactory(uniEx, uniFactory, uniInitCode)
	sup.SetReferencePrice(usdc, 1)
	return sup, caller, venue
}

func TestChainSupplierPricesFromReserves(t *testing.T) {
	// USDC sorts before WETH, so reserve0 is USDC: 2.5M USDC against
	// 1000 WETH prices WETH at $2500.
	usdcReserve := new(big.Int).Mul(big.NewInt(2_500_000), big.NewInt(1e6))
	wethReserve := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	sup, caller, venue := chainSupplierFixture(t, usdcReserve, wethReserve)

	q, err := sup.FetchQuote(context.Background(), weth, usdc, venue)
	require.NoError(t, err)
	assert.InDelta(t, 2500, q.Price, 1e-6)
	assert.InDelta(t, 5_000_000, q.LiquidityUSD, 1e-3, "twice the USDC side at $1")

	expectedPair := pairFor(uniFactory, uniInitCode, weth, usdc)
	assert.Equal(t, expectedPair, caller.calledAt, "quote read from the derived pair address")

	// The reverse direction inverts the price.
	q, err = sup.FetchQuote(context.Background(), usdc, weth, venue)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/2500, q.Price, 1e-9)
}

func TestChainSupplierRejectsUnknownVenue(t *testing.T) {
	sup, _, _ := chainSupplierFixture(t, big.NewInt(1), big.NewInt(1))

	unknown := &types.Exchange{Address: common.HexToAddress("0x00000000000000000000000000000000000000AA"), Name: "mystery"}
	_, err := sup.FetchQuote(context.Background(), weth, usdc, unknown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered factory")
}

func TestChainSupplierRejectsEmptyPool(t *testing.T) {
	sup, _, venue := chainSupplierFixture(t, big.NewInt(0), big.NewInt(0))

	_, err := sup.FetchQuote(context.Background(), weth, usdc, venue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no liquidity")
}

func TestPairForIsOrderIndependent(t *testing.T) {
	assert.Equal(t,
		pairFor(uniFactory, uniInitCode, weth, usdc),
		pairFor(uniFactory, uniInitCode, usdc, weth))
}
