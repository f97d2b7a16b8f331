package flashloan

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

func TestCheapestPrefersZeroFee(t *testing.T) {
	r := NewRegistry()

	p, err := r.Cheapest(weth, 100_000)
	require.NoError(t, err)
	assert.Equal(t, "balancer-v2", p.Name)
	assert.Equal(t, 0.0, p.FeeUSD(100_000))
}

func TestCheapestFallsBackOnLoanSize(t *testing.T) {
	r := NewRegistry()

	// Above Balancer's cap only Aave remains.
	p, err := r.Cheapest(weth, 20_000_000)
	require.NoError(t, err)
	assert.Equal(t, "aave-v3", p.Name)
	assert.InDelta(t, 18_000, p.FeeUSD(20_000_000), 1e-9)
}

func TestCheapestHonorsAssetList(t *testing.T) {
	restricted := Aave()
	restricted.Assets = map[common.Address]struct{}{weth: {}}
	r := NewRegistry(restricted)

	_, err := r.Cheapest(common.HexToAddress("0x00000000000000000000000000000000000000AA"), 1_000)
	require.Error(t, err)

	p, err := r.Cheapest(weth, 1_000)
	require.NoError(t, err)
	assert.Equal(t, "aave-v3", p.Name)
}

func TestNoProviderCoversOversizedLoan(t *testing.T) {
	_, err := NewRegistry().Cheapest(weth, 100_000_000)
	assert.Error(t, err)
}
