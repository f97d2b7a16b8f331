package flashloan

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Provider is a flashloan liquidity source with a flat fee schedule.
type Provider struct {
	Name       string
	Pool       common.Address
	FeeRate    float64 // fraction of notional, e.g. 0.0009
	MaxLoanUSD float64
	Assets     map[common.Address]struct{}
}

// Supports reports whether the provider lends the given asset.
func (p *Provider) Supports(asset common.Address) bool {
	if len(p.Assets) == 0 {
		return true
	}
	_, ok := p.Assets[asset]
	return ok
}

// FeeUSD is the flat fee on a loan of the given notional.
func (p *Provider) FeeUSD(notionalUSD float64) float64 {
	return notionalUSD * p.FeeRate
}

// Mainnet provider constructors. Fee rates are protocol constants.

func Aave() *Provider {
	return &Provider{
		Name:       "aave-v3",
		Pool:       common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"),
		FeeRate:    0.0009,
		MaxLoanUSD: 50_000_000,
	}
}

func Balancer() *Provider {
	return &Provider{
		Name:       "balancer-v2",
		Pool:       common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8"),
		FeeRate:    0,
		MaxLoanUSD: 10_000_000,
	}
}

// Registry holds the configured providers in preference order.
type Registry struct {
	providers []*Provider
}

func NewRegistry(providers ...*Provider) *Registry {
	if len(providers) == 0 {
		providers = []*Provider{Balancer(), Aave()}
	}
	return &Registry{providers: providers}
}

// Cheapest picks the lowest-fee provider that lends the asset and covers
// the notional.
func (r *Registry) Cheapest(asset common.Address, notionalUSD float64) (*Provider, error) {
	var best *Provider
	for _, p := range r.providers {
		if !p.Supports(asset) || notionalUSD > p.MaxLoanUSD {
			continue
		}
		if best == nil || p.FeeRate < best.FeeRate {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no flashloan provider covers %.0f USD of %s", notionalUSD, asset.Hex())
	}
	return best, nil
}
