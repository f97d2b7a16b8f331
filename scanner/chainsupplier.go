package scanner

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crossdex/arbd/types"
)

// pairABIJson covers the constant-product pair surface the supplier needs.
const pairABIJson = `[{
	"constant": true,
	"inputs": [],
	"name": "getReserves",
	"outputs": [
		{"name": "reserve0", "type": "uint112"},
		{"name": "reserve1", "type": "uint112"},
		{"name": "blockTimestampLast", "type": "uint32"}
	],
	"payable": false,
	"stateMutability": "view",
	"type": "function"
}]`

// ContractCaller is the slice of the node API the supplier reads through.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type factoryParams struct {
	factory  common.Address
	initCode []byte
}

// ChainSupplier prices pairs straight from constant-product pool reserves.
// The pair address is derived deterministically from the venue's factory and
// init-code hash, so no registry lookup round trip is needed. USD liquidity
// is taken from the pool's reserve of a reference-priced token; pairs with
// no reference-priced side report zero liquidity and get filtered by the
// scanner's floor.
type ChainSupplier struct {
	name     string
	caller   ContractCaller
	universe *types.Universe
	pairABI  abi.ABI

	mu        sync.RWMutex
	factories map[common.Address]factoryParams
	refPrices map[common.Address]float64

	now func() time.Time
}

func NewChainSupplier(name string, caller ContractCaller, universe *types.Universe) (*ChainSupplier, error) {
	parsedABI, err := abi.JSON(strings.NewReader(pairABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pair ABI: %w", err)
	}
	return &ChainSupplier{
		name:      name,
		caller:    caller,
		universe:  universe,
		pairABI:   parsedABI,
		factories: make(map[common.Address]factoryParams),
		refPrices: make(map[common.Address]float64),
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (s *ChainSupplier) SetClock(now func() time.Time) { s.now = now }

// RegisterFactory binds a universe venue to its pair factory and init-code
// hash. Quotes for unbound venues fail.
func (s *ChainSupplier) RegisterFactory(venue, factory common.Address, initCodeHash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[venue] = factoryParams{factory: factory, initCode: initCodeHash}
}

// SetReferencePrice pins a token's USD price for liquidity sizing.
// Stablecoins get 1; a volatile reference needs periodic refreshing.
func (s *ChainSupplier) SetReferencePrice(token common.Address, usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refPrices[token] = usd
}

func (s *ChainSupplier) Name() string { return s.name }

func (s *ChainSupplier) FetchQuote(ctx context.Context, in, out common.Address, ex *types.Exchange) (*Quote, error) {
	s.mu.RLock()
	params, ok := s.factories[ex.Address]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("venue %s has no registered factory", ex.Name)
	}

	tokenIn := s.universe.Token(in)
	tokenOut := s.universe.Token(out)
	if tokenIn == nil || tokenOut == nil {
		return nil, fmt.Errorf("pair %s/%s not in universe", in.Hex(), out.Hex())
	}

	pairAddr := pairFor(params.factory, params.initCode, in, out)
	reserveIn, reserveOut, err := s.reserves(ctx, pairAddr, in, out)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s pair %s: %w", ex.Name, pairAddr.Hex(), err)
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("pair %s has no liquidity", pairAddr.Hex())
	}

	unitsIn := toUnits(reserveIn, tokenIn.Decimals)
	unitsOut := toUnits(reserveOut, tokenOut.Decimals)

	return &Quote{
		Price:        unitsOut / unitsIn,
		LiquidityUSD: s.liquidityUSD(in, unitsIn, out, unitsOut),
		ObservedAt:   s.now(),
	}, nil
}

// reserves reads getReserves and orients the result to the (in, out) order.
func (s *ChainSupplier) reserves(ctx context.Context, pair common.Address, in, out common.Address) (*big.Int, *big.Int, error) {
	data, err := s.pairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, err
	}
	raw, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &pair, Data: data}, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("no contract at pair address")
	}
	values, err := s.pairABI.Unpack("getReserves", raw)
	if err != nil {
		return nil, nil, err
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("malformed getReserves output")
	}

	// reserve0 belongs to the token sorting first.
	if in.Hex() > out.Hex() {
		return reserve1, reserve0, nil
	}
	return reserve0, reserve1, nil
}

func (s *ChainSupplier) liquidityUSD(in common.Address, unitsIn float64, out common.Address, unitsOut float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref, ok := s.refPrices[out]; ok {
		return 2 * unitsOut * ref
	}
	if ref, ok := s.refPrices[in]; ok {
		return 2 * unitsIn * ref
	}
	return 0
}

// pairFor derives the CREATE2 pair address from factory and init-code hash.
func pairFor(factory common.Address, initCode []byte, tokenA, tokenB common.Address) common.Address {
	if tokenA.Hex() > tokenB.Hex() {
		tokenA, tokenB = tokenB, tokenA
	}
	salt := crypto.Keccak256(tokenA.Bytes(), tokenB.Bytes())
	return common.BytesToAddress(crypto.Keccak256([]byte{0xff}, factory.Bytes(), salt, initCode))
}

func toUnits(reserve *big.Int, decimals uint8) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(reserve),
		big.NewFloat(math.Pow10(int(decimals))),
	).Float64()
	return f
}
