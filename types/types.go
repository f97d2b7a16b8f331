package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

// ExchangeKind identifies the pricing model of a DEX.
type ExchangeKind int

const (
	ConstantProduct ExchangeKind = iota
	ConcentratedLiquidity
	StableSwap
	Weighted
)

func (k ExchangeKind) String() string {
	switch k {
	case ConstantProduct:
		return "constant-product"
	case ConcentratedLiquidity:
		return "concentrated-liquidity"
	case StableSwap:
		return "stable"
	case Weighted:
		return "weighted"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RiskLevel is a coarse classification attached to opportunities at creation.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	default:
		return "high"
	}
}

// Token is an ERC-20 token registered in the trading universe.
// Immutable once registered.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	ChainID  uint64
}

// Exchange is a DEX venue. Only the active flag is mutable, and only
// through Universe.SetExchangeActive.
type Exchange struct {
	Address common.Address
	Name    string
	FeeBps  uint32
	Kind    ExchangeKind
	Active  bool
}

// Universe holds the fixed token set and DEX venues the pipeline trades over.
type Universe struct {
	mu        sync.RWMutex
	tokens    map[common.Address]*Token
	exchanges map[common.Address]*Exchange
}

func NewUniverse() *Universe {
	return &Universe{
		tokens:    make(map[common.Address]*Token),
		exchanges: make(map[common.Address]*Exchange),
	}
}

// RegisterToken adds a token. Registering the same address twice is an error.
func (u *Universe) RegisterToken(t *Token) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.tokens[t.Address]; ok {
		return fmt.Errorf("token %s already registered", t.Address.Hex())
	}
	u.tokens[t.Address] = t
	return nil
}

// RegisterExchange adds a venue.
func (u *Universe) RegisterExchange(e *Exchange) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.exchanges[e.Address]; ok {
		return fmt.Errorf("exchange %s already registered", e.Address.Hex())
	}
	u.exchanges[e.Address] = e
	return nil
}

// SetExchangeActive enables or disables a venue.
func (u *Universe) SetExchangeActive(addr common.Address, active bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.exchanges[addr]
	if !ok {
		return fmt.Errorf("exchange %s not registered", addr.Hex())
	}
	e.Active = active
	return nil
}

// Token returns the registered token for addr, or nil.
func (u *Universe) Token(addr common.Address) *Token {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.tokens[addr]
}

// Tokens returns all registered tokens.
func (u *Universe) Tokens() []*Token {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*Token, 0, len(u.tokens))
	for _, t := range u.tokens {
		out = append(out, t)
	}
	return out
}

// ActiveExchanges returns the venues currently enabled for trading.
func (u *Universe) ActiveExchanges() []*Exchange {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*Exchange, 0, len(u.exchanges))
	for _, e := range u.exchanges {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}

// Edge is a directed, exchange-specific price quote between two tokens.
type Edge struct {
	From         common.Address
	To           common.Address
	Exchange     common.Address
	ExchangeName string
	Price        float64 // units of To per unit of From
	LiquidityUSD float64
	FeeBps       uint32
	ObservedAt   time.Time
}

// Weight is the log-space weight used by the negative-cycle search.
// A cycle with negative total weight compounds to a rate above 1 after fees.
func (e *Edge) Weight() float64 {
	return -math.Log(e.Price * (1 - float64(e.FeeBps)/10000))
}

// EffectiveRate is the per-hop rate after the venue fee.
func (e *Edge) EffectiveRate() float64 {
	return e.Price * (1 - float64(e.FeeBps)/10000)
}

// Expired reports whether the quote is older than the staleness window.
func (e *Edge) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(e.ObservedAt) > window
}

// Opportunity is a candidate arbitrage cycle. Immutable after creation and
// consumed at most once by the execution gate.
type Opportunity struct {
	ID             string
	Path           []*Edge // ordered cycle returning to the start token
	StartToken     common.Address
	NotionalUSD    float64
	GrossProfitUSD float64
	NetProfitUSD   float64 // scanner estimate, before the simulator's gate
	RiskLevel      RiskLevel
	CreatedAt      time.Time
}

// NewOpportunityID derives a stable id from the cycle, notional and creation time.
func NewOpportunityID(path []*Edge, notionalUSD float64, createdAt time.Time) string {
	h := xxhash.New()
	var buf [8]byte
	for _, e := range path {
		h.Write(e.From.Bytes())
		h.Write(e.To.Bytes())
		h.Write(e.Exchange.Bytes())
	}
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(notionalUSD))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt.UnixNano()))
	h.Write(buf[:])
	return fmt.Sprintf("%016x", h.Sum64())
}

// CompoundRate multiplies the fee-adjusted rate around the cycle.
func (o *Opportunity) CompoundRate() float64 {
	rate := 1.0
	for _, e := range o.Path {
		rate *= e.EffectiveRate()
	}
	return rate
}

// SimulationResult is the simulator's verdict for one opportunity.
// Never mutated after creation.
type SimulationResult struct {
	OpportunityID    string
	Success          bool
	ProfitAfterCosts float64
	GasCostUSD       float64
	FlashLoanFeeUSD  float64
	SlippageCostUSD  float64
	TotalCostsUSD    float64
	GasUsed          uint64
	RiskScore        float64 // [0,100]
	Confidence       float64 // [0,100]
	FailureReason    string
}

// ExecutionRecord is one append-only entry of the execution history.
type ExecutionRecord struct {
	OpportunityID   string
	Success         bool
	TxHash          string
	ActualProfitUSD float64
	GasCostUSD      float64
	GasStrategy     string
	Timestamp       time.Time
	FailureReason   string
}
