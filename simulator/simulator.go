package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/types"
)

// ErrValidation marks parameter rejections raised before any network call.
// Validation failures are never retried.
var ErrValidation = errors.New("simulation parameter validation failed")

const weiPerGwei = 1e9

// Params is one simulation request.
type Params struct {
	Opportunity          *types.Opportunity
	NotionalUSD          float64
	SlippageToleranceBps uint32
	GasPriceGwei         float64
	GasLimit             uint64
	EthPriceUSD          float64
}

// Config bounds validation and the cost model.
type Config struct {
	MinNotionalUSD   float64
	MaxNotionalUSD   float64
	MinSlippageBps   uint32
	MaxSlippageBps   uint32
	MinProfitUSD     float64
	FlashLoanFeeRate float64
	GasUsageCeiling  uint64
}

func DefaultConfig() Config {
	return Config{
		MinNotionalUSD:   1_000,
		MaxNotionalUSD:   5_000_000,
		MinSlippageBps:   5,
		MaxSlippageBps:   500,
		MinProfitUSD:     50,
		FlashLoanFeeRate: 0.0009,
		GasUsageCeiling:  800_000,
	}
}

// Simulator turns a speculative opportunity into a go/no-go verdict with a
// cost breakdown. Given identical params and a deterministic backend the
// result is bit-identical across calls.
type Simulator struct {
	cfg     Config
	backend Backend
	logger  *zap.Logger
}

func New(cfg Config, backend Backend, logger *zap.Logger) *Simulator {
	return &Simulator{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
	}
}

// Simulate validates, dry-runs against the backend, and prices the trade.
// A predicted revert yields Success=false regardless of nominal profit. The
// error return is reserved for invalid parameters and backend transport
// failures; a failing verdict is a result, not an error.
func (s *Simulator) Simulate(ctx context.Context, params *Params) (*types.SimulationResult, error) {
	if err := s.validate(params); err != nil {
		return nil, err
	}

	opp := params.Opportunity
	dryRun, err := s.backend.SimulateBundle(ctx, s.txParams(params))
	if err != nil {
		return nil, fmt.Errorf("dry-run failed: %w", err)
	}

	gasUsed := dryRun.GasUsed
	if gasUsed == 0 {
		gasUsed = params.GasLimit
	}
	gasCost := float64(gasUsed) * params.GasPriceGwei / weiPerGwei * params.EthPriceUSD
	flashFee := params.NotionalUSD * s.cfg.FlashLoanFeeRate

	utilization := params.NotionalUSD / minPathLiquidity(opp.Path)
	priceImpact := utilization
	slippageCost := params.NotionalUSD * boundedImpact(priceImpact)

	gross := params.NotionalUSD * (opp.CompoundRate() - 1)
	totalCosts := gasCost + flashFee + slippageCost
	profit := gross - totalCosts

	risk := s.riskScore(params, profit, priceImpact, utilization, gasUsed)
	confidence := 100 - risk - measurementNoise(utilization)
	if confidence < 0 {
		confidence = 0
	}

	result := &types.SimulationResult{
		OpportunityID:    opp.ID,
		Success:          dryRun.Success && profit >= s.cfg.MinProfitUSD,
		ProfitAfterCosts: profit,
		GasCostUSD:       gasCost,
		FlashLoanFeeUSD:  flashFee,
		SlippageCostUSD:  slippageCost,
		TotalCostsUSD:    totalCosts,
		GasUsed:          gasUsed,
		RiskScore:        risk,
		Confidence:       confidence,
	}
	switch {
	case !dryRun.Success:
		result.FailureReason = "dry-run reverted: " + dryRun.RevertReason
	case profit < s.cfg.MinProfitUSD:
		result.FailureReason = fmt.Sprintf("profit %.2f below minimum %.2f", profit, s.cfg.MinProfitUSD)
	}

	s.logger.Debug("simulation complete",
		zap.String("opportunity", opp.ID),
		zap.Bool("success", result.Success),
		zap.Float64("profit_usd", profit),
		zap.Float64("risk", risk),
		zap.Float64("confidence", confidence))
	return result, nil
}

// validate fails fast before any network call.
func (s *Simulator) validate(params *Params) error {
	if params.Opportunity == nil || len(params.Opportunity.Path) == 0 {
		return fmt.Errorf("%w: empty DEX path", ErrValidation)
	}
	if params.NotionalUSD < s.cfg.MinNotionalUSD || params.NotionalUSD > s.cfg.MaxNotionalUSD {
		return fmt.Errorf("%w: notional %.2f outside [%.2f, %.2f]",
			ErrValidation, params.NotionalUSD, s.cfg.MinNotionalUSD, s.cfg.MaxNotionalUSD)
	}
	if params.SlippageToleranceBps < s.cfg.MinSlippageBps || params.SlippageToleranceBps > s.cfg.MaxSlippageBps {
		return fmt.Errorf("%w: slippage tolerance %d bps outside [%d, %d]",
			ErrValidation, params.SlippageToleranceBps, s.cfg.MinSlippageBps, s.cfg.MaxSlippageBps)
	}
	for _, e := range params.Opportunity.Path {
		if e.From == (common.Address{}) || e.To == (common.Address{}) {
			return fmt.Errorf("%w: malformed token address in path", ErrValidation)
		}
	}
	return nil
}

func (s *Simulator) txParams(params *Params) *TxParams {
	first := params.Opportunity.Path[0]
	gasPriceWei := new(big.Int).SetUint64(uint64(params.GasPriceGwei * weiPerGwei))
	return &TxParams{
		To:       first.Exchange,
		GasLimit: params.GasLimit,
		GasPrice: gasPriceWei,
		Value:    big.NewInt(0),
	}
}

// riskScore is additive and capped at 100. Every term is non-decreasing in
// its input, so raising slippage tolerance can never lower the score.
func (s *Simulator) riskScore(params *Params, profit, priceImpact, utilization float64, gasUsed uint64) float64 {
	risk := 0.0
	if profit < s.cfg.MinProfitUSD {
		risk += 30
	}
	if priceImpact > 0.02 {
		risk += 20
	}
	if utilization > 0.5 {
		risk += 20
	}
	if gasUsed > s.cfg.GasUsageCeiling {
		risk += 15
	}
	if params.SlippageToleranceBps > 200 {
		risk += 15
	}
	if risk > 100 {
		risk = 100
	}
	return risk
}

// boundedImpact caps the slippage cost fraction so a thin pool cannot
// produce a cost larger than 5% of notional.
func boundedImpact(impact float64) float64 {
	if impact > 0.05 {
		return 0.05
	}
	if impact < 0 {
		return 0
	}
	return impact
}

// measurementNoise models quote uncertainty: the more of the pool the trade
// consumes, the less the observed price can be trusted. Deterministic by
// construction.
func measurementNoise(utilization float64) float64 {
	noise := utilization * 100
	if noise > 15 {
		noise = 15
	}
	return noise
}

func minPathLiquidity(path []*types.Edge) float64 {
	min := path[0].LiquidityUSD
	for _, e := range path[1:] {
		if e.LiquidityUSD < min {
			min = e.LiquidityUSD
		}
	}
	return min
}
