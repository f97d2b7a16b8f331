package gas

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// FeeSource supplies current network fees in gwei.
type FeeSource interface {
	SuggestFees(ctx context.Context) (baseFeeGwei, priorityFeeGwei float64, err error)
}

// EthFeeSource reads the latest block's base fee and the node's tip-cap
// suggestion.
type EthFeeSource struct {
	client *ethclient.Client
}

func NewEthFeeSource(client *ethclient.Client) *EthFeeSource {
	return &EthFeeSource{client: client}
}

func (s *EthFeeSource) SuggestFees(ctx context.Context) (float64, float64, error) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get latest header: %w", err)
	}
	if header.BaseFee == nil {
		return 0, 0, fmt.Errorf("chain has no base fee")
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get priority fee: %w", err)
	}
	return weiToGwei(header.BaseFee), weiToGwei(tip), nil
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}

// Poll feeds the controller from src every interval until ctx is done.
// Fetch failures are logged and skipped; the windows decay on their own.
func (c *Controller) Poll(ctx context.Context, src FeeSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			base, priority, err := src.SuggestFees(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("fee sample failed", zap.Error(err))
				}
				continue
			}
			c.RecordNetworkSample(base, priority)
		}
	}
}
