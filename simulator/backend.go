package simulator

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxParams describes the dry-run request handed to a backend.
type TxParams struct {
	From     common.Address
	To       common.Address
	GasLimit uint64
	GasPrice *big.Int // wei
	Value    *big.Int
	Data     []byte
}

// BundleResult is the backend's verdict. Success is false when the node
// predicts a revert; RevertReason carries whatever the node reported.
type BundleResult struct {
	Success      bool
	GasUsed      uint64
	BalanceDelta *big.Int
	RevertReason string
}

// Backend is the dry-run capability. The production implementation calls an
// Ethereum node; tests use StaticBackend. Decision logic must never depend
// on anything non-deterministic a backend might do.
type Backend interface {
	SimulateBundle(ctx context.Context, params *TxParams) (*BundleResult, error)
}

// EthBackend simulates against a live node with an estimate-then-call pair,
// the same shape a node uses to predict a revert.
type EthBackend struct {
	client *ethclient.Client
}

func NewEthBackend(client *ethclient.Client) *EthBackend {
	return &EthBackend{client: client}
}

func (b *EthBackend) SimulateBundle(ctx context.Context, params *TxParams) (*BundleResult, error) {
	msg := ethereum.CallMsg{
		From:     params.From,
		To:       &params.To,
		Gas:      params.GasLimit,
		GasPrice: params.GasPrice,
		Value:    params.Value,
		Data:     params.Data,
	}

	gasUsed, err := b.client.EstimateGas(ctx, msg)
	if err != nil {
		return &BundleResult{Success: false, RevertReason: err.Error()}, nil
	}

	if _, err := b.client.CallContract(ctx, msg, nil); err != nil {
		return &BundleResult{Success: false, GasUsed: gasUsed, RevertReason: err.Error()}, nil
	}

	return &BundleResult{Success: true, GasUsed: gasUsed}, nil
}

// StaticBackend is the deterministic test double: fixed outputs, a call
// counter, and an optional forced revert.
type StaticBackend struct {
	mu      sync.Mutex
	gasUsed uint64
	revert  string
	err     error
	calls   int
}

func NewStaticBackend(gasUsed uint64) *StaticBackend {
	return &StaticBackend{gasUsed: gasUsed}
}

// Revert makes subsequent dry-runs predict a revert with the given reason.
func (b *StaticBackend) Revert(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revert = reason
}

// FailWith makes subsequent dry-runs return a transport error.
func (b *StaticBackend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *StaticBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *StaticBackend) SimulateBundle(ctx context.Context, params *TxParams) (*BundleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, fmt.Errorf("backend: %w", b.err)
	}
	if b.revert != "" {
		return &BundleResult{Success: false, GasUsed: b.gasUsed, RevertReason: b.revert}, nil
	}
	return &BundleResult{Success: true, GasUsed: b.gasUsed}, nil
}
