package broadcast

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SubmitRequest carries one signed transaction to a broadcast channel.
type SubmitRequest struct {
	SignedTx    []byte   // RLP-encoded signed transaction
	TargetBlock *big.Int // optional; relays target a specific block
}

// Receipt acknowledges acceptance by the channel, not inclusion.
type Receipt struct {
	TxHash common.Hash
}

// Broadcaster delivers a signed transaction to the network. The execution
// gate picks the public or the private channel based on the selected gas
// strategy.
type Broadcaster interface {
	Name() string
	Submit(ctx context.Context, req *SubmitRequest) (*Receipt, error)
}

// RPCBroadcaster sends through the public mempool of a regular node.
type RPCBroadcaster struct {
	client *ethclient.Client
}

func NewRPCBroadcaster(client *ethclient.Client) *RPCBroadcaster {
	return &RPCBroadcaster{client: client}
}

func (b *RPCBroadcaster) Name() string { return "rpc" }

func (b *RPCBroadcaster) Submit(ctx context.Context, req *SubmitRequest) (*Receipt, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(req.SignedTx); err != nil {
		return nil, fmt.Errorf("failed to decode signed tx: %w", err)
	}
	if err := b.client.SendTransaction(ctx, &tx); err != nil {
		return nil, fmt.Errorf("broadcast failed: %w", err)
	}
	return &Receipt{TxHash: tx.Hash()}, nil
}
