package execution

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crossdex/arbd/broadcast"
	"github.com/crossdex/arbd/gas"
	"github.com/crossdex/arbd/types"
)

// ChainState provides the pieces of node state needed to assemble a
// transaction. *ethclient.Client satisfies it.
type ChainState interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// SignerBuilder assembles and signs the arbitrage-executor call for an
// accepted opportunity. The executor contract receives the flattened swap
// route and performs the flashloan round trip on-chain.
type SignerBuilder struct {
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	executor common.Address
	chain    ChainState
}

func NewSignerBuilder(chainID *big.Int, key *ecdsa.PrivateKey, executor common.Address, chain ChainState) *SignerBuilder {
	return &SignerBuilder{
		chainID:  chainID,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		executor: executor,
		chain:    chain,
	}
}

// Build signs a dynamic-fee transaction carrying the encoded route. The
// target block is the next one, which private relays require.
func (b *SignerBuilder) Build(ctx context.Context, op *types.Opportunity, quote *gas.Quote) (*broadcast.SubmitRequest, error) {
	nonce, err := b.chain.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	head, err := b.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head block: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: gweiToWei(quote.PriorityFeeGwei),
		GasFeeCap: gweiToWei(quote.GasPriceGwei()),
		Gas:       quote.GasLimit,
		To:        &b.executor,
		Value:     big.NewInt(0),
		Data:      encodeRoute(op),
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tx: %w", err)
	}
	return &broadcast.SubmitRequest{
		SignedTx:    raw,
		TargetBlock: new(big.Int).SetUint64(head + 1),
	}, nil
}

var executeSelector = crypto.Keccak256([]byte("executeRoute(address[],uint256)"))[:4]

// encodeRoute flattens the path into (exchange, tokenIn, tokenOut) triples
// preceded by the executor's function selector and the notional in USD cents.
func encodeRoute(op *types.Opportunity) []byte {
	data := make([]byte, 0, 4+32+len(op.Path)*3*32)
	data = append(data, executeSelector...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(op.NotionalUSD*100)).Bytes(), 32)...)
	for _, e := range op.Path {
		data = append(data, common.LeftPadBytes(e.Exchange.Bytes(), 32)...)
		data = append(data, common.LeftPadBytes(e.From.Bytes(), 32)...)
		data = append(data, common.LeftPadBytes(e.To.Bytes(), 32)...)
	}
	return data
}

func gweiToWei(gwei float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}
