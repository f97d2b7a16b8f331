package broadcast

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	contentTypeJSON  = "application/json"
	signatureHeader  = "X-Flashbots-Signature"
	methodSendBundle = "eth_sendBundle"
)

// RelayBroadcaster submits transactions as single-tx bundles to a private
// relay, keeping them out of the public mempool. Requests are authenticated
// with a secp256k1 signature over the payload hash.
type RelayBroadcaster struct {
	httpClient *http.Client
	relayURL   string
	authSigner *ecdsa.PrivateKey
}

func NewRelayBroadcaster(relayURL string, authKey *ecdsa.PrivateKey) *RelayBroadcaster {
	return &RelayBroadcaster{
		httpClient: &http.Client{Timeout: 3 * time.Second},
		relayURL:   relayURL,
		authSigner: authKey,
	}
}

func (b *RelayBroadcaster) Name() string { return "private-relay" }

func (b *RelayBroadcaster) Submit(ctx context.Context, req *SubmitRequest) (*Receipt, error) {
	if req.TargetBlock == nil {
		return nil, fmt.Errorf("relay submission requires a target block")
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(req.SignedTx); err != nil {
		return nil, fmt.Errorf("failed to decode signed tx: %w", err)
	}

	params := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  methodSendBundle,
		"params": []interface{}{
			map[string]interface{}{
				"txs":         []string{hexutil.Encode(req.SignedTx)},
				"blockNumber": fmt.Sprintf("0x%x", req.TargetBlock),
			},
		},
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.relayURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	header, err := b.signPayload(payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Add("Content-Type", contentTypeJSON)
	httpReq.Header.Add("Accept", contentTypeJSON)
	httpReq.Header.Add(signatureHeader, header)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send bundle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay rejected bundle: %s", string(body))
	}

	var rpcResp struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("relay error: %s", rpcResp.Error.Message)
	}

	return &Receipt{TxHash: tx.Hash()}, nil
}

func (b *RelayBroadcaster) signPayload(payload []byte) (string, error) {
	signature, err := crypto.Sign(
		accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(payload)))),
		b.authSigner,
	)
	if err != nil {
		return "", fmt.Errorf("failed to sign relay request: %w", err)
	}
	return fmt.Sprintf("%s:%s",
		crypto.PubkeyToAddress(b.authSigner.PublicKey).Hex(),
		hexutil.Encode(signature),
	), nil
}
