package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/types"
)

// Quote is a single price observation for a directed pair on one venue.
type Quote struct {
	Price        float64
	LiquidityUSD float64
	Volume24hUSD float64
	ObservedAt   time.Time
}

// QuoteSupplier feeds the price graph. Implementations must be safe for
// concurrent use; the scanner queries several suppliers per pair and
// tolerates individual failures.
type QuoteSupplier interface {
	Name() string
	FetchQuote(ctx context.Context, tokenIn, tokenOut common.Address, exchange *types.Exchange) (*Quote, error)
}

// StaticSupplier serves quotes from a fixed table. Used by tests and the
// one-shot scan command.
type StaticSupplier struct {
	mu     sync.RWMutex
	name   string
	quotes map[string]*Quote
	err    error
}

func NewStaticSupplier(name string) *StaticSupplier {
	return &StaticSupplier{
		name:   name,
		quotes: make(map[string]*Quote),
	}
}

func quoteKey(tokenIn, tokenOut, exchange common.Address) string {
	return tokenIn.Hex() + "/" + tokenOut.Hex() + "@" + exchange.Hex()
}

func (s *StaticSupplier) Name() string { return s.name }

// SetQuote installs or replaces the quote for a directed pair on a venue.
func (s *StaticSupplier) SetQuote(tokenIn, tokenOut, exchange common.Address, q *Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quoteKey(tokenIn, tokenOut, exchange)] = q
}

// Fail makes every subsequent fetch return err. Pass nil to recover.
func (s *StaticSupplier) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSupplier) FetchQuote(ctx context.Context, tokenIn, tokenOut common.Address, exchange *types.Exchange) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	q, ok := s.quotes[quoteKey(tokenIn, tokenOut, exchange.Address)]
	if !ok {
		return nil, fmt.Errorf("%s: no quote for %s/%s on %s", s.name, tokenIn.Hex(), tokenOut.Hex(), exchange.Name)
	}
	return q, nil
}

// feedUpdate is the wire format pushed by a price feed.
type feedUpdate struct {
	TokenIn      string  `json:"token_in"`
	TokenOut     string  `json:"token_out"`
	Exchange     string  `json:"exchange"`
	Price        float64 `json:"price"`
	LiquidityUSD float64 `json:"liquidity_usd"`
	Volume24hUSD float64 `json:"volume_24h_usd"`
	Timestamp    int64   `json:"timestamp"`
}

// FeedSupplier is a quote supplier backed by a WebSocket price feed. It is
// an explicitly owned instance: construct it, Start it, pass it to the
// scanner by reference, and Stop it on shutdown. FetchQuote serves the most
// recent update for the pair without touching the network.
type FeedSupplier struct {
	name    string
	url     string
	logger  *zap.Logger
	backoff time.Duration

	mu     sync.RWMutex
	latest map[string]*Quote

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFeedSupplier(name, url string, logger *zap.Logger) *FeedSupplier {
	return &FeedSupplier{
		name:    name,
		url:     url,
		logger:  logger,
		backoff: time.Second,
		latest:  make(map[string]*Quote),
	}
}

func (f *FeedSupplier) Name() string { return f.name }

// Start opens the feed connection and begins consuming updates. It returns
// immediately; the read loop reconnects with backoff until Stop or context
// cancellation.
func (f *FeedSupplier) Start(ctx context.Context) error {
	if f.cancel != nil {
		return fmt.Errorf("feed %s already started", f.name)
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.readLoop(ctx)
	return nil
}

// Stop tears down the connection and waits for the read loop to exit.
func (f *FeedSupplier) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}

func (f *FeedSupplier) readLoop(ctx context.Context) {
	defer close(f.done)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("feed dial failed",
				zap.String("feed", f.name),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.backoff):
			}
			continue
		}
		f.consume(ctx, conn)
		conn.Close()
	}
}

func (f *FeedSupplier) consume(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("feed read failed",
					zap.String("feed", f.name),
					zap.Error(err))
			}
			return
		}
		var upd feedUpdate
		if err := json.Unmarshal(payload, &upd); err != nil {
			f.logger.Warn("feed message malformed", zap.Error(err))
			continue
		}
		f.apply(&upd)
	}
}

func (f *FeedSupplier) apply(upd *feedUpdate) {
	key := quoteKey(
		common.HexToAddress(upd.TokenIn),
		common.HexToAddress(upd.TokenOut),
		common.HexToAddress(upd.Exchange),
	)
	q := &Quote{
		Price:        upd.Price,
		LiquidityUSD: upd.LiquidityUSD,
		Volume24hUSD: upd.Volume24hUSD,
		ObservedAt:   time.Unix(upd.Timestamp, 0),
	}
	f.mu.Lock()
	prev, ok := f.latest[key]
	if !ok || !q.ObservedAt.Before(prev.ObservedAt) {
		f.latest[key] = q
	}
	f.mu.Unlock()
}

func (f *FeedSupplier) FetchQuote(ctx context.Context, tokenIn, tokenOut common.Address, exchange *types.Exchange) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.latest[quoteKey(tokenIn, tokenOut, exchange.Address)]
	if !ok {
		return nil, fmt.Errorf("%s: no feed data for %s/%s on %s", f.name, tokenIn.Hex(), tokenOut.Hex(), exchange.Name)
	}
	return q, nil
}
