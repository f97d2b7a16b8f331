package mempool

import (
	"context"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"
)

// TipSource exposes the node's current priority-fee suggestion.
// *ethclient.Client satisfies it.
type TipSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// MEVSink receives risk observations in [0,100]. *gas.Controller satisfies it.
type MEVSink interface {
	RecordMEVSignal(score float64)
}

const (
	historySize  = 30
	spikeFactor  = 3.0
	maxSpikeMult = 10.0
)

// Watcher samples the suggested priority fee and turns sudden spikes into
// MEV-risk signals: searcher auctions show up as tip jumps well above the
// recent median before anything lands on-chain.
type Watcher struct {
	source TipSource
	sink   MEVSink
	logger *zap.Logger

	history []float64
}

func NewWatcher(source TipSource, sink MEVSink, logger *zap.Logger) *Watcher {
	return &Watcher{
		source: source,
		sink:   sink,
		logger: logger,
	}
}

// Run samples until ctx is cancelled. Sampling errors are soft failures.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, err := w.source.SuggestGasTipCap(ctx)
			if err != nil {
				w.logger.Debug("tip sample failed", zap.Error(err))
				continue
			}
			w.Observe(weiToGwei(tip))
		}
	}
}

// Observe feeds one tip sample in gwei and emits a risk signal on a spike.
func (w *Watcher) Observe(tipGwei float64) {
	med, ok := w.median()
	w.push(tipGwei)
	if !ok || med <= 0 {
		return
	}

	ratio := tipGwei / med
	if ratio < spikeFactor {
		return
	}
	if ratio > maxSpikeMult {
		ratio = maxSpikeMult
	}
	// spikeFactor maps to 40, maxSpikeMult to 100.
	score := 40 + (ratio-spikeFactor)/(maxSpikeMult-spikeFactor)*60
	w.sink.RecordMEVSignal(score)
	w.logger.Debug("priority fee spike",
		zap.Float64("tip_gwei", tipGwei),
		zap.Float64("median_gwei", med),
		zap.Float64("mev_score", score))
}

func (w *Watcher) push(v float64) {
	w.history = append(w.history, v)
	if len(w.history) > historySize {
		w.history = w.history[1:]
	}
}

// median requires a few samples before it trusts itself.
func (w *Watcher) median() (float64, bool) {
	if len(w.history) < 5 {
		return 0, false
	}
	sorted := append([]float64(nil), w.history...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2], true
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}
