package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/execution"
	"github.com/crossdex/arbd/history"
	"github.com/crossdex/arbd/types"
)

// mevFailureSignal is fed into the gas controller when a submission fails:
// a reverted or outbid transaction is weak evidence of hostile reordering.
const mevFailureSignal = 40

// Config drives the scan/execute loop.
type Config struct {
	ScanInterval       time.Duration
	ScanTimeout        time.Duration
	ProcessTimeout     time.Duration
	MinLiquidityUSD    float64
	EmergencyThreshold int
	EmergencyPause     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:       10 * time.Second,
		ScanTimeout:        8 * time.Second,
		ProcessTimeout:     15 * time.Second,
		MinLiquidityUSD:    10_000,
		EmergencyThreshold: 3,
		EmergencyPause:     5 * time.Minute,
	}
}

// OpportunitySource yields candidate opportunities for a flashloan token.
// *scanner.Scanner satisfies it.
type OpportunitySource interface {
	Scan(ctx context.Context, flashloanToken common.Address, minLiquidityUSD float64) ([]*types.Opportunity, error)
}

// Gate decides and submits. *execution.Gate satisfies it.
type Gate interface {
	Process(ctx context.Context, op *types.Opportunity) (*execution.Decision, error)
	ConsecutiveFailures() int
}

// MEVSink receives failure feedback. *gas.Controller satisfies it.
type MEVSink interface {
	RecordMEVSignal(score float64)
}

// Bot is the control loop: one scan cycle per tick per flashloan token,
// candidates processed strictly sequentially through the gate. When the
// gate reports too many consecutive failures the loop pauses itself for a
// cooldown instead of hammering a hostile or broken network.
type Bot struct {
	cfg    Config
	source OpportunitySource
	gate   Gate
	mev    MEVSink
	store  *history.Store
	tokens []common.Address
	logger *zap.Logger

	pausedUntil time.Time
	stopOnce    sync.Once
	stop        chan struct{}
	done        chan struct{}
	now         func() time.Time
}

func New(cfg Config, source OpportunitySource, gate Gate, mev MEVSink, store *history.Store,
	tokens []common.Address, logger *zap.Logger) (*Bot, error) {
	if source == nil || gate == nil {
		return nil, errors.New("bot requires an opportunity source and a gate")
	}
	if len(tokens) == 0 {
		return nil, errors.New("bot requires at least one flashloan token")
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultConfig().ProcessTimeout
	}
	return &Bot{
		cfg:    cfg,
		source: source,
		gate:   gate,
		mev:    mev,
		store:  store,
		tokens: tokens,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (b *Bot) SetClock(now func() time.Time) { b.now = now }

// Start runs the loop until Stop is called or ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.RunCycle(ctx)
			}
		}
	}()
}

// Stop asks the loop to exit and waits for the in-flight cycle to finish.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// RunCycle executes one scan/execute pass across all flashloan tokens.
func (b *Bot) RunCycle(ctx context.Context) {
	if b.now().Before(b.pausedUntil) {
		b.logger.Warn("scanning paused after emergency condition",
			zap.Time("resume_at", b.pausedUntil))
		return
	}

	started := b.now()
	total := 0
	best := 0.0
	for _, token := range b.tokens {
		scanCtx, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
		ops, err := b.source.Scan(scanCtx, token, b.cfg.MinLiquidityUSD)
		cancel()
		if err != nil {
			// Soft failure: log and move to the next token, never
			// block the following cycle.
			b.logger.Warn("scan cycle failed",
				zap.String("token", token.Hex()), zap.Error(err))
			continue
		}
		total += len(ops)
		for _, op := range ops {
			if op.NetProfitUSD > best {
				best = op.NetProfitUSD
			}
		}
		b.processSequentially(ctx, ops)
	}

	if b.store != nil {
		if err := b.store.AppendScan(total, best, b.now().Sub(started)); err != nil {
			b.logger.Error("failed to persist scan summary", zap.Error(err))
		}
	}

	if b.gate.ConsecutiveFailures() >= b.cfg.EmergencyThreshold {
		b.pausedUntil = b.now().Add(b.cfg.EmergencyPause)
		b.logger.Error("pausing scanner after consecutive submission failures",
			zap.Int("failures", b.gate.ConsecutiveFailures()),
			zap.Time("resume_at", b.pausedUntil))
	}
}

func (b *Bot) processSequentially(ctx context.Context, ops []*types.Opportunity) {
	for _, op := range ops {
		// A hung node call during the dry-run or broadcast must not
		// stall the loop: each attempt gets its own deadline and a
		// timeout is handled as a soft failure below.
		procCtx, cancel := context.WithTimeout(ctx, b.cfg.ProcessTimeout)
		dec, err := b.gate.Process(procCtx, op)
		cancel()
		switch {
		case errors.Is(err, execution.ErrRateLimited):
			// Every later candidate would hit the same limit; the
			// opportunities stay eligible for the next cycle.
			return
		case errors.Is(err, execution.ErrGasBoundExceeded):
			b.logger.Debug("opportunity deferred on gas price",
				zap.String("opportunity", op.ID))
			return
		case err != nil:
			b.logger.Warn("execution attempt abandoned",
				zap.String("opportunity", op.ID), zap.Error(err))
			continue
		}
		if dec.Record != nil && !dec.Record.Success && b.mev != nil {
			b.mev.RecordMEVSignal(mevFailureSignal)
		}
	}
}
