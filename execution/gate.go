package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/broadcast"
	"github.com/crossdex/arbd/events"
	"github.com/crossdex/arbd/gas"
	"github.com/crossdex/arbd/history"
	"github.com/crossdex/arbd/simulator"
	"github.com/crossdex/arbd/types"
	"github.com/crossdex/arbd/utils/metrics"
)

var (
	// ErrRateLimited defers an opportunity to a later cycle. It is raised
	// before any network call and does not consume the opportunity.
	ErrRateLimited = errors.New("execution rate limit reached")

	// ErrGasBoundExceeded defers an opportunity because the current gas
	// quote is above the configured ceiling. Conditions may improve, so
	// the opportunity stays eligible for the next cycle.
	ErrGasBoundExceeded = errors.New("gas quote exceeds configured ceiling")
)

const weiPerGwei = 1e9

// consumedCacheSize bounds the window of remembered opportunity IDs. The
// scanner can re-serve a cached opportunity set when its suppliers fail, so
// the gate has to recognize IDs it already consumed.
const consumedCacheSize = 4096

// Config bounds the gate's go/no-go decision.
type Config struct {
	MaxGasGwei               float64
	MinProfitUSD             float64
	MinConfidence            float64
	RequireSimulationSuccess bool
	MaxExecutionsPerHour     int
	MinExecutionGap          time.Duration
	FailureThreshold         int
	SlippageToleranceBps     uint32
	EthPriceUSD              float64
	HighUrgencyProfitUSD     float64
}

func DefaultConfig() Config {
	return Config{
		MaxGasGwei:               300,
		MinProfitUSD:             50,
		MinConfidence:            60,
		RequireSimulationSuccess: true,
		MaxExecutionsPerHour:     10,
		MinExecutionGap:          30 * time.Second,
		FailureThreshold:         3,
		SlippageToleranceBps:     50,
		EthPriceUSD:              2500,
		HighUrgencyProfitUSD:     500,
	}
}

// TxBuilder turns an accepted opportunity and its gas quote into a signed
// transaction ready for broadcast.
type TxBuilder interface {
	Build(ctx context.Context, op *types.Opportunity, quote *gas.Quote) (*broadcast.SubmitRequest, error)
}

// Decision is the gate's verdict on one opportunity. Record is non-nil only
// when a submission was actually attempted; earlier rejections discard the
// opportunity without touching the network.
type Decision struct {
	Accepted   bool
	Reason     string
	Simulation *types.SimulationResult
	Record     *types.ExecutionRecord
}

// Gate is the last stop before the chain. Each candidate runs the fixed
// sequence: rate limit, fresh gas quote, gas ceiling, dry-run simulation,
// net-profit recheck against the actual quote, confidence floor, submit.
// Every opportunity is consumed exactly once on acceptance or definitive
// rejection; only rate-limit and gas-bound rejections leave it eligible
// for a later cycle.
type Gate struct {
	cfg      Config
	sim      *simulator.Simulator
	gasCtl   *gas.Controller
	builder  TxBuilder
	public   broadcast.Broadcaster
	relay    broadcast.Broadcaster
	store    *history.Store
	bus      *events.Bus
	met      *metrics.PipelineMetrics
	limiter  *RateLimitState
	consumed *lru.Cache
	logger   *zap.Logger

	consecutiveFailures int
	now                 func() time.Time
}

func New(cfg Config, sim *simulator.Simulator, gasCtl *gas.Controller, builder TxBuilder,
	public, relay broadcast.Broadcaster, store *history.Store, bus *events.Bus,
	met *metrics.PipelineMetrics, logger *zap.Logger) (*Gate, error) {
	if sim == nil || gasCtl == nil || builder == nil || public == nil {
		return nil, errors.New("gate requires simulator, gas controller, tx builder, and a public broadcaster")
	}
	if relay == nil {
		relay = public
	}
	if met == nil {
		met = metrics.NewPipelineMetrics(prometheus.NewRegistry())
	}
	consumed, err := lru.New(consumedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumed-opportunity cache: %w", err)
	}
	return &Gate{
		cfg:      cfg,
		sim:      sim,
		gasCtl:   gasCtl,
		builder:  builder,
		public:   public,
		relay:    relay,
		store:    store,
		bus:      bus,
		met:      met,
		limiter:  NewRateLimitState(cfg.MaxExecutionsPerHour, cfg.MinExecutionGap),
		consumed: consumed,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source for the gate and its rate limiter.
// Test hook.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
	g.limiter.SetClock(now)
}

// ConsecutiveFailures returns the count of failed submissions since the
// last success. The caller decides whether to pause scanning on it.
func (g *Gate) ConsecutiveFailures() int {
	return g.consecutiveFailures
}

// Process runs one opportunity through the gate. ErrRateLimited and
// ErrGasBoundExceeded defer the opportunity without consuming it; any other
// error is a transport problem (the opportunity is abandoned, not recorded).
// All remaining outcomes come back as a Decision.
func (g *Gate) Process(ctx context.Context, op *types.Opportunity) (*Decision, error) {
	if op == nil || len(op.Path) == 0 {
		return nil, errors.New("empty opportunity")
	}

	// Consume-once: a cached scan can re-serve an opportunity the gate
	// already settled. Repeats are discarded, never re-submitted.
	if g.consumed.Contains(op.ID) {
		g.logger.Debug("opportunity already consumed", zap.String("opportunity", op.ID))
		return &Decision{Reason: "opportunity already consumed"}, nil
	}

	if !g.limiter.Allow() {
		g.met.RateLimitRejections.Inc()
		g.logger.Debug("submission rate limited", zap.String("opportunity", op.ID))
		return nil, ErrRateLimited
	}

	quote := g.freshQuote(op)
	g.met.GasPriceGwei.Observe(quote.GasPriceGwei())
	if quote.GasPriceGwei() > g.cfg.MaxGasGwei {
		g.logger.Debug("gas quote above ceiling",
			zap.String("opportunity", op.ID),
			zap.Float64("gas_gwei", quote.GasPriceGwei()),
			zap.Float64("ceiling_gwei", g.cfg.MaxGasGwei))
		return nil, ErrGasBoundExceeded
	}

	result, err := g.sim.Simulate(ctx, &simulator.Params{
		Opportunity:          op,
		NotionalUSD:          op.NotionalUSD,
		SlippageToleranceBps: g.cfg.SlippageToleranceBps,
		GasPriceGwei:         quote.GasPriceGwei(),
		GasLimit:             quote.GasLimit,
		EthPriceUSD:          g.cfg.EthPriceUSD,
	})
	if err != nil {
		if errors.Is(err, simulator.ErrValidation) {
			g.met.Simulations.WithLabelValues("invalid").Inc()
			return g.conclude(op, &Decision{Reason: err.Error()})
		}
		return nil, fmt.Errorf("dry-run aborted: %w", err)
	}
	if result.Success {
		g.met.Simulations.WithLabelValues("pass").Inc()
	} else {
		g.met.Simulations.WithLabelValues("fail").Inc()
	}

	if g.cfg.RequireSimulationSuccess && !result.Success {
		reason := result.FailureReason
		if reason == "" {
			reason = "simulation failed"
		}
		return g.conclude(op, &Decision{Reason: reason, Simulation: result})
	}

	// The simulation may have taken longer than the quote's validity
	// window; a stale quote must be re-derived before submission.
	if quote.Stale(g.now(), g.gasCtl.QuoteValidity()) {
		quote = g.freshQuote(op)
		if quote.GasPriceGwei() > g.cfg.MaxGasGwei {
			return nil, ErrGasBoundExceeded
		}
	}

	// Net profit against the quote that will actually be submitted, not
	// the simulator's nominal gas estimate.
	actualGasUSD := float64(result.GasUsed) * quote.GasPriceGwei() / weiPerGwei * g.cfg.EthPriceUSD
	netProfit := result.ProfitAfterCosts + result.GasCostUSD - actualGasUSD
	if netProfit < g.cfg.MinProfitUSD {
		return g.conclude(op, &Decision{
			Reason:     fmt.Sprintf("net profit %.2f below %.2f floor at quoted gas", netProfit, g.cfg.MinProfitUSD),
			Simulation: result,
		})
	}

	if result.Confidence < g.cfg.MinConfidence {
		return g.conclude(op, &Decision{
			Reason:     fmt.Sprintf("confidence %.1f below %.1f floor", result.Confidence, g.cfg.MinConfidence),
			Simulation: result,
		})
	}

	return g.submit(ctx, op, quote, result, netProfit)
}

func (g *Gate) freshQuote(op *types.Opportunity) *gas.Quote {
	urgency := gas.UrgencyNormal
	if op.NetProfitUSD >= g.cfg.HighUrgencyProfitUSD {
		urgency = gas.UrgencyHigh
	}
	return g.gasCtl.Quote(&gas.Request{
		Urgency:     urgency,
		Category:    gas.CategoryArbitrage,
		NotionalUSD: op.NotionalUSD,
	})
}

// conclude marks the opportunity consumed and hands back its terminal
// decision. Deferrals (rate limit, gas ceiling) never come through here.
func (g *Gate) conclude(op *types.Opportunity, d *Decision) (*Decision, error) {
	g.consumed.Add(op.ID, struct{}{})
	return d, nil
}

func (g *Gate) submit(ctx context.Context, op *types.Opportunity, quote *gas.Quote,
	result *types.SimulationResult, netProfit float64) (*Decision, error) {

	req, err := g.builder.Build(ctx, op, quote)
	if err != nil {
		return g.recordFailure(op, quote, fmt.Sprintf("failed to build tx: %v", err), result)
	}

	channel := g.public
	if quote.Strategy.Private() {
		channel = g.relay
	}

	// The attempt counts against the rate limit whether or not the
	// broadcast succeeds.
	g.limiter.Record()

	receipt, err := channel.Submit(ctx, req)
	if err != nil {
		return g.recordFailure(op, quote, fmt.Sprintf("broadcast via %s failed: %v", channel.Name(), err), result)
	}

	g.consecutiveFailures = 0
	g.met.ConsecutiveFailures.Set(0)
	g.met.Executions.WithLabelValues("success").Inc()
	if netProfit > 0 {
		g.met.ProfitUSD.Add(netProfit)
	}

	rec := &types.ExecutionRecord{
		OpportunityID:   op.ID,
		Success:         true,
		TxHash:          receipt.TxHash.Hex(),
		ActualProfitUSD: netProfit,
		GasCostUSD:      float64(result.GasUsed) * quote.GasPriceGwei() / weiPerGwei * g.cfg.EthPriceUSD,
		GasStrategy:     quote.Strategy.String(),
		Timestamp:       g.now(),
	}
	g.persist(rec)
	g.publish(events.Event{
		Kind:          events.TradeExecuted,
		At:            rec.Timestamp,
		OpportunityID: op.ID,
		ProfitUSD:     netProfit,
		TxHash:        rec.TxHash,
	})
	g.logger.Info("trade submitted",
		zap.String("opportunity", op.ID),
		zap.String("tx", rec.TxHash),
		zap.String("channel", channel.Name()),
		zap.String("strategy", quote.Strategy.String()),
		zap.Float64("net_profit_usd", netProfit))

	return g.conclude(op, &Decision{Accepted: true, Simulation: result, Record: rec})
}

func (g *Gate) recordFailure(op *types.Opportunity, quote *gas.Quote, reason string,
	result *types.SimulationResult) (*Decision, error) {

	g.consecutiveFailures++
	g.met.ConsecutiveFailures.Set(float64(g.consecutiveFailures))
	g.met.Executions.WithLabelValues("failed").Inc()

	rec := &types.ExecutionRecord{
		OpportunityID: op.ID,
		Success:       false,
		GasStrategy:   quote.Strategy.String(),
		FailureReason: reason,
		Timestamp:     g.now(),
	}
	g.persist(rec)
	g.publish(events.Event{
		Kind:          events.TradeFailed,
		At:            rec.Timestamp,
		OpportunityID: op.ID,
		Detail:        reason,
	})
	g.logger.Warn("submission failed",
		zap.String("opportunity", op.ID),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", g.consecutiveFailures))

	if g.consecutiveFailures >= g.cfg.FailureThreshold {
		g.publish(events.Event{
			Kind:   events.EmergencyConditionRaised,
			At:     rec.Timestamp,
			Detail: fmt.Sprintf("%d consecutive failed submissions", g.consecutiveFailures),
		})
	}

	return g.conclude(op, &Decision{Reason: reason, Simulation: result, Record: rec})
}

func (g *Gate) persist(rec *types.ExecutionRecord) {
	if g.store == nil {
		return
	}
	if err := g.store.AppendExecution(rec); err != nil {
		g.logger.Error("failed to persist execution record", zap.Error(err))
	}
}

func (g *Gate) publish(ev events.Event) {
	if g.bus != nil {
		g.bus.Publish(ev)
	}
}
