package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usdt  = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	uni   = common.HexToAddress("0x0000000000000000000000000000000000000011")
	sushi = common.HexToAddress("0x0000000000000000000000000000000000000022")
	curve = common.HexToAddress("0x0000000000000000000000000000000000000033")
)

func triangleOpportunity() *types.Opportunity {
	edges := []*types.Edge{
		{From: weth, To: usdc, Exchange: uni, ExchangeName: "uniswap", Price: 2500, FeeBps: 30, LiquidityUSD: 50_000_000, ObservedAt: time.Now()},
		{From: usdc, To: usdt, Exchange: sushi, ExchangeName: "sushiswap", Price: 1.002, FeeBps: 30, LiquidityUSD: 50_000_000, ObservedAt: time.Now()},
		{From: usdt, To: weth, Exchange: curve, ExchangeName: "curve", Price: 1 / 2470.0, FeeBps: 4, LiquidityUSD: 50_000_000, ObservedAt: time.Now()},
	}
	return &types.Opportunity{
		ID:          "gate-triangle",
		Path:        edges,
		StartToken:  weth,
		NotionalUSD: 100_000,
		CreatedAt:   time.Unix(1_700_000_000, 0),
	}
}

type stubBuilder struct {
	err error
}

func (b *stubBuilder) Build(_ context.Context, _ *types.Opportunity, _ *gas.Quote) (*broadcast.SubmitRequest, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &broadcast.SubmitRequest{SignedTx: []byte{0x02, 0xf8}}, nil
}

type stubBroadcaster struct {
	name  string
	err   error
	calls int
}

func (s *stubBroadcaster) Name() string { return s.name }

func (s *stubBroadcaster) Submit(_ context.Context, _ *broadcast.SubmitRequest) (*broadcast.Receipt, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &broadcast.Receipt{TxHash: common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")}, nil
}

type gateFixture struct {
	gate    *Gate
	gasCtl  *gas.Controller
	public  *stubBroadcaster
	relay   *stubBroadcaster
	builder *stubBuilder
	bus     *events.Bus
	backend *simulator.StaticBackend
}

func newGateFixture(t *testing.T, cfg Config) *gateFixture {
	t.Helper()

	backend := simulator.NewStaticBackend(150_000)
	sim := simulator.New(simulator.DefaultConfig(), backend, zap.NewNop())
	gasCtl := gas.NewController(gas.DefaultConfig(), zap.NewNop())
	public := &stubBroadcaster{name: "rpc"}
	relay := &stubBroadcaster{name: "relay"}
	builder := &stubBuilder{}
	bus := events.NewBus(64)
	met := metrics.NewPipelineMetrics(prometheus.NewRegistry())

	gate, err := New(cfg, sim, gasCtl, builder, public, relay, nil, bus, met, zap.NewNop())
	require.NoError(t, err)
	return &gateFixture{gate: gate, gasCtl: gasCtl, public: public, relay: relay, builder: builder, bus: bus, backend: backend}
}

func (f *gateFixture) setClock(now func() time.Time) {
	f.gate.SetClock(now)
	f.gasCtl.SetClock(now)
}

func drainEvents(bus *events.Bus) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-bus.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestProcessSubmitsProfitableOpportunity(t *testing.T) {
	f := newGateFixture(t, DefaultConfig())

	dec, err := f.gate.Process(context.Background(), triangleOpportunity())
	require.NoError(t, err)
	require.True(t, dec.Accepted)
	require.NotNil(t, dec.Record)

	assert.True(t, dec.Record.Success)
	assert.NotEmpty(t, dec.Record.TxHash)
	assert.Greater(t, dec.Record.ActualProfitUSD, 50.0)
	assert.Equal(t, 1, f.public.calls)
	assert.Equal(t, 0, f.relay.calls, "calm network should use the public channel")

	evs := drainEvents(f.bus)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TradeExecuted, evs[0].Kind)
	assert.Equal(t, "gate-triangle", evs[0].OpportunityID)
}

func TestRateLimiterBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecutionsPerHour = 3
	cfg.MinExecutionGap = 30 * time.Second
	f := newGateFixture(t, cfg)

	base := time.Unix(1_700_000_000, 0)
	clock := base
	f.setClock(func() time.Time { return clock })

	// Each attempt is a fresh opportunity; only the limiter may reject.
	attempts := 0
	attempt := func() error {
		attempts++
		op := triangleOpportunity()
		op.ID = fmt.Sprintf("gate-triangle-%d", attempts)
		_, err := f.gate.Process(context.Background(), op)
		return err
	}

	require.NoError(t, attempt(), "first submission")

	clock = base.Add(10 * time.Second)
	assert.ErrorIs(t, attempt(), ErrRateLimited, "inside the minimum gap")

	clock = base.Add(30 * time.Second)
	require.NoError(t, attempt(), "second submission after the gap")

	clock = base.Add(60 * time.Second)
	require.NoError(t, attempt(), "third submission")

	clock = base.Add(90 * time.Second)
	assert.ErrorIs(t, attempt(), ErrRateLimited, "hourly cap reached")

	clock = base.Add(30 * time.Minute)
	assert.ErrorIs(t, attempt(), ErrRateLimited, "cap still holds mid-window")

	// The first submission rolls out of the window after an hour.
	clock = base.Add(time.Hour + time.Second)
	require.NoError(t, attempt(), "slot freed once the window rolls")

	assert.Equal(t, 4, f.public.calls)
}

func TestGasCeilingDefersOpportunity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGasGwei = 10
	f := newGateFixture(t, cfg)

	_, err := f.gate.Process(context.Background(), triangleOpportunity())
	assert.ErrorIs(t, err, ErrGasBoundExceeded)
	assert.Equal(t, 0, f.public.calls)
	assert.Equal(t, 0, f.backend.Calls(), "deferred before any network call")
}

func TestSimulationRevertConsumesOpportunity(t *testing.T) {
	f := newGateFixture(t, DefaultConfig())
	f.backend.Revert("UniswapV2: K")

	dec, err := f.gate.Process(context.Background(), triangleOpportunity())
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "UniswapV2: K")
	assert.Nil(t, dec.Record, "no submission was attempted")
	assert.Equal(t, 0, f.public.calls)
	assert.Equal(t, 0, f.gate.ConsecutiveFailures(), "pre-submit rejections are not submission failures")
}

func TestBackendTransportErrorPropagates(t *testing.T) {
	f := newGateFixture(t, DefaultConfig())
	f.backend.FailWith(errors.New("node unreachable"))

	dec, err := f.gate.Process(context.Background(), triangleOpportunity())
	require.Error(t, err)
	assert.Nil(t, dec)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrGasBoundExceeded)
}

func TestConfidenceFloorRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 99.95
	f := newGateFixture(t, cfg)

	dec, err := f.gate.Process(context.Background(), triangleOpportunity())
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "confidence")
	assert.Equal(t, 0, f.public.calls)
}

func TestConsecutiveFailuresRaiseEmergency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	f := newGateFixture(t, cfg)
	f.public.err = errors.New("nonce too low")

	base := time.Unix(1_700_000_000, 0)
	clock := base
	f.setClock(func() time.Time { return clock })

	first := triangleOpportunity()
	first.ID = "gate-fail-1"
	dec, err := f.gate.Process(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	require.NotNil(t, dec.Record)
	assert.False(t, dec.Record.Success)
	assert.Equal(t, 1, f.gate.ConsecutiveFailures())

	clock = base.Add(time.Minute)
	second := triangleOpportunity()
	second.ID = "gate-fail-2"
	dec, err = f.gate.Process(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Equal(t, 2, f.gate.ConsecutiveFailures())

	evs := drainEvents(f.bus)
	var failed, emergencies int
	for _, ev := range evs {
		switch ev.Kind {
		case events.TradeFailed:
			failed++
		case events.EmergencyConditionRaised:
			emergencies++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, emergencies, "emergency raised once the threshold is crossed")

	// A successful submission resets the counter.
	f.public.err = nil
	clock = base.Add(2 * time.Minute)
	third := triangleOpportunity()
	third.ID = "gate-fail-3"
	dec, err = f.gate.Process(context.Background(), third)
	require.NoError(t, err)
	assert.True(t, dec.Accepted)
	assert.Equal(t, 0, f.gate.ConsecutiveFailures())
}

func TestMEVRiskRoutesThroughPrivateRelay(t *testing.T) {
	f := newGateFixture(t, DefaultConfig())
	f.gasCtl.RecordMEVSignal(90)

	dec, err := f.gate.Process(context.Background(), triangleOpportunity())
	require.NoError(t, err)
	require.True(t, dec.Accepted)

	assert.Equal(t, 0, f.public.calls)
	assert.Equal(t, 1, f.relay.calls)
	assert.Equal(t, gas.MEVProtection.String(), dec.Record.GasStrategy)
}

func TestFailedSubmissionIsPersisted(t *testing.T) {
	store, err := history.Open(":memory:", 100, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	backend := simulator.NewStaticBackend(150_000)
	sim := simulator.New(simulator.DefaultConfig(), backend, zap.NewNop())
	gasCtl := gas.NewController(gas.DefaultConfig(), zap.NewNop())
	public := &stubBroadcaster{name: "rpc", err: errors.New("replacement underpriced")}
	met := metrics.NewPipelineMetrics(prometheus.NewRegistry())

	gate, err := New(DefaultConfig(), sim, gasCtl, &stubBuilder{}, public, nil, store, nil, met, zap.NewNop())
	require.NoError(t, err)

	dec, err := gate.Process(context.Background(), triangleOpportunity())
	require.NoError(t, err)
	assert.False(t, dec.Accepted)

	rows, err := store.RecentExecutions(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Contains(t, rows[0].FailureReason, "replacement underpriced")
}

func TestConsumedOpportunityIsNotResubmitted(t *testing.T) {
	f := newGateFixture(t, DefaultConfig())
	base := time.Unix(1_700_000_000, 0)
	clock := base
	f.setClock(func() time.Time { return clock })

	op := triangleOpportunity()
	dec, err := f.gate.Process(context.Background(), op)
	require.NoError(t, err)
	require.True(t, dec.Accepted)
	require.Equal(t, 1, f.public.calls)

	// Well past the minimum submission gap, so only the consumed check
	// can stop the repeat. A cached scan can serve the same opportunity
	// again; it must never reach the chain twice.
	clock = base.Add(time.Minute)
	dec, err = f.gate.Process(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "already consumed")
	assert.Equal(t, 1, f.public.calls)
}

func TestRejectedOpportunityStaysConsumed(t *testing.T) {
	f := newGateFixture(t, DefaultConfig())
	f.backend.Revert("UniswapV2: K")

	op := triangleOpportunity()
	dec, err := f.gate.Process(context.Background(), op)
	require.NoError(t, err)
	require.False(t, dec.Accepted)
	simulations := f.backend.Calls()

	dec, err = f.gate.Process(context.Background(), op)
	require.NoError(t, err)
	assert.Contains(t, dec.Reason, "already consumed")
	assert.Equal(t, simulations, f.backend.Calls(), "a settled opportunity is never re-simulated")
}

// slowQuoteBackend stands in for a node that answers the dry-run only after
// the gas quote's validity window has passed, with fee conditions worsening
// in the meantime.
type slowQuoteBackend struct {
	inner   *simulator.StaticBackend
	elapsed func()
}

func (b *slowQuoteBackend) SimulateBundle(ctx context.Context, params *simulator.TxParams) (*simulator.BundleResult, error) {
	b.elapsed()
	return b.inner.SimulateBundle(ctx, params)
}

func TestStaleQuoteRederivedAfterSlowSimulation(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := base
	now := func() time.Time { return clock }

	gasCtl := gas.NewController(gas.DefaultConfig(), zap.NewNop())
	gasCtl.SetClock(now)
	inner := simulator.NewStaticBackend(150_000)
	backend := &slowQuoteBackend{inner: inner, elapsed: func() {
		clock = clock.Add(10 * time.Second)
		for i := 0; i < 10; i++ {
			gasCtl.RecordNetworkSample(500, 5)
		}
	}}
	sim := simulator.New(simulator.DefaultConfig(), backend, zap.NewNop())
	public := &stubBroadcaster{name: "rpc"}

	gate, err := New(DefaultConfig(), sim, gasCtl, &stubBuilder{}, public, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	gate.SetClock(now)

	// The first quote (baseline fees, ~23 gwei) clears the 300 gwei
	// ceiling and the dry-run runs. By the time it returns the quote is
	// past its validity window and the network is quoting far above the
	// ceiling, so the re-derived quote must defer the opportunity.
	_, err = gate.Process(context.Background(), triangleOpportunity())
	require.ErrorIs(t, err, ErrGasBoundExceeded)
	assert.Equal(t, 1, inner.Calls(), "the dry-run ran before the quote went stale")
	assert.Equal(t, 0, public.calls, "a stale quote above the ceiling never reaches the chain")
}
