package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/execution"
	"github.com/crossdex/arbd/types"
)

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

type stubSource struct {
	ops   []*types.Opportunity
	err   error
	scans int
}

func (s *stubSource) Scan(_ context.Context, _ common.Address, _ float64) ([]*types.Opportunity, error) {
	s.scans++
	if s.err != nil {
		return nil, s.err
	}
	return s.ops, nil
}

type stubGate struct {
	decisions []*execution.Decision
	errs      []error
	calls     int
	failures  int
}

func (g *stubGate) Process(_ context.Context, _ *types.Opportunity) (*execution.Decision, error) {
	i := g.calls
	g.calls++
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(g.decisions) {
		return g.decisions[i], nil
	}
	return &execution.Decision{Accepted: true, Record: &types.ExecutionRecord{Success: true}}, nil
}

func (g *stubGate) ConsecutiveFailures() int { return g.failures }

type stubMEV struct {
	signals []float64
}

func (m *stubMEV) RecordMEVSignal(score float64) { m.signals = append(m.signals, score) }

func opportunity(id string, profit float64) *types.Opportunity {
	return &types.Opportunity{
		ID:           id,
		Path:         []*types.Edge{{From: weth, To: weth}},
		NotionalUSD:  100_000,
		NetProfitUSD: profit,
	}
}

func newBot(t *testing.T, cfg Config, source *stubSource, gate *stubGate, mev *stubMEV) *Bot {
	t.Helper()
	b, err := New(cfg, source, gate, mev, nil, []common.Address{weth}, zap.NewNop())
	require.NoError(t, err)
	return b
}

func TestCycleProcessesSequentially(t *testing.T) {
	source := &stubSource{ops: []*types.Opportunity{opportunity("a", 100), opportunity("b", 80)}}
	gate := &stubGate{}
	b := newBot(t, DefaultConfig(), source, gate, nil)

	b.RunCycle(context.Background())

	assert.Equal(t, 1, source.scans)
	assert.Equal(t, 2, gate.calls, "every candidate goes through the gate")
}

func TestRateLimitDefersRestOfCycle(t *testing.T) {
	source := &stubSource{ops: []*types.Opportunity{opportunity("a", 100), opportunity("b", 80), opportunity("c", 60)}}
	gate := &stubGate{errs: []error{nil, execution.ErrRateLimited}}
	b := newBot(t, DefaultConfig(), source, gate, nil)

	b.RunCycle(context.Background())

	assert.Equal(t, 2, gate.calls, "remaining candidates wait for the next cycle")
}

func TestFailedSubmissionFeedsMEVSignal(t *testing.T) {
	source := &stubSource{ops: []*types.Opportunity{opportunity("a", 100)}}
	gate := &stubGate{decisions: []*execution.Decision{{
		Record: &types.ExecutionRecord{Success: false, FailureReason: "reverted"},
	}}}
	mev := &stubMEV{}
	b := newBot(t, DefaultConfig(), source, gate, mev)

	b.RunCycle(context.Background())

	require.Len(t, mev.signals, 1)
	assert.Equal(t, float64(mevFailureSignal), mev.signals[0])
}

func TestEmergencyPausesScanning(t *testing.T) {
	source := &stubSource{ops: []*types.Opportunity{opportunity("a", 100)}}
	gate := &stubGate{failures: 3}
	cfg := DefaultConfig()
	cfg.EmergencyThreshold = 3
	cfg.EmergencyPause = 5 * time.Minute
	b := newBot(t, cfg, source, gate, nil)

	base := time.Unix(1_700_000_000, 0)
	clock := base
	b.SetClock(func() time.Time { return clock })

	b.RunCycle(context.Background())
	require.Equal(t, 1, source.scans)

	// Paused: the next cycles do not scan.
	clock = base.Add(time.Minute)
	b.RunCycle(context.Background())
	assert.Equal(t, 1, source.scans)

	// Past the cooldown scanning resumes.
	clock = base.Add(6 * time.Minute)
	b.RunCycle(context.Background())
	assert.Equal(t, 2, source.scans)
}

func TestScanErrorIsSoftFailure(t *testing.T) {
	source := &stubSource{err: errors.New("all suppliers down")}
	gate := &stubGate{}
	b := newBot(t, DefaultConfig(), source, gate, nil)

	b.RunCycle(context.Background())
	b.RunCycle(context.Background())

	assert.Equal(t, 2, source.scans, "a failed scan never blocks the next cycle")
	assert.Equal(t, 0, gate.calls)
}

func TestStartStop(t *testing.T) {
	source := &stubSource{}
	gate := &stubGate{}
	cfg := DefaultConfig()
	cfg.ScanInterval = 5 * time.Millisecond
	b := newBot(t, cfg, source, gate, nil)

	b.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	b.Stop()

	assert.Greater(t, source.scans, 0)
}

type blockingGate struct {
	calls int
}

func (g *blockingGate) Process(ctx context.Context, _ *types.Opportunity) (*execution.Decision, error) {
	g.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func (g *blockingGate) ConsecutiveFailures() int { return 0 }

func TestHungExecutionAttemptTimesOut(t *testing.T) {
	source := &stubSource{ops: []*types.Opportunity{
		opportunity("op-1", 200),
		opportunity("op-2", 150),
	}}
	gate := &blockingGate{}
	cfg := DefaultConfig()
	cfg.ProcessTimeout = 10 * time.Millisecond
	b, err := New(cfg, source, gate, nil, nil, []common.Address{weth}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.RunCycle(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle blocked on a hung execution attempt")
	}

	assert.Equal(t, 2, gate.calls, "a timed-out attempt is a soft failure, the next candidate still runs")
}
