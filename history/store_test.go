package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/types"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	store, err := Open(":memory:", retention, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id string, profit float64, success bool) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		OpportunityID:   id,
		Success:         success,
		TxHash:          "0xabc",
		ActualProfitUSD: profit,
		GasCostUSD:      12.5,
		GasStrategy:     "fast",
		Timestamp:       time.Now(),
	}
}

func TestAppendAndReadBack(t *testing.T) {
	store := openTestStore(t, 100)

	require.NoError(t, store.AppendExecution(record("op-1", 120.5, true)))
	require.NoError(t, store.AppendExecution(record("op-2", -8.25, false)))

	rows, err := store.RecentExecutions(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, "op-2", rows[0].OpportunityID)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "op-1", rows[1].OpportunityID)
	assert.True(t, rows[1].Success)

	profit, _ := rows[1].ActualProfitUSD.Float64()
	assert.InDelta(t, 120.5, profit, 1e-9)
}

func TestRetentionEvictsOldest(t *testing.T) {
	store := openTestStore(t, 5)

	for i := 0; i < 8; i++ {
		require.NoError(t, store.AppendExecution(record(opID(i), float64(i), true)))
	}

	rows, err := store.RecentExecutions(100)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	// The three oldest records are gone; op-3..op-7 survive.
	assert.Equal(t, "op-7", rows[0].OpportunityID)
	assert.Equal(t, "op-3", rows[4].OpportunityID)
}

func TestScanHistory(t *testing.T) {
	store := openTestStore(t, 100)

	require.NoError(t, store.AppendScan(3, 412.7, 150*time.Millisecond))

	rows, err := store.RecentScans(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Opportunities)
	assert.Equal(t, int64(150), rows[0].DurationMs)

	best, _ := rows[0].BestNetProfitUSD.Float64()
	assert.InDelta(t, 412.7, best, 1e-9)
}

func opID(i int) string {
	return "op-" + string(rune('0'+i))
}
