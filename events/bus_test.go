package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus(2)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: OpportunityFound, OpportunityID: "op"})
	}
	assert.Equal(t, uint64(8), b.Dropped())

	ev := <-b.Events()
	require.Equal(t, OpportunityFound, ev.Kind)
	assert.False(t, ev.At.IsZero())
}

func TestCloseEndsStream(t *testing.T) {
	b := NewBus(1)
	b.Publish(Event{Kind: TradeExecuted})
	b.Close()

	_, ok := <-b.Events()
	assert.True(t, ok)
	_, ok = <-b.Events()
	assert.False(t, ok)
}
