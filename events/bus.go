package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind enumerates the structured events the pipeline emits. Formatting and
// delivery of human-readable messages belong to the external alerting layer.
type Kind int

const (
	OpportunityFound Kind = iota
	TradeExecuted
	TradeFailed
	EmergencyConditionRaised
)

func (k Kind) String() string {
	switch k {
	case OpportunityFound:
		return "opportunity_found"
	case TradeExecuted:
		return "trade_executed"
	case TradeFailed:
		return "trade_failed"
	case EmergencyConditionRaised:
		return "emergency_condition_raised"
	default:
		return "unknown"
	}
}

// Event is one structured notification.
type Event struct {
	Kind          Kind
	At            time.Time
	OpportunityID string
	ProfitUSD     float64
	TxHash        string
	Detail        string
}

// Bus is a bounded single-channel event bus decoupling producer cadence from
// consumer speed. Publish never blocks: when the buffer is full the event is
// dropped and counted.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64

	closeOnce sync.Once
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish enqueues the event, dropping it if the consumer is behind.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close terminates the stream. Publish must not be called after Close.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}
