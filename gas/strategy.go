package gas

import "time"

// Strategy is the closed set of named gas strategies. Every strategy has an
// entry in strategyTable, so selection and multiplier lookup are total.
type Strategy int

const (
	Eco Strategy = iota
	Standard
	Fast
	Aggressive
	MEVProtection
	PrivateRelay
)

func (s Strategy) String() string {
	switch s {
	case Eco:
		return "eco"
	case Standard:
		return "standard"
	case Fast:
		return "fast"
	case Aggressive:
		return "aggressive"
	case MEVProtection:
		return "mev-protection"
	case PrivateRelay:
		return "private-relay"
	default:
		return "unknown"
	}
}

// Private reports whether the strategy routes through a private relay
// instead of the public mempool.
func (s Strategy) Private() bool {
	return s == MEVProtection || s == PrivateRelay
}

type strategyParams struct {
	baseMultiplier     float64
	priorityMultiplier float64
	maxGasPriceGwei    float64
	targetBlocks       int
}

// strategyTable is indexed by Strategy; the compiler keeps it in sync with
// the constant block above.
var strategyTable = [...]strategyParams{
	Eco:           {baseMultiplier: 1.0, priorityMultiplier: 1.0, maxGasPriceGwei: 60, targetBlocks: 6},
	Standard:      {baseMultiplier: 1.1, priorityMultiplier: 1.2, maxGasPriceGwei: 120, targetBlocks: 3},
	Fast:          {baseMultiplier: 1.25, priorityMultiplier: 1.5, maxGasPriceGwei: 250, targetBlocks: 2},
	Aggressive:    {baseMultiplier: 1.5, priorityMultiplier: 2.0, maxGasPriceGwei: 500, targetBlocks: 1},
	MEVProtection: {baseMultiplier: 1.4, priorityMultiplier: 2.5, maxGasPriceGwei: 500, targetBlocks: 1},
	PrivateRelay:  {baseMultiplier: 1.2, priorityMultiplier: 2.0, maxGasPriceGwei: 400, targetBlocks: 2},
}

// Urgency classifies how quickly the caller needs inclusion.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
)

// Category classifies the transaction for the default strategy tiers.
type Category int

const (
	CategoryArbitrage Category = iota
	CategoryMaintenance
)

// Quote is one priced gas decision. Quotes age out quickly: a quote older
// than the controller's validity window must be re-derived before use.
type Quote struct {
	Strategy        Strategy
	BaseFeeGwei     float64
	PriorityFeeGwei float64
	GasLimit        uint64
	Confidence      float64
	EstConfirmation time.Duration
	CreatedAt       time.Time
}

// GasPriceGwei is the total per-gas price of the quote.
func (q *Quote) GasPriceGwei() float64 {
	return q.BaseFeeGwei + q.PriorityFeeGwei
}

// Stale reports whether the quote is too old to submit with.
func (q *Quote) Stale(now time.Time, validity time.Duration) bool {
	return now.Sub(q.CreatedAt) > validity
}
