package gas

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bounds the controller's composition and clamping.
type Config struct {
	MinGasPriceGwei     float64
	MinPriorityFeeGwei  float64
	MaxPriorityFeeGwei  float64
	LargeNotionalUSD    float64 // above this, high urgency forces mev-protection
	BaselineBaseFeeGwei float64 // congestion reference point
	DefaultGasLimit     uint64
	WindowSize          int           // samples kept per rolling window
	MEVWindow           time.Duration // risk signal horizon
	QuoteValidity       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinGasPriceGwei:     1,
		MinPriorityFeeGwei:  0.1,
		MaxPriorityFeeGwei:  50,
		LargeNotionalUSD:    250_000,
		BaselineBaseFeeGwei: 20,
		DefaultGasLimit:     600_000,
		WindowSize:          60,
		MEVWindow:           5 * time.Minute,
		QuoteValidity:       5 * time.Second,
	}
}

// Request describes one transaction needing a gas decision.
type Request struct {
	Urgency      Urgency
	Category     Category
	NotionalUSD  float64
	PrivateRelay bool // explicit operator request
}

type sample struct {
	value float64
	at    time.Time
}

// window is a fixed-length rolling sample buffer. Stale samples fall out on
// read, so the derived metrics decay naturally without a reset.
type window struct {
	maxLen  int
	maxAge  time.Duration
	samples []sample
}

func newWindow(maxLen int, maxAge time.Duration) *window {
	return &window{maxLen: maxLen, maxAge: maxAge}
}

func (w *window) add(v float64, now time.Time) {
	w.prune(now)
	w.samples = append(w.samples, sample{value: v, at: now})
	if len(w.samples) > w.maxLen {
		w.samples = w.samples[len(w.samples)-w.maxLen:]
	}
}

func (w *window) prune(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	cut := 0
	for cut < len(w.samples) && now.Sub(w.samples[cut].at) > w.maxAge {
		cut++
	}
	w.samples = w.samples[cut:]
}

func (w *window) avg(now time.Time) float64 {
	w.prune(now)
	if len(w.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range w.samples {
		sum += s.value
	}
	return sum / float64(len(w.samples))
}

func (w *window) max(now time.Time) float64 {
	w.prune(now)
	max := 0.0
	for _, s := range w.samples {
		if s.value > max {
			max = s.value
		}
	}
	return max
}

func (w *window) clear() {
	w.samples = nil
}

// Controller maintains rolling network-condition metrics and prices gas
// quotes. Critical sections are short and never span a network call.
type Controller struct {
	mu           sync.Mutex
	cfg          Config
	baseFees     *window
	priorityFees *window
	mevRisk      *window
	volatility   *window
	lastBaseFee  float64
	logger       *zap.Logger

	now func() time.Time
}

func NewController(cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:          cfg,
		baseFees:     newWindow(cfg.WindowSize, 0),
		priorityFees: newWindow(cfg.WindowSize, 0),
		mevRisk:      newWindow(cfg.WindowSize, cfg.MEVWindow),
		volatility:   newWindow(cfg.WindowSize, 0),
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// RecordNetworkSample feeds one base-fee/priority-fee observation. The
// relative base-fee move is folded into the volatility window.
func (c *Controller) RecordNetworkSample(baseFeeGwei, priorityFeeGwei float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.baseFees.add(baseFeeGwei, now)
	c.priorityFees.add(priorityFeeGwei, now)
	if c.lastBaseFee > 0 {
		move := math.Abs(baseFeeGwei-c.lastBaseFee) / c.lastBaseFee * 100
		c.volatility.add(move, now)
	}
	c.lastBaseFee = baseFeeGwei
}

// RecordMEVSignal feeds one MEV-risk observation in [0,100]: a detected
// gas spike, a priority-fee spike, or activity from a known adversarial
// address.
func (c *Controller) RecordMEVSignal(score float64) {
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mevRisk.add(score, c.now())
}

// Congestion derives a [0,100] network-load score from the base-fee window
// relative to the configured baseline.
func (c *Controller) Congestion() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.congestionLocked()
}

func (c *Controller) congestionLocked() float64 {
	avg := c.baseFees.avg(c.now())
	if avg == 0 {
		return 0
	}
	score := avg / c.cfg.BaselineBaseFeeGwei * 50
	if score > 100 {
		score = 100
	}
	return score
}

// MEVRisk is the strongest signal still inside the risk window.
func (c *Controller) MEVRisk() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mevRisk.max(c.now())
}

// AdminClear drops all windows. The only supported explicit reset.
func (c *Controller) AdminClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseFees.clear()
	c.priorityFees.clear()
	c.mevRisk.clear()
	c.volatility.clear()
	c.lastBaseFee = 0
}

// QuoteValidity exposes the window after which quotes must be re-derived.
func (c *Controller) QuoteValidity() time.Duration {
	return c.cfg.QuoteValidity
}

// Quote selects a strategy for the request and composes its price from the
// current windows. The composed gas price is clamped to
// [MinGasPriceGwei, strategy max] and the priority fee to
// [MinPriorityFeeGwei, MaxPriorityFeeGwei].
func (c *Controller) Quote(req *Request) *Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	congestion := c.congestionLocked()
	mev := c.mevRisk.max(now)
	vol := c.volatility.avg(now)

	baseFee := c.baseFees.avg(now)
	if baseFee == 0 {
		baseFee = c.cfg.BaselineBaseFeeGwei
	}
	priority := c.priorityFees.avg(now)
	if priority == 0 {
		priority = c.cfg.MinPriorityFeeGwei
	}

	strategy := selectStrategy(req, congestion, mev, c.cfg.LargeNotionalUSD)
	params := strategyTable[strategy]

	// Tier adjustments compose multiplicatively; each one is bounded.
	adj := congestionTier(congestion) * mevTier(mev) * sizeTier(req.NotionalUSD) * volatilityTier(vol)

	gasPrice := clamp(baseFee*params.baseMultiplier*adj, c.cfg.MinGasPriceGwei, params.maxGasPriceGwei)
	priorityFee := clamp(priority*params.priorityMultiplier*adj, c.cfg.MinPriorityFeeGwei, c.cfg.MaxPriorityFeeGwei)

	confidence := clamp(100-congestion/2-mev/4, 10, 99)

	q := &Quote{
		Strategy:        strategy,
		BaseFeeGwei:     gasPrice,
		PriorityFeeGwei: priorityFee,
		GasLimit:        c.cfg.DefaultGasLimit,
		Confidence:      confidence,
		EstConfirmation: time.Duration(params.targetBlocks) * 12 * time.Second,
		CreatedAt:       now,
	}
	c.logger.Debug("gas quote issued",
		zap.String("strategy", strategy.String()),
		zap.Float64("gas_price_gwei", q.GasPriceGwei()),
		zap.Float64("congestion", congestion),
		zap.Float64("mev_risk", mev))
	return q
}

// selectStrategy applies the priority-ordered rules; the first match wins.
func selectStrategy(req *Request, congestion, mevRisk, largeNotional float64) Strategy {
	switch {
	case req.PrivateRelay:
		return PrivateRelay
	case req.Urgency == UrgencyHigh && req.NotionalUSD > largeNotional:
		return MEVProtection
	case mevRisk > 60:
		return MEVProtection
	case congestion > 85:
		return Aggressive
	}
	switch req.Category {
	case CategoryArbitrage:
		if congestion > 50 {
			return Fast
		}
		return Standard
	default:
		if congestion > 70 {
			return Standard
		}
		return Eco
	}
}

func congestionTier(congestion float64) float64 {
	switch {
	case congestion > 75:
		return 1.25
	case congestion > 50:
		return 1.12
	case congestion > 25:
		return 1.05
	default:
		return 1.0
	}
}

func mevTier(risk float64) float64 {
	switch {
	case risk > 80:
		return 1.20
	case risk > 60:
		return 1.15
	case risk > 40:
		return 1.10
	case risk > 20:
		return 1.05
	default:
		return 1.0
	}
}

func sizeTier(notionalUSD float64) float64 {
	switch {
	case notionalUSD > 1_000_000:
		return 1.15
	case notionalUSD > 100_000:
		return 1.10
	case notionalUSD > 10_000:
		return 1.05
	default:
		return 1.0
	}
}

func volatilityTier(vol float64) float64 {
	switch {
	case vol > 60:
		return 1.20
	case vol > 30:
		return 1.10
	case vol > 10:
		return 1.05
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
