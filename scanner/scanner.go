package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crossdex/arbd/events"
	"github.com/crossdex/arbd/pathfinder"
	"github.com/crossdex/arbd/pricegraph"
	"github.com/crossdex/arbd/types"
	"github.com/crossdex/arbd/utils/metrics"
)

// Config tunes the scanner's cost model and output shaping.
type Config struct {
	NotionalUSD      float64       // capital borrowed per candidate
	FlashLoanFeeRate float64       // provider flat fee rate, e.g. 0.0009
	GasCostUSD       float64       // fixed per-trade gas estimate
	SlippageFactor   float64       // scales notional/liquidity into a USD cost
	MinProfitUSD     float64       // absolute floor, candidates below are dropped
	MaxResults       int           // result list cap
	FetchTimeout     time.Duration // per-quote hard timeout
	CacheMaxAge      time.Duration // staleness bound for the fallback set
	QuotesPerSecond  float64       // outbound quote fetch rate
	QuoteBurst       int
	DedupeSize       int
}

func DefaultConfig() Config {
	return Config{
		NotionalUSD:      100_000,
		FlashLoanFeeRate: 0.0009, // Aave v3
		GasCostUSD:       40,
		SlippageFactor:   0.5,
		MinProfitUSD:     50,
		MaxResults:       10,
		FetchTimeout:     2 * time.Second,
		CacheMaxAge:      2 * time.Minute,
		QuotesPerSecond:  50,
		QuoteBurst:       100,
		DedupeSize:       512,
	}
}

// Scanner refreshes the price graph from quote suppliers and derives
// candidate opportunities: a two-leg fast path per pair, falling back to the
// multi-hop negative-cycle finder when the fast path yields nothing above
// the profit floor.
type Scanner struct {
	cfg       Config
	universe  *types.Universe
	graph     *pricegraph.Graph
	finder    *pathfinder.Finder
	suppliers []QuoteSupplier
	limiter   *rate.Limiter
	seen      *lru.Cache
	bus       *events.Bus
	met       *metrics.PipelineMetrics
	logger    *zap.Logger

	cached   []*types.Opportunity
	cachedAt time.Time

	now func() time.Time
}

func New(cfg Config, universe *types.Universe, graph *pricegraph.Graph, finder *pathfinder.Finder,
	suppliers []QuoteSupplier, bus *events.Bus, met *metrics.PipelineMetrics, logger *zap.Logger) (*Scanner, error) {

	seen, err := lru.New(cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		cfg:       cfg,
		universe:  universe,
		graph:     graph,
		finder:    finder,
		suppliers: suppliers,
		limiter:   rate.NewLimiter(rate.Limit(cfg.QuotesPerSecond), cfg.QuoteBurst),
		seen:      seen,
		bus:       bus,
		met:       met,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (s *Scanner) SetClock(now func() time.Time) { s.now = now }

// Scan refreshes the graph and returns candidates sorted by estimated net
// profit, capped at MaxResults. Total supplier failure falls back to the
// last cached set while it is younger than CacheMaxAge; an empty result is
// not an error.
func (s *Scanner) Scan(ctx context.Context, flashloanToken common.Address, minLiquidityUSD float64) ([]*types.Opportunity, error) {
	start := s.now()
	if s.met != nil {
		s.met.ScanCycles.Inc()
		defer func() {
			s.met.ScanDuration.Observe(s.now().Sub(start).Seconds())
		}()
	}

	ok, err := s.refreshGraph(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if s.met != nil {
			s.met.CacheFallbacks.Inc()
		}
		if s.now().Sub(s.cachedAt) <= s.cfg.CacheMaxAge && len(s.cached) > 0 {
			s.logger.Warn("all quote suppliers failed, serving cached opportunities",
				zap.Int("cached", len(s.cached)),
				zap.Duration("age", s.now().Sub(s.cachedAt)))
			return append([]*types.Opportunity{}, s.cached...), nil
		}
		s.logger.Warn("all quote suppliers failed and cache is stale")
		return nil, nil
	}

	candidates := s.twoLegCandidates(flashloanToken, minLiquidityUSD)
	if best := bestNetProfit(candidates); best < s.cfg.MinProfitUSD {
		candidates = append(candidates, s.multiHopCandidates(flashloanToken, minLiquidityUSD)...)
	}

	out := candidates[:0]
	for _, c := range candidates {
		if c.NetProfitUSD >= s.cfg.MinProfitUSD {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetProfitUSD > out[j].NetProfitUSD })
	if len(out) > s.cfg.MaxResults {
		out = out[:s.cfg.MaxResults]
	}

	for _, opp := range out {
		if s.met != nil {
			s.met.OpportunitiesFound.Inc()
		}
		sig := pathSignature(opp.Path)
		if _, dup := s.seen.Get(sig); !dup {
			s.seen.Add(sig, struct{}{})
			if s.bus != nil {
				s.bus.Publish(events.Event{
					Kind:          events.OpportunityFound,
					OpportunityID: opp.ID,
					ProfitUSD:     opp.NetProfitUSD,
				})
			}
		}
	}

	s.cached = append([]*types.Opportunity{}, out...)
	s.cachedAt = s.now()
	return out, nil
}

// refreshGraph pulls quotes for every ordered pair on every active venue.
// Partial failure is tolerated; the return flag is false only when every
// single fetch failed.
func (s *Scanner) refreshGraph(ctx context.Context) (bool, error) {
	tokens := s.universe.Tokens()
	exchanges := s.universe.ActiveExchanges()

	var attempts, successes int
	for _, ex := range exchanges {
		for _, in := range tokens {
			for _, out := range tokens {
				if in.Address == out.Address {
					continue
				}
				attempts++
				q, err := s.fetchQuote(ctx, in.Address, out.Address, ex)
				if err != nil {
					if ctx.Err() != nil {
						return false, ctx.Err()
					}
					if s.met != nil {
						s.met.QuoteFetchErrors.Inc()
					}
					s.logger.Debug("quote fetch failed",
						zap.String("pair", in.Symbol+"/"+out.Symbol),
						zap.String("exchange", ex.Name),
						zap.Error(err))
					continue
				}
				successes++
				observed := q.ObservedAt
				if observed.IsZero() {
					observed = s.now()
				}
				s.graph.UpsertEdge(&types.Edge{
					From:         in.Address,
					To:           out.Address,
					Exchange:     ex.Address,
					ExchangeName: ex.Name,
					Price:        q.Price,
					LiquidityUSD: q.LiquidityUSD,
					FeeBps:       ex.FeeBps,
					ObservedAt:   observed,
				})
			}
		}
	}
	return attempts == 0 || successes > 0, nil
}

// fetchQuote asks each supplier in order until one succeeds.
func (s *Scanner) fetchQuote(ctx context.Context, in, out common.Address, ex *types.Exchange) (*Quote, error) {
	var lastErr error
	for _, sup := range s.suppliers {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		q, err := sup.FetchQuote(fctx, in, out, ex)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return q, nil
	}
	return nil, lastErr
}

// twoLegCandidates pairs the best buy edge with the best sell edge per
// counter token: buy where the venue-adjusted rate is highest, sell back the
// same way.
func (s *Scanner) twoLegCandidates(base common.Address, minLiquidityUSD float64) []*types.Opportunity {
	var out []*types.Opportunity
	for _, tok := range s.universe.Tokens() {
		if tok.Address == base {
			continue
		}
		buy := bestEdge(s.graph.EdgesBetween(base, tok.Address), minLiquidityUSD)
		sell := bestEdge(s.graph.EdgesBetween(tok.Address, base), minLiquidityUSD)
		if buy == nil || sell == nil || buy.Exchange == sell.Exchange {
			continue
		}
		if opp := s.buildOpportunity(base, []*types.Edge{buy, sell}); opp != nil {
			out = append(out, opp)
		}
	}
	return out
}

func (s *Scanner) multiHopCandidates(base common.Address, minLiquidityUSD float64) []*types.Opportunity {
	var out []*types.Opportunity
	for _, p := range s.finder.FindCycles(base) {
		if minPathLiquidity(p.Edges) < minLiquidityUSD {
			continue
		}
		if opp := s.buildOpportunity(base, p.Edges); opp != nil {
			out = append(out, opp)
		}
	}
	return out
}

// buildOpportunity prices a cycle with the scanner's flat cost model:
// flashloan fee, fixed gas estimate, and slippage proportional to
// notional over the thinnest pool on the path.
func (s *Scanner) buildOpportunity(base common.Address, path []*types.Edge) *types.Opportunity {
	rate := 1.0
	for _, e := range path {
		rate *= e.EffectiveRate()
	}
	if rate <= 1 {
		return nil
	}
	notional := s.cfg.NotionalUSD
	gross := notional * (rate - 1)

	liquidity := minPathLiquidity(path)
	slippage := notional * (notional / liquidity) * s.cfg.SlippageFactor
	net := gross - notional*s.cfg.FlashLoanFeeRate - s.cfg.GasCostUSD - slippage

	createdAt := s.now()
	return &types.Opportunity{
		ID:             types.NewOpportunityID(path, notional, createdAt),
		Path:           append([]*types.Edge{}, path...),
		StartToken:     base,
		NotionalUSD:    notional,
		GrossProfitUSD: gross,
		NetProfitUSD:   net,
		RiskLevel:      classifyRisk(len(path), notional/liquidity),
		CreatedAt:      createdAt,
	}
}

func classifyRisk(hops int, utilization float64) types.RiskLevel {
	switch {
	case utilization > 0.5 || hops > 3:
		return types.RiskHigh
	case utilization > 0.1 || hops > 2:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

func bestEdge(edges []*types.Edge, minLiquidityUSD float64) *types.Edge {
	var best *types.Edge
	for _, e := range edges {
		if e.LiquidityUSD < minLiquidityUSD {
			continue
		}
		if best == nil || e.EffectiveRate() > best.EffectiveRate() {
			best = e
		}
	}
	return best
}

func minPathLiquidity(path []*types.Edge) float64 {
	min := path[0].LiquidityUSD
	for _, e := range path[1:] {
		if e.LiquidityUSD < min {
			min = e.LiquidityUSD
		}
	}
	return min
}

func bestNetProfit(ops []*types.Opportunity) float64 {
	best := 0.0
	for _, o := range ops {
		if o.NetProfitUSD > best {
			best = o.NetProfitUSD
		}
	}
	return best
}

func pathSignature(path []*types.Edge) string {
	sig := ""
	for _, e := range path {
		sig += e.From.Hex() + e.Exchange.Hex()
	}
	return sig
}
