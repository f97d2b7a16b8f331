package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arbd"

// PipelineMetrics covers the scan -> simulate -> execute pipeline.
type PipelineMetrics struct {
	ScanDuration        prometheus.Histogram
	ScanCycles          prometheus.Counter
	QuoteFetchErrors    prometheus.Counter
	CacheFallbacks      prometheus.Counter
	OpportunitiesFound  prometheus.Counter
	Simulations         *prometheus.CounterVec
	Executions          *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	GasPriceGwei        prometheus.Histogram
	ConsecutiveFailures prometheus.Gauge
	ProfitUSD           prometheus.Counter
}

// NewPipelineMetrics registers the pipeline collectors with reg. Tests pass
// a throwaway registry to avoid duplicate-registration panics.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of one full opportunity scan",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ScanCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cycles_total",
			Help:      "Total number of scan cycles run",
		}),
		QuoteFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_fetch_errors_total",
			Help:      "Total number of failed quote fetches",
		}),
		CacheFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cache_fallbacks_total",
			Help:      "Scans served from the cached opportunity set after total supplier failure",
		}),
		OpportunitiesFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_found_total",
			Help:      "Candidate opportunities above the profit floor",
		}),
		Simulations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_total",
			Help:      "Simulation verdicts by outcome",
		}, []string{"outcome"}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Execution attempts by outcome",
		}, []string{"outcome"}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Submissions rejected by the execution rate limiter",
		}),
		GasPriceGwei: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gas_price_gwei",
			Help:      "Composed gas price of issued quotes in gwei",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Consecutive failed submissions since the last success",
		}),
		ProfitUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_profit_usd_total",
			Help:      "Cumulative realized profit in USD",
		}),
	}
}
