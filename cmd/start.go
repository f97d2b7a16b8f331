package cmd

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/bot"
	"github.com/crossdex/arbd/broadcast"
	"github.com/crossdex/arbd/config"
	"github.com/crossdex/arbd/events"
	"github.com/crossdex/arbd/execution"
	"github.com/crossdex/arbd/flashloan"
	"github.com/crossdex/arbd/gas"
	"github.com/crossdex/arbd/history"
	"github.com/crossdex/arbd/mempool"
	"github.com/crossdex/arbd/pathfinder"
	"github.com/crossdex/arbd/pricegraph"
	"github.com/crossdex/arbd/scanner"
	"github.com/crossdex/arbd/simulator"
	"github.com/crossdex/arbd/types"
	"github.com/crossdex/arbd/utils"
	"github.com/crossdex/arbd/utils/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the arbitrage pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()

		if err := config.LoadEnv(); err != nil {
			log.Debug("no .env file loaded", zap.Error(err))
		}
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			log.Fatal("Failed to load configuration", zap.Error(err))
		}
		secure, err := config.LoadSecureConfig()
		if err != nil {
			log.Fatal("Failed to load signing key", zap.Error(err))
		}
		signingKey, err := crypto.HexToECDSA(strings.TrimPrefix(secure.PrivateKey, "0x"))
		if err != nil {
			log.Fatal("Invalid signing key", zap.Error(err))
		}

		universe, flashloanTokens, err := config.LoadUniverse(cfg.UniverseFile)
		if err != nil {
			log.Fatal("Failed to load universe", zap.Error(err))
		}

		client, err := ethclient.Dial(config.GetEnvWithDefault(config.EnvRPCURL, cfg.RPCEndpoint))
		if err != nil {
			log.Fatal("Failed to connect to Ethereum node", zap.Error(err))
		}
		defer client.Close()

		ctx := cmd.Context()

		graph := pricegraph.New(cfg.StalenessWindow)
		finder := pathfinder.New(graph, cfg.MaxHops, log)
		bus := events.NewBus(64)
		met := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

		suppliers, stopSuppliers, err := buildSuppliers(ctx, cfg, client, universe, log)
		if err != nil {
			log.Fatal("Failed to build quote suppliers", zap.Error(err))
		}
		defer stopSuppliers()

		loans := flashloan.NewRegistry()
		feeRate := scanner.DefaultConfig().FlashLoanFeeRate
		if provider, err := loans.Cheapest(flashloanTokens[0], cfg.NotionalUSD); err == nil {
			feeRate = provider.FeeRate
			log.Info("flashloan provider selected",
				zap.String("provider", provider.Name),
				zap.Float64("fee_rate", provider.FeeRate))
		}

		scanCfg := scanner.DefaultConfig()
		scanCfg.NotionalUSD = cfg.NotionalUSD
		scanCfg.MinProfitUSD = cfg.MinProfitUSD
		scanCfg.FlashLoanFeeRate = feeRate
		scanCfg.FetchTimeout = cfg.QuoteTimeout
		scanCfg.QuotesPerSecond = cfg.QuoteRateLimit.RequestsPerSecond
		scanCfg.QuoteBurst = cfg.QuoteRateLimit.BurstSize
		scan, err := scanner.New(scanCfg, universe, graph, finder, suppliers, bus, met, log)
		if err != nil {
			log.Fatal("Failed to create scanner", zap.Error(err))
		}

		gasCtl := gas.NewController(gas.DefaultConfig(), log)
		go gasCtl.Poll(ctx, gas.NewEthFeeSource(client), cfg.GasPollInterval)
		go mempool.NewWatcher(client, gasCtl, log).Run(ctx, cfg.GasPollInterval)

		simCfg := simulator.DefaultConfig()
		simCfg.MinProfitUSD = cfg.MinProfitUSD
		simCfg.FlashLoanFeeRate = feeRate
		sim := simulator.New(simCfg, simulator.NewEthBackend(client), log)

		store, err := history.Open(cfg.HistoryPath, cfg.HistoryRetention, log)
		if err != nil {
			log.Fatal("Failed to open history store", zap.Error(err))
		}
		defer store.Close()

		builder := execution.NewSignerBuilder(
			new(big.Int).SetUint64(cfg.ChainID),
			signingKey,
			common.HexToAddress(cfg.ExecutorContract),
			client,
		)
		public := broadcast.NewRPCBroadcaster(client)
		var relay broadcast.Broadcaster
		if secure.RelayKey != "" {
			relayKey, err := crypto.HexToECDSA(strings.TrimPrefix(secure.RelayKey, "0x"))
			if err != nil {
				log.Fatal("Invalid relay key", zap.Error(err))
			}
			relay = broadcast.NewRelayBroadcaster(cfg.RelayURL, relayKey)
		}

		gateCfg := execution.DefaultConfig()
		gateCfg.MaxGasGwei = cfg.MaxGasGwei
		gateCfg.MinProfitUSD = cfg.MinProfitUSD
		gateCfg.MinConfidence = cfg.MinConfidence
		gateCfg.MaxExecutionsPerHour = cfg.MaxExecutionsPerHour
		gateCfg.MinExecutionGap = cfg.MinExecutionGap
		gateCfg.FailureThreshold = cfg.FailureThreshold
		gateCfg.SlippageToleranceBps = cfg.SlippageToleranceBps
		gateCfg.EthPriceUSD = cfg.EthPriceUSD
		gate, err := execution.New(gateCfg, sim, gasCtl, builder, public, relay, store, bus, met, log)
		if err != nil {
			log.Fatal("Failed to create execution gate", zap.Error(err))
		}

		botCfg := bot.DefaultConfig()
		botCfg.ScanInterval = cfg.ScanInterval
		botCfg.ScanTimeout = cfg.ScanTimeout
		botCfg.MinLiquidityUSD = cfg.MinLiquidityUSD
		botCfg.EmergencyThreshold = cfg.FailureThreshold
		runner, err := bot.New(botCfg, scan, gate, gasCtl, store, flashloanTokens, log)
		if err != nil {
			log.Fatal("Failed to create bot", zap.Error(err))
		}

		go consumeEvents(bus, log)
		if cfg.PrometheusEnabled && cfg.PrometheusEndpoint != "" {
			go serveMetrics(cfg.PrometheusEndpoint, log)
		}

		runner.Start(ctx)
		log.Info("arbd started",
			zap.Int("tokens", len(universe.Tokens())),
			zap.Int("flashloan_tokens", len(flashloanTokens)))

		<-ctx.Done()
		log.Info("Shutting down gracefully...")
		runner.Stop()
		bus.Close()
	},
}

// buildSuppliers wires the on-chain reserve reader and, when configured,
// the push feed.
func buildSuppliers(ctx context.Context, cfg *config.Config, client *ethclient.Client,
	universe *types.Universe, log *zap.Logger) ([]scanner.QuoteSupplier, func(), error) {

	chain, err := scanner.NewChainSupplier("onchain", client, universe)
	if err != nil {
		return nil, nil, err
	}
	for venue, fc := range cfg.Factories {
		chain.RegisterFactory(
			common.HexToAddress(venue),
			common.HexToAddress(fc.Factory),
			common.FromHex(fc.InitCodeHash),
		)
	}
	for token, usd := range cfg.ReferencePricesUSD {
		chain.SetReferencePrice(common.HexToAddress(token), usd)
	}

	suppliers := []scanner.QuoteSupplier{chain}
	stop := func() {}
	if cfg.FeedURL != "" {
		feed := scanner.NewFeedSupplier("feed", cfg.FeedURL, log)
		if err := feed.Start(ctx); err != nil {
			return nil, nil, err
		}
		suppliers = append(suppliers, feed)
		stop = feed.Stop
	}
	return suppliers, stop, nil
}

func consumeEvents(bus *events.Bus, log *zap.Logger) {
	for ev := range bus.Events() {
		fields := []zap.Field{
			zap.String("kind", ev.Kind.String()),
			zap.String("opportunity", ev.OpportunityID),
		}
		if ev.TxHash != "" {
			fields = append(fields, zap.String("tx", ev.TxHash))
		}
		if ev.ProfitUSD != 0 {
			fields = append(fields, zap.Float64("profit_usd", ev.ProfitUSD))
		}
		if ev.Detail != "" {
			fields = append(fields, zap.String("detail", ev.Detail))
		}
		if ev.Kind == events.EmergencyConditionRaised {
			log.Error("pipeline event", fields...)
		} else {
			log.Info("pipeline event", fields...)
		}
	}
}

func serveMetrics(endpoint string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(endpoint, mux); err != nil {
		log.Error("metrics endpoint failed", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
