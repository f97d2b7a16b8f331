package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crossdex/arbd/config"
	"github.com/crossdex/arbd/events"
	"github.com/crossdex/arbd/pathfinder"
	"github.com/crossdex/arbd/pricegraph"
	"github.com/crossdex/arbd/scanner"
	"github.com/crossdex/arbd/utils"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan cycle and print the candidates",
	Long: `Fetches quotes once, rebuilds the price graph, and prints every
opportunity that clears the profit floor. Nothing is simulated or submitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := utils.GetLogger()

		if err := config.LoadEnv(); err != nil {
			log.Debug("no .env file loaded", zap.Error(err))
		}
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		universe, flashloanTokens, err := config.LoadUniverse(cfg.UniverseFile)
		if err != nil {
			return err
		}

		client, err := ethclient.Dial(config.GetEnvWithDefault(config.EnvRPCURL, cfg.RPCEndpoint))
		if err != nil {
			return fmt.Errorf("failed to connect to Ethereum node: %w", err)
		}
		defer client.Close()

		ctx := cmd.Context()
		graph := pricegraph.New(cfg.StalenessWindow)
		finder := pathfinder.New(graph, cfg.MaxHops, log)

		suppliers, stopSuppliers, err := buildSuppliers(ctx, cfg, client, universe, log)
		if err != nil {
			return err
		}
		defer stopSuppliers()

		scanCfg := scanner.DefaultConfig()
		scanCfg.NotionalUSD = cfg.NotionalUSD
		scanCfg.MinProfitUSD = cfg.MinProfitUSD
		scanCfg.FetchTimeout = cfg.QuoteTimeout
		scan, err := scanner.New(scanCfg, universe, graph, finder, suppliers, events.NewBus(64), nil, log)
		if err != nil {
			return err
		}

		for _, token := range flashloanTokens {
			symbol := token.Hex()
			if t := universe.Token(token); t != nil {
				symbol = t.Symbol
			}

			ops, err := scan.Scan(ctx, token, cfg.MinLiquidityUSD)
			if err != nil {
				return fmt.Errorf("scan for %s failed: %w", symbol, err)
			}
			fmt.Printf("%s: %d candidate(s)\n", symbol, len(ops))
			for _, op := range ops {
				fmt.Printf("  %s  hops=%d  gross=$%.2f  net=$%.2f  risk=%s\n",
					op.ID, len(op.Path), op.GrossProfitUSD, op.NetProfitUSD, op.RiskLevel)
				for _, e := range op.Path {
					fmt.Printf("    %s: %s -> %s @ %.6g (%dbp)\n",
						e.ExchangeName, e.From.Hex(), e.To.Hex(), e.Price, e.FeeBps)
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
