package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/crossdex/arbd/utils"
)

var (
	cfgFile string
	logDir  string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "arbd",
	Short: "A cross-exchange arbitrage pipeline",
	Long: `arbd continuously scans a fixed token universe for cross-exchange
price discrepancies, prices each candidate against gas, flashloan fee, and
slippage, and submits only the trades that clear the configured profit,
confidence, and rate-limit gates.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.arbd.json)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", ".", "directory for log files")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	utils.InitLoggerAt(debug, logDir)
}
