package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	// Chain and network settings
	ChainID     uint64 `json:"chain_id"`
	RPCEndpoint string `json:"rpc_endpoint"`
	WSEndpoint  string `json:"ws_endpoint"`
	RelayURL    string `json:"relay_url"`
	FeedURL     string `json:"feed_url"`

	// Universe definition
	UniverseFile     string `json:"universe_file"`
	ExecutorContract string `json:"executor_contract"`

	// Constant-product venue wiring, keyed by the venue address from the
	// universe file.
	Factories map[string]FactoryConfig `json:"factories"`

	// USD reference prices for liquidity sizing, keyed by token address.
	// Stablecoins are pinned at 1.
	ReferencePricesUSD map[string]float64 `json:"reference_prices_usd"`

	// Scanning
	ScanInterval    time.Duration `json:"scan_interval"`
	ScanTimeout     time.Duration `json:"scan_timeout"`
	QuoteTimeout    time.Duration `json:"quote_timeout"`
	NotionalUSD     float64       `json:"notional_usd"`
	MinLiquidityUSD float64       `json:"min_liquidity_usd"`
	MinProfitUSD    float64       `json:"min_profit_usd"`
	StalenessWindow time.Duration `json:"staleness_window"`
	MaxHops         int           `json:"max_hops"`

	// Execution limits
	MaxGasGwei           float64       `json:"max_gas_gwei"`
	MinConfidence        float64       `json:"min_confidence"`
	MaxExecutionsPerHour int           `json:"max_executions_per_hour"`
	MinExecutionGap      time.Duration `json:"min_execution_gap"`
	FailureThreshold     int           `json:"failure_threshold"`
	SlippageToleranceBps uint32        `json:"slippage_tolerance_bps"`
	EthPriceUSD          float64       `json:"eth_price_usd"`

	// Rate limits toward suppliers
	QuoteRateLimit  RateLimitConfig `json:"quote_rate_limit"`
	GasPollInterval time.Duration   `json:"gas_poll_interval"`

	// History
	HistoryPath      string `json:"history_path"`
	HistoryRetention int    `json:"history_retention"`

	// Observability
	PrometheusEnabled  bool   `json:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint"`
}

// FactoryConfig locates the pair factory of a constant-product venue.
type FactoryConfig struct {
	Factory      string `json:"factory"`
	InitCodeHash string `json:"init_code_hash"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// SecureConfig holds material that never touches the JSON file.
type SecureConfig struct {
	PrivateKey string
	RelayKey   string
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	return nil
}

func (c *Config) Validate() error {
	var errors []string

	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if c.RPCEndpoint == "" {
		errors = append(errors, "rpc_endpoint must be specified")
	}
	if c.NotionalUSD <= 0 {
		errors = append(errors, "notional_usd must be positive")
	}
	if c.MinProfitUSD <= 0 {
		errors = append(errors, "min_profit_usd must be positive")
	}
	if c.MaxHops < 2 {
		errors = append(errors, "max_hops must be at least 2")
	}
	if c.StalenessWindow <= 0 {
		errors = append(errors, "staleness_window must be positive")
	}
	if c.MaxGasGwei <= 0 {
		errors = append(errors, "max_gas_gwei must be positive")
	}
	if c.MaxExecutionsPerHour <= 0 {
		errors = append(errors, "max_executions_per_hour must be positive")
	}
	if c.MinExecutionGap <= 0 {
		errors = append(errors, "min_execution_gap must be positive")
	}
	if err := c.QuoteRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("quote rate limit error: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		ChainID:              1,
		RPCEndpoint:          "http://localhost:8545",
		WSEndpoint:           "ws://localhost:8546",
		RelayURL:             "https://relay.flashbots.net",
		UniverseFile:         "universe.yaml",
		ScanInterval:         10 * time.Second,
		ScanTimeout:          8 * time.Second,
		QuoteTimeout:         2 * time.Second,
		NotionalUSD:          100_000,
		MinLiquidityUSD:      10_000,
		MinProfitUSD:         50,
		StalenessWindow:      30 * time.Second,
		MaxHops:              4,
		MaxGasGwei:           300,
		MinConfidence:        60,
		MaxExecutionsPerHour: 10,
		MinExecutionGap:      30 * time.Second,
		FailureThreshold:     3,
		SlippageToleranceBps: 50,
		EthPriceUSD:          2500,
		QuoteRateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
		GasPollInterval:    12 * time.Second,
		HistoryPath:        "arbd-history.db",
		HistoryRetention:   100,
		PrometheusEnabled:  false,
		PrometheusEndpoint: "",
	}
}

func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".arbd.json")
	}

	file, err := os.Open(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := DefaultConfig()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(home, ".arbd.json")
	}

	file, err := os.Create(cfgFile)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	return encoder.Encode(cfg)
}

// LoadSecureConfig pulls signing material from the environment only.
func LoadSecureConfig() (*SecureConfig, error) {
	privateKey, err := GetRequiredEnv(EnvPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key not found: %w", err)
	}

	// The relay identity key is optional; without it public broadcast
	// still works and private routing is disabled.
	relayKey := os.Getenv(EnvRelayKey)

	return &SecureConfig{
		PrivateKey: privateKey,
		RelayKey:   relayKey,
	}, nil
}
