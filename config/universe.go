package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/crossdex/arbd/types"
)

// UniverseFile is the on-disk definition of the fixed token and venue set.
type UniverseFile struct {
	Tokens          []TokenDef    `yaml:"tokens"`
	Exchanges       []ExchangeDef `yaml:"exchanges"`
	FlashloanTokens []string      `yaml:"flashloan_tokens"`
}

type TokenDef struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	ChainID  uint64 `yaml:"chain_id"`
}

type ExchangeDef struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	FeeBps  uint32 `yaml:"fee_bps"`
	Kind    string `yaml:"kind"`
	Active  *bool  `yaml:"active"`
}

// LoadUniverse parses the YAML universe file and registers its contents.
// The flashloan token list is returned separately; every entry must be a
// registered token.
func LoadUniverse(path string) (*types.Universe, []common.Address, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	return ParseUniverse(raw)
}

// ParseUniverse builds a Universe from YAML bytes.
func ParseUniverse(raw []byte) (*types.Universe, []common.Address, error) {
	var file UniverseFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse universe file: %w", err)
	}
	if len(file.Tokens) < 2 {
		return nil, nil, fmt.Errorf("universe needs at least two tokens, got %d", len(file.Tokens))
	}
	if len(file.Exchanges) == 0 {
		return nil, nil, fmt.Errorf("universe needs at least one exchange")
	}

	universe := types.NewUniverse()
	for _, def := range file.Tokens {
		addr, err := parseAddress(def.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("token %q: %w", def.Symbol, err)
		}
		if def.Symbol == "" {
			return nil, nil, fmt.Errorf("token %s has no symbol", def.Address)
		}
		chainID := def.ChainID
		if chainID == 0 {
			chainID = 1
		}
		if err := universe.RegisterToken(&types.Token{
			Address:  addr,
			Symbol:   def.Symbol,
			Decimals: def.Decimals,
			ChainID:  chainID,
		}); err != nil {
			return nil, nil, err
		}
	}

	for _, def := range file.Exchanges {
		addr, err := parseAddress(def.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("exchange %q: %w", def.Name, err)
		}
		kind, err := parseExchangeKind(def.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("exchange %q: %w", def.Name, err)
		}
		active := true
		if def.Active != nil {
			active = *def.Active
		}
		if err := universe.RegisterExchange(&types.Exchange{
			Address: addr,
			Name:    def.Name,
			FeeBps:  def.FeeBps,
			Kind:    kind,
			Active:  active,
		}); err != nil {
			return nil, nil, err
		}
	}

	var flashloan []common.Address
	for _, s := range file.FlashloanTokens {
		addr, err := parseAddress(s)
		if err != nil {
			return nil, nil, fmt.Errorf("flashloan token: %w", err)
		}
		if universe.Token(addr) == nil {
			return nil, nil, fmt.Errorf("flashloan token %s is not in the universe", s)
		}
		flashloan = append(flashloan, addr)
	}
	if len(flashloan) == 0 {
		return nil, nil, fmt.Errorf("universe names no flashloan tokens")
	}

	return universe, flashloan, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseExchangeKind(s string) (types.ExchangeKind, error) {
	switch strings.ToLower(s) {
	case "", "constant-product":
		return types.ConstantProduct, nil
	case "concentrated-liquidity":
		return types.ConcentratedLiquidity, nil
	case "stable", "stable-swap":
		return types.StableSwap, nil
	case "weighted":
		return types.Weighted, nil
	default:
		return 0, fmt.Errorf("unknown exchange kind %q", s)
	}
}
