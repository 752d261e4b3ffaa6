package loans

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"pegledger/crypto"
)

const (
	// DefaultMaxLoanCents caps a single loan at 10,000.00 tokens.
	DefaultMaxLoanCents = 1_000_000
	// DefaultUnitsPerBaseCurrency is 1e18 atomic units per base-currency unit.
	DefaultUnitsPerBaseCurrency = "1000000000000000000"
)

// Config captures the genesis configuration of the loan ledger.
type Config struct {
	Deployer             string       `toml:"Deployer"`
	MaxLoanCents         uint64       `toml:"MaxLoanCents"`
	UnitsPerBaseCurrency string       `toml:"UnitsPerBaseCurrency"`
	Alloc                []Allocation `toml:"alloc"`
}

// Allocation credits base currency to an account at genesis.
type Allocation struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// Settings is the parsed form of Config consumed by the ledger.
type Settings struct {
	Deployer             crypto.Address
	MaxLoan              *uint256.Int
	UnitsPerBaseCurrency *uint256.Int
	Alloc                []Credit
}

// Credit is a parsed genesis allocation.
type Credit struct {
	Address crypto.Address
	Amount  *uint256.Int
}

// DefaultConfig returns the configuration used when no genesis file is given.
func DefaultConfig() Config {
	return Config{
		MaxLoanCents:         DefaultMaxLoanCents,
		UnitsPerBaseCurrency: DefaultUnitsPerBaseCurrency,
	}
}

// LoadConfig reads a TOML genesis file, filling unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loans: decode genesis: %w", err)
	}
	if cfg.MaxLoanCents == 0 {
		cfg.MaxLoanCents = DefaultMaxLoanCents
	}
	if strings.TrimSpace(cfg.UnitsPerBaseCurrency) == "" {
		cfg.UnitsPerBaseCurrency = DefaultUnitsPerBaseCurrency
	}
	return cfg, nil
}

// Settings validates the configuration and parses it.
func (c Config) Settings() (Settings, error) {
	var out Settings
	if strings.TrimSpace(c.Deployer) == "" {
		return out, fmt.Errorf("loans: deployer address required")
	}
	deployer, err := crypto.DecodeAddress(strings.TrimSpace(c.Deployer))
	if err != nil {
		return out, fmt.Errorf("loans: deployer: %w", err)
	}
	if c.MaxLoanCents == 0 {
		return out, fmt.Errorf("loans: MaxLoanCents must be positive")
	}
	units, err := uint256.FromDecimal(strings.TrimSpace(c.UnitsPerBaseCurrency))
	if err != nil {
		return out, fmt.Errorf("loans: UnitsPerBaseCurrency: %w", err)
	}
	if units.IsZero() {
		return out, fmt.Errorf("loans: UnitsPerBaseCurrency must be positive")
	}
	out.Deployer = deployer
	out.MaxLoan = uint256.NewInt(c.MaxLoanCents)
	out.UnitsPerBaseCurrency = units
	seen := make(map[string]struct{}, len(c.Alloc))
	for i, alloc := range c.Alloc {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return Settings{}, fmt.Errorf("loans: alloc[%d]: %w", i, err)
		}
		if _, dup := seen[addr.String()]; dup {
			return Settings{}, fmt.Errorf("loans: alloc[%d]: duplicate address %s", i, addr)
		}
		seen[addr.String()] = struct{}{}
		amount, err := uint256.FromDecimal(strings.TrimSpace(alloc.Amount))
		if err != nil {
			return Settings{}, fmt.Errorf("loans: alloc[%d] amount: %w", i, err)
		}
		out.Alloc = append(out.Alloc, Credit{Address: addr, Amount: amount})
	}
	return out, nil
}
