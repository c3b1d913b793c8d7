package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"debtledger/crypto"
	"debtledger/native/lending"
	"debtledger/native/vault"
	"debtledger/storage"
)

// DefaultModuleName derives the ledger custody address when none is set.
const DefaultModuleName = "lending"

// Ledger is the on-disk description of a ledger deployment: where state
// lives, the ledger's bootstrap parameters and the reference collaborators.
type Ledger struct {
	ModuleName string         `toml:"module_name"`
	Storage    Storage        `toml:"storage"`
	Lending    lending.Config `toml:"lending"`
	Vault      Vault          `toml:"vault"`
	DebtToken  DebtToken      `toml:"debt_token"`
	Pauses     Pauses         `toml:"pauses"`
}

// Storage selects the KV backend.
type Storage struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// Vault carries the collateral vault's initial market parameters. Amounts
// are base-10 strings at 18-decimal scale.
type Vault struct {
	Owner         string `toml:"owner"`
	PricePerShare string `toml:"price_per_share"`
	InterestRate  string `toml:"interest_rate"`
	LTVCap        string `toml:"ltv_cap"`
}

// DebtToken configures the debt token owner and the ledger's mint ceiling.
type DebtToken struct {
	Owner       string `toml:"owner"`
	MintCeiling string `toml:"mint_ceiling"`
}

// Pauses lists modules that start paused.
type Pauses struct {
	Lending bool `toml:"lending"`
}

// LoadLedger reads and validates a ledger description. Relative storage
// paths resolve against the config file's directory.
func LoadLedger(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path required")
	}
	cfg := &Ledger{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
	}
	cfg.normalize(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveLedger writes cfg to path, creating parent directories as needed.
func SaveLedger(path string, cfg *Ledger) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Ledger) normalize(baseDir string) {
	c.ModuleName = strings.TrimSpace(c.ModuleName)
	if c.ModuleName == "" {
		c.ModuleName = DefaultModuleName
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendLevelDB
	}
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if c.Storage.Path != "" && !filepath.IsAbs(c.Storage.Path) && baseDir != "" {
		c.Storage.Path = filepath.Join(baseDir, c.Storage.Path)
	}
	c.Lending.Policy = strings.TrimSpace(c.Lending.Policy)
	if c.Lending.Policy == "" {
		c.Lending.Policy = lending.PolicyStandard
	}
}

// Validate checks every section without touching storage.
func (c *Ledger) Validate() error {
	if c == nil {
		return errors.New("configuration is missing")
	}
	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: %s requires a path", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if _, err := c.Lending.InitParams(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	if _, err := c.Vault.Params(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if _, _, err := c.DebtToken.Parse(); err != nil {
		return fmt.Errorf("debt_token: %w", err)
	}
	return nil
}

// LedgerAddress returns the ledger's custody address.
func (c *Ledger) LedgerAddress() crypto.Address {
	return crypto.ModuleAddress(c.ModuleName)
}

// Params decodes the vault section.
func (v Vault) Params() (*vault.Params, error) {
	owner, err := crypto.DecodeAddress(strings.TrimSpace(v.Owner))
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	params := &vault.Params{Owner: owner}
	if params.PricePerShare, err = parseAmount("price_per_share", v.PricePerShare); err != nil {
		return nil, err
	}
	if params.InterestRate, err = parseAmount("interest_rate", v.InterestRate); err != nil {
		return nil, err
	}
	if params.LTVCap, err = parseAmount("ltv_cap", v.LTVCap); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// Parse decodes the token owner and the ledger's mint ceiling.
func (d DebtToken) Parse() (crypto.Address, *uint256.Int, error) {
	owner, err := crypto.DecodeAddress(strings.TrimSpace(d.Owner))
	if err != nil {
		return crypto.Address{}, nil, fmt.Errorf("owner: %w", err)
	}
	ceiling, err := parseAmount("mint_ceiling", d.MintCeiling)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	return owner, ceiling, nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}
