package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from TOML. A default file is
// written when none exists at the requested path.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	JWTSecret     string `toml:"JWTSecret"`

	Vault   VaultConfig      `toml:"vault"`
	Custody CustodyConfig    `toml:"custody"`
	Genesis []GenesisAccount `toml:"genesis"`
}

// VaultConfig carries the vault parameters applied when the data directory
// is first initialised. Addresses are 0x-prefixed hex.
type VaultConfig struct {
	Address           string   `toml:"Address"`
	Manager           string   `toml:"Manager"`
	Decimals          uint8    `toml:"Decimals"`
	MaxUnlockDuration uint64   `toml:"MaxUnlockDurationSeconds"`
	DepositCap        string   `toml:"DepositCap"`
	MinimumIdle       string   `toml:"MinimumIdle"`
	DefaultQueue      []string `toml:"DefaultQueue"`

	Strategies []StrategyConfig `toml:"strategies"`
}

// StrategyConfig registers a holding strategy at startup. An empty capacity
// means unlimited.
type StrategyConfig struct {
	Address  string `toml:"Address"`
	Capacity string `toml:"Capacity"`
	MaxDebt  string `toml:"MaxDebt"`
}

// CustodyConfig parameterises the rage-quit extension.
type CustodyConfig struct {
	Governor        string `toml:"Governor"`
	CooldownSeconds uint64 `toml:"CooldownSeconds"`
}

// GenesisAccount seeds an asset balance when the data directory is first
// initialised.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Load loads the configuration from the given path, writing and returning
// defaults when the file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./vaultd-data"
	}
	if cfg.Vault.Decimals == 0 {
		cfg.Vault.Decimals = 18
	}
	if cfg.Custody.CooldownSeconds == 0 {
		cfg.Custody.CooldownSeconds = 7 * 24 * 60 * 60
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./vaultd-data",
		Vault: VaultConfig{
			Decimals:          18,
			MaxUnlockDuration: 7 * 24 * 60 * 60,
		},
		Custody: CustodyConfig{
			CooldownSeconds: 7 * 24 * 60 * 60,
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
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

// Validate rejects configurations the daemon cannot start with.
func Validate(cfg *Config) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if cfg.Vault.Decimals > 18 {
		return fmt.Errorf("config: vault decimals above 18 are not supported")
	}
	if len(cfg.Vault.DefaultQueue) > 10 {
		return fmt.Errorf("config: default queue exceeds 10 entries")
	}
	for _, s := range cfg.Vault.Strategies {
		if s.Address == "" {
			return fmt.Errorf("config: strategy entry missing address")
		}
	}
	for _, g := range cfg.Genesis {
		if g.Address == "" || g.Balance == "" {
			return fmt.Errorf("config: genesis entry requires address and balance")
		}
	}
	return nil
}
