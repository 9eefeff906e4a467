package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Vault.Decimals != 18 {
		t.Fatalf("unexpected decimals: %d", cfg.Vault.Decimals)
	}
	if cfg.Custody.CooldownSeconds != 7*24*60*60 {
		t.Fatalf("unexpected cooldown: %d", cfg.Custody.CooldownSeconds)
	}

	// Loading the file it just wrote must round-trip cleanly.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ListenAddress != cfg.ListenAddress || reloaded.DataDir != cfg.DataDir {
		t.Fatalf("reload mismatch: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	raw := `
ListenAddress = ":9090"

[vault]
Address = "0x0000000000000000000000000000000000000001"
Decimals = 6

[[vault.strategies]]
Address = "0x0000000000000000000000000000000000000021"
MaxDebt = "500000"

[[genesis]]
Address = "0x000000000000000000000000000000000000000a"
Balance = "1000000"
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.DataDir != "./vaultd-data" {
		t.Fatalf("default data dir not applied: %q", cfg.DataDir)
	}
	if cfg.Vault.Decimals != 6 {
		t.Fatalf("unexpected decimals: %d", cfg.Vault.Decimals)
	}
	if len(cfg.Vault.Strategies) != 1 || cfg.Vault.Strategies[0].MaxDebt != "500000" {
		t.Fatalf("strategy entry not parsed: %+v", cfg.Vault.Strategies)
	}
	if len(cfg.Genesis) != 1 || cfg.Genesis[0].Balance != "1000000" {
		t.Fatalf("genesis entry not parsed: %+v", cfg.Genesis)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	cfg := base()
	cfg.Vault.Decimals = 19
	if err := Validate(cfg); err == nil {
		t.Fatal("expected decimals above 18 to be rejected")
	}

	cfg = base()
	cfg.Vault.DefaultQueue = make([]string, 11)
	if err := Validate(cfg); err == nil {
		t.Fatal("expected oversized default queue to be rejected")
	}

	cfg = base()
	cfg.Vault.Strategies = []StrategyConfig{{MaxDebt: "100"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected strategy without address to be rejected")
	}

	cfg = base()
	cfg.Genesis = []GenesisAccount{{Address: "0x000000000000000000000000000000000000000a"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected genesis entry without balance to be rejected")
	}
}
