package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"vaultd/config"
	"vaultd/core/events"
	"vaultd/core/types"
	"vaultd/native/custody"
	"vaultd/native/vault"
	"vaultd/observability/logging"
	"vaultd/rpc"
	"vaultd/storage"
	"vaultd/storage/vaultstore"
)

const jwtSecretEnv = "VAULTD_JWT_SECRET"

// logEmitter forwards module events to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	args := []any{"event", evt.EventType()}
	if typed, ok := evt.(interface{ Event() *types.Event }); ok && typed.Event() != nil {
		for key, value := range typed.Event().Attributes {
			args = append(args, key, value)
		}
	}
	l.logger.Info("module event", args...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VAULTD_ENV"))
	logger := logging.Setup("vaultd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	jwtSecret := cfg.JWTSecret
	if fromEnv := strings.TrimSpace(os.Getenv(jwtSecretEnv)); fromEnv != "" {
		jwtSecret = fromEnv
	}
	if jwtSecret == "" {
		logger.Warn("no JWT secret configured, admin endpoints are unauthenticated")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "err", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "vaultd.db"))
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store := vaultstore.New(db)
	asset := vaultstore.NewAssetLedger(store)

	vaultAddr, err := resolveAddress(cfg.Vault.Address, 0x01)
	if err != nil {
		logger.Error("invalid vault address", "err", err)
		os.Exit(1)
	}
	manager, err := resolveAddress(cfg.Vault.Manager, 0x02)
	if err != nil {
		logger.Error("invalid manager address", "err", err)
		os.Exit(1)
	}
	governor, err := resolveAddress(cfg.Custody.Governor, 0x03)
	if err != nil {
		logger.Error("invalid governor address", "err", err)
		os.Exit(1)
	}

	engine := vault.NewEngine(vaultAddr, manager)
	engine.SetState(store)
	engine.SetAsset(asset)
	engine.SetEmitter(logEmitter{logger: logging.Component(logger, "vault")})

	custodian := custody.NewEngine(governor, cfg.Custody.CooldownSeconds)
	custodian.SetState(store)
	custodian.SetVault(engine)
	custodian.SetEmitter(logEmitter{logger: logging.Component(logger, "custody")})

	if err := bootstrap(cfg, store, asset, engine, manager); err != nil {
		logger.Error("failed to initialise ledger", "err", err)
		os.Exit(1)
	}

	auth := rpc.NewAuthenticator(jwtSecret, logger)
	server := rpc.NewServer(engine, custodian, asset, store, auth, logging.Component(logger, "rpc"))

	logger.Info("vaultd listening",
		"address", cfg.ListenAddress,
		"vault", ethcommon.BytesToAddress(vaultAddr[:]).Hex(),
		"dataDir", cfg.DataDir)
	if err := http.ListenAndServe(cfg.ListenAddress, server.Router()); err != nil {
		logger.Error("http server stopped", "err", err)
		os.Exit(1)
	}
}

// bootstrap seeds the vault state, genesis balances and configured strategies
// on first run, and re-attaches strategy ports on every start.
func bootstrap(cfg *config.Config, store *vaultstore.Store, asset *vaultstore.AssetLedger, engine *vault.Engine, manager [20]byte) error {
	initialised, err := store.VaultInitialised()
	if err != nil {
		return err
	}

	if !initialised {
		depositCap, err := optionalAmount(cfg.Vault.DepositCap, vault.UnlimitedCap())
		if err != nil {
			return fmt.Errorf("deposit cap: %w", err)
		}
		minimumIdle, err := optionalAmount(cfg.Vault.MinimumIdle, big.NewInt(0))
		if err != nil {
			return fmt.Errorf("minimum idle: %w", err)
		}
		state := &vault.State{
			IdleReserve:       big.NewInt(0),
			TotalDebt:         big.NewInt(0),
			TotalSupply:       big.NewInt(0),
			Decimals:          cfg.Vault.Decimals,
			DepositCap:        depositCap,
			MinimumIdle:       minimumIdle,
			MaxUnlockDuration: cfg.Vault.MaxUnlockDuration,
		}
		if err := store.PutVaultState(state); err != nil {
			return err
		}
		for _, account := range cfg.Genesis {
			addr, err := parseConfigAddress(account.Address)
			if err != nil {
				return fmt.Errorf("genesis address: %w", err)
			}
			balance, ok := new(big.Int).SetString(strings.TrimSpace(account.Balance), 10)
			if !ok {
				return fmt.Errorf("invalid genesis balance %q", account.Balance)
			}
			if err := asset.Mint(addr, balance); err != nil {
				return err
			}
		}
	}

	for _, entry := range cfg.Vault.Strategies {
		addr, err := parseConfigAddress(entry.Address)
		if err != nil {
			return fmt.Errorf("strategy address: %w", err)
		}
		capacity, err := optionalAmount(entry.Capacity, nil)
		if err != nil {
			return fmt.Errorf("strategy capacity: %w", err)
		}
		port := vault.NewHoldingStrategy(asset, addr, engine.Address(), capacity)

		_, recErr := engine.Strategy(addr)
		switch {
		case recErr == nil:
			engine.RegisterStrategyPort(addr, port)
		default:
			maxDebt, err := optionalAmount(entry.MaxDebt, big.NewInt(0))
			if err != nil {
				return fmt.Errorf("strategy max debt: %w", err)
			}
			if err := engine.AddStrategy(manager, addr, port, maxDebt); err != nil {
				return err
			}
		}
	}

	queue, err := parseConfigQueue(cfg.Vault.DefaultQueue)
	if err != nil {
		return err
	}
	if len(queue) > 0 {
		if err := engine.SetDefaultQueue(manager, queue); err != nil {
			return err
		}
	}

	return store.Commit()
}

func resolveAddress(raw string, fallback byte) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		var addr [20]byte
		addr[19] = fallback
		return addr, nil
	}
	return parseConfigAddress(raw)
}

func parseConfigAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	copy(addr[:], ethcommon.HexToAddress(trimmed).Bytes())
	return addr, nil
}

func parseConfigQueue(raw []string) ([][20]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	queue := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		addr, err := parseConfigAddress(entry)
		if err != nil {
			return nil, err
		}
		queue = append(queue, addr)
	}
	return queue, nil
}

func optionalAmount(raw string, fallback *big.Int) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
