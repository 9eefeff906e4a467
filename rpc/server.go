package rpc

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaultd/native/custody"
	"vaultd/native/vault"
	"vaultd/observability"
	"vaultd/storage/vaultstore"
)

// Server exposes the vault, custody and asset ledgers over HTTP. Mutating
// handlers serialize on a single mutex because the engines are not
// concurrent, and commit the storage overlay only after the engine call
// succeeds.
type Server struct {
	vault   *vault.Engine
	custody *custody.Engine
	asset   *vaultstore.AssetLedger
	store   *vaultstore.Store
	auth    *Authenticator
	logger  *slog.Logger

	mu sync.Mutex
}

// NewServer wires the HTTP surface over the assembled engines.
func NewServer(v *vault.Engine, c *custody.Engine, asset *vaultstore.AssetLedger, store *vaultstore.Store, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{vault: v, custody: c, asset: asset, store: store, auth: auth, logger: logger}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/vault", func(r chi.Router) {
		r.Use(moduleObserver("vault"))

		r.Get("/state", s.handleVaultState)
		r.Get("/strategies/{address}", s.handleStrategy)
		r.Get("/balance/{address}", s.handleBalance)
		r.Get("/allowance/{owner}/{spender}", s.handleAllowance)
		r.Get("/nonce/{address}", s.handlePermitNonce)
		r.Get("/max-deposit/{address}", s.handleMaxDeposit)
		r.Get("/max-withdraw/{address}", s.handleMaxWithdraw)
		r.Get("/max-redeem/{address}", s.handleMaxRedeem)
		r.Get("/preview/deposit/{amount}", s.handlePreviewDeposit)
		r.Get("/preview/mint/{amount}", s.handlePreviewMint)
		r.Get("/preview/withdraw/{amount}", s.handlePreviewWithdraw)
		r.Get("/preview/redeem/{amount}", s.handlePreviewRedeem)

		r.Post("/deposit", s.handleDeposit)
		r.Post("/mint", s.handleMint)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/transfer", s.handleTransfer)
		r.Post("/transfer-from", s.handleTransferFrom)
		r.Post("/approve", s.handleApprove)
		r.Post("/permit", s.handlePermit)
	})

	r.Route("/v1/asset", func(r chi.Router) {
		r.Use(moduleObserver("asset"))

		r.Get("/balance/{address}", s.handleAssetBalance)
		r.Get("/allowance/{owner}/{spender}", s.handleAssetAllowance)
		r.Post("/approve", s.handleAssetApprove)
		r.Post("/transfer", s.handleAssetTransfer)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeAdmin))
			r.Post("/mint", s.handleAssetMint)
		})
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(moduleObserver("admin"))
		r.Use(s.auth.Middleware(ScopeAdmin))

		r.Post("/strategies", s.handleAddStrategy)
		r.Post("/strategies/revoke", s.handleRevokeStrategy)
		r.Post("/debt", s.handleUpdateDebt)
		r.Post("/report", s.handleProcessReport)
		r.Post("/queue", s.handleSetQueue)
		r.Post("/auto-allocate", s.handleSetAutoAllocate)
		r.Post("/deposit-cap", s.handleSetDepositCap)
		r.Post("/minimum-idle", s.handleSetMinimumIdle)
		r.Post("/max-debt", s.handleSetMaxDebt)
		r.Post("/unlock-duration", s.handleSetUnlockDuration)
		r.Post("/roles", s.handleSetRoles)
		r.Post("/shutdown", s.handleShutdown)
	})

	r.Route("/v1/custody", func(r chi.Router) {
		r.Use(moduleObserver("custody"))

		r.Get("/cooldown", s.handleCooldown)
		r.Get("/{address}", s.handleCustodyOf)

		r.Post("/initiate", s.handleInitiateRageQuit)
		r.Post("/cancel", s.handleCancelRageQuit)
		r.Post("/withdraw", s.handleCustodyWithdraw)
		r.Post("/redeem", s.handleCustodyRedeem)
		r.Post("/transfer", s.handleCustodyTransfer)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeGovernor))
			r.Post("/cooldown/propose", s.handleProposeCooldown)
			r.Post("/cooldown/finalize", s.handleFinalizeCooldown)
			r.Post("/cooldown/cancel", s.handleCancelCooldown)
		})
	})

	// Requests run under a server span; with no tracer provider installed
	// the wrapper is a pass-through.
	return otelhttp.NewHandler(r, "vaultd.rpc")
}

// commit flushes the storage overlay after a successful engine call and
// refreshes the headline gauges. A commit failure is fatal for the request;
// the overlay is left for the next successful operation to carry forward.
func (s *Server) commit(w http.ResponseWriter) bool {
	if err := s.store.Commit(); err != nil {
		s.logger.Error("storage commit failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return false
	}
	s.refreshGauges()
	return true
}

func (s *Server) refreshGauges() {
	totalAssets, err := s.vault.TotalAssets()
	if err != nil {
		return
	}
	totalIdle, err := s.vault.TotalIdle()
	if err != nil {
		return
	}
	totalDebt, err := s.vault.TotalDebt()
	if err != nil {
		return
	}
	supply, err := s.vault.TotalSupply()
	if err != nil {
		return
	}
	pps, err := s.vault.PricePerShare()
	if err != nil {
		return
	}
	observability.Vault().Refresh(totalAssets, totalIdle, totalDebt, supply, pps)
}
