package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleVaultState(w http.ResponseWriter, _ *http.Request) {
	state, err := s.vault.VaultState()
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	supply, err := s.vault.TotalSupply()
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	pps, err := s.vault.PricePerShare()
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	queue := make([]string, 0, len(state.DefaultQueue))
	for _, addr := range state.DefaultQueue {
		queue = append(queue, formatAddress(addr))
	}
	writeJSON(w, http.StatusOK, vaultStateResponse{
		TotalAssets:       formatAmount(state.TotalAssets()),
		TotalIdle:         formatAmount(state.IdleReserve),
		TotalDebt:         formatAmount(state.TotalDebt),
		TotalSupply:       formatAmount(supply),
		RawTotalSupply:    formatAmount(state.TotalSupply),
		PricePerShare:     formatAmount(pps),
		Decimals:          state.Decimals,
		DepositCap:        formatAmount(state.DepositCap),
		MinimumIdle:       formatAmount(state.MinimumIdle),
		Shutdown:          state.Shutdown,
		AutoAllocate:      state.AutoAllocate,
		DefaultQueue:      queue,
		MaxUnlockDuration: state.MaxUnlockDuration,
	})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.vault.Strategy(addr)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, strategyResponse{
		Strategy:       formatAddress(rec.Strategy),
		ActivationTime: rec.ActivationTime,
		LastReportTime: rec.LastReportTime,
		CurrentDebt:    formatAmount(rec.CurrentDebt),
		MaxDebt:        formatAmount(rec.MaxDebt),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	balance, err := s.vault.BalanceOf(addr)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(balance)})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := parseAddress(chi.URLParam(r, "spender"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	allowance, err := s.vault.Allowance(owner, spender)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(allowance)})
}

func (s *Server) handlePermitNonce(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	nonce, err := s.vault.PermitNonce(addr)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"nonce": nonce})
}

func (s *Server) handleMaxDeposit(w http.ResponseWriter, r *http.Request) {
	s.amountQuery(w, r, s.vault.MaxDeposit)
}

func (s *Server) handleMaxWithdraw(w http.ResponseWriter, r *http.Request) {
	s.amountQuery(w, r, func(addr [20]byte) (*big.Int, error) {
		return s.vault.MaxWithdraw(addr, 0, nil)
	})
}

func (s *Server) handleMaxRedeem(w http.ResponseWriter, r *http.Request) {
	s.amountQuery(w, r, func(addr [20]byte) (*big.Int, error) {
		return s.vault.MaxRedeem(addr, 10_000, nil)
	})
}

func (s *Server) amountQuery(w http.ResponseWriter, r *http.Request, query func([20]byte) (*big.Int, error)) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := query(addr)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(amount)})
}

func (s *Server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	s.previewQuery(w, r, s.vault.PreviewDeposit)
}

func (s *Server) handlePreviewMint(w http.ResponseWriter, r *http.Request) {
	s.previewQuery(w, r, s.vault.PreviewMint)
}

func (s *Server) handlePreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	s.previewQuery(w, r, s.vault.PreviewWithdraw)
}

func (s *Server) handlePreviewRedeem(w http.ResponseWriter, r *http.Request) {
	s.previewQuery(w, r, s.vault.PreviewRedeem)
}

func (s *Server) previewQuery(w http.ResponseWriter, r *http.Request, preview func(*big.Int) (*big.Int, error)) {
	amount, err := parseAmount(chi.URLParam(r, "amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := preview(amount)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(result)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.issueOp(w, r, func(sender, receiver [20]byte, amount *big.Int) (*big.Int, *big.Int, error) {
		shares, err := s.vault.Deposit(sender, receiver, amount)
		return shares, amount, err
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.issueOp(w, r, func(sender, receiver [20]byte, amount *big.Int) (*big.Int, *big.Int, error) {
		assets, err := s.vault.Mint(sender, receiver, amount)
		return amount, assets, err
	})
}

func (s *Server) issueOp(w http.ResponseWriter, r *http.Request, op func(sender, receiver [20]byte, amount *big.Int) (shares, assets *big.Int, err error)) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sender, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver := sender
	if strings.TrimSpace(req.Receiver) != "" {
		if receiver, err = parseAddress(req.Receiver); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shares, assets, err := op(sender, receiver, amount)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, sharesAssetsResponse{
		Shares: formatAmount(shares),
		Assets: formatAmount(assets),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.redeemOp(w, r, 0, func(sender, receiver, owner [20]byte, amount *big.Int, maxLossBps uint64, queue [][20]byte) (shares, assets *big.Int, err error) {
		// The base route burns exactly the previewed share amount, so the
		// custody gate sees the same figure the engine will burn.
		shares, err = s.vault.PreviewWithdraw(amount)
		if err != nil {
			return nil, nil, err
		}
		if err := s.custody.CheckRedeemable(owner, shares); err != nil {
			return nil, nil, err
		}
		shares, err = s.vault.Withdraw(sender, receiver, owner, amount, maxLossBps, queue)
		return shares, amount, err
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.redeemOp(w, r, 10_000, func(sender, receiver, owner [20]byte, amount *big.Int, maxLossBps uint64, queue [][20]byte) (shares, assets *big.Int, err error) {
		if err := s.custody.CheckRedeemable(owner, amount); err != nil {
			return nil, nil, err
		}
		assets, err = s.vault.Redeem(sender, receiver, owner, amount, maxLossBps, queue)
		return amount, assets, err
	})
}

func (s *Server) redeemOp(w http.ResponseWriter, r *http.Request, defaultMaxLoss uint64, op func(sender, receiver, owner [20]byte, amount *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, *big.Int, error)) {
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sender, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver := sender
	if strings.TrimSpace(req.Receiver) != "" {
		if receiver, err = parseAddress(req.Receiver); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	owner := sender
	if strings.TrimSpace(req.Owner) != "" {
		if owner, err = parseAddress(req.Owner); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxLossBps := defaultMaxLoss
	if req.MaxLossBps != nil {
		maxLossBps = *req.MaxLossBps
	}
	queue, err := parseQueue(req.Queue)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shares, assets, err := op(sender, receiver, owner, amount, maxLossBps, queue)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, sharesAssetsResponse{
		Shares: formatAmount(shares),
		Assets: formatAmount(assets),
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	from, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The custody engine enforces lock gating before delegating to the
	// share ledger.
	if err := s.custody.Transfer(from, to, amount); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	from, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.custody.TransferFrom(spender, from, to, amount); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.vault.Approve(owner, spender, amount); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePermit(w http.ResponseWriter, r *http.Request) {
	var req permitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid signature encoding: %w", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.vault.Permit(owner, spender, amount, req.Deadline, signature); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
