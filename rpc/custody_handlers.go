package rpc

import (
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vaultd/native/custody"
)

func (s *Server) handleCooldown(w http.ResponseWriter, _ *http.Request) {
	period, err := s.custody.CooldownPeriod()
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	resp := cooldownResponse{CooldownSeconds: period}
	if proposal, ok, err := s.custody.PendingCooldown(); err != nil {
		writeError(w, httpStatus(err), err)
		return
	} else if ok {
		resp.PendingSeconds = proposal.PendingPeriod
		resp.ProposedAt = proposal.ProposedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCustodyOf(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, ok, err := s.custody.CustodyOf(holder)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, custody.ErrNoRecord)
		return
	}
	writeJSON(w, http.StatusOK, custodyResponse{
		Holder:       formatAddress(rec.Holder),
		LockedShares: formatAmount(rec.LockedShares),
		UnlockTime:   rec.UnlockTime,
	})
}

func (s *Server) handleInitiateRageQuit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	holder, err := parseAddress(req.Caller)
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
	rec, err := s.custody.InitiateRageQuit(holder, amount)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	s.logger.Info("rage quit initiated",
		"holder", formatAddress(holder),
		"shares", formatAmount(rec.LockedShares),
		"unlockTime", rec.UnlockTime)
	writeJSON(w, http.StatusOK, custodyResponse{
		Holder:       formatAddress(rec.Holder),
		LockedShares: formatAmount(rec.LockedShares),
		UnlockTime:   rec.UnlockTime,
	})
}

func (s *Server) handleCancelRageQuit(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	holder, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.custody.CancelRageQuit(holder); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCustodyWithdraw(w http.ResponseWriter, r *http.Request) {
	s.redeemOp(w, r, 0, s.custodyWithdraw)
}

func (s *Server) handleCustodyRedeem(w http.ResponseWriter, r *http.Request) {
	s.redeemOp(w, r, 10_000, s.custodyRedeem)
}

func (s *Server) custodyWithdraw(sender, receiver, owner [20]byte, amount *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, *big.Int, error) {
	shares, err := s.custody.Withdraw(sender, receiver, owner, amount, maxLossBps, queue)
	return shares, amount, err
}

func (s *Server) custodyRedeem(sender, receiver, owner [20]byte, amount *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, *big.Int, error) {
	assets, err := s.custody.Redeem(sender, receiver, owner, amount, maxLossBps, queue)
	return amount, assets, err
}

func (s *Server) handleCustodyTransfer(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r)
}

type cooldownChangeRequest struct {
	Caller  string `json:"caller"`
	Seconds uint64 `json:"seconds"`
}

func (s *Server) handleProposeCooldown(w http.ResponseWriter, r *http.Request) {
	var req cooldownChangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.custody.ProposeCooldown(caller, req.Seconds) })
}

func (s *Server) handleFinalizeCooldown(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.custody.FinalizeCooldown(caller) })
}

func (s *Server) handleCancelCooldown(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.custody.CancelCooldownChange(caller) })
}
