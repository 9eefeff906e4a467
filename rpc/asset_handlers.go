package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleAssetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	balance, err := s.asset.BalanceOf(addr)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(balance)})
}

func (s *Server) handleAssetAllowance(w http.ResponseWriter, r *http.Request) {
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
	allowance, err := s.asset.Allowance(owner, spender)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(allowance)})
}

func (s *Server) handleAssetApprove(w http.ResponseWriter, r *http.Request) {
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
	s.adminOp(w, func() error { return s.asset.Approve(owner, spender, amount) })
}

func (s *Server) handleAssetTransfer(w http.ResponseWriter, r *http.Request) {
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
	s.adminOp(w, func() error { return s.asset.Transfer(from, to, amount) })
}

type mintRequest struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

func (s *Server) handleAssetMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.asset.Mint(receiver, amount) })
}
