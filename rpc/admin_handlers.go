package rpc

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"vaultd/native/vault"
	"vaultd/observability"
)

type addStrategyRequest struct {
	Caller   string `json:"caller"`
	Strategy string `json:"strategy"`
	Capacity string `json:"capacity"`
	MaxDebt  string `json:"maxDebt"`
}

func (s *Server) handleAddStrategy(w http.ResponseWriter, r *http.Request) {
	var req addStrategyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := parseAddress(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	capacity, err := parseOptionalAmount(req.Capacity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxDebt, err := parseOptionalAmount(req.MaxDebt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if maxDebt == nil {
		maxDebt = big.NewInt(0)
	}
	port := vault.NewHoldingStrategy(s.asset, strategy, s.vault.Address(), capacity)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.vault.AddStrategy(caller, strategy, port, maxDebt); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	s.logger.Info("strategy added", "strategy", formatAddress(strategy))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type revokeStrategyRequest struct {
	Caller   string `json:"caller"`
	Strategy string `json:"strategy"`
	Force    bool   `json:"force"`
}

func (s *Server) handleRevokeStrategy(w http.ResponseWriter, r *http.Request) {
	var req revokeStrategyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := parseAddress(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.vault.RevokeStrategy(caller, strategy, req.Force); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	s.logger.Info("strategy revoked", "strategy", formatAddress(strategy), "force", req.Force)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type updateDebtRequest struct {
	Caller     string  `json:"caller"`
	Strategy   string  `json:"strategy"`
	TargetDebt string  `json:"targetDebt"`
	MaxLossBps *uint64 `json:"maxLossBps"`
}

func (s *Server) handleUpdateDebt(w http.ResponseWriter, r *http.Request) {
	var req updateDebtRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := parseAddress(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := parseAmount(req.TargetDebt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxLossBps := uint64(10_000)
	if req.MaxLossBps != nil {
		maxLossBps = *req.MaxLossBps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	newDebt, err := s.vault.UpdateDebt(caller, strategy, target, maxLossBps)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: formatAmount(newDebt)})
}

type reportRequest struct {
	Caller   string `json:"caller"`
	Strategy string `json:"strategy"`
}

func (s *Server) handleProcessReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := parseAddress(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gain, loss, err := s.vault.ProcessReport(caller, strategy)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	observability.Vault().RecordReport(gain, loss)
	s.logger.Info("report settled",
		"strategy", formatAddress(strategy),
		"gain", formatAmount(gain),
		"loss", formatAmount(loss))
	writeJSON(w, http.StatusOK, reportResponse{
		Gain: formatAmount(gain),
		Loss: formatAmount(loss),
	})
}

type queueRequest struct {
	Caller string   `json:"caller"`
	Queue  []string `json:"queue"`
}

func (s *Server) handleSetQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queue, err := parseQueue(req.Queue)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.vault.SetDefaultQueue(caller, queue) })
}

type flagRequest struct {
	Caller  string `json:"caller"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleSetAutoAllocate(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.vault.SetAutoAllocate(caller, req.Enabled) })
}

type amountSettingRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleSetDepositCap(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := s.decodeAmountSetting(w, r)
	if !ok {
		return
	}
	s.adminOp(w, func() error { return s.vault.SetDepositCap(caller, amount) })
}

func (s *Server) handleSetMinimumIdle(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := s.decodeAmountSetting(w, r)
	if !ok {
		return
	}
	s.adminOp(w, func() error { return s.vault.SetMinimumIdle(caller, amount) })
}

func (s *Server) decodeAmountSetting(w http.ResponseWriter, r *http.Request) ([20]byte, *big.Int, bool) {
	var req amountSettingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return [20]byte{}, nil, false
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return [20]byte{}, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return [20]byte{}, nil, false
	}
	return caller, amount, true
}

type maxDebtRequest struct {
	Caller   string `json:"caller"`
	Strategy string `json:"strategy"`
	MaxDebt  string `json:"maxDebt"`
}

func (s *Server) handleSetMaxDebt(w http.ResponseWriter, r *http.Request) {
	var req maxDebtRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := parseAddress(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxDebt, err := parseAmount(req.MaxDebt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.vault.SetMaxDebt(caller, strategy, maxDebt) })
}

type unlockDurationRequest struct {
	Caller  string `json:"caller"`
	Seconds uint64 `json:"seconds"`
}

func (s *Server) handleSetUnlockDuration(w http.ResponseWriter, r *http.Request) {
	var req unlockDurationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.adminOp(w, func() error { return s.vault.SetMaxUnlockDuration(caller, req.Seconds) })
}

type rolesRequest struct {
	Caller  string   `json:"caller"`
	Account string   `json:"account"`
	Roles   []string `json:"roles"`
	Mode    string   `json:"mode"`
}

var roleNames = map[string]vault.Role{
	"add_strategy":  vault.RoleAddStrategy,
	"revoke":        vault.RoleRevokeStrategy,
	"force_revoke":  vault.RoleForceRevoke,
	"queue":         vault.RoleQueue,
	"reporting":     vault.RoleReporting,
	"debt":          vault.RoleDebt,
	"max_debt":      vault.RoleMaxDebt,
	"deposit_limit": vault.RoleDepositLimit,
	"minimum_idle":  vault.RoleMinimumIdle,
	"profit_unlock": vault.RoleProfitUnlock,
	"accountant":    vault.RoleAccountant,
	"emergency":     vault.RoleEmergency,
}

func (s *Server) handleSetRoles(w http.ResponseWriter, r *http.Request) {
	var req rolesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var roles vault.Role
	for _, name := range req.Roles {
		role, ok := roleNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown role %q", name))
			return
		}
		roles |= role
	}
	var op func() error
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "", "set":
		op = func() error { return s.vault.SetRoles(caller, account, roles) }
	case "add":
		op = func() error { return s.vault.AddRoles(caller, account, roles) }
	case "remove":
		op = func() error { return s.vault.RemoveRoles(caller, account, roles) }
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", req.Mode))
		return
	}
	s.adminOp(w, op)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.vault.Shutdown(caller); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	s.logger.Warn("vault shut down", "caller", formatAddress(caller))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adminOp runs a settings mutation under the server lock and commits it.
func (s *Server) adminOp(w http.ResponseWriter, op func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := op(); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	if !s.commit(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
