package vault

import (
	"math/big"
)

// AddStrategy registers a yield counterparty and wires its port. The record
// is stamped with the activation time; a previously revoked strategy starts
// from a fresh record.
func (e *Engine) AddStrategy(caller, strategy [20]byte, port StrategyPort, maxDebt *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleAddStrategy); err != nil {
		return err
	}
	if strategy == ([20]byte{}) || strategy == e.vaultAddr {
		return ErrInvalidReceiver
	}
	if port == nil {
		return ErrStrategyNotActive
	}
	existing, ok, err := e.state.StrategyGet(strategy)
	if err != nil {
		return err
	}
	if ok && existing.Active() {
		return ErrStrategyActive
	}
	rec := &StrategyRecord{
		Strategy:       strategy,
		ActivationTime: e.now(),
		CurrentDebt:    big.NewInt(0),
		MaxDebt:        cloneBigInt(maxDebt),
	}
	if err := e.state.StrategyPut(rec); err != nil {
		return err
	}
	e.strategies[strategy] = port
	e.emit(newStrategyAddedEvent(strategy, rec.ActivationTime))
	return nil
}

// RevokeStrategy unregisters a strategy. The plain path requires the debt to
// be fully unwound first; force realizes any remaining debt as a loss borne
// by the vault, used when a counterparty has gone unresponsive.
func (e *Engine) RevokeStrategy(caller, strategy [20]byte, force bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	role := RoleRevokeStrategy
	if force {
		role = RoleForceRevoke
	}
	if err := e.requireRole(caller, role); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	err := func() error {
		rec, err := e.strategyRecord(strategy)
		if err != nil {
			return err
		}
		loss := big.NewInt(0)
		if rec.CurrentDebt.Sign() > 0 {
			if !force {
				return ErrStrategyHasDebt
			}
			loss = cloneBigInt(rec.CurrentDebt)
		}
		st, err := e.loadState()
		if err != nil {
			return err
		}
		if loss.Sign() > 0 {
			st.TotalDebt = subFloor(st.TotalDebt, loss)
		}
		st.DefaultQueue = removeFromQueue(st.DefaultQueue, strategy)
		if err := e.state.StrategyDelete(strategy); err != nil {
			return err
		}
		if err := e.state.PutVaultState(st); err != nil {
			return err
		}
		delete(e.strategies, strategy)
		e.emit(newStrategyRevokedEvent(strategy, loss))
		return nil
	}()
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// SetDefaultQueue replaces the ordered withdrawal queue. Every entry must be
// an active strategy and the list is bounded.
func (e *Engine) SetDefaultQueue(caller [20]byte, queue [][20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleQueue); err != nil {
		return err
	}
	if err := e.validateQueue(queue); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	st.DefaultQueue = make([][20]byte, len(queue))
	copy(st.DefaultQueue, queue)
	if err := e.state.PutVaultState(st); err != nil {
		return err
	}
	e.emit(newQueueUpdatedEvent(len(queue)))
	return nil
}

// SetAutoAllocate toggles pushing fresh deposits to the queue head.
func (e *Engine) SetAutoAllocate(caller [20]byte, enabled bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleDebt); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	st.AutoAllocate = enabled
	return e.state.PutVaultState(st)
}

// SetDepositCap bounds total assets after deposits. Pass the UnlimitedCap
// sentinel to disable the cap.
func (e *Engine) SetDepositCap(caller [20]byte, cap *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleDepositLimit); err != nil {
		return err
	}
	if cap == nil || cap.Sign() < 0 {
		return ErrInvalidAmount
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if st.Shutdown {
		return ErrShutdown
	}
	st.DepositCap = cloneBigInt(cap)
	return e.state.PutVaultState(st)
}

// SetMinimumIdle configures the asset floor the debt engine will not
// allocate below.
func (e *Engine) SetMinimumIdle(caller [20]byte, minimum *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleMinimumIdle); err != nil {
		return err
	}
	if minimum == nil || minimum.Sign() < 0 {
		return ErrInvalidAmount
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	st.MinimumIdle = cloneBigInt(minimum)
	return e.state.PutVaultState(st)
}

// SetMaxDebt adjusts the debt ceiling for a registered strategy.
func (e *Engine) SetMaxDebt(caller, strategy [20]byte, maxDebt *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleMaxDebt); err != nil {
		return err
	}
	if maxDebt == nil || maxDebt.Sign() < 0 {
		return ErrInvalidAmount
	}
	rec, err := e.strategyRecord(strategy)
	if err != nil {
		return err
	}
	rec.MaxDebt = cloneBigInt(maxDebt)
	return e.state.StrategyPut(rec)
}

// SetAccountant wires the external fee policy and its ledger account.
func (e *Engine) SetAccountant(caller, addr [20]byte, policy FeePolicyPort) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleAccountant); err != nil {
		return err
	}
	e.accountant = policy
	e.accountantAt = addr
	return nil
}

// SetFeeConfig wires the protocol fee split collaborator.
func (e *Engine) SetFeeConfig(caller [20]byte, cfg FeeConfigPort) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleAccountant); err != nil {
		return err
	}
	e.feeConfig = cfg
	return nil
}

// SetDepositLimitModule replaces the deposit cap with an external limit
// module. Passing nil restores cap-based limiting.
func (e *Engine) SetDepositLimitModule(caller [20]byte, module DepositLimitPort) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleDepositLimit); err != nil {
		return err
	}
	e.depositLimit = module
	return nil
}

// Shutdown irreversibly halts new deposits. Withdrawals remain open so
// holders can exit; the deposit cap is zeroed and the debt engine will only
// unwind positions from here on.
func (e *Engine) Shutdown(caller [20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleEmergency); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if st.Shutdown {
		return ErrShutdown
	}
	st.Shutdown = true
	st.DepositCap = big.NewInt(0)
	st.AutoAllocate = false
	if err := e.state.PutVaultState(st); err != nil {
		return err
	}
	e.emit(newShutdownEvent())
	return nil
}

// DefaultQueue returns a copy of the configured withdrawal queue.
func (e *Engine) DefaultQueue() ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	queue := make([][20]byte, len(st.DefaultQueue))
	copy(queue, st.DefaultQueue)
	return queue, nil
}

// VaultState returns a sanitized copy of the stored vault state.
func (e *Engine) VaultState() (*State, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.loadState()
}

func removeFromQueue(queue [][20]byte, strategy [20]byte) [][20]byte {
	filtered := queue[:0]
	for _, addr := range queue {
		if addr != strategy {
			filtered = append(filtered, addr)
		}
	}
	return filtered
}
