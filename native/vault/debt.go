package vault

import (
	"errors"
	"math/big"
)

var (
	// ErrDebtUnchanged rejects a rebalance whose target equals the current
	// debt. The silent auto-allocation path skips instead of failing.
	ErrDebtUnchanged = errors.New("vault engine: target debt equals current debt")
	// ErrNothingToWithdraw indicates the strategy reports no withdrawable
	// assets while a debt decrease was requested.
	ErrNothingToWithdraw = errors.New("vault engine: strategy has nothing to withdraw")
	// ErrUnrealisedLoss blocks a manual debt decrease while the strategy
	// carries unrealized losses; they must be settled through a report.
	ErrUnrealisedLoss = errors.New("vault engine: strategy has unrealised losses")
	// ErrInsufficientIdle indicates a debt increase would drain the idle
	// reserve below the configured floor.
	ErrInsufficientIdle = errors.New("vault engine: idle reserve at minimum")
)

// UpdateDebt rebalances capital between the idle reserve and a strategy
// toward targetDebt. Increases are capped by the strategy's max debt, its own
// deposit capacity and the idle floor; decreases by what the strategy allows
// to be withdrawn. The amount actually moved is measured from asset balance
// deltas, never taken from the strategy's word. A realized shortfall on the
// decrease path must stay within maxLossBps of the amount moved.
func (e *Engine) UpdateDebt(caller, strategy [20]byte, targetDebt *big.Int, maxLossBps uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireRole(caller, RoleDebt); err != nil {
		return nil, err
	}
	if targetDebt == nil || targetDebt.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if maxLossBps > 10_000 {
		return nil, ErrInvalidMaxLoss
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	newDebt, err := e.updateDebt(st, strategy, targetDebt, maxLossBps, false)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.state.PutVaultState(st); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return newDebt, nil
}

// updateDebt carries the rebalance against a working state copy. silent marks
// the implicit auto-allocation path where an unchanged target is a no-op
// rather than an error.
func (e *Engine) updateDebt(st *State, strategy [20]byte, targetDebt *big.Int, maxLossBps uint64, silent bool) (*big.Int, error) {
	rec, err := e.strategyRecord(strategy)
	if err != nil {
		return nil, err
	}
	port, err := e.strategyPort(strategy)
	if err != nil {
		return nil, err
	}
	target := cloneBigInt(targetDebt)
	if st.Shutdown {
		target = big.NewInt(0)
	}
	current := cloneBigInt(rec.CurrentDebt)
	switch target.Cmp(current) {
	case 0:
		if silent {
			return current, nil
		}
		return nil, ErrDebtUnchanged
	case -1:
		return e.decreaseDebt(st, rec, port, current, target, maxLossBps)
	default:
		return e.increaseDebt(st, rec, port, current, target, silent)
	}
}

func (e *Engine) increaseDebt(st *State, rec *StrategyRecord, port StrategyPort, current, target *big.Int, silent bool) (*big.Int, error) {
	capped := minBigInt(target, rec.MaxDebt)
	if capped.Cmp(current) <= 0 {
		if silent {
			return current, nil
		}
		return nil, ErrDebtUnchanged
	}
	toDeposit := new(big.Int).Sub(capped, current)

	maxDeposit, err := port.MaxDeposit(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	toDeposit = minBigInt(toDeposit, maxDeposit)

	available := subFloor(st.IdleReserve, st.MinimumIdle)
	toDeposit = minBigInt(toDeposit, available)
	if toDeposit.Sign() <= 0 {
		if silent {
			return current, nil
		}
		if available.Sign() == 0 {
			return nil, ErrInsufficientIdle
		}
		return nil, ErrDebtUnchanged
	}

	// Approve and let the strategy pull; the accepted amount is whatever
	// actually left the vault's asset balance.
	pre, err := e.asset.BalanceOf(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	if err := e.asset.Approve(e.vaultAddr, rec.Strategy, toDeposit); err != nil {
		return nil, err
	}
	if err := port.Deposit(toDeposit); err != nil {
		return nil, err
	}
	if err := e.asset.Approve(e.vaultAddr, rec.Strategy, big.NewInt(0)); err != nil {
		return nil, err
	}
	post, err := e.asset.BalanceOf(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	accepted := subFloor(pre, post)
	accepted = minBigInt(accepted, toDeposit)
	if accepted.Sign() == 0 && !silent {
		return nil, ErrDebtUnchanged
	}

	newDebt := new(big.Int).Add(current, accepted)
	st.IdleReserve = subFloor(st.IdleReserve, accepted)
	st.TotalDebt = new(big.Int).Add(st.TotalDebt, accepted)
	rec.CurrentDebt = newDebt
	if err := e.state.StrategyPut(rec); err != nil {
		return nil, err
	}
	e.emit(newDebtUpdatedEvent(rec.Strategy, current, newDebt))
	return newDebt, nil
}

func (e *Engine) decreaseDebt(st *State, rec *StrategyRecord, port StrategyPort, current, target *big.Int, maxLossBps uint64) (*big.Int, error) {
	toWithdraw := new(big.Int).Sub(current, target)

	// Never leave the idle reserve under its floor when the pull is meant to
	// restore liquidity.
	if st.MinimumIdle.Sign() > 0 {
		projected := new(big.Int).Add(st.IdleReserve, toWithdraw)
		if projected.Cmp(st.MinimumIdle) < 0 {
			toWithdraw = minBigInt(subFloor(st.MinimumIdle, st.IdleReserve), current)
		}
	}

	withdrawable, err := port.MaxWithdraw(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	if withdrawable == nil || withdrawable.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	toWithdraw = minBigInt(toWithdraw, withdrawable)

	reported, err := port.ReportedAssets()
	if err != nil {
		return nil, err
	}
	if assessUnrealisedLossShare(current, reported, toWithdraw).Sign() > 0 {
		return nil, ErrUnrealisedLoss
	}

	pre, err := e.asset.BalanceOf(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	if err := port.Withdraw(toWithdraw); err != nil {
		return nil, err
	}
	post, err := e.asset.BalanceOf(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	received := subFloor(post, pre)

	moved := cloneBigInt(toWithdraw)
	if received.Cmp(toWithdraw) > 0 {
		// Excess is credited, but recorded debt can never go negative.
		moved = minBigInt(received, current)
	} else if received.Cmp(toWithdraw) < 0 {
		loss := new(big.Int).Sub(toWithdraw, received)
		if loss.Cmp(bpsOf(toWithdraw, maxLossBps)) > 0 {
			return nil, ErrTooMuchLoss
		}
	}

	newDebt := subFloor(current, moved)
	st.IdleReserve = new(big.Int).Add(st.IdleReserve, received)
	st.TotalDebt = subFloor(st.TotalDebt, moved)
	rec.CurrentDebt = newDebt
	if err := e.state.StrategyPut(rec); err != nil {
		return nil, err
	}
	e.emit(newDebtUpdatedEvent(rec.Strategy, current, newDebt))
	return newDebt, nil
}

// autoAllocate pushes freshly idle assets to the head of the default queue on
// deposit. Failure to move anything is not an error; genuine port failures
// still abort the deposit.
func (e *Engine) autoAllocate(st *State) error {
	head := st.DefaultQueue[0]
	rec, err := e.strategyRecord(head)
	if err != nil {
		if errors.Is(err, ErrStrategyNotActive) {
			return nil
		}
		return err
	}
	target := new(big.Int).Add(rec.CurrentDebt, subFloor(st.IdleReserve, st.MinimumIdle))
	_, err = e.updateDebt(st, head, target, 0, true)
	return err
}
