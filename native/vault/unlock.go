package vault

import (
	"errors"
	"math/big"
)

// ErrUnlockDuration rejects unlock durations above the one-year cap.
var ErrUnlockDuration = errors.New("vault engine: unlock duration out of range")

// unlockedShares computes how many buffer shares have vested since the last
// schedule update. selfBalance is the vault's raw share balance. A schedule
// that has reached its full unlock time vests the whole remaining buffer; a
// zero FullUnlockTime means no buffer was ever scheduled. The boundary case
// "elapsed equals the period" counts as fully unlocked.
func unlockedShares(st *State, selfBalance *big.Int, now int64) *big.Int {
	if st == nil || st.FullUnlockTime == 0 {
		return big.NewInt(0)
	}
	if now >= st.FullUnlockTime {
		return cloneBigInt(selfBalance)
	}
	elapsed := now - st.LastUnlockUpdate
	if elapsed <= 0 || st.UnlockingRate == nil || st.UnlockingRate.Sign() == 0 {
		return big.NewInt(0)
	}
	unlocked := new(big.Int).Mul(st.UnlockingRate, big.NewInt(elapsed))
	unlocked.Quo(unlocked, unlockPrecision)
	return minBigInt(unlocked, selfBalance)
}

// effectiveSupply is the share supply used for all pricing: the raw supply
// minus buffer shares that have unlocked but not yet been burned. Profit just
// locked still counts toward supply, so a fresh report cannot move the share
// price; the price drifts only as the buffer vests.
func (e *Engine) effectiveSupply(st *State, now int64) (*big.Int, error) {
	selfBal, err := e.shareBalance(e.vaultAddr)
	if err != nil {
		return nil, err
	}
	return subFloor(st.TotalSupply, unlockedShares(st, selfBal, now)), nil
}

// burnUnlockedShares settles the lazily evaluated schedule: vested buffer
// shares are physically burned and the update timestamp advanced. Called at
// the top of report settlement so supply bookkeeping starts from a clean
// slate.
func (e *Engine) burnUnlockedShares(st *State, now int64) error {
	selfBal, err := e.shareBalance(e.vaultAddr)
	if err != nil {
		return err
	}
	unlocked := unlockedShares(st, selfBal, now)
	if unlocked.Sign() == 0 {
		return nil
	}
	if st.FullUnlockTime > now {
		st.LastUnlockUpdate = now
	}
	return e.burnSharesFrom(st, e.vaultAddr, unlocked)
}

// updateUnlockSchedule recomputes the unlocking rate after a report locked
// newlyLocked additional shares into the buffer. Remaining vesting time from
// a previous cycle is blended with the fresh lock by share-weighted average
// so neither old nor new profit unlocks unfairly fast.
func (e *Engine) updateUnlockSchedule(st *State, newlyLocked *big.Int, now int64) error {
	totalLocked, err := e.shareBalance(e.vaultAddr)
	if err != nil {
		return err
	}
	if totalLocked.Sign() == 0 || st.MaxUnlockDuration == 0 {
		st.UnlockingRate = big.NewInt(0)
		st.FullUnlockTime = 0
		return nil
	}
	previouslyLocked := subFloor(totalLocked, newlyLocked)
	remaining := big.NewInt(0)
	if st.FullUnlockTime > now {
		remaining = big.NewInt(st.FullUnlockTime - now)
	}
	weighted := new(big.Int).Mul(previouslyLocked, remaining)
	fresh := new(big.Int).Mul(cloneBigInt(newlyLocked), new(big.Int).SetUint64(st.MaxUnlockDuration))
	period := new(big.Int).Add(weighted, fresh)
	period.Quo(period, totalLocked)
	if period.Sign() == 0 {
		// Degenerate blend (all weight already vested): release immediately.
		if err := e.burnSharesFrom(st, e.vaultAddr, totalLocked); err != nil {
			return err
		}
		st.UnlockingRate = big.NewInt(0)
		st.FullUnlockTime = 0
		return nil
	}
	st.UnlockingRate = mulDivDown(totalLocked, unlockPrecision, period)
	st.FullUnlockTime = now + period.Int64()
	st.LastUnlockUpdate = now
	return nil
}

// SetMaxUnlockDuration reconfigures the unlock period applied to future
// profit. Setting zero is the escape hatch: the entire remaining buffer is
// burned immediately (realizing it into the share price at once) and the
// schedule reset.
func (e *Engine) SetMaxUnlockDuration(caller [20]byte, seconds uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.requireRole(caller, RoleProfitUnlock); err != nil {
		return err
	}
	if seconds > MaxUnlockSeconds {
		return ErrUnlockDuration
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	err := func() error {
		st, err := e.loadState()
		if err != nil {
			return err
		}
		if seconds == 0 {
			selfBal, err := e.shareBalance(e.vaultAddr)
			if err != nil {
				return err
			}
			if selfBal.Sign() > 0 {
				if err := e.burnSharesFrom(st, e.vaultAddr, selfBal); err != nil {
					return err
				}
			}
			st.UnlockingRate = big.NewInt(0)
			st.FullUnlockTime = 0
			st.LastUnlockUpdate = 0
		}
		st.MaxUnlockDuration = seconds
		return e.state.PutVaultState(st)
	}()
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.emit(newUnlockDurationEvent(seconds))
	return nil
}
