package vault

import "math/big"

// assessUnrealisedLossShare computes the slice of a strategy's unrealized
// loss a withdrawal of assetsNeeded must absorb: assetsNeeded × (1 −
// reported/currentDebt). The user's healthy share is rounded up so the vault
// never understates the loss assigned to the redeemer.
func assessUnrealisedLossShare(currentDebt, reported, assetsNeeded *big.Int) *big.Int {
	if currentDebt == nil || currentDebt.Sign() == 0 || assetsNeeded == nil || assetsNeeded.Sign() <= 0 {
		return big.NewInt(0)
	}
	if reported == nil {
		reported = big.NewInt(0)
	}
	if reported.Cmp(currentDebt) >= 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(assetsNeeded, reported)
	healthy, rem := new(big.Int).QuoRem(numerator, currentDebt, new(big.Int))
	if rem.Sign() != 0 {
		healthy.Add(healthy, big.NewInt(1))
	}
	return subFloor(assetsNeeded, healthy)
}

// Withdraw redeems enough shares to pay out the requested asset amount.
// Shares to burn are rounded up; the burned amount is returned.
func (e *Engine) Withdraw(sender, receiver, owner [20]byte, assets *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
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
	shares, err := e.convertToShares(st, assets, RoundUp, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.redeemInternal(st, sender, receiver, owner, shares, assets, maxLossBps, queue); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return shares, nil
}

// Redeem burns an exact share amount and pays out its asset value, degraded
// by any loss the queue walk realizes within the caller's tolerance. The
// asset amount actually paid is returned.
func (e *Engine) Redeem(sender, receiver, owner [20]byte, shares *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
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
	assets, err := e.convertToAssets(st, shares, RoundDown, e.now())
	if err != nil {
		return nil, err
	}
	paid, err := e.redeemWithResult(st, sender, receiver, owner, shares, assets, maxLossBps, queue)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return paid, nil
}

func (e *Engine) redeemInternal(st *State, sender, receiver, owner [20]byte, shares, assets *big.Int, maxLossBps uint64, queue [][20]byte) error {
	_, err := e.redeemWithResult(st, sender, receiver, owner, shares, assets, maxLossBps, queue)
	return err
}

// redeemWithResult is the shared settlement path for Withdraw and Redeem.
// requested is degraded in place as unrealized and realized losses are
// assigned to the redeemer; the final figure is what leaves the vault.
func (e *Engine) redeemWithResult(st *State, sender, receiver, owner [20]byte, shares, assets *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	if maxLossBps > 10_000 {
		return nil, ErrInvalidMaxLoss
	}
	if receiver == ([20]byte{}) {
		return nil, ErrInvalidReceiver
	}
	if shares == nil || shares.Sign() <= 0 || assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ownerBal, err := e.shareBalance(owner)
	if err != nil {
		return nil, err
	}
	if ownerBal.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if sender != owner {
		if err := e.spendAllowance(owner, sender, shares); err != nil {
			return nil, err
		}
	}

	walk := queue
	if len(walk) == 0 {
		walk = st.DefaultQueue
	} else if err := e.validateQueue(walk); err != nil {
		return nil, err
	}

	requested := cloneBigInt(assets)
	if st.IdleReserve.Cmp(requested) < 0 {
		var err error
		requested, err = e.walkQueue(st, walk, requested)
		if err != nil {
			return nil, err
		}
	}

	// Total loss the redeemer absorbed, checked once against the tolerance.
	if requested.Cmp(assets) < 0 && maxLossBps < 10_000 {
		loss := new(big.Int).Sub(assets, requested)
		if loss.Cmp(bpsOf(assets, maxLossBps)) > 0 {
			return nil, ErrTooMuchLoss
		}
	}
	if st.IdleReserve.Cmp(requested) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	if err := e.burnSharesFrom(st, owner, shares); err != nil {
		return nil, err
	}
	st.IdleReserve = new(big.Int).Sub(st.IdleReserve, requested)
	if err := e.asset.Transfer(e.vaultAddr, receiver, requested); err != nil {
		return nil, err
	}
	if err := e.state.PutVaultState(st); err != nil {
		return nil, err
	}
	e.emit(newTransferEvent(owner, [20]byte{}, shares))
	e.emit(newWithdrawEvent(sender, receiver, owner, requested, shares))
	return requested, nil
}

// walkQueue assembles liquidity for requested assets across the ordered
// strategy list, realizing each strategy's proportional unrealized loss and
// any shortfall between what was asked of it and what actually arrived. It
// returns the loss-adjusted amount the redeemer is still owed.
func (e *Engine) walkQueue(st *State, queue [][20]byte, requested *big.Int) (*big.Int, error) {
	needed := subFloor(requested, st.IdleReserve)
	for _, addr := range queue {
		if needed.Sign() <= 0 {
			break
		}
		rec, err := e.strategyRecord(addr)
		if err != nil {
			return nil, err
		}
		port, err := e.strategyPort(addr)
		if err != nil {
			return nil, err
		}
		currentDebt := cloneBigInt(rec.CurrentDebt)
		if currentDebt.Sign() == 0 {
			continue
		}
		toWithdraw := minBigInt(needed, currentDebt)

		reported, err := port.ReportedAssets()
		if err != nil {
			return nil, err
		}
		maxWithdraw, err := port.MaxWithdraw(e.vaultAddr)
		if err != nil {
			return nil, err
		}
		if maxWithdraw == nil {
			maxWithdraw = big.NewInt(0)
		}

		unrealised := assessUnrealisedLossShare(currentDebt, reported, toWithdraw)
		if unrealised.Sign() > 0 {
			backed := new(big.Int).Sub(toWithdraw, unrealised)
			if maxWithdraw.Cmp(backed) < 0 {
				// The strategy's limit binds tighter than the raw request:
				// re-derive the loss share for the smaller pull.
				unrealised = mulDivDown(unrealised, maxWithdraw, backed)
				toWithdraw = new(big.Int).Add(maxWithdraw, unrealised)
			}
			// The redeemer eats the unrealized slice up front; only the
			// backed remainder is actually pulled.
			toWithdraw = new(big.Int).Sub(toWithdraw, unrealised)
			requested = new(big.Int).Sub(requested, unrealised)
			needed = subFloor(needed, unrealised)
			st.TotalDebt = subFloor(st.TotalDebt, unrealised)
			rec.CurrentDebt = subFloor(rec.CurrentDebt, unrealised)
		}
		toWithdraw = minBigInt(toWithdraw, maxWithdraw)
		if toWithdraw.Sign() <= 0 {
			if unrealised.Sign() > 0 {
				if err := e.state.StrategyPut(rec); err != nil {
					return nil, err
				}
			}
			continue
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

		pulled := cloneBigInt(toWithdraw)
		if received.Cmp(toWithdraw) > 0 {
			// Excess is credited back, capped at recorded debt so the
			// strategy cannot manufacture negative debt.
			pulled = minBigInt(received, rec.CurrentDebt)
		} else if received.Cmp(toWithdraw) < 0 {
			// Shortfall is an additional realized loss assigned to the
			// redeemer.
			loss := new(big.Int).Sub(toWithdraw, received)
			requested = new(big.Int).Sub(requested, loss)
		}

		st.IdleReserve = new(big.Int).Add(st.IdleReserve, received)
		st.TotalDebt = subFloor(st.TotalDebt, pulled)
		rec.CurrentDebt = subFloor(rec.CurrentDebt, pulled)
		if err := e.state.StrategyPut(rec); err != nil {
			return nil, err
		}
		e.emit(newDebtUpdatedEvent(rec.Strategy, currentDebt, rec.CurrentDebt))

		// A realized shortfall is not re-pulled from later strategies; the
		// redeemer absorbs it, so the attempted amount satisfies the need.
		attempted := toWithdraw
		if received.Cmp(attempted) > 0 {
			attempted = received
		}
		needed = subFloor(needed, attempted)
	}
	return requested, nil
}

func (e *Engine) validateQueue(queue [][20]byte) error {
	if len(queue) > MaxQueueLength {
		return ErrInvalidQueue
	}
	for _, addr := range queue {
		if _, err := e.strategyRecord(addr); err != nil {
			return ErrInvalidQueue
		}
	}
	return nil
}

// MaxWithdraw reports the asset amount the owner could withdraw right now
// through the given queue (default queue when empty), honoring strategy
// limits and skipping unrealized-loss positions when the tolerance is zero.
func (e *Engine) MaxWithdraw(owner [20]byte, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	now := e.now()
	bal, err := e.shareBalance(owner)
	if err != nil {
		return nil, err
	}
	maxAssets, err := e.convertToAssets(st, bal, RoundDown, now)
	if err != nil {
		return nil, err
	}
	if st.IdleReserve.Cmp(maxAssets) >= 0 {
		return maxAssets, nil
	}
	walk := queue
	if len(walk) == 0 {
		walk = st.DefaultQueue
	}
	have := cloneBigInt(st.IdleReserve)
	for _, addr := range walk {
		if have.Cmp(maxAssets) >= 0 {
			return maxAssets, nil
		}
		rec, err := e.strategyRecord(addr)
		if err != nil {
			continue
		}
		port, err := e.strategyPort(addr)
		if err != nil {
			continue
		}
		need := subFloor(maxAssets, have)
		pullable := minBigInt(need, rec.CurrentDebt)
		reported, err := port.ReportedAssets()
		if err != nil {
			return nil, err
		}
		if loss := assessUnrealisedLossShare(rec.CurrentDebt, reported, pullable); loss.Sign() > 0 {
			if maxLossBps == 0 {
				break
			}
			pullable = subFloor(pullable, loss)
		}
		limit, err := port.MaxWithdraw(e.vaultAddr)
		if err != nil {
			return nil, err
		}
		have.Add(have, minBigInt(pullable, limit))
	}
	return minBigInt(have, maxAssets), nil
}

// MaxRedeem reports the share amount the owner could redeem right now.
func (e *Engine) MaxRedeem(owner [20]byte, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	assets, err := e.MaxWithdraw(owner, maxLossBps, queue)
	if err != nil {
		return nil, err
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	shares, err := e.convertToShares(st, assets, RoundDown, e.now())
	if err != nil {
		return nil, err
	}
	bal, err := e.shareBalance(owner)
	if err != nil {
		return nil, err
	}
	return minBigInt(shares, bal), nil
}

// PreviewWithdraw reports the shares a withdrawal of the given assets would
// burn.
func (e *Engine) PreviewWithdraw(assets *big.Int) (*big.Int, error) {
	return e.ConvertToShares(assets, RoundUp)
}

// PreviewRedeem reports the assets a redemption of the given shares would
// yield before loss adjustment.
func (e *Engine) PreviewRedeem(shares *big.Int) (*big.Int, error) {
	return e.ConvertToAssets(shares, RoundDown)
}
