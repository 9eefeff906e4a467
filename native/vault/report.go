package vault

import (
	"errors"
	"math/big"
)

// ErrSelfReportDebt guards the self-report path against a strategy record
// accidentally registered under the vault's own address.
var ErrSelfReportDebt = errors.New("vault engine: vault address cannot be a strategy")

// ProcessReport settles a strategy's accounting cycle: its reported value is
// compared to recorded debt, the accountant consulted for fees and refunds,
// buffer shares minted or burned so fees and refunds alone leave the share
// price untouched, and the unlock schedule refreshed. Reporting the vault's
// own address values assets donated directly to the vault into the idle
// reserve. The realized gain and loss are returned.
func (e *Engine) ProcessReport(caller, strategy [20]byte) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := e.requireRole(caller, RoleReporting); err != nil {
		return nil, nil, err
	}
	if err := e.enter(); err != nil {
		return nil, nil, err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	gain, loss, err := e.processReport(strategy)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, nil, err
	}
	return gain, loss, nil
}

func (e *Engine) processReport(strategy [20]byte) (*big.Int, *big.Int, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, nil, err
	}
	now := e.now()

	// Settle the lazy schedule first so supply starts from a clean slate.
	if err := e.burnUnlockedShares(st, now); err != nil {
		return nil, nil, err
	}

	selfReport := strategy == e.vaultAddr
	var rec *StrategyRecord
	var reported, currentDebt *big.Int
	if selfReport {
		if _, ok, err := e.state.StrategyGet(strategy); err != nil {
			return nil, nil, err
		} else if ok {
			return nil, nil, ErrSelfReportDebt
		}
		holdings, err := e.asset.BalanceOf(e.vaultAddr)
		if err != nil {
			return nil, nil, err
		}
		reported = holdings
		currentDebt = cloneBigInt(st.IdleReserve)
	} else {
		rec, err = e.strategyRecord(strategy)
		if err != nil {
			return nil, nil, err
		}
		port, err := e.strategyPort(strategy)
		if err != nil {
			return nil, nil, err
		}
		reported, err = port.ReportedAssets()
		if err != nil {
			return nil, nil, err
		}
		reported = cloneBigInt(reported)
		currentDebt = cloneBigInt(rec.CurrentDebt)
	}

	gain := big.NewInt(0)
	loss := big.NewInt(0)
	switch reported.Cmp(currentDebt) {
	case 1:
		gain = new(big.Int).Sub(reported, currentDebt)
	case -1:
		loss = new(big.Int).Sub(currentDebt, reported)
	}

	totalFees := big.NewInt(0)
	totalRefunds := big.NewInt(0)
	if e.accountant != nil {
		fees, refunds, err := e.accountant.Report(strategy, gain, loss)
		if err != nil {
			return nil, nil, err
		}
		totalFees = cloneBigInt(fees)
		if totalFees.Sign() < 0 {
			totalFees = big.NewInt(0)
		}
		if refunds != nil && refunds.Sign() > 0 {
			// Refunds can only move what the accountant actually holds and
			// has approved for the vault to pull.
			balance, err := e.asset.BalanceOf(e.accountantAt)
			if err != nil {
				return nil, nil, err
			}
			allowance, err := e.asset.Allowance(e.accountantAt, e.vaultAddr)
			if err != nil {
				return nil, nil, err
			}
			totalRefunds = minBigInt(refunds, minBigInt(balance, allowance))
		}
	}

	sharesToBurn := big.NewInt(0)
	accountantFeeShares := big.NewInt(0)
	protocolFeeShares := big.NewInt(0)
	var protocolRecipient [20]byte
	burnBasis := new(big.Int).Add(loss, totalFees)
	if burnBasis.Sign() > 0 {
		sharesToBurn, err = e.convertToShares(st, burnBasis, RoundUp, now)
		if err != nil {
			return nil, nil, err
		}
		if totalFees.Sign() > 0 {
			totalFeeShares := mulDivDown(sharesToBurn, totalFees, burnBasis)
			if e.feeConfig != nil {
				bps, recipient, err := e.feeConfig.ProtocolFeeConfig()
				if err != nil {
					return nil, nil, err
				}
				if bps > 0 && recipient != ([20]byte{}) {
					protocolFeeShares = bpsOf(totalFeeShares, bps)
					protocolRecipient = recipient
				}
			}
			accountantFeeShares = new(big.Int).Sub(totalFeeShares, protocolFeeShares)
		}
	}

	sharesToLock := big.NewInt(0)
	if st.MaxUnlockDuration > 0 {
		lockBasis := new(big.Int).Add(gain, totalRefunds)
		if lockBasis.Sign() > 0 {
			sharesToLock, err = e.convertToShares(st, lockBasis, RoundDown, now)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	// Mint or burn the vault's own buffer so supply lands on the ending
	// figure that keeps the share price still for fees and refunds.
	endingSupply := new(big.Int).Add(st.TotalSupply, sharesToLock)
	endingSupply.Sub(endingSupply, sharesToBurn)
	if endingSupply.Cmp(st.TotalSupply) > 0 {
		if err := e.issueShares(st, e.vaultAddr, new(big.Int).Sub(endingSupply, st.TotalSupply)); err != nil {
			return nil, nil, err
		}
	} else if endingSupply.Cmp(st.TotalSupply) < 0 {
		selfBal, err := e.shareBalance(e.vaultAddr)
		if err != nil {
			return nil, nil, err
		}
		toBurn := minBigInt(new(big.Int).Sub(st.TotalSupply, endingSupply), selfBal)
		if toBurn.Sign() > 0 {
			if err := e.burnSharesFrom(st, e.vaultAddr, toBurn); err != nil {
				return nil, nil, err
			}
		}
	}
	newlyLocked := subFloor(sharesToLock, sharesToBurn)

	// Asset-side settlement.
	if totalRefunds.Sign() > 0 {
		if err := e.asset.TransferFrom(e.vaultAddr, e.accountantAt, e.vaultAddr, totalRefunds); err != nil {
			return nil, nil, err
		}
		st.IdleReserve = new(big.Int).Add(st.IdleReserve, totalRefunds)
	}
	if selfReport {
		st.IdleReserve = cloneBigInt(reported)
		if totalRefunds.Sign() > 0 {
			st.IdleReserve.Add(st.IdleReserve, totalRefunds)
		}
	} else {
		if gain.Sign() > 0 {
			rec.CurrentDebt = new(big.Int).Add(rec.CurrentDebt, gain)
			st.TotalDebt = new(big.Int).Add(st.TotalDebt, gain)
		} else if loss.Sign() > 0 {
			rec.CurrentDebt = subFloor(rec.CurrentDebt, loss)
			st.TotalDebt = subFloor(st.TotalDebt, loss)
		}
	}

	if accountantFeeShares.Sign() > 0 {
		if err := e.issueShares(st, e.accountantAt, accountantFeeShares); err != nil {
			return nil, nil, err
		}
	}
	if protocolFeeShares.Sign() > 0 {
		if err := e.issueShares(st, protocolRecipient, protocolFeeShares); err != nil {
			return nil, nil, err
		}
	}

	if err := e.updateUnlockSchedule(st, newlyLocked, now); err != nil {
		return nil, nil, err
	}

	if rec != nil {
		rec.LastReportTime = now
		if err := e.state.StrategyPut(rec); err != nil {
			return nil, nil, err
		}
	}
	if err := e.state.PutVaultState(st); err != nil {
		return nil, nil, err
	}
	e.emit(newReportEvent(strategy, gain, loss, totalFees, totalRefunds))
	return gain, loss, nil
}
