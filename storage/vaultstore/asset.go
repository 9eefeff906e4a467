package vaultstore

import (
	"errors"
	"math/big"

	"vaultd/native/vault"
)

var (
	ErrAssetAmount      = errors.New("asset ledger: amount must be non-negative")
	ErrAssetBalance     = errors.New("asset ledger: insufficient balance")
	ErrAssetAllowance   = errors.New("asset ledger: insufficient allowance")
	ErrAssetZeroAccount = errors.New("asset ledger: zero address account")
)

// AssetLedger is the underlying token ledger, backed by the same overlay
// stack as the vault state so that a reverted vault operation also unwinds
// its asset moves. It satisfies the vault engine's AssetPort.
type AssetLedger struct {
	store *Store
}

// NewAssetLedger returns the asset ledger view over a store.
func NewAssetLedger(store *Store) *AssetLedger {
	return &AssetLedger{store: store}
}

// Mint credits freshly issued units to an account. Used to seed balances at
// genesis; there is no burn path.
func (l *AssetLedger) Mint(addr [20]byte, amount *big.Int) error {
	if addr == ([20]byte{}) {
		return ErrAssetZeroAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrAssetAmount
	}
	balance, err := l.store.getBig(addrKey(prefixAssetBalance, addr))
	if err != nil {
		return err
	}
	return l.store.putBig(addrKey(prefixAssetBalance, addr), new(big.Int).Add(balance, amount))
}

func (l *AssetLedger) BalanceOf(addr [20]byte) (*big.Int, error) {
	return l.store.getBig(addrKey(prefixAssetBalance, addr))
}

func (l *AssetLedger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	return l.store.getBig(pairKey(prefixAssetAllowance, owner, spender))
}

func (l *AssetLedger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return ErrAssetZeroAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrAssetAmount
	}
	return l.store.putBig(pairKey(prefixAssetAllowance, owner, spender), amount)
}

func (l *AssetLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	return l.move(from, to, amount)
}

// TransferFrom moves assets on behalf of a spender. The allowance check is
// skipped when the spender is the owner; an unlimited allowance is never
// drawn down.
func (l *AssetLedger) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrAssetAmount
	}
	if spender != from {
		allowance, err := l.Allowance(from, spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(vault.UnlimitedCap()) != 0 {
			if allowance.Cmp(amount) < 0 {
				return ErrAssetAllowance
			}
			remaining := new(big.Int).Sub(allowance, amount)
			if err := l.store.putBig(pairKey(prefixAssetAllowance, from, spender), remaining); err != nil {
				return err
			}
		}
	}
	return l.move(from, to, amount)
}

func (l *AssetLedger) move(from, to [20]byte, amount *big.Int) error {
	if from == ([20]byte{}) || to == ([20]byte{}) {
		return ErrAssetZeroAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrAssetAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance, err := l.store.getBig(addrKey(prefixAssetBalance, from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrAssetBalance
	}
	toBalance, err := l.store.getBig(addrKey(prefixAssetBalance, to))
	if err != nil {
		return err
	}
	if err := l.store.putBig(addrKey(prefixAssetBalance, from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.store.putBig(addrKey(prefixAssetBalance, to), new(big.Int).Add(toBalance, amount))
}
