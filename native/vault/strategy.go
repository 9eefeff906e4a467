package vault

import (
	"errors"
	"math/big"
)

// ErrStrategyCapacity indicates the holding strategy was asked to accept more
// than its configured capacity.
var ErrStrategyCapacity = errors.New("vault strategy: deposit exceeds capacity")

// HoldingStrategy is the reference StrategyPort implementation: it parks the
// vault's allocation in its own asset-ledger account and reports that balance
// verbatim. The daemon registers one per configured allocation target; tests
// use it as the honest baseline counterparty.
type HoldingStrategy struct {
	asset    AssetPort
	addr     [20]byte
	vault    [20]byte
	capacity *big.Int
}

// NewHoldingStrategy constructs a holding strategy bound to its ledger
// account. A nil capacity means unbounded deposits.
func NewHoldingStrategy(asset AssetPort, addr, vault [20]byte, capacity *big.Int) *HoldingStrategy {
	return &HoldingStrategy{asset: asset, addr: addr, vault: vault, capacity: cloneBigInt(capacity)}
}

// Address returns the strategy's ledger account identifier.
func (s *HoldingStrategy) Address() [20]byte { return s.addr }

// MaxDeposit reports remaining capacity.
func (s *HoldingStrategy) MaxDeposit(_ [20]byte) (*big.Int, error) {
	if s.capacity == nil || s.capacity.Sign() == 0 {
		return UnlimitedCap(), nil
	}
	held, err := s.asset.BalanceOf(s.addr)
	if err != nil {
		return nil, err
	}
	return subFloor(s.capacity, held), nil
}

// MaxWithdraw reports the full held balance; nothing is ever locked.
func (s *HoldingStrategy) MaxWithdraw(_ [20]byte) (*big.Int, error) {
	return s.asset.BalanceOf(s.addr)
}

// Deposit pulls the approved amount from the vault's account.
func (s *HoldingStrategy) Deposit(assets *big.Int) error {
	if assets == nil || assets.Sign() <= 0 {
		return ErrInvalidAmount
	}
	max, err := s.MaxDeposit(s.vault)
	if err != nil {
		return err
	}
	if !isUnlimited(max) && assets.Cmp(max) > 0 {
		return ErrStrategyCapacity
	}
	return s.asset.TransferFrom(s.addr, s.vault, s.addr, assets)
}

// Withdraw pushes assets back to the vault.
func (s *HoldingStrategy) Withdraw(assets *big.Int) error {
	if assets == nil || assets.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.asset.Transfer(s.addr, s.vault, assets)
}

// ReportedAssets values the position at the held balance.
func (s *HoldingStrategy) ReportedAssets() (*big.Int, error) {
	return s.asset.BalanceOf(s.addr)
}
