package vault

import "math/big"

// AssetPort abstracts the underlying token ledger. The vault holds its idle
// reserve as a balance inside this ledger and measures every interaction with
// an external collaborator through before/after balance reads rather than
// trusting reported figures.
type AssetPort interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Allowance(owner, spender [20]byte) (*big.Int, error)
	Approve(owner, spender [20]byte, amount *big.Int) error
	Transfer(from, to [20]byte, amount *big.Int) error
	TransferFrom(spender, from, to [20]byte, amount *big.Int) error
}

// StrategyPort is the fixed contract a yield counterparty must honour. The
// engine treats every implementation as untrusted: deposits are approved and
// pulled by the strategy, withdrawals are pushed back to the vault, and the
// amount actually moved is always re-derived from asset balance deltas.
type StrategyPort interface {
	// MaxDeposit reports the asset amount the strategy currently accepts
	// from the vault.
	MaxDeposit(vault [20]byte) (*big.Int, error)
	// MaxWithdraw reports the asset amount the vault may currently pull.
	MaxWithdraw(vault [20]byte) (*big.Int, error)
	// Deposit instructs the strategy to pull up to the approved asset
	// amount from the vault.
	Deposit(assets *big.Int) error
	// Withdraw instructs the strategy to return the asset amount to the
	// vault.
	Withdraw(assets *big.Int) error
	// ReportedAssets is the strategy's own valuation of the vault's
	// position, consulted during report settlement and loss assessment.
	ReportedAssets() (*big.Int, error)
}

// FeePolicyPort is the external accountant consulted during report
// settlement. Fees dilute holders via freshly issued shares; refunds are
// pulled from the accountant's asset balance, clamped to what it actually
// holds and has approved.
type FeePolicyPort interface {
	Report(strategy [20]byte, gain, loss *big.Int) (fees, refunds *big.Int, err error)
}

// FeeConfigPort supplies the protocol-level split applied to accountant fees.
type FeeConfigPort interface {
	ProtocolFeeConfig() (bps uint64, recipient [20]byte, err error)
}

// DepositLimitPort optionally replaces the deposit cap with an external
// per-receiver limit module.
type DepositLimitPort interface {
	AvailableDepositLimit(receiver [20]byte) (*big.Int, error)
}
