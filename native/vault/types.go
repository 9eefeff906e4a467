package vault

import (
	"fmt"
	"math/big"
)

// Rounding selects the direction applied when a conversion between assets and
// shares does not divide evenly. Round-up is used wherever the vault must not
// be short-changed; round-down wherever a holder could otherwise over-claim.
type Rounding uint8

const (
	RoundDown Rounding = iota
	RoundUp
)

const (
	// MaxQueueLength bounds the default withdrawal queue and any explicit
	// queue supplied by a caller.
	MaxQueueLength = 10
	// MaxUnlockSeconds caps the profit unlock duration at one year.
	MaxUnlockSeconds uint64 = 31_556_952
)

// State captures the global accounting position for a single vault instance.
// Amounts are denominated in the underlying asset's smallest unit and share
// quantities in the vault's own share unit, both as big integers.
type State struct {
	// IdleReserve is the asset amount held directly by the vault and
	// immediately available for withdrawals.
	IdleReserve *big.Int
	// TotalDebt is the aggregate asset amount allocated across strategies,
	// valued at the debt recorded per strategy.
	TotalDebt *big.Int
	// TotalSupply is the raw share supply including any not-yet-burned
	// unlock buffer held by the vault itself.
	TotalSupply *big.Int
	// Decimals mirrors the underlying asset's decimal precision.
	Decimals uint8
	// DepositCap bounds totalAssets after a deposit. The maxUint256 sentinel
	// disables the cap.
	DepositCap *big.Int
	// MinimumIdle is the asset floor the debt engine will never allocate
	// below.
	MinimumIdle *big.Int
	// Shutdown halts new deposits irreversibly. Withdrawals stay open.
	Shutdown bool
	// AutoAllocate pushes freshly deposited assets to the head of the
	// default queue.
	AutoAllocate bool
	// DefaultQueue is the ordered strategy list walked during withdrawals
	// when the caller does not supply one.
	DefaultQueue [][20]byte

	// UnlockingRate is the share amount unlocking per second, scaled by
	// unlockPrecision.
	UnlockingRate *big.Int
	// FullUnlockTime is the unix second at which the current buffer is fully
	// vested. Zero means no buffer has ever been scheduled.
	FullUnlockTime int64
	// LastUnlockUpdate is the unix second of the last schedule update.
	LastUnlockUpdate int64
	// MaxUnlockDuration is the configured unlock period for new profit, in
	// seconds. Zero disables profit locking entirely.
	MaxUnlockDuration uint64
}

// Clone returns a deep copy of the state so callers can mutate working copies
// without affecting the stored instance.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.IdleReserve = cloneBigInt(s.IdleReserve)
	clone.TotalDebt = cloneBigInt(s.TotalDebt)
	clone.TotalSupply = cloneBigInt(s.TotalSupply)
	clone.DepositCap = cloneBigInt(s.DepositCap)
	clone.MinimumIdle = cloneBigInt(s.MinimumIdle)
	clone.UnlockingRate = cloneBigInt(s.UnlockingRate)
	if s.DefaultQueue != nil {
		clone.DefaultQueue = make([][20]byte, len(s.DefaultQueue))
		copy(clone.DefaultQueue, s.DefaultQueue)
	}
	return &clone
}

// TotalAssets reports the combined idle reserve and strategy debt.
func (s *State) TotalAssets() *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBigInt(s.IdleReserve), cloneBigInt(s.TotalDebt))
}

// SanitizeState normalises a stored state record, replacing nil amounts with
// zero and validating configuration ranges. The original value is not mutated.
func SanitizeState(s *State) (*State, error) {
	if s == nil {
		return nil, fmt.Errorf("nil vault state")
	}
	clone := s.Clone()
	if clone.DepositCap == nil {
		clone.DepositCap = UnlimitedCap()
	}
	if clone.MaxUnlockDuration > MaxUnlockSeconds {
		return nil, fmt.Errorf("unlock duration out of range: %d", clone.MaxUnlockDuration)
	}
	if len(clone.DefaultQueue) > MaxQueueLength {
		return nil, fmt.Errorf("default queue exceeds %d entries", MaxQueueLength)
	}
	if clone.IdleReserve.Sign() < 0 || clone.TotalDebt.Sign() < 0 || clone.TotalSupply.Sign() < 0 {
		return nil, fmt.Errorf("vault state amounts must be non-negative")
	}
	return clone, nil
}

// StrategyRecord tracks the vault-side accounting for a registered strategy.
// Records are created on registration, mutated by the debt and report paths
// and zeroed on revocation. A revoked strategy may be registered again with a
// fresh record; prior loss history is not restored.
type StrategyRecord struct {
	// Strategy is the counterparty account identifier.
	Strategy [20]byte
	// ActivationTime is the unix second of registration. A zero value marks
	// the record inactive.
	ActivationTime int64
	// LastReportTime is the unix second of the last settled report.
	LastReportTime int64
	// CurrentDebt is the asset amount the vault has allocated to the
	// strategy, valued at the last settlement.
	CurrentDebt *big.Int
	// MaxDebt caps the debt the allocation engine may extend.
	MaxDebt *big.Int
}

// Clone returns a deep copy of the strategy record.
func (r *StrategyRecord) Clone() *StrategyRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.CurrentDebt = cloneBigInt(r.CurrentDebt)
	clone.MaxDebt = cloneBigInt(r.MaxDebt)
	return &clone
}

// Active reports whether the record belongs to a currently registered
// strategy.
func (r *StrategyRecord) Active() bool {
	return r != nil && r.ActivationTime > 0
}

// SanitizeStrategyRecord validates and normalises a stored strategy record.
func SanitizeStrategyRecord(r *StrategyRecord) (*StrategyRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("nil strategy record")
	}
	clone := r.Clone()
	if clone.CurrentDebt.Sign() < 0 {
		return nil, fmt.Errorf("strategy debt must be non-negative")
	}
	if clone.MaxDebt.Sign() < 0 {
		return nil, fmt.Errorf("strategy max debt must be non-negative")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
