package custody

import (
	"fmt"
	"math/big"
)

// Record tracks one holder's locked shares and the time their exit matures.
// A record exists only between rage-quit initiation and full withdrawal (or
// cancellation); locked shares never exceed the holder's balance.
type Record struct {
	Holder       [20]byte
	LockedShares *big.Int
	UnlockTime   int64
}

// Clone returns a deep copy of the custody record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.LockedShares = cloneBigInt(r.LockedShares)
	return &clone
}

// Matured reports whether the cooldown has elapsed.
func (r *Record) Matured(now int64) bool {
	return r != nil && now >= r.UnlockTime
}

// SanitizeRecord validates and normalises a stored custody record.
func SanitizeRecord(r *Record) (*Record, error) {
	if r == nil {
		return nil, fmt.Errorf("nil custody record")
	}
	clone := r.Clone()
	if clone.LockedShares.Sign() <= 0 {
		return nil, fmt.Errorf("custody record must lock a positive share amount")
	}
	if clone.UnlockTime <= 0 {
		return nil, fmt.Errorf("custody record missing unlock time")
	}
	return clone, nil
}

// Proposal is the singleton two-phase cooldown change: proposed, then
// finalized only after the grace delay, or cancelled while pending.
type Proposal struct {
	PendingPeriod uint64
	ProposedAt    int64
}

// Clone returns a copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
