package custody

import (
	"errors"
	"math/big"
	"time"

	"vaultd/core/events"
)

var (
	// ErrNilState indicates the engine was used before a state backend was
	// attached.
	ErrNilState = errors.New("custody engine: state not configured")
	// ErrNilVault indicates the engine was used before the share vault was
	// attached.
	ErrNilVault = errors.New("custody engine: vault not configured")
	// ErrInvalidAmount rejects zero or negative share amounts.
	ErrInvalidAmount = errors.New("custody engine: amount must be positive")
	// ErrRecordExists rejects a second rage-quit while one is in flight.
	ErrRecordExists = errors.New("custody engine: rage quit already active")
	// ErrNoRecord indicates the holder has no active custody record.
	ErrNoRecord = errors.New("custody engine: no active rage quit")
	// ErrExceedsBalance rejects locking more shares than the holder owns.
	ErrExceedsBalance = errors.New("custody engine: shares exceed balance")
	// ErrCooldownActive indicates the cooldown has not elapsed yet.
	ErrCooldownActive = errors.New("custody engine: cooldown not elapsed")
	// ErrExceedsLocked rejects withdrawing more than the custodied shares.
	ErrExceedsLocked = errors.New("custody engine: shares exceed custody record")
	// ErrTransferLocked indicates a transfer would dip into custodied
	// shares.
	ErrTransferLocked = errors.New("custody engine: transfer exceeds unlocked balance")
	// ErrSharesLocked indicates a base vault withdrawal would burn
	// custodied shares before the cooldown path releases them.
	ErrSharesLocked = errors.New("custody engine: shares exceed unlocked balance")
	// ErrNotGovernor rejects cooldown governance from any other actor.
	ErrNotGovernor = errors.New("custody engine: caller is not the governor")
	// ErrProposalExists rejects a second cooldown proposal while one is
	// pending.
	ErrProposalExists = errors.New("custody engine: cooldown change already proposed")
	// ErrNoProposal indicates no cooldown change is pending.
	ErrNoProposal = errors.New("custody engine: no pending cooldown change")
	// ErrGraceDelay indicates the mandatory delay has not elapsed.
	ErrGraceDelay = errors.New("custody engine: grace delay not elapsed")
)

// CooldownChangeGraceSeconds is the fixed delay between proposing and
// finalizing a cooldown change.
const CooldownChangeGraceSeconds int64 = 14 * 24 * 60 * 60

// ShareVault is the slice of the vault engine the custody extension wraps.
// The extension intercepts the transfer and withdrawal paths and delegates to
// the vault only after its own checks pass.
type ShareVault interface {
	BalanceOf(holder [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
	TransferFrom(spender, from, to [20]byte, amount *big.Int) error
	Withdraw(sender, receiver, owner [20]byte, assets *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error)
	Redeem(sender, receiver, owner [20]byte, shares *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error)
	PreviewWithdraw(assets *big.Int) (*big.Int, error)
}

type engineState interface {
	CustodyGet(holder [20]byte) (*Record, bool, error)
	CustodyPut(rec *Record) error
	CustodyDelete(holder [20]byte) error
	CooldownPeriod() (uint64, bool, error)
	SetCooldownPeriod(seconds uint64) error
	CooldownProposal() (*Proposal, bool, error)
	PutCooldownProposal(p *Proposal) error
	DeleteCooldownProposal() error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine layers the rage-quit custody ledger over a share vault by
// composition. Holders lock shares behind a cooldown; while a record exists
// transfers may only spend the unlocked remainder, and the extension's
// withdrawal entry points require a matured record, so the sanctioned exit
// path is always withdraw or redeem, never transfer.
type Engine struct {
	state           engineState
	vault           ShareVault
	emitter         events.Emitter
	governor        [20]byte
	defaultCooldown uint64
	nowFn           func() int64
}

// NewEngine constructs a custody engine governed by the given address. The
// default cooldown applies until governance changes it.
func NewEngine(governor [20]byte, defaultCooldown uint64) *Engine {
	return &Engine{
		governor:        governor,
		defaultCooldown: defaultCooldown,
		emitter:         events.NoopEmitter{},
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault wires the share vault the extension wraps.
func (e *Engine) SetVault(v ShareVault) { e.vault = v }

// SetEmitter configures the event sink. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.vault == nil {
		return ErrNilVault
	}
	return nil
}

// CooldownPeriod reports the currently effective cooldown in seconds.
func (e *Engine) CooldownPeriod() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	period, ok, err := e.state.CooldownPeriod()
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.defaultCooldown, nil
	}
	return period, nil
}

// CustodyOf returns the holder's active custody record, if any.
func (e *Engine) CustodyOf(holder [20]byte) (*Record, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	rec, ok, err := e.state.CustodyGet(holder)
	if err != nil || !ok {
		return nil, false, err
	}
	sanitized, err := SanitizeRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// InitiateRageQuit locks shares behind the current cooldown. Only one rage
// quit may be in flight per holder; the locked amount is bounded by the
// holder's balance.
func (e *Engine) InitiateRageQuit(holder [20]byte, shares *big.Int) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, ok, err := e.state.CustodyGet(holder); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrRecordExists
	}
	balance, err := e.vault.BalanceOf(holder)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(shares) < 0 {
		return nil, ErrExceedsBalance
	}
	period, err := e.CooldownPeriod()
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Holder:       holder,
		LockedShares: cloneBigInt(shares),
		UnlockTime:   e.now() + int64(period),
	}
	if err := e.state.CustodyPut(rec); err != nil {
		return nil, err
	}
	e.emit(newInitiatedEvent(rec))
	return rec.Clone(), nil
}

// CancelRageQuit removes the holder's lock without touching funds.
func (e *Engine) CancelRageQuit(holder [20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	rec, ok, err := e.state.CustodyGet(holder)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoRecord
	}
	if err := e.state.CustodyDelete(holder); err != nil {
		return err
	}
	e.emit(newCancelledEvent(rec))
	return nil
}

// Transfer moves shares, permitting at most the holder's unlocked remainder
// while a custody record exists. The gate applies whether or not the
// cooldown has elapsed.
func (e *Engine) Transfer(from, to [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkTransferable(from, amount); err != nil {
		return err
	}
	return e.vault.Transfer(from, to, amount)
}

// TransferFrom moves shares on the owner's behalf under the same custody
// gate as Transfer.
func (e *Engine) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkTransferable(from, amount); err != nil {
		return err
	}
	return e.vault.TransferFrom(spender, from, to, amount)
}

func (e *Engine) checkTransferable(from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	available, locked, err := e.unlockedRemainder(from)
	if err != nil {
		return err
	}
	if locked && amount.Cmp(available) > 0 {
		return ErrTransferLocked
	}
	return nil
}

// CheckRedeemable gates burns that bypass the extension's own withdrawal
// entry points. While a custody record exists only the unlocked remainder may
// leave through the base vault paths; the locked portion exits through
// Withdraw or Redeem here once the cooldown matures.
func (e *Engine) CheckRedeemable(owner [20]byte, shares *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if shares == nil || shares.Sign() <= 0 {
		return ErrInvalidAmount
	}
	available, locked, err := e.unlockedRemainder(owner)
	if err != nil {
		return err
	}
	if locked && shares.Cmp(available) > 0 {
		return ErrSharesLocked
	}
	return nil
}

// unlockedRemainder reports the holder's balance above the custodied amount.
// The second return is false when no record exists.
func (e *Engine) unlockedRemainder(holder [20]byte) (*big.Int, bool, error) {
	rec, ok, err := e.state.CustodyGet(holder)
	if err != nil || !ok {
		return nil, false, err
	}
	balance, err := e.vault.BalanceOf(holder)
	if err != nil {
		return nil, false, err
	}
	available := new(big.Int).Sub(balance, rec.LockedShares)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available, true, nil
}

// Withdraw pays out assets against the owner's matured custody record. This
// entry point replaces the base vault's for custodied holders: without an
// active, matured record no withdrawal passes through the extension.
func (e *Engine) Withdraw(sender, receiver, owner [20]byte, assets *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	shares, err := e.vault.PreviewWithdraw(assets)
	if err != nil {
		return nil, err
	}
	rec, err := e.maturedRecord(owner, shares)
	if err != nil {
		return nil, err
	}
	snap := e.state.Snapshot()
	burned, err := e.vault.Withdraw(sender, receiver, owner, assets, maxLossBps, queue)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.settleCustody(rec, burned); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return burned, nil
}

// Redeem burns an exact share amount against the owner's matured custody
// record.
func (e *Engine) Redeem(sender, receiver, owner [20]byte, shares *big.Int, maxLossBps uint64, queue [][20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.maturedRecord(owner, shares)
	if err != nil {
		return nil, err
	}
	snap := e.state.Snapshot()
	paid, err := e.vault.Redeem(sender, receiver, owner, shares, maxLossBps, queue)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.settleCustody(rec, shares); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return paid, nil
}

func (e *Engine) maturedRecord(owner [20]byte, shares *big.Int) (*Record, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	rec, ok, err := e.state.CustodyGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	if !rec.Matured(e.now()) {
		return nil, ErrCooldownActive
	}
	if rec.LockedShares.Cmp(shares) < 0 {
		return nil, ErrExceedsLocked
	}
	return rec.Clone(), nil
}

// settleCustody decrements the record by the burned shares, deleting it once
// everything custodied has left.
func (e *Engine) settleCustody(rec *Record, burned *big.Int) error {
	remaining := new(big.Int).Sub(rec.LockedShares, burned)
	if remaining.Sign() <= 0 {
		if err := e.state.CustodyDelete(rec.Holder); err != nil {
			return err
		}
		e.emit(newWithdrawnEvent(rec.Holder, burned, big.NewInt(0)))
		return nil
	}
	rec.LockedShares = remaining
	if err := e.state.CustodyPut(rec); err != nil {
		return err
	}
	e.emit(newWithdrawnEvent(rec.Holder, burned, remaining))
	return nil
}

// ProposeCooldown stages a new cooldown period behind the fixed grace delay.
// Only one proposal may be pending at a time.
func (e *Engine) ProposeCooldown(caller [20]byte, seconds uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if caller != e.governor {
		return ErrNotGovernor
	}
	if _, ok, err := e.state.CooldownProposal(); err != nil {
		return err
	} else if ok {
		return ErrProposalExists
	}
	proposal := &Proposal{PendingPeriod: seconds, ProposedAt: e.now()}
	if err := e.state.PutCooldownProposal(proposal); err != nil {
		return err
	}
	e.emit(newCooldownProposedEvent(proposal))
	return nil
}

// FinalizeCooldown applies the pending cooldown once the grace delay has
// elapsed. Records created before finalization keep the unlock time they
// were issued with; the change is never retroactive.
func (e *Engine) FinalizeCooldown(caller [20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if caller != e.governor {
		return ErrNotGovernor
	}
	proposal, ok, err := e.state.CooldownProposal()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoProposal
	}
	if e.now() < proposal.ProposedAt+CooldownChangeGraceSeconds {
		return ErrGraceDelay
	}
	snap := e.state.Snapshot()
	err = func() error {
		if err := e.state.SetCooldownPeriod(proposal.PendingPeriod); err != nil {
			return err
		}
		return e.state.DeleteCooldownProposal()
	}()
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.emit(newCooldownFinalizedEvent(proposal))
	return nil
}

// CancelCooldownChange drops the pending proposal.
func (e *Engine) CancelCooldownChange(caller [20]byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if caller != e.governor {
		return ErrNotGovernor
	}
	proposal, ok, err := e.state.CooldownProposal()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoProposal
	}
	if err := e.state.DeleteCooldownProposal(); err != nil {
		return err
	}
	e.emit(newCooldownCancelledEvent(proposal))
	return nil
}

// PendingCooldown returns the pending proposal, if any.
func (e *Engine) PendingCooldown() (*Proposal, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	proposal, ok, err := e.state.CooldownProposal()
	if err != nil || !ok {
		return nil, false, err
	}
	return proposal.Clone(), true, nil
}
