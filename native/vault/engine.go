package vault

import (
	"errors"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"vaultd/core/events"
	"vaultd/core/types"
)

var (
	// ErrNilState indicates the engine was used before a state backend was
	// attached.
	ErrNilState = errors.New("vault engine: state not configured")
	// ErrNilAsset indicates the engine was used before the underlying asset
	// ledger was attached.
	ErrNilAsset = errors.New("vault engine: asset ledger not configured")
	// ErrReentrancy indicates a guarded operation re-entered itself, usually
	// through a strategy callback.
	ErrReentrancy = errors.New("vault engine: reentrant call")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("vault engine: amount must be positive")
	// ErrInvalidReceiver rejects the zero address and the vault itself as a
	// share destination.
	ErrInvalidReceiver = errors.New("vault engine: invalid receiver")
	// ErrShutdown rejects deposits after the vault was shut down.
	ErrShutdown = errors.New("vault engine: vault is shut down")
	// ErrDepositLimit indicates a deposit would exceed the configured cap or
	// the external limit module's allowance.
	ErrDepositLimit = errors.New("vault engine: deposit exceeds limit")
	// ErrZeroShares indicates a deposit would mint zero-value shares, which
	// happens when supply is positive but total assets are zero.
	ErrZeroShares = errors.New("vault engine: cannot mint zero shares")
	// ErrInsufficientShares indicates the owner holds fewer shares than the
	// operation requires.
	ErrInsufficientShares = errors.New("vault engine: insufficient shares")
	// ErrInsufficientLiquidity indicates the queue walk could not assemble
	// the requested assets.
	ErrInsufficientLiquidity = errors.New("vault engine: insufficient liquidity")
	// ErrTooMuchLoss indicates accumulated loss exceeded the caller's
	// tolerance.
	ErrTooMuchLoss = errors.New("vault engine: loss exceeds tolerance")
	// ErrInvalidMaxLoss rejects loss tolerances above 100%.
	ErrInvalidMaxLoss = errors.New("vault engine: max loss exceeds 10000 bps")
	// ErrStrategyNotActive indicates the strategy has no active record.
	ErrStrategyNotActive = errors.New("vault engine: strategy not active")
	// ErrStrategyActive indicates the strategy is already registered.
	ErrStrategyActive = errors.New("vault engine: strategy already active")
	// ErrStrategyHasDebt rejects a non-forced revocation while debt remains.
	ErrStrategyHasDebt = errors.New("vault engine: strategy has outstanding debt")
	// ErrInvalidQueue rejects malformed withdrawal queues.
	ErrInvalidQueue = errors.New("vault engine: invalid withdrawal queue")
	// ErrNotAuthorized indicates the caller lacks the capability bit for the
	// operation.
	ErrNotAuthorized = errors.New("vault engine: not authorized")
	// ErrBalanceOverflow indicates a stored balance exceeded 256 bits.
	ErrBalanceOverflow = errors.New("vault engine: balance overflow")
)

const moduleName = "vault"

// engineState is the narrow persistence surface the engine depends on. The
// snapshot pair provides whole-operation atomicity: every public mutation
// takes a snapshot first and reverts to it on any failure, so a state-mutating
// call either fully applies or leaves no trace.
type engineState interface {
	VaultState() (*State, error)
	PutVaultState(*State) error
	StrategyGet(addr [20]byte) (*StrategyRecord, bool, error)
	StrategyPut(rec *StrategyRecord) error
	StrategyDelete(addr [20]byte) error
	ShareBalance(addr [20]byte) (*big.Int, error)
	SetShareBalance(addr [20]byte, balance *big.Int) error
	ShareAllowance(owner, spender [20]byte) (*big.Int, error)
	SetShareAllowance(owner, spender [20]byte, amount *big.Int) error
	PermitNonce(addr [20]byte) (uint64, error)
	SetPermitNonce(addr [20]byte, nonce uint64) error
	AccountRoles(addr [20]byte) (Role, error)
	SetAccountRoles(addr [20]byte, roles Role) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Engine orchestrates the share ledger, profit unlocking, debt allocation and
// report settlement for one vault instance. All entry points are serialized
// behind a non-reentrant guard; there is no internal concurrency.
type Engine struct {
	state        engineState
	asset        AssetPort
	emitter      events.Emitter
	vaultAddr    [20]byte
	manager      [20]byte
	strategies   map[[20]byte]StrategyPort
	accountant   FeePolicyPort
	accountantAt [20]byte
	feeConfig    FeeConfigPort
	depositLimit DepositLimitPort
	nowFn        func() int64
	locked       bool
}

// NewEngine constructs a vault engine bound to its own ledger account and the
// manager address that administers roles.
func NewEngine(vaultAddr, manager [20]byte) *Engine {
	return &Engine{
		vaultAddr:  vaultAddr,
		manager:    manager,
		strategies: make(map[[20]byte]StrategyPort),
		emitter:    events.NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAsset wires the underlying asset ledger. Implementations that share the
// engine's state journal participate in whole-operation rollback; external
// ones are treated as unrecoverable side effects the way any counterparty is.
func (e *Engine) SetAsset(asset AssetPort) { e.asset = asset }

// RegisterStrategyPort re-attaches the in-memory port for an already
// registered strategy, typically after a restart. It does not create or
// modify the stored record; AddStrategy remains the only registration path.
func (e *Engine) RegisterStrategyPort(addr [20]byte, port StrategyPort) {
	if port == nil {
		delete(e.strategies, addr)
		return
	}
	e.strategies[addr] = port
}

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

// Address returns the vault's own ledger account identifier.
func (e *Engine) Address() [20]byte { return e.vaultAddr }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: evt})
}

func (e *Engine) enter() error {
	if e.locked {
		return ErrReentrancy
	}
	e.locked = true
	return nil
}

func (e *Engine) exit() { e.locked = false }

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.asset == nil {
		return ErrNilAsset
	}
	return nil
}

func (e *Engine) loadState() (*State, error) {
	stored, err := e.state.VaultState()
	if err != nil {
		return nil, err
	}
	return SanitizeState(stored)
}

func (e *Engine) shareBalance(addr [20]byte) (*big.Int, error) {
	bal, err := e.state.ShareBalance(addr)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	if _, overflow := uint256.FromBig(bal); overflow {
		return nil, ErrBalanceOverflow
	}
	return new(big.Int).Set(bal), nil
}

func (e *Engine) strategyRecord(addr [20]byte) (*StrategyRecord, error) {
	rec, ok, err := e.state.StrategyGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok || !rec.Active() {
		return nil, ErrStrategyNotActive
	}
	return SanitizeStrategyRecord(rec)
}

func (e *Engine) strategyPort(addr [20]byte) (StrategyPort, error) {
	port, ok := e.strategies[addr]
	if !ok || port == nil {
		return nil, ErrStrategyNotActive
	}
	return port, nil
}

// convertToShares prices an asset amount in shares using the effective
// supply. Degenerate denominators never trap: zero supply pegs 1:1 and a
// positive supply backed by zero assets values every share at nothing.
func (e *Engine) convertToShares(st *State, assets *big.Int, rounding Rounding, now int64) (*big.Int, error) {
	if assets == nil || assets.Sign() == 0 {
		return big.NewInt(0), nil
	}
	supply, err := e.effectiveSupply(st, now)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return new(big.Int).Set(assets), nil
	}
	total := st.TotalAssets()
	if total.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if rounding == RoundUp {
		return mulDivUp(assets, supply, total), nil
	}
	return mulDivDown(assets, supply, total), nil
}

// convertToAssets prices a share amount in assets using the effective supply.
func (e *Engine) convertToAssets(st *State, shares *big.Int, rounding Rounding, now int64) (*big.Int, error) {
	if shares == nil || shares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	supply, err := e.effectiveSupply(st, now)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return new(big.Int).Set(shares), nil
	}
	total := st.TotalAssets()
	if rounding == RoundUp {
		return mulDivUp(shares, total, supply), nil
	}
	return mulDivDown(shares, total, supply), nil
}

// ConvertToShares exposes the asset→share conversion as a read-only query.
func (e *Engine) ConvertToShares(assets *big.Int, rounding Rounding) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return e.convertToShares(st, assets, rounding, e.now())
}

// ConvertToAssets exposes the share→asset conversion as a read-only query.
func (e *Engine) ConvertToAssets(shares *big.Int, rounding Rounding) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return e.convertToAssets(st, shares, rounding, e.now())
}

// TotalAssets reports the idle reserve plus total strategy debt.
func (e *Engine) TotalAssets() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return st.TotalAssets(), nil
}

// TotalIdle reports the asset amount held directly by the vault.
func (e *Engine) TotalIdle() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(st.IdleReserve), nil
}

// TotalDebt reports the aggregate debt recorded across strategies.
func (e *Engine) TotalDebt() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(st.TotalDebt), nil
}

// Strategy returns the record for a registered strategy.
func (e *Engine) Strategy(addr [20]byte) (*StrategyRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.strategyRecord(addr)
}

// maxDepositFor computes the asset amount the receiver may still deposit.
func (e *Engine) maxDepositFor(st *State, receiver [20]byte) (*big.Int, error) {
	if st.Shutdown {
		return big.NewInt(0), nil
	}
	if e.depositLimit != nil {
		limit, err := e.depositLimit.AvailableDepositLimit(receiver)
		if err != nil {
			return nil, err
		}
		return cloneBigInt(limit), nil
	}
	if isUnlimited(st.DepositCap) {
		return UnlimitedCap(), nil
	}
	return subFloor(st.DepositCap, st.TotalAssets()), nil
}

// MaxDeposit reports the asset amount the receiver may deposit right now.
func (e *Engine) MaxDeposit(receiver [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return e.maxDepositFor(st, receiver)
}

// MaxMint reports the share amount the receiver may mint right now.
func (e *Engine) MaxMint(receiver [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	maxAssets, err := e.maxDepositFor(st, receiver)
	if err != nil {
		return nil, err
	}
	if isUnlimited(maxAssets) {
		return maxAssets, nil
	}
	return e.convertToShares(st, maxAssets, RoundDown, e.now())
}

// PreviewDeposit reports the shares a deposit of the given assets would mint.
func (e *Engine) PreviewDeposit(assets *big.Int) (*big.Int, error) {
	return e.ConvertToShares(assets, RoundDown)
}

// PreviewMint reports the assets required to mint the given shares.
func (e *Engine) PreviewMint(shares *big.Int) (*big.Int, error) {
	return e.ConvertToAssets(shares, RoundUp)
}

// Deposit moves assets from the sender into the idle reserve and mints shares
// to the receiver, returning the minted share amount.
func (e *Engine) Deposit(sender, receiver [20]byte, assets *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	minted, err := e.deposit(sender, receiver, assets, nil)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return minted, nil
}

// Mint issues an exact share amount to the receiver, charging the sender the
// round-up asset price, and returns the assets taken.
func (e *Engine) Mint(sender, receiver [20]byte, shares *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	assets, err := e.mint(sender, receiver, shares)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return assets, nil
}

// deposit performs the shared deposit path. When exactShares is non-nil the
// caller fixed the share amount (mint path) and assets carries its round-up
// price.
func (e *Engine) deposit(sender, receiver [20]byte, assets, exactShares *big.Int) (*big.Int, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if st.Shutdown {
		return nil, ErrShutdown
	}
	if receiver == ([20]byte{}) || receiver == e.vaultAddr {
		return nil, ErrInvalidReceiver
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := e.now()

	limit, err := e.maxDepositFor(st, receiver)
	if err != nil {
		return nil, err
	}
	if !isUnlimited(limit) && assets.Cmp(limit) > 0 {
		return nil, ErrDepositLimit
	}

	shares := exactShares
	if shares == nil {
		shares, err = e.convertToShares(st, assets, RoundDown, now)
		if err != nil {
			return nil, err
		}
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	if err := e.asset.TransferFrom(e.vaultAddr, sender, e.vaultAddr, assets); err != nil {
		return nil, err
	}
	st.IdleReserve = new(big.Int).Add(st.IdleReserve, assets)
	if err := e.issueShares(st, receiver, shares); err != nil {
		return nil, err
	}

	if st.AutoAllocate && len(st.DefaultQueue) > 0 {
		if err := e.autoAllocate(st); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutVaultState(st); err != nil {
		return nil, err
	}
	e.emit(newTransferEvent([20]byte{}, receiver, shares))
	e.emit(newDepositEvent(sender, receiver, assets, shares))
	return shares, nil
}

func (e *Engine) mint(sender, receiver [20]byte, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	assets, err := e.convertToAssets(st, shares, RoundUp, e.now())
	if err != nil {
		return nil, err
	}
	if assets.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if _, err := e.deposit(sender, receiver, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}
