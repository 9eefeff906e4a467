package vault

import (
	"errors"
	"math/big"
	"testing"
)

// mockLedger backs both the engine state and the asset port from one struct
// so snapshots roll the asset moves back together with the vault records,
// mirroring the production store's shared journal.
type mockLedger struct {
	state           *State
	strategies      map[[20]byte]*StrategyRecord
	shares          map[[20]byte]*big.Int
	shareAllowances map[string]*big.Int
	nonces          map[[20]byte]uint64
	roles           map[[20]byte]Role
	assets          map[[20]byte]*big.Int
	assetAllowances map[string]*big.Int

	snapshots []*mockLedger
}

func newMockLedger(decimals uint8) *mockLedger {
	return &mockLedger{
		state: &State{
			IdleReserve: big.NewInt(0),
			TotalDebt:   big.NewInt(0),
			TotalSupply: big.NewInt(0),
			Decimals:    decimals,
			DepositCap:  UnlimitedCap(),
			MinimumIdle: big.NewInt(0),
		},
		strategies:      make(map[[20]byte]*StrategyRecord),
		shares:          make(map[[20]byte]*big.Int),
		shareAllowances: make(map[string]*big.Int),
		nonces:          make(map[[20]byte]uint64),
		roles:           make(map[[20]byte]Role),
		assets:          make(map[[20]byte]*big.Int),
		assetAllowances: make(map[string]*big.Int),
	}
}

func pairID(owner, spender [20]byte) string {
	return string(owner[:]) + string(spender[:])
}

func (m *mockLedger) clone() *mockLedger {
	copyBigMap := func(src map[[20]byte]*big.Int) map[[20]byte]*big.Int {
		out := make(map[[20]byte]*big.Int, len(src))
		for k, v := range src {
			out[k] = new(big.Int).Set(v)
		}
		return out
	}
	copyPairMap := func(src map[string]*big.Int) map[string]*big.Int {
		out := make(map[string]*big.Int, len(src))
		for k, v := range src {
			out[k] = new(big.Int).Set(v)
		}
		return out
	}
	clone := &mockLedger{
		state:           m.state.Clone(),
		strategies:      make(map[[20]byte]*StrategyRecord, len(m.strategies)),
		shares:          copyBigMap(m.shares),
		shareAllowances: copyPairMap(m.shareAllowances),
		nonces:          make(map[[20]byte]uint64, len(m.nonces)),
		roles:           make(map[[20]byte]Role, len(m.roles)),
		assets:          copyBigMap(m.assets),
		assetAllowances: copyPairMap(m.assetAllowances),
	}
	for k, v := range m.strategies {
		clone.strategies[k] = v.Clone()
	}
	for k, v := range m.nonces {
		clone.nonces[k] = v
	}
	for k, v := range m.roles {
		clone.roles[k] = v
	}
	return clone
}

func (m *mockLedger) restore(from *mockLedger) {
	m.state = from.state
	m.strategies = from.strategies
	m.shares = from.shares
	m.shareAllowances = from.shareAllowances
	m.nonces = from.nonces
	m.roles = from.roles
	m.assets = from.assets
	m.assetAllowances = from.assetAllowances
}

func (m *mockLedger) Snapshot() int {
	id := len(m.snapshots)
	m.snapshots = append(m.snapshots, m.clone())
	return id
}

func (m *mockLedger) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.restore(m.snapshots[id])
	m.snapshots = m.snapshots[:id]
}

func (m *mockLedger) VaultState() (*State, error) {
	return m.state.Clone(), nil
}

func (m *mockLedger) PutVaultState(st *State) error {
	m.state = st.Clone()
	return nil
}

func (m *mockLedger) StrategyGet(addr [20]byte) (*StrategyRecord, bool, error) {
	rec, ok := m.strategies[addr]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockLedger) StrategyPut(rec *StrategyRecord) error {
	m.strategies[rec.Strategy] = rec.Clone()
	return nil
}

func (m *mockLedger) StrategyDelete(addr [20]byte) error {
	delete(m.strategies, addr)
	return nil
}

func (m *mockLedger) ShareBalance(addr [20]byte) (*big.Int, error) {
	if balance, ok := m.shares[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedger) SetShareBalance(addr [20]byte, balance *big.Int) error {
	m.shares[addr] = new(big.Int).Set(balance)
	return nil
}

func (m *mockLedger) ShareAllowance(owner, spender [20]byte) (*big.Int, error) {
	if allowance, ok := m.shareAllowances[pairID(owner, spender)]; ok {
		return new(big.Int).Set(allowance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedger) SetShareAllowance(owner, spender [20]byte, amount *big.Int) error {
	m.shareAllowances[pairID(owner, spender)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockLedger) PermitNonce(addr [20]byte) (uint64, error) {
	return m.nonces[addr], nil
}

func (m *mockLedger) SetPermitNonce(addr [20]byte, nonce uint64) error {
	m.nonces[addr] = nonce
	return nil
}

func (m *mockLedger) AccountRoles(addr [20]byte) (Role, error) {
	return m.roles[addr], nil
}

func (m *mockLedger) SetAccountRoles(addr [20]byte, roles Role) error {
	m.roles[addr] = roles
	return nil
}

// --- asset port over the same struct ---

var errMockAsset = errors.New("mock asset: insufficient funds")

func (m *mockLedger) BalanceOf(addr [20]byte) (*big.Int, error) {
	if balance, ok := m.assets[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if allowance, ok := m.assetAllowances[pairID(owner, spender)]; ok {
		return new(big.Int).Set(allowance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedger) Approve(owner, spender [20]byte, amount *big.Int) error {
	m.assetAllowances[pairID(owner, spender)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	return m.moveAsset(from, to, amount)
}

func (m *mockLedger) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	if spender != from {
		allowance, _ := m.Allowance(from, spender)
		if !isUnlimited(allowance) {
			if allowance.Cmp(amount) < 0 {
				return errMockAsset
			}
			m.assetAllowances[pairID(from, spender)] = new(big.Int).Sub(allowance, amount)
		}
	}
	return m.moveAsset(from, to, amount)
}

func (m *mockLedger) moveAsset(from, to [20]byte, amount *big.Int) error {
	balance, _ := m.BalanceOf(from)
	if balance.Cmp(amount) < 0 {
		return errMockAsset
	}
	m.assets[from] = balance.Sub(balance, amount)
	toBalance, _ := m.BalanceOf(to)
	m.assets[to] = toBalance.Add(toBalance, amount)
	return nil
}

func (m *mockLedger) fund(addr [20]byte, amount int64) {
	balance, _ := m.BalanceOf(addr)
	m.assets[addr] = balance.Add(balance, big.NewInt(amount))
}

// --- fake ports ---

var lossSink = addr(0xff)

// fakeStrategy moves real balances through the asset port the way a holding
// counterparty would, with knobs to constrain capacity, misreport value and
// realize a haircut on withdrawal.
type fakeStrategy struct {
	ledger *mockLedger
	addr   [20]byte
	vault  [20]byte

	maxDeposit  *big.Int // nil means unlimited
	maxWithdraw *big.Int // nil means current balance
	reported    *big.Int // nil means current balance
	haircutBps  uint64   // portion lost on every withdrawal
}

func (f *fakeStrategy) MaxDeposit([20]byte) (*big.Int, error) {
	if f.maxDeposit != nil {
		return new(big.Int).Set(f.maxDeposit), nil
	}
	return UnlimitedCap(), nil
}

func (f *fakeStrategy) MaxWithdraw([20]byte) (*big.Int, error) {
	if f.maxWithdraw != nil {
		return new(big.Int).Set(f.maxWithdraw), nil
	}
	return f.ledger.BalanceOf(f.addr)
}

func (f *fakeStrategy) Deposit(assets *big.Int) error {
	return f.ledger.TransferFrom(f.addr, f.vault, f.addr, assets)
}

func (f *fakeStrategy) Withdraw(assets *big.Int) error {
	pay := new(big.Int).Set(assets)
	if f.haircutBps > 0 {
		haircut := bpsOf(assets, f.haircutBps)
		pay.Sub(pay, haircut)
		if err := f.ledger.Transfer(f.addr, lossSink, haircut); err != nil {
			return err
		}
	}
	return f.ledger.Transfer(f.addr, f.vault, pay)
}

func (f *fakeStrategy) ReportedAssets() (*big.Int, error) {
	if f.reported != nil {
		return new(big.Int).Set(f.reported), nil
	}
	return f.ledger.BalanceOf(f.addr)
}

type fakeAccountant struct {
	fees    *big.Int
	refunds *big.Int
}

func (f *fakeAccountant) Report([20]byte, *big.Int, *big.Int) (*big.Int, *big.Int, error) {
	fees := big.NewInt(0)
	if f.fees != nil {
		fees = new(big.Int).Set(f.fees)
	}
	refunds := big.NewInt(0)
	if f.refunds != nil {
		refunds = new(big.Int).Set(f.refunds)
	}
	return fees, refunds, nil
}

type fakeFeeConfig struct {
	bps       uint64
	recipient [20]byte
}

func (f *fakeFeeConfig) ProtocolFeeConfig() (uint64, [20]byte, error) {
	return f.bps, f.recipient, nil
}

type fakeDepositLimit struct {
	limit *big.Int
}

func (f *fakeDepositLimit) AvailableDepositLimit([20]byte) (*big.Int, error) {
	return new(big.Int).Set(f.limit), nil
}

// --- harness ---

type testClock struct {
	now int64
}

func (c *testClock) advance(seconds int64) { c.now += seconds }

func addr(suffix byte) [20]byte {
	var a [20]byte
	a[19] = suffix
	return a
}

var (
	vaultAddr   = addr(0x01)
	managerAddr = addr(0x02)
	alice       = addr(0x0a)
	bob         = addr(0x0b)
	strategyOne = addr(0x21)
	strategyTwo = addr(0x22)
)

func newTestEngine(t *testing.T) (*Engine, *mockLedger, *testClock) {
	t.Helper()
	ledger := newMockLedger(6)
	clock := &testClock{now: 1_700_000_000}
	engine := NewEngine(vaultAddr, managerAddr)
	engine.SetState(ledger)
	engine.SetAsset(ledger)
	engine.SetNowFunc(func() int64 { return clock.now })
	return engine, ledger, clock
}

// depositFor funds the holder and performs a deposit in one step.
func depositFor(t *testing.T, engine *Engine, ledger *mockLedger, holder [20]byte, amount int64) *big.Int {
	t.Helper()
	ledger.fund(holder, amount)
	if err := ledger.Approve(holder, vaultAddr, big.NewInt(amount)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	shares, err := engine.Deposit(holder, holder, big.NewInt(amount))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return shares
}

// addTestStrategy registers a fake strategy with unlimited max debt.
func addTestStrategy(t *testing.T, engine *Engine, ledger *mockLedger, strategy [20]byte) *fakeStrategy {
	t.Helper()
	port := &fakeStrategy{ledger: ledger, addr: strategy, vault: vaultAddr}
	if err := engine.AddStrategy(managerAddr, strategy, port, UnlimitedCap()); err != nil {
		t.Fatalf("add strategy: %v", err)
	}
	return port
}

func wantAmount(t *testing.T, got *big.Int, want int64, label string) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("unexpected %s: got %v want %d", label, got, want)
	}
}

func TestDepositIssuesSharesOneToOne(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)

	shares := depositFor(t, engine, ledger, alice, 1000)
	wantAmount(t, shares, 1000, "shares")

	balance, err := engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	wantAmount(t, balance, 1000, "share balance")

	idle, err := engine.TotalIdle()
	if err != nil {
		t.Fatalf("total idle: %v", err)
	}
	wantAmount(t, idle, 1000, "idle reserve")

	vaultAssets, err := ledger.BalanceOf(vaultAddr)
	if err != nil {
		t.Fatalf("asset balance: %v", err)
	}
	wantAmount(t, vaultAssets, 1000, "vault asset balance")
}

func TestDepositRejectsZeroAmountAndReceiver(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	ledger.fund(alice, 100)

	if _, err := engine.Deposit(alice, alice, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.Deposit(alice, [20]byte{}, big.NewInt(10)); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("expected ErrInvalidReceiver, got %v", err)
	}
	if _, err := engine.Deposit(alice, vaultAddr, big.NewInt(10)); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("expected ErrInvalidReceiver for vault self, got %v", err)
	}
}

func TestDepositCapEnforced(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	if err := engine.SetDepositCap(managerAddr, big.NewInt(1500)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	depositFor(t, engine, ledger, alice, 1000)

	ledger.fund(bob, 1000)
	if err := ledger.Approve(bob, vaultAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Deposit(bob, bob, big.NewInt(1000)); !errors.Is(err, ErrDepositLimit) {
		t.Fatalf("expected ErrDepositLimit, got %v", err)
	}

	max, err := engine.MaxDeposit(bob)
	if err != nil {
		t.Fatalf("max deposit: %v", err)
	}
	wantAmount(t, max, 500, "max deposit")
}

func TestDepositLimitModuleOverridesCap(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	if err := engine.SetDepositCap(managerAddr, big.NewInt(10)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if err := engine.SetDepositLimitModule(managerAddr, &fakeDepositLimit{limit: big.NewInt(700)}); err != nil {
		t.Fatalf("set module: %v", err)
	}

	max, err := engine.MaxDeposit(alice)
	if err != nil {
		t.Fatalf("max deposit: %v", err)
	}
	wantAmount(t, max, 700, "module limit")

	depositFor(t, engine, ledger, alice, 600)
}

func TestShutdownBlocksDepositsNotWithdrawals(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	depositFor(t, engine, ledger, alice, 1000)

	if err := engine.Shutdown(managerAddr); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	ledger.fund(bob, 100)
	if err := ledger.Approve(bob, vaultAddr, big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Deposit(bob, bob, big.NewInt(100)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}

	assets, err := engine.Redeem(alice, alice, alice, big.NewInt(1000), 0, nil)
	if err != nil {
		t.Fatalf("redeem after shutdown: %v", err)
	}
	wantAmount(t, assets, 1000, "redeemed assets")
}

func TestMintChargesRoundedUpAssets(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	depositFor(t, engine, ledger, alice, 1000)

	addTestStrategy(t, engine, ledger, strategyOne)
	if _, err := engine.UpdateDebt(managerAddr, strategyOne, big.NewInt(1000), 0); err != nil {
		t.Fatalf("update debt: %v", err)
	}
	// Triple the position so one share prices above one asset unit.
	ledger.fund(strategyOne, 2000)
	if _, _, err := engine.ProcessReport(managerAddr, strategyOne); err != nil {
		t.Fatalf("report: %v", err)
	}
	clock.advance(1)

	ledger.fund(bob, 10_000)
	if err := ledger.Approve(bob, vaultAddr, big.NewInt(10_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	assets, err := engine.Mint(bob, bob, big.NewInt(100))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// Price per share is 3.0 with no unlock schedule, so 100 shares cost 300.
	wantAmount(t, assets, 300, "assets charged")
}

func TestConvertRejectsAssetsWithEmptyVault(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	depositFor(t, engine, ledger, alice, 1000)

	strategy := addTestStrategy(t, engine, ledger, strategyOne)
	if _, err := engine.UpdateDebt(managerAddr, strategyOne, big.NewInt(1000), 0); err != nil {
		t.Fatalf("update debt: %v", err)
	}
	// Wipe the whole position: supply > 0, assets == 0.
	if err := ledger.Transfer(strategyOne, lossSink, big.NewInt(1000)); err != nil {
		t.Fatalf("drain strategy: %v", err)
	}
	strategy.reported = big.NewInt(0)
	if _, _, err := engine.ProcessReport(managerAddr, strategyOne); err != nil {
		t.Fatalf("report: %v", err)
	}

	shares, err := engine.ConvertToShares(big.NewInt(100), RoundDown)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	wantAmount(t, shares, 0, "shares for worthless vault")

	if _, err := engine.Deposit(alice, alice, big.NewInt(100)); !errors.Is(err, ErrZeroShares) {
		t.Fatalf("expected ErrZeroShares, got %v", err)
	}
}

func TestTotalAssetsInvariant(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	depositFor(t, engine, ledger, alice, 5000)
	addTestStrategy(t, engine, ledger, strategyOne)
	addTestStrategy(t, engine, ledger, strategyTwo)

	if _, err := engine.UpdateDebt(managerAddr, strategyOne, big.NewInt(2000), 0); err != nil {
		t.Fatalf("update debt one: %v", err)
	}
	if _, err := engine.UpdateDebt(managerAddr, strategyTwo, big.NewInt(1500), 0); err != nil {
		t.Fatalf("update debt two: %v", err)
	}

	idle, _ := engine.TotalIdle()
	debt, _ := engine.TotalDebt()
	total, _ := engine.TotalAssets()
	if new(big.Int).Add(idle, debt).Cmp(total) != 0 {
		t.Fatalf("totalAssets invariant broken: idle=%s debt=%s total=%s", idle, debt, total)
	}
	wantAmount(t, idle, 1500, "idle")
	wantAmount(t, debt, 3500, "debt")
}

func TestFailedOperationRollsBackAllState(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	depositFor(t, engine, ledger, alice, 1000)
	strategy := addTestStrategy(t, engine, ledger, strategyOne)
	if err := engine.SetDefaultQueue(managerAddr, [][20]byte{strategyOne}); err != nil {
		t.Fatalf("set queue: %v", err)
	}
	if _, err := engine.UpdateDebt(managerAddr, strategyOne, big.NewInt(1000), 0); err != nil {
		t.Fatalf("update debt: %v", err)
	}

	// A withdrawal that loses 20% against a zero tolerance must fail and
	// leave no trace: the haircut rolls back with the snapshot.
	strategy.haircutBps = 2000
	if _, err := engine.Redeem(alice, alice, alice, big.NewInt(1000), 0, nil); !errors.Is(err, ErrTooMuchLoss) {
		t.Fatalf("expected ErrTooMuchLoss, got %v", err)
	}

	debt, _ := engine.TotalDebt()
	wantAmount(t, debt, 1000, "debt after rollback")
	balance, _ := engine.BalanceOf(alice)
	wantAmount(t, balance, 1000, "shares after rollback")
	stratAssets, _ := ledger.BalanceOf(strategyOne)
	wantAmount(t, stratAssets, 1000, "strategy assets after rollback")
}

func TestConversionRoundTripsStayWithinOneShare(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	depositFor(t, engine, ledger, alice, 1000)
	port := addTestStrategy(t, engine, ledger, strategyOne)

	check := func(label string) {
		t.Helper()
		oneShare, err := engine.ConvertToAssets(big.NewInt(1), RoundUp)
		if err != nil {
			t.Fatalf("%s: price one share: %v", label, err)
		}
		for _, x := range []int64{1, 3, 7, 250, 999, 1000, 12345} {
			assets := big.NewInt(x)
			up, err := engine.ConvertToShares(assets, RoundUp)
			if err != nil {
				t.Fatalf("%s: convert %d up: %v", label, x, err)
			}
			upUp, err := engine.ConvertToAssets(up, RoundUp)
			if err != nil {
				t.Fatalf("%s: price %v up: %v", label, up, err)
			}
			if upUp.Cmp(assets) < 0 {
				t.Fatalf("%s: up round-trip of %d lost value: %v", label, x, upUp)
			}
			down, err := engine.ConvertToShares(assets, RoundDown)
			if err != nil {
				t.Fatalf("%s: convert %d down: %v", label, x, err)
			}
			downDown, err := engine.ConvertToAssets(down, RoundDown)
			if err != nil {
				t.Fatalf("%s: price %v down: %v", label, down, err)
			}
			if downDown.Cmp(assets) > 0 {
				t.Fatalf("%s: down round-trip of %d grew the claim: %v", label, x, downDown)
			}
			downUp, err := engine.ConvertToAssets(down, RoundUp)
			if err != nil {
				t.Fatalf("%s: price %v up: %v", label, down, err)
			}
			if downUp.Cmp(assets) > 0 {
				t.Fatalf("%s: mixed round-trip of %d grew the claim: %v", label, x, downUp)
			}
			slack := new(big.Int).Sub(assets, downUp)
			if slack.Cmp(oneShare) > 0 {
				t.Fatalf("%s: mixed round-trip of %d lost more than one share: %v", label, x, downUp)
			}
		}
	}

	check("at par")

	// A gain lifts the price per share to 1.5.
	if _, err := engine.UpdateDebt(managerAddr, strategyOne, big.NewInt(1000), 0); err != nil {
		t.Fatalf("update debt: %v", err)
	}
	port.reported = big.NewInt(1500)
	if _, _, err := engine.ProcessReport(managerAddr, strategyOne); err != nil {
		t.Fatalf("report gain: %v", err)
	}
	check("after gain")

	// A loss drops it to 0.5.
	port.reported = big.NewInt(500)
	if _, _, err := engine.ProcessReport(managerAddr, strategyOne); err != nil {
		t.Fatalf("report loss: %v", err)
	}
	check("after loss")
}
