package vaultstore

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"vaultd/native/custody"
	"vaultd/native/vault"
	"vaultd/storage"
)

const (
	keyVaultState       = "vault/state"
	keyCooldownPeriod   = "custody/cooldown"
	keyCooldownProposal = "custody/proposal"

	prefixStrategy       = "vault/strategy/"
	prefixShareBalance   = "vault/share/"
	prefixShareAllowance = "vault/allowance/"
	prefixPermitNonce    = "vault/nonce/"
	prefixRoles          = "vault/roles/"
	prefixCustody        = "custody/record/"
	prefixAssetBalance   = "asset/balance/"
	prefixAssetAllowance = "asset/allowance/"
)

type entry struct {
	value   []byte
	deleted bool
}

// Store persists the vault, custody and asset ledgers in a key-value
// database. Writes land in an in-memory overlay stack so the engines'
// Snapshot and RevertToSnapshot calls can unwind a failed operation without
// touching the backend; Commit squashes the surviving overlay into the
// database.
type Store struct {
	db storage.Database

	mu     sync.Mutex
	layers []map[string]entry
}

// New wraps a key-value database in a snapshot-aware store.
func New(db storage.Database) *Store {
	return &Store{
		db:     db,
		layers: []map[string]entry{make(map[string]entry)},
	}
}

// Snapshot marks the current overlay depth. A later RevertToSnapshot with the
// returned id discards every write made since.
func (s *Store) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, make(map[string]entry))
	return len(s.layers) - 1
}

// RevertToSnapshot discards all overlay layers at or above id. Ids from
// already-reverted snapshots are ignored.
func (s *Store) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id >= len(s.layers) {
		return
	}
	s.layers = s.layers[:id]
}

// Commit flushes the overlay stack to the backend and resets it. Tombstoned
// keys are deleted from the database.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, layer := range s.layers {
		for key, e := range layer {
			if e.deleted {
				if err := s.db.Delete([]byte(key)); err != nil {
					return fmt.Errorf("vaultstore: delete %s: %w", key, err)
				}
				continue
			}
			if err := s.db.Put([]byte(key), e.value); err != nil {
				return fmt.Errorf("vaultstore: put %s: %w", key, err)
			}
		}
	}
	s.layers = []map[string]entry{make(map[string]entry)}
	return nil
}

func (s *Store) get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	for i := len(s.layers) - 1; i >= 0; i-- {
		if e, ok := s.layers[i][key]; ok {
			s.mu.Unlock()
			if e.deleted {
				return nil, false, nil
			}
			return e.value, true, nil
		}
	}
	s.mu.Unlock()
	value, err := s.db.Get([]byte(key))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[len(s.layers)-1][key] = entry{value: value}
}

func (s *Store) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[len(s.layers)-1][key] = entry{deleted: true}
}

func (s *Store) getRLP(key string, out interface{}) (bool, error) {
	raw, ok, err := s.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("vaultstore: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putRLP(key string, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("vaultstore: encode %s: %w", key, err)
	}
	s.put(key, raw)
	return nil
}

func (s *Store) getBig(key string) (*big.Int, error) {
	raw, ok, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, fmt.Errorf("vaultstore: decode %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) putBig(key string, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("vaultstore: negative amount for %s", key)
	}
	return s.putRLP(key, value)
}

func (s *Store) getUint64(key string) (uint64, bool, error) {
	raw, ok, err := s.get(key)
	if err != nil || !ok {
		return 0, false, err
	}
	var value uint64
	if err := rlp.DecodeBytes(raw, &value); err != nil {
		return 0, false, fmt.Errorf("vaultstore: decode %s: %w", key, err)
	}
	return value, true, nil
}

func addrKey(prefix string, addr [20]byte) string {
	return prefix + hex.EncodeToString(addr[:])
}

func pairKey(prefix string, owner, spender [20]byte) string {
	return prefix + hex.EncodeToString(owner[:]) + "/" + hex.EncodeToString(spender[:])
}

// --- vault state ---

// RLP has no signed integer support, so stored mirrors carry unix seconds as
// uint64 and convert at the boundary.
type storedVaultState struct {
	IdleReserve       *big.Int
	TotalDebt         *big.Int
	TotalSupply       *big.Int
	Decimals          uint8
	DepositCap        *big.Int
	MinimumIdle       *big.Int
	Shutdown          bool
	AutoAllocate      bool
	DefaultQueue      [][20]byte
	UnlockingRate     *big.Int
	FullUnlockTime    uint64
	LastUnlockUpdate  uint64
	MaxUnlockDuration uint64
}

// VaultState loads the singleton vault record. The store must be seeded via
// PutVaultState before the first read.
func (s *Store) VaultState() (*vault.State, error) {
	var stored storedVaultState
	ok, err := s.getRLP(keyVaultState, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("vaultstore: vault state not initialised")
	}
	state := &vault.State{
		IdleReserve:       stored.IdleReserve,
		TotalDebt:         stored.TotalDebt,
		TotalSupply:       stored.TotalSupply,
		Decimals:          stored.Decimals,
		DepositCap:        stored.DepositCap,
		MinimumIdle:       stored.MinimumIdle,
		Shutdown:          stored.Shutdown,
		AutoAllocate:      stored.AutoAllocate,
		DefaultQueue:      stored.DefaultQueue,
		UnlockingRate:     stored.UnlockingRate,
		FullUnlockTime:    int64(stored.FullUnlockTime),
		LastUnlockUpdate:  int64(stored.LastUnlockUpdate),
		MaxUnlockDuration: stored.MaxUnlockDuration,
	}
	return vault.SanitizeState(state)
}

// PutVaultState persists the singleton vault record.
func (s *Store) PutVaultState(state *vault.State) error {
	sanitized, err := vault.SanitizeState(state)
	if err != nil {
		return err
	}
	stored := storedVaultState{
		IdleReserve:       sanitized.IdleReserve,
		TotalDebt:         sanitized.TotalDebt,
		TotalSupply:       sanitized.TotalSupply,
		Decimals:          sanitized.Decimals,
		DepositCap:        sanitized.DepositCap,
		MinimumIdle:       sanitized.MinimumIdle,
		Shutdown:          sanitized.Shutdown,
		AutoAllocate:      sanitized.AutoAllocate,
		DefaultQueue:      sanitized.DefaultQueue,
		UnlockingRate:     sanitized.UnlockingRate,
		FullUnlockTime:    uint64(sanitized.FullUnlockTime),
		LastUnlockUpdate:  uint64(sanitized.LastUnlockUpdate),
		MaxUnlockDuration: sanitized.MaxUnlockDuration,
	}
	return s.putRLP(keyVaultState, stored)
}

// VaultInitialised reports whether a vault state record exists yet.
func (s *Store) VaultInitialised() (bool, error) {
	_, ok, err := s.get(keyVaultState)
	return ok, err
}

// --- strategy records ---

type storedStrategy struct {
	Strategy       [20]byte
	ActivationTime uint64
	LastReportTime uint64
	CurrentDebt    *big.Int
	MaxDebt        *big.Int
}

func (s *Store) StrategyGet(addr [20]byte) (*vault.StrategyRecord, bool, error) {
	var stored storedStrategy
	ok, err := s.getRLP(addrKey(prefixStrategy, addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	rec := &vault.StrategyRecord{
		Strategy:       stored.Strategy,
		ActivationTime: int64(stored.ActivationTime),
		LastReportTime: int64(stored.LastReportTime),
		CurrentDebt:    stored.CurrentDebt,
		MaxDebt:        stored.MaxDebt,
	}
	sanitized, err := vault.SanitizeStrategyRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

func (s *Store) StrategyPut(rec *vault.StrategyRecord) error {
	sanitized, err := vault.SanitizeStrategyRecord(rec)
	if err != nil {
		return err
	}
	stored := storedStrategy{
		Strategy:       sanitized.Strategy,
		ActivationTime: uint64(sanitized.ActivationTime),
		LastReportTime: uint64(sanitized.LastReportTime),
		CurrentDebt:    sanitized.CurrentDebt,
		MaxDebt:        sanitized.MaxDebt,
	}
	return s.putRLP(addrKey(prefixStrategy, sanitized.Strategy), stored)
}

func (s *Store) StrategyDelete(addr [20]byte) error {
	s.delete(addrKey(prefixStrategy, addr))
	return nil
}

// --- share ledger ---

func (s *Store) ShareBalance(addr [20]byte) (*big.Int, error) {
	return s.getBig(addrKey(prefixShareBalance, addr))
}

func (s *Store) SetShareBalance(addr [20]byte, balance *big.Int) error {
	return s.putBig(addrKey(prefixShareBalance, addr), balance)
}

func (s *Store) ShareAllowance(owner, spender [20]byte) (*big.Int, error) {
	return s.getBig(pairKey(prefixShareAllowance, owner, spender))
}

func (s *Store) SetShareAllowance(owner, spender [20]byte, amount *big.Int) error {
	return s.putBig(pairKey(prefixShareAllowance, owner, spender), amount)
}

func (s *Store) PermitNonce(addr [20]byte) (uint64, error) {
	nonce, _, err := s.getUint64(addrKey(prefixPermitNonce, addr))
	return nonce, err
}

func (s *Store) SetPermitNonce(addr [20]byte, nonce uint64) error {
	return s.putRLP(addrKey(prefixPermitNonce, addr), nonce)
}

func (s *Store) AccountRoles(addr [20]byte) (vault.Role, error) {
	roles, _, err := s.getUint64(addrKey(prefixRoles, addr))
	return vault.Role(roles), err
}

func (s *Store) SetAccountRoles(addr [20]byte, roles vault.Role) error {
	return s.putRLP(addrKey(prefixRoles, addr), uint64(roles))
}

// --- custody ledger ---

type storedCustody struct {
	Holder       [20]byte
	LockedShares *big.Int
	UnlockTime   uint64
}

func (s *Store) CustodyGet(holder [20]byte) (*custody.Record, bool, error) {
	var stored storedCustody
	ok, err := s.getRLP(addrKey(prefixCustody, holder), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	rec := &custody.Record{
		Holder:       stored.Holder,
		LockedShares: stored.LockedShares,
		UnlockTime:   int64(stored.UnlockTime),
	}
	sanitized, err := custody.SanitizeRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

func (s *Store) CustodyPut(rec *custody.Record) error {
	sanitized, err := custody.SanitizeRecord(rec)
	if err != nil {
		return err
	}
	stored := storedCustody{
		Holder:       sanitized.Holder,
		LockedShares: sanitized.LockedShares,
		UnlockTime:   uint64(sanitized.UnlockTime),
	}
	return s.putRLP(addrKey(prefixCustody, sanitized.Holder), stored)
}

func (s *Store) CustodyDelete(holder [20]byte) error {
	s.delete(addrKey(prefixCustody, holder))
	return nil
}

func (s *Store) CooldownPeriod() (uint64, bool, error) {
	return s.getUint64(keyCooldownPeriod)
}

func (s *Store) SetCooldownPeriod(seconds uint64) error {
	return s.putRLP(keyCooldownPeriod, seconds)
}

type storedProposal struct {
	PendingPeriod uint64
	ProposedAt    uint64
}

func (s *Store) CooldownProposal() (*custody.Proposal, bool, error) {
	var stored storedProposal
	ok, err := s.getRLP(keyCooldownProposal, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &custody.Proposal{
		PendingPeriod: stored.PendingPeriod,
		ProposedAt:    int64(stored.ProposedAt),
	}, true, nil
}

func (s *Store) PutCooldownProposal(p *custody.Proposal) error {
	if p == nil {
		return fmt.Errorf("vaultstore: nil cooldown proposal")
	}
	stored := storedProposal{
		PendingPeriod: p.PendingPeriod,
		ProposedAt:    uint64(p.ProposedAt),
	}
	return s.putRLP(keyCooldownProposal, stored)
}

func (s *Store) DeleteCooldownProposal() error {
	s.delete(keyCooldownProposal)
	return nil
}
