package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInsufficientAllowance indicates the spender's share allowance does
	// not cover the transfer.
	ErrInsufficientAllowance = errors.New("vault engine: insufficient allowance")
	// ErrPermitExpired indicates the signed approval's deadline has passed.
	ErrPermitExpired = errors.New("vault engine: permit expired")
	// ErrPermitSignature indicates the signature could not be recovered or
	// does not match the owner.
	ErrPermitSignature = errors.New("vault engine: invalid permit signature")
)

// permitDomain namespaces signed approvals so signatures cannot be replayed
// against a different vault deployment.
const permitDomain = "vaultd-permit-v1"

// BalanceOf reports the spendable share balance for a holder. For the vault's
// own pseudo-account the shares already unlocked since the last schedule
// update are masked out; every other holder sees the raw balance. Custody
// restrictions apply only at the transfer and withdrawal boundaries, never
// here.
func (e *Engine) BalanceOf(holder [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	raw, err := e.shareBalance(holder)
	if err != nil {
		return nil, err
	}
	if holder != e.vaultAddr {
		return raw, nil
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	unlocked := unlockedShares(st, raw, e.now())
	return subFloor(raw, unlocked), nil
}

// RawTotalSupply reports the stored share supply including the unlock buffer.
func (e *Engine) RawTotalSupply() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(st.TotalSupply), nil
}

// TotalSupply reports the effective supply used for pricing: the raw supply
// minus shares already unlocked from the profit buffer.
func (e *Engine) TotalSupply() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return e.effectiveSupply(st, e.now())
}

// PricePerShare reports the asset value of one whole share, scaled to the
// vault's decimals. Intended for inspection only; conversions use the exact
// integer paths.
func (e *Engine) PricePerShare() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(st.Decimals)), nil)
	return e.convertToAssets(st, unit, RoundDown, e.now())
}

// Transfer moves shares from the sender to another holder.
func (e *Engine) Transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	if err := e.transferShares(from, to, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// TransferFrom moves shares on behalf of the owner, spending allowance.
func (e *Engine) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	snap := e.state.Snapshot()
	err := func() error {
		if err := e.spendAllowance(from, spender, amount); err != nil {
			return err
		}
		return e.transferShares(from, to, amount)
	}()
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// Approve sets the spender's share allowance for the owner.
func (e *Engine) Approve(owner, spender [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if spender == ([20]byte{}) {
		return ErrInvalidReceiver
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := e.state.SetShareAllowance(owner, spender, new(big.Int).Set(amount)); err != nil {
		return err
	}
	e.emit(newApprovalEvent(owner, spender, amount))
	return nil
}

// Allowance reports the spender's remaining share allowance for the owner.
func (e *Engine) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	allowance, err := e.state.ShareAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	if allowance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(allowance), nil
}

// PermitNonce reports the next expected permit nonce for a holder.
func (e *Engine) PermitNonce(owner [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	return e.state.PermitNonce(owner)
}

// PermitDigest reconstructs the canonical message digest an owner must sign
// to approve a spender off-line.
func (e *Engine) PermitDigest(owner, spender [20]byte, value *big.Int, nonce uint64, deadline int64) []byte {
	amount := "0"
	if value != nil {
		amount = value.String()
	}
	payload := fmt.Sprintf("%s|vault=%s|owner=%s|spender=%s|value=%s|nonce=%d|deadline=%d",
		permitDomain,
		hex.EncodeToString(e.vaultAddr[:]),
		hex.EncodeToString(owner[:]),
		hex.EncodeToString(spender[:]),
		amount,
		nonce,
		deadline,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// Permit applies a signature-based approval. The signature must cover the
// owner's current nonce and an unexpired deadline; each accepted permit bumps
// the nonce so a captured signature cannot be replayed.
func (e *Engine) Permit(owner, spender [20]byte, value *big.Int, deadline int64, signature []byte) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if spender == ([20]byte{}) {
		return ErrInvalidReceiver
	}
	if value == nil || value.Sign() < 0 {
		return ErrInvalidAmount
	}
	if deadline < e.now() {
		return ErrPermitExpired
	}
	if len(signature) != 65 {
		return ErrPermitSignature
	}
	nonce, err := e.state.PermitNonce(owner)
	if err != nil {
		return err
	}
	digest := e.PermitDigest(owner, spender, value, nonce, deadline)
	pubKey, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return ErrPermitSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(owner[:]) {
		return ErrPermitSignature
	}
	snap := e.state.Snapshot()
	if err := e.state.SetPermitNonce(owner, nonce+1); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.state.SetShareAllowance(owner, spender, new(big.Int).Set(value)); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.emit(newApprovalEvent(owner, spender, value))
	return nil
}

func (e *Engine) transferShares(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) || to == e.vaultAddr {
		return ErrInvalidReceiver
	}
	fromBal, err := e.shareBalance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	toBal, err := e.shareBalance(to)
	if err != nil {
		return err
	}
	if err := e.state.SetShareBalance(from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	if err := e.state.SetShareBalance(to, new(big.Int).Add(toBal, amount)); err != nil {
		return err
	}
	e.emit(newTransferEvent(from, to, amount))
	return nil
}

func (e *Engine) spendAllowance(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if owner == spender {
		return nil
	}
	allowance, err := e.state.ShareAllowance(owner, spender)
	if err != nil {
		return err
	}
	if allowance == nil {
		allowance = big.NewInt(0)
	}
	// The max sentinel grants an unlimited allowance and is never drawn down.
	if isUnlimited(allowance) {
		return nil
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	return e.state.SetShareAllowance(owner, spender, new(big.Int).Sub(allowance, amount))
}

// issueShares mints new shares to a holder, growing the raw supply. The state
// argument is mutated in place; the caller persists it.
func (e *Engine) issueShares(st *State, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bal, err := e.shareBalance(to)
	if err != nil {
		return err
	}
	if err := e.state.SetShareBalance(to, new(big.Int).Add(bal, amount)); err != nil {
		return err
	}
	st.TotalSupply = new(big.Int).Add(st.TotalSupply, amount)
	return nil
}

// burnSharesFrom destroys shares held by a holder, shrinking the raw supply.
func (e *Engine) burnSharesFrom(st *State, from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bal, err := e.shareBalance(from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	if err := e.state.SetShareBalance(from, new(big.Int).Sub(bal, amount)); err != nil {
		return err
	}
	st.TotalSupply = new(big.Int).Sub(st.TotalSupply, amount)
	return nil
}
