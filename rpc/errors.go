package rpc

import (
	"errors"
	"net/http"

	"vaultd/native/custody"
	"vaultd/native/vault"
	"vaultd/storage/vaultstore"
)

// httpStatus maps engine errors onto HTTP status codes. Anything unmapped is
// treated as an internal failure.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidReceiver),
		errors.Is(err, vault.ErrInvalidMaxLoss),
		errors.Is(err, vault.ErrInvalidQueue),
		errors.Is(err, vault.ErrUnlockDuration),
		errors.Is(err, vault.ErrZeroShares),
		errors.Is(err, vault.ErrDebtUnchanged),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, vaultstore.ErrAssetAmount),
		errors.Is(err, vaultstore.ErrAssetZeroAccount):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrNotAuthorized),
		errors.Is(err, custody.ErrNotGovernor),
		errors.Is(err, vault.ErrPermitExpired),
		errors.Is(err, vault.ErrPermitSignature):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrStrategyNotActive),
		errors.Is(err, custody.ErrNoRecord),
		errors.Is(err, custody.ErrNoProposal):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrShutdown),
		errors.Is(err, vault.ErrDepositLimit),
		errors.Is(err, vault.ErrStrategyActive),
		errors.Is(err, vault.ErrStrategyHasDebt),
		errors.Is(err, vault.ErrSelfReportDebt),
		errors.Is(err, custody.ErrRecordExists),
		errors.Is(err, custody.ErrProposalExists),
		errors.Is(err, custody.ErrCooldownActive),
		errors.Is(err, custody.ErrGraceDelay),
		errors.Is(err, custody.ErrTransferLocked),
		errors.Is(err, custody.ErrSharesLocked):
		return http.StatusConflict
	case errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrInsufficientAllowance),
		errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrInsufficientIdle),
		errors.Is(err, vault.ErrTooMuchLoss),
		errors.Is(err, vault.ErrUnrealisedLoss),
		errors.Is(err, vault.ErrNothingToWithdraw),
		errors.Is(err, vault.ErrBalanceOverflow),
		errors.Is(err, custody.ErrExceedsBalance),
		errors.Is(err, custody.ErrExceedsLocked),
		errors.Is(err, vaultstore.ErrAssetBalance),
		errors.Is(err, vaultstore.ErrAssetAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrReentrancy):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
