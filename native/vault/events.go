package vault

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"vaultd/core/types"
)

const (
	EventTypeTransfer        = "vault.transfer"
	EventTypeApproval        = "vault.approval"
	EventTypeDeposit         = "vault.deposit"
	EventTypeWithdraw        = "vault.withdraw"
	EventTypeStrategyAdded   = "vault.strategy_added"
	EventTypeStrategyRevoked = "vault.strategy_revoked"
	EventTypeDebtUpdated     = "vault.debt_updated"
	EventTypeReport          = "vault.report"
	EventTypeShutdown        = "vault.shutdown"
	EventTypeQueueUpdated    = "vault.queue_updated"
	EventTypeUnlockDuration  = "vault.unlock_duration_updated"
	EventTypeRolesUpdated    = "vault.roles_updated"
)

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

func addrString(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newTransferEvent(from, to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   addrString(from),
			"to":     addrString(to),
			"amount": amountString(amount),
		},
	}
}

func newApprovalEvent(owner, spender [20]byte, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeApproval,
		Attributes: map[string]string{
			"owner":   addrString(owner),
			"spender": addrString(spender),
			"amount":  amountString(amount),
		},
	}
}

func newDepositEvent(sender, receiver [20]byte, assets, shares *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"sender":   addrString(sender),
			"receiver": addrString(receiver),
			"assets":   amountString(assets),
			"shares":   amountString(shares),
		},
	}
}

func newWithdrawEvent(sender, receiver, owner [20]byte, assets, shares *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeWithdraw,
		Attributes: map[string]string{
			"sender":   addrString(sender),
			"receiver": addrString(receiver),
			"owner":    addrString(owner),
			"assets":   amountString(assets),
			"shares":   amountString(shares),
		},
	}
}

func newStrategyAddedEvent(strategy [20]byte, activatedAt int64) *types.Event {
	return &types.Event{
		Type: EventTypeStrategyAdded,
		Attributes: map[string]string{
			"strategy":    addrString(strategy),
			"activatedAt": strconv.FormatInt(activatedAt, 10),
		},
	}
}

func newStrategyRevokedEvent(strategy [20]byte, loss *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeStrategyRevoked,
		Attributes: map[string]string{
			"strategy": addrString(strategy),
			"loss":     amountString(loss),
		},
	}
}

func newDebtUpdatedEvent(strategy [20]byte, previous, current *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDebtUpdated,
		Attributes: map[string]string{
			"strategy":     addrString(strategy),
			"previousDebt": amountString(previous),
			"currentDebt":  amountString(current),
		},
	}
}

func newReportEvent(strategy [20]byte, gain, loss, fees, refunds *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeReport,
		Attributes: map[string]string{
			"strategy": addrString(strategy),
			"gain":     amountString(gain),
			"loss":     amountString(loss),
			"fees":     amountString(fees),
			"refunds":  amountString(refunds),
		},
	}
}

func newShutdownEvent() *types.Event {
	return &types.Event{Type: EventTypeShutdown, Attributes: map[string]string{}}
}

func newQueueUpdatedEvent(length int) *types.Event {
	return &types.Event{
		Type: EventTypeQueueUpdated,
		Attributes: map[string]string{
			"length": strconv.Itoa(length),
		},
	}
}

func newUnlockDurationEvent(seconds uint64) *types.Event {
	return &types.Event{
		Type: EventTypeUnlockDuration,
		Attributes: map[string]string{
			"seconds": strconv.FormatUint(seconds, 10),
		},
	}
}

func newRolesEvent(addr [20]byte, roles uint64) *types.Event {
	return &types.Event{
		Type: EventTypeRolesUpdated,
		Attributes: map[string]string{
			"account": addrString(addr),
			"roles":   strconv.FormatUint(roles, 10),
		},
	}
}
