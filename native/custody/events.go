package custody

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"vaultd/core/types"
)

const (
	EventTypeInitiated         = "custody.initiated"
	EventTypeCancelled         = "custody.cancelled"
	EventTypeWithdrawn         = "custody.withdrawn"
	EventTypeCooldownProposed  = "custody.cooldown_proposed"
	EventTypeCooldownFinalized = "custody.cooldown_finalized"
	EventTypeCooldownCancelled = "custody.cooldown_cancelled"
)

type custodyEvent struct {
	evt *types.Event
}

func (e custodyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e custodyEvent) Event() *types.Event { return e.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(custodyEvent{evt: evt})
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newInitiatedEvent(rec *Record) *types.Event {
	return &types.Event{
		Type: EventTypeInitiated,
		Attributes: map[string]string{
			"holder":     hex.EncodeToString(rec.Holder[:]),
			"shares":     amountString(rec.LockedShares),
			"unlockTime": strconv.FormatInt(rec.UnlockTime, 10),
		},
	}
}

func newCancelledEvent(rec *Record) *types.Event {
	return &types.Event{
		Type: EventTypeCancelled,
		Attributes: map[string]string{
			"holder": hex.EncodeToString(rec.Holder[:]),
			"shares": amountString(rec.LockedShares),
		},
	}
}

func newWithdrawnEvent(holder [20]byte, burned, remaining *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawn,
		Attributes: map[string]string{
			"holder":    hex.EncodeToString(holder[:]),
			"shares":    amountString(burned),
			"remaining": amountString(remaining),
		},
	}
}

func newCooldownProposedEvent(p *Proposal) *types.Event {
	return &types.Event{
		Type: EventTypeCooldownProposed,
		Attributes: map[string]string{
			"pendingPeriod": strconv.FormatUint(p.PendingPeriod, 10),
			"proposedAt":    strconv.FormatInt(p.ProposedAt, 10),
		},
	}
}

func newCooldownFinalizedEvent(p *Proposal) *types.Event {
	return &types.Event{
		Type: EventTypeCooldownFinalized,
		Attributes: map[string]string{
			"period": strconv.FormatUint(p.PendingPeriod, 10),
		},
	}
}

func newCooldownCancelledEvent(p *Proposal) *types.Event {
	return &types.Event{
		Type: EventTypeCooldownCancelled,
		Attributes: map[string]string{
			"pendingPeriod": strconv.FormatUint(p.PendingPeriod, 10),
		},
	}
}
