package domain

import (
	"errors"
	"time"
)

// Trigger names a lifecycle transition request.
type Trigger string

const (
	TriggerMarkSent       Trigger = "mark_sent"
	TriggerOverdueTick    Trigger = "overdue_tick"
	TriggerPaymentFull    Trigger = "apply_payment_full"
	TriggerPaymentPartial Trigger = "apply_payment_partial"
	TriggerRevertPayments Trigger = "revert_payments"
	TriggerRefundFull     Trigger = "refund_full"
	TriggerRefundPartial  Trigger = "refund_partial"
	TriggerCancel         Trigger = "cancel"
)

// Command carries the explicit options a caller threads into a mutation.
// These replace the scratch-pad flags the aggregate must not carry itself.
type Command struct {
	SkipRecalculate       bool
	AllowPaidModification bool
	TransferOnDuplicate   bool
}

var transitionSources = map[Trigger][]Status{
	TriggerMarkSent:       {StatusDraft, StatusPending},
	TriggerOverdueTick:    {StatusPending, StatusSent, StatusPartiallyPaid},
	TriggerPaymentFull:    {StatusDraft, StatusPending, StatusSent, StatusOverdue, StatusPartiallyPaid},
	TriggerPaymentPartial: {StatusDraft, StatusPending, StatusSent, StatusOverdue, StatusPartiallyPaid},
	TriggerRevertPayments: {StatusPaid, StatusPartiallyPaid, StatusSent, StatusOverdue},
	TriggerRefundFull:     {StatusPaid, StatusPartiallyPaid, StatusSent, StatusOverdue},
	TriggerRefundPartial:  {StatusPaid, StatusPartiallyPaid, StatusSent, StatusOverdue},
}

var (
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrItemsLocked       = errors.New("items_locked")
)

// CanTransition reports whether trigger is legal from the given status.
func CanTransition(trigger Trigger, from Status) bool {
	if trigger == TriggerCancel {
		return from != StatusPaid && from != StatusRefunded
	}
	sources, ok := transitionSources[trigger]
	if !ok {
		return false
	}
	for _, source := range sources {
		if source == from {
			return true
		}
	}
	return false
}

// NextStatus resolves the target state for a trigger. now and dueAt decide
// between pending/sent/overdue when reverting payments.
func NextStatus(trigger Trigger, from Status, now time.Time, dueAt *time.Time) (Status, error) {
	if !CanTransition(trigger, from) {
		return from, ErrInvalidTransition
	}

	switch trigger {
	case TriggerMarkSent:
		return StatusSent, nil
	case TriggerOverdueTick:
		return StatusOverdue, nil
	case TriggerPaymentFull:
		return StatusPaid, nil
	case TriggerPaymentPartial:
		return StatusPartiallyPaid, nil
	case TriggerRevertPayments:
		if dueAt != nil && dueAt.Before(now) {
			return StatusOverdue, nil
		}
		if from == StatusSent || from == StatusOverdue {
			return StatusSent, nil
		}
		return StatusPending, nil
	case TriggerRefundFull:
		return StatusRefunded, nil
	case TriggerRefundPartial:
		// Money remains on the invoice; the state does not move.
		return from, nil
	case TriggerCancel:
		return StatusCancelled, nil
	default:
		return from, ErrInvalidTransition
	}
}

// ItemsMutable reports whether ordinary item edits are allowed. Settled
// invoices only change through the adjustment engine, which passes
// AllowPaidModification on its command.
func ItemsMutable(status Status, cmd Command) bool {
	if Settled(status) {
		return cmd.AllowPaidModification
	}
	return status == StatusDraft || status == StatusPending ||
		status == StatusSent || status == StatusOverdue
}
