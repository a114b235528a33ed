package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		trigger Trigger
		from    Status
		want    bool
	}{
		{TriggerMarkSent, StatusDraft, true},
		{TriggerMarkSent, StatusPending, true},
		{TriggerMarkSent, StatusPaid, false},
		{TriggerPaymentFull, StatusDraft, true},
		{TriggerPaymentFull, StatusOverdue, true},
		{TriggerPaymentFull, StatusPartiallyPaid, true},
		{TriggerPaymentFull, StatusRefunded, false},
		{TriggerPaymentFull, StatusCancelled, false},
		{TriggerRefundFull, StatusPaid, true},
		{TriggerRefundFull, StatusPartiallyPaid, true},
		{TriggerRefundFull, StatusDraft, false},
		{TriggerRevertPayments, StatusPaid, true},
		{TriggerRevertPayments, StatusPending, false},
		{TriggerOverdueTick, StatusSent, true},
		{TriggerOverdueTick, StatusPaid, false},
		{TriggerCancel, StatusDraft, true},
		{TriggerCancel, StatusSent, true},
		{TriggerCancel, StatusPaid, false},
		{TriggerCancel, StatusRefunded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.trigger, tc.from),
			"%s from %s", tc.trigger, tc.from)
	}
}

func TestNextStatusRevertPayments(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -1)
	future := now.AddDate(0, 0, 14)

	t.Run("overdue when the due date has passed", func(t *testing.T) {
		next, err := NextStatus(TriggerRevertPayments, StatusPaid, now, &past)
		require.NoError(t, err)
		assert.Equal(t, StatusOverdue, next)
	})

	t.Run("back to sent from sent or overdue", func(t *testing.T) {
		next, err := NextStatus(TriggerRevertPayments, StatusSent, now, &future)
		require.NoError(t, err)
		assert.Equal(t, StatusSent, next)

		next, err = NextStatus(TriggerRevertPayments, StatusOverdue, now, &future)
		require.NoError(t, err)
		assert.Equal(t, StatusSent, next)
	})

	t.Run("pending otherwise", func(t *testing.T) {
		next, err := NextStatus(TriggerRevertPayments, StatusPaid, now, &future)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, next)

		next, err = NextStatus(TriggerRevertPayments, StatusPartiallyPaid, now, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, next)
	})
}

func TestNextStatusRejectsIllegalTransition(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	_, err := NextStatus(TriggerRefundFull, StatusDraft, now, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefundPartialKeepsStatus(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	next, err := NextStatus(TriggerRefundPartial, StatusPartiallyPaid, now, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyPaid, next)
}

func TestItemsMutable(t *testing.T) {
	assert.True(t, ItemsMutable(StatusDraft, Command{}))
	assert.True(t, ItemsMutable(StatusOverdue, Command{}))
	assert.False(t, ItemsMutable(StatusPaid, Command{}))
	assert.False(t, ItemsMutable(StatusCancelled, Command{}))
	assert.True(t, ItemsMutable(StatusPaid, Command{AllowPaidModification: true}))
	assert.True(t, ItemsMutable(StatusRefunded, Command{AllowPaidModification: true}))
}

func TestSettledAndActive(t *testing.T) {
	assert.True(t, Settled(StatusPaid))
	assert.True(t, Settled(StatusPartiallyPaid))
	assert.True(t, Settled(StatusRefunded))
	assert.False(t, Settled(StatusSent))

	assert.False(t, Active(StatusCancelled))
	assert.False(t, Active(StatusRefunded))
	assert.True(t, Active(StatusPaid))
	assert.True(t, Active(StatusDraft))
}
