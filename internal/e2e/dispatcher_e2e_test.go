package e2e

import (
	"testing"
	"time"

	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	dispatcherdomain "github.com/lessonbill/lessonbill/internal/dispatcher/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

// payOneLessonInvoice creates a paid single-lesson invoice whose billing
// window spans January 2025.
func payOneLessonInvoice(t *testing.T, e *env, class *lessondomain.Class) *invoicedomain.Aggregate {
	t.Helper()
	ctx := adminCtx()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:        invoicedomain.KindGuardianInvoice,
		GuardianID:  &class.GuardianID,
		Month:       1,
		Year:        2025,
		PeriodStart: &start,
		PeriodEnd:   &end,
		Items:       []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	result, err := e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("10"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.StatusPaid, result.Invoice.Invoice.Status)
	return result.Invoice
}

func TestCancelledLessonIsReplacedOnPaidInvoice(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	invoiced := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	// A future scheduled lesson in the same window is the substitute.
	substitute := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusScheduled)

	agg := payOneLessonInvoice(t, e, invoiced)

	invoiced.Status = lessondomain.StatusCancelledByGuard
	require.NoError(t, e.db.Save(invoiced).Error)

	err := e.dispatch.HandleClassChange(ctx, dispatcherdomain.Change{
		Class: invoiced,
		Previous: dispatcherdomain.Previous{
			Status:             lessondomain.StatusAttended,
			DurationMinutes:    60,
			SkipHourAdjustment: true,
		},
	})
	require.NoError(t, err)

	reloaded := e.reload(t, agg.Invoice.ID)
	require.Len(t, reloaded.Items, 1)
	require.NotNil(t, reloaded.Items[0].ClassID)
	require.Equal(t, substitute.ID, *reloaded.Items[0].ClassID)
	require.Equal(t, invoicedomain.StatusPaid, reloaded.Invoice.Status)

	require.False(t, e.reloadClass(t, invoiced.ID).PaidByGuardian)
	require.True(t, e.reloadClass(t, substitute.ID).PaidByGuardian)

	entries, err := e.audit.ListByInvoice(ctx, agg.Invoice.ID)
	require.NoError(t, err)
	actions := map[string]bool{}
	for _, entry := range entries {
		actions[entry.Action] = true
	}
	require.True(t, actions["class_removed"])
	require.True(t, actions["coverage_recalculation"])
}

func TestCancelledLessonWithoutSubstituteFlagsForReview(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	invoiced := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg := payOneLessonInvoice(t, e, invoiced)

	invoiced.Status = lessondomain.StatusCancelledByGuard
	require.NoError(t, e.db.Save(invoiced).Error)

	err := e.dispatch.HandleClassChange(ctx, dispatcherdomain.Change{
		Class: invoiced,
		Previous: dispatcherdomain.Previous{
			Status:             lessondomain.StatusAttended,
			DurationMinutes:    60,
			SkipHourAdjustment: true,
		},
	})
	require.NoError(t, err)

	reloaded := e.reload(t, agg.Invoice.ID)
	require.Empty(t, reloaded.Items)

	entries, err := e.audit.ListByInvoice(ctx, agg.Invoice.ID)
	require.NoError(t, err)
	var flagged bool
	for _, entry := range entries {
		if entry.Action == "coverage_recalculation" && entry.Severity == auditdomain.SeverityHigh {
			flagged = true
		}
	}
	require.True(t, flagged)
}

func TestUnpaidInvoiceTracksLessonEdits(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusScheduled)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)
	eqDec(t, "10", agg.Invoice.Total)

	class.DurationMinutes = 90
	class.Status = lessondomain.StatusAttended
	require.NoError(t, e.db.Save(class).Error)

	err = e.dispatch.HandleClassChange(ctx, dispatcherdomain.Change{
		Class: class,
		Previous: dispatcherdomain.Previous{
			Status:             lessondomain.StatusScheduled,
			DurationMinutes:    60,
			SkipHourAdjustment: true,
		},
	})
	require.NoError(t, err)

	reloaded := e.reload(t, agg.Invoice.ID)
	require.Len(t, reloaded.Items, 1)
	require.Equal(t, 90, reloaded.Items[0].DurationMinutes)
	require.True(t, reloaded.Items[0].Attended)
	eqDec(t, "15", reloaded.Invoice.Total)
}

func TestCancelledLessonDropsOffUnpaidInvoice(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	keep := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	dropped := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusScheduled)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items: []invoicedomain.ItemInput{
			itemInputFromClass(keep),
			itemInputFromClass(dropped),
		},
	})
	require.NoError(t, err)
	eqDec(t, "20", agg.Invoice.Total)

	dropped.Status = lessondomain.StatusCancelledByTeach
	require.NoError(t, e.db.Save(dropped).Error)

	err = e.dispatch.HandleClassChange(ctx, dispatcherdomain.Change{
		Class: dropped,
		Previous: dispatcherdomain.Previous{
			Status:             lessondomain.StatusScheduled,
			DurationMinutes:    60,
			SkipHourAdjustment: true,
		},
	})
	require.NoError(t, err)

	reloaded := e.reload(t, agg.Invoice.ID)
	require.Len(t, reloaded.Items, 1)
	require.NotNil(t, reloaded.Items[0].ClassID)
	require.Equal(t, keep.ID, *reloaded.Items[0].ClassID)
	eqDec(t, "10", reloaded.Invoice.Total)
}
