package e2e

import (
	"errors"
	"testing"
	"time"

	adjustmentdomain "github.com/lessonbill/lessonbill/internal/adjustment/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

func TestSingleLessonPaymentFlow(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "2")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	require.Equal(t, invoicedomain.StatusDraft, agg.Invoice.Status)
	require.Len(t, agg.Items, 1)
	require.NotEmpty(t, agg.Invoice.InvoiceNumber)
	require.NotNil(t, agg.Invoice.DueAt)
	eqDec(t, "10", agg.Items[0].Rate)
	eqDec(t, "10", agg.Invoice.Subtotal)
	eqDec(t, "12", agg.Invoice.Total)

	result, err := e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("12"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.False(t, result.Duplicate)

	inv := result.Invoice.Invoice
	require.Equal(t, invoicedomain.StatusPaid, inv.Status)
	require.NotNil(t, inv.PaidAt)
	eqDec(t, "12", inv.PaidAmount)
	require.Equal(t, invoicedomain.CoverageCapHours, inv.Coverage.Strategy)
	require.NotNil(t, inv.Coverage.MaxHours)
	eqDec(t, "1", *inv.Coverage.MaxHours)

	require.True(t, e.reloadClass(t, class.ID).PaidByGuardian)
	eqDec(t, "1", e.reloadGuardian(t, g.ID).TotalHours)
}

func TestDuplicatePaymentIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "2")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	req := paymentdomain.Request{
		Amount:         decPtr("12"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	}
	first, err := e.applier.Apply(ctx, agg.Invoice.ID, req)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := e.applier.Apply(ctx, agg.Invoice.ID, req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.False(t, second.Applied)

	reloaded := e.reload(t, agg.Invoice.ID)
	require.Len(t, reloaded.Logs, 1)
	eqDec(t, "12", reloaded.Invoice.PaidAmount)
	eqDec(t, "1", e.reloadGuardian(t, g.ID).TotalHours)

	// A settled invoice short-circuits even under a fresh key.
	third, err := e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("12"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-2",
	})
	require.NoError(t, err)
	require.True(t, third.Duplicate)
	eqDec(t, "12", e.reload(t, agg.Invoice.ID).Invoice.PaidAmount)
}

func TestLessonCannotSitOnTwoActiveInvoices(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	_, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	_, err = e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.Error(t, err)

	var invoiced *invoicedomain.LessonInvoicedError
	require.True(t, errors.As(err, &invoiced))
	require.Equal(t, class.ID, invoiced.ClassID)
}

func TestHalfRefundReleasesOneLesson(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	first := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	second := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items: []invoicedomain.ItemInput{
			itemInputFromClass(first),
			itemInputFromClass(second),
		},
	})
	require.NoError(t, err)
	eqDec(t, "20", agg.Invoice.Total)

	_, err = e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("20"),
		PaidHours:      decPtr("2"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)
	eqDec(t, "2", e.reloadGuardian(t, g.ID).TotalHours)

	refunded, err := e.engine.RecordRefund(ctx, agg.Invoice.ID, adjustmentdomain.RefundInput{
		Amount:         dec("10"),
		RefundHours:    dec("1"),
		Reason:         "second lesson disputed",
		IdempotencyKey: "refund-1",
	})
	require.NoError(t, err)

	inv := refunded.Invoice
	eqDec(t, "10", inv.PaidAmount)
	require.Equal(t, invoicedomain.StatusPaid, inv.Status)
	require.NotNil(t, inv.Coverage.MaxHours)
	eqDec(t, "1", *inv.Coverage.MaxHours)

	require.True(t, e.reloadClass(t, first.ID).PaidByGuardian)
	require.False(t, e.reloadClass(t, second.ID).PaidByGuardian)
	eqDec(t, "1", e.reloadGuardian(t, g.ID).TotalHours)

	entries, err := e.audit.ListByInvoice(ctx, agg.Invoice.ID)
	require.NoError(t, err)
	var sawRefund bool
	for _, entry := range entries {
		if entry.Action == "refund" {
			sawRefund = true
		}
	}
	require.True(t, sawRefund)

	// Replaying the same refund key must not produce a second negative log.
	logCount := len(e.reload(t, agg.Invoice.ID).Logs)
	_, err = e.engine.RecordRefund(ctx, agg.Invoice.ID, adjustmentdomain.RefundInput{
		Amount:         dec("10"),
		RefundHours:    dec("1"),
		Reason:         "second lesson disputed",
		IdempotencyKey: "refund-1",
	})
	require.NoError(t, err)
	require.Len(t, e.reload(t, agg.Invoice.ID).Logs, logCount)
}

func TestFullRefundFlipsStatusAndReleasesLessons(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "2")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	_, err = e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("12"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	refunded, err := e.engine.RecordRefund(ctx, agg.Invoice.ID, adjustmentdomain.RefundInput{
		Amount:      dec("12"),
		RefundHours: dec("1"),
		Reason:      "guardian cancelled the term",
	})
	require.NoError(t, err)

	require.Equal(t, invoicedomain.StatusRefunded, refunded.Invoice.Status)
	eqDec(t, "0", refunded.Invoice.PaidAmount)
	require.False(t, e.reloadClass(t, class.ID).PaidByGuardian)
	eqDec(t, "0", e.reloadGuardian(t, g.ID).TotalHours)
}

func TestRefundAmountMustMatchHoursDecomposition(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "5")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 300, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)
	eqDec(t, "55", agg.Invoice.Total)

	_, err = e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("55"),
		PaidHours:      decPtr("5"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	// 2 hours at rate 10 plus the proportional fee 5 x (2/5) = 22 expected;
	// 24 is outside the refund epsilon.
	_, err = e.engine.RecordRefund(ctx, agg.Invoice.ID, adjustmentdomain.RefundInput{
		Amount:      dec("24"),
		RefundHours: dec("2"),
		Reason:      "shortened",
	})
	require.Error(t, err)
	eqDec(t, "55", e.reload(t, agg.Invoice.ID).Invoice.PaidAmount)

	refunded, err := e.engine.RecordRefund(ctx, agg.Invoice.ID, adjustmentdomain.RefundInput{
		Amount:      dec("22"),
		RefundHours: dec("2"),
		Reason:      "shortened",
	})
	require.NoError(t, err)
	eqDec(t, "33", refunded.Invoice.PaidAmount)
	require.NotNil(t, refunded.Invoice.Coverage.MaxHours)
	eqDec(t, "3", *refunded.Invoice.Coverage.MaxHours)
}

func TestMarkUnpaidRevertsPaymentEffects(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "2")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	_, err = e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("12"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	reverted, err := e.invoices.MarkUnpaid(ctx, agg.Invoice.ID)
	require.NoError(t, err)

	inv := reverted.Invoice
	require.Equal(t, invoicedomain.StatusPending, inv.Status)
	require.Nil(t, inv.PaidAt)
	require.Nil(t, inv.Coverage.MaxHours)
	eqDec(t, "0", inv.PaidAmount)
	require.Empty(t, reverted.Logs)
	require.False(t, e.reloadClass(t, class.ID).PaidByGuardian)
	eqDec(t, "0", e.reloadGuardian(t, g.ID).TotalHours)

	// The idempotency record went with the logs, so the same key re-applies.
	again, err := e.applier.Apply(ctx, agg.Invoice.ID, paymentdomain.Request{
		Amount:         decPtr("12"),
		PaidHours:      decPtr("1"),
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)
	require.True(t, again.Applied)
	require.Equal(t, invoicedomain.StatusPaid, again.Invoice.Invoice.Status)
}

func TestMarkUnpaidWithoutPaymentsFails(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	_, err = e.invoices.MarkUnpaid(ctx, agg.Invoice.ID)
	require.ErrorIs(t, err, invoicedomain.ErrNoPayments)
}

func TestRefundRejectedOnUnsettledInvoice(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	g := e.seedGuardian(t, "10", "0")
	s := e.seedStudent(t, g.ID)
	teacher := e.seedTeacher(t)
	class := e.seedClass(t, g.ID, s.ID, teacher.ID,
		time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)

	agg, err := e.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &g.ID,
		Month:      1,
		Year:       2025,
		Items:      []invoicedomain.ItemInput{itemInputFromClass(class)},
	})
	require.NoError(t, err)

	_, err = e.engine.RecordRefund(ctx, agg.Invoice.ID, adjustmentdomain.RefundInput{
		Amount:      dec("10"),
		RefundHours: dec("1"),
		Reason:      "nothing was paid",
	})
	require.Error(t, err)
}
