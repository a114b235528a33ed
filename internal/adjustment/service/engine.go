// Package service implements the refund and post-payment adjustment engine.
package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	"github.com/lessonbill/lessonbill/internal/adjustment/domain"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/events"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/lessonbill/lessonbill/internal/notification"
	"github.com/lessonbill/lessonbill/internal/observability/metrics"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// refundEpsilon tolerates rounding drift between the supplied refund
	// amount and its hours decomposition.
	refundEpsilon   = decimal.NewFromFloat(0.05)
	coverageEpsilon = decimal.NewFromFloat(0.001)
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Caps       db.Capabilities
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	BillingCfg *config.BillingConfigHolder
	Store      invoicedomain.Store
	Guardians  guardiandomain.Service
	Lessons    lessondomain.Selector
	Audit      auditdomain.Service
	Outbox     *events.Outbox
	Metrics    *metrics.Metrics      `optional:"true"`
	Notifier   notification.Notifier `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	caps       db.Capabilities
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	store      invoicedomain.Store
	guardians  guardiandomain.Service
	lessons    lessondomain.Selector
	audit      auditdomain.Service
	outbox     *events.Outbox
	metrics    *metrics.Metrics
	notifier   notification.Notifier
}

func NewEngine(p Params) domain.Engine {
	return &Engine{
		db:         p.DB,
		caps:       p.Caps,
		log:        p.Log.Named("adjustment.engine"),
		clock:      p.Clock,
		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		store:      p.Store,
		guardians:  p.Guardians,
		lessons:    p.Lessons,
		audit:      p.Audit,
		outbox:     p.Outbox,
		metrics:    p.Metrics,
		notifier:   p.Notifier,
	}
}

func (s *Engine) inTx(fn func(tx *gorm.DB) error) error {
	if !s.caps.SupportsTransactions {
		return fn(s.db)
	}
	return s.db.Transaction(fn)
}

func (s *Engine) RecordRefund(ctx context.Context, invoiceID snowflake.ID, in domain.RefundInput) (*invoicedomain.Aggregate, error) {
	if !in.Amount.IsPositive() {
		return nil, invoicedomain.Validationf("validation_error: refund amount must be positive")
	}
	if !in.RefundHours.IsPositive() {
		return nil, invoicedomain.Validationf("validation_error: refund hours must be positive")
	}

	var agg *invoicedomain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}

		// Same idempotency key means the refund already landed.
		if in.IdempotencyKey != "" {
			for _, entry := range loaded.Logs {
				if entry.Method == invoicedomain.MethodRefund && entry.IdempotencyKey == in.IdempotencyKey {
					agg = loaded
					return nil
				}
			}
		}

		inv, logs, err := s.refundCore(ctx, tx, loaded, in.Amount, in.RefundHours, refundOpts{
			reason:       in.Reason,
			reference:    in.RefundReference,
			idemKey:      in.IdempotencyKey,
			reverseHours: true,
			validate:     true,
		})
		if err != nil {
			return err
		}

		agg = &invoicedomain.Aggregate{Invoice: *inv, Items: loaded.Items, Logs: logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drain(ctx)
	if agg != nil {
		s.metrics.RecordRefund(ctx, agg.Invoice.Status == invoicedomain.StatusRefunded)
		if s.notifier != nil {
			s.notifier.Notify(ctx, notification.Notification{
				Kind:          notification.KindRefundRecorded,
				InvoiceID:     agg.Invoice.ID,
				InvoiceNumber: agg.Invoice.InvoiceNumber,
				Recipient:     notification.Recipient{GuardianID: agg.Invoice.GuardianID},
				Detail:        map[string]any{"amount": in.Amount.String(), "hours": in.RefundHours.String()},
			})
		}
	}
	return agg, nil
}

type refundOpts struct {
	reason       string
	reference    string
	idemKey      string
	reverseHours bool
	validate     bool
}

// refundCore reverses money (and optionally hours) on a settled invoice. It
// appends the negative log, resyncs coverage and paid-by-guardian flags,
// saves the invoice and writes the audit entry.
func (s *Engine) refundCore(ctx context.Context, tx *gorm.DB, loaded *invoicedomain.Aggregate, amount, hours decimal.Decimal, opts refundOpts) (*invoicedomain.Invoice, []invoicedomain.PaymentLogEntry, error) {
	inv := loaded.Invoice

	if !invoicedomain.CanTransition(invoicedomain.TriggerRefundFull, inv.Status) {
		return nil, nil, invoicedomain.Validationf("validation_error: state %s does not allow refunds", inv.Status)
	}

	totalHours := invoicedomain.TotalItemHours(loaded.Items)
	covered := coverageHours(&inv, loaded.Items, loaded.Logs)
	if opts.validate && hours.GreaterThan(covered.Add(coverageEpsilon)) {
		return nil, nil, invoicedomain.Validationf(
			"validation_error: refund hours %s exceed coverage %s", hours, covered)
	}

	rate := inv.Snapshot.HourlyRate
	if !rate.IsPositive() {
		rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
	}

	base := hours.Mul(rate).Round(2)
	feeRefund := decimal.Zero
	if fee := inv.TransferFee(); fee.IsPositive() && covered.IsPositive() {
		ratio := decimal.Min(decimal.NewFromInt(1), hours.Div(covered))
		feeRefund = fee.Mul(ratio).Round(2)
	}
	expected := base.Add(feeRefund)

	if opts.validate && amount.Sub(expected).Abs().GreaterThan(refundEpsilon) {
		return nil, nil, invoicedomain.Validationf(
			"validation_error: refund amount %s does not match %s hours x %s rate (%s) + proportional fee %s = %s",
			amount, hours, rate, base, feeRefund, expected)
	}

	now := s.clock.Now()
	entry := invoicedomain.PaymentLogEntry{
		ID:             s.genID.Generate(),
		InvoiceID:      inv.ID,
		Amount:         amount.Neg().Round(2),
		PaidHours:      &hours,
		Method:         invoicedomain.MethodRefund,
		TransactionID:  opts.reference,
		IdempotencyKey: opts.idemKey,
		Note:           opts.reason,
		ProcessedAt:    now,
		ActorID:        actorID(ctx),
		SnapshotData: map[string]any{
			"base_amount": base.String(),
			"fee_refund":  feeRefund.String(),
		},
	}
	if err := s.store.AppendLogTx(ctx, tx, &entry); err != nil {
		return nil, nil, err
	}
	logs := append(loaded.Logs, entry)

	if opts.reverseHours && inv.GuardianID != nil {
		shares := studentShares(loaded.Items, hours)
		if err := s.guardians.ReverseRefundHoursTx(ctx, tx, *inv.GuardianID, hours, shares, inv.ID); err != nil {
			return nil, nil, err
		}
	}

	// Coverage follows the surviving payments.
	newCoverage := decimal.Min(netPaidHours(logs), totalHours).Round(3)
	if newCoverage.IsNegative() {
		newCoverage = decimal.Zero
	}
	inv.Coverage.MaxHours = &newCoverage

	before := inv.Status
	paidBefore := inv.PaidAmount
	invoicedomain.RecomputeTotals(&inv, loaded.Items)
	inv.PaidAmount = invoicedomain.DerivePaidAmount(logs)

	if !inv.PaidAmount.IsPositive() {
		next, err := invoicedomain.NextStatus(invoicedomain.TriggerRefundFull, inv.Status, now, inv.DueAt)
		if err != nil {
			return nil, nil, err
		}
		inv.Status = next
	}

	if err := s.resyncPaidFlags(ctx, tx, loaded.Items, newCoverage); err != nil {
		return nil, nil, err
	}

	if actor := actorID(ctx); actor != nil {
		inv.UpdatedBy = actor
	}
	if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
		return nil, nil, err
	}

	summary := fmt.Sprintf("Refunded %s (%s hours) on %s", amount.Round(2), hours, inv.InvoiceNumber)
	if opts.reason != "" {
		summary += ": " + opts.reason
	}
	if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
		InvoiceID: inv.ID,
		Action:    "refund",
		Severity:  auditdomain.SeverityNormal,
		Diff: map[string]auditdomain.FieldDiff{
			"status":      {Before: string(before), After: string(inv.Status)},
			"paid_amount": {Before: paidBefore.String(), After: inv.PaidAmount.String()},
			"coverage":    {Before: covered.String(), After: newCoverage.String()},
		},
		Metadata: map[string]any{
			"amount":     amount.String(),
			"hours":      hours.String(),
			"fee_refund": feeRefund.String(),
			"reference":  opts.reference,
		},
		Summary: summary,
	}); err != nil {
		return nil, nil, err
	}

	eventType := events.EventInvoiceUpdated
	if inv.Status == invoicedomain.StatusRefunded {
		eventType = events.EventInvoiceRefunded
	}
	s.publish(ctx, tx, eventType, &inv, entry.ID)

	return &inv, logs, nil
}

func (s *Engine) ApplyPostPaymentAdjustment(ctx context.Context, invoiceID snowflake.ID, in domain.Input) (*invoicedomain.Aggregate, error) {
	switch in.Type {
	case domain.TypeReduction:
		if in.Amount == nil || in.Hours == nil {
			return nil, invoicedomain.Validationf("validation_error: reduction requires amount and hours")
		}
		return s.RecordRefund(ctx, invoiceID, domain.RefundInput{
			Amount:      *in.Amount,
			RefundHours: *in.Hours,
			Reason:      in.Reason,
		})
	case domain.TypeIncrease:
		return s.applyIncrease(ctx, invoiceID, in)
	case domain.TypeRemoveLessons:
		return s.applyRemoveLessons(ctx, invoiceID, in)
	default:
		return nil, domain.ErrInvalidType
	}
}

// applyIncrease appends items to a settled invoice. The item freeze covers
// modification; appending is allowed and reopens the remaining balance.
func (s *Engine) applyIncrease(ctx context.Context, invoiceID snowflake.ID, in domain.Input) (*invoicedomain.Aggregate, error) {
	if len(in.Items) == 0 {
		return nil, invoicedomain.Validationf("validation_error: increase requires items")
	}

	var agg *invoicedomain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice
		if !invoicedomain.Settled(inv.Status) {
			return invoicedomain.Validationf("validation_error: adjustments apply to settled invoices only")
		}

		added := make([]invoicedomain.LineItem, 0, len(in.Items))
		for _, input := range in.Items {
			item := s.buildItem(&inv, input)
			if item.ClassID != nil {
				existing, err := s.store.ActiveInvoiceForClass(ctx, tx, *item.ClassID)
				if err != nil {
					return err
				}
				if existing != nil && existing.ID != inv.ID {
					return &invoicedomain.LessonInvoicedError{
						ClassID:       *item.ClassID,
						InvoiceID:     existing.ID,
						InvoiceNumber: existing.InvoiceNumber,
					}
				}
			}
			added = append(added, item)
		}
		if err := s.store.InsertItemsTx(ctx, tx, added); err != nil {
			return err
		}
		items := append(loaded.Items, added...)

		before := inv.Status
		invoicedomain.RecomputeTotals(&inv, items)
		inv.PaidAmount = invoicedomain.DerivePaidAmount(loaded.Logs)
		if inv.Status == invoicedomain.StatusPaid && inv.RemainingBalance().IsPositive() {
			inv.Status = invoicedomain.StatusPartiallyPaid
		}

		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "adjustment_increase",
			Severity:  auditdomain.SeverityNormal,
			Diff: map[string]auditdomain.FieldDiff{
				"status": {Before: string(before), After: string(inv.Status)},
			},
			Metadata: map[string]any{"items_added": len(added), "reason": in.Reason},
			Summary:  fmt.Sprintf("%d item(s) appended to %s", len(added), inv.InvoiceNumber),
		}); err != nil {
			return err
		}
		s.publish(ctx, tx, events.EventInvoiceUpdated, &inv, 0)

		agg = &invoicedomain.Aggregate{Invoice: inv, Items: items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drain(ctx)
	return agg, nil
}

func (s *Engine) applyRemoveLessons(ctx context.Context, invoiceID snowflake.ID, in domain.Input) (*invoicedomain.Aggregate, error) {
	if len(in.RemoveItemIDs) == 0 {
		return nil, invoicedomain.Validationf("validation_error: removeLessons requires item ids")
	}
	mode := in.Mode
	if mode == "" {
		mode = domain.RemoveModeRefund
	}
	switch mode {
	case domain.RemoveModeRefund, domain.RemoveModeCompensate, domain.RemoveModeBoth:
	default:
		return nil, domain.ErrInvalidMode
	}

	var agg *invoicedomain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice
		if !invoicedomain.Settled(inv.Status) {
			return invoicedomain.Validationf("validation_error: adjustments apply to settled invoices only")
		}

		removed := make([]invoicedomain.LineItem, 0, len(in.RemoveItemIDs))
		kept := make([]invoicedomain.LineItem, 0, len(loaded.Items))
		removedSet := make(map[snowflake.ID]struct{}, len(in.RemoveItemIDs))
		for _, id := range in.RemoveItemIDs {
			removedSet[id] = struct{}{}
		}
		for _, item := range loaded.Items {
			if _, gone := removedSet[item.ID]; gone {
				removed = append(removed, item)
			} else {
				kept = append(kept, item)
			}
		}
		if len(removed) != len(in.RemoveItemIDs) {
			return invoicedomain.Validationf("validation_error: item not on invoice")
		}

		if err := s.store.DeleteItemsTx(ctx, tx, inv.ID, in.RemoveItemIDs); err != nil {
			return err
		}
		for _, item := range removed {
			if item.ClassID != nil {
				if err := s.lessons.SetPaidByGuardianTx(ctx, tx, []snowflake.ID{*item.ClassID}, false); err != nil {
					return err
				}
			}
		}

		removedHours := invoicedomain.TotalItemHours(removed)
		trimmed := &invoicedomain.Aggregate{Invoice: inv, Items: kept, Logs: loaded.Logs}

		switch mode {
		case domain.RemoveModeRefund, domain.RemoveModeBoth:
			rate := inv.Snapshot.HourlyRate
			if !rate.IsPositive() {
				rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
			}
			covered := coverageHours(&inv, loaded.Items, loaded.Logs)
			amount := removedHours.Mul(rate).Round(2)
			if fee := inv.TransferFee(); fee.IsPositive() && covered.IsPositive() {
				ratio := decimal.Min(decimal.NewFromInt(1), removedHours.Div(covered))
				amount = amount.Add(fee.Mul(ratio).Round(2))
			}
			result, logs, err := s.refundCore(ctx, tx, trimmed, amount, removedHours, refundOpts{
				reason:       in.Reason,
				reverseHours: mode == domain.RemoveModeRefund,
			})
			if err != nil {
				return err
			}
			agg = &invoicedomain.Aggregate{Invoice: *result, Items: kept, Logs: logs}
			return nil

		default: // compensate
			before := inv.Status
			newCoverage := decimal.Min(netPaidHours(loaded.Logs), invoicedomain.TotalItemHours(kept)).Round(3)
			inv.Coverage.MaxHours = &newCoverage
			invoicedomain.RecomputeTotals(&inv, kept)
			inv.PaidAmount = invoicedomain.DerivePaidAmount(loaded.Logs)

			if err := s.resyncPaidFlags(ctx, tx, kept, newCoverage); err != nil {
				return err
			}
			if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
				return err
			}
			if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
				InvoiceID: inv.ID,
				Action:    "adjustment_remove",
				Severity:  auditdomain.SeverityNormal,
				Diff: map[string]auditdomain.FieldDiff{
					"status": {Before: string(before), After: string(inv.Status)},
				},
				Metadata: map[string]any{
					"items_removed": len(removed),
					"mode":          string(mode),
					"reason":        in.Reason,
				},
				Summary: fmt.Sprintf("%d item(s) removed from %s without refund", len(removed), inv.InvoiceNumber),
			}); err != nil {
				return err
			}
			s.publish(ctx, tx, events.EventInvoiceUpdated, &inv, 0)

			agg = &invoicedomain.Aggregate{Invoice: inv, Items: kept, Logs: loaded.Logs}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	s.drain(ctx)
	return agg, nil
}

func (s *Engine) buildItem(inv *invoicedomain.Invoice, in invoicedomain.ItemInput) invoicedomain.LineItem {
	rate := in.Rate
	if !rate.IsPositive() {
		rate = inv.Snapshot.HourlyRate
	}
	if !rate.IsPositive() {
		rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
	}
	hours := decimal.NewFromInt(int64(in.DurationMinutes)).Div(decimal.NewFromInt(60))

	item := invoicedomain.LineItem{
		ID:               s.genID.Generate(),
		InvoiceID:        inv.ID,
		ClassID:          in.ClassID,
		StudentID:        in.StudentID,
		StudentFirstName: in.StudentFirstName,
		StudentLastName:  in.StudentLastName,
		StudentEmail:     in.StudentEmail,
		TeacherID:        in.TeacherID,
		TeacherFirstName: in.TeacherFirstName,
		TeacherLastName:  in.TeacherLastName,
		Description:      in.Description,
		Date:             in.Date,
		DurationMinutes:  in.DurationMinutes,
		Rate:             rate,
		Amount:           rate.Mul(hours).Round(2),
		Attended:         in.Attended,
		Status:           in.Status,

		ExcludeFromStudentBalance: in.ExcludeFromStudentBalance,
		ExemptFromGuardian:        in.ExemptFromGuardian,
		ExcludeFromTeacherPayment: in.ExcludeFromTeacherPayment,

		CreatedAt: s.clock.Now(),
	}
	if in.ClassID != nil {
		item.LessonID = in.ClassID.String()
	}
	return item
}

// resyncPaidFlags sets the paid-by-guardian flag on the covered chronological
// prefix and clears it everywhere else on the invoice.
func (s *Engine) resyncPaidFlags(ctx context.Context, tx *gorm.DB, items []invoicedomain.LineItem, coverage decimal.Decimal) error {
	coveredSet := map[int64]struct{}{}
	for _, cid := range invoicedomain.CoveredClassIDs(items, coverage) {
		coveredSet[cid] = struct{}{}
	}

	var covered, uncovered []snowflake.ID
	for _, item := range items {
		if item.ClassID == nil {
			continue
		}
		if _, ok := coveredSet[int64(*item.ClassID)]; ok {
			covered = append(covered, *item.ClassID)
		} else {
			uncovered = append(uncovered, *item.ClassID)
		}
	}
	if err := s.lessons.SetPaidByGuardianTx(ctx, tx, uncovered, false); err != nil {
		return err
	}
	return s.lessons.SetPaidByGuardianTx(ctx, tx, covered, true)
}

func (s *Engine) publish(ctx context.Context, tx *gorm.DB, eventType string, inv *invoicedomain.Invoice, logID snowflake.ID) {
	dedupe := fmt.Sprintf("%s:%d:%d", eventType, inv.ID, logID)
	err := s.outbox.PublishTx(ctx, tx, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"invoice_id":  inv.ID.String(),
			"status":      string(inv.Status),
			"paid_amount": inv.PaidAmount.String(),
			"total":       inv.Total.String(),
		},
		DedupeKey: dedupe,
	})
	if err != nil {
		s.log.Warn("outbox publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (s *Engine) drain(ctx context.Context) {
	if _, err := s.outbox.Drain(ctx, 50); err != nil {
		s.log.Warn("outbox drain failed", zap.Error(err))
	}
}

// coverageHours is the hours a payment has unlocked on the invoice.
func coverageHours(inv *invoicedomain.Invoice, items []invoicedomain.LineItem, logs []invoicedomain.PaymentLogEntry) decimal.Decimal {
	total := invoicedomain.TotalItemHours(items)
	if inv.Coverage.MaxHours != nil {
		return decimal.Min(*inv.Coverage.MaxHours, total)
	}
	return decimal.Min(netPaidHours(logs), total)
}

// netPaidHours is positive payment hours minus refunded hours.
func netPaidHours(logs []invoicedomain.PaymentLogEntry) decimal.Decimal {
	hours := invoicedomain.SumPositivePaymentHours(logs)
	for _, entry := range logs {
		if entry.Method == invoicedomain.MethodRefund && entry.PaidHours != nil {
			hours = hours.Sub(entry.PaidHours.Abs())
		}
	}
	if hours.IsNegative() {
		return decimal.Zero
	}
	return hours.Round(3)
}

// studentShares splits refund hours across students proportionally to their
// item hours.
func studentShares(items []invoicedomain.LineItem, hours decimal.Decimal) map[snowflake.ID]decimal.Decimal {
	perStudent := map[snowflake.ID]decimal.Decimal{}
	total := decimal.Zero
	for _, item := range items {
		if item.StudentID == nil || item.ExcludeFromStudentBalance {
			continue
		}
		perStudent[*item.StudentID] = perStudent[*item.StudentID].Add(item.Hours())
		total = total.Add(item.Hours())
	}
	if !total.IsPositive() {
		return nil
	}

	shares := make(map[snowflake.ID]decimal.Decimal, len(perStudent))
	for id, h := range perStudent {
		shares[id] = hours.Mul(h).Div(total).Round(3)
	}
	return shares
}

func actorID(ctx context.Context) *snowflake.ID {
	actor := actorcontext.ActorFromContext(ctx)
	if actor.ID == 0 {
		return nil
	}
	id := actor.ID
	return &id
}
