// Package service implements idempotent payment application.
package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/events"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/lessonbill/lessonbill/internal/notification"
	"github.com/lessonbill/lessonbill/internal/observability/metrics"
	"github.com/lessonbill/lessonbill/internal/payment/domain"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// amountEpsilon tolerates rounding noise in the amount/hours decomposition.
	amountEpsilon = decimal.NewFromFloat(0.01)
	// coverageEpsilon is the slack on hour comparisons.
	coverageEpsilon = decimal.NewFromFloat(0.001)
	// fingerprintWindow bounds the timestamp distance for a duplicate match
	// without a transaction id.
	fingerprintWindow = 30 * time.Second
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
	Ledger     ledgerdomain.Service
	Audit      auditdomain.Service
	Outbox     *events.Outbox
	FollowUp   domain.FollowUp       `optional:"true"`
	Metrics    *metrics.Metrics      `optional:"true"`
	Notifier   notification.Notifier `optional:"true"`
}

type Applier struct {
	db         *gorm.DB
	caps       db.Capabilities
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	store      invoicedomain.Store
	guardians  guardiandomain.Service
	lessons    lessondomain.Selector
	ledger     ledgerdomain.Service
	audit      auditdomain.Service
	outbox     *events.Outbox
	followUp   domain.FollowUp
	metrics    *metrics.Metrics
	notifier   notification.Notifier
}

func NewApplier(p Params) domain.Applier {
	return &Applier{
		db:         p.DB,
		caps:       p.Caps,
		log:        p.Log.Named("payment.applier"),
		clock:      p.Clock,
		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		store:      p.Store,
		guardians:  p.Guardians,
		lessons:    p.Lessons,
		ledger:     p.Ledger,
		audit:      p.Audit,
		outbox:     p.Outbox,
		followUp:   p.FollowUp,
		metrics:    p.Metrics,
		notifier:   p.Notifier,
	}
}

func (s *Applier) inTx(fn func(tx *gorm.DB) error) error {
	if !s.caps.SupportsTransactions {
		return fn(s.db)
	}
	return s.db.Transaction(fn)
}

func (s *Applier) Apply(ctx context.Context, invoiceID snowflake.ID, req domain.Request) (*domain.Result, error) {
	if req.Method == "" {
		req.Method = invoicedomain.MethodManual
	}
	if req.Method == invoicedomain.MethodRefund || req.Method == invoicedomain.MethodTipDistribution {
		return nil, invoicedomain.Validationf("validation_error: method %s is not a payment method", req.Method)
	}
	if req.Amount == nil && req.PaidHours == nil {
		return nil, invoicedomain.Validationf("validation_error: amount or paidHours is required")
	}

	var (
		result      *domain.Result
		reachedPaid bool
		guardianID  *snowflake.ID
	)
	err := s.inTx(func(tx *gorm.DB) error {
		agg, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := agg.Invoice
		remainingBefore := inv.RemainingBalance()

		// Step 1: a settled invoice turns any further payment into a
		// duplicate-success.
		if inv.Status == invoicedomain.StatusPaid || !remainingBefore.IsPositive() {
			result = duplicateResult(agg, remainingBefore)
			return nil
		}

		// Step 2b: a prior applied record with the same key is the same
		// payment.
		if dup, err := s.priorApplied(ctx, tx, invoiceID, req); err != nil {
			return err
		} else if dup {
			result = duplicateResult(agg, remainingBefore)
			return nil
		}

		// Step 2c: fingerprint scan over existing logs.
		if s.fingerprintMatch(agg.Logs, req) {
			result = duplicateResult(agg, remainingBefore)
			return nil
		}

		// Step 2a: the pending record; the unique indexes turn a racing
		// duplicate into a conflict we resolve as duplicate-success.
		record := s.buildRecord(invoiceID, req)
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				result = duplicateResult(agg, remainingBefore)
				return nil
			}
			return err
		}

		// Step 3: normalise amount and hours against the resolved rate.
		rate := s.resolveRate(ctx, &inv, agg.Items, req)
		amount, hours, err := normalize(&inv, agg.Items, req, rate)
		if err != nil {
			return err
		}

		// Step 4: re-check on data loaded under the row lock.
		if s.fingerprintMatch(agg.Logs, req) {
			result = duplicateResult(agg, remainingBefore)
			return nil
		}

		// Step 5: advance coverage over class-linked items.
		classIDs := classIDsOf(agg.Items)
		if len(classIDs) > 0 {
			totalHours := invoicedomain.TotalItemHours(agg.Items)
			covered := decimal.Zero
			if invoicedomain.DerivePaidAmount(agg.Logs).IsPositive() && inv.Coverage.MaxHours != nil {
				covered = decimal.Min(*inv.Coverage.MaxHours, totalHours)
			}
			newCoverage := decimal.Min(covered.Add(hours), totalHours).Round(3)
			inv.Coverage.Strategy = invoicedomain.CoverageCapHours
			inv.Coverage.MaxHours = &newCoverage
			spanPeriod(&inv, agg.Items)
			invoicedomain.RecomputeTotals(&inv, agg.Items)

			if totalHours.Sub(newCoverage).LessThanOrEqual(coverageEpsilon) {
				if err := s.lessons.SetPaidByGuardianTx(ctx, tx, classIDs, true); err != nil {
					return err
				}
			} else {
				prefix := invoicedomain.CoveredClassIDs(agg.Items, newCoverage)
				ids := make([]snowflake.ID, 0, len(prefix))
				for _, cid := range prefix {
					ids = append(ids, snowflake.ID(cid))
				}
				if err := s.lessons.SetPaidByGuardianTx(ctx, tx, ids, true); err != nil {
					return err
				}
			}
		}

		// Step 6: append the log entry and advance the state machine.
		now := s.clock.Now()
		processedAt := now
		if req.PaidAt != nil {
			processedAt = *req.PaidAt
		}
		if req.Tip.IsPositive() {
			inv.Tip = inv.Tip.Add(req.Tip).Round(2)
			invoicedomain.RecomputeTotals(&inv, agg.Items)
		}

		entry := invoicedomain.PaymentLogEntry{
			ID:             s.genID.Generate(),
			InvoiceID:      inv.ID,
			Amount:         amount.Add(req.Tip).Round(2),
			PaidHours:      &hours,
			Tip:            req.Tip.Round(2),
			Method:         req.Method,
			TransactionID:  req.TransactionID,
			IdempotencyKey: req.IdempotencyKey,
			Note:           req.Note,
			ProcessedAt:    processedAt,
			ActorID:        actorID(ctx),
			SnapshotData:   map[string]any{"rate": rate.String()},
		}
		if err := s.store.AppendLogTx(ctx, tx, &entry); err != nil {
			return err
		}
		logs := append(agg.Logs, entry)
		inv.PaidAmount = invoicedomain.DerivePaidAmount(logs)

		remainingAfter := inv.Total.Sub(inv.PaidAmount)
		trigger := invoicedomain.TriggerPaymentPartial
		if remainingAfter.LessThan(amountEpsilon) {
			trigger = invoicedomain.TriggerPaymentFull
		}
		next, err := invoicedomain.NextStatus(trigger, inv.Status, now, inv.DueAt)
		if err != nil {
			return err
		}
		before := inv.Status
		inv.Status = next
		if trigger == invoicedomain.TriggerPaymentFull {
			inv.PaidAt = &processedAt
			reachedPaid = true
		}

		// Step 7: credit the guardian's hour pool for the eligible increment.
		if inv.GuardianID != nil {
			credit := eligibleIncrement(agg.Items, hours)
			if credit.IsPositive() {
				if err := s.guardians.CreditHoursTx(ctx, tx, *inv.GuardianID, credit, inv.ID); err != nil {
					return err
				}
			}
			guardianID = inv.GuardianID
		}

		// Step 8: split the tip across teachers.
		if req.Tip.IsPositive() {
			if err := s.distributeTip(ctx, tx, &inv, agg.Items, req.Tip, processedAt); err != nil {
				return err
			}
		}

		// Step 9: flip the record to applied with its log snapshot.
		appliedAt := now
		err = tx.WithContext(ctx).Model(&domain.Payment{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"status":     domain.StatusApplied,
				"applied_at": appliedAt,
				"log_snapshot": datatypes.JSONMap{
					"log_id": entry.ID.String(),
					"amount": entry.Amount.String(),
					"hours":  hours.String(),
				},
			}).Error
		if err != nil {
			return err
		}

		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		// Step 10: a newly paid invoice releases its classes everywhere else.
		if reachedPaid && len(classIDs) > 0 {
			touched, err := s.store.RemoveClassFromOtherUnpaid(ctx, tx, inv.ID, classIDs)
			if err != nil {
				return err
			}
			for _, other := range touched {
				if err := s.recomputeOther(ctx, tx, other); err != nil {
					return err
				}
			}
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "payment",
			Severity:  auditdomain.SeverityNormal,
			Diff: map[string]auditdomain.FieldDiff{
				"status":      {Before: string(before), After: string(inv.Status)},
				"paid_amount": {Before: remainingBefore.String(), After: inv.PaidAmount.String()},
			},
			Metadata: map[string]any{
				"amount": amount.String(),
				"hours":  hours.String(),
				"method": string(req.Method),
			},
			Summary: "Payment of " + amount.String() + " applied to " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}

		eventType := events.EventInvoicePartiallyPaid
		if reachedPaid {
			eventType = events.EventInvoicePaid
		}
		s.publish(ctx, tx, eventType, &inv, entry.ID)

		result = &domain.Result{
			Invoice:         &invoicedomain.Aggregate{Invoice: inv, Items: agg.Items, Logs: logs},
			Applied:         true,
			RemainingBefore: remainingBefore,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		s.metrics.RecordPaymentDuplicate(ctx, "idempotent_replay")
	} else if result.Applied {
		s.metrics.RecordPaymentApplied(ctx, string(req.Method), reachedPaid)
		if s.notifier != nil && result.Invoice != nil {
			inv := result.Invoice.Invoice
			s.notifier.Notify(ctx, notification.Notification{
				Kind:          notification.KindPaymentReceived,
				InvoiceID:     inv.ID,
				InvoiceNumber: inv.InvoiceNumber,
				Recipient:     notification.Recipient{GuardianID: inv.GuardianID},
				Detail:        map[string]any{"status": string(inv.Status)},
			})
		}
	}

	if _, err := s.outbox.Drain(ctx, 50); err != nil {
		s.log.Warn("outbox drain failed", zap.Error(err))
	}
	if reachedPaid && s.followUp != nil && guardianID != nil {
		if err := s.followUp.CheckGuardian(ctx, *guardianID); err != nil {
			s.log.Warn("post-payment follow-up failed",
				zap.Int64("guardian_id", int64(*guardianID)), zap.Error(err))
		}
	}
	return result, nil
}

func duplicateResult(agg *invoicedomain.Aggregate, remaining decimal.Decimal) *domain.Result {
	return &domain.Result{Invoice: agg, Duplicate: true, RemainingBefore: remaining}
}

func (s *Applier) buildRecord(invoiceID snowflake.ID, req domain.Request) *domain.Payment {
	record := &domain.Payment{
		ID:        s.genID.Generate(),
		InvoiceID: invoiceID,
		Tip:       req.Tip.Round(2),
		Method:    req.Method,
		Status:    domain.StatusPending,
		CreatedAt: s.clock.Now(),
	}
	if req.Amount != nil {
		record.Amount = req.Amount.Round(2)
	}
	if req.PaidHours != nil {
		hours := req.PaidHours.Round(3)
		record.PaidHours = &hours
	}
	if req.TransactionID != "" {
		txid := req.TransactionID
		record.TransactionID = &txid
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		record.IdempotencyKey = &key
	}
	return record
}

func (s *Applier) priorApplied(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, req domain.Request) (bool, error) {
	if req.IdempotencyKey == "" && req.TransactionID == "" {
		return false, nil
	}
	query := tx.WithContext(ctx).Model(&domain.Payment{}).
		Where("invoice_id = ? AND status = ?", invoiceID, domain.StatusApplied)
	if req.IdempotencyKey != "" {
		query = query.Where("idempotency_key = ?", req.IdempotencyKey)
	} else {
		query = query.Where("transaction_id = ?", req.TransactionID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// fingerprintMatch detects a resubmitted payment: same amount, method, tip
// and hours, with a matching transaction id or timestamps inside the window.
func (s *Applier) fingerprintMatch(logs []invoicedomain.PaymentLogEntry, req domain.Request) bool {
	now := s.clock.Now()
	at := now
	if req.PaidAt != nil {
		at = *req.PaidAt
	}
	for _, entry := range logs {
		if !entry.CountsTowardPaid() || entry.Method != req.Method {
			continue
		}
		if req.Amount != nil && !entry.Amount.Sub(req.Tip).Equal(req.Amount.Round(2)) {
			continue
		}
		if !entry.Tip.Equal(req.Tip.Round(2)) {
			continue
		}
		if req.PaidHours != nil {
			if entry.PaidHours == nil || !entry.PaidHours.Equal(req.PaidHours.Round(3)) {
				continue
			}
		}
		if req.TransactionID != "" && entry.TransactionID == req.TransactionID {
			return true
		}
		if req.TransactionID == "" && absDuration(entry.ProcessedAt.Sub(at)) <= fingerprintWindow {
			return true
		}
	}
	return false
}

// resolveRate prefers the frozen snapshot rate, then the guardian's current
// rate, then any item rate, then amount/hours, then the configured default.
func (s *Applier) resolveRate(ctx context.Context, inv *invoicedomain.Invoice, items []invoicedomain.LineItem, req domain.Request) decimal.Decimal {
	if inv.Snapshot.HourlyRate.IsPositive() {
		return inv.Snapshot.HourlyRate
	}
	if inv.GuardianID != nil {
		if guardian, err := s.guardians.GetByID(ctx, *inv.GuardianID); err == nil && guardian.HourlyRate.IsPositive() {
			return guardian.HourlyRate
		}
	}
	for _, item := range items {
		if item.Rate.IsPositive() {
			return item.Rate
		}
	}
	if req.Amount != nil && req.PaidHours != nil && req.PaidHours.IsPositive() {
		return req.Amount.Div(*req.PaidHours).Round(2)
	}
	return decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
}

// normalize resolves the amount/hours pair. With both supplied, the amount
// must match hours x rate plus the proportional transfer fee within epsilon.
func normalize(inv *invoicedomain.Invoice, items []invoicedomain.LineItem, req domain.Request, rate decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	totalHours := invoicedomain.TotalItemHours(items)
	fee := inv.TransferFee()

	feeFor := func(hours decimal.Decimal) decimal.Decimal {
		if fee.IsZero() || !totalHours.IsPositive() {
			return fee
		}
		ratio := decimal.Min(decimal.NewFromInt(1), hours.Div(totalHours))
		return fee.Mul(ratio).Round(2)
	}

	switch {
	case req.Amount == nil:
		hours := req.PaidHours.Round(3)
		if !hours.IsPositive() {
			return decimal.Zero, decimal.Zero, invoicedomain.Validationf("validation_error: paidHours must be positive")
		}
		amount := hours.Mul(rate).Add(feeFor(hours)).Round(2)
		return amount, hours, nil

	case req.PaidHours == nil:
		amount := req.Amount.Round(2)
		if !amount.IsPositive() {
			return decimal.Zero, decimal.Zero, invoicedomain.Validationf("validation_error: amount must be positive")
		}
		divisor := rate
		if !fee.IsZero() && totalHours.IsPositive() {
			divisor = rate.Add(fee.Div(totalHours))
		}
		if !divisor.IsPositive() {
			return decimal.Zero, decimal.Zero, invoicedomain.Validationf("validation_error: cannot derive hours without a rate")
		}
		return amount, amount.Div(divisor).Round(3), nil

	default:
		amount := req.Amount.Round(2)
		hours := req.PaidHours.Round(3)
		expectedBase := hours.Mul(rate).Round(2)
		expectedFee := feeFor(hours)
		expected := expectedBase.Add(expectedFee)
		if amount.Sub(expected).Abs().GreaterThan(amountEpsilon) {
			return decimal.Zero, decimal.Zero, invoicedomain.Validationf(
				"validation_error: amount %s does not match %s hours x %s rate (%s) + transfer fee %s = %s",
				amount, hours, rate, expectedBase, expectedFee, expected)
		}
		return amount, hours, nil
	}
}

// eligibleIncrement maps paid hours onto non-exempt items chronologically.
func eligibleIncrement(items []invoicedomain.LineItem, hours decimal.Decimal) decimal.Decimal {
	if len(items) == 0 {
		return hours.Round(3)
	}
	ordered := make([]invoicedomain.LineItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	remaining := hours
	credit := decimal.Zero
	for _, item := range ordered {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(item.Hours(), remaining)
		remaining = remaining.Sub(take)
		if !item.ExemptFromGuardian {
			credit = credit.Add(take)
		}
	}
	return credit.Round(3)
}

// spanPeriod widens the billing period to cover every item date.
func spanPeriod(inv *invoicedomain.Invoice, items []invoicedomain.LineItem) {
	for _, item := range items {
		date := item.Date
		if inv.PeriodStart == nil || date.Before(*inv.PeriodStart) {
			start := date
			inv.PeriodStart = &start
		}
		if inv.PeriodEnd == nil || date.After(*inv.PeriodEnd) {
			end := date
			inv.PeriodEnd = &end
		}
	}
}

// distributeTip splits the net tip across teachers proportionally to their
// item amounts, remainder to the largest share, ties broken by ascending id.
func (s *Applier) distributeTip(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, items []invoicedomain.LineItem, tip decimal.Decimal, processedAt time.Time) error {
	cut := decimal.NewFromFloat(s.billingCfg.Get().TipPlatformCut)
	net := tip.Mul(decimal.NewFromInt(1).Sub(cut)).Round(2)
	if !net.IsPositive() {
		return nil
	}

	shares := map[snowflake.ID]decimal.Decimal{}
	for _, item := range items {
		if item.TeacherID == nil || item.ExcludeFromTeacherPayment {
			continue
		}
		id := *item.TeacherID
		if teacher, err := s.ledger.GetTeacher(ctx, id); err == nil && teacher.ExcludeFromTips {
			continue
		}
		shares[id] = shares[id].Add(item.Amount)
	}
	if len(shares) == 0 {
		return nil
	}

	teacherIDs := make([]snowflake.ID, 0, len(shares))
	total := decimal.Zero
	for id, amount := range shares {
		teacherIDs = append(teacherIDs, id)
		total = total.Add(amount)
	}
	sort.Slice(teacherIDs, func(i, j int) bool { return teacherIDs[i] < teacherIDs[j] })
	if !total.IsPositive() {
		return nil
	}

	allocated := decimal.Zero
	portions := make(map[snowflake.ID]decimal.Decimal, len(teacherIDs))
	largest := teacherIDs[0]
	for _, id := range teacherIDs {
		portion := net.Mul(shares[id]).Div(total).Round(2)
		portions[id] = portion
		allocated = allocated.Add(portion)
		if shares[id].GreaterThan(shares[largest]) {
			largest = id
		}
	}
	if remainder := net.Sub(allocated); !remainder.IsZero() {
		portions[largest] = portions[largest].Add(remainder)
	}

	year, month := inv.Year, inv.Month
	if year == 0 || month == 0 {
		year, month = processedAt.Year(), int(processedAt.Month())
	}

	for _, id := range teacherIDs {
		portion := portions[id]
		if !portion.IsPositive() {
			continue
		}
		entry := invoicedomain.PaymentLogEntry{
			ID:           s.genID.Generate(),
			InvoiceID:    inv.ID,
			Amount:       portion,
			Method:       invoicedomain.MethodTipDistribution,
			ProcessedAt:  processedAt,
			SnapshotData: map[string]any{"teacher_id": id.String()},
		}
		if err := s.store.AppendLogTx(ctx, tx, &entry); err != nil {
			return err
		}
		err := s.ledger.RecordEarningTx(ctx, tx, ledgerdomain.EarningLedgerEntry{
			ID:         s.genID.Generate(),
			TeacherID:  id,
			Direction:  ledgerdomain.DirectionCredit,
			SourceType: ledgerdomain.EarningSourceTipDistribution,
			SourceID:   inv.ID,
			Amount:     portion,
			Year:       year,
			Month:      month,
			CreatedAt:  processedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// recomputeOther refreshes totals on an unpaid invoice that just lost items.
func (s *Applier) recomputeOther(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	agg, err := s.store.LoadTx(ctx, tx, id, false)
	if err != nil {
		return err
	}
	inv := agg.Invoice
	invoicedomain.RecomputeTotals(&inv, agg.Items)
	return s.store.SaveTx(ctx, tx, &inv)
}

func (s *Applier) publish(ctx context.Context, tx *gorm.DB, eventType string, inv *invoicedomain.Invoice, logID snowflake.ID) {
	err := s.outbox.PublishTx(ctx, tx, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"invoice_id":  inv.ID.String(),
			"status":      string(inv.Status),
			"paid_amount": inv.PaidAmount.String(),
			"total":       inv.Total.String(),
		},
		DedupeKey: eventType + ":" + inv.ID.String() + ":" + logID.String(),
	})
	if err != nil {
		s.log.Warn("outbox publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func actorID(ctx context.Context) *snowflake.ID {
	actor := actorcontext.ActorFromContext(ctx)
	if actor.ID == 0 {
		return nil
	}
	id := actor.ID
	return &id
}

func classIDsOf(items []invoicedomain.LineItem) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		if item.ClassID != nil {
			ids = append(ids, *item.ClassID)
		}
	}
	return ids
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
