// Package service implements the reactive class-change dispatcher: it keeps
// the hour ledgers and the owning invoice in step with lesson-level edits.
package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	adjustmentdomain "github.com/lessonbill/lessonbill/internal/adjustment/domain"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/dispatcher/domain"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/lessonbill/lessonbill/internal/observability/metrics"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
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
	Invoices   invoicedomain.Service
	Engine     adjustmentdomain.Engine
	Guardians  guardiandomain.Service
	Ledger     ledgerdomain.Service
	Lessons    lessondomain.Selector
	Audit      auditdomain.Service
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	caps       db.Capabilities
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	store      invoicedomain.Store
	invoices   invoicedomain.Service
	engine     adjustmentdomain.Engine
	guardians  guardiandomain.Service
	ledger     ledgerdomain.Service
	lessons    lessondomain.Selector
	audit      auditdomain.Service
	metrics    *metrics.Metrics
}

func NewService(p Params) domain.Dispatcher {
	return &Service{
		db:         p.DB,
		caps:       p.Caps,
		log:        p.Log.Named("dispatcher.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		store:      p.Store,
		invoices:   p.Invoices,
		engine:     p.Engine,
		guardians:  p.Guardians,
		ledger:     p.Ledger,
		lessons:    p.Lessons,
		audit:      p.Audit,
		metrics:    p.Metrics,
	}
}

func (s *Service) inTx(fn func(tx *gorm.DB) error) error {
	if !s.caps.SupportsTransactions {
		return fn(s.db)
	}
	return s.db.Transaction(fn)
}

func (s *Service) HandleClassChange(ctx context.Context, change domain.Change) error {
	if change.Class == nil {
		return lessondomain.ErrClassNotFound
	}
	class := change.Class

	if !change.Previous.SkipHourAdjustment {
		if err := s.adjustHourLedgers(ctx, class, change.Previous, change.Deleted); err != nil {
			return err
		}
	}

	if change.Deleted {
		err := s.handleDeletion(ctx, class)
		s.recordOutcome(ctx, "deleted", err)
		return err
	}

	linked, err := s.store.ActiveInvoiceForClass(ctx, s.db, class.ID)
	if err != nil {
		return err
	}
	if linked == nil {
		_, err := s.invoices.MaybeAddClassToUnpaidInvoice(ctx, class.ID)
		s.recordOutcome(ctx, "unlinked", err)
		return err
	}
	if !invoicedomain.Settled(linked.Status) {
		err := s.applyInPlace(ctx, linked.ID, class)
		s.recordOutcome(ctx, "unpaid_sync", err)
		return err
	}
	err = s.applySettled(ctx, linked, class, change.Previous)
	s.recordOutcome(ctx, "settled_sync", err)
	return err
}

func (s *Service) recordOutcome(ctx context.Context, outcome string, err error) {
	if err != nil {
		outcome = outcome + "_error"
	}
	s.metrics.RecordDispatchOutcome(ctx, outcome)
}

// adjustHourLedgers applies the countable-status transition to the teacher's
// monthly hours and the guardian/student balances.
func (s *Service) adjustHourLedgers(ctx context.Context, class *lessondomain.Class, prev domain.Previous, deleted bool) error {
	prevCountable := lessondomain.Countable(prev.Status)
	newCountable := lessondomain.Countable(class.Status) && !deleted

	prevHours := minutesToHours(prev.DurationMinutes)
	newHours := class.Hours()
	year, month := class.ScheduledAt.Year(), int(class.ScheduledAt.Month())

	return s.inTx(func(tx *gorm.DB) error {
		switch {
		case !prevCountable && newCountable:
			if err := s.ledger.AdjustTeacherMonthHoursTx(ctx, tx, class.TeacherID, year, month, newHours); err != nil {
				return err
			}
			return s.guardians.DebitHoursTx(ctx, tx, class.GuardianID, class.StudentID, newHours, class.ID)

		case prevCountable && !newCountable:
			if err := s.ledger.AdjustTeacherMonthHoursTx(ctx, tx, class.TeacherID, year, month, prevHours.Neg()); err != nil {
				return err
			}
			return s.guardians.ReverseLessonDebitTx(ctx, tx, class.GuardianID, class.StudentID, prevHours, class.ID)

		case prevCountable && newCountable && class.DurationMinutes != prev.DurationMinutes:
			delta := newHours.Sub(prevHours)
			if err := s.ledger.AdjustTeacherMonthHoursTx(ctx, tx, class.TeacherID, year, month, delta); err != nil {
				return err
			}
			if delta.IsPositive() {
				return s.guardians.DebitHoursTx(ctx, tx, class.GuardianID, class.StudentID, delta, class.ID)
			}
			return s.guardians.ReverseLessonDebitTx(ctx, tx, class.GuardianID, class.StudentID, delta.Neg(), class.ID)
		}
		return nil
	})
}

// applyInPlace edits the item on an unpaid invoice to match the class.
func (s *Service) applyInPlace(ctx context.Context, invoiceID snowflake.ID, class *lessondomain.Class) error {
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		item := findClassItem(loaded.Items, class.ID)
		if item == nil {
			return nil
		}

		if lessondomain.InCancelledFamily(class.Status) {
			if err := s.store.DeleteItemsTx(ctx, tx, inv.ID, []snowflake.ID{item.ID}); err != nil {
				return err
			}
			loaded.Items = dropItem(loaded.Items, item.ID)
		} else {
			item.DurationMinutes = class.DurationMinutes
			item.Attended = class.Status == lessondomain.StatusAttended
			item.Status = string(class.Status)
			item.Date = class.ScheduledAt
			item.Amount = item.Rate.Mul(item.Hours()).Round(2)
			if err := s.store.UpdateItemTx(ctx, tx, item); err != nil {
				return err
			}
		}

		invoicedomain.RecomputeTotals(&inv, loaded.Items)
		inv.PaidAmount = invoicedomain.DerivePaidAmount(loaded.Logs)
		return s.store.SaveTx(ctx, tx, &inv)
	})
	return err
}

// applySettled handles class edits against a paid or partially paid invoice.
func (s *Service) applySettled(ctx context.Context, linked *invoicedomain.Invoice, class *lessondomain.Class, prev domain.Previous) error {
	prevCountable := lessondomain.Countable(prev.Status)
	newCancelled := lessondomain.InCancelledFamily(class.Status)
	newCountable := lessondomain.Countable(class.Status)

	switch {
	case prevCountable && newCancelled:
		if err := s.removeItemFromSettled(ctx, linked.ID, class.ID); err != nil {
			return err
		}
		_, err := s.invoices.RecalculateCoverage(ctx, linked.ID)
		return err

	case lessondomain.InCancelledFamily(prev.Status) && newCountable:
		return s.readdItemToSettled(ctx, linked.ID, class)

	case class.DurationMinutes > prev.DurationMinutes && prev.DurationMinutes > 0:
		delta := class.DurationMinutes - prev.DurationMinutes
		studentID := class.StudentID
		teacherID := class.TeacherID
		_, err := s.engine.ApplyPostPaymentAdjustment(ctx, linked.ID, adjustmentdomain.Input{
			Type: adjustmentdomain.TypeIncrease,
			Items: []invoicedomain.ItemInput{{
				StudentID:       &studentID,
				TeacherID:       &teacherID,
				Description:     "Duration adjustment",
				Date:            class.ScheduledAt,
				DurationMinutes: delta,
				Status:          string(class.Status),
			}},
			Reason: "class duration increased",
		})
		return err

	case class.DurationMinutes < prev.DurationMinutes && class.DurationMinutes > 0:
		return s.refundShrink(ctx, linked.ID, minutesToHours(prev.DurationMinutes-class.DurationMinutes))

	default:
		// Nothing to recalculate; still guard the uniqueness invariant.
		return s.inTx(func(tx *gorm.DB) error {
			_, err := s.store.RemoveClassFromOtherUnpaid(ctx, tx, linked.ID, []snowflake.ID{class.ID})
			return err
		})
	}
}

// handleDeletion removes a deleted class from its invoice; on a settled
// invoice the coverage recalculation substitutes the next eligible lesson or
// flags the hole for review.
func (s *Service) handleDeletion(ctx context.Context, class *lessondomain.Class) error {
	linked, err := s.store.ActiveInvoiceForClass(ctx, s.db, class.ID)
	if err != nil {
		return err
	}
	if linked == nil {
		return nil
	}

	if invoicedomain.Settled(linked.Status) {
		if err := s.removeItemFromSettled(ctx, linked.ID, class.ID); err != nil {
			return err
		}
		_, err := s.invoices.RecalculateCoverage(ctx, linked.ID)
		return err
	}
	return s.applyInPlaceRemoval(ctx, linked.ID, class.ID)
}

func (s *Service) applyInPlaceRemoval(ctx context.Context, invoiceID, classID snowflake.ID) error {
	return s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		item := findClassItem(loaded.Items, classID)
		if item == nil {
			return nil
		}
		if err := s.store.DeleteItemsTx(ctx, tx, inv.ID, []snowflake.ID{item.ID}); err != nil {
			return err
		}
		loaded.Items = dropItem(loaded.Items, item.ID)

		invoicedomain.RecomputeTotals(&inv, loaded.Items)
		inv.PaidAmount = invoicedomain.DerivePaidAmount(loaded.Logs)
		return s.store.SaveTx(ctx, tx, &inv)
	})
}

func (s *Service) removeItemFromSettled(ctx context.Context, invoiceID, classID snowflake.ID) error {
	return s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		item := findClassItem(loaded.Items, classID)
		if item == nil {
			return nil
		}
		if err := s.store.DeleteItemsTx(ctx, tx, inv.ID, []snowflake.ID{item.ID}); err != nil {
			return err
		}
		if err := s.lessons.SetPaidByGuardianTx(ctx, tx, []snowflake.ID{classID}, false); err != nil {
			return err
		}
		loaded.Items = dropItem(loaded.Items, item.ID)

		// Totals keep their settled values; the coverage recalculation that
		// follows decides whether a substitute restores them.
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "class_removed",
			Severity:  auditdomain.SeverityNormal,
			Metadata:  map[string]any{"class_id": classID.String()},
			Summary:   "Lesson removed from settled invoice " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		return s.store.SaveTx(ctx, tx, &inv)
	})
}

func (s *Service) readdItemToSettled(ctx context.Context, invoiceID snowflake.ID, class *lessondomain.Class) error {
	return s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		if findClassItem(loaded.Items, class.ID) != nil {
			return nil
		}

		rate := inv.Snapshot.HourlyRate
		if !rate.IsPositive() {
			rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
		}
		classID := class.ID
		studentID := class.StudentID
		teacherID := class.TeacherID
		item := invoicedomain.LineItem{
			ID:              s.genID.Generate(),
			InvoiceID:       inv.ID,
			ClassID:         &classID,
			LessonID:        classID.String(),
			StudentID:       &studentID,
			TeacherID:       &teacherID,
			Description:     class.Description,
			Date:            class.ScheduledAt,
			DurationMinutes: class.DurationMinutes,
			Rate:            rate,
			Amount:          rate.Mul(class.Hours()).Round(2),
			Attended:        class.Status == lessondomain.StatusAttended,
			Status:          string(class.Status),
			CreatedAt:       s.clock.Now(),
		}
		if err := s.store.InsertItemsTx(ctx, tx, []invoicedomain.LineItem{item}); err != nil {
			return err
		}
		loaded.Items = append(loaded.Items, item)

		invoicedomain.RecomputeTotals(&inv, loaded.Items)
		inv.PaidAmount = invoicedomain.DerivePaidAmount(loaded.Logs)

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "class_readded",
			Severity:  auditdomain.SeverityNormal,
			Metadata:  map[string]any{"class_id": class.ID.String()},
			Summary:   "Lesson restored on settled invoice " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		return s.store.SaveTx(ctx, tx, &inv)
	})
}

// refundShrink issues the proportional refund for a shortened lesson.
func (s *Service) refundShrink(ctx context.Context, invoiceID snowflake.ID, hours decimal.Decimal) error {
	loaded, err := s.store.Load(ctx, invoiceID)
	if err != nil {
		return err
	}
	inv := loaded.Invoice

	rate := inv.Snapshot.HourlyRate
	if !rate.IsPositive() {
		rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
	}
	amount := hours.Mul(rate).Round(2)

	totalHours := invoicedomain.TotalItemHours(loaded.Items)
	covered := totalHours
	if inv.Coverage.MaxHours != nil {
		covered = decimal.Min(*inv.Coverage.MaxHours, totalHours)
	}
	if fee := inv.TransferFee(); fee.IsPositive() && covered.IsPositive() {
		ratio := decimal.Min(decimal.NewFromInt(1), hours.Div(covered))
		amount = amount.Add(fee.Mul(ratio).Round(2))
	}

	_, err = s.engine.RecordRefund(ctx, invoiceID, adjustmentdomain.RefundInput{
		Amount:      amount,
		RefundHours: hours,
		Reason:      "class duration decreased",
	})
	return err
}

func minutesToHours(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60)).Round(3)
}

func findClassItem(items []invoicedomain.LineItem, classID snowflake.ID) *invoicedomain.LineItem {
	for i := range items {
		if items[i].ClassID != nil && *items[i].ClassID == classID {
			return &items[i]
		}
		if items[i].LessonID == classID.String() {
			return &items[i]
		}
	}
	return nil
}

func dropItem(items []invoicedomain.LineItem, id snowflake.ID) []invoicedomain.LineItem {
	kept := make([]invoicedomain.LineItem, 0, len(items))
	for _, item := range items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	return kept
}
