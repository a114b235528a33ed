package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/events"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var coverageEpsilon = decimal.NewFromFloat(0.001)

// RecalculateCoverage substitutes the next chronologically eligible unpaid
// lessons into a settled invoice whose item hours have dropped below its
// coverage cap. Returns whether any replacement landed.
func (s *Service) RecalculateCoverage(ctx context.Context, id snowflake.ID) (bool, error) {
	replaced := false
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		if inv.Status != domain.StatusPaid && inv.Status != domain.StatusPartiallyPaid {
			return nil
		}
		if inv.Coverage.MaxHours == nil || !inv.Coverage.MaxHours.IsPositive() {
			return nil
		}
		if inv.GuardianID == nil {
			return nil
		}

		deficit := inv.Coverage.MaxHours.Sub(domain.TotalItemHours(loaded.Items))
		if !deficit.GreaterThan(coverageEpsilon) {
			return nil
		}

		window := lessondomain.Window{Start: inv.PeriodStart, End: inv.PeriodEnd}
		opts := lessondomain.SelectOptions{
			CoverageCapHours: &deficit,
			ExcludeClassIDs:  append(classIDsOf(loaded.Items), inv.ExcludedClassIDs...),
		}
		candidates, err := s.lessons.Select(ctx, *inv.GuardianID, window, inv.Snapshot.HourlyRate, opts)
		if err != nil {
			return err
		}

		if len(candidates) == 0 {
			// A hole in a paid invoice with nothing to fill it needs a human.
			if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
				InvoiceID: inv.ID,
				Action:    "coverage_recalculation",
				Severity:  auditdomain.SeverityHigh,
				Metadata:  map[string]any{"deficit_hours": deficit.String()},
				Summary:   "No replacement lesson available for " + inv.InvoiceNumber + "; manual review required",
			}); err != nil {
				return err
			}
			return nil
		}

		items := make([]domain.LineItem, 0, len(candidates))
		for _, cand := range candidates {
			items = append(items, s.itemFromCandidate(&inv, cand))
		}
		if err := s.store.InsertItemsTx(ctx, tx, items); err != nil {
			return err
		}
		all := append(loaded.Items, items...)

		domain.RecomputeTotals(&inv, all)
		inv.PaidAmount = domain.DerivePaidAmount(loaded.Logs)

		// Flags follow the paid coverage over the refreshed item list.
		paidHours := domain.SumPositivePaymentHours(loaded.Logs)
		covered := domain.CoveredClassIDs(all, paidHours)
		coveredIDs := make([]snowflake.ID, 0, len(covered))
		for _, cid := range covered {
			coveredIDs = append(coveredIDs, snowflake.ID(cid))
		}
		if err := s.lessons.SetPaidByGuardianTx(ctx, tx, coveredIDs, true); err != nil {
			return err
		}

		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "coverage_recalculation",
			Severity:  auditdomain.SeverityNormal,
			Metadata: map[string]any{
				"inserted":      len(items),
				"deficit_hours": deficit.String(),
			},
			Summary: "Replacement lessons inserted on " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "recalc")

		replaced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.drainOutbox(ctx)
	return replaced, nil
}

// MaybeAddClassToUnpaidInvoice links a fresh class to the guardian's open
// invoice whose billing window covers the class date. No-op when the class is
// already invoiced or no unambiguous target exists.
func (s *Service) MaybeAddClassToUnpaidInvoice(ctx context.Context, classID snowflake.ID) (*domain.Invoice, error) {
	class, err := s.lessons.GetByID(ctx, classID)
	if err != nil {
		return nil, err
	}
	if lessondomain.InCancelledFamily(class.Status) || class.PaidByGuardian || class.Hidden {
		return nil, nil
	}

	var result *domain.Invoice
	err = s.inTx(func(tx *gorm.DB) error {
		existing, err := s.store.ActiveInvoiceForClass(ctx, tx, classID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		var targets []domain.Invoice
		err = tx.WithContext(ctx).
			Where("guardian_id = ?", class.GuardianID).
			Where("status IN ?", []domain.Status{domain.StatusDraft, domain.StatusPending}).
			Where("deleted_at IS NULL").
			Where("(period_start IS NULL OR period_start <= ?)", class.ScheduledAt).
			Where("(period_end IS NULL OR period_end >= ?)", class.ScheduledAt).
			Order("created_at DESC").
			Limit(2).
			Find(&targets).Error
		if err != nil {
			return err
		}
		if len(targets) != 1 {
			if len(targets) > 1 {
				s.log.Debug("class linkage skipped, ambiguous target",
					zap.Int64("class_id", int64(classID)))
			}
			return nil
		}

		loaded, err := s.store.LoadTx(ctx, tx, targets[0].ID, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		if s.excludedByCoverage(&inv, *class) {
			return nil
		}
		for _, excluded := range inv.ExcludedClassIDs {
			if excluded == classID {
				return nil
			}
		}

		rate := inv.Snapshot.HourlyRate
		if !rate.IsPositive() {
			rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
		}
		item := s.itemFromCandidate(&inv, lessondomain.Candidate{
			Class:  *class,
			Rate:   rate,
			Amount: rate.Mul(class.Hours()).Round(2),
		})
		if err := s.store.InsertItemsTx(ctx, tx, []domain.LineItem{item}); err != nil {
			return err
		}

		all := append(loaded.Items, item)
		domain.RecomputeTotals(&inv, all)
		inv.PaidAmount = domain.DerivePaidAmount(loaded.Logs)

		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Lesson added to invoice", map[string]any{"class_id": classID.String()})
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "link:"+classID.String())

		result = &inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return result, nil
}
