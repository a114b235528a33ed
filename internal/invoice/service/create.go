package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/events"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	seqdomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	seqservice "github.com/lessonbill/lessonbill/internal/sequence/service"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Service) Create(ctx context.Context, in domain.CreateInput) (*domain.Aggregate, error) {
	if in.Kind == "" {
		in.Kind = domain.KindGuardianInvoice
	}
	if in.Kind == domain.KindGuardianInvoice && in.GuardianID == nil {
		return nil, domain.Validationf("validation_error: guardian is required")
	}
	if in.Kind == domain.KindTeacherPayment && in.TeacherID == nil {
		return nil, domain.Validationf("validation_error: teacher is required")
	}

	var snapshot *guardiandomain.FinancialSnapshot
	if in.GuardianID != nil {
		snap, err := s.guardians.BuildFinancialSnapshot(ctx, *in.GuardianID)
		if err != nil {
			return nil, err
		}
		snapshot = snap
	}

	now := s.clock.Now()
	cfg := s.billingCfg.Get()

	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		seq, err := s.allocator.AllocateNextTx(ctx, tx, seqdomain.Kind(in.Kind))
		if err != nil {
			return err
		}
		month := time.Month(in.Month)
		if month == 0 {
			month = now.Month()
		}
		year := in.Year
		if year == 0 {
			year = now.Year()
		}
		ids := s.allocator.BuildIdentifiers(seqdomain.Kind(in.Kind), seq, month, year)

		inv := domain.Invoice{
			ID:            s.genID.Generate(),
			Kind:          in.Kind,
			Sequence:      seq,
			InvoiceNumber: ids.InvoiceNumber,
			InvoiceName:   ids.InvoiceName,
			Slug:          ids.Slug,
			GuardianID:    in.GuardianID,
			TeacherID:     in.TeacherID,
			PeriodStart:   in.PeriodStart,
			PeriodEnd:     in.PeriodEnd,
			Month:         int(month),
			Year:          year,
			Coverage:      in.Coverage,
			Discount:      in.Discount.Round(2),
			LateFee:       in.LateFee.Round(2),
			Status:        domain.StatusDraft,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if in.Name != "" {
			inv.InvoiceName = in.Name
			inv.NameIsManual = true
			if n := seqservice.ParseSequenceFromName(in.Name); n > seq {
				if err := s.allocator.EnsureAtLeast(ctx, seqdomain.Kind(in.Kind), n); err != nil {
					return err
				}
			}
		}
		if in.AutoGenerated {
			inv.Status = domain.StatusPending
		}
		if in.DueAt != nil {
			inv.DueAt = in.DueAt
		} else {
			due := now.AddDate(0, 0, cfg.DueDays)
			inv.DueAt = &due
		}
		if len(in.ExcludedClassIDs) > 0 {
			inv.ExcludedClassIDs = datatypes.NewJSONSlice(in.ExcludedClassIDs)
		}

		if snapshot != nil {
			inv.Snapshot = domain.Snapshot{
				HourlyRate:        snapshot.HourlyRate,
				TransferFeeMode:   snapshot.TransferFeeMode,
				TransferFeeAmount: snapshot.TransferFeeAmount,
				TransferFeeSource: snapshot.TransferFeeSource,
				TransferFeeWaived: snapshot.TransferFeeWaived,
				WaivedByCoverage:  snapshot.WaivedByCoverage,
				PreferredMethod:   snapshot.PreferredPayMethod,
			}
		}
		if actor := actorcontext.ActorFromContext(ctx); actor.ID != 0 {
			id := actor.ID
			inv.CreatedBy = &id
			inv.UpdatedBy = &id
		}

		items, err := s.resolveCreateItems(ctx, &inv, in)
		if err != nil {
			return err
		}
		for i := range items {
			if err := s.checkClassNotInvoiced(ctx, tx, inv.ID, items[i]); err != nil {
				return err
			}
		}

		domain.RecomputeTotals(&inv, items)

		if err := tx.WithContext(ctx).Create(&inv).Error; err != nil {
			return err
		}
		if err := s.store.InsertItemsTx(ctx, tx, items); err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "create",
			Severity:  auditdomain.SeverityNormal,
			Metadata:  map[string]any{"kind": string(inv.Kind), "auto": in.AutoGenerated},
			Summary:   "Invoice " + inv.InvoiceNumber + " created",
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Invoice created", map[string]any{"number": inv.InvoiceNumber})
		s.emit(ctx, tx, events.EventInvoiceCreated, &inv, "")

		agg = &domain.Aggregate{Invoice: inv, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.drainOutbox(ctx)
	return agg, nil
}

// resolveCreateItems turns explicit item inputs into rows, or runs the
// selector over the billing window for auto-generated invoices.
func (s *Service) resolveCreateItems(ctx context.Context, inv *domain.Invoice, in domain.CreateInput) ([]domain.LineItem, error) {
	if len(in.Items) > 0 {
		items := make([]domain.LineItem, 0, len(in.Items))
		for _, input := range in.Items {
			items = append(items, s.buildItem(inv, input))
		}
		return items, nil
	}

	if !in.AutoGenerated || inv.GuardianID == nil {
		return nil, nil
	}

	opts := lessondomain.SelectOptions{
		CoverageCapHours: inv.Coverage.MaxHours,
		ExcludeClassIDs:  in.ExcludedClassIDs,
	}
	if len(inv.Coverage.IncludeStudents) > 0 {
		opts.StudentAllowList = inv.Coverage.IncludeStudents
	}
	window := lessondomain.Window{Start: inv.PeriodStart, End: inv.PeriodEnd}
	if inv.Coverage.EndDate != nil {
		window.End = inv.Coverage.EndDate
	}

	candidates, err := s.lessons.Select(ctx, *inv.GuardianID, window, inv.Snapshot.HourlyRate, opts)
	if err != nil {
		return nil, err
	}

	items := make([]domain.LineItem, 0, len(candidates))
	for _, cand := range candidates {
		if s.excludedByCoverage(inv, cand.Class) {
			continue
		}
		items = append(items, s.itemFromCandidate(inv, cand))
	}
	return items, nil
}

func (s *Service) excludedByCoverage(inv *domain.Invoice, class lessondomain.Class) bool {
	if inv.Coverage.MaxLessonMinutes > 0 && class.DurationMinutes > inv.Coverage.MaxLessonMinutes {
		return true
	}
	for _, excluded := range inv.Coverage.ExcludeStudents {
		if excluded == class.StudentID {
			return true
		}
	}
	if len(inv.Coverage.StatusAllowList) > 0 {
		allowed := false
		for _, status := range inv.Coverage.StatusAllowList {
			if lessondomain.ClassStatus(status) == class.Status {
				allowed = true
				break
			}
		}
		if !allowed {
			return true
		}
	}
	return false
}

func (s *Service) itemFromCandidate(inv *domain.Invoice, cand lessondomain.Candidate) domain.LineItem {
	classID := cand.Class.ID
	studentID := cand.Class.StudentID
	teacherID := cand.Class.TeacherID
	return domain.LineItem{
		ID:              s.genID.Generate(),
		InvoiceID:       inv.ID,
		ClassID:         &classID,
		LessonID:        classID.String(),
		StudentID:       &studentID,
		TeacherID:       &teacherID,
		Description:     cand.Class.Description,
		Date:            cand.Class.ScheduledAt,
		DurationMinutes: cand.Class.DurationMinutes,
		Rate:            cand.Rate,
		Amount:          cand.Amount,
		Attended:        cand.Class.Status == lessondomain.StatusAttended,
		Status:          string(cand.Class.Status),
		CreatedAt:       s.clock.Now(),
	}
}

func (s *Service) buildItem(inv *domain.Invoice, in domain.ItemInput) domain.LineItem {
	rate := in.Rate
	if !rate.IsPositive() {
		rate = inv.Snapshot.HourlyRate
	}
	if !rate.IsPositive() {
		rate = decimal.NewFromFloat(s.billingCfg.Get().DefaultHourlyRate)
	}
	hours := decimal.NewFromInt(int64(in.DurationMinutes)).Div(decimal.NewFromInt(60))

	item := domain.LineItem{
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
	if in.ClassID != nil && item.LessonID == "" {
		item.LessonID = in.ClassID.String()
	}
	return item
}

// checkClassNotInvoiced enforces the one-lesson-one-invoice invariant for an
// explicit item add.
func (s *Service) checkClassNotInvoiced(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, item domain.LineItem) error {
	if item.ClassID == nil {
		return nil
	}
	existing, err := s.store.ActiveInvoiceForClass(ctx, tx, *item.ClassID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != invoiceID {
		return &domain.LessonInvoicedError{
			ClassID:       *item.ClassID,
			InvoiceID:     existing.ID,
			InvoiceNumber: existing.InvoiceNumber,
		}
	}
	return nil
}
