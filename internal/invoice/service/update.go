package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/events"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	seqdomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	seqservice "github.com/lessonbill/lessonbill/internal/sequence/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) UpdateMetadata(ctx context.Context, id snowflake.ID, in domain.MetadataUpdate) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		settled := domain.Settled(inv.Status)
		if settled && (in.Discount != nil || in.LateFee != nil || in.Tip != nil) {
			return domain.Validationf("validation_error: monetary fields are frozen on a settled invoice")
		}

		diff := map[string]auditdomain.FieldDiff{}
		if in.Name != nil && *in.Name != inv.InvoiceName {
			diff["invoice_name"] = auditdomain.FieldDiff{Before: inv.InvoiceName, After: *in.Name}
			inv.InvoiceName = *in.Name
			inv.NameIsManual = true
			if n := seqservice.ParseSequenceFromName(*in.Name); n > inv.Sequence {
				if err := s.allocator.EnsureAtLeast(ctx, seqdomain.Kind(inv.Kind), n); err != nil {
					return err
				}
			}
		}
		if in.DueAt != nil {
			diff["due_at"] = auditdomain.FieldDiff{Before: inv.DueAt, After: *in.DueAt}
			due := *in.DueAt
			inv.DueAt = &due
		}
		if in.Discount != nil {
			diff["discount"] = auditdomain.FieldDiff{Before: inv.Discount.String(), After: in.Discount.String()}
			inv.Discount = in.Discount.Round(2)
		}
		if in.LateFee != nil {
			diff["late_fee"] = auditdomain.FieldDiff{Before: inv.LateFee.String(), After: in.LateFee.String()}
			inv.LateFee = in.LateFee.Round(2)
		}
		if in.Tip != nil {
			diff["tip"] = auditdomain.FieldDiff{Before: inv.Tip.String(), After: in.Tip.String()}
			inv.Tip = in.Tip.Round(2)
		}
		if in.Note != nil && *in.Note != inv.Note {
			diff["note"] = auditdomain.FieldDiff{Before: inv.Note, After: *in.Note}
			inv.Note = *in.Note
		}
		if len(diff) == 0 {
			agg = loaded
			return nil
		}

		domain.RecomputeTotals(&inv, loaded.Items)
		inv.PaidAmount = domain.DerivePaidAmount(loaded.Logs)

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "metadata_update",
			Severity:  auditdomain.SeverityNormal,
			Diff:      diff,
			Summary:   "Invoice " + inv.InvoiceNumber + " updated",
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Invoice details updated", nil)
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "meta")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

func (s *Service) UpdateCoverage(ctx context.Context, id snowflake.ID, in domain.CoverageUpdate) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		if inv.Status == domain.StatusCancelled || inv.Status == domain.StatusRefunded {
			return domain.Validationf("validation_error: coverage is frozen in state %s", inv.Status)
		}

		before := inv.Coverage
		inv.Coverage = in.Coverage

		if in.Resnapshot && inv.GuardianID != nil {
			snap, err := s.guardians.BuildFinancialSnapshot(ctx, *inv.GuardianID)
			if err != nil {
				return err
			}
			inv.Snapshot = domain.Snapshot{
				HourlyRate:        snap.HourlyRate,
				TransferFeeMode:   snap.TransferFeeMode,
				TransferFeeAmount: snap.TransferFeeAmount,
				TransferFeeSource: snap.TransferFeeSource,
				TransferFeeWaived: snap.TransferFeeWaived,
				WaivedByCoverage:  snap.WaivedByCoverage,
				PreferredMethod:   snap.PreferredPayMethod,
			}
		}
		if in.Coverage.WaiveTransferFee {
			inv.Snapshot.WaivedByCoverage = true
		}

		hasPayments := domain.DerivePaidAmount(loaded.Logs).IsPositive()
		switch {
		case in.Preview != nil:
			inv.Subtotal = in.Preview.Subtotal.Round(2)
			inv.Total = in.Preview.Total.Round(2)
			inv.AdjustedTotal = in.Preview.AdjustedTotal.Round(2)
		case hasPayments:
			// Recalculating under new coverage would inflate an invoice that
			// money already settled against; totals stay as-is.
			s.log.Info("coverage updated without recalculation",
				zap.Int64("invoice_id", int64(inv.ID)),
				zap.String("reason", "has_payments"))
		default:
			domain.RecomputeTotals(&inv, loaded.Items)
		}
		inv.PaidAmount = domain.DerivePaidAmount(loaded.Logs)

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "coverage_update",
			Severity:  auditdomain.SeverityNormal,
			Diff: map[string]auditdomain.FieldDiff{
				"coverage": {Before: before, After: inv.Coverage},
			},
			Metadata: map[string]any{"preview": in.Preview != nil, "has_payments": hasPayments},
			Summary:  "Coverage updated on " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Coverage updated", nil)
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "coverage")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

// ApplyPreviewTotals writes admin-computed totals verbatim, bypassing
// recalculation.
func (s *Service) ApplyPreviewTotals(ctx context.Context, id snowflake.ID, in domain.PreviewTotals) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		diff := map[string]auditdomain.FieldDiff{
			"subtotal": {Before: inv.Subtotal.String(), After: in.Subtotal.String()},
			"total":    {Before: inv.Total.String(), After: in.Total.String()},
		}
		inv.Subtotal = in.Subtotal.Round(2)
		inv.Total = in.Total.Round(2)
		inv.AdjustedTotal = in.AdjustedTotal.Round(2)
		if inv.AdjustedTotal.IsZero() {
			inv.AdjustedTotal = inv.Total
		}

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "snapshot_totals",
			Severity:  auditdomain.SeverityNormal,
			Diff:      diff,
			Summary:   "Preview totals applied to " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "totals")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

func (s *Service) UpdateItems(ctx context.Context, id snowflake.ID, in domain.ItemsUpdate, cmd domain.Command) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		if !domain.ItemsMutable(inv.Status, cmd) {
			return domain.ErrItemsLocked
		}

		diff := map[string]auditdomain.FieldDiff{}

		added := make([]domain.LineItem, 0, len(in.Add))
		for _, input := range in.Add {
			item := s.buildItem(&inv, input)
			if err := s.checkClassNotInvoiced(ctx, tx, inv.ID, item); err != nil {
				return err
			}
			added = append(added, item)
		}
		if err := s.store.InsertItemsTx(ctx, tx, added); err != nil {
			return err
		}

		if err := s.store.DeleteItemsTx(ctx, tx, inv.ID, in.Remove); err != nil {
			return err
		}

		for _, edit := range in.Edit {
			item := findItem(loaded.Items, edit.ItemID)
			if item == nil {
				return domain.Validationf("validation_error: item %d not on invoice", edit.ItemID)
			}
			applyItemEdit(item, edit, diff)
			item.Amount = item.Rate.Mul(item.Hours()).Round(2)
			if err := s.store.UpdateItemTx(ctx, tx, item); err != nil {
				return err
			}
		}

		items := mergeItems(loaded.Items, added, in.Remove)
		if !cmd.SkipRecalculate {
			domain.RecomputeTotals(&inv, items)
		}
		inv.PaidAmount = domain.DerivePaidAmount(loaded.Logs)

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		metadata := map[string]any{
			"added":   len(added),
			"removed": len(in.Remove),
			"edited":  len(in.Edit),
		}
		if len(in.Edit) == 1 {
			metadata["item_id"] = in.Edit[0].ItemID.String()
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "item_update",
			Severity:  auditdomain.SeverityNormal,
			Diff:      diff,
			Metadata:  metadata,
			Summary:   "Items changed on " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Invoice items changed", metadata)
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "items")

		agg = &domain.Aggregate{Invoice: inv, Items: items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

func (s *Service) PreviewItems(ctx context.Context, id snowflake.ID, in domain.ItemsUpdate) (*domain.ItemsPreview, error) {
	loaded, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	inv := loaded.Invoice

	added := make([]domain.LineItem, 0, len(in.Add))
	for _, input := range in.Add {
		added = append(added, s.buildItem(&inv, input))
	}
	items := mergeItems(loaded.Items, added, in.Remove)
	for _, edit := range in.Edit {
		if item := findItem(items, edit.ItemID); item != nil {
			applyItemEdit(item, edit, nil)
			item.Amount = item.Rate.Mul(item.Hours()).Round(2)
		}
	}

	preview := inv
	domain.RecomputeTotals(&preview, items)
	return &domain.ItemsPreview{
		Items:    items,
		Subtotal: preview.Subtotal,
		Total:    preview.Total,
	}, nil
}

func (s *Service) stampUpdater(ctx context.Context, inv *domain.Invoice) error {
	if actor := actorFrom(ctx); actor != nil {
		inv.UpdatedBy = actor
	}
	return nil
}

func findItem(items []domain.LineItem, id snowflake.ID) *domain.LineItem {
	for i := range items {
		if items[i].ID == id {
			return &items[i]
		}
	}
	return nil
}

func mergeItems(existing, added []domain.LineItem, removed []snowflake.ID) []domain.LineItem {
	removedSet := make(map[snowflake.ID]struct{}, len(removed))
	for _, id := range removed {
		removedSet[id] = struct{}{}
	}
	merged := make([]domain.LineItem, 0, len(existing)+len(added))
	for _, item := range existing {
		if _, gone := removedSet[item.ID]; gone {
			continue
		}
		merged = append(merged, item)
	}
	return append(merged, added...)
}

func applyItemEdit(item *domain.LineItem, edit domain.ItemEdit, diff map[string]auditdomain.FieldDiff) {
	prefix := "item:" + item.ID.String() + ":"
	if edit.DurationMinutes != nil {
		if diff != nil {
			diff[prefix+"duration_minutes"] = auditdomain.FieldDiff{Before: item.DurationMinutes, After: *edit.DurationMinutes}
		}
		item.DurationMinutes = *edit.DurationMinutes
	}
	if edit.Attended != nil {
		if diff != nil {
			diff[prefix+"attended"] = auditdomain.FieldDiff{Before: item.Attended, After: *edit.Attended}
		}
		item.Attended = *edit.Attended
	}
	if edit.Description != nil {
		if diff != nil {
			diff[prefix+"description"] = auditdomain.FieldDiff{Before: item.Description, After: *edit.Description}
		}
		item.Description = *edit.Description
	}
	if edit.Rate != nil {
		if diff != nil {
			diff[prefix+"rate"] = auditdomain.FieldDiff{Before: item.Rate.String(), After: edit.Rate.String()}
		}
		item.Rate = edit.Rate.Round(2)
	}
}
