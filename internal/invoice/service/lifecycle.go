package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/events"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	seqdomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) MarkSent(ctx context.Context, id snowflake.ID, channel string) (*domain.Aggregate, error) {
	if channel == "" {
		channel = "email"
	}

	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		next, err := domain.NextStatus(domain.TriggerMarkSent, inv.Status, s.clock.Now(), inv.DueAt)
		if err != nil {
			return err
		}
		before := inv.Status
		inv.Status = next

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		now := s.clock.Now()
		delivery := &domain.DeliveryEntry{
			ID:        s.genID.Generate(),
			InvoiceID: inv.ID,
			Channel:   channel,
			Status:    domain.DeliverySent,
			Attempt:   1,
			SentAt:    &now,
			CreatedAt: now,
		}
		if prior, err := s.store.ListDeliveries(ctx, inv.ID); err == nil {
			for _, entry := range prior {
				if entry.Channel == channel && entry.Attempt >= delivery.Attempt {
					delivery.Attempt = entry.Attempt + 1
				}
			}
		}
		if err := s.store.AppendDeliveryTx(ctx, tx, delivery); err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "mark_sent",
			Severity:  auditdomain.SeverityNormal,
			Diff: map[string]auditdomain.FieldDiff{
				"status": {Before: string(before), After: string(inv.Status)},
			},
			Metadata: map[string]any{"channel": channel},
			Summary:  "Invoice " + inv.InvoiceNumber + " sent via " + channel,
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Invoice sent", map[string]any{"channel": channel})
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "sent")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

// MarkUnpaid reverts every payment on the invoice: logs are dropped, the
// guardian hour credit is reversed, paid-by-guardian flags clear, and the
// status falls back to pending/sent/overdue by due date.
func (s *Service) MarkUnpaid(ctx context.Context, id snowflake.ID) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		paid := domain.DerivePaidAmount(loaded.Logs)
		if !paid.IsPositive() && len(loaded.Logs) == 0 {
			return domain.ErrNoPayments
		}

		next, err := domain.NextStatus(domain.TriggerRevertPayments, inv.Status, s.clock.Now(), inv.DueAt)
		if err != nil {
			return err
		}

		// Reverse the hour credit the payments produced.
		if inv.GuardianID != nil {
			credited := domain.SumPositivePaymentHours(loaded.Logs)
			if eligible := domain.EligibleItemHours(loaded.Items); credited.GreaterThan(eligible) && eligible.IsPositive() {
				credited = eligible
			}
			if credited.IsPositive() {
				if err := s.guardians.ReverseRefundHoursTx(ctx, tx, *inv.GuardianID, credited, nil, inv.ID); err != nil {
					return err
				}
			}
		}

		if err := s.store.DeleteLogsTx(ctx, tx, inv.ID); err != nil {
			return err
		}
		// Drop the idempotency records so the same payment may be re-applied.
		if err := tx.WithContext(ctx).Exec(`DELETE FROM payments WHERE invoice_id = ?`, inv.ID).Error; err != nil {
			return err
		}

		classIDs := classIDsOf(loaded.Items)
		if err := s.lessons.SetPaidByGuardianTx(ctx, tx, classIDs, false); err != nil {
			return err
		}

		before := inv.Status
		inv.Status = next
		inv.PaidAmount = decimal.Zero
		inv.PaidAt = nil
		if inv.Coverage.Strategy == domain.CoverageCapHours {
			// Payment-driven coverage resets with the payments.
			inv.Coverage.MaxHours = nil
		}
		domain.RecomputeTotals(&inv, loaded.Items)

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "mark_unpaid",
			Severity:  auditdomain.SeverityNormal,
			Diff: map[string]auditdomain.FieldDiff{
				"status":      {Before: string(before), After: string(inv.Status)},
				"paid_amount": {Before: paid.String(), After: "0"},
			},
			Summary: "Payments reverted on " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Payments reverted", nil)
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "unpaid")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		next, err := domain.NextStatus(domain.TriggerCancel, inv.Status, s.clock.Now(), inv.DueAt)
		if err != nil {
			return err
		}
		before := inv.Status
		inv.Status = next

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "cancel",
			Severity:  auditdomain.SeverityNormal,
			Diff: map[string]auditdomain.FieldDiff{
				"status": {Before: string(before), After: string(inv.Status)},
			},
			Summary: "Invoice " + inv.InvoiceNumber + " cancelled",
		}); err != nil {
			return err
		}
		s.recordActivity(ctx, tx, inv.ID, "Invoice cancelled", nil)
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "cancel")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

func (s *Service) SoftDelete(ctx context.Context, id snowflake.ID) error {
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice
		if inv.DeletedAt != nil {
			return nil
		}

		now := s.clock.Now()
		inv.DeletedAt = &now
		inv.RestoredAt = nil

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "soft_delete",
			Severity:  auditdomain.SeverityNormal,
			Summary:   "Invoice " + inv.InvoiceNumber + " deleted",
		}); err != nil {
			return err
		}
		s.emit(ctx, tx, events.EventInvoiceDeleted, &inv, "")
		return nil
	})
	if err != nil {
		return err
	}
	s.drainOutbox(ctx)
	return nil
}

func (s *Service) Restore(ctx context.Context, id snowflake.ID) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice
		if inv.DeletedAt == nil {
			return domain.ErrNotDeleted
		}

		now := s.clock.Now()
		inv.DeletedAt = nil
		inv.RestoredAt = &now

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "restore",
			Severity:  auditdomain.SeverityNormal,
			Summary:   "Invoice " + inv.InvoiceNumber + " restored",
		}); err != nil {
			return err
		}
		s.emit(ctx, tx, events.EventInvoiceRestored, &inv, "")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

// PermanentDelete removes the aggregate outright. Only soft-deleted invoices
// qualify; the audit trail survives in its own table.
func (s *Service) PermanentDelete(ctx context.Context, id snowflake.ID) error {
	err := s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice
		if inv.DeletedAt == nil {
			return domain.ErrNotDeleted
		}

		for _, table := range []string{"invoice_items", "invoice_payment_logs", "invoice_activities", "invoice_deliveries", "payments"} {
			if err := tx.WithContext(ctx).Exec(
				fmt.Sprintf(`DELETE FROM %s WHERE invoice_id = ?`, table), inv.ID,
			).Error; err != nil {
				return err
			}
		}
		if err := tx.WithContext(ctx).Exec(`DELETE FROM invoices WHERE id = ?`, inv.ID).Error; err != nil {
			return err
		}

		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "permanent_delete",
			Severity:  auditdomain.SeverityHigh,
			Summary:   "Invoice " + inv.InvoiceNumber + " permanently deleted",
		}); err != nil {
			return err
		}
		s.emit(ctx, tx, events.EventInvoicePermanentlyDeleted, &inv, "")
		return nil
	})
	if err != nil {
		return err
	}
	s.drainOutbox(ctx)
	return nil
}

// RollbackAudit reverses an item_update entry by restoring the before side of
// its diff.
func (s *Service) RollbackAudit(ctx context.Context, id snowflake.ID, auditID snowflake.ID) (*domain.Aggregate, error) {
	entry, err := s.audit.GetByID(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if entry.InvoiceID != id {
		return nil, domain.ErrInvoiceNotFound
	}
	if entry.Action != "item_update" {
		return nil, domain.ErrRollbackUnsupported
	}
	if entry.RolledBack {
		return nil, domain.Validationf("validation_error: audit entry already rolled back")
	}

	var agg *domain.Aggregate
	err = s.inTx(func(tx *gorm.DB) error {
		loaded, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		inv := loaded.Invoice

		touched := 0
		for key, raw := range entry.Diff {
			itemID, field, ok := parseItemDiffKey(key)
			if !ok {
				continue
			}
			item := findItem(loaded.Items, itemID)
			if item == nil {
				continue
			}
			pair, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if !restoreItemField(item, field, pair["before"]) {
				continue
			}
			item.Amount = item.Rate.Mul(item.Hours()).Round(2)
			if err := s.store.UpdateItemTx(ctx, tx, item); err != nil {
				return err
			}
			touched++
		}
		if touched == 0 {
			return domain.Validationf("validation_error: nothing to roll back")
		}

		domain.RecomputeTotals(&inv, loaded.Items)
		inv.PaidAmount = domain.DerivePaidAmount(loaded.Logs)

		if err := s.stampUpdater(ctx, &inv); err != nil {
			return err
		}
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		if err := s.audit.MarkRolledBack(ctx, tx, entry.ID); err != nil {
			return err
		}
		if _, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
			InvoiceID: inv.ID,
			Action:    "rollback",
			Severity:  auditdomain.SeverityNormal,
			Metadata:  map[string]any{"rolled_back_entry": entry.ID.String()},
			Summary:   "Rolled back item change on " + inv.InvoiceNumber,
		}); err != nil {
			return err
		}
		s.emit(ctx, tx, events.EventInvoiceUpdated, &inv, "rollback")

		agg = &domain.Aggregate{Invoice: inv, Items: loaded.Items, Logs: loaded.Logs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.drainOutbox(ctx)
	return agg, nil
}

// ResequenceUnpaid renumbers unpaid invoices to close sequence gaps left by
// cancellations. Settled invoices keep their numbers.
func (s *Service) ResequenceUnpaid(ctx context.Context, dryRun bool) (int, error) {
	var unpaid []domain.Invoice
	err := s.db.WithContext(ctx).
		Where("kind = ?", domain.KindGuardianInvoice).
		Where("status IN ?", []domain.Status{domain.StatusDraft, domain.StatusPending, domain.StatusSent, domain.StatusOverdue}).
		Where("deleted_at IS NULL").
		Order("created_at ASC").
		Find(&unpaid).Error
	if err != nil {
		return 0, err
	}
	if len(unpaid) == 0 {
		return 0, nil
	}

	var floor int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(sequence), 0) FROM invoices
		 WHERE kind = ?
		   AND (status NOT IN ('draft', 'pending', 'sent', 'overdue') OR deleted_at IS NOT NULL)`,
		domain.KindGuardianInvoice,
	).Scan(&floor).Error
	if err != nil {
		return 0, err
	}

	changed := 0
	next := floor
	for i := range unpaid {
		next++
		if unpaid[i].Sequence == next {
			continue
		}
		changed++
		if dryRun {
			continue
		}

		inv := unpaid[i]
		old := inv.Sequence
		ids := s.allocator.BuildIdentifiers(seqdomain.Kind(inv.Kind), next, time.Month(inv.Month), inv.Year)
		inv.Sequence = next
		inv.InvoiceNumber = ids.InvoiceNumber
		inv.Slug = ids.Slug
		if !inv.NameIsManual {
			inv.InvoiceName = ids.InvoiceName
		}

		err := s.inTx(func(tx *gorm.DB) error {
			if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
				return err
			}
			_, err := s.audit.RecordTx(ctx, tx, auditdomain.Record{
				InvoiceID: inv.ID,
				Action:    "resequence",
				Severity:  auditdomain.SeverityNormal,
				Diff: map[string]auditdomain.FieldDiff{
					"sequence": {Before: old, After: next},
				},
				Summary: "Invoice resequenced to " + inv.InvoiceNumber,
			})
			return err
		})
		if err != nil {
			return changed, err
		}
	}

	if !dryRun {
		if err := s.allocator.EnsureAtLeast(ctx, seqdomain.KindGuardianInvoice, next); err != nil {
			return changed, err
		}
	}
	s.log.Info("resequence complete", zap.Int("changed", changed), zap.Bool("dry_run", dryRun))
	return changed, nil
}

func classIDsOf(items []domain.LineItem) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		if item.ClassID != nil {
			ids = append(ids, *item.ClassID)
		}
	}
	return ids
}

func parseItemDiffKey(key string) (snowflake.ID, string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "item" {
		return 0, "", false
	}
	var id int64
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
		return 0, "", false
	}
	return snowflake.ID(id), parts[2], true
}

func restoreItemField(item *domain.LineItem, field string, before any) bool {
	switch field {
	case "duration_minutes":
		if v, ok := toFloat(before); ok {
			item.DurationMinutes = int(v)
			return true
		}
	case "attended":
		if v, ok := before.(bool); ok {
			item.Attended = v
			return true
		}
	case "description":
		if v, ok := before.(string); ok {
			item.Description = v
			return true
		}
	case "rate":
		if v, ok := before.(string); ok {
			if rate, err := decimal.NewFromString(v); err == nil {
				item.Rate = rate
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
