// Package repository persists the invoice aggregate and its side tables.
package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewStore(p Params) domain.Store {
	return &store{db: p.DB, log: p.Log.Named("invoice.store"), clock: p.Clock}
}

func (s *store) Load(ctx context.Context, id snowflake.ID) (*domain.Aggregate, error) {
	return s.LoadTx(ctx, s.db, id, false)
}

func (s *store) LoadTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Aggregate, error) {
	query := tx.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var inv domain.Invoice
	if err := query.Where("id = ?", id).First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return s.attachSideTables(ctx, tx, inv)
}

func (s *store) FindBySlug(ctx context.Context, slug string) (*domain.Aggregate, error) {
	var inv domain.Invoice
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return s.attachSideTables(ctx, s.db, inv)
}

func (s *store) attachSideTables(ctx context.Context, tx *gorm.DB, inv domain.Invoice) (*domain.Aggregate, error) {
	agg := &domain.Aggregate{Invoice: inv}

	err := tx.WithContext(ctx).
		Where("invoice_id = ?", inv.ID).
		Order("date ASC, created_at ASC").
		Find(&agg.Items).Error
	if err != nil {
		return nil, err
	}

	err = tx.WithContext(ctx).
		Where("invoice_id = ?", inv.ID).
		Order("processed_at ASC, id ASC").
		Find(&agg.Logs).Error
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *store) SaveTx(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) error {
	previous := inv.Version
	inv.Version = previous + 1
	inv.UpdatedAt = s.clock.Now()

	result := tx.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ? AND version = ?", inv.ID, previous).
		Select("*").
		Omit("id", "created_at").
		Updates(inv)
	if result.Error != nil {
		inv.Version = previous
		return result.Error
	}
	if result.RowsAffected == 0 {
		inv.Version = previous
		return domain.ErrConflict
	}
	return nil
}

func (s *store) InsertItemsTx(ctx context.Context, tx *gorm.DB, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func (s *store) DeleteItemsTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, itemIDs []snowflake.ID) error {
	if len(itemIDs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Where("invoice_id = ? AND id IN ?", invoiceID, itemIDs).
		Delete(&domain.LineItem{}).Error
}

func (s *store) UpdateItemTx(ctx context.Context, tx *gorm.DB, item *domain.LineItem) error {
	result := tx.WithContext(ctx).
		Model(&domain.LineItem{}).
		Where("id = ? AND invoice_id = ?", item.ID, item.InvoiceID).
		Select("*").
		Omit("id", "invoice_id", "created_at").
		Updates(item)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInvoiceNotFound
	}
	return nil
}

func (s *store) AppendLogTx(ctx context.Context, tx *gorm.DB, entry *domain.PaymentLogEntry) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (s *store) DeleteLogsTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error {
	return tx.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Delete(&domain.PaymentLogEntry{}).Error
}

func (s *store) AppendActivityTx(ctx context.Context, tx *gorm.DB, entry *domain.ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (s *store) AppendDeliveryTx(ctx context.Context, tx *gorm.DB, entry *domain.DeliveryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (s *store) ListDeliveries(ctx context.Context, invoiceID snowflake.ID) ([]domain.DeliveryEntry, error) {
	var entries []domain.DeliveryEntry
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

func (s *store) ActiveInvoiceForClass(ctx context.Context, tx *gorm.DB, classID snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT i.* FROM invoices i
		 JOIN invoice_items ii ON ii.invoice_id = i.id
		 WHERE (ii.class_id = ? OR ii.lesson_id = ?)
		   AND i.status NOT IN ('cancelled', 'refunded')
		   AND i.deleted_at IS NULL
		 LIMIT 1`,
		classID, classID.String(),
	).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	return &inv, nil
}

func (s *store) RemoveClassFromOtherUnpaid(ctx context.Context, tx *gorm.DB, keepID snowflake.ID, classIDs []snowflake.ID) ([]snowflake.ID, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}

	lessonIDs := make([]string, 0, len(classIDs))
	for _, id := range classIDs {
		lessonIDs = append(lessonIDs, id.String())
	}

	var invoiceIDs []snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT DISTINCT ii.invoice_id FROM invoice_items ii
		 JOIN invoices i ON i.id = ii.invoice_id
		 WHERE (ii.class_id IN ? OR ii.lesson_id IN ?)
		   AND ii.invoice_id <> ?
		   AND i.status IN ('draft', 'pending', 'sent', 'overdue')
		   AND i.deleted_at IS NULL`,
		classIDs, lessonIDs, keepID,
	).Scan(&invoiceIDs).Error
	if err != nil {
		return nil, err
	}
	if len(invoiceIDs) == 0 {
		return nil, nil
	}

	err = tx.WithContext(ctx).
		Where("invoice_id IN ? AND (class_id IN ? OR lesson_id IN ?)", invoiceIDs, classIDs, lessonIDs).
		Delete(&domain.LineItem{}).Error
	if err != nil {
		return nil, err
	}
	return invoiceIDs, nil
}
