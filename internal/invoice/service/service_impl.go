// Package service implements the invoice lifecycle authority.
package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/events"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	seqdomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/lessonbill/lessonbill/pkg/db/pagination"
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
	Store      domain.Store
	Allocator  seqdomain.Allocator
	Guardians  guardiandomain.Service
	Lessons    lessondomain.Selector
	Audit      auditdomain.Service
	Outbox     *events.Outbox
}

type Service struct {
	db         *gorm.DB
	caps       db.Capabilities
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	store      domain.Store
	allocator  seqdomain.Allocator
	guardians  guardiandomain.Service
	lessons    lessondomain.Selector
	audit      auditdomain.Service
	outbox     *events.Outbox
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		caps:       p.Caps,
		log:        p.Log.Named("invoice.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		store:      p.Store,
		allocator:  p.Allocator,
		guardians:  p.Guardians,
		lessons:    p.Lessons,
		audit:      p.Audit,
		outbox:     p.Outbox,
	}
}

// inTx runs fn inside a transaction when the store supports them, otherwise
// directly against the handle. Writes inside fn must be ordered so the
// sharpest invariant is protected by a unique index, not by the transaction.
func (s *Service) inTx(fn func(tx *gorm.DB) error) error {
	if !s.caps.SupportsTransactions {
		return fn(s.db)
	}
	return s.db.Transaction(fn)
}

func (s *Service) GetByIdentifier(ctx context.Context, identifier string) (*domain.Aggregate, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		agg, err := s.store.Load(ctx, snowflake.ID(id))
		if err == nil {
			return s.authorize(ctx, agg)
		}
		if err != domain.ErrInvoiceNotFound {
			return nil, err
		}
	}

	agg, err := s.store.FindBySlug(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return s.authorize(ctx, agg)
}

func (s *Service) GetPublicBySlug(ctx context.Context, slug string) (*domain.Aggregate, error) {
	agg, err := s.store.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if agg.Invoice.DeletedAt != nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return agg, nil
}

// authorize applies role scoping: guardians and teachers only see their own
// invoices, and only admins see soft-deleted ones.
func (s *Service) authorize(ctx context.Context, agg *domain.Aggregate) (*domain.Aggregate, error) {
	actor := actorcontext.ActorFromContext(ctx)

	if agg.Invoice.DeletedAt != nil && actor.Role != actorcontext.RoleAdmin && actor.Role != actorcontext.RoleSystem {
		return nil, domain.ErrInvoiceNotFound
	}

	switch actor.Role {
	case actorcontext.RoleGuardian:
		if agg.Invoice.GuardianID == nil || *agg.Invoice.GuardianID != actor.ID {
			return nil, domain.ErrForbidden
		}
	case actorcontext.RoleTeacher:
		if agg.Invoice.TeacherID == nil || *agg.Invoice.TeacherID != actor.ID {
			return nil, domain.ErrForbidden
		}
	}
	return agg, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Invoice, *pagination.PageInfo, error) {
	query := s.db.WithContext(ctx).Model(&domain.Invoice{})

	actor := actorcontext.ActorFromContext(ctx)
	switch actor.Role {
	case actorcontext.RoleGuardian:
		query = query.Where("guardian_id = ?", actor.ID)
	case actorcontext.RoleTeacher:
		query = query.Where("teacher_id = ?", actor.ID)
	}

	if !filter.IncludeDeleted || actor.Role != actorcontext.RoleAdmin {
		query = query.Where("deleted_at IS NULL")
	}

	switch filter.Status {
	case "":
	case "paid":
		query = query.Where("status = ?", domain.StatusPaid)
	case "unpaid":
		query = query.Where("status IN ?", []domain.Status{
			domain.StatusDraft, domain.StatusPending, domain.StatusSent,
			domain.StatusOverdue, domain.StatusPartiallyPaid,
		})
	default:
		query = query.Where("status = ?", domain.Status(filter.Status))
	}

	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.GuardianID != nil {
		query = query.Where("guardian_id = ?", *filter.GuardianID)
	}
	if filter.TeacherID != nil {
		query = query.Where("teacher_id = ?", *filter.TeacherID)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where("invoice_number LIKE ? OR invoice_name LIKE ? OR slug LIKE ?", like, like, like)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}

	switch {
	case filter.SmartSort:
		// Unpaid first, then by effective sort date descending.
		query = query.Order(
			`CASE WHEN status IN ('paid', 'refunded', 'cancelled') THEN 1 ELSE 0 END ASC`,
		).Order(`COALESCE(paid_at, due_at, created_at) DESC`)
	case filter.Status == "unpaid":
		query = query.Order("due_at ASC NULLS LAST").Order("created_at DESC")
	case filter.Status == "paid":
		query = query.Order("paid_at DESC")
	default:
		query = query.Order("created_at DESC")
	}

	size := filter.Pagination.PageSize
	if size <= 0 || size > 250 {
		size = 25
	}
	if filter.Pagination.PageToken != "" {
		cursor, err := pagination.DecodeCursor(filter.Pagination.PageToken)
		if err != nil {
			return nil, nil, domain.Validationf("validation_error: bad page token")
		}
		if offset, err := strconv.Atoi(cursor.ID); err == nil {
			query = query.Offset(offset)
		}
	}

	var invoices []domain.Invoice
	if err := query.Limit(int(size) + 1).Find(&invoices).Error; err != nil {
		return nil, nil, err
	}

	info := &pagination.PageInfo{}
	if len(invoices) > int(size) {
		invoices = invoices[:size]
		info.HasMore = true
		offset := 0
		if filter.Pagination.PageToken != "" {
			if cursor, err := pagination.DecodeCursor(filter.Pagination.PageToken); err == nil {
				offset, _ = strconv.Atoi(cursor.ID)
			}
		}
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: strconv.Itoa(offset + int(size))})
		if err != nil {
			return nil, nil, err
		}
		info.NextPageToken = token
	}
	return invoices, info, nil
}

func (s *Service) GetStats(ctx context.Context, guardianID *snowflake.ID) (*domain.Stats, error) {
	query := s.db.WithContext(ctx).Model(&domain.Invoice{}).Where("deleted_at IS NULL")
	if guardianID != nil {
		query = query.Where("guardian_id = ?", *guardianID)
	}

	var row struct {
		TotalCount       int64
		PaidCount        int64
		UnpaidCount      int64
		OverdueCount     int64
		TotalBilled      decimal.Decimal
		TotalPaid        decimal.Decimal
		TotalOutstanding decimal.Decimal
	}
	err := query.Select(
		`COUNT(*) AS total_count,
		 SUM(CASE WHEN status = 'paid' THEN 1 ELSE 0 END) AS paid_count,
		 SUM(CASE WHEN status IN ('draft', 'pending', 'sent', 'overdue', 'partially_paid') THEN 1 ELSE 0 END) AS unpaid_count,
		 SUM(CASE WHEN status = 'overdue' THEN 1 ELSE 0 END) AS overdue_count,
		 COALESCE(SUM(CASE WHEN status NOT IN ('cancelled') THEN total ELSE 0 END), 0) AS total_billed,
		 COALESCE(SUM(paid_amount), 0) AS total_paid,
		 COALESCE(SUM(CASE WHEN status IN ('pending', 'sent', 'overdue', 'partially_paid') THEN total - paid_amount ELSE 0 END), 0) AS total_outstanding`,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	return &domain.Stats{
		TotalCount:       row.TotalCount,
		PaidCount:        row.PaidCount,
		UnpaidCount:      row.UnpaidCount,
		OverdueCount:     row.OverdueCount,
		TotalBilled:      row.TotalBilled.Round(2),
		TotalPaid:        row.TotalPaid.Round(2),
		TotalOutstanding: row.TotalOutstanding.Round(2),
	}, nil
}

// recordActivity appends a human-readable timeline entry.
func (s *Service) recordActivity(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, message string, detail map[string]any) {
	actor := actorcontext.ActorFromContext(ctx)
	entry := &domain.ActivityEntry{
		ID:        s.genID.Generate(),
		InvoiceID: invoiceID,
		ActorRole: string(actor.Role),
		Message:   message,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}
	if actor.ID != 0 {
		id := actor.ID
		entry.ActorID = &id
	}
	if err := s.store.AppendActivityTx(ctx, tx, entry); err != nil {
		s.log.Warn("activity append failed", zap.Error(err), zap.Int64("invoice_id", int64(invoiceID)))
	}
}

// emit queues a realtime event on the outbox inside tx.
func (s *Service) emit(ctx context.Context, tx *gorm.DB, eventType string, inv *domain.Invoice, dedupeSuffix string) {
	dedupe := fmt.Sprintf("%s:%d", eventType, inv.ID)
	if dedupeSuffix != "" {
		dedupe += ":" + dedupeSuffix
	}
	err := s.outbox.PublishTx(ctx, tx, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"invoice_id":     inv.ID.String(),
			"invoice_number": inv.InvoiceNumber,
			"status":         string(inv.Status),
			"total":          inv.Total.String(),
			"paid_amount":    inv.PaidAmount.String(),
		},
		DedupeKey: dedupe,
	})
	if err != nil {
		s.log.Warn("outbox publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// actorFrom returns the context actor's id, nil for the system actor.
func actorFrom(ctx context.Context) *snowflake.ID {
	actor := actorcontext.ActorFromContext(ctx)
	if actor.ID == 0 {
		return nil
	}
	id := actor.ID
	return &id
}

func (s *Service) drainOutbox(ctx context.Context) {
	if _, err := s.outbox.Drain(ctx, 50); err != nil {
		s.log.Warn("outbox drain failed", zap.Error(err))
	}
}
