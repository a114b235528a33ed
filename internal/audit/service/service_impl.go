package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Record(ctx context.Context, rec auditdomain.Record) (*auditdomain.Entry, error) {
	return s.RecordTx(ctx, s.db, rec)
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, rec auditdomain.Record) (*auditdomain.Entry, error) {
	action := strings.TrimSpace(rec.Action)
	if action == "" {
		return nil, auditdomain.ErrInvalidAction
	}
	if rec.InvoiceID == 0 {
		return nil, auditdomain.ErrInvalidInvoice
	}

	severity := rec.Severity
	if severity == "" {
		severity = auditdomain.SeverityNormal
	}

	diff := datatypes.JSONMap{}
	for field, change := range rec.Diff {
		if field == "" {
			continue
		}
		diff[field] = map[string]any{"before": change.Before, "after": change.After}
	}

	metadata := datatypes.JSONMap{}
	for key, value := range rec.Metadata {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	actor := actorcontext.ActorFromContext(ctx)
	entry := auditdomain.Entry{
		ID:        s.genID.Generate(),
		InvoiceID: rec.InvoiceID,
		ActorRole: string(actor.Role),
		Action:    action,
		Severity:  severity,
		Diff:      diff,
		Metadata:  metadata,
		Summary:   strings.TrimSpace(rec.Summary),
		CreatedAt: s.clock.Now(),
	}
	if actor.ID != 0 {
		actorID := actor.ID
		entry.ActorID = &actorID
	}

	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Warn("failed to write audit entry", zap.String("action", action), zap.Error(err))
		return nil, err
	}
	return &entry, nil
}

func (s *Service) ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]auditdomain.Entry, error) {
	if invoiceID == 0 {
		return nil, auditdomain.ErrInvalidInvoice
	}

	var entries []auditdomain.Entry
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at, id").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*auditdomain.Entry, error) {
	var entry auditdomain.Entry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auditdomain.ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) MarkRolledBack(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE audit_entries SET rolled_back = ? WHERE id = ?`,
		true,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return auditdomain.ErrEntryNotFound
	}
	return nil
}
