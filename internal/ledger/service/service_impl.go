package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/clock"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
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

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) RecordHourEntryTx(ctx context.Context, tx *gorm.DB, entry ledgerdomain.HourLedgerEntry) error {
	if entry.GuardianID == 0 || entry.SourceID == 0 {
		return ledgerdomain.ErrInvalidEntry
	}
	if entry.Hours.IsNegative() || entry.Hours.IsZero() {
		return ledgerdomain.ErrInvalidEntry
	}
	switch entry.Direction {
	case ledgerdomain.DirectionCredit, ledgerdomain.DirectionDebit:
	default:
		return ledgerdomain.ErrInvalidEntry
	}

	entry.ID = s.genID.Generate()
	entry.Hours = entry.Hours.Round(3)
	entry.CreatedAt = s.clock.Now()
	return tx.WithContext(ctx).Create(&entry).Error
}

func (s *Service) RecordEarningTx(ctx context.Context, tx *gorm.DB, entry ledgerdomain.EarningLedgerEntry) error {
	if entry.TeacherID == 0 || entry.SourceID == 0 {
		return ledgerdomain.ErrInvalidEntry
	}
	if entry.Year == 0 || entry.Month < 1 || entry.Month > 12 {
		return ledgerdomain.ErrInvalidEntry
	}
	switch entry.Direction {
	case ledgerdomain.DirectionCredit, ledgerdomain.DirectionDebit:
	default:
		return ledgerdomain.ErrInvalidEntry
	}

	entry.ID = s.genID.Generate()
	entry.Hours = entry.Hours.Round(3)
	entry.Amount = entry.Amount.Round(2)
	entry.CreatedAt = s.clock.Now()
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}

	hours := entry.Hours
	amount := entry.Amount
	if entry.Direction == ledgerdomain.DirectionDebit {
		hours = hours.Neg()
		amount = amount.Neg()
	}

	tips := decimal.Zero
	earnings := amount
	if entry.SourceType == ledgerdomain.EarningSourceTipDistribution {
		tips = amount
		earnings = decimal.Zero
	}

	return s.applyRollupTx(ctx, tx, entry.TeacherID, entry.Year, entry.Month, hours, earnings, tips)
}

func (s *Service) AdjustTeacherMonthHoursTx(ctx context.Context, tx *gorm.DB, teacherID snowflake.ID, year int, month int, hours decimal.Decimal) error {
	if teacherID == 0 || year == 0 || month < 1 || month > 12 {
		return ledgerdomain.ErrInvalidEntry
	}
	if hours.IsZero() {
		return nil
	}
	return s.applyRollupTx(ctx, tx, teacherID, year, month, hours.Round(3), decimal.Zero, decimal.Zero)
}

func (s *Service) applyRollupTx(ctx context.Context, tx *gorm.DB, teacherID snowflake.ID, year int, month int, hours, earnings, tips decimal.Decimal) error {
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO teacher_month_rollups (id, teacher_id, year, month, hours, earnings, tips, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, 0, ?)
		 ON CONFLICT (teacher_id, year, month) DO NOTHING`,
		s.genID.Generate(),
		teacherID,
		year,
		month,
		now,
	).Error; err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`UPDATE teacher_month_rollups
		 SET hours = hours + ?, earnings = earnings + ?, tips = tips + ?, updated_at = ?
		 WHERE teacher_id = ? AND year = ? AND month = ?`,
		hours,
		earnings,
		tips,
		now,
		teacherID,
		year,
		month,
	).Error
}

func (s *Service) GetTeacher(ctx context.Context, id snowflake.ID) (*ledgerdomain.Teacher, error) {
	var teacher ledgerdomain.Teacher
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&teacher).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrTeacherNotFound
		}
		return nil, err
	}
	return &teacher, nil
}

func (s *Service) GetMonthRollup(ctx context.Context, teacherID snowflake.ID, year int, month int) (*ledgerdomain.TeacherMonthRollup, error) {
	var rollup ledgerdomain.TeacherMonthRollup
	err := s.db.WithContext(ctx).
		Where("teacher_id = ? AND year = ? AND month = ?", teacherID, year, month).
		First(&rollup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rollup, nil
}

func (s *Service) SumGuardianHours(ctx context.Context, guardianID snowflake.ID) (decimal.Decimal, error) {
	var raw struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE direction WHEN 'credit' THEN hours ELSE -hours END), 0) AS total
		 FROM hour_ledger_entries
		 WHERE guardian_id = ?`,
		guardianID,
	).Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	return raw.Total.Round(3), nil
}
