package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/clock"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) guardiandomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("guardian.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*guardiandomain.Guardian, error) {
	var guardian guardiandomain.Guardian
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&guardian).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, guardiandomain.ErrGuardianNotFound
		}
		return nil, err
	}
	return &guardian, nil
}

func (s *Service) GetStudent(ctx context.Context, id snowflake.ID) (*guardiandomain.Student, error) {
	var student guardiandomain.Student
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&student).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, guardiandomain.ErrStudentNotFound
		}
		return nil, err
	}
	return &student, nil
}

func (s *Service) ListStudents(ctx context.Context, guardianID snowflake.ID) ([]guardiandomain.Student, error) {
	var students []guardiandomain.Student
	err := s.db.WithContext(ctx).
		Where("guardian_id = ?", guardianID).
		Order("created_at, id").
		Find(&students).Error
	if err != nil {
		return nil, err
	}
	return students, nil
}

func (s *Service) BuildFinancialSnapshot(ctx context.Context, guardianID snowflake.ID) (*guardiandomain.FinancialSnapshot, error) {
	guardian, err := s.GetByID(ctx, guardianID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(guardian.FirstName + " " + guardian.LastName)
	return &guardiandomain.FinancialSnapshot{
		HourlyRate:           guardian.HourlyRate,
		TransferFeeMode:      guardian.TransferFeeMode,
		TransferFeeAmount:    guardian.TransferFeeAmount,
		TransferFeeSource:    guardiandomain.TransferFeeSourceGuardianDefault,
		TransferFeeWaived:    guardian.TransferFeeWaived,
		PreferredPayMethod:   guardian.PreferredPaymentMethod,
		SnapshotTakenAt:      s.clock.Now(),
		SnapshotGuardianID:   guardian.ID,
		SnapshotGuardianName: name,
	}, nil
}

func (s *Service) CreditHoursTx(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, hours decimal.Decimal, sourceID snowflake.ID) error {
	if hours.IsNegative() || hours.IsZero() {
		return guardiandomain.ErrInvalidHours
	}
	hours = hours.Round(3)

	now := s.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE guardians
		 SET total_hours = total_hours + ?, auto_total_hours = ?, updated_at = ?
		 WHERE id = ?`,
		hours,
		false,
		now,
		guardianID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return guardiandomain.ErrGuardianNotFound
	}

	return s.ledgerSvc.RecordHourEntryTx(ctx, tx, ledgerdomain.HourLedgerEntry{
		GuardianID: guardianID,
		Direction:  ledgerdomain.DirectionCredit,
		SourceType: ledgerdomain.HourSourcePaymentCredit,
		SourceID:   sourceID,
		Hours:      hours,
	})
}

func (s *Service) DebitHoursTx(ctx context.Context, tx *gorm.DB, guardianID, studentID snowflake.ID, hours decimal.Decimal, sourceID snowflake.ID) error {
	if hours.IsNegative() || hours.IsZero() {
		return guardiandomain.ErrInvalidHours
	}
	hours = hours.Round(3)

	now := s.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE guardians
		 SET total_hours = total_hours - ?, consumed_hours = consumed_hours + ?, updated_at = ?
		 WHERE id = ?`,
		hours,
		hours,
		now,
		guardianID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return guardiandomain.ErrGuardianNotFound
	}

	if studentID != 0 {
		if err := s.debitStudentClamped(ctx, tx, studentID, hours, now); err != nil {
			return err
		}
	}

	entry := ledgerdomain.HourLedgerEntry{
		GuardianID: guardianID,
		Direction:  ledgerdomain.DirectionDebit,
		SourceType: ledgerdomain.HourSourceLessonDebit,
		SourceID:   sourceID,
		Hours:      hours,
	}
	if studentID != 0 {
		entry.StudentID = &studentID
	}
	return s.ledgerSvc.RecordHourEntryTx(ctx, tx, entry)
}

func (s *Service) ReverseRefundHoursTx(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, hours decimal.Decimal, studentShares map[snowflake.ID]decimal.Decimal, sourceID snowflake.ID) error {
	if hours.IsNegative() || hours.IsZero() {
		return guardiandomain.ErrInvalidHours
	}
	hours = hours.Round(3)

	now := s.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE guardians
		 SET total_hours = total_hours - ?, updated_at = ?
		 WHERE id = ?`,
		hours,
		now,
		guardianID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return guardiandomain.ErrGuardianNotFound
	}

	// Student debits clamp at zero; whatever cannot be taken from a
	// student stays on the guardian's unallocated pool, which the UPDATE
	// above already reduced in full.
	for studentID, share := range studentShares {
		if studentID == 0 || share.IsNegative() || share.IsZero() {
			continue
		}
		if err := s.debitStudentClamped(ctx, tx, studentID, share.Round(3), now); err != nil {
			return err
		}
	}

	return s.ledgerSvc.RecordHourEntryTx(ctx, tx, ledgerdomain.HourLedgerEntry{
		GuardianID: guardianID,
		Direction:  ledgerdomain.DirectionDebit,
		SourceType: ledgerdomain.HourSourceRefundReversal,
		SourceID:   sourceID,
		Hours:      hours,
	})
}

func (s *Service) ReverseLessonDebitTx(ctx context.Context, tx *gorm.DB, guardianID, studentID snowflake.ID, hours decimal.Decimal, sourceID snowflake.ID) error {
	if hours.IsNegative() || hours.IsZero() {
		return guardiandomain.ErrInvalidHours
	}
	hours = hours.Round(3)

	now := s.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE guardians
		 SET total_hours = total_hours + ?, consumed_hours = consumed_hours - ?, updated_at = ?
		 WHERE id = ?`,
		hours,
		hours,
		now,
		guardianID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return guardiandomain.ErrGuardianNotFound
	}

	if studentID != 0 {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE students SET remaining_hours = remaining_hours + ?, updated_at = ? WHERE id = ?`,
			hours,
			now,
			studentID,
		).Error; err != nil {
			return err
		}
	}

	entry := ledgerdomain.HourLedgerEntry{
		GuardianID: guardianID,
		Direction:  ledgerdomain.DirectionCredit,
		SourceType: ledgerdomain.HourSourceLessonDebit,
		SourceID:   sourceID,
		Hours:      hours,
	}
	if studentID != 0 {
		entry.StudentID = &studentID
	}
	return s.ledgerSvc.RecordHourEntryTx(ctx, tx, entry)
}

func (s *Service) debitStudentClamped(ctx context.Context, tx *gorm.DB, studentID snowflake.ID, hours decimal.Decimal, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE students
		 SET remaining_hours = CASE WHEN remaining_hours > ? THEN remaining_hours - ? ELSE 0 END,
		     updated_at = ?
		 WHERE id = ?`,
		hours,
		hours,
		now,
		studentID,
	).Error
}
