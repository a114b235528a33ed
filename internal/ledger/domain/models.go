// Package domain defines the hour and earnings ledgers. Every balance on a
// guardian, student or teacher row is re-derivable by summing entries here;
// the rows are caches, the ledgers are the record.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EntryDirection marks whether an entry adds to or removes from a balance.
type EntryDirection string

const (
	DirectionCredit EntryDirection = "credit"
	DirectionDebit  EntryDirection = "debit"
)

// HourSourceType identifies what moved guardian hours.
type HourSourceType string

const (
	HourSourcePaymentCredit  HourSourceType = "payment_credit"
	HourSourceLessonDebit    HourSourceType = "lesson_debit"
	HourSourceRefundReversal HourSourceType = "refund_reversal"
	HourSourceManual         HourSourceType = "manual"
)

// EarningSourceType identifies what moved teacher earnings.
type EarningSourceType string

const (
	EarningSourceLesson          EarningSourceType = "lesson"
	EarningSourceTipDistribution EarningSourceType = "tip_distribution"
	EarningSourceRefund          EarningSourceType = "refund"
)

// HourLedgerEntry is one movement of guardian hours. StudentID is set when
// the movement is attributable to a specific student.
type HourLedgerEntry struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	GuardianID snowflake.ID    `gorm:"not null;index" json:"guardian_id"`
	StudentID  *snowflake.ID   `gorm:"index" json:"student_id,omitempty"`
	Direction  EntryDirection  `gorm:"type:text;not null" json:"direction"`
	SourceType HourSourceType  `gorm:"type:text;not null;index" json:"source_type"`
	SourceID   snowflake.ID    `gorm:"not null;index:ix_hour_ledger_source" json:"source_id"`
	Hours      decimal.Decimal `gorm:"type:numeric;not null" json:"hours"`
	CreatedAt  time.Time       `gorm:"not null" json:"created_at"`
}

func (HourLedgerEntry) TableName() string { return "hour_ledger_entries" }

// EarningLedgerEntry is one movement of teacher hours or money.
type EarningLedgerEntry struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	TeacherID  snowflake.ID      `gorm:"not null;index" json:"teacher_id"`
	Direction  EntryDirection    `gorm:"type:text;not null" json:"direction"`
	SourceType EarningSourceType `gorm:"type:text;not null;index" json:"source_type"`
	SourceID   snowflake.ID      `gorm:"not null;index" json:"source_id"`
	Hours      decimal.Decimal   `gorm:"type:numeric;not null;default:0" json:"hours"`
	Amount     decimal.Decimal   `gorm:"type:numeric;not null;default:0" json:"amount"`
	Year       int               `gorm:"not null" json:"year"`
	Month      int               `gorm:"not null" json:"month"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

func (EarningLedgerEntry) TableName() string { return "earning_ledger_entries" }

// Teacher is the teaching party; profiles live beside the earnings ledger
// they anchor.
type Teacher struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	FirstName       string       `gorm:"type:text;not null" json:"first_name"`
	LastName        string       `gorm:"type:text;not null" json:"last_name"`
	Email           string       `gorm:"type:text" json:"email"`
	ExcludeFromTips bool         `gorm:"not null;default:false" json:"exclude_from_tips"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (Teacher) TableName() string { return "teachers" }

// TeacherMonthRollup caches a teacher's monthly hours and earnings. The
// unique index makes rollup upserts idempotent per month.
type TeacherMonthRollup struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	TeacherID snowflake.ID    `gorm:"not null;uniqueIndex:ux_teacher_month,priority:1" json:"teacher_id"`
	Year      int             `gorm:"not null;uniqueIndex:ux_teacher_month,priority:2" json:"year"`
	Month     int             `gorm:"not null;uniqueIndex:ux_teacher_month,priority:3" json:"month"`
	Hours     decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"hours"`
	Earnings  decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"earnings"`
	Tips      decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"tips"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (TeacherMonthRollup) TableName() string { return "teacher_month_rollups" }

type Service interface {
	// RecordHourEntryTx appends one guardian-hour movement.
	RecordHourEntryTx(ctx context.Context, tx *gorm.DB, entry HourLedgerEntry) error

	// RecordEarningTx appends one teacher movement and folds it into the
	// monthly rollup in the same transaction.
	RecordEarningTx(ctx context.Context, tx *gorm.DB, entry EarningLedgerEntry) error

	// AdjustTeacherMonthHoursTx applies a signed hour delta to the rollup
	// without money movement (attendance flips, duration edits).
	AdjustTeacherMonthHoursTx(ctx context.Context, tx *gorm.DB, teacherID snowflake.ID, year int, month int, hours decimal.Decimal) error

	GetTeacher(ctx context.Context, id snowflake.ID) (*Teacher, error)
	GetMonthRollup(ctx context.Context, teacherID snowflake.ID, year int, month int) (*TeacherMonthRollup, error)

	// SumGuardianHours derives the guardian balance from first principles;
	// used by reconciliation and tests.
	SumGuardianHours(ctx context.Context, guardianID snowflake.ID) (decimal.Decimal, error)
}

var (
	ErrInvalidEntry    = errors.New("invalid_ledger_entry")
	ErrTeacherNotFound = errors.New("teacher_not_found")
)
