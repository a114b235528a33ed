// Package domain holds guardian and student profiles and the frozen
// financial snapshot written onto invoices at creation time.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransferFeeMode selects how the guardian's payment-channel surcharge is
// computed.
type TransferFeeMode string

const (
	TransferFeeModeFixed   TransferFeeMode = "fixed"
	TransferFeeModePercent TransferFeeMode = "percent"
)

// TransferFeeSource records where a fee configuration came from.
type TransferFeeSource string

const (
	TransferFeeSourceGuardianDefault TransferFeeSource = "guardian_default"
	TransferFeeSourceManual          TransferFeeSource = "manual"
)

// Guardian is the paying party. Hour balances are denominated in hours with
// 3dp precision; TotalHours is the unallocated pool, per-student remainders
// live on Student rows.
type Guardian struct {
	ID                     snowflake.ID    `gorm:"primaryKey" json:"id"`
	FirstName              string          `gorm:"type:text;not null" json:"first_name"`
	LastName               string          `gorm:"type:text;not null" json:"last_name"`
	Email                  string          `gorm:"type:text;not null;index" json:"email"`
	HourlyRate             decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"hourly_rate"`
	TransferFeeMode        TransferFeeMode `gorm:"type:text;not null;default:'fixed'" json:"transfer_fee_mode"`
	TransferFeeAmount      decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"transfer_fee_amount"`
	TransferFeeWaived      bool            `gorm:"not null;default:false" json:"transfer_fee_waived"`
	PreferredPaymentMethod string          `gorm:"type:text" json:"preferred_payment_method"`
	TotalHours             decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"total_hours"`
	ConsumedHours          decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"consumed_hours"`
	AutoTotalHours         bool            `gorm:"not null;default:true" json:"auto_total_hours"`
	CreatedAt              time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"not null" json:"updated_at"`
}

func (Guardian) TableName() string { return "guardians" }

// Student belongs to a guardian and tracks its share of remaining hours.
type Student struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	GuardianID     snowflake.ID    `gorm:"not null;index" json:"guardian_id"`
	FirstName      string          `gorm:"type:text;not null" json:"first_name"`
	LastName       string          `gorm:"type:text;not null" json:"last_name"`
	Email          string          `gorm:"type:text" json:"email"`
	RemainingHours decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"remaining_hours"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
}

func (Student) TableName() string { return "students" }

// FinancialSnapshot is the value object frozen onto an invoice. Later
// guardian profile edits never alter it; only an explicit re-snapshot does.
type FinancialSnapshot struct {
	HourlyRate           decimal.Decimal   `json:"hourly_rate"`
	TransferFeeMode      TransferFeeMode   `json:"transfer_fee_mode"`
	TransferFeeAmount    decimal.Decimal   `json:"transfer_fee_amount"`
	TransferFeeSource    TransferFeeSource `json:"transfer_fee_source"`
	TransferFeeWaived    bool              `json:"transfer_fee_waived"`
	WaivedByCoverage     bool              `json:"waived_by_coverage"`
	PreferredPayMethod   string            `json:"preferred_payment_method"`
	SnapshotTakenAt      time.Time         `json:"snapshot_taken_at"`
	SnapshotGuardianID   snowflake.ID      `json:"snapshot_guardian_id"`
	SnapshotGuardianName string            `json:"snapshot_guardian_name"`
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Guardian, error)
	GetStudent(ctx context.Context, id snowflake.ID) (*Student, error)
	ListStudents(ctx context.Context, guardianID snowflake.ID) ([]Student, error)

	// BuildFinancialSnapshot freezes the guardian's current billing
	// configuration.
	BuildFinancialSnapshot(ctx context.Context, guardianID snowflake.ID) (*FinancialSnapshot, error)

	// CreditHoursTx increases the guardian's unallocated pool; used by the
	// payment applier. Clears the auto-total flag so lesson debits do not
	// re-sync the balance to a stale recomputation.
	CreditHoursTx(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, hours decimal.Decimal, sourceID snowflake.ID) error

	// DebitHoursTx decreases guardian and student balances for consumed
	// lesson time. Student balances clamp at zero; the overflow stays on
	// the guardian pool.
	DebitHoursTx(ctx context.Context, tx *gorm.DB, guardianID, studentID snowflake.ID, hours decimal.Decimal, sourceID snowflake.ID) error

	// ReverseRefundHoursTx debits the guardian pool for a refund and
	// allocates the debit across students proportionally to their shares.
	ReverseRefundHoursTx(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, hours decimal.Decimal, studentShares map[snowflake.ID]decimal.Decimal, sourceID snowflake.ID) error

	// ReverseLessonDebitTx undoes a prior lesson debit when attendance flips
	// back to a non-countable status.
	ReverseLessonDebitTx(ctx context.Context, tx *gorm.DB, guardianID, studentID snowflake.ID, hours decimal.Decimal, sourceID snowflake.ID) error
}

var (
	ErrGuardianNotFound = errors.New("guardian_not_found")
	ErrStudentNotFound  = errors.New("student_not_found")
	ErrInvalidHours     = errors.New("invalid_hours")
)
