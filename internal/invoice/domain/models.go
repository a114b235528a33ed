// Package domain defines the invoice aggregate, its embedded logs, and the
// lifecycle state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Kind distinguishes guardian invoices from teacher payment statements.
type Kind string

const (
	KindGuardianInvoice Kind = "guardian_invoice"
	KindTeacherPayment  Kind = "teacher_payment"
)

// Status is the invoice lifecycle state.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPending       Status = "pending"
	StatusSent          Status = "sent"
	StatusOverdue       Status = "overdue"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusRefunded      Status = "refunded"
	StatusCancelled     Status = "cancelled"
)

// Settled reports whether the invoice has accepted money and its items are
// frozen against ordinary edits.
func Settled(status Status) bool {
	switch status {
	case StatusPaid, StatusPartiallyPaid, StatusRefunded:
		return true
	default:
		return false
	}
}

// Active reports whether the invoice still claims its lessons; cancelled and
// refunded invoices release them.
func Active(status Status) bool {
	return status != StatusCancelled && status != StatusRefunded
}

// CoverageStrategy selects how the billing window maps to billable hours.
type CoverageStrategy string

const (
	CoverageFullPeriod CoverageStrategy = "full_period"
	CoverageCapHours   CoverageStrategy = "cap_hours"
	CoverageCustomEnd  CoverageStrategy = "custom_end"
	CoverageCustom     CoverageStrategy = "custom"
)

// Coverage is the embedded coverage configuration.
type Coverage struct {
	Strategy         CoverageStrategy                 `gorm:"column:coverage_strategy;type:text;not null;default:'full_period'" json:"strategy"`
	MaxHours         *decimal.Decimal                 `gorm:"column:coverage_max_hours;type:numeric" json:"max_hours,omitempty"`
	EndDate          *time.Time                       `gorm:"column:coverage_end_date" json:"end_date,omitempty"`
	WaiveTransferFee bool                             `gorm:"column:coverage_waive_fee;not null;default:false" json:"waive_transfer_fee"`
	StatusAllowList  datatypes.JSONSlice[string]      `gorm:"column:coverage_status_allow" json:"status_allow_list,omitempty"`
	MaxLessonMinutes int                              `gorm:"column:coverage_max_lesson_minutes;not null;default:0" json:"max_lesson_minutes"`
	IncludeStudents  datatypes.JSONSlice[snowflake.ID] `gorm:"column:coverage_include_students" json:"include_students,omitempty"`
	ExcludeStudents  datatypes.JSONSlice[snowflake.ID] `gorm:"column:coverage_exclude_students" json:"exclude_students,omitempty"`
}

// Snapshot is the frozen guardian financial configuration (see the guardian
// package for how it is built).
type Snapshot struct {
	HourlyRate        decimal.Decimal                  `gorm:"column:snapshot_hourly_rate;type:numeric;not null;default:0" json:"hourly_rate"`
	TransferFeeMode   guardiandomain.TransferFeeMode   `gorm:"column:snapshot_fee_mode;type:text;not null;default:'fixed'" json:"transfer_fee_mode"`
	TransferFeeAmount decimal.Decimal                  `gorm:"column:snapshot_fee_amount;type:numeric;not null;default:0" json:"transfer_fee_amount"`
	TransferFeeSource guardiandomain.TransferFeeSource `gorm:"column:snapshot_fee_source;type:text;not null;default:'guardian_default'" json:"transfer_fee_source"`
	TransferFeeWaived bool                             `gorm:"column:snapshot_fee_waived;not null;default:false" json:"transfer_fee_waived"`
	WaivedByCoverage  bool                             `gorm:"column:snapshot_fee_waived_by_coverage;not null;default:false" json:"waived_by_coverage"`
	PreferredMethod   string                           `gorm:"column:snapshot_preferred_method;type:text" json:"preferred_payment_method"`
}

// Invoice is the central billing aggregate. Items, payment logs, activity
// and delivery logs live in side tables keyed by InvoiceID; Version backs
// optimistic concurrency on every mutation.
type Invoice struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	Kind          Kind         `gorm:"type:text;not null;index" json:"kind"`
	Sequence      int64        `gorm:"not null;index" json:"sequence"`
	InvoiceNumber string       `gorm:"type:text;not null;index" json:"invoice_number"`
	InvoiceName   string       `gorm:"type:text;not null" json:"invoice_name"`
	NameIsManual  bool         `gorm:"not null;default:false" json:"name_is_manual"`
	Slug          string       `gorm:"type:text;not null;uniqueIndex:ux_invoices_slug" json:"slug"`

	GuardianID *snowflake.ID `gorm:"index" json:"guardian_id,omitempty"`
	TeacherID  *snowflake.ID `gorm:"index" json:"teacher_id,omitempty"`
	CreatedBy  *snowflake.ID `gorm:"" json:"created_by,omitempty"`
	UpdatedBy  *snowflake.ID `gorm:"" json:"updated_by,omitempty"`

	PeriodStart *time.Time `gorm:"" json:"period_start,omitempty"`
	PeriodEnd   *time.Time `gorm:"" json:"period_end,omitempty"`
	Month       int        `gorm:"not null;default:0" json:"month"`
	Year        int        `gorm:"not null;default:0" json:"year"`

	Coverage Coverage `gorm:"embedded" json:"coverage"`
	Snapshot Snapshot `gorm:"embedded" json:"snapshot"`

	Subtotal      decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"subtotal"`
	Discount      decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"discount"`
	Tax           decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"tax"`
	LateFee       decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"late_fee"`
	Tip           decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"tip"`
	Total         decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"total"`
	AdjustedTotal decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"adjusted_total"`
	PaidAmount    decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"paid_amount"`

	Status Status     `gorm:"type:text;not null;default:'draft';index" json:"status"`
	DueAt  *time.Time `gorm:"index" json:"due_at,omitempty"`
	PaidAt *time.Time `gorm:"" json:"paid_at,omitempty"`
	Note   string     `gorm:"type:text" json:"note,omitempty"`

	ExcludedClassIDs datatypes.JSONSlice[snowflake.ID] `gorm:"column:excluded_class_ids" json:"excluded_class_ids,omitempty"`

	Version    int64      `gorm:"not null;default:1" json:"version"`
	CreatedAt  time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
	DeletedAt  *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	RestoredAt *time.Time `gorm:"" json:"restored_at,omitempty"`
}

func (Invoice) TableName() string { return "invoices" }

// RemainingBalance is total minus paid, floored at zero.
func (inv Invoice) RemainingBalance() decimal.Decimal {
	remaining := inv.Total.Sub(inv.PaidAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining.Round(2)
}

// TransferFee returns the effective fee for the current subtotal, zero when
// waived explicitly or by coverage.
func (inv Invoice) TransferFee() decimal.Decimal {
	if inv.Snapshot.TransferFeeWaived || inv.Snapshot.WaivedByCoverage || inv.Coverage.WaiveTransferFee {
		return decimal.Zero
	}
	if inv.Snapshot.TransferFeeMode == guardiandomain.TransferFeeModePercent {
		return inv.Subtotal.Mul(inv.Snapshot.TransferFeeAmount).Div(decimal.NewFromInt(100)).Round(2)
	}
	return inv.Snapshot.TransferFeeAmount.Round(2)
}

// LineItem is one lesson row. ClassID and LessonID carry the same value on
// purpose: LessonID survives class deletion so the item never orphans.
type LineItem struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID `gorm:"not null;index" json:"invoice_id"`

	ClassID  *snowflake.ID `gorm:"index" json:"class_id,omitempty"`
	LessonID string        `gorm:"type:text;index" json:"lesson_id"`

	StudentID        *snowflake.ID `gorm:"index" json:"student_id,omitempty"`
	StudentFirstName string        `gorm:"type:text" json:"student_first_name"`
	StudentLastName  string        `gorm:"type:text" json:"student_last_name"`
	StudentEmail     string        `gorm:"type:text" json:"student_email"`

	TeacherID        *snowflake.ID `gorm:"index" json:"teacher_id,omitempty"`
	TeacherFirstName string        `gorm:"type:text" json:"teacher_first_name"`
	TeacherLastName  string        `gorm:"type:text" json:"teacher_last_name"`

	Description     string          `gorm:"type:text" json:"description"`
	Date            time.Time       `gorm:"not null;index" json:"date"`
	DurationMinutes int             `gorm:"not null" json:"duration_minutes"`
	Rate            decimal.Decimal `gorm:"type:numeric;not null" json:"rate"`
	Amount          decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`

	Attended bool   `gorm:"not null;default:false" json:"attended"`
	Status   string `gorm:"type:text" json:"status"`

	ExcludeFromStudentBalance bool `gorm:"not null;default:false" json:"exclude_from_student_balance"`
	ExemptFromGuardian        bool `gorm:"not null;default:false" json:"exempt_from_guardian"`
	ExcludeFromTeacherPayment bool `gorm:"not null;default:false" json:"exclude_from_teacher_payment"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (LineItem) TableName() string { return "invoice_items" }

// Hours returns the item duration in hours at 3dp.
func (it LineItem) Hours() decimal.Decimal {
	return decimal.NewFromInt(int64(it.DurationMinutes)).Div(decimal.NewFromInt(60)).Round(3)
}

// PaymentMethod is the channel a payment log entry arrived through.
type PaymentMethod string

const (
	MethodManual          PaymentMethod = "manual"
	MethodPayPal          PaymentMethod = "paypal"
	MethodCard            PaymentMethod = "card"
	MethodCash            PaymentMethod = "cash"
	MethodBank            PaymentMethod = "bank"
	MethodRefund          PaymentMethod = "refund"
	MethodTipDistribution PaymentMethod = "tip_distribution"
)

// PaymentLogEntry is one money movement on an invoice. Amount is signed:
// positive for payments, negative for refunds.
type PaymentLogEntry struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID `gorm:"not null;index" json:"invoice_id"`

	Amount    decimal.Decimal  `gorm:"type:numeric;not null" json:"amount"`
	PaidHours *decimal.Decimal `gorm:"type:numeric" json:"paid_hours,omitempty"`
	Tip       decimal.Decimal  `gorm:"type:numeric;not null;default:0" json:"tip"`

	Method         PaymentMethod     `gorm:"type:text;not null" json:"method"`
	TransactionID  string            `gorm:"type:text;index" json:"transaction_id,omitempty"`
	IdempotencyKey string            `gorm:"type:text;index" json:"idempotency_key,omitempty"`
	Note           string            `gorm:"type:text" json:"note,omitempty"`
	ProcessedAt    time.Time         `gorm:"not null" json:"processed_at"`
	ActorID        *snowflake.ID     `gorm:"" json:"actor_id,omitempty"`
	SnapshotData   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"snapshot"`
}

func (PaymentLogEntry) TableName() string { return "invoice_payment_logs" }

// CountsTowardPaid reports whether the entry adds to the paid amount.
func (e PaymentLogEntry) CountsTowardPaid() bool {
	return e.Method != MethodRefund && e.Method != MethodTipDistribution && e.Amount.IsPositive()
}

// ActivityEntry is a human-readable action on the invoice timeline.
type ActivityEntry struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID      `gorm:"not null;index" json:"invoice_id"`
	ActorRole string            `gorm:"type:text;not null" json:"actor_role"`
	ActorID   *snowflake.ID     `gorm:"" json:"actor_id,omitempty"`
	Message   string            `gorm:"type:text;not null" json:"message"`
	Detail    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"detail"`
	CreatedAt time.Time         `gorm:"not null;index" json:"created_at"`
}

func (ActivityEntry) TableName() string { return "invoice_activities" }

// DeliveryStatus tracks a send attempt per channel.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryEntry records one send attempt on one channel.
type DeliveryEntry struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID   `gorm:"not null;index" json:"invoice_id"`
	Channel     string         `gorm:"type:text;not null" json:"channel"`
	Status      DeliveryStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	TemplateID  string         `gorm:"type:text" json:"template_id"`
	Attempt     int            `gorm:"not null;default:1" json:"attempt"`
	MessageHash string         `gorm:"type:text" json:"message_hash"`
	SentAt      *time.Time     `gorm:"" json:"sent_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (DeliveryEntry) TableName() string { return "invoice_deliveries" }
