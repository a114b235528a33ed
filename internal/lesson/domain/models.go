// Package domain holds the class (lesson) model and the billing selector
// contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ClassStatus is the scheduling/attendance state of a lesson.
type ClassStatus string

const (
	StatusScheduled         ClassStatus = "scheduled"
	StatusInProgress        ClassStatus = "in_progress"
	StatusCompleted         ClassStatus = "completed"
	StatusAttended          ClassStatus = "attended"
	StatusMissedByStudent   ClassStatus = "missed_by_student"
	StatusAbsent            ClassStatus = "absent"
	StatusCancelled         ClassStatus = "cancelled"
	StatusCancelledByGuard  ClassStatus = "cancelled_by_guardian"
	StatusCancelledByTeach  ClassStatus = "cancelled_by_teacher"
	StatusCancelledByAdmin  ClassStatus = "cancelled_by_admin"
	StatusNoShowBoth        ClassStatus = "no_show_both"
	StatusPattern           ClassStatus = "pattern"
	StatusOnHold            ClassStatus = "on_hold"
)

// InCancelledFamily reports whether the status excludes a class from billing
// entirely.
func InCancelledFamily(status ClassStatus) bool {
	switch status {
	case StatusCancelled, StatusCancelledByGuard, StatusCancelledByTeach,
		StatusCancelledByAdmin, StatusNoShowBoth, StatusPattern, StatusOnHold:
		return true
	default:
		return false
	}
}

// Countable reports whether the status consumes guardian hours and earns
// teacher hours.
func Countable(status ClassStatus) bool {
	switch status {
	case StatusAttended, StatusMissedByStudent, StatusAbsent:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a final attendance outcome.
func Terminal(status ClassStatus) bool {
	return Countable(status) || InCancelledFamily(status)
}

// Class is one scheduled lesson.
type Class struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	GuardianID        snowflake.ID `gorm:"not null;index" json:"guardian_id"`
	TeacherID         snowflake.ID `gorm:"not null;index" json:"teacher_id"`
	StudentID         snowflake.ID `gorm:"not null;index" json:"student_id"`
	Description       string       `gorm:"type:text" json:"description"`
	ScheduledAt       time.Time    `gorm:"not null;index" json:"scheduled_at"`
	DurationMinutes   int          `gorm:"not null" json:"duration_minutes"`
	Status            ClassStatus  `gorm:"type:text;not null;default:'scheduled';index" json:"status"`
	PaidByGuardian    bool         `gorm:"not null;default:false;index" json:"paid_by_guardian"`
	Hidden            bool         `gorm:"not null;default:false" json:"hidden"`
	ReportDeadlineAt  *time.Time   `gorm:"" json:"report_deadline_at,omitempty"`
	ReportExtendedTo  *time.Time   `gorm:"" json:"report_extended_to,omitempty"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
	DeletedAt         *time.Time   `gorm:"index" json:"deleted_at,omitempty"`
}

func (Class) TableName() string { return "classes" }

// Hours returns the class duration in hours at 3dp.
func (c Class) Hours() decimal.Decimal {
	return decimal.NewFromInt(int64(c.DurationMinutes)).Div(decimal.NewFromInt(60)).Round(3)
}

// Window bounds the billing period a selection runs over. A nil Start means
// "everything up to End"; a nil End means unbounded above.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// SelectOptions tunes one selector invocation.
type SelectOptions struct {
	StudentAllowList    []snowflake.ID
	CoverageCapHours    *decimal.Decimal
	ExcludeClassIDs     []snowflake.ID
	IncludeReportWindow bool
	Limit               int
}

// Candidate is one billable lesson with its resolved rate.
type Candidate struct {
	Class  Class
	Rate   decimal.Decimal
	Amount decimal.Decimal
}

type Selector interface {
	// Select returns the chronologically ordered billable lessons for the
	// guardian inside the window, honouring exclusions, the coverage cap
	// and cross-invoice uniqueness.
	Select(ctx context.Context, guardianID snowflake.ID, window Window, rate decimal.Decimal, opts SelectOptions) ([]Candidate, error)

	GetByID(ctx context.Context, id snowflake.ID) (*Class, error)
	SetPaidByGuardianTx(ctx context.Context, tx *gorm.DB, classIDs []snowflake.ID, paid bool) error
}

var (
	ErrClassNotFound   = errors.New("class_not_found")
	ErrInvalidGuardian = errors.New("invalid_guardian")
)
