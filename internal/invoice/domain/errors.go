package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrValidation          = errors.New("validation_error")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrAlreadySettled      = errors.New("already_settled")
	ErrNoPayments          = errors.New("no_payments")
	ErrNotDeleted          = errors.New("invoice_not_deleted")
	ErrLessonInvoiced      = errors.New("lesson_already_invoiced")
	ErrNoFutureClasses     = errors.New("no_future_classes_zero_balance")
	ErrRollbackUnsupported = errors.New("rollback_unsupported")
)

// LessonInvoicedError reports which active invoice already claims the lesson.
type LessonInvoicedError struct {
	ClassID       snowflake.ID
	InvoiceID     snowflake.ID
	InvoiceNumber string
}

func (e *LessonInvoicedError) Error() string {
	return fmt.Sprintf("lesson_already_invoiced: class %d already on invoice %s", e.ClassID, e.InvoiceNumber)
}

func (e *LessonInvoicedError) Unwrap() error { return ErrLessonInvoiced }

// ValidationError wraps ErrValidation with a caller-facing message, such as
// the expected amount decomposition on a mismatch.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
