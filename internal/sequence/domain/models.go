// Package domain defines the monotonic invoice sequence allocator.
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Kind selects the independent sequence an invoice draws from.
type Kind string

const (
	KindGuardianInvoice Kind = "guardian_invoice"
	KindTeacherPayment  Kind = "teacher_payment"
)

// Counter is the singleton row backing one sequence kind.
type Counter struct {
	Kind      Kind      `gorm:"primaryKey;type:text" json:"kind"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Counter) TableName() string { return "sequence_counters" }

// Identifiers is the canonical naming derived from a sequence.
type Identifiers struct {
	Sequence      int64
	InvoiceNumber string
	InvoiceName   string
	Slug          string
}

type Allocator interface {
	// AllocateNext returns the next sequence for kind. Calls for the same
	// kind are serialized and strictly increasing.
	AllocateNext(ctx context.Context, kind Kind) (int64, error)
	AllocateNextTx(ctx context.Context, tx *gorm.DB, kind Kind) (int64, error)

	// EnsureAtLeast advances the counter so future allocations exceed n.
	EnsureAtLeast(ctx context.Context, kind Kind, n int64) error

	// BuildIdentifiers derives number, display name and slug. month/year
	// label guardian invoices; zero values fall back to sequence-only names.
	BuildIdentifiers(kind Kind, seq int64, month time.Month, year int) Identifiers
}

var (
	ErrInvalidKind     = errors.New("invalid_sequence_kind")
	ErrInvalidSequence = errors.New("invalid_sequence")
)

// ValidKind reports whether kind is a known sequence kind.
func ValidKind(kind Kind) bool {
	switch kind {
	case KindGuardianInvoice, KindTeacherPayment:
		return true
	default:
		return false
	}
}
