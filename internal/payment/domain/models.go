// Package domain defines the persistent payment idempotency record and the
// applier contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status tracks a payment record through its life. A record stuck in pending
// marks a write that began but never completed; a reconciler resolves those.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// Payment is the idempotency anchor: the unique indexes on
// (invoice, idempotency_key) and (invoice, transaction_id) make duplicate
// application impossible regardless of transaction support.
type Payment struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_payments_idem,priority:1;uniqueIndex:ux_payments_txid,priority:1" json:"invoice_id"`

	Amount    decimal.Decimal  `gorm:"type:numeric;not null" json:"amount"`
	Tip       decimal.Decimal  `gorm:"type:numeric;not null;default:0" json:"tip"`
	PaidHours *decimal.Decimal `gorm:"type:numeric" json:"paid_hours,omitempty"`

	Method         invoicedomain.PaymentMethod `gorm:"type:text;not null" json:"method"`
	TransactionID  *string                     `gorm:"type:text;uniqueIndex:ux_payments_txid,priority:2" json:"transaction_id,omitempty"`
	IdempotencyKey *string                     `gorm:"type:text;uniqueIndex:ux_payments_idem,priority:2" json:"idempotency_key,omitempty"`

	Status      Status            `gorm:"type:text;not null;default:'pending';index" json:"status"`
	AppliedAt   *time.Time        `gorm:"" json:"applied_at,omitempty"`
	LogSnapshot datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"log_snapshot"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Payment) TableName() string { return "payments" }

// Request is one inbound payment. Amount may be omitted when PaidHours is
// given and vice versa; supplying both triggers decomposition validation.
type Request struct {
	Amount         *decimal.Decimal
	PaidHours      *decimal.Decimal
	Tip            decimal.Decimal
	Method         invoicedomain.PaymentMethod
	TransactionID  string
	IdempotencyKey string
	PaidAt         *time.Time
	Note           string
}

// Result is the applier outcome. Duplicate results carry the current invoice
// snapshot and no new log entry.
type Result struct {
	Invoice         *invoicedomain.Aggregate
	Applied         bool
	Duplicate       bool
	RemainingBefore decimal.Decimal
}

// FollowUp is the post-payment hook: when an invoice reaches paid, the
// generator checks whether the guardian needs a follow-up invoice. The
// scheduler provides the implementation.
type FollowUp interface {
	CheckGuardian(ctx context.Context, guardianID snowflake.ID) error
}

type Applier interface {
	Apply(ctx context.Context, invoiceID snowflake.ID, req Request) (*Result, error)
}
