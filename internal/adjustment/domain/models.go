// Package domain defines the refund and post-payment adjustment contracts.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

// RefundInput is one refund request. Amount must equal hours x rate plus the
// proportional transfer fee within the refund epsilon.
type RefundInput struct {
	Amount          decimal.Decimal
	RefundHours     decimal.Decimal
	Reason          string
	RefundReference string
	IdempotencyKey  string
}

// Type selects the post-payment adjustment behaviour.
type Type string

const (
	TypeReduction     Type = "reduction"
	TypeIncrease      Type = "increase"
	TypeRemoveLessons Type = "removeLessons"
)

// RemoveMode decides what happens to money and hours when lessons leave a
// settled invoice.
type RemoveMode string

const (
	// RemoveModeRefund returns both money and hours for the removed items.
	RemoveModeRefund RemoveMode = "refund"
	// RemoveModeCompensate keeps money and hours; only the items go.
	RemoveModeCompensate RemoveMode = "compensate"
	// RemoveModeBoth refunds the money but keeps the hours consumed.
	RemoveModeBoth RemoveMode = "both"
)

// Input is one post-payment adjustment.
type Input struct {
	Type          Type
	Amount        *decimal.Decimal
	Hours         *decimal.Decimal
	Items         []invoicedomain.ItemInput
	RemoveItemIDs []snowflake.ID
	Mode          RemoveMode
	Reason        string
}

type Engine interface {
	RecordRefund(ctx context.Context, invoiceID snowflake.ID, in RefundInput) (*invoicedomain.Aggregate, error)
	ApplyPostPaymentAdjustment(ctx context.Context, invoiceID snowflake.ID, in Input) (*invoicedomain.Aggregate, error)
}

var (
	ErrNotRefundable = errors.New("invoice_not_refundable")
	ErrInvalidType   = errors.New("invalid_adjustment_type")
	ErrInvalidMode   = errors.New("invalid_remove_mode")
)
