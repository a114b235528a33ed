// Package notification defines the fire-and-forget notification collaborator.
// The core posts structured events and never awaits delivery; the default
// implementation writes them to the structured log.
package notification

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// Kind names the notification templates the platform delivers.
type Kind string

const (
	KindInvoiceSent         Kind = "invoice_sent"
	KindInvoiceOverdue      Kind = "invoice_overdue"
	KindPaymentReceived     Kind = "payment_received"
	KindRefundRecorded      Kind = "refund_recorded"
	KindGeneratorSuppressed Kind = "no_future_classes_zero_balance"
)

// Recipient selects who the delivery layer should address.
type Recipient struct {
	GuardianID *snowflake.ID `json:"guardian_id,omitempty"`
	TeacherID  *snowflake.ID `json:"teacher_id,omitempty"`
	AdminOnly  bool          `json:"admin_only,omitempty"`
}

// Notification is one structured event handed to the delivery layer.
type Notification struct {
	Kind          Kind           `json:"kind"`
	InvoiceID     snowflake.ID   `json:"invoice_id,omitempty"`
	InvoiceNumber string         `json:"invoice_number,omitempty"`
	Recipient     Recipient      `json:"recipient"`
	ActionLink    string         `json:"action_link,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Notifier posts notifications. Implementations must not block and must not
// surface delivery failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the log. Deployments swap in an email
// or push implementation without the core noticing.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notification")}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) {
	_ = ctx
	fields := []zap.Field{
		zap.String("kind", string(note.Kind)),
		zap.Bool("admin_only", note.Recipient.AdminOnly),
	}
	if note.InvoiceID != 0 {
		fields = append(fields, zap.Int64("invoice_id", int64(note.InvoiceID)))
	}
	if note.InvoiceNumber != "" {
		fields = append(fields, zap.String("invoice_number", note.InvoiceNumber))
	}
	if note.Recipient.GuardianID != nil {
		fields = append(fields, zap.Int64("guardian_id", int64(*note.Recipient.GuardianID)))
	}
	if note.Recipient.TeacherID != nil {
		fields = append(fields, zap.Int64("teacher_id", int64(*note.Recipient.TeacherID)))
	}
	if note.ActionLink != "" {
		fields = append(fields, zap.String("action_link", note.ActionLink))
	}
	if len(note.Detail) > 0 {
		fields = append(fields, zap.Any("detail", note.Detail))
	}
	n.log.Info("notification posted", fields...)
}
