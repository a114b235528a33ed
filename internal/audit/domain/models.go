// Package domain defines the immutable audit trail attached to invoices.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Severity flags entries that need operator attention.
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityHigh   Severity = "high"
)

// FieldDiff is the before/after pair for one changed attribute.
type FieldDiff struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Entry is one immutable audit record. Diff maps attribute name to its
// before/after values; Metadata carries action-specific context.
type Entry struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	InvoiceID  snowflake.ID      `gorm:"not null;index" json:"invoice_id"`
	ActorRole  string            `gorm:"type:text;not null" json:"actor_role"`
	ActorID    *snowflake.ID     `gorm:"index" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:text;not null;index" json:"action"`
	Severity   Severity          `gorm:"type:text;not null;default:'normal'" json:"severity"`
	Diff       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"diff"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	Summary    string            `gorm:"type:text" json:"summary"`
	RolledBack bool              `gorm:"not null;default:false" json:"rolled_back"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

func (Entry) TableName() string { return "audit_entries" }

// Record is the write-side input for a new entry.
type Record struct {
	InvoiceID snowflake.ID
	Action    string
	Severity  Severity
	Diff      map[string]FieldDiff
	Metadata  map[string]any
	Summary   string
}

type Service interface {
	Record(ctx context.Context, rec Record) (*Entry, error)
	RecordTx(ctx context.Context, tx *gorm.DB, rec Record) (*Entry, error)
	ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]Entry, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Entry, error)
	MarkRolledBack(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
}

var (
	ErrInvalidAction  = errors.New("invalid_action")
	ErrInvalidInvoice = errors.New("invalid_invoice")
	ErrEntryNotFound  = errors.New("audit_entry_not_found")
)
