package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Aggregate bundles the invoice row with its side tables for callers that
// need the whole picture at once.
type Aggregate struct {
	Invoice Invoice
	Items   []LineItem
	Logs    []PaymentLogEntry
}

// Store is the aggregate persistence surface. Payment, adjustment and
// dispatcher services depend on it rather than on the invoice service.
type Store interface {
	Load(ctx context.Context, id snowflake.ID) (*Aggregate, error)
	LoadTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*Aggregate, error)
	FindBySlug(ctx context.Context, slug string) (*Aggregate, error)

	// SaveTx persists the invoice row guarded by the version column; a stale
	// version returns ErrConflict.
	SaveTx(ctx context.Context, tx *gorm.DB, inv *Invoice) error

	InsertItemsTx(ctx context.Context, tx *gorm.DB, items []LineItem) error
	DeleteItemsTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, itemIDs []snowflake.ID) error
	UpdateItemTx(ctx context.Context, tx *gorm.DB, item *LineItem) error

	AppendLogTx(ctx context.Context, tx *gorm.DB, entry *PaymentLogEntry) error
	DeleteLogsTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error
	AppendActivityTx(ctx context.Context, tx *gorm.DB, entry *ActivityEntry) error
	AppendDeliveryTx(ctx context.Context, tx *gorm.DB, entry *DeliveryEntry) error
	ListDeliveries(ctx context.Context, invoiceID snowflake.ID) ([]DeliveryEntry, error)

	// ActiveInvoiceForClass resolves invariant 5: at most one active invoice
	// may claim a lesson.
	ActiveInvoiceForClass(ctx context.Context, tx *gorm.DB, classID snowflake.ID) (*Invoice, error)
	// RemoveClassFromOtherUnpaid strips the classes from every unpaid invoice
	// other than keepID and returns the touched invoice ids.
	RemoveClassFromOtherUnpaid(ctx context.Context, tx *gorm.DB, keepID snowflake.ID, classIDs []snowflake.ID) ([]snowflake.ID, error)
}

// ItemInput describes one item to add.
type ItemInput struct {
	ClassID          *snowflake.ID
	StudentID        *snowflake.ID
	StudentFirstName string
	StudentLastName  string
	StudentEmail     string
	TeacherID        *snowflake.ID
	TeacherFirstName string
	TeacherLastName  string
	Description      string
	Date             time.Time
	DurationMinutes  int
	Rate             decimal.Decimal
	Attended         bool
	Status           string

	ExcludeFromStudentBalance bool
	ExemptFromGuardian        bool
	ExcludeFromTeacherPayment bool
}

// ItemEdit patches one existing item.
type ItemEdit struct {
	ItemID          snowflake.ID
	DurationMinutes *int
	Attended        *bool
	Description     *string
	Rate            *decimal.Decimal
}

// ItemsUpdate is the combined item mutation request.
type ItemsUpdate struct {
	Add    []ItemInput
	Remove []snowflake.ID
	Edit   []ItemEdit
}

// ItemsPreview is the dry-run result of an ItemsUpdate.
type ItemsPreview struct {
	Items    []LineItem
	Subtotal decimal.Decimal
	Total    decimal.Decimal
}

// CreateInput drives both the manual path (draft) and the generator path
// (pending).
type CreateInput struct {
	Kind        Kind
	GuardianID  *snowflake.ID
	TeacherID   *snowflake.ID
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Month       int
	Year        int
	DueAt       *time.Time

	Name     string
	Coverage Coverage
	Items    []ItemInput

	Discount decimal.Decimal
	LateFee  decimal.Decimal

	ExcludedClassIDs []snowflake.ID

	// AutoGenerated invoices start pending and auto-select lessons for the
	// billing window when no explicit items are given.
	AutoGenerated bool
}

// MetadataUpdate edits invoice header fields. Nil pointers mean "unchanged".
type MetadataUpdate struct {
	Name     *string
	DueAt    *time.Time
	Discount *decimal.Decimal
	LateFee  *decimal.Decimal
	Tip      *decimal.Decimal
	Note     *string
}

// PreviewTotals carries admin-computed totals applied without recalculation.
type PreviewTotals struct {
	Subtotal      decimal.Decimal
	Total         decimal.Decimal
	AdjustedTotal decimal.Decimal
}

// CoverageUpdate replaces the coverage block. When the invoice already has
// payments and Preview is nil, totals are left untouched.
type CoverageUpdate struct {
	Coverage   Coverage
	Preview    *PreviewTotals
	Resnapshot bool
}

// ListFilter mirrors the list endpoint query surface. Status accepts the
// aggregate values "paid"/"unpaid" as well as literal states.
type ListFilter struct {
	Status         string
	Kind           Kind
	GuardianID     *snowflake.ID
	TeacherID      *snowflake.ID
	Search         string
	From           *time.Time
	To             *time.Time
	IncludeDeleted bool
	SmartSort      bool
	Pagination     pagination.Pagination
}

// Stats is the dashboard aggregate.
type Stats struct {
	TotalCount       int64           `json:"total_count"`
	PaidCount        int64           `json:"paid_count"`
	UnpaidCount      int64           `json:"unpaid_count"`
	OverdueCount     int64           `json:"overdue_count"`
	TotalBilled      decimal.Decimal `json:"total_billed"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
}

// Service is the invoice lifecycle authority used by the transport layer and
// by the generator, dispatcher and CLI surfaces.
type Service interface {
	Create(ctx context.Context, in CreateInput) (*Aggregate, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Aggregate, error)
	GetPublicBySlug(ctx context.Context, slug string) (*Aggregate, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, *pagination.PageInfo, error)
	GetStats(ctx context.Context, guardianID *snowflake.ID) (*Stats, error)

	UpdateMetadata(ctx context.Context, id snowflake.ID, in MetadataUpdate) (*Aggregate, error)
	UpdateCoverage(ctx context.Context, id snowflake.ID, in CoverageUpdate) (*Aggregate, error)
	ApplyPreviewTotals(ctx context.Context, id snowflake.ID, in PreviewTotals) (*Aggregate, error)
	UpdateItems(ctx context.Context, id snowflake.ID, in ItemsUpdate, cmd Command) (*Aggregate, error)
	PreviewItems(ctx context.Context, id snowflake.ID, in ItemsUpdate) (*ItemsPreview, error)

	MarkSent(ctx context.Context, id snowflake.ID, channel string) (*Aggregate, error)
	MarkUnpaid(ctx context.Context, id snowflake.ID) (*Aggregate, error)
	Cancel(ctx context.Context, id snowflake.ID) (*Aggregate, error)
	SoftDelete(ctx context.Context, id snowflake.ID) error
	Restore(ctx context.Context, id snowflake.ID) (*Aggregate, error)
	PermanentDelete(ctx context.Context, id snowflake.ID) error

	RollbackAudit(ctx context.Context, id snowflake.ID, auditID snowflake.ID) (*Aggregate, error)
	ResequenceUnpaid(ctx context.Context, dryRun bool) (int, error)

	// RecalculateCoverage substitutes eligible unpaid lessons into a settled
	// invoice after an item removal. Reports whether a replacement landed.
	RecalculateCoverage(ctx context.Context, id snowflake.ID) (bool, error)
	// MaybeAddClassToUnpaidInvoice links a fresh class to the guardian's open
	// invoice whose billing window covers it, if any.
	MaybeAddClassToUnpaidInvoice(ctx context.Context, classID snowflake.ID) (*Invoice, error)
}
