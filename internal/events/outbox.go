// Package events implements the transactional outbox. Services append events
// while a database transaction is open; the outbox persists them in the same
// transaction and a publisher drains them to the realtime sink after commit.
// Events are advisory: a crash before publish loses them but never leaves
// billing state inconsistent.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types emitted on the realtime channel.
const (
	EventInvoiceCreated            = "invoice:created"
	EventInvoiceUpdated            = "invoice:updated"
	EventInvoicePaid               = "invoice:paid"
	EventInvoicePartiallyPaid      = "invoice:partially_paid"
	EventInvoiceRefunded           = "invoice:refunded"
	EventInvoiceDeleted            = "invoice:deleted"
	EventInvoiceRestored           = "invoice:restored"
	EventInvoicePermanentlyDeleted = "invoice:permanentlyDeleted"
	EventDashboardStatsUpdated     = "dashboard:statsUpdated"
)

// Event is a single outbox record.
type Event struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxRecord is the persisted form of a pending event.
type OutboxRecord struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	EventType   string         `gorm:"type:text;not null;index"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex:ux_outbox_dedupe"`
	CreatedAt   time.Time      `gorm:"not null"`
	PublishedAt *time.Time     `gorm:""`
}

func (OutboxRecord) TableName() string { return "outbox_events" }

// Sink receives published events. Implementations must not block; delivery is
// fire-and-forget.
type Sink interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	sink  Sink
}

func NewOutbox(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, sink Sink) *Outbox {
	return &Outbox{db: db, log: log.Named("events.outbox"), genID: genID, sink: sink}
}

// PublishTx persists the event inside the caller's transaction. Duplicate
// dedupe keys are dropped silently.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if event.Type == "" {
		return nil
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	dedupe := event.DedupeKey
	if dedupe == "" {
		dedupe = event.Type + ":" + o.genID.Generate().String()
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, event_type, payload, dedupe_key, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.Type,
		datatypes.JSON(payload),
		dedupe,
		time.Now().UTC(),
	).Error
}

// Drain publishes up to limit unpublished events to the sink and marks them
// published. Called after commit by services and periodically by the
// scheduler to catch events left behind by crashed workers.
func (o *Outbox) Drain(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []OutboxRecord
	if err := o.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&records).Error; err != nil {
		return 0, err
	}

	published := 0
	for _, record := range records {
		var payload map[string]any
		if len(record.Payload) > 0 {
			if err := json.Unmarshal(record.Payload, &payload); err != nil {
				o.log.Warn("dropping undecodable outbox event",
					zap.String("event_type", record.EventType),
					zap.Error(err))
			}
		}
		if o.sink != nil {
			o.sink.Publish(ctx, record.EventType, payload)
		}

		now := time.Now().UTC()
		if err := o.db.WithContext(ctx).Exec(
			`UPDATE outbox_events SET published_at = ? WHERE id = ?`,
			now,
			record.ID,
		).Error; err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
