package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (c *captureSink) Publish(_ context.Context, eventType string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func newTestOutbox(t *testing.T) (*Outbox, *captureSink, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&OutboxRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sink := &captureSink{}
	return NewOutbox(conn, zaptest.NewLogger(t), node, sink), sink, conn
}

func TestPublishTxAndDrain(t *testing.T) {
	outbox, sink, conn := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.PublishTx(ctx, conn, Event{
		Type:    EventInvoiceCreated,
		Payload: map[string]any{"invoice_id": "1"},
	}))
	require.NoError(t, outbox.PublishTx(ctx, conn, Event{
		Type:    EventInvoicePaid,
		Payload: map[string]any{"invoice_id": "1"},
	}))

	published, err := outbox.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, []string{EventInvoiceCreated, EventInvoicePaid}, sink.events)

	// Drained events stay drained.
	published, err = outbox.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Len(t, sink.events, 2)
}

func TestPublishTxDedupesOnKey(t *testing.T) {
	outbox, sink, conn := newTestOutbox(t)
	ctx := context.Background()

	event := Event{
		Type:      EventInvoicePaid,
		Payload:   map[string]any{"invoice_id": "1"},
		DedupeKey: "invoice:1:paid",
	}
	require.NoError(t, outbox.PublishTx(ctx, conn, event))
	require.NoError(t, outbox.PublishTx(ctx, conn, event))

	published, err := outbox.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, []string{EventInvoicePaid}, sink.events)
}

func TestPublishTxIgnoresEmptyType(t *testing.T) {
	outbox, _, conn := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.PublishTx(ctx, conn, Event{}))

	var count int64
	require.NoError(t, conn.Model(&OutboxRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDrainHonoursLimit(t *testing.T) {
	outbox, sink, conn := newTestOutbox(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, outbox.PublishTx(ctx, conn, Event{
			Type:    EventInvoiceUpdated,
			Payload: map[string]any{"n": i},
		}))
	}

	published, err := outbox.Drain(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, published)

	published, err = outbox.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Len(t, sink.events, 5)
}
