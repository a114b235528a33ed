package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/lessonbill/lessonbill/internal/clock"
	sequencedomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) sequencedomain.Allocator {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&sequencedomain.Counter{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(Params{
		DB:    conn,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)),
	})
}

func TestAllocateNextIsMonotonic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := svc.AllocateNext(ctx, sequencedomain.KindGuardianInvoice)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAllocateNextKindsAreIndependent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.AllocateNext(ctx, sequencedomain.KindGuardianInvoice)
	require.NoError(t, err)
	second, err := svc.AllocateNext(ctx, sequencedomain.KindTeacherPayment)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(1), second)
}

func TestAllocateNextRejectsUnknownKind(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.AllocateNext(context.Background(), sequencedomain.Kind("mystery"))
	assert.ErrorIs(t, err, sequencedomain.ErrInvalidKind)
}

func TestEnsureAtLeastAdvancesTheCounter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureAtLeast(ctx, sequencedomain.KindGuardianInvoice, 41))

	got, err := svc.AllocateNext(ctx, sequencedomain.KindGuardianInvoice)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	// A lower floor never rewinds the counter.
	require.NoError(t, svc.EnsureAtLeast(ctx, sequencedomain.KindGuardianInvoice, 3))
	got, err = svc.AllocateNext(ctx, sequencedomain.KindGuardianInvoice)
	require.NoError(t, err)
	assert.Equal(t, int64(43), got)
}

func TestBuildIdentifiers(t *testing.T) {
	svc := newTestService(t)

	ids := svc.BuildIdentifiers(sequencedomain.KindGuardianInvoice, 7, time.January, 2025)
	assert.Equal(t, int64(7), ids.Sequence)
	assert.Equal(t, "INV-000007", ids.InvoiceNumber)
	assert.Equal(t, "Invoice #7 - January 2025", ids.InvoiceName)
	assert.True(t, strings.HasPrefix(ids.Slug, "inv-000007-"), "slug %q", ids.Slug)

	ids = svc.BuildIdentifiers(sequencedomain.KindGuardianInvoice, 7, 0, 0)
	assert.Equal(t, "Invoice #7", ids.InvoiceName)

	ids = svc.BuildIdentifiers(sequencedomain.KindTeacherPayment, 12, time.March, 2025)
	assert.Equal(t, "PAY-000012", ids.InvoiceNumber)
	assert.Equal(t, "Payment #12", ids.InvoiceName)
}

func TestBuildIdentifiersSlugsAreUnique(t *testing.T) {
	svc := newTestService(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ids := svc.BuildIdentifiers(sequencedomain.KindGuardianInvoice, 7, time.January, 2025)
		assert.False(t, seen[ids.Slug], "duplicate slug %q", ids.Slug)
		seen[ids.Slug] = true
	}
}

func TestParseSequenceFromName(t *testing.T) {
	assert.Equal(t, int64(123), ParseSequenceFromName("Invoice #123 - January 2025"))
	assert.Equal(t, int64(45), ParseSequenceFromName("INV-45 draft"))
	assert.Equal(t, int64(0), ParseSequenceFromName("January retainer"))
	assert.Equal(t, int64(0), ParseSequenceFromName(""))
}
