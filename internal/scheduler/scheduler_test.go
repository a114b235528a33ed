package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	auditservice "github.com/lessonbill/lessonbill/internal/audit/service"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/events"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	guardianservice "github.com/lessonbill/lessonbill/internal/guardian/service"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	invoicerepo "github.com/lessonbill/lessonbill/internal/invoice/repository"
	invoiceservice "github.com/lessonbill/lessonbill/internal/invoice/service"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	ledgerservice "github.com/lessonbill/lessonbill/internal/ledger/service"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	lessonservice "github.com/lessonbill/lessonbill/internal/lesson/service"
	sequencedomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	sequenceservice "github.com/lessonbill/lessonbill/internal/sequence/service"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	clk       *clock.FakeClock
	node      *snowflake.Node
	store     invoicedomain.Store
	invoices  invoicedomain.Service
	generator *ZeroHourGenerator
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&guardiandomain.Guardian{},
		&guardiandomain.Student{},
		&lessondomain.Class{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.PaymentLogEntry{},
		&invoicedomain.ActivityEntry{},
		&invoicedomain.DeliveryEntry{},
		&auditdomain.Entry{},
		&sequencedomain.Counter{},
		&ledgerdomain.HourLedgerEntry{},
		&events.OutboxRecord{},
	))

	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	caps := db.Capabilities{SupportsTransactions: false}
	billing := config.NewBillingConfigHolderFrom(config.DefaultBillingConfig())

	outbox := events.NewOutbox(conn, log, node, events.NewLogSink(log))
	store := invoicerepo.NewStore(invoicerepo.Params{DB: conn, Log: log, Clock: clk})
	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node, Clock: clk})
	allocator := sequenceservice.NewService(sequenceservice.Params{DB: conn, Log: log, GenID: node, Clock: clk})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Clock: clk})
	guardians := guardianservice.NewService(guardianservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, LedgerSvc: ledgerSvc,
	})
	lessons := lessonservice.NewService(lessonservice.Params{
		DB: conn, Log: log, Clock: clk, BillingCfg: billing,
	})
	invoices := invoiceservice.NewService(invoiceservice.Params{
		DB: conn, Caps: caps, Log: log, Clock: clk, GenID: node, BillingCfg: billing,
		Store: store, Allocator: allocator, Guardians: guardians, Lessons: lessons,
		Audit: auditSvc, Outbox: outbox,
	})
	generator := NewZeroHourGenerator(GeneratorParams{
		DB: conn, Log: log, Clock: clk, BillingCfg: billing,
		Guardians: guardians, Lessons: lessons, Invoices: invoices,
	})
	sched, err := New(Params{
		DB: conn, Caps: caps, Log: log, Clock: clk,
		Store: store, Generator: generator, Outbox: outbox,
		Cfg: Config{BatchSize: 10},
	})
	require.NoError(t, err)

	return &fixture{
		db:        conn,
		clk:       clk,
		node:      node,
		store:     store,
		invoices:  invoices,
		generator: generator,
		scheduler: sched,
	}
}

func (f *fixture) seedInvoice(t *testing.T, status invoicedomain.Status, dueAt *time.Time) *invoicedomain.Invoice {
	t.Helper()
	inv := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		Kind:          invoicedomain.KindGuardianInvoice,
		InvoiceNumber: fmt.Sprintf("INV-%06d", f.node.Generate()%1000000),
		InvoiceName:   "Invoice",
		Slug:          fmt.Sprintf("inv-%d", f.node.Generate()),
		Status:        status,
		DueAt:         dueAt,
		Version:       1,
		CreatedAt:     f.clk.Now(),
		UpdatedAt:     f.clk.Now(),
	}
	require.NoError(t, f.db.Create(inv).Error)
	return inv
}

func (f *fixture) status(t *testing.T, id snowflake.ID) invoicedomain.Status {
	t.Helper()
	agg, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	return agg.Invoice.Status
}

func TestOverdueTickFlipsPastDueInvoices(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	past := now.AddDate(0, 0, -1)
	future := now.AddDate(0, 0, 7)

	pastPending := f.seedInvoice(t, invoicedomain.StatusPending, &past)
	pastSent := f.seedInvoice(t, invoicedomain.StatusSent, &past)
	pastPartial := f.seedInvoice(t, invoicedomain.StatusPartiallyPaid, &past)
	pastPaid := f.seedInvoice(t, invoicedomain.StatusPaid, &past)
	futurePending := f.seedInvoice(t, invoicedomain.StatusPending, &future)
	noDue := f.seedInvoice(t, invoicedomain.StatusPending, nil)

	require.NoError(t, f.scheduler.OverdueTickJob(context.Background()))

	assert.Equal(t, invoicedomain.StatusOverdue, f.status(t, pastPending.ID))
	assert.Equal(t, invoicedomain.StatusOverdue, f.status(t, pastSent.ID))
	assert.Equal(t, invoicedomain.StatusOverdue, f.status(t, pastPartial.ID))
	assert.Equal(t, invoicedomain.StatusPaid, f.status(t, pastPaid.ID))
	assert.Equal(t, invoicedomain.StatusPending, f.status(t, futurePending.ID))
	assert.Equal(t, invoicedomain.StatusPending, f.status(t, noDue.ID))
}

func TestOverdueTickIsIdempotent(t *testing.T) {
	f := newFixture(t)
	past := f.clk.Now().AddDate(0, 0, -1)
	inv := f.seedInvoice(t, invoicedomain.StatusSent, &past)

	require.NoError(t, f.scheduler.OverdueTickJob(context.Background()))
	require.NoError(t, f.scheduler.OverdueTickJob(context.Background()))

	assert.Equal(t, invoicedomain.StatusOverdue, f.status(t, inv.ID))
}

func (f *fixture) seedGuardian(t *testing.T, hours string) *guardiandomain.Guardian {
	t.Helper()
	g := &guardiandomain.Guardian{
		ID:         f.node.Generate(),
		FirstName:  "Grace",
		LastName:   "Lee",
		Email:      "grace@example.com",
		HourlyRate: decimal.NewFromInt(10),
		TotalHours: decimal.RequireFromString(hours),
		CreatedAt:  f.clk.Now(),
		UpdatedAt:  f.clk.Now(),
	}
	require.NoError(t, f.db.Create(g).Error)
	return g
}

func (f *fixture) seedFutureClass(t *testing.T, guardianID snowflake.ID, daysAhead int) *lessondomain.Class {
	t.Helper()
	class := &lessondomain.Class{
		ID:              f.node.Generate(),
		GuardianID:      guardianID,
		TeacherID:       f.node.Generate(),
		StudentID:       f.node.Generate(),
		ScheduledAt:     f.clk.Now().AddDate(0, 0, daysAhead),
		DurationMinutes: 60,
		Status:          lessondomain.StatusScheduled,
		CreatedAt:       f.clk.Now(),
		UpdatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.db.Create(class).Error)
	return class
}

func (f *fixture) invoiceCount(t *testing.T, guardianID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("guardian_id = ?", guardianID).
		Count(&count).Error)
	return count
}

func TestZeroHourGeneratorCreatesFollowUpInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.seedGuardian(t, "0.5")
	f.seedFutureClass(t, g.ID, 7)
	f.seedFutureClass(t, g.ID, 14)

	require.NoError(t, f.generator.CheckGuardian(ctx, g.ID))
	require.Equal(t, int64(1), f.invoiceCount(t, g.ID))

	var inv invoicedomain.Invoice
	require.NoError(t, f.db.Where("guardian_id = ?", g.ID).First(&inv).Error)
	assert.Equal(t, invoicedomain.StatusPending, inv.Status)

	var items int64
	require.NoError(t, f.db.Model(&invoicedomain.LineItem{}).
		Where("invoice_id = ?", inv.ID).
		Count(&items).Error)
	assert.Equal(t, int64(2), items)

	// An open generated invoice suppresses stacking another on top.
	require.NoError(t, f.generator.CheckGuardian(ctx, g.ID))
	require.Equal(t, int64(1), f.invoiceCount(t, g.ID))
}

func TestZeroHourGeneratorSkipsHealthyBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.seedGuardian(t, "5")
	f.seedFutureClass(t, g.ID, 7)

	require.NoError(t, f.generator.CheckGuardian(ctx, g.ID))
	assert.Zero(t, f.invoiceCount(t, g.ID))
}

func TestZeroHourGeneratorSuppressedWithoutFutureLessons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.seedGuardian(t, "0")

	require.NoError(t, f.generator.CheckGuardian(ctx, g.ID))
	assert.Zero(t, f.invoiceCount(t, g.ID))
}

func TestZeroHourJobSweepsLowBalanceGuardians(t *testing.T) {
	f := newFixture(t)

	low := f.seedGuardian(t, "0")
	f.seedFutureClass(t, low.ID, 5)
	healthy := f.seedGuardian(t, "8")
	f.seedFutureClass(t, healthy.ID, 5)

	require.NoError(t, f.scheduler.ZeroHourJob(context.Background()))

	assert.Equal(t, int64(1), f.invoiceCount(t, low.ID))
	assert.Zero(t, f.invoiceCount(t, healthy.ID))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{BatchSize: 5, EnabledJobs: []string{"overdue_tick"}}.withDefaults()
	assert.Equal(t, 5, custom.BatchSize)
	assert.Equal(t, DefaultConfig().RunInterval, custom.RunInterval)
	assert.Equal(t, []string{"overdue_tick"}, custom.EnabledJobs)
}
