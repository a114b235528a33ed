// Package e2e wires the full billing stack onto an in-memory database and
// drives it through the public service surfaces.
package e2e

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	adjustmentdomain "github.com/lessonbill/lessonbill/internal/adjustment/domain"
	adjustmentservice "github.com/lessonbill/lessonbill/internal/adjustment/service"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	auditservice "github.com/lessonbill/lessonbill/internal/audit/service"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	dispatcherdomain "github.com/lessonbill/lessonbill/internal/dispatcher/domain"
	dispatcherservice "github.com/lessonbill/lessonbill/internal/dispatcher/service"
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
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	paymentservice "github.com/lessonbill/lessonbill/internal/payment/service"
	sequencedomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	sequenceservice "github.com/lessonbill/lessonbill/internal/sequence/service"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type env struct {
	db        *gorm.DB
	clk       *clock.FakeClock
	node      *snowflake.Node
	billing   *config.BillingConfigHolder
	outbox    *events.Outbox
	store     invoicedomain.Store
	audit     auditdomain.Service
	ledger    ledgerdomain.Service
	guardians guardiandomain.Service
	lessons   lessondomain.Selector
	invoices  invoicedomain.Service
	applier   paymentdomain.Applier
	engine    adjustmentdomain.Engine
	dispatch  dispatcherdomain.Dispatcher
}

// newEnv builds the whole billing stack on a private in-memory database. The
// capability flag mirrors what the connection layer reports for in-memory
// sqlite, so the non-transactional code paths get exercised here.
func newEnv(t *testing.T) *env {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, conn.AutoMigrate(
		&guardiandomain.Guardian{},
		&guardiandomain.Student{},
		&ledgerdomain.Teacher{},
		&lessondomain.Class{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.PaymentLogEntry{},
		&invoicedomain.ActivityEntry{},
		&invoicedomain.DeliveryEntry{},
		&paymentdomain.Payment{},
		&auditdomain.Entry{},
		&sequencedomain.Counter{},
		&ledgerdomain.HourLedgerEntry{},
		&ledgerdomain.EarningLedgerEntry{},
		&ledgerdomain.TeacherMonthRollup{},
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
	applier := paymentservice.NewApplier(paymentservice.Params{
		DB: conn, Caps: caps, Log: log, Clock: clk, GenID: node, BillingCfg: billing,
		Store: store, Guardians: guardians, Lessons: lessons, Ledger: ledgerSvc,
		Audit: auditSvc, Outbox: outbox,
	})
	engine := adjustmentservice.NewEngine(adjustmentservice.Params{
		DB: conn, Caps: caps, Log: log, Clock: clk, GenID: node, BillingCfg: billing,
		Store: store, Guardians: guardians, Lessons: lessons, Audit: auditSvc, Outbox: outbox,
	})
	dispatch := dispatcherservice.NewService(dispatcherservice.Params{
		DB: conn, Caps: caps, Log: log, Clock: clk, GenID: node, BillingCfg: billing,
		Store: store, Invoices: invoices, Engine: engine, Guardians: guardians,
		Ledger: ledgerSvc, Lessons: lessons, Audit: auditSvc,
	})

	return &env{
		db:        conn,
		clk:       clk,
		node:      node,
		billing:   billing,
		outbox:    outbox,
		store:     store,
		audit:     auditSvc,
		ledger:    ledgerSvc,
		guardians: guardians,
		lessons:   lessons,
		invoices:  invoices,
		applier:   applier,
		engine:    engine,
		dispatch:  dispatch,
	}
}

func adminCtx() context.Context {
	return actorcontext.WithActor(context.Background(), actorcontext.Actor{
		Role: actorcontext.RoleAdmin,
		Name: "tester",
	})
}

func (e *env) seedGuardian(t *testing.T, rate, fee string) *guardiandomain.Guardian {
	t.Helper()
	g := &guardiandomain.Guardian{
		ID:                e.node.Generate(),
		FirstName:         "Grace",
		LastName:          "Lee",
		Email:             "grace@example.com",
		HourlyRate:        dec(rate),
		TransferFeeMode:   guardiandomain.TransferFeeModeFixed,
		TransferFeeAmount: dec(fee),
		CreatedAt:         e.clk.Now(),
		UpdatedAt:         e.clk.Now(),
	}
	require.NoError(t, e.db.Create(g).Error)
	return g
}

func (e *env) seedStudent(t *testing.T, guardianID snowflake.ID) *guardiandomain.Student {
	t.Helper()
	s := &guardiandomain.Student{
		ID:         e.node.Generate(),
		GuardianID: guardianID,
		FirstName:  "Sam",
		LastName:   "Lee",
		CreatedAt:  e.clk.Now(),
		UpdatedAt:  e.clk.Now(),
	}
	require.NoError(t, e.db.Create(s).Error)
	return s
}

func (e *env) seedTeacher(t *testing.T) *ledgerdomain.Teacher {
	t.Helper()
	teacher := &ledgerdomain.Teacher{
		ID:        e.node.Generate(),
		FirstName: "Tara",
		LastName:  "Ng",
		CreatedAt: e.clk.Now(),
	}
	require.NoError(t, e.db.Create(teacher).Error)
	return teacher
}

func (e *env) seedClass(t *testing.T, guardianID, studentID, teacherID snowflake.ID, at time.Time, minutes int, status lessondomain.ClassStatus) *lessondomain.Class {
	t.Helper()
	class := &lessondomain.Class{
		ID:              e.node.Generate(),
		GuardianID:      guardianID,
		TeacherID:       teacherID,
		StudentID:       studentID,
		Description:     "Piano lesson",
		ScheduledAt:     at,
		DurationMinutes: minutes,
		Status:          status,
		CreatedAt:       e.clk.Now(),
		UpdatedAt:       e.clk.Now(),
	}
	require.NoError(t, e.db.Create(class).Error)
	return class
}

func (e *env) reloadClass(t *testing.T, id snowflake.ID) *lessondomain.Class {
	t.Helper()
	var class lessondomain.Class
	require.NoError(t, e.db.Where("id = ?", id).First(&class).Error)
	return &class
}

func (e *env) reloadGuardian(t *testing.T, id snowflake.ID) *guardiandomain.Guardian {
	t.Helper()
	var g guardiandomain.Guardian
	require.NoError(t, e.db.Where("id = ?", id).First(&g).Error)
	return &g
}

func (e *env) reload(t *testing.T, id snowflake.ID) *invoicedomain.Aggregate {
	t.Helper()
	agg, err := e.store.Load(context.Background(), id)
	require.NoError(t, err)
	return agg
}

func itemInputFromClass(class *lessondomain.Class) invoicedomain.ItemInput {
	classID := class.ID
	studentID := class.StudentID
	teacherID := class.TeacherID
	return invoicedomain.ItemInput{
		ClassID:         &classID,
		StudentID:       &studentID,
		TeacherID:       &teacherID,
		Description:     class.Description,
		Date:            class.ScheduledAt,
		DurationMinutes: class.DurationMinutes,
		Attended:        class.Status == lessondomain.StatusAttended,
		Status:          string(class.Status),
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func eqDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(want)), "want %s, got %s", want, got.String())
}
