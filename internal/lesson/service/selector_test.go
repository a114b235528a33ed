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
	"github.com/lessonbill/lessonbill/internal/config"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	node     *snowflake.Node
	selector lessondomain.Selector
	guardian snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&guardiandomain.Guardian{},
		&lessondomain.Class{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
	))

	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	selector := NewService(Params{
		DB:         conn,
		Log:        zaptest.NewLogger(t),
		Clock:      clk,
		BillingCfg: config.NewBillingConfigHolderFrom(config.DefaultBillingConfig()),
	})

	return &fixture{
		db:       conn,
		clk:      clk,
		node:     node,
		selector: selector,
		guardian: node.Generate(),
	}
}

func (f *fixture) addClass(t *testing.T, at time.Time, minutes int, status lessondomain.ClassStatus) *lessondomain.Class {
	t.Helper()
	class := &lessondomain.Class{
		ID:              f.node.Generate(),
		GuardianID:      f.guardian,
		TeacherID:       f.node.Generate(),
		StudentID:       f.node.Generate(),
		ScheduledAt:     at,
		DurationMinutes: minutes,
		Status:          status,
		CreatedAt:       f.clk.Now(),
		UpdatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.db.Create(class).Error)
	return class
}

func classIDs(candidates []lessondomain.Candidate) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Class.ID)
	}
	return ids
}

func TestSelectOrdersChronologically(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	later := f.addClass(t, now.AddDate(0, 0, 5), 60, lessondomain.StatusScheduled)
	earlier := f.addClass(t, now.AddDate(0, 0, -2), 60, lessondomain.StatusAttended)

	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{earlier.ID, later.ID}, classIDs(candidates))
}

func TestSelectEligibilityByStatus(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	future := now.AddDate(0, 0, 5)

	attended := f.addClass(t, now.AddDate(0, 0, -10), 60, lessondomain.StatusAttended)
	missed := f.addClass(t, now.AddDate(0, 0, -9), 60, lessondomain.StatusMissedByStudent)
	futureScheduled := f.addClass(t, future, 60, lessondomain.StatusScheduled)
	f.addClass(t, future.AddDate(0, 0, 1), 60, lessondomain.StatusCancelledByGuard)
	f.addClass(t, future.AddDate(0, 0, 2), 60, lessondomain.StatusOnHold)

	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{attended.ID, missed.ID, futureScheduled.ID}, classIDs(candidates))
}

func TestSelectPastScheduledHonoursReportWindow(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	// ReportWindowDays defaults to 3: a scheduled lesson 2 days back is still
	// reportable, one 5 days back is not.
	inWindow := f.addClass(t, now.AddDate(0, 0, -2), 60, lessondomain.StatusScheduled)
	f.addClass(t, now.AddDate(0, 0, -5), 60, lessondomain.StatusScheduled)

	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{inWindow.ID}, classIDs(candidates))

	// An explicit extension reopens the window.
	extended := f.addClass(t, now.AddDate(0, 0, -6), 60, lessondomain.StatusScheduled)
	until := now.AddDate(0, 0, 1)
	extended.ReportExtendedTo = &until
	require.NoError(t, f.db.Save(extended).Error)

	candidates, err = f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{extended.ID, inWindow.ID}, classIDs(candidates))
}

func TestSelectCoverageCapIncludesBoundaryLesson(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	first := f.addClass(t, now.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled)
	second := f.addClass(t, now.AddDate(0, 0, 2), 60, lessondomain.StatusScheduled)
	f.addClass(t, now.AddDate(0, 0, 3), 60, lessondomain.StatusScheduled)

	capHours := decimal.NewFromInt(2)
	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{CoverageCapHours: &capHours})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{first.ID, second.ID}, classIDs(candidates))
}

func TestSelectSkipsInvoicedAndPaidClasses(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	free := f.addClass(t, now.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled)
	invoiced := f.addClass(t, now.AddDate(0, 0, 2), 60, lessondomain.StatusScheduled)
	paid := f.addClass(t, now.AddDate(0, 0, 3), 60, lessondomain.StatusScheduled)
	paid.PaidByGuardian = true
	require.NoError(t, f.db.Save(paid).Error)

	inv := invoicedomain.Invoice{
		ID:            f.node.Generate(),
		Kind:          invoicedomain.KindGuardianInvoice,
		InvoiceNumber: "INV-000001",
		InvoiceName:   "Invoice #1",
		Slug:          "inv-000001-x",
		Status:        invoicedomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.db.Create(&inv).Error)
	classID := invoiced.ID
	require.NoError(t, f.db.Create(&invoicedomain.LineItem{
		ID:              f.node.Generate(),
		InvoiceID:       inv.ID,
		ClassID:         &classID,
		LessonID:        classID.String(),
		Date:            invoiced.ScheduledAt,
		DurationMinutes: 60,
		Rate:            decimal.NewFromInt(10),
		Amount:          decimal.NewFromInt(10),
		CreatedAt:       now,
	}).Error)

	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{free.ID}, classIDs(candidates))

	// A cancelled invoice releases its lessons back to selection.
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", inv.ID).
		Update("status", invoicedomain.StatusCancelled).Error)

	candidates, err = f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{free.ID, invoiced.ID}, classIDs(candidates))
}

func TestSelectWindowAndExclusions(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	inside := f.addClass(t, now.AddDate(0, 0, 2), 60, lessondomain.StatusScheduled)
	excluded := f.addClass(t, now.AddDate(0, 0, 3), 60, lessondomain.StatusScheduled)
	f.addClass(t, now.AddDate(0, 1, 0), 60, lessondomain.StatusScheduled)

	start := now
	end := now.AddDate(0, 0, 7)
	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{Start: &start, End: &end}, decimal.NewFromInt(10),
		lessondomain.SelectOptions{ExcludeClassIDs: []snowflake.ID{excluded.ID}})
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{inside.ID}, classIDs(candidates))
}

func TestSelectResolvesRateFromGuardian(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	require.NoError(t, f.db.Create(&guardiandomain.Guardian{
		ID:         f.guardian,
		FirstName:  "Grace",
		LastName:   "Lee",
		Email:      "grace@example.com",
		HourlyRate: decimal.NewFromInt(25),
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error)
	f.addClass(t, now.AddDate(0, 0, 1), 90, lessondomain.StatusScheduled)

	candidates, err := f.selector.Select(context.Background(), f.guardian,
		lessondomain.Window{}, decimal.Zero, lessondomain.SelectOptions{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].Rate.Equal(decimal.NewFromInt(25)))
	assert.True(t, candidates[0].Amount.Equal(decimal.RequireFromString("37.5")), "got %s", candidates[0].Amount)
}

func TestSelectRejectsZeroGuardian(t *testing.T) {
	f := newFixture(t)
	_, err := f.selector.Select(context.Background(), 0,
		lessondomain.Window{}, decimal.NewFromInt(10), lessondomain.SelectOptions{})
	assert.ErrorIs(t, err, lessondomain.ErrInvalidGuardian)
}
