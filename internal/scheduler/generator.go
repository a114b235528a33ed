package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/lessonbill/lessonbill/internal/notification"
	"github.com/lessonbill/lessonbill/internal/observability/metrics"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type GeneratorParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
	Guardians  guardiandomain.Service
	Lessons    lessondomain.Selector
	Invoices   invoicedomain.Service
	Cfg        Config                `optional:"true"`
	Metrics    *metrics.Metrics      `optional:"true"`
	Notifier   notification.Notifier `optional:"true"`
}

// ZeroHourGenerator creates a pay-as-you-go invoice when a guardian's hour
// balance runs out. It doubles as the payment follow-up hook so a payment
// that drains the balance triggers the next invoice immediately.
type ZeroHourGenerator struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
	guardians  guardiandomain.Service
	lessons    lessondomain.Selector
	invoices   invoicedomain.Service
	cfg        Config
	metrics    *metrics.Metrics
	notifier   notification.Notifier
}

func NewZeroHourGenerator(p GeneratorParams) *ZeroHourGenerator {
	return &ZeroHourGenerator{
		db:         p.DB,
		log:        p.Log.Named("scheduler.generator"),
		clock:      p.Clock,
		billingCfg: p.BillingCfg,
		guardians:  p.Guardians,
		lessons:    p.Lessons,
		invoices:   p.Invoices,
		cfg:        p.Cfg.withDefaults(),
		metrics:    p.Metrics,
		notifier:   p.Notifier,
	}
}

var _ paymentdomain.FollowUp = (*ZeroHourGenerator)(nil)

// CheckGuardian generates a PAYG invoice if the guardian's balance is at or
// below the configured threshold. A guardian with no upcoming billable
// classes is suppressed with an admin notification rather than an error.
func (g *ZeroHourGenerator) CheckGuardian(ctx context.Context, guardianID snowflake.ID) error {
	guardian, err := g.guardians.GetByID(ctx, guardianID)
	if err != nil {
		return err
	}

	billing := g.billingCfg.Get()
	threshold := decimal.NewFromInt(int64(billing.ZeroHourThresholdMinutes)).
		Div(decimal.NewFromInt(60)).Round(3)
	if guardian.TotalHours.GreaterThan(threshold) {
		return nil
	}

	open, err := g.hasOpenGeneratedInvoice(ctx, guardianID)
	if err != nil {
		return err
	}
	if open {
		return nil
	}

	now := g.clock.Now()
	horizon := now.AddDate(0, 0, g.cfg.PAYGHorizonDays)

	rate := guardian.HourlyRate
	if !rate.IsPositive() {
		rate = decimal.NewFromFloat(billing.DefaultHourlyRate)
	}
	candidates, err := g.lessons.Select(ctx, guardianID, lessondomain.Window{Start: &now, End: &horizon}, rate, lessondomain.SelectOptions{
		Limit: billing.MaxInvoiceItems,
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		g.log.Info("zero-hour invoice suppressed",
			zap.Int64("guardian_id", int64(guardianID)),
			zap.String("reason", "no_future_classes_zero_balance"))
		if g.notifier != nil {
			g.notifier.Notify(ctx, notification.Notification{
				Kind:      notification.KindGeneratorSuppressed,
				Recipient: notification.Recipient{AdminOnly: true},
				Detail: map[string]any{
					"guardian_id": guardianID.String(),
					"balance":     guardian.TotalHours.String(),
				},
			})
		}
		return nil
	}

	agg, err := g.invoices.Create(ctx, invoicedomain.CreateInput{
		Kind:          invoicedomain.KindGuardianInvoice,
		GuardianID:    &guardianID,
		PeriodStart:   &now,
		PeriodEnd:     &horizon,
		AutoGenerated: true,
	})
	if err != nil {
		return err
	}

	g.log.Info("zero-hour invoice generated",
		zap.Int64("guardian_id", int64(guardianID)),
		zap.Int64("invoice_id", int64(agg.Invoice.ID)),
		zap.Int("items", len(agg.Items)))
	g.metrics.RecordInvoiceGenerated(ctx, "zero_hour")
	return nil
}

// hasOpenGeneratedInvoice guards against stacking PAYG invoices on a guardian
// who simply has not paid the last one yet.
func (g *ZeroHourGenerator) hasOpenGeneratedInvoice(ctx context.Context, guardianID snowflake.ID) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM invoices
		 WHERE guardian_id = ?
		   AND kind = ?
		   AND status IN ('draft', 'pending', 'sent', 'overdue')
		   AND deleted_at IS NULL`,
		guardianID,
		invoicedomain.KindGuardianInvoice,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
