// billctl runs admin billing operations against the configured database.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	"github.com/lessonbill/lessonbill/internal/adjustment"
	"github.com/lessonbill/lessonbill/internal/audit"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/events"
	"github.com/lessonbill/lessonbill/internal/guardian"
	"github.com/lessonbill/lessonbill/internal/invoice"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/lessonbill/lessonbill/internal/ledger"
	"github.com/lessonbill/lessonbill/internal/lesson"
	"github.com/lessonbill/lessonbill/internal/logger"
	"github.com/lessonbill/lessonbill/internal/migration"
	"github.com/lessonbill/lessonbill/internal/notification"
	"github.com/lessonbill/lessonbill/internal/payment"
	"github.com/lessonbill/lessonbill/internal/scheduler"
	"github.com/lessonbill/lessonbill/internal/sequence"
	"github.com/lessonbill/lessonbill/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	flagDryRun     bool
	flagGuardianID string
	flagInvoiceID  string
	flagSinceDays  int
	flagLimit      int
)

func main() {
	root := &cobra.Command{
		Use:           "billctl",
		Short:         "Admin operations for the billing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "report what would change without writing")
	root.PersistentFlags().StringVar(&flagGuardianID, "guardian-id", "", "limit the operation to one guardian")
	root.PersistentFlags().StringVar(&flagInvoiceID, "invoice-id", "", "limit the operation to one invoice")
	root.PersistentFlags().IntVar(&flagSinceDays, "since-days", 0, "only consider records newer than this many days")
	root.PersistentFlags().IntVar(&flagLimit, "limit", 0, "cap the number of records processed")

	root.AddCommand(checkZeroHoursCmd())
	root.AddCommand(resequenceUnpaidCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp starts a headless fx app, hands an admin-scoped context to fn and
// shuts the app down afterwards.
func withApp(fn func(ctx context.Context) error, populate ...any) error {
	app := fx.New(
		fx.NopLogger,
		config.Module,
		logger.Module,
		fx.Provide(func() (*snowflake.Node, error) { return snowflake.NewNode(1) }),
		db.Module,
		clock.Module,
		migration.Module,

		events.Module,
		notification.Module,
		audit.Module,
		sequence.Module,
		guardian.Module,
		lesson.Module,
		ledger.Module,
		invoice.Module,
		payment.Module,
		adjustment.Module,
		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.ProvideLocker),
		fx.Provide(scheduler.NewZeroHourGenerator),

		fx.Populate(populate...),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelStop()
		_ = app.Stop(stopCtx)
	}()

	ctx := actorcontext.WithActor(context.Background(), actorcontext.Actor{
		Role: actorcontext.RoleAdmin,
		Name: "billctl",
	})
	return fn(ctx)
}

func checkZeroHoursCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-zero-hours",
		Short: "Generate pay-as-you-go invoices for guardians out of hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				conn       *gorm.DB
				generator  *scheduler.ZeroHourGenerator
				billingCfg *config.BillingConfigHolder
			)
			return withApp(func(ctx context.Context) error {
				if flagGuardianID != "" {
					id, err := snowflake.ParseString(flagGuardianID)
					if err != nil {
						return fmt.Errorf("invalid guardian id %q", flagGuardianID)
					}
					if flagDryRun {
						fmt.Printf("would check guardian %s\n", id)
						return nil
					}
					return generator.CheckGuardian(ctx, id)
				}

				threshold := float64(billingCfg.Get().ZeroHourThresholdMinutes) / 60.0
				limit := flagLimit
				if limit <= 0 {
					limit = 50
				}
				var ids []snowflake.ID
				if err := conn.WithContext(ctx).Raw(
					`SELECT id FROM guardians WHERE total_hours <= ? ORDER BY id LIMIT ?`,
					threshold, limit,
				).Scan(&ids).Error; err != nil {
					return err
				}

				for _, id := range ids {
					if flagDryRun {
						fmt.Printf("would check guardian %s\n", id)
						continue
					}
					if err := generator.CheckGuardian(ctx, id); err != nil {
						return fmt.Errorf("guardian %s: %w", id, err)
					}
				}
				fmt.Printf("checked %d guardians\n", len(ids))
				return nil
			}, &conn, &generator, &billingCfg)
		},
	}
}

func resequenceUnpaidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resequence-unpaid",
		Short: "Reassign contiguous sequence numbers to unpaid invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc invoicedomain.Service
			return withApp(func(ctx context.Context) error {
				changed, err := svc.ResequenceUnpaid(ctx, flagDryRun)
				if err != nil {
					return err
				}
				if flagDryRun {
					fmt.Printf("would resequence %d invoices\n", changed)
				} else {
					fmt.Printf("resequenced %d invoices\n", changed)
				}
				return nil
			}, &svc)
		},
	}
}
