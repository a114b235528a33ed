package migration

import (
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/events"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	sequencedomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunPostgres(sqlDB)
		}
		return autoMigrate(conn)
	}),
)

// autoMigrate keeps non-postgres schemas aligned with the models. The table
// list must grow with every new persisted type.
func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
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
	)
}
