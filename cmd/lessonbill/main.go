package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/adjustment"
	"github.com/lessonbill/lessonbill/internal/audit"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	"github.com/lessonbill/lessonbill/internal/dispatcher"
	"github.com/lessonbill/lessonbill/internal/events"
	"github.com/lessonbill/lessonbill/internal/guardian"
	"github.com/lessonbill/lessonbill/internal/invoice"
	"github.com/lessonbill/lessonbill/internal/ledger"
	"github.com/lessonbill/lessonbill/internal/lesson"
	"github.com/lessonbill/lessonbill/internal/logger"
	"github.com/lessonbill/lessonbill/internal/migration"
	"github.com/lessonbill/lessonbill/internal/notification"
	"github.com/lessonbill/lessonbill/internal/observability"
	"github.com/lessonbill/lessonbill/internal/payment"
	"github.com/lessonbill/lessonbill/internal/render"
	"github.com/lessonbill/lessonbill/internal/scheduler"
	"github.com/lessonbill/lessonbill/internal/sequence"
	"github.com/lessonbill/lessonbill/internal/server"
	"github.com/lessonbill/lessonbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
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
		dispatcher.Module,
		render.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
