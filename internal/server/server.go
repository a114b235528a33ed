// Package server is the REST surface over the billing services. Handlers stay
// thin: parse, delegate, map errors through the middleware.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	adjustmentdomain "github.com/lessonbill/lessonbill/internal/adjustment/domain"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	dispatcherdomain "github.com/lessonbill/lessonbill/internal/dispatcher/domain"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	"github.com/lessonbill/lessonbill/internal/render"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ActorContext())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	billingCfg  *config.BillingConfigHolder
	log         *zap.Logger
	clock       clock.Clock
	invoiceSvc  invoicedomain.Service
	store       invoicedomain.Store
	applier     paymentdomain.Applier
	adjustments adjustmentdomain.Engine
	auditSvc    auditdomain.Service
	guardianSvc guardiandomain.Service
	dispatch    dispatcherdomain.Dispatcher
	renderer    render.Renderer
	followUp    paymentdomain.FollowUp
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	BillingCfg  *config.BillingConfigHolder
	Log         *zap.Logger
	Clock       clock.Clock
	InvoiceSvc  invoicedomain.Service
	Store       invoicedomain.Store
	Applier     paymentdomain.Applier
	Adjustments adjustmentdomain.Engine
	AuditSvc    auditdomain.Service
	GuardianSvc guardiandomain.Service
	Dispatch    dispatcherdomain.Dispatcher
	Renderer    render.Renderer
	FollowUp    paymentdomain.FollowUp `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		billingCfg:  p.BillingCfg,
		log:         p.Log.Named("server"),
		clock:       p.Clock,
		invoiceSvc:  p.InvoiceSvc,
		store:       p.Store,
		applier:     p.Applier,
		adjustments: p.Adjustments,
		auditSvc:    p.AuditSvc,
		guardianSvc: p.GuardianSvc,
		dispatch:    p.Dispatch,
		renderer:    p.Renderer,
		followUp:    p.FollowUp,
	}

	svc.registerInvoiceRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) registerInvoiceRoutes() {
	api := s.engine.Group("/api/invoices")

	api.GET("", s.ListInvoices)
	api.POST("", s.CreateInvoice)
	api.GET("/stats", s.GetStats)
	api.GET("/stats/overview", s.GetStats)
	api.GET("/public/:slug", s.GetPublicInvoice)
	api.POST("/check-zero-hours", s.CheckZeroHours)
	api.POST("/admin/resequence-unpaid", s.ResequenceUnpaid)

	api.GET("/:identifier", s.GetInvoice)
	api.PUT("/:identifier", s.UpdateInvoiceMetadata)
	api.PUT("/:identifier/coverage", s.UpdateInvoiceCoverage)
	api.PUT("/:identifier/snapshot", s.ApplyPreviewTotals)
	api.POST("/:identifier/items", s.UpdateInvoiceItems)
	api.POST("/:identifier/items/preview", s.PreviewInvoiceItems)

	api.POST("/:identifier/payment", s.ApplyPayment)
	api.PUT("/:identifier/pay", s.ApplyPayment)
	api.POST("/:identifier/mark-unpaid", s.MarkUnpaid)
	api.POST("/:identifier/refund", s.RecordRefund)
	api.POST("/:identifier/adjustments", s.ApplyAdjustment)
	api.POST("/:identifier/rollback", s.RollbackAudit)

	api.POST("/:identifier/send", s.SendInvoice)
	api.POST("/:identifier/toggle-send", s.ToggleSendInvoice)
	api.POST("/:identifier/cancel", s.CancelInvoice)
	api.DELETE("/:identifier", s.SoftDeleteInvoice)
	api.POST("/:identifier/restore", s.RestoreInvoice)
	api.DELETE("/:identifier/permanent", s.PermanentDeleteInvoice)

	api.GET("/:identifier/download-docx", s.DownloadInvoice)
	api.GET("/:identifier/audit", s.ListAuditEntries)
}

// registerInternalRoutes wires the hooks the scheduling platform calls when
// lesson data changes. These carry system credentials, never end-user ones.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/api/internal")
	internal.POST("/class-change", s.HandleClassChange)
}
