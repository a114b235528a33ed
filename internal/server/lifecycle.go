package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/lessonbill/lessonbill/internal/invoice/export"
	"github.com/lessonbill/lessonbill/internal/invoice/format"
)

type sendRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) SendInvoice(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req sendRequest
	_ = c.ShouldBindJSON(&req)

	agg, err := s.invoiceSvc.MarkSent(c.Request.Context(), id, strings.TrimSpace(req.Channel))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

// ToggleSendInvoice sends the invoice on the channel unless a successful
// delivery already exists there, in which case it is a no-op.
func (s *Server) ToggleSendInvoice(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req sendRequest
	_ = c.ShouldBindJSON(&req)
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = "email"
	}

	deliveries, err := s.store.ListDeliveries(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	for _, delivery := range deliveries {
		if delivery.Channel == channel && delivery.Status == invoicedomain.DeliverySent {
			agg, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), fmt.Sprint(id))
			if err != nil {
				AbortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg), "toggled": false})
			return
		}
	}

	agg, err := s.invoiceSvc.MarkSent(c.Request.Context(), id, channel)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg), "toggled": true})
}

func (s *Server) CancelInvoice(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	agg, err := s.invoiceSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

func (s *Server) SoftDeleteInvoice(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	if err := s.invoiceSvc.SoftDelete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

func (s *Server) RestoreInvoice(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	agg, err := s.invoiceSvc.Restore(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

func (s *Server) PermanentDeleteInvoice(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	if err := s.invoiceSvc.PermanentDelete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

func (s *Server) DownloadInvoice(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("identifier"))
	agg, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), identifier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	guardianName := ""
	if agg.Invoice.GuardianID != nil {
		if guardian, err := s.guardianSvc.GetByID(c.Request.Context(), *agg.Invoice.GuardianID); err == nil {
			guardianName = strings.TrimSpace(guardian.FirstName + " " + guardian.LastName)
		}
	}

	deliveries, err := s.store.ListDeliveries(c.Request.Context(), agg.Invoice.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	billing := s.billingCfg.Get()
	formatter := format.New(billing.Locale, billing.Currency, "")
	snapshot := export.Build(agg, guardianName, deliveries, nil, formatter)

	doc, err := s.renderer.Render(c.Request.Context(), snapshot)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filename := fmt.Sprintf("invoice-%s.pdf", agg.Invoice.InvoiceNumber)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", doc)
}
