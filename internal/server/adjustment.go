package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/lessonbill/lessonbill/internal/adjustment/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

type refundRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	RefundHours     decimal.Decimal `json:"refund_hours"`
	Reason          string          `json:"reason"`
	RefundReference string          `json:"refund_reference"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

func (s *Server) RecordRefund(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	idempotencyKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	}

	agg, err := s.adjustments.RecordRefund(c.Request.Context(), id, adjustmentdomain.RefundInput{
		Amount:          req.Amount,
		RefundHours:     req.RefundHours,
		Reason:          req.Reason,
		RefundReference: req.RefundReference,
		IdempotencyKey:  idempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

type adjustmentRequest struct {
	Type          string             `json:"type"`
	Amount        *decimal.Decimal   `json:"amount,omitempty"`
	Hours         *decimal.Decimal   `json:"hours,omitempty"`
	Items         []itemInputRequest `json:"items"`
	RemoveItemIDs []snowflake.ID     `json:"remove_item_ids"`
	Mode          string             `json:"mode"`
	Reason        string             `json:"reason"`
}

func (s *Server) ApplyAdjustment(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	agg, err := s.adjustments.ApplyPostPaymentAdjustment(c.Request.Context(), id, adjustmentdomain.Input{
		Type:          adjustmentdomain.Type(strings.TrimSpace(req.Type)),
		Amount:        req.Amount,
		Hours:         req.Hours,
		Items:         toItemInputs(req.Items),
		RemoveItemIDs: req.RemoveItemIDs,
		Mode:          adjustmentdomain.RemoveMode(strings.TrimSpace(req.Mode)),
		Reason:        req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

type rollbackRequest struct {
	AuditID snowflake.ID `json:"audit_id"`
}

func (s *Server) RollbackAudit(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AuditID == 0 {
		AbortWithError(c, invoicedomain.Validationf("audit_id is required"))
		return
	}

	agg, err := s.invoiceSvc.RollbackAudit(c.Request.Context(), id, req.AuditID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

func (s *Server) ListAuditEntries(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	entries, err := s.auditSvc.ListByInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
