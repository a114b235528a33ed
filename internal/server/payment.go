package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	"github.com/shopspring/decimal"
)

type paymentRequest struct {
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	PaidHours      *decimal.Decimal `json:"paid_hours,omitempty"`
	Tip            decimal.Decimal  `json:"tip"`
	Method         string           `json:"method"`
	TransactionID  string           `json:"transaction_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	PaidAt         *time.Time       `json:"paid_at,omitempty"`
	Note           string           `json:"note"`
}

func (s *Server) ApplyPayment(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	// The header wins over the body so gateway retries stay idempotent even
	// when the client forgets to echo the key.
	idempotencyKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	}

	method := invoicedomain.PaymentMethod(strings.TrimSpace(req.Method))
	if method == "" {
		method = invoicedomain.MethodManual
	}

	result, err := s.applier.Apply(c.Request.Context(), id, paymentdomain.Request{
		Amount:         req.Amount,
		PaidHours:      req.PaidHours,
		Tip:            req.Tip,
		Method:         method,
		TransactionID:  strings.TrimSpace(req.TransactionID),
		IdempotencyKey: idempotencyKey,
		PaidAt:         req.PaidAt,
		Note:           req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      aggResponse(result.Invoice),
		"duplicate": result.Duplicate,
	})
}

func (s *Server) MarkUnpaid(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	agg, err := s.invoiceSvc.MarkUnpaid(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}
