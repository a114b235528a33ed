package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/lessonbill/lessonbill/internal/adjustment/domain"
	auditdomain "github.com/lessonbill/lessonbill/internal/audit/domain"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	ledgerdomain "github.com/lessonbill/lessonbill/internal/ledger/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	sequencedomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	"gorm.io/gorm"
)

var ErrForbidden = errors.New("forbidden")

type errorPayload struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware maps domain sentinel errors onto the wire taxonomy.
// Handlers push errors via AbortWithError and never write error bodies
// themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrForbidden), errors.Is(err, invoicedomain.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, invoicedomain.ErrLessonInvoiced):
		payload := errorPayload{
			Type:    "lesson_already_invoiced",
			Message: err.Error(),
		}
		var lessonErr *invoicedomain.LessonInvoicedError
		if errors.As(err, &lessonErr) {
			payload.Detail = map[string]any{
				"class_id":       lessonErr.ClassID.String(),
				"invoice_id":     lessonErr.InvoiceID.String(),
				"invoice_number": lessonErr.InvoiceNumber,
			}
		}
		return http.StatusConflict, payload
	case errors.Is(err, invoicedomain.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "version conflict, refetch and retry",
		}
	case errors.Is(err, invoicedomain.ErrAlreadySettled):
		// Duplicate payment on a settled invoice is a success per the
		// idempotency contract.
		return http.StatusOK, errorPayload{
			Type:    "already_settled",
			Message: "invoice already settled",
			Detail:  map[string]any{"duplicate": true},
		}
	case errors.Is(err, invoicedomain.ErrNoPayments):
		return http.StatusBadRequest, errorPayload{
			Type:    "no_payments",
			Message: "invoice has no payments to revert",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: err.Error(),
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrValidation),
		errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, invoicedomain.ErrItemsLocked),
		errors.Is(err, invoicedomain.ErrNotDeleted),
		errors.Is(err, invoicedomain.ErrRollbackUnsupported),
		errors.Is(err, adjustmentdomain.ErrNotRefundable),
		errors.Is(err, adjustmentdomain.ErrInvalidType),
		errors.Is(err, adjustmentdomain.ErrInvalidMode),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidInvoice),
		errors.Is(err, guardiandomain.ErrInvalidHours),
		errors.Is(err, ledgerdomain.ErrInvalidEntry),
		errors.Is(err, lessondomain.ErrInvalidGuardian),
		errors.Is(err, sequencedomain.ErrInvalidKind),
		errors.Is(err, sequencedomain.ErrInvalidSequence):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, lessondomain.ErrClassNotFound),
		errors.Is(err, guardiandomain.ErrGuardianNotFound),
		errors.Is(err, guardiandomain.ErrStudentNotFound),
		errors.Is(err, ledgerdomain.ErrTeacherNotFound),
		errors.Is(err, auditdomain.ErrEntryNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
