package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

func aggResponse(agg *invoicedomain.Aggregate) gin.H {
	return gin.H{
		"invoice":     agg.Invoice,
		"items":       agg.Items,
		"payment_log": agg.Logs,
	}
}

func (s *Server) ListInvoices(c *gin.Context) {
	filter, err := parseListFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoices, pageInfo, err := s.invoiceSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices, "page_info": pageInfo})
}

func (s *Server) GetInvoice(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("identifier"))
	agg, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), identifier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

func (s *Server) GetPublicInvoice(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("slug"))
	agg, err := s.invoiceSvc.GetPublicBySlug(c.Request.Context(), slug)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

type itemInputRequest struct {
	ClassID          *snowflake.ID   `json:"class_id,omitempty"`
	StudentID        *snowflake.ID   `json:"student_id,omitempty"`
	StudentFirstName string          `json:"student_first_name"`
	StudentLastName  string          `json:"student_last_name"`
	StudentEmail     string          `json:"student_email"`
	TeacherID        *snowflake.ID   `json:"teacher_id,omitempty"`
	TeacherFirstName string          `json:"teacher_first_name"`
	TeacherLastName  string          `json:"teacher_last_name"`
	Description      string          `json:"description"`
	Date             time.Time       `json:"date"`
	DurationMinutes  int             `json:"duration_minutes"`
	Rate             decimal.Decimal `json:"rate"`
	Attended         bool            `json:"attended"`
	Status           string          `json:"status"`

	ExcludeFromStudentBalance bool `json:"exclude_from_student_balance"`
	ExemptFromGuardian        bool `json:"exempt_from_guardian"`
	ExcludeFromTeacherPayment bool `json:"exclude_from_teacher_payment"`
}

func (r itemInputRequest) toDomain() invoicedomain.ItemInput {
	return invoicedomain.ItemInput{
		ClassID:          r.ClassID,
		StudentID:        r.StudentID,
		StudentFirstName: r.StudentFirstName,
		StudentLastName:  r.StudentLastName,
		StudentEmail:     r.StudentEmail,
		TeacherID:        r.TeacherID,
		TeacherFirstName: r.TeacherFirstName,
		TeacherLastName:  r.TeacherLastName,
		Description:      r.Description,
		Date:             r.Date,
		DurationMinutes:  r.DurationMinutes,
		Rate:             r.Rate,
		Attended:         r.Attended,
		Status:           r.Status,

		ExcludeFromStudentBalance: r.ExcludeFromStudentBalance,
		ExemptFromGuardian:        r.ExemptFromGuardian,
		ExcludeFromTeacherPayment: r.ExcludeFromTeacherPayment,
	}
}

func toItemInputs(items []itemInputRequest) []invoicedomain.ItemInput {
	out := make([]invoicedomain.ItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, item.toDomain())
	}
	return out
}

type createInvoiceRequest struct {
	Kind             invoicedomain.Kind      `json:"kind"`
	GuardianID       *snowflake.ID           `json:"guardian_id,omitempty"`
	TeacherID        *snowflake.ID           `json:"teacher_id,omitempty"`
	PeriodStart      *time.Time              `json:"period_start,omitempty"`
	PeriodEnd        *time.Time              `json:"period_end,omitempty"`
	Month            int                     `json:"month"`
	Year             int                     `json:"year"`
	DueAt            *time.Time              `json:"due_at,omitempty"`
	Name             string                  `json:"name"`
	Coverage         *invoicedomain.Coverage `json:"coverage,omitempty"`
	Items            []itemInputRequest      `json:"items"`
	Discount         decimal.Decimal         `json:"discount"`
	LateFee          decimal.Decimal         `json:"late_fee"`
	ExcludedClassIDs []snowflake.ID          `json:"excluded_class_ids"`
	AutoGenerated    bool                    `json:"auto_generated"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	in := invoicedomain.CreateInput{
		Kind:             req.Kind,
		GuardianID:       req.GuardianID,
		TeacherID:        req.TeacherID,
		PeriodStart:      req.PeriodStart,
		PeriodEnd:        req.PeriodEnd,
		Month:            req.Month,
		Year:             req.Year,
		DueAt:            req.DueAt,
		Name:             req.Name,
		Items:            toItemInputs(req.Items),
		Discount:         req.Discount,
		LateFee:          req.LateFee,
		ExcludedClassIDs: req.ExcludedClassIDs,
		AutoGenerated:    req.AutoGenerated,
	}
	if req.Coverage != nil {
		in.Coverage = *req.Coverage
	}

	agg, err := s.invoiceSvc.Create(c.Request.Context(), in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": aggResponse(agg)})
}

type metadataRequest struct {
	Name     *string          `json:"name,omitempty"`
	DueAt    *time.Time       `json:"due_at,omitempty"`
	Discount *decimal.Decimal `json:"discount,omitempty"`
	LateFee  *decimal.Decimal `json:"late_fee,omitempty"`
	Tip      *decimal.Decimal `json:"tip,omitempty"`
	Note     *string          `json:"note,omitempty"`
}

func (s *Server) UpdateInvoiceMetadata(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	agg, err := s.invoiceSvc.UpdateMetadata(c.Request.Context(), id, invoicedomain.MetadataUpdate{
		Name:     req.Name,
		DueAt:    req.DueAt,
		Discount: req.Discount,
		LateFee:  req.LateFee,
		Tip:      req.Tip,
		Note:     req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

type previewTotalsRequest struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	Total         decimal.Decimal `json:"total"`
	AdjustedTotal decimal.Decimal `json:"adjusted_total"`
}

func (r previewTotalsRequest) toDomain() invoicedomain.PreviewTotals {
	return invoicedomain.PreviewTotals{
		Subtotal:      r.Subtotal,
		Total:         r.Total,
		AdjustedTotal: r.AdjustedTotal,
	}
}

type coverageRequest struct {
	Coverage   invoicedomain.Coverage `json:"coverage"`
	Preview    *previewTotalsRequest  `json:"preview_totals,omitempty"`
	Resnapshot bool                   `json:"resnapshot"`
}

func (s *Server) UpdateInvoiceCoverage(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req coverageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	in := invoicedomain.CoverageUpdate{
		Coverage:   req.Coverage,
		Resnapshot: req.Resnapshot,
	}
	if req.Preview != nil {
		preview := req.Preview.toDomain()
		in.Preview = &preview
	}

	agg, err := s.invoiceSvc.UpdateCoverage(c.Request.Context(), id, in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

func (s *Server) ApplyPreviewTotals(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req previewTotalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	agg, err := s.invoiceSvc.ApplyPreviewTotals(c.Request.Context(), id, req.toDomain())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

type itemEditRequest struct {
	ItemID          snowflake.ID     `json:"item_id"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	Attended        *bool            `json:"attended,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Rate            *decimal.Decimal `json:"rate,omitempty"`
}

type itemsUpdateRequest struct {
	Add    []itemInputRequest `json:"add"`
	Remove []snowflake.ID     `json:"remove"`
	Edit   []itemEditRequest  `json:"edit"`

	SkipRecalculate       bool `json:"skip_recalculate"`
	AllowPaidModification bool `json:"allow_paid_modification"`
	TransferOnDuplicate   bool `json:"transfer_on_duplicate"`
}

func (r itemsUpdateRequest) toDomain() invoicedomain.ItemsUpdate {
	update := invoicedomain.ItemsUpdate{
		Add:    toItemInputs(r.Add),
		Remove: r.Remove,
	}
	for _, edit := range r.Edit {
		update.Edit = append(update.Edit, invoicedomain.ItemEdit{
			ItemID:          edit.ItemID,
			DurationMinutes: edit.DurationMinutes,
			Attended:        edit.Attended,
			Description:     edit.Description,
			Rate:            edit.Rate,
		})
	}
	return update
}

func (s *Server) UpdateInvoiceItems(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req itemsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	cmd := invoicedomain.Command{
		SkipRecalculate:       req.SkipRecalculate,
		AllowPaidModification: req.AllowPaidModification,
		TransferOnDuplicate:   req.TransferOnDuplicate,
	}
	agg, err := s.invoiceSvc.UpdateItems(c.Request.Context(), id, req.toDomain(), cmd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": aggResponse(agg)})
}

func (s *Server) PreviewInvoiceItems(c *gin.Context) {
	id, ok := s.resolveInvoiceID(c)
	if !ok {
		return
	}

	var req itemsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}

	preview, err := s.invoiceSvc.PreviewItems(c.Request.Context(), id, req.toDomain())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}
