package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/lessonbill/lessonbill/pkg/db/pagination"
)

// resolveInvoiceID turns the :identifier path segment into an invoice id,
// accepting either a raw snowflake or a slug.
func (s *Server) resolveInvoiceID(c *gin.Context) (snowflake.ID, bool) {
	identifier := strings.TrimSpace(c.Param("identifier"))
	if identifier == "" {
		AbortWithError(c, invoicedomain.Validationf("identifier is required"))
		return 0, false
	}

	if id, err := snowflake.ParseString(identifier); err == nil {
		return id, true
	}

	agg, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), identifier)
	if err != nil {
		AbortWithError(c, err)
		return 0, false
	}
	return agg.Invoice.ID, true
}

func parseListFilter(c *gin.Context) (invoicedomain.ListFilter, error) {
	filter := invoicedomain.ListFilter{
		Status:    strings.TrimSpace(c.Query("status")),
		Kind:      invoicedomain.Kind(strings.TrimSpace(c.Query("type"))),
		Search:    strings.TrimSpace(c.Query("search")),
		SmartSort: parseBool(c.Query("smart_sort")),
	}

	if raw := c.Query("guardian_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return filter, invoicedomain.Validationf("invalid guardian_id %q", raw)
		}
		filter.GuardianID = &id
	}
	if raw := c.Query("teacher_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return filter, invoicedomain.Validationf("invalid teacher_id %q", raw)
		}
		filter.TeacherID = &id
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return filter, invoicedomain.Validationf("invalid from date %q", raw)
		}
		filter.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return filter, invoicedomain.Validationf("invalid to date %q", raw)
		}
		filter.To = &t
	}
	filter.IncludeDeleted = parseBool(c.Query("deleted"))

	filter.Pagination = pagination.Pagination{
		PageToken: c.Query("page_token"),
		PageSize:  25,
	}
	if raw := c.Query("page_size"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || size < 1 || size > 250 {
			return filter, invoicedomain.Validationf("invalid page_size %q", raw)
		}
		filter.Pagination.PageSize = int32(size)
	}

	return filter, nil
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
