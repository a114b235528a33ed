package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
)

func (s *Server) GetStats(c *gin.Context) {
	var guardianID *snowflake.ID
	if raw := c.Query("guardian_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, invoicedomain.Validationf("invalid guardian_id %q", raw))
			return
		}
		guardianID = &id
	}

	stats, err := s.invoiceSvc.GetStats(c.Request.Context(), guardianID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

type checkZeroHoursRequest struct {
	GuardianID snowflake.ID `json:"guardian_id"`
}

// CheckZeroHours runs the pay-as-you-go generator for one guardian on demand.
func (s *Server) CheckZeroHours(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.followUp == nil {
		AbortWithError(c, errors.New("zero-hour generator not configured"))
		return
	}

	var req checkZeroHoursRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.GuardianID == 0 {
		AbortWithError(c, invoicedomain.Validationf("guardian_id is required"))
		return
	}

	if err := s.followUp.CheckGuardian(c.Request.Context(), req.GuardianID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"checked": true}})
}

func (s *Server) ResequenceUnpaid(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}

	dryRun := parseBool(c.Query("dry_run"))
	changed, err := s.invoiceSvc.ResequenceUnpaid(c.Request.Context(), dryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"changed": changed, "dry_run": dryRun}})
}
