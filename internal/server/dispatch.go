package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	dispatcherdomain "github.com/lessonbill/lessonbill/internal/dispatcher/domain"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
)

type classChangeRequest struct {
	Class    *lessondomain.Class `json:"class"`
	Previous struct {
		Status             lessondomain.ClassStatus `json:"status"`
		DurationMinutes    int                      `json:"duration_minutes"`
		SkipHourAdjustment bool                     `json:"skip_hour_adjustment"`
	} `json:"previous"`
	Deleted bool `json:"deleted"`
}

// HandleClassChange feeds one lesson lifecycle event into the dispatcher.
func (s *Server) HandleClassChange(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}

	var req classChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invoicedomain.Validationf("invalid request body: %v", err))
		return
	}
	if req.Class == nil {
		AbortWithError(c, invoicedomain.Validationf("class is required"))
		return
	}

	err := s.dispatch.HandleClassChange(c.Request.Context(), dispatcherdomain.Change{
		Class: req.Class,
		Previous: dispatcherdomain.Previous{
			Status:             req.Previous.Status,
			DurationMinutes:    req.Previous.DurationMinutes,
			SkipHourAdjustment: req.Previous.SkipHourAdjustment,
		},
		Deleted: req.Deleted,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"dispatched": true}})
}
