package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"modcollect/internal/collector"
	"modcollect/internal/storage"
	logx "modcollect/pkg/logx"
)

func statusOf(err error) int {
	var acq *collector.AcquisitionError
	switch {
	case errors.Is(err, collector.ErrScheduleNotFound),
		errors.Is(err, collector.ErrTemplateNotFound),
		errors.Is(err, collector.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, collector.ErrDuplicateSchedule):
		return http.StatusConflict
	case errors.Is(err, collector.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, collector.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &acq):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		a.Log.Warn("request failed",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", code),
			logx.Err(err),
		)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
