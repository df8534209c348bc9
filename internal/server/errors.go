package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/backend/internal/apperror"
	"go.uber.org/zap"
)

// writeError maps the closed error taxonomy to status codes once, at
// the edge. Raw infrastructure error text never leaves the process.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	appErr := apperror.As(err)
	if appErr == nil {
		logger.Error("unclassified error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperror.KindValidation:
		status = http.StatusBadRequest
	case apperror.KindConflict:
		status = http.StatusConflict
	case apperror.KindAuth:
		status = http.StatusUnauthorized
	case apperror.KindNotFound:
		status = http.StatusNotFound
	case apperror.KindInternal:
		logger.Error("internal error", zap.Error(appErr))
	}

	body := gin.H{"error": appErr.Message}
	if appErr.Detail != nil {
		body["detail"] = appErr.Detail
	}
	c.JSON(status, body)
}
