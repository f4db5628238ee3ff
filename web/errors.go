package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotActor):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Record not found"})
	case errors.Is(err, domain.ErrActionNotAllowed):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "This action is not allowed"})
	default:
		logger.Error("Web: request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
