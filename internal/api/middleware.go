package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dharsanguruparan/markdrop/internal/logger"
)

// requestLogger injects a request-scoped logger and logs each request once
// it completes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()

		ctx := logger.WithFields(c.Request.Context(), logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: "api",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()

		logger.With(logger.Fields{
			logger.FieldStatus: c.Writer.Status(),
			logger.FieldSize:   c.Writer.Size(),
		}).WithDuration(time.Since(start).Milliseconds()).
			Info(ctx, "%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
