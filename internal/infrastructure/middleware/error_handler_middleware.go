package middleware

import (
	"net/http"

	rerrors "routerd/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached by a handler as a
// result-code JSON body.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if e := rerrors.Get(err); e != nil {
			status := rerrors.HTTPStatus(e.Code)
			if status >= http.StatusInternalServerError {
				logger.Errorw("request failed",
					"category", e.Category,
					"code", e.Code,
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"request_id", c.Writer.Header().Get(HeaderRequestID),
				)
			}
			c.JSON(status, gin.H{
				"error":    string(e.Code),
				"category": string(e.Category),
				"message":  e.Message,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"request_id", c.Writer.Header().Get(HeaderRequestID),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(rerrors.CodeInternal),
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware turns a handler panic into an internal_error response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWith(c, http.StatusInternalServerError, rerrors.CodeInternal, "internal server error")
			}
		}()

		c.Next()
	}
}
