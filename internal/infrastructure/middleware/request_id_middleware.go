package middleware

import (
	rlog "routerd/pkg/logger"
	"routerd/pkg/utils"
	"routerd/pkg/validation"

	"github.com/gin-gonic/gin"
)

const HeaderRequestID = "X-Request-ID"

// RequestIDMiddleware propagates a well-formed X-Request-ID or mints one,
// and stores it on the request context for the context logger.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 || !validation.IdentifierRegex.MatchString(id) {
			id = utils.GenerateRequestID()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(rlog.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}
