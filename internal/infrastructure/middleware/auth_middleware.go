package middleware

import (
	"net/http"
	"strings"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
	rerrors "routerd/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ContextRole    = "role"
	ContextSubject = "subject"
)

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AdminAuthMiddleware admits only requests carrying a valid admin token.
func AdminAuthMiddleware(tokens ports.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			abortWith(c, http.StatusUnauthorized, rerrors.CodeAccessDenied, "bearer token required")
			return
		}

		role, subject, err := tokens.ValidateToken(token)
		if err != nil {
			abortWith(c, http.StatusUnauthorized, rerrors.CodeOf(err), "invalid token")
			return
		}
		if role != domain.RoleAdmin {
			abortWith(c, http.StatusForbidden, rerrors.CodeAccessDenied, "admin role required")
			return
		}

		c.Set(ContextRole, role)
		c.Set(ContextSubject, subject)
		c.Next()
	}
}

func abortWith(c *gin.Context, status int, code rerrors.Code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   string(code),
		"message": message,
	})
}
