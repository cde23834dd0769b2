package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/response"
)

// AdminToken guards operator endpoints with a static bearer token. An empty
// token disables the routes entirely.
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.Fail(c, apperrors.New(apperrors.ErrCodeForbidden, "Admin API is disabled"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Fail(c, apperrors.New(apperrors.ErrCodeNotAuthenticated, "Invalid authorization header format"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			response.Fail(c, apperrors.New(apperrors.ErrCodeNotAuthenticated, "Invalid admin token"))
			return
		}

		c.Next()
	}
}
