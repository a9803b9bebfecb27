package middleware

import (
	"github.com/gin-gonic/gin"

	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
	"github.com/xxxsen/embedproxy/internal/pkg/response"
)

const ContextAPIKey = "api_key"

const msgMissingAPIKey = "Missing API key"

// RequireAPIKey only checks that a credential is present. The value is
// forwarded upstream untouched and never validated here.
func RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErr.New(appErr.ErrUnauthorized, msgMissingAPIKey))
			c.Abort()
			return
		}
		c.Set(ContextAPIKey, header)
		c.Next()
	}
}
