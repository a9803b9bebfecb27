package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xxxsen/embedproxy/internal/pkg/response"
)

const (
	HeaderRequestID     = "X-Request-Id"
	ContextRequestIDKey = response.ContextRequestIDKey
)

// RequestID keeps a caller supplied X-Request-Id and mints a UUID otherwise.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set(HeaderRequestID, reqID)
		c.Set(ContextRequestIDKey, reqID)
		c.Next()
	}
}
