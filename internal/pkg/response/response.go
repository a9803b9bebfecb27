package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
)

// ContextRequestIDKey is where the request id middleware stores the id.
const ContextRequestIDKey = "request_id"

const msgInternal = "Internal server error"

func StatusOf(err error) int {
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, appErr.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message hides the text of errors that were not built for clients.
func Message(err error) string {
	var e *appErr.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return msgInternal
}

// Error logs err and writes its client message as plain text. It does not
// abort the chain.
func Error(c *gin.Context, err error) {
	if err == nil {
		return
	}
	status := StatusOf(err)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("request_id", c.GetString(ContextRequestIDKey)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Warn("request rejected")
	}
	c.String(status, Message(err))
}
