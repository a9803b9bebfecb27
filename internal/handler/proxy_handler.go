package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/middleware"
	"github.com/xxxsen/embedproxy/internal/service"
)

const (
	embeddingsRoute  = "/v1/embeddings"
	streamBufferSize = 32 * 1024
)

// ProxyHandler routes /v1 calls: embeddings go through the cache, anything
// else is forwarded as is.
type ProxyHandler struct {
	embeddings *EmbeddingHandler
	proxy      *service.ProxyService
}

func NewProxyHandler(embeddings *EmbeddingHandler, proxy *service.ProxyService) *ProxyHandler {
	return &ProxyHandler{embeddings: embeddings, proxy: proxy}
}

func (h *ProxyHandler) Dispatch(c *gin.Context) {
	if c.Request.URL.Path == embeddingsRoute {
		h.embeddings.Create(c)
		return
	}
	h.Forward(c)
}

func (h *ProxyHandler) Forward(c *gin.Context) {
	body, err := readJSONObject(c)
	if err != nil {
		handleError(c, err)
		return
	}
	res, err := h.proxy.Forward(c.Request.Context(), &service.ForwardRequest{
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
		Auth:     c.GetHeader("Authorization"),
		Body:     body,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	if res.Stream != nil {
		h.pipe(c, res.Stream)
		return
	}
	c.Data(res.StatusCode, "application/json", res.Body)
}

// pipe copies upstream bytes to the client, flushing after every read.
func (h *ProxyHandler) pipe(c *gin.Context, stream io.ReadCloser) {
	defer stream.Close()
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		zap.String("path", c.Request.URL.Path),
	)
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		select {
		case <-c.Request.Context().Done():
			logger.Debug("client disconnected, stop streaming", zap.Int64("bytes", written))
			return
		default:
		}
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				logger.Warn("write stream to client failed", zap.Error(werr))
				return
			}
			c.Writer.Flush()
			written += int64(n)
		}
		if errors.Is(err, io.EOF) {
			logger.Debug("stream completed", zap.Int64("bytes", written))
			return
		}
		if err != nil {
			logger.Error("read upstream stream failed", zap.Error(err))
			return
		}
	}
}
