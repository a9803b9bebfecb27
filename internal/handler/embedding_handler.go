package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/embedproxy/internal/service"
)

type EmbeddingHandler struct {
	embeddings *service.EmbeddingService
}

func NewEmbeddingHandler(embeddings *service.EmbeddingService) *EmbeddingHandler {
	return &EmbeddingHandler{embeddings: embeddings}
}

func (h *EmbeddingHandler) Create(c *gin.Context) {
	body, err := readJSONObject(c)
	if err != nil {
		handleError(c, err)
		return
	}
	resp, err := h.embeddings.Embeddings(c.Request.Context(), &service.EmbeddingRequest{
		Body:     body,
		Auth:     c.GetHeader("Authorization"),
		RawQuery: c.Request.URL.RawQuery,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
