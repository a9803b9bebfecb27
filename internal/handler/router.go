package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/embedproxy/internal/metrics"
	"github.com/xxxsen/embedproxy/internal/middleware"
)

type RouterDeps struct {
	Proxy   *ProxyHandler
	Metrics *metrics.Metrics
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/status", Status)
	if deps.Metrics != nil {
		api.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := api.Group("/v1")
	v1.Use(middleware.RequireAPIKey())
	v1.POST("/*endpoint", deps.Proxy.Dispatch)
}

func Status(c *gin.Context) {
	c.String(http.StatusOK, "up")
}
