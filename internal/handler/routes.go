package handler

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"paywall/internal/config"
)

type Handlers struct {
	Purchases *PurchaseHandler
	Chapters  *ChapterHandler
	Webhooks  *WebhookHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func SetupRoutes(router *gin.Engine, logger *log.Logger, cfg *config.Config, h *Handlers, limiter RateLimiter) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.Metrics))
	}

	v1 := router.Group("/api/v1")
	v1.Use(Identity(cfg.AuthUserHeader))
	{
		chapters := v1.Group("/chapters/:chapterId")
		{
			chapters.POST("/purchase",
				RequireUser(),
				RateLimit(logger, limiter, "purchase", cfg.PurchaseRateLimit, cfg.PurchaseRateWindow),
				h.Purchases.Initiate)
			chapters.GET("/purchase-status", h.Chapters.Status)
			chapters.GET("/content", h.Chapters.Content)
		}
		v1.GET("/library", RequireUser(), h.Chapters.Library)
	}

	router.POST("/api/v1/webhooks/payments", h.Webhooks.Receive)
}
