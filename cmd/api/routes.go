package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"membership-reconciler/internal/httpapi"
	"membership-reconciler/internal/rbac"
)

type routeDeps struct {
	engine        httpapi.Reviewer
	orders        httpapi.OrderIngester
	webhookSecret string
	authMW        gin.HandlerFunc
	gatherer      prometheus.Gatherer
	ready         func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Reviewer:      d.engine,
		Orders:        d.orders,
		WebhookSecret: d.webhookSecret,
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	// Order source webhooks; authenticated by HMAC signature, not bearer token.
	r.POST("/webhooks/orders", h.ReceiveOrder)

	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		read := v1.Group("/staging")
		read.Use(rbac.RequireAnyRole(rbac.RoleViewer, rbac.RoleReviewer))
		{
			read.GET("", h.ListStaging)
			read.GET("/:id", h.GetStaging)
			read.GET("/:id/audit", h.StagingHistory)
		}

		review := v1.Group("/staging")
		review.Use(rbac.RequireAnyRole(rbac.RoleReviewer))
		{
			review.POST("/:id/approve", h.ApproveStaging)
			review.POST("/:id/reject", h.RejectStaging)
		}
	}
}
