package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"smartvend-client/config"
	"smartvend-client/internal/mw"
)

// NewRouter creates and configures the gin router of the control API.
// metrics is mounted at /metrics outside the rate limit when non-nil.
func NewRouter(h *Handler, cfg *config.ServerConfig, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	limiter := mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), max(int(cfg.RateLimitPerSec)/2, 1))
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api")
	api.Use(mw.RateLimit(limiter))
	{
		api.GET("/machines", caching, h.GetMachines)

		api.GET("/session", h.GetSession)
		api.POST("/session", h.OpenSession)
		api.DELETE("/session", h.CloseSession)
		api.POST("/session/lock", h.LockSession)
		api.POST("/session/unlock", h.UnlockSession)
		api.POST("/session/quantity", h.SetQuantity)
		api.POST("/session/purchase", h.StartPurchase)

		api.GET("/payments/pending", h.GetPendingPayments)
		api.POST("/payment/callback", h.PaymentCallback)

		api.GET("/transactions", h.GetTransactions)
		api.GET("/alerts", h.GetAlerts)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
