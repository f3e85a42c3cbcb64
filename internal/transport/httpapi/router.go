// Package httpapi реализует REST API магазина поверх gin.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

// Config задаёт инфраструктуру роутера.
type Config struct {
	// AllowedOrigins для CORS; пусто — любой Origin.
	AllowedOrigins []string
	// Guard включает Idempotency-Key для оформления заказа и создания платежа.
	Guard *idempotency.Guard
	// WebSocket обслуживает GET /ws; nil отключает маршрут.
	WebSocket http.Handler
	Logger    *log.Entry
}

// NewRouter собирает gin.Engine со всеми маршрутами API.
func NewRouter(h *Handler, cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	engine := gin.New()
	engine.Use(Recovery(logger))
	engine.Use(RequestLogger(logger))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	engine.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws"})))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "route not found", Code: "not_found"})
	})

	idem := Idempotency(cfg.Guard, logger)

	api := engine.Group("/api")
	api.POST("/orders", idem, h.Checkout)
	api.GET("/orders/:id", h.GetOrder)
	api.GET("/orders/number/:number", h.GetOrderByNumber)
	api.GET("/orders/:id/history", h.History)
	api.GET("/orders/:id/payments", h.OrderPayments)
	api.POST("/orders/:id/payments", idem, h.CreatePayment)
	api.GET("/customers/:id/orders", h.CustomerOrders)
	api.GET("/payments/:id", h.GetPayment)
	api.POST("/payments/:id/confirm", h.ConfirmPayment)

	admin := api.Group("/admin")
	admin.POST("/orders/:id/status", h.TransitionStatus)

	engine.POST("/webhooks/:provider", h.Webhook)

	if cfg.WebSocket != nil {
		engine.GET("/ws", gin.WrapH(cfg.WebSocket))
	}
	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			HeaderIdempotencyKey, HeaderRequestID, HeaderActorID, HeaderActorName,
		},
		ExposeHeaders: []string{HeaderRequestID, HeaderIdempotentReply, "Location"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
