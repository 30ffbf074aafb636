// Package v1 provides the demo's HTTP API: health, balances and metrics.
package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"localtx/internal/infrastructure/http/v1/handlers"
	"localtx/internal/infrastructure/http/v1/middleware"
	"localtx/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Logger *logger.Logger

	// Checks are run by /health/ready, keyed by dependency name
	Checks map[string]handlers.Check

	// Ledger serves balance reads; nil disables the route
	Ledger handlers.BalanceReader

	// Metrics is mounted at /metrics when set
	Metrics http.Handler
}

// NewRouter creates the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger(log))

	healthHandler := handlers.NewHealthHandler(cfg.Checks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	if cfg.Ledger != nil {
		router.GET("/accounts/:id/balance", handlers.NewLedgerHandler(cfg.Ledger).Balance)
	}
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	return router
}
