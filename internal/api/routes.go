// Package api provides the HTTP API for the control-plane server.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/api/handlers"
	"github.com/linwinbackup/linwin/internal/api/middleware"
	"github.com/linwinbackup/linwin/internal/crypto"
	"github.com/linwinbackup/linwin/internal/registry"
)

// Config holds configuration for the API router.
type Config struct {
	// RateLimit in limiter format, e.g. "300-M". Empty disables limiting.
	RateLimit string
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps a gin engine with the configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates the server router over the given registry store and
// server key pair.
func NewRouter(cfg Config, store registry.Store, keys *crypto.KeyPair, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))

	if cfg.RateLimit != "" {
		limit, err := middleware.NewRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("configure rate limiter: %w", err)
		}
		r.Engine.Use(limit)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := handlers.NewMetrics(promReg)

	clientHandler := handlers.NewClientHandler(store, keys, metrics, logger)
	clientHandler.RegisterRoutes(r.Engine.Group("/api"))

	r.Engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.Engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    cfg.Version,
			"commit":     cfg.Commit,
			"build_date": cfg.BuildDate,
		})
	})
	r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	return r, nil
}
