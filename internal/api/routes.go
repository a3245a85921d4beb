package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tcgwallet/backend/internal/api/handlers"
	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/services"
)

func SetupRouter(matcher *services.Matcher, catalog *services.CatalogService, vision *services.VisionService, imageStorage *services.ImageStorageService, tcgPlayer *services.TCGPlayerService) *gin.Engine {
	router := gin.Default()
	router.Use(metricsMiddleware())

	// CORS configuration - allow origins from environment or use defaults
	config := cors.DefaultConfig()
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.AllowOrigins = strings.Split(corsOrigins, ",")
	} else {
		config.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	config.AllowCredentials = false
	router.Use(cors.New(config))

	// Initialize handlers
	matchHandler := handlers.NewMatchHandler(matcher, catalog, vision, imageStorage, tcgPlayer)
	tcgPlayerHandler := handlers.NewTCGPlayerHandler(tcgPlayer)

	// API routes
	api := router.Group("/api")
	{
		// Card matching routes
		cards := api.Group("/cards")
		{
			cards.POST("/match", matchHandler.MatchCard)
			cards.POST("/analyze-image", matchHandler.AnalyzeImage)
			cards.GET("/:id/variants", matchHandler.GetVariants)
		}

		// TCGPlayer catalog routes
		tcgplayer := api.Group("/tcgplayer")
		{
			tcgplayer.GET("/groups", tcgPlayerHandler.GetGroups)
			tcgplayer.GET("/products/:groupID", tcgPlayerHandler.GetProducts)
			tcgplayer.GET("/prices/:groupID", tcgPlayerHandler.GetPrices)
		}
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"cards":  catalog.GetCardCount(),
			"packs":  catalog.GetPackCount(),
		})
	})

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// metricsMiddleware records request counts and latency per route.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
