package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/analytics"
	"github.com/enterprise/fraud-engine/internal/cache"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/profile"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Fraud Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	cacheClient, err := cache.NewClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	historyRepo := repositories.NewHistoryRepository(db)
	assessmentRepo := repositories.NewAssessmentRepository(db)

	// Initialize alert sink. The engine degrades to a logging sink when
	// Kafka is unreachable; assessments must not depend on the broker.
	var alertSink scoring.AlertSink
	kafkaSink, err := alerts.NewKafkaSink(cfg.Kafka)
	if err != nil {
		log.Warn().Err(err).Msg("Kafka unavailable; alerts will be dropped")
		alertSink = alerts.NopSink{}
	} else {
		defer kafkaSink.Close()
		alertSink = kafkaSink
	}

	// Initialize services
	profileStore := profile.NewStore(userRepo, cacheClient, cfg.Redis.ProfileTTL)
	ruleEngine := scoring.NewRuleEngine(historyRepo)
	mlScorer := scoring.NewMLScorer(historyRepo, cfg.Model.ArtifactPath)
	engine := scoring.NewEngine(
		profileStore,
		ruleEngine,
		mlScorer,
		assessmentRepo,
		alertSink,
		cfg.Assessment.Deadline,
	)
	analyticsService := analytics.NewAnalyticsService(assessmentRepo, cacheClient)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())

	setupRoutes(router, engine, mlScorer, assessmentRepo, analyticsService, db)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	engine *scoring.Engine,
	mlScorer *scoring.MLScorer,
	assessmentRepo *repositories.AssessmentRepository,
	analyticsService *analytics.AnalyticsService,
	db *repositories.Database,
) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")

	fraudRoutes := v1.Group("/fraud")
	{
		fraudRoutes.POST("/assess", assessHandler(engine))
		fraudRoutes.GET("/assessments/:id", getAssessmentHandler(assessmentRepo))
		fraudRoutes.GET("/assessments/transaction/:transaction_id", getAssessmentByTransactionHandler(assessmentRepo))
		fraudRoutes.GET("/statistics", getStatisticsHandler(analyticsService))
		fraudRoutes.POST("/model/reload", reloadModelHandler(mlScorer))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

// Handlers

func assessHandler(engine *scoring.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.FraudDetectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp := engine.Assess(c.Request.Context(), &req)
		if !resp.Success {
			status := http.StatusInternalServerError
			if resp.Error == "No transaction provided" {
				status = http.StatusBadRequest
			} else if resp.Error == "assessment timed out" {
				status = http.StatusGatewayTimeout
			}
			c.JSON(status, resp)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func getAssessmentHandler(assessmentRepo *repositories.AssessmentRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid assessment id"})
			return
		}

		assessment, err := assessmentRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			if err == repositories.ErrAssessmentNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, assessment)
	}
}

func getAssessmentByTransactionHandler(assessmentRepo *repositories.AssessmentRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		transactionID := c.Param("transaction_id")

		assessment, err := assessmentRepo.GetByTransactionID(c.Request.Context(), transactionID)
		if err != nil {
			if err == repositories.ErrAssessmentNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, assessment)
	}
}

func getStatisticsHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		hours := getIntParam(c, "hours", 24)

		stats, err := analyticsService.GetStatistics(c.Request.Context(), hours)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, stats)
	}
}

func reloadModelHandler(mlScorer *scoring.MLScorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := mlScorer.Reload(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "model artifacts reloaded"})
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
