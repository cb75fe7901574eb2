package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/configs"
	"github.com/sentinel/fraud-engine/internal/analytics"
	"github.com/sentinel/fraud-engine/internal/auth"
	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/consortium"
	"github.com/sentinel/fraud-engine/internal/events"
	"github.com/sentinel/fraud-engine/internal/feedback"
	"github.com/sentinel/fraud-engine/internal/mlscore"
	"github.com/sentinel/fraud-engine/internal/ratelimit"
	"github.com/sentinel/fraud-engine/internal/repositories"
	"github.com/sentinel/fraud-engine/internal/rules"
	"github.com/sentinel/fraud-engine/internal/scoring"
	"github.com/sentinel/fraud-engine/internal/velocity"
	"github.com/sentinel/fraud-engine/internal/webhook"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := configs.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Sentinel Fraud Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Initialize Redis
	cacheClient, err := cache.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Initialize repositories
	txRepo := repositories.NewTransactionRepository(db)
	tenantRepo := repositories.NewTenantRepository(db)
	accuracyRepo := repositories.NewRuleAccuracyRepository(db)
	consortiumRepo := repositories.NewConsortiumRepository(db)

	clk := clock.New()

	// Rule engine with the built-in catalogue and learned weights
	engine := rules.NewEngine()
	if accuracies, err := accuracyRepo.GetAll(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to load rule weights, starting neutral")
	} else if len(accuracies) > 0 {
		weights := make(map[int]float64, len(accuracies))
		for _, ra := range accuracies {
			weights[ra.RuleID] = ra.Weight
		}
		engine.SetWeights(weights)
	}

	// ML scorer; absent model path disables ML process-wide
	scorer, err := mlscore.Load(cfg.Scoring.MLModelPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Scoring.MLModelPath).Msg("Failed to load ML model")
	}
	if scorer.Enabled() {
		log.Info().Str("path", cfg.Scoring.MLModelPath).Msg("ML scorer enabled")
	}

	// Webhook dispatcher
	dispatcher := webhook.NewDispatcher(webhook.Config{
		Workers:   cfg.Webhook.Workers,
		QueueSize: cfg.Webhook.QueueSize,
		Timeout:   cfg.Webhook.Timeout,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	// Kafka score events (optional)
	publisher, err := events.NewPublisher(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect Kafka producer")
	}
	defer publisher.Close()

	// Core services
	tracker := velocity.NewTracker(cacheClient)
	aggregator := consortium.NewAggregator(consortiumRepo, cfg.Consortium.Enabled)
	resolver := auth.NewTenantResolver(tenantRepo, cacheClient, clk)
	limiter := ratelimit.NewLimiter(cacheClient, clk, cfg.Scoring.DefaultRateLimit)
	jwtManager := auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.TokenExpiration, clk)

	orchestrator := scoring.NewOrchestrator(
		txRepo, tracker, aggregator, engine, scorer,
		dispatcher, publisher, cacheClient, clk,
		scoring.Config{
			ThresholdHigh:   cfg.Scoring.RiskThresholdHigh,
			ThresholdMedium: cfg.Scoring.RiskThresholdMedium,
			CacheTTL:        cfg.Scoring.CacheTTL,
			ScoringTimeout:  cfg.Scoring.PipelineTimeout,
		},
	)
	feedbackService := feedback.NewService(txRepo, accuracyRepo, db, aggregator, engine, dispatcher, clk)
	analyticsService := analytics.NewService(txRepo, consortiumRepo, db, cacheClient, resolver, clk)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	setupRoutes(router, &cfg.Auth, resolver, limiter, jwtManager,
		orchestrator, feedbackService, analyticsService,
		txRepo, accuracyRepo, engine, dispatcher, db, cacheClient)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

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
	authCfg *configs.AuthConfig,
	resolver *auth.TenantResolver,
	limiter *ratelimit.Limiter,
	jwtManager *auth.JWTManager,
	orchestrator *scoring.Orchestrator,
	feedbackService *feedback.Service,
	analyticsService *analytics.Service,
	txRepo *repositories.TransactionRepository,
	accuracyRepo *repositories.RuleAccuracyRepository,
	engine *rules.Engine,
	dispatcher *webhook.Dispatcher,
	db *repositories.Database,
	cacheClient *cache.Client,
) {
	// Health check (unauthenticated, rate-limit exempt)
	router.GET("/health", healthHandler(db, cacheClient))

	v1 := router.Group("/api/v1")

	// Tenant surface: API key auth, then the per-tenant rate limit
	tenantRoutes := v1.Group("")
	tenantRoutes.Use(auth.APIKeyMiddleware(resolver))
	tenantRoutes.Use(rateLimitMiddleware(limiter))
	{
		tenantRoutes.POST("/check-transaction", checkTransactionHandler(orchestrator))
		tenantRoutes.POST("/check-transactions-batch", checkBatchHandler(orchestrator))
		tenantRoutes.GET("/transaction/:id", getTransactionHandler(txRepo))
		tenantRoutes.POST("/feedback", feedbackHandler(feedbackService))
		tenantRoutes.GET("/stats", statsHandler(analyticsService))
		tenantRoutes.GET("/transactions", listTransactionsHandler(analyticsService))
		tenantRoutes.GET("/client-info", clientInfoHandler(analyticsService))
		tenantRoutes.GET("/consortium-insights", consortiumInsightsHandler(analyticsService))
	}

	// Admin surface: operator login plus rule management
	adminRoutes := v1.Group("/admin")
	adminRoutes.POST("/login", adminLoginHandler(authCfg, jwtManager))

	protected := adminRoutes.Group("")
	protected.Use(auth.AdminMiddleware(jwtManager))
	{
		protected.GET("/rules", listRulesHandler(engine))
		protected.POST("/rules/:id/enable", setRuleEnabledHandler(engine, true))
		protected.POST("/rules/:id/disable", setRuleEnabledHandler(engine, false))
		protected.GET("/rules/accuracy", ruleAccuracyHandler(accuracyRepo))
		protected.GET("/metrics", metricsHandler(db, dispatcher))
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

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func rateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := auth.TenantFromContext(c)
		if !ok {
			c.Next()
			return
		}

		result := limiter.Allow(c.Request.Context(), tenant)
		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(result.Reset).Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error_code": "RATE_LIMITED",
				"message":    "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
