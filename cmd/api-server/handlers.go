package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/configs"
	"github.com/sentinel/fraud-engine/internal/analytics"
	"github.com/sentinel/fraud-engine/internal/auth"
	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/feedback"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
	"github.com/sentinel/fraud-engine/internal/rules"
	"github.com/sentinel/fraud-engine/internal/scoring"
	"github.com/sentinel/fraud-engine/internal/webhook"
)

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error_code": code, "message": message})
}

func mustTenant(c *gin.Context) (*models.Tenant, bool) {
	tenant, ok := auth.TenantFromContext(c)
	if !ok {
		writeError(c, http.StatusInternalServerError, "INTERNAL", "tenant missing from request context")
	}
	return tenant, ok
}

func checkTransactionHandler(orchestrator *scoring.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}

		var req models.TransactionCheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		resp, err := orchestrator.Score(c.Request.Context(), tenant, &req)
		if err != nil {
			scoringError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func checkBatchHandler(orchestrator *scoring.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}

		var req models.BatchCheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		c.JSON(http.StatusOK, orchestrator.ScoreBatch(c.Request.Context(), tenant, req.Transactions))
	}
}

func scoringError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scoring.ErrUnknownTransactionType),
		errors.Is(err, scoring.ErrUnknownVertical):
		writeError(c, http.StatusUnprocessableEntity, "SEMANTIC_ERROR", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusServiceUnavailable, "TIMEOUT", "scoring timed out")
	default:
		log.Error().Err(err).Msg("Scoring failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL", "scoring failed")
	}
}

func getTransactionHandler(txRepo *repositories.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}

		tx, err := txRepo.GetByID(c.Request.Context(), tenant.TenantID, c.Param("id"))
		if err != nil {
			if errors.Is(err, repositories.ErrTransactionNotFound) {
				writeError(c, http.StatusNotFound, "NOT_FOUND", "transaction not found")
				return
			}
			log.Error().Err(err).Msg("Transaction lookup failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "transaction lookup failed")
			return
		}
		c.JSON(http.StatusOK, tx)
	}
}

func feedbackHandler(service *feedback.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}

		var req models.FeedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		resp, err := service.Submit(c.Request.Context(), tenant, &req)
		if err != nil {
			if feedback.IsNotFound(err) {
				writeError(c, http.StatusNotFound, "NOT_FOUND", "transaction not found")
				return
			}
			log.Error().Err(err).Msg("Feedback submission failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "feedback submission failed")
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func statsHandler(service *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}

		days := 7
		if raw := c.Query("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "days must be an integer")
				return
			}
			days = parsed
		}

		stats, err := service.Stats(c.Request.Context(), tenant.TenantID, days)
		if err != nil {
			if errors.Is(err, analytics.ErrInvalidDayRange) {
				writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
				return
			}
			log.Error().Err(err).Msg("Stats query failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "stats query failed")
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func listTransactionsHandler(service *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		riskLevel := c.Query("risk_level")

		page, err := service.ListTransactions(c.Request.Context(), tenant.TenantID, limit, offset, riskLevel)
		if err != nil {
			log.Error().Err(err).Msg("Transaction listing failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "transaction listing failed")
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func clientInfoHandler(service *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := mustTenant(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, service.ClientInfo(c.Request.Context(), tenant))
	}
}

func consortiumInsightsHandler(service *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		insights, err := service.ConsortiumInsights(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("Consortium insights query failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "consortium insights query failed")
			return
		}
		c.JSON(http.StatusOK, insights)
	}
}

func healthHandler(db *repositories.Database, cacheClient *cache.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		dbStatus, redisStatus := "up", "up"
		if err := db.HealthCheck(ctx); err != nil {
			dbStatus = "down"
			status = http.StatusServiceUnavailable
		}
		if err := cacheClient.HealthCheck(ctx); err != nil {
			redisStatus = "down"
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":    map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
			"database":  dbStatus,
			"redis":     redisStatus,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Admin surface

type adminLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func adminLoginHandler(authCfg *configs.AuthConfig, jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adminLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		if authCfg.AdminEmail == "" || authCfg.AdminPasswordHash == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin login is not configured")
			return
		}
		if req.Email != authCfg.AdminEmail || !auth.CheckPassword(req.Password, authCfg.AdminPasswordHash) {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			return
		}

		token, err := jwtManager.GenerateToken(req.Email, auth.RoleAdmin)
		if err != nil {
			log.Error().Err(err).Msg("Token generation failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "token generation failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

func listRulesHandler(engine *rules.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rules": engine.Rules()})
	}
}

func setRuleEnabledHandler(engine *rules.Engine, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleID, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "rule id must be an integer")
			return
		}

		if !engine.SetEnabled(ruleID, enabled) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "unknown rule")
			return
		}

		log.Info().Int("rule_id", ruleID).Bool("enabled", enabled).Msg("Rule toggled")
		c.JSON(http.StatusOK, gin.H{"rule_id": ruleID, "enabled": enabled})
	}
}

func ruleAccuracyHandler(accuracyRepo *repositories.RuleAccuracyRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		accuracies, err := accuracyRepo.GetAll(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("Rule accuracy query failed")
			writeError(c, http.StatusInternalServerError, "INTERNAL", "rule accuracy query failed")
			return
		}
		if accuracies == nil {
			accuracies = []*models.RuleAccuracy{}
		}
		c.JSON(http.StatusOK, gin.H{"rules": accuracies})
	}
}

func metricsHandler(db *repositories.Database, dispatcher *webhook.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := db.Stats()
		c.JSON(http.StatusOK, gin.H{
			"db_pool": gin.H{
				"total_conns":    stats.TotalConns(),
				"idle_conns":     stats.IdleConns(),
				"acquired_conns": stats.AcquiredConns(),
				"max_conns":      stats.MaxConns(),
			},
			"webhook_overflow": dispatcher.Overflow(),
		})
	}
}
