package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
)

// ErrInvalidDayRange is returned when the stats window is outside 1..90 days.
var ErrInvalidDayRange = errors.New("days must be between 1 and 90")

// TenantStats aggregates a tenant's recent scoring activity.
type TenantStats struct {
	TenantID          string         `json:"tenant_id"`
	Days              int            `json:"days"`
	TotalTransactions int            `json:"total_transactions"`
	ByRiskLevel       map[string]int `json:"by_risk_level"`
	FlaggedCount      int            `json:"flagged_count"`
	FeedbackCount     int            `json:"feedback_count"`
	ConfirmedFraud    int            `json:"confirmed_fraud"`
	AvgRiskScore      float64        `json:"avg_risk_score"`
	AvgProcessingMs   float64        `json:"avg_processing_ms"`
}

// TransactionPage is one page of a tenant's transaction history.
type TransactionPage struct {
	Transactions []*models.Transaction `json:"transactions"`
	Total        int                   `json:"total"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

// ClientInfo describes the calling tenant's account.
type ClientInfo struct {
	TenantID           string `json:"tenant_id"`
	Name               string `json:"name"`
	Plan               string `json:"plan"`
	Vertical           string `json:"vertical"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	MLEnabled          bool   `json:"ml_enabled"`
	APICallsToday      int64  `json:"api_calls_today"`
}

// CallCounter reads a tenant's daily API-call total.
type CallCounter interface {
	CallsToday(ctx context.Context, tenantID string) int64
}

// Service answers the reporting endpoints: stats, transaction listing,
// client info and consortium insights.
type Service struct {
	txRepo         *repositories.TransactionRepository
	consortiumRepo *repositories.ConsortiumRepository
	db             *repositories.Database
	cacheClient    *cache.Client
	calls          CallCounter
	clock          clock.Clock
}

// NewService creates the analytics service. cacheClient may be nil.
func NewService(
	txRepo *repositories.TransactionRepository,
	consortiumRepo *repositories.ConsortiumRepository,
	db *repositories.Database,
	cacheClient *cache.Client,
	calls CallCounter,
	clk clock.Clock,
) *Service {
	return &Service{
		txRepo:         txRepo,
		consortiumRepo: consortiumRepo,
		db:             db,
		cacheClient:    cacheClient,
		calls:          calls,
		clock:          clk,
	}
}

// Stats aggregates a tenant's activity over the last days days (1..90).
func (s *Service) Stats(ctx context.Context, tenantID string, days int) (*TenantStats, error) {
	if days < 1 || days > 90 {
		return nil, ErrInvalidDayRange
	}

	cacheKey := fmt.Sprintf("stats:%s:%d", tenantID, days)
	if s.cacheClient != nil {
		var cached TenantStats
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	since := s.clock.Now().UTC().AddDate(0, 0, -days)
	stats := &TenantStats{
		TenantID:    tenantID,
		Days:        days,
		ByRiskLevel: make(map[string]int),
	}

	query := `
		SELECT COUNT(*),
		       COALESCE(AVG(risk_score), 0),
		       COALESCE(AVG(processing_time_ms), 0),
		       COUNT(*) FILTER (WHERE jsonb_array_length(flags) > 0),
		       COUNT(*) FILTER (WHERE feedback_timestamp IS NOT NULL),
		       COUNT(*) FILTER (WHERE actual_fraud = true)
		FROM transactions
		WHERE tenant_id = $1 AND created_at >= $2
	`
	err := s.db.Pool.QueryRow(ctx, query, tenantID, since).Scan(
		&stats.TotalTransactions,
		&stats.AvgRiskScore,
		&stats.AvgProcessingMs,
		&stats.FlaggedCount,
		&stats.FeedbackCount,
		&stats.ConfirmedFraud,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}

	levelQuery := `
		SELECT risk_level, COUNT(*)
		FROM transactions
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY risk_level
	`
	rows, err := s.db.Pool.Query(ctx, levelQuery, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate risk levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		stats.ByRiskLevel[level] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.cacheClient != nil {
		if err := s.cacheClient.Set(ctx, cacheKey, stats, time.Minute); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to cache stats")
		}
	}
	return stats, nil
}

// ListTransactions returns a page of the tenant's transactions, newest first.
// limit is clamped to 1..100 with a default of 20.
func (s *Service) ListTransactions(ctx context.Context, tenantID string, limit, offset int, riskLevel string) (*TransactionPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	transactions, total, err := s.txRepo.List(ctx, tenantID, limit, offset, riskLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if transactions == nil {
		transactions = []*models.Transaction{}
	}
	return &TransactionPage{
		Transactions: transactions,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	}, nil
}

// ClientInfo reports the tenant's account details and today's call count.
func (s *Service) ClientInfo(ctx context.Context, tenant *models.Tenant) *ClientInfo {
	info := &ClientInfo{
		TenantID:           tenant.TenantID,
		Name:               tenant.Name,
		Plan:               tenant.Plan,
		Vertical:           tenant.Vertical,
		RateLimitPerMinute: tenant.RateLimitPerMinute,
		MLEnabled:          tenant.MLEnabled,
	}
	if s.calls != nil {
		info.APICallsToday = s.calls.CallsToday(ctx, tenant.TenantID)
	}
	return info
}

// ConsortiumInsights summarises the shared consortium store, cached briefly
// since the aggregates move slowly.
func (s *Service) ConsortiumInsights(ctx context.Context) (*repositories.Insights, error) {
	const cacheKey = "consortium:insights"
	if s.cacheClient != nil {
		var cached repositories.Insights
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	insights, err := s.consortiumRepo.GetInsights(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consortium insights: %w", err)
	}

	if s.cacheClient != nil {
		if err := s.cacheClient.Set(ctx, cacheKey, insights, 5*time.Minute); err != nil {
			log.Warn().Err(err).Msg("Failed to cache consortium insights")
		}
	}
	return insights, nil
}
