package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/models"
	"github.com/sentinel/fraud-engine/internal/repositories"
)

// ErrInvalidAPIKey is returned when no tenant matches the presented key.
var ErrInvalidAPIKey = errors.New("invalid API key")

// TenantSource is the tenant lookup the resolver needs.
type TenantSource interface {
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*models.Tenant, error)
}

// TenantResolver maps API keys to tenants with a short cache in front of the
// database. Keys are hashed before they touch either store.
type TenantResolver struct {
	repo     TenantSource
	cache    *cache.Client
	clock    clock.Clock
	cacheTTL time.Duration
}

// NewTenantResolver creates a resolver. cache may be nil to disable caching.
func NewTenantResolver(repo TenantSource, c *cache.Client, clk clock.Clock) *TenantResolver {
	return &TenantResolver{repo: repo, cache: c, clock: clk, cacheTTL: time.Minute}
}

// HashAPIKey returns the storage form of an API key.
func HashAPIKey(apiKey string) string {
	digest := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(digest[:])
}

// Resolve looks up the tenant for an API key.
func (r *TenantResolver) Resolve(ctx context.Context, apiKey string) (*models.Tenant, error) {
	keyHash := HashAPIKey(apiKey)
	cacheKey := "tenant:key:" + keyHash

	if r.cache != nil {
		var tenant models.Tenant
		if err := r.cache.Get(ctx, cacheKey, &tenant); err == nil {
			return &tenant, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Msg("Tenant cache read failed")
		}
	}

	tenant, err := r.repo.GetByAPIKeyHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, repositories.ErrTenantNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey, tenant, r.cacheTTL); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenant.TenantID).Msg("Tenant cache write failed")
		}
	}
	return tenant, nil
}

// CountCall bumps the tenant's daily API-call counter, used by the
// client-info endpoint. Failures are logged and ignored.
func (r *TenantResolver) CountCall(ctx context.Context, tenantID string) {
	if r.cache == nil {
		return
	}
	key := dailyCallKey(tenantID, r.clock.Now())
	if _, err := r.cache.IncrWithTTL(ctx, key, 48*time.Hour); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("API call counter bump failed")
	}
}

// CallsToday reads the tenant's call count for the current day.
func (r *TenantResolver) CallsToday(ctx context.Context, tenantID string) int64 {
	if r.cache == nil {
		return 0
	}
	count, err := r.cache.GetInt64(ctx, dailyCallKey(tenantID, r.clock.Now()))
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("API call counter read failed")
		return 0
	}
	return count
}

func dailyCallKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("apicalls:%s:%s", tenantID, now.UTC().Format("2006-01-02"))
}
