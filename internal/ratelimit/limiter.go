// Package ratelimit enforces the per-tenant request cap with fixed
// one-minute windows in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/models"
)

// Result is one admission decision plus the header values.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter counts requests per tenant per minute bucket.
type Limiter struct {
	cache        *cache.Client
	clock        clock.Clock
	defaultLimit int
}

// NewLimiter creates a limiter. defaultLimit applies to tenants without an
// explicit cap.
func NewLimiter(c *cache.Client, clk clock.Clock, defaultLimit int) *Limiter {
	return &Limiter{cache: c, clock: clk, defaultLimit: defaultLimit}
}

// Allow admits or rejects one request. Redis failures fail open: dropping
// legitimate traffic because the counter store hiccupped is the worse
// trade.
func (l *Limiter) Allow(ctx context.Context, tenant *models.Tenant) Result {
	limit := tenant.RateLimitPerMinute
	if limit <= 0 {
		limit = l.defaultLimit
	}

	now := l.clock.Now()
	bucket := now.Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%d", tenant.TenantID, bucket)
	reset := time.Unix((bucket+1)*60, 0).UTC()

	count, err := l.cache.IncrWithTTL(ctx, key, time.Minute)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenant.TenantID).Msg("Rate limit counter unavailable, failing open")
		return Result{Allowed: true, Limit: limit, Remaining: limit, Reset: reset}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}
